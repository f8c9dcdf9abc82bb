package mailtest

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/brandon/mailsync/internal/email"
)

// ErrClosed is returned by operations on a closed or killed session.
var ErrClosed = fmt.Errorf("%w: session closed", email.ErrConnectionFailed)

// Session is a client view of a Server. It implements email.Session.
type Session struct {
	server  *Server
	account string

	mu        sync.Mutex
	alive     bool
	selected  string
	uidNext   uint32
	listenOn  string
	onEvent   func(email.ListenEvent)
	closeOnce *sync.Once
}

var _ email.Session = (*Session)(nil)

// Account returns the account the session was dialed for.
func (c *Session) Account() string { return c.account }

// Kill marks the session dead without closing it, like a dropped socket.
func (c *Session) Kill() {
	c.mu.Lock()
	c.alive = false
	c.mu.Unlock()
}

func (c *Session) check() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.alive {
		return ErrClosed
	}
	return nil
}

func (c *Session) selectedBox() (*mailbox, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	path := c.selected
	c.mu.Unlock()
	if path == "" {
		return nil, email.ErrNotSelected
	}
	mb, ok := c.server.mailboxes[path]
	if !ok {
		return nil, fmt.Errorf("no such mailbox: %s", path)
	}
	return mb, nil
}

func (c *Session) ListFolders() ([]email.FolderInfo, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	c.server.mu.Lock()
	defer c.server.mu.Unlock()
	var out []email.FolderInfo
	for _, path := range c.server.order {
		mb := c.server.mailboxes[path]
		out = append(out, email.FolderInfo{
			Name:       path[strings.LastIndex(path, "/")+1:],
			Path:       path,
			Delimiter:  "/",
			Attributes: mb.attrs,
			Type:       email.DetectFolderType(path, mb.attrs),
			Selectable: true,
		})
	}
	return out, nil
}

func (c *Session) SelectFolder(path string) (*email.SelectResult, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	c.server.mu.Lock()
	mb, ok := c.server.mailboxes[path]
	if !ok {
		c.server.mu.Unlock()
		return nil, fmt.Errorf("no such mailbox: %s", path)
	}
	res := &email.SelectResult{
		Path:        path,
		UIDValidity: mb.uidValidity,
		UIDNext:     mb.nextUID,
		Messages:    uint32(len(mb.messages)),
	}
	c.server.mu.Unlock()

	c.mu.Lock()
	c.selected = path
	c.uidNext = res.UIDNext
	c.mu.Unlock()
	return res, nil
}

func (c *Session) SearchUIDs(r email.UIDRange) ([]uint32, error) {
	c.server.mu.Lock()
	defer c.server.mu.Unlock()
	mb, err := c.selectedBox()
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	last := c.uidNext - 1
	c.mu.Unlock()

	to := r.To
	if to == 0 || to > last {
		to = last
	}
	var out []uint32
	for _, m := range mb.messages {
		if m.UID >= r.From && m.UID <= to {
			out = append(out, m.UID)
		}
	}
	sortUIDs(out)
	return out, nil
}

func (c *Session) NewestUIDs(n int) ([]uint32, error) {
	c.server.mu.Lock()
	defer c.server.mu.Unlock()
	mb, err := c.selectedBox()
	if err != nil {
		return nil, err
	}
	var all []uint32
	for _, m := range mb.messages {
		all = append(all, m.UID)
	}
	sortUIDs(all)
	if len(all) > n {
		all = all[len(all)-n:]
	}
	return all, nil
}

func (c *Session) find(mb *mailbox, uids []uint32) []*Message {
	want := make(map[uint32]bool, len(uids))
	for _, u := range uids {
		want[u] = true
	}
	var out []*Message
	for _, m := range mb.messages {
		if want[m.UID] {
			out = append(out, m)
		}
	}
	return out
}

func (c *Session) FetchHeaders(uids []uint32) ([]*email.Header, error) {
	c.server.mu.Lock()
	defer c.server.mu.Unlock()
	mb, err := c.selectedBox()
	if err != nil {
		return nil, err
	}
	var out []*email.Header
	for _, m := range c.find(mb, uids) {
		out = append(out, &email.Header{
			UID:          m.UID,
			MessageID:    m.MessageID,
			InReplyTo:    m.InReplyTo,
			References:   append([]string(nil), m.References...),
			Subject:      m.Subject,
			SenderEmail:  m.From,
			Date:         m.Date,
			InternalDate: m.Date,
			Flags:        append([]string(nil), m.Flags...),
			Size:         uint32(len(m.RawBytes())),
		})
	}
	return out, nil
}

func (c *Session) FetchBodies(uids []uint32) ([]*email.Body, error) {
	c.server.mu.Lock()
	hook := c.server.fetchHook
	c.mu.Lock()
	path := c.selected
	c.mu.Unlock()
	c.server.mu.Unlock()
	if hook != nil {
		if err := hook(path, uids); err != nil {
			return nil, err
		}
	}

	c.server.mu.Lock()
	defer c.server.mu.Unlock()
	mb, err := c.selectedBox()
	if err != nil {
		return nil, err
	}
	var out []*email.Body
	for _, m := range c.find(mb, uids) {
		if c.server.withheld[mb.path][m.UID] {
			continue
		}
		out = append(out, &email.Body{UID: m.UID, Raw: m.RawBytes(), Text: m.Body})
		c.server.fetchLog[mb.path] = append(c.server.fetchLog[mb.path], m.UID)
	}
	return out, nil
}

func (c *Session) FetchBodyPart(uid uint32, part []int) ([]byte, error) {
	c.server.mu.Lock()
	defer c.server.mu.Unlock()
	mb, err := c.selectedBox()
	if err != nil {
		return nil, err
	}
	found := c.find(mb, []uint32{uid})
	if len(found) == 0 {
		return nil, fmt.Errorf("no message with uid %d", uid)
	}
	return []byte(found[0].Body), nil
}

func (c *Session) StoreFlags(uids []uint32, flags []string, add bool) error {
	c.server.mu.Lock()
	defer c.server.mu.Unlock()
	mb, err := c.selectedBox()
	if err != nil {
		return err
	}
	for _, m := range c.find(mb, uids) {
		m.Flags = applyFlags(m.Flags, flags, add)
	}
	return nil
}

func applyFlags(current, flags []string, add bool) []string {
	set := make(map[string]bool, len(current))
	for _, f := range current {
		set[f] = true
	}
	for _, f := range flags {
		set[f] = add
	}
	var out []string
	for _, f := range current {
		if set[f] {
			out = append(out, f)
			delete(set, f)
		}
	}
	for _, f := range flags {
		if set[f] {
			out = append(out, f)
			delete(set, f)
		}
	}
	return out
}

func (c *Session) Append(folder string, flags []string, date time.Time, raw []byte) error {
	if err := c.check(); err != nil {
		return err
	}
	c.server.mu.Lock()
	_, ok := c.server.mailboxes[folder]
	c.server.mu.Unlock()
	if !ok {
		return fmt.Errorf("no such mailbox: %s", folder)
	}
	c.server.AddMessages(folder, Message{Flags: flags, Date: date, Raw: append([]byte(nil), raw...)})
	return nil
}

func (c *Session) StartListen(onEvent func(email.ListenEvent)) error {
	if err := c.check(); err != nil {
		return err
	}
	c.server.mu.Lock()
	defer c.server.mu.Unlock()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.selected == "" {
		return email.ErrNotSelected
	}
	if c.onEvent != nil {
		return errors.New("already listening")
	}
	c.listenOn = c.selected
	c.onEvent = onEvent
	c.closeOnce = &sync.Once{}
	return nil
}

func (c *Session) StopListen() error {
	c.endListen(nil)
	return nil
}

func (c *Session) listening() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.onEvent != nil
}

func (c *Session) listeningOn(path string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.onEvent != nil && c.listenOn == path
}

func (c *Session) notify(ev email.ListenEvent) {
	c.mu.Lock()
	fn := c.onEvent
	c.mu.Unlock()
	if fn != nil {
		fn(ev)
	}
}

func (c *Session) endListen(err error) {
	c.mu.Lock()
	fn := c.onEvent
	once := c.closeOnce
	c.onEvent = nil
	c.listenOn = ""
	c.mu.Unlock()
	if fn == nil {
		return
	}
	once.Do(func() {
		fn(email.ListenEvent{Kind: email.ListenClosed, Err: err})
	})
}

func (c *Session) IsAlive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.alive
}

func (c *Session) Close() error {
	c.endListen(nil)
	c.mu.Lock()
	c.alive = false
	c.mu.Unlock()
	return nil
}
