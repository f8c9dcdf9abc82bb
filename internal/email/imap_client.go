package email

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"
	"github.com/jhillyerd/enmime"
	"github.com/sirupsen/logrus"
)

// Security selects how the transport is protected.
type Security string

const (
	SecurityTLS      Security = "tls"
	SecurityStartTLS Security = "starttls"
	SecurityNone     Security = "none"
)

// ServerConfig describes how to reach an IMAP or SMTP server.
type ServerConfig struct {
	Host               string
	Port               int
	Security           Security
	InsecureSkipVerify bool
	Timeout            time.Duration
	// PollInterval is used for listening when the server lacks IDLE.
	PollInterval time.Duration
}

// Addr returns host:port.
func (s ServerConfig) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

func (s ServerConfig) tlsConfig() *tls.Config {
	return &tls.Config{
		ServerName:         s.Host,
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: s.InsecureSkipVerify, //nolint:gosec
	}
}

// IMAPClient is a Session over a go-imap client connection.
type IMAPClient struct {
	account string
	server  ServerConfig
	client  *client.Client
	conn    *deadlineConn
	logger  *logrus.Logger

	updates chan client.Update

	mu       sync.Mutex
	selected *SelectResult
	onEvent  func(ListenEvent)
	stopIdle chan struct{}
	doneIdle chan error
	closed   bool
}

var _ Session = (*IMAPClient)(nil)

var (
	headerFieldsSection = &imap.BodySectionName{
		BodyPartName: imap.BodyPartName{
			Specifier: imap.HeaderSpecifier,
			Fields:    []string{"References"},
		},
		Peek: true,
	}
	entireSection = &imap.BodySectionName{Peek: true}
)

// deadlineConn remembers whether a read or write ever hit its deadline.
// go-imap reports a timed out command as a closed connection, so the flag is
// what tells a timeout apart from a peer hangup.
type deadlineConn struct {
	net.Conn
	timedOut atomic.Bool
}

func (c *deadlineConn) Read(p []byte) (int, error) {
	n, err := c.Conn.Read(p)
	if err != nil && isTimeout(err) {
		c.timedOut.Store(true)
	}
	return n, err
}

func (c *deadlineConn) Write(p []byte) (int, error) {
	n, err := c.Conn.Write(p)
	if err != nil && isTimeout(err) {
		c.timedOut.Store(true)
	}
	return n, err
}

// DialIMAP connects to the server described by cfg. The returned client is
// connected but not authenticated. Every command, including the greeting and
// login, is bounded by cfg.Timeout when it is positive.
func DialIMAP(ctx context.Context, account string, cfg ServerConfig, logger *logrus.Logger) (*IMAPClient, error) {
	if logger == nil {
		logger = logrus.New()
	}

	dialer := &net.Dialer{Timeout: cfg.Timeout}
	raw, err := dialer.DialContext(ctx, "tcp", cfg.Addr())
	if err != nil {
		return nil, classifyDialError("dial imap", err)
	}
	dc := &deadlineConn{Conn: raw}

	var conn net.Conn = dc
	if cfg.Security == SecurityTLS {
		tlsConn := tls.Client(dc, cfg.tlsConfig())
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			raw.Close() //nolint:errcheck
			return nil, classifyDialError("imap tls handshake", err)
		}
		conn = tlsConn
	}

	deadline, ok := ctx.Deadline()
	if cfg.Timeout > 0 && (!ok || time.Until(deadline) > cfg.Timeout) {
		deadline, ok = time.Now().Add(cfg.Timeout), true
	}
	if ok {
		dc.SetDeadline(deadline) //nolint:errcheck
	}
	cl, err := client.New(conn)
	if err != nil {
		conn.Close() //nolint:errcheck
		return nil, classifyDialError("imap greeting", err)
	}
	dc.SetDeadline(time.Time{}) //nolint:errcheck
	cl.Timeout = cfg.Timeout

	c := &IMAPClient{
		account: account,
		server:  cfg,
		client:  cl,
		conn:    dc,
		logger:  logger,
		updates: make(chan client.Update, 32),
	}

	if cfg.Security == SecurityStartTLS {
		if err := cl.StartTLS(cfg.tlsConfig()); err != nil {
			cl.Terminate() //nolint:errcheck
			if dc.timedOut.Load() {
				return nil, fmt.Errorf("imap starttls: %w: %w", ErrTimeout, err)
			}
			return nil, classifyDialError("imap starttls", err)
		}
		c.clearDeadline()
	}

	cl.Updates = c.updates
	if logger.IsLevelEnabled(logrus.TraceLevel) {
		cl.SetDebug(&debugWriter{logger: logger, account: account})
	}
	go c.dispatchUpdates()

	return c, nil
}

// Authenticate logs in with a password or an XOAUTH2 token.
func (c *IMAPClient) Authenticate(cred Credential) error {
	var err error
	if cred.Mechanism == AuthXOAuth2 {
		err = c.client.Authenticate(NewXOAuth2Client(cred.Username, cred.Secret))
	} else {
		err = c.client.Login(cred.Username, cred.Secret)
	}
	if cerr := c.finish("imap authenticate", err); cerr != nil {
		if errors.Is(cerr, ErrTimeout) || errors.Is(cerr, ErrConnectionFailed) {
			return cerr
		}
		return authError("imap authenticate", cred, err)
	}

	c.logger.WithFields(logrus.Fields{
		"account":   c.account,
		"mechanism": string(cred.Mechanism),
	}).Debug("Authenticated to IMAP server")
	return nil
}

// Close logs out, falling back to closing the socket.
func (c *IMAPClient) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.StopListen() //nolint:errcheck

	if err := c.client.Logout(); err != nil {
		return c.client.Terminate()
	}
	return nil
}

// IsAlive reports whether the connection is still usable.
func (c *IMAPClient) IsAlive() bool {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return false
	}
	select {
	case <-c.client.LoggedOut():
		return false
	default:
	}
	return c.client.State()&(imap.AuthenticatedState|imap.SelectedState) != 0
}

// ListFolders lists all mailboxes/folders
func (c *IMAPClient) ListFolders() ([]FolderInfo, error) {
	mailboxes := make(chan *imap.MailboxInfo, 10)
	done := make(chan error, 1)

	go func() {
		done <- c.client.List("", "*", mailboxes)
	}()

	var folders []FolderInfo
	for m := range mailboxes {
		folders = append(folders, FolderInfo{
			Name:       leafName(m.Name),
			Path:       m.Name,
			Delimiter:  m.Delimiter,
			Attributes: m.Attributes,
			Type:       DetectFolderType(m.Name, m.Attributes),
			Selectable: !hasAttr(m.Attributes, attrNoSelect),
		})
	}

	if err := c.finish("failed to list folders", <-done); err != nil {
		return nil, err
	}

	return folders, nil
}

// SelectFolder selects a mailbox read-write.
func (c *IMAPClient) SelectFolder(path string) (*SelectResult, error) {
	mbox, err := c.client.Select(path, false)
	if err := c.finish("failed to select folder", err); err != nil {
		return nil, err
	}

	res := &SelectResult{
		Path:        path,
		UIDValidity: mbox.UidValidity,
		UIDNext:     mbox.UidNext,
		Messages:    mbox.Messages,
	}
	if res.UIDNext == 0 && res.Messages > 0 {
		last, err := c.uidsBySeq(res.Messages, res.Messages)
		if err != nil {
			return nil, err
		}
		if len(last) > 0 {
			res.UIDNext = last[len(last)-1] + 1
		}
	}
	if res.UIDNext == 0 {
		res.UIDNext = 1
	}

	live := *res
	c.mu.Lock()
	c.selected = &live
	c.mu.Unlock()
	return res, nil
}

// current returns a snapshot of the selected mailbox. The live counters are
// only touched under mu by handleUpdate.
func (c *IMAPClient) current() (*SelectResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.selected == nil {
		return nil, ErrNotSelected
	}
	sel := *c.selected
	return &sel, nil
}

// finish clears the deadline a command left on the connection, so an idle
// pooled session is not dropped by the reader, and classifies err.
func (c *IMAPClient) finish(op string, err error) error {
	c.clearDeadline()
	if err == nil {
		return nil
	}
	if c.conn != nil && c.conn.timedOut.Load() && !errors.Is(err, ErrTimeout) {
		return fmt.Errorf("%s: %w: %w", op, ErrTimeout, err)
	}
	return classifyCommandError(op, err)
}

// SearchUIDs returns existing UIDs within r. "N:*" always matches the
// highest message even when N is beyond it, so the open end is replaced by
// UIDNEXT-1 and results are filtered to the requested bounds.
func (c *IMAPClient) SearchUIDs(r UIDRange) ([]uint32, error) {
	sel, err := c.current()
	if err != nil {
		return nil, err
	}

	from, to := r.From, r.To
	if from == 0 {
		from = 1
	}
	if to == 0 || to >= sel.UIDNext {
		to = sel.UIDNext - 1
	}
	if to < from {
		return nil, nil
	}

	seqset := new(imap.SeqSet)
	seqset.AddRange(from, to)
	criteria := imap.NewSearchCriteria()
	criteria.Uid = seqset

	uids, err := c.client.UidSearch(criteria)
	if err := c.finish("failed to search uids", err); err != nil {
		return nil, err
	}

	out := uids[:0]
	for _, uid := range uids {
		if uid >= from && uid <= to {
			out = append(out, uid)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// NewestUIDs returns the UIDs of the last n messages by sequence number.
func (c *IMAPClient) NewestUIDs(n int) ([]uint32, error) {
	sel, err := c.current()
	if err != nil {
		return nil, err
	}
	if sel.Messages == 0 || n <= 0 {
		return nil, nil
	}

	start := uint32(1)
	if sel.Messages > uint32(n) {
		start = sel.Messages - uint32(n) + 1
	}
	return c.uidsBySeq(start, sel.Messages)
}

func (c *IMAPClient) uidsBySeq(start, stop uint32) ([]uint32, error) {
	seqset := new(imap.SeqSet)
	seqset.AddRange(start, stop)

	messages := make(chan *imap.Message, 10)
	done := make(chan error, 1)
	go func() {
		done <- c.client.Fetch(seqset, []imap.FetchItem{imap.FetchUid}, messages)
	}()

	var uids []uint32
	for msg := range messages {
		if msg.Uid != 0 {
			uids = append(uids, msg.Uid)
		}
	}
	if err := c.finish("failed to fetch uids", <-done); err != nil {
		return nil, err
	}

	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })
	return uids, nil
}

func (c *IMAPClient) uidFetch(op string, uids []uint32, items []imap.FetchItem, fn func(*imap.Message) error) error {
	if len(uids) == 0 {
		return nil
	}

	seqset := new(imap.SeqSet)
	seqset.AddNum(uids...)

	messages := make(chan *imap.Message, 10)
	done := make(chan error, 1)
	go func() {
		done <- c.client.UidFetch(seqset, items, messages)
	}()

	var firstErr error
	for msg := range messages {
		if firstErr != nil {
			continue
		}
		if err := fn(msg); err != nil {
			firstErr = err
		}
	}

	if err := c.finish(op, <-done); err != nil {
		return err
	}
	if firstErr != nil {
		return fmt.Errorf("%s: %w", op, firstErr)
	}
	return nil
}

// FetchHeaders fetches envelopes, flags, sizes and the References header.
func (c *IMAPClient) FetchHeaders(uids []uint32) ([]*Header, error) {
	items := []imap.FetchItem{
		imap.FetchUid,
		imap.FetchEnvelope,
		imap.FetchFlags,
		imap.FetchInternalDate,
		imap.FetchRFC822Size,
		headerFieldsSection.FetchItem(),
	}

	var headers []*Header
	err := c.uidFetch("failed to fetch headers", uids, items, func(msg *imap.Message) error {
		h, err := parseHeader(msg)
		if err != nil {
			return err
		}
		headers = append(headers, h)
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(headers, func(i, j int) bool { return headers[i].UID < headers[j].UID })
	return headers, nil
}

// FetchBodies fetches complete messages and parses their text and HTML parts.
func (c *IMAPClient) FetchBodies(uids []uint32) ([]*Body, error) {
	items := []imap.FetchItem{imap.FetchUid, entireSection.FetchItem()}

	var bodies []*Body
	err := c.uidFetch("failed to fetch bodies", uids, items, func(msg *imap.Message) error {
		lit := findSection(msg, func(s *imap.BodySectionName) bool {
			return s.Specifier == imap.EntireSpecifier && len(s.Path) == 0 && len(s.Fields) == 0
		})
		raw, err := readLiteral(lit)
		if err != nil {
			return fmt.Errorf("uid %d: %w", msg.Uid, err)
		}
		body := &Body{UID: msg.Uid, Raw: raw}
		c.parseBody(body)
		bodies = append(bodies, body)
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(bodies, func(i, j int) bool { return bodies[i].UID < bodies[j].UID })
	return bodies, nil
}

// FetchBodyPart fetches one MIME part by its path, e.g. []int{2, 1}.
func (c *IMAPClient) FetchBodyPart(uid uint32, part []int) ([]byte, error) {
	section := &imap.BodySectionName{
		BodyPartName: imap.BodyPartName{Path: part},
		Peek:         true,
	}

	var data []byte
	found := false
	err := c.uidFetch("failed to fetch body part", []uint32{uid}, []imap.FetchItem{imap.FetchUid, section.FetchItem()}, func(msg *imap.Message) error {
		if msg.Uid != uid {
			return nil
		}
		lit := findSection(msg, func(s *imap.BodySectionName) bool {
			return s.Specifier == imap.EntireSpecifier && equalPath(s.Path, part)
		})
		b, err := readLiteral(lit)
		if err != nil {
			return err
		}
		data = b
		found = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("uid %d part %v not found", uid, part)
	}
	return data, nil
}

// StoreFlags adds or removes flags on the given UIDs.
func (c *IMAPClient) StoreFlags(uids []uint32, flags []string, add bool) error {
	if len(uids) == 0 || len(flags) == 0 {
		return nil
	}

	seqset := new(imap.SeqSet)
	seqset.AddNum(uids...)

	op := imap.FlagsOp(imap.RemoveFlags)
	if add {
		op = imap.FlagsOp(imap.AddFlags)
	}
	values := make([]interface{}, len(flags))
	for i, f := range flags {
		values[i] = f
	}

	if err := c.finish("failed to store flags", c.client.UidStore(seqset, imap.FormatFlagsOp(op, true), values, nil)); err != nil {
		return err
	}
	return nil
}

// Append stores a raw message in folder.
func (c *IMAPClient) Append(folder string, flags []string, date time.Time, raw []byte) error {
	if err := c.finish("failed to append message", c.client.Append(folder, flags, date, bytes.NewBuffer(raw))); err != nil {
		return err
	}
	return nil
}

// StartListen enters IDLE on the selected folder, or NOOP polling when the
// server does not support IDLE. IDLE runs without the command timeout; the
// listen state is cleared when it ends, however it ends.
func (c *IMAPClient) StartListen(onEvent func(ListenEvent)) error {
	sel, err := c.current()
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.stopIdle != nil {
		c.mu.Unlock()
		return errors.New("already listening")
	}
	stop := make(chan struct{})
	done := make(chan error, 1)
	c.stopIdle = stop
	c.doneIdle = done
	c.onEvent = onEvent
	c.mu.Unlock()

	idle, err := c.client.Support("IDLE")
	if err := c.finish("idle", err); err != nil {
		c.clearListen(stop)
		return err
	}
	if idle {
		c.client.Timeout = 0
	}

	go func() {
		var err error
		if idle {
			err = c.client.Idle(stop, nil)
			c.client.Timeout = c.server.Timeout
		} else {
			err = c.poll(stop)
		}
		c.clearListen(stop)
		if err != nil {
			c.emit(ListenEvent{Kind: ListenClosed, Messages: sel.Messages, Err: c.finish("idle", err)})
		} else {
			c.emit(ListenEvent{Kind: ListenClosed, Messages: sel.Messages})
		}
		done <- err
	}()

	c.logger.WithFields(logrus.Fields{
		"account": c.account,
		"folder":  sel.Path,
	}).Debug("Listening for mailbox updates")
	return nil
}

// poll issues NOOP every PollInterval so the server can report changes.
func (c *IMAPClient) poll(stop <-chan struct{}) error {
	interval := c.server.PollInterval
	if interval <= 0 {
		interval = time.Minute
	}
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-t.C:
			err := c.client.Noop()
			c.clearDeadline()
			if err != nil {
				return err
			}
		case <-stop:
			return nil
		case <-c.client.LoggedOut():
			return fmt.Errorf("%w: disconnected while polling", ErrConnectionFailed)
		}
	}
}

func (c *IMAPClient) clearDeadline() {
	if c.conn != nil && c.server.Timeout > 0 {
		c.conn.SetDeadline(time.Time{}) //nolint:errcheck
	}
}

// clearListen drops the listen state if it still belongs to stop.
func (c *IMAPClient) clearListen(stop chan struct{}) {
	c.mu.Lock()
	if c.stopIdle == stop {
		c.stopIdle, c.doneIdle = nil, nil
	}
	c.mu.Unlock()
}

// StopListen leaves IDLE and waits for the command to finish.
func (c *IMAPClient) StopListen() error {
	c.mu.Lock()
	stop, done := c.stopIdle, c.doneIdle
	c.stopIdle, c.doneIdle = nil, nil
	c.mu.Unlock()

	if stop == nil {
		return nil
	}
	close(stop)

	var err error
	select {
	case err = <-done:
	case <-c.client.LoggedOut():
	}

	c.mu.Lock()
	c.onEvent = nil
	c.mu.Unlock()

	if err != nil {
		return c.finish("idle", err)
	}
	return nil
}

func (c *IMAPClient) emit(ev ListenEvent) {
	c.mu.Lock()
	fn := c.onEvent
	if ev.Kind == ListenClosed {
		c.onEvent = nil
	}
	c.mu.Unlock()
	if fn != nil {
		fn(ev)
	}
}

// dispatchUpdates drains unilateral server data so the reader never blocks.
func (c *IMAPClient) dispatchUpdates() {
	for {
		select {
		case upd := <-c.updates:
			c.handleUpdate(upd)
		case <-c.client.LoggedOut():
			return
		}
	}
}

func (c *IMAPClient) handleUpdate(upd client.Update) {
	switch u := upd.(type) {
	case *client.MailboxUpdate:
		if u.Mailbox == nil {
			return
		}
		c.mu.Lock()
		prev := uint32(0)
		if c.selected != nil {
			prev = c.selected.Messages
			c.selected.Messages = u.Mailbox.Messages
			if u.Mailbox.UidNext > c.selected.UIDNext {
				c.selected.UIDNext = u.Mailbox.UidNext
			}
		}
		c.mu.Unlock()
		if u.Mailbox.Messages > prev {
			c.emit(ListenEvent{Kind: ListenNewMail, Messages: u.Mailbox.Messages})
		}
	case *client.ExpungeUpdate:
		c.mu.Lock()
		var count uint32
		if c.selected != nil && c.selected.Messages > 0 {
			c.selected.Messages--
			count = c.selected.Messages
		}
		c.mu.Unlock()
		c.emit(ListenEvent{Kind: ListenExpunge, Messages: count})
	}
}

// parseBody fills Text and HTML from the raw message with enmime, keeping
// the raw text when the MIME structure cannot be parsed.
func (c *IMAPClient) parseBody(body *Body) {
	env, err := enmime.ReadEnvelope(bytes.NewReader(body.Raw))
	if err != nil {
		c.logger.WithError(err).WithField("uid", body.UID).Debug("Failed to parse with enmime, using raw body")
		body.Text = string(body.Raw)
		return
	}
	body.Text = env.Text
	body.HTML = env.HTML
}

func parseHeader(msg *imap.Message) (*Header, error) {
	h := &Header{
		UID:          msg.Uid,
		InternalDate: msg.InternalDate,
		Size:         msg.Size,
		Flags:        append([]string(nil), msg.Flags...),
	}

	if env := msg.Envelope; env != nil {
		h.MessageID = NormalizeMessageID(env.MessageId)
		h.InReplyTo = NormalizeMessageID(env.InReplyTo)
		h.Subject = env.Subject
		h.Date = env.Date
		if len(env.From) > 0 {
			h.SenderName = env.From[0].PersonalName
			h.SenderEmail = env.From[0].Address()
		}
		for _, list := range [][]*imap.Address{env.To, env.Cc} {
			for _, addr := range list {
				h.Recipients = append(h.Recipients, addr.Address())
			}
		}
	}
	if h.Date.IsZero() {
		h.Date = msg.InternalDate
	}

	lit := findSection(msg, func(s *imap.BodySectionName) bool {
		return s.Specifier == imap.HeaderSpecifier && len(s.Fields) > 0
	})
	if lit != nil {
		raw, err := readLiteral(lit)
		if err != nil {
			return nil, fmt.Errorf("uid %d: %w", msg.Uid, err)
		}
		refs, err := parseReferences(raw)
		if err != nil {
			return nil, fmt.Errorf("uid %d: %w: %v", msg.Uid, ErrProtocolParse, err)
		}
		h.References = refs
	}

	return h, nil
}

// parseReferences reads the References field from a header block.
func parseReferences(raw []byte) ([]string, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, nil
	}
	th, err := textproto.ReadHeader(bufio.NewReader(bytes.NewReader(raw)))
	if err != nil {
		return nil, err
	}
	mh := mail.Header{Header: message.Header{Header: th}}
	ids, err := mh.MsgIDList("References")
	if err != nil {
		// Some senders emit unbracketed ids; fall back to splitting.
		var out []string
		for _, f := range strings.Fields(mh.Get("References")) {
			if id := NormalizeMessageID(f); id != "" {
				out = append(out, id)
			}
		}
		return out, nil
	}
	return ids, nil
}

// NormalizeMessageID strips angle brackets and surrounding space.
func NormalizeMessageID(id string) string {
	id = strings.TrimSpace(id)
	id = strings.TrimPrefix(id, "<")
	id = strings.TrimSuffix(id, ">")
	return strings.TrimSpace(id)
}

func findSection(msg *imap.Message, match func(*imap.BodySectionName) bool) imap.Literal {
	for section, lit := range msg.Body {
		if section != nil && match(section) {
			return lit
		}
	}
	return nil
}

func equalPath(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
