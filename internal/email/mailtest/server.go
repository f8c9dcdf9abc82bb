// Package mailtest provides an in-memory mailbox server whose sessions
// implement email.Session, for tests of the pool, push and sync layers.
package mailtest

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/brandon/mailsync/internal/email"
)

// Message is a message stored on the fake server.
type Message struct {
	UID        uint32
	MessageID  string
	InReplyTo  string
	References []string
	Subject    string
	From       string
	Date       time.Time
	Flags      []string
	Body       string
	Raw        []byte
}

// RawBytes renders the message as RFC 5322 text.
func (m *Message) RawBytes() []byte {
	if m.Raw != nil {
		return m.Raw
	}
	var b strings.Builder
	if m.MessageID != "" {
		fmt.Fprintf(&b, "Message-ID: <%s>\r\n", m.MessageID)
	}
	if m.InReplyTo != "" {
		fmt.Fprintf(&b, "In-Reply-To: <%s>\r\n", m.InReplyTo)
	}
	if len(m.References) > 0 {
		refs := make([]string, len(m.References))
		for i, r := range m.References {
			refs[i] = "<" + r + ">"
		}
		fmt.Fprintf(&b, "References: %s\r\n", strings.Join(refs, " "))
	}
	fmt.Fprintf(&b, "From: %s\r\n", m.From)
	fmt.Fprintf(&b, "Subject: %s\r\n", m.Subject)
	fmt.Fprintf(&b, "Date: %s\r\n", m.Date.Format(time.RFC1123Z))
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n\r\n")
	b.WriteString(m.Body)
	return []byte(b.String())
}

type mailbox struct {
	path        string
	attrs       []string
	uidValidity uint32
	nextUID     uint32
	messages    []*Message
}

// FetchHook runs before a body fetch. Returning an error fails the fetch.
type FetchHook func(path string, uids []uint32) error

// Server is an in-memory multi-folder mailbox.
type Server struct {
	mu        sync.Mutex
	mailboxes map[string]*mailbox
	order     []string
	sessions  []*Session
	fetchLog  map[string][]uint32
	dials     int
	dialErr   error
	fetchHook FetchHook
	withheld  map[string]map[uint32]bool
}

// NewServer returns a server with an empty INBOX.
func NewServer() *Server {
	s := &Server{
		mailboxes: make(map[string]*mailbox),
		fetchLog:  make(map[string][]uint32),
	}
	s.AddMailbox("INBOX")
	return s
}

// AddMailbox creates a mailbox with the given LIST attributes.
func (s *Server) AddMailbox(path string, attrs ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.mailboxes[path]; ok {
		return
	}
	s.mailboxes[path] = &mailbox{path: path, attrs: attrs, uidValidity: 1, nextUID: 1}
	s.order = append(s.order, path)
}

// AddMessages appends messages, assigning UIDs, and notifies listeners.
func (s *Server) AddMessages(path string, msgs ...Message) []uint32 {
	s.mu.Lock()
	mb := s.mailboxes[path]
	var uids []uint32
	for i := range msgs {
		m := msgs[i]
		m.UID = mb.nextUID
		mb.nextUID++
		if m.Date.IsZero() {
			m.Date = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).Add(time.Duration(m.UID) * time.Minute)
		}
		mb.messages = append(mb.messages, &m)
		uids = append(uids, m.UID)
	}
	count := uint32(len(mb.messages))
	listeners := s.listenersFor(path)
	s.mu.Unlock()

	for _, l := range listeners {
		l.notify(email.ListenEvent{Kind: email.ListenNewMail, Messages: count})
	}
	return uids
}

// Populate appends n distinct messages and returns their UIDs.
func (s *Server) Populate(path string, n int) []uint32 {
	s.mu.Lock()
	start := s.mailboxes[path].nextUID
	s.mu.Unlock()

	msgs := make([]Message, n)
	for i := range msgs {
		seq := int(start) + i
		msgs[i] = Message{
			MessageID: fmt.Sprintf("%s-%d@example.com", strings.ToLower(strings.ReplaceAll(path, "/", "-")), seq),
			Subject:   fmt.Sprintf("message %d", seq),
			From:      "sender@example.com",
			Body:      fmt.Sprintf("body of message %d", seq),
		}
	}
	return s.AddMessages(path, msgs...)
}

// Expunge removes messages by UID.
func (s *Server) Expunge(path string, uids ...uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	drop := make(map[uint32]bool, len(uids))
	for _, u := range uids {
		drop[u] = true
	}
	mb := s.mailboxes[path]
	kept := mb.messages[:0]
	for _, m := range mb.messages {
		if !drop[m.UID] {
			kept = append(kept, m)
		}
	}
	mb.messages = kept
}

// Renumber changes UIDVALIDITY and reassigns UIDs from 1.
func (s *Server) Renumber(path string, uidValidity uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	mb := s.mailboxes[path]
	mb.uidValidity = uidValidity
	mb.nextUID = 1
	for _, m := range mb.messages {
		m.UID = mb.nextUID
		mb.nextUID++
	}
}

// SetFetchHook installs a hook run before every body fetch.
func (s *Server) SetFetchHook(h FetchHook) {
	s.mu.Lock()
	s.fetchHook = h
	s.mu.Unlock()
}

// WithholdBodies makes body fetches in path silently omit uids. Calling it
// with no uids restores the folder.
func (s *Server) WithholdBodies(path string, uids ...uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.withheld == nil {
		s.withheld = make(map[string]map[uint32]bool)
	}
	set := make(map[uint32]bool, len(uids))
	for _, uid := range uids {
		set[uid] = true
	}
	s.withheld[path] = set
}

// SetDialError makes subsequent dials fail with err.
func (s *Server) SetDialError(err error) {
	s.mu.Lock()
	s.dialErr = err
	s.mu.Unlock()
}

// FetchLog returns every UID whose body was fetched from path, in order.
func (s *Server) FetchLog(path string) []uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]uint32(nil), s.fetchLog[path]...)
}

// Dials returns how many sessions were opened.
func (s *Server) Dials() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dials
}

// Messages returns a copy of a mailbox's messages.
func (s *Server) Messages(path string) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Message
	for _, m := range s.mailboxes[path].messages {
		out = append(out, *m)
	}
	return out
}

// DropListeners ends every active listen with err, as a server restart or
// a provider listen limit would.
func (s *Server) DropListeners(err error) {
	s.mu.Lock()
	var active []*Session
	for _, sess := range s.sessions {
		if sess.listening() {
			active = append(active, sess)
		}
	}
	s.mu.Unlock()
	for _, sess := range active {
		sess.endListen(err)
	}
}

// Dial opens a session. It matches connpool.DialFunc.
func (s *Server) Dial(ctx context.Context, account string) (email.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dialErr != nil {
		return nil, s.dialErr
	}
	s.dials++
	sess := &Session{server: s, account: account, alive: true}
	s.sessions = append(s.sessions, sess)
	return sess, nil
}

func (s *Server) listenersFor(path string) []*Session {
	var out []*Session
	for _, sess := range s.sessions {
		if sess.listeningOn(path) {
			out = append(out, sess)
		}
	}
	return out
}

func sortUIDs(uids []uint32) {
	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })
}
