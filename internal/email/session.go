package email

import (
	"time"
)

// Session is an authenticated mailbox protocol session. A session is used by
// one caller at a time; the connection pool enforces that.
type Session interface {
	// ListFolders lists all mailboxes with their detected roles.
	ListFolders() ([]FolderInfo, error)
	// SelectFolder opens a mailbox and reports its UID epoch and next UID.
	SelectFolder(path string) (*SelectResult, error)
	// SearchUIDs returns the UIDs present in r, ascending. An open range is
	// clamped to the last selected UIDNEXT.
	SearchUIDs(r UIDRange) ([]uint32, error)
	// NewestUIDs returns the UIDs of the newest n messages, ascending.
	NewestUIDs(n int) ([]uint32, error)
	FetchHeaders(uids []uint32) ([]*Header, error)
	FetchBodies(uids []uint32) ([]*Body, error)
	FetchBodyPart(uid uint32, part []int) ([]byte, error)
	StoreFlags(uids []uint32, flags []string, add bool) error
	Append(folder string, flags []string, date time.Time, raw []byte) error
	// StartListen enters push mode on the selected folder. onEvent is called
	// from a background goroutine and must not block.
	StartListen(onEvent func(ListenEvent)) error
	StopListen() error
	IsAlive() bool
	Close() error
}

// SelectResult is the state of a freshly selected mailbox.
type SelectResult struct {
	Path        string
	UIDValidity uint32
	UIDNext     uint32
	Messages    uint32
}

// UIDRange is an inclusive UID range. To == 0 means open ended ("N:*").
type UIDRange struct {
	From uint32
	To   uint32
}

// Header is the envelope-level view of a message.
type Header struct {
	UID          uint32
	MessageID    string
	InReplyTo    string
	References   []string
	Subject      string
	SenderName   string
	SenderEmail  string
	Recipients   []string
	Date         time.Time
	InternalDate time.Time
	Flags        []string
	Size         uint32
}

// Body is a full message as transferred by the server.
type Body struct {
	UID  uint32
	Raw  []byte
	Text string
	HTML string
}

// ListenKind distinguishes push events.
type ListenKind int

const (
	// ListenNewMail means the mailbox message count grew.
	ListenNewMail ListenKind = iota
	// ListenExpunge means a message was removed.
	ListenExpunge
	// ListenClosed means the listen ended. Err is nil when StopListen was
	// called.
	ListenClosed
)

// ListenEvent is delivered to the StartListen callback.
type ListenEvent struct {
	Kind     ListenKind
	Messages uint32
	Err      error
}
