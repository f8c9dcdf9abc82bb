package types

import "time"

// Email represents a logical email message. The same Email may be visible
// through several folders; each location is an EmailFolder.
type Email struct {
	ID          int64     `json:"id"`
	AccountID   int       `json:"account_id"`
	AccountName string    `json:"account_name"`
	StableID    string    `json:"stable_id"`
	MessageID   string    `json:"message_id"`
	InReplyTo   string    `json:"in_reply_to,omitempty"`
	References  []string  `json:"references,omitempty"`
	ThreadID    int64     `json:"thread_id,omitempty"`
	Subject     string    `json:"subject"`
	SenderName  string    `json:"sender_name"`
	SenderEmail string    `json:"sender_email"`
	Recipients  []string  `json:"recipients"`
	Date        time.Time `json:"date"`
	Size        uint32    `json:"size"`
	BodyText    string    `json:"body_text,omitempty"`
	BodyHTML    string    `json:"body_html,omitempty"`
	Flags       []string  `json:"flags,omitempty"`
	Fingerprint string    `json:"fingerprint"`
	CachedAt    time.Time `json:"cached_at"`

	// Location the message was fetched from. Only set on emails produced by
	// a sync batch or loaded through a folder.
	FolderID   int    `json:"folder_id,omitempty"`
	FolderPath string `json:"folder_path,omitempty"`
	UID        uint32 `json:"uid,omitempty"`
}

// IsSeen reports whether the \Seen flag is set.
func (e *Email) IsSeen() bool {
	for _, f := range e.Flags {
		if f == `\Seen` {
			return true
		}
	}
	return false
}

// EmailFolder places an Email inside a folder under a folder-scoped UID.
type EmailFolder struct {
	EmailID  int64    `json:"email_id"`
	FolderID int      `json:"folder_id"`
	UID      uint32   `json:"uid"`
	Flags    []string `json:"flags,omitempty"`
}

// EmailSummary represents a summary of an email (for search results)
type EmailSummary struct {
	ID          int64     `json:"id"`
	AccountName string    `json:"account_name"`
	FolderPath  string    `json:"folder_path"`
	Subject     string    `json:"subject"`
	SenderName  string    `json:"sender_name"`
	SenderEmail string    `json:"sender_email"`
	Date        time.Time `json:"date"`
	Snippet     string    `json:"snippet"`
}

// Thread groups emails linked through References / In-Reply-To. Counts and
// dates are derived on every commit that touches the thread.
type Thread struct {
	ID           int64     `json:"id"`
	AccountID    int       `json:"account_id"`
	Subject      string    `json:"subject"`
	MessageCount int       `json:"message_count"`
	UnreadCount  int       `json:"unread_count"`
	LatestDate   time.Time `json:"latest_date"`
}

// Identity is what the store knows about a stable id: the content
// fingerprint it was created with and every folder location it occupies.
type Identity struct {
	EmailID     int64         `json:"email_id"`
	StableID    string        `json:"stable_id"`
	Fingerprint string        `json:"fingerprint"`
	Locations   []EmailFolder `json:"locations"`
}
