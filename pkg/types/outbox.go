package types

import "time"

// OutboxState tracks an outgoing message through the send path.
type OutboxState string

const (
	OutboxQueued  OutboxState = "queued"
	OutboxSending OutboxState = "sending"
	OutboxSent    OutboxState = "sent"
	OutboxFailed  OutboxState = "failed"
)

// OutboxEntry is a composed message waiting for, or done with, SMTP delivery.
type OutboxEntry struct {
	ID         string      `json:"id"`
	AccountID  int         `json:"account_id"`
	Account    string      `json:"account"`
	MessageID  string      `json:"message_id"`
	From       string      `json:"from"`
	Recipients []string    `json:"recipients"`
	Raw        []byte      `json:"-"`
	State      OutboxState `json:"state"`
	Attempts   int         `json:"attempts"`
	LastError  string      `json:"last_error,omitempty"`
	CreatedAt  time.Time   `json:"created_at"`
	UpdatedAt  time.Time   `json:"updated_at"`
}
