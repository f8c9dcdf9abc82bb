package types

import "time"

// FolderType is the role of a mailbox, derived from SPECIAL-USE attributes
// or well-known names.
type FolderType string

const (
	FolderInbox   FolderType = "inbox"
	FolderSent    FolderType = "sent"
	FolderDrafts  FolderType = "drafts"
	FolderTrash   FolderType = "trash"
	FolderSpam    FolderType = "spam"
	FolderArchive FolderType = "archive"
	FolderCustom  FolderType = "custom"
)

// SyncState is the persisted state of a folder's sync state machine.
type SyncState string

const (
	StateBootstrapping SyncState = "bootstrapping"
	StateIncremental   SyncState = "incremental"
	StateCatchingUp    SyncState = "catching_up"
	StatePaused        SyncState = "paused"
	StateError         SyncState = "error"
)

// Folder represents an email folder/mailbox together with its sync checkpoint.
//
// UIDs start at 1, so a zero cursor means unset. BackfillCursorUID == 1 means
// catch-up reached the bottom of the folder.
type Folder struct {
	ID                int        `json:"id"`
	AccountID         int        `json:"account_id"`
	AccountName       string     `json:"account_name"`
	Name              string     `json:"name"`
	Path              string     `json:"path"`
	Type              FolderType `json:"type"`
	MessageCount      int        `json:"message_count"`
	UIDValidity       uint32     `json:"uid_validity"`
	ForwardCursorUID  uint32     `json:"forward_cursor_uid"`
	BackfillCursorUID uint32     `json:"backfill_cursor_uid"`
	SyncState         SyncState  `json:"sync_state"`
	LastError         string     `json:"last_error,omitempty"`
	LastSynced        *time.Time `json:"last_synced,omitempty"`
}

// NeedsBootstrap reports whether no bootstrap batch has been committed since
// the folder was created or last reset.
func (f *Folder) NeedsBootstrap() bool {
	return f.UIDValidity == 0
}

// CatchUpComplete reports whether backward catch-up reached UID 1.
func (f *Folder) CatchUpComplete() bool {
	return f.BackfillCursorUID != 0 && f.BackfillCursorUID <= 1
}
