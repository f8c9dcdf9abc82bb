package types

import "time"

// SyncResult is returned by every sync operation. NewMessages holds the
// emails first persisted by the run so callers can refresh without
// re-querying the store.
type SyncResult struct {
	Account     string         `json:"account"`
	NewMessages []*Email       `json:"new_messages"`
	Folders     []FolderResult `json:"folders"`
	Paused      bool           `json:"paused,omitempty"`
	StartedAt   time.Time      `json:"started_at"`
	FinishedAt  time.Time      `json:"finished_at"`
}

// FolderResult summarises one folder's share of a SyncResult.
type FolderResult struct {
	FolderID int       `json:"folder_id"`
	Path     string    `json:"path"`
	State    SyncState `json:"state"`
	Fetched  int       `json:"fetched"`
	New      int       `json:"new"`
	Batches  int       `json:"batches"`
	Reset    bool      `json:"reset,omitempty"`
	Error    string    `json:"error,omitempty"`
}

// Merge appends another result's folders and new messages.
func (r *SyncResult) Merge(other *SyncResult) {
	if other == nil {
		return
	}
	r.NewMessages = append(r.NewMessages, other.NewMessages...)
	r.Folders = append(r.Folders, other.Folders...)
	r.Paused = r.Paused || other.Paused
}
