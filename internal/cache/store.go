package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"

	"github.com/brandon/mailsync/internal/config"
	"github.com/brandon/mailsync/pkg/types"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrCheckpointConflict is returned when a batch was fetched under a
	// UIDVALIDITY that no longer matches the stored one.
	ErrCheckpointConflict = errors.New("checkpoint conflict")
)

// DefaultThreadCacheSize bounds the message-id to thread index.
const DefaultThreadCacheSize = 4096

var timeNow = time.Now

// Store provides methods for storing and retrieving data from the cache
type Store struct {
	cache   *Cache
	logger  *logrus.Logger
	threads *lru.Cache[string, int64]
}

// NewStore creates a new store instance
func NewStore(cache *Cache, threadCacheSize int, logger *logrus.Logger) (*Store, error) {
	if logger == nil {
		logger = logrus.New()
	}
	if threadCacheSize <= 0 {
		threadCacheSize = DefaultThreadCacheSize
	}
	threads, err := lru.New[string, int64](threadCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create thread cache: %w", err)
	}
	return &Store{
		cache:   cache,
		logger:  logger,
		threads: threads,
	}, nil
}

func (s *Store) db() *sqlx.DB {
	return s.cache.db
}

// UpsertAccount upserts an account in the cache
func (s *Store) UpsertAccount(ctx context.Context, acc *config.AccountConfig) (int, error) {
	query := s.db().Rebind(`
		INSERT INTO accounts (name, imap_host, imap_port, imap_username, smtp_host, smtp_port, smtp_username, is_active, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(name) DO UPDATE SET
			imap_host = excluded.imap_host,
			imap_port = excluded.imap_port,
			imap_username = excluded.imap_username,
			smtp_host = excluded.smtp_host,
			smtp_port = excluded.smtp_port,
			smtp_username = excluded.smtp_username,
			is_active = excluded.is_active,
			updated_at = CURRENT_TIMESTAMP
		RETURNING id
	`)
	var id int
	err := s.db().GetContext(ctx, &id, query,
		acc.Name, acc.IMAPHost, acc.IMAPPort, acc.IMAPUsername,
		acc.SMTPHost, acc.SMTPPort, acc.SMTPUsername, boolInt(acc.Active))
	if err != nil {
		return 0, fmt.Errorf("failed to upsert account: %w", err)
	}
	return id, nil
}

// GetAccountID returns the account ID by name
func (s *Store) GetAccountID(ctx context.Context, name string) (int, error) {
	var id int
	err := s.db().GetContext(ctx, &id, s.db().Rebind("SELECT id FROM accounts WHERE name = ?"), name)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("account %s: %w", name, ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get account ID: %w", err)
	}
	return id, nil
}

// GetAccountName returns the account name by ID
func (s *Store) GetAccountName(ctx context.Context, accountID int) (string, error) {
	var name string
	err := s.db().GetContext(ctx, &name, s.db().Rebind("SELECT name FROM accounts WHERE id = ?"), accountID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("account %d: %w", accountID, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("failed to get account name: %w", err)
	}
	return name, nil
}

// UpsertFolder records a folder seen in a LIST response. Sync cursors and
// state are left untouched for existing folders.
func (s *Store) UpsertFolder(ctx context.Context, accountID int, name, path string, folderType types.FolderType, messageCount int) (int, error) {
	query := s.db().Rebind(`
		INSERT INTO folders (account_id, name, path, folder_type, message_count)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(account_id, path) DO UPDATE SET
			name = excluded.name,
			folder_type = excluded.folder_type,
			message_count = CASE WHEN excluded.message_count > 0 THEN excluded.message_count ELSE folders.message_count END
		RETURNING id
	`)
	var id int
	if err := s.db().GetContext(ctx, &id, query, accountID, name, path, string(folderType), messageCount); err != nil {
		return 0, fmt.Errorf("failed to upsert folder: %w", err)
	}
	return id, nil
}

type folderRow struct {
	ID           int          `db:"id"`
	AccountID    int          `db:"account_id"`
	AccountName  string       `db:"account_name"`
	Name         string       `db:"name"`
	Path         string       `db:"path"`
	FolderType   string       `db:"folder_type"`
	MessageCount int          `db:"message_count"`
	UIDValidity  int64        `db:"uid_validity"`
	Forward      int64        `db:"forward_cursor_uid"`
	Backfill     int64        `db:"backfill_cursor_uid"`
	SyncState    string       `db:"sync_state"`
	LastError    string       `db:"last_error"`
	LastSynced   sql.NullTime `db:"last_synced"`
}

func (r *folderRow) toFolder() *types.Folder {
	f := &types.Folder{
		ID:                r.ID,
		AccountID:         r.AccountID,
		AccountName:       r.AccountName,
		Name:              r.Name,
		Path:              r.Path,
		Type:              types.FolderType(r.FolderType),
		MessageCount:      r.MessageCount,
		UIDValidity:       uint32(r.UIDValidity),
		ForwardCursorUID:  uint32(r.Forward),
		BackfillCursorUID: uint32(r.Backfill),
		SyncState:         types.SyncState(r.SyncState),
		LastError:         r.LastError,
	}
	if r.LastSynced.Valid {
		t := r.LastSynced.Time
		f.LastSynced = &t
	}
	return f
}

const folderSelect = `
	SELECT f.id, f.account_id, a.name AS account_name, f.name, f.path, f.folder_type,
		f.message_count, f.uid_validity, f.forward_cursor_uid, f.backfill_cursor_uid,
		f.sync_state, f.last_error, f.last_synced
	FROM folders f
	JOIN accounts a ON f.account_id = a.id
`

func (s *Store) getFolder(ctx context.Context, where string, args ...interface{}) (*types.Folder, error) {
	var row folderRow
	err := s.db().GetContext(ctx, &row, s.db().Rebind(folderSelect+where), args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("folder: %w", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get folder: %w", err)
	}
	return row.toFolder(), nil
}

// GetFolder returns a folder with its checkpoint
func (s *Store) GetFolder(ctx context.Context, folderID int) (*types.Folder, error) {
	return s.getFolder(ctx, "WHERE f.id = ?", folderID)
}

// GetFolderByPath returns an account's folder by mailbox path
func (s *Store) GetFolderByPath(ctx context.Context, accountID int, path string) (*types.Folder, error) {
	return s.getFolder(ctx, "WHERE f.account_id = ? AND f.path = ?", accountID, path)
}

// GetFolderByType returns the first folder of an account with the given role
func (s *Store) GetFolderByType(ctx context.Context, accountID int, folderType types.FolderType) (*types.Folder, error) {
	return s.getFolder(ctx, "WHERE f.account_id = ? AND f.folder_type = ? ORDER BY f.id LIMIT 1", accountID, string(folderType))
}

// ListFolders lists folders for an account, or for all accounts when
// accountID is nil
func (s *Store) ListFolders(ctx context.Context, accountID *int) ([]types.Folder, error) {
	query := folderSelect + " ORDER BY a.name, f.path"
	var args []interface{}
	if accountID != nil {
		query = folderSelect + " WHERE f.account_id = ? ORDER BY f.path"
		args = append(args, *accountID)
	}

	var rows []folderRow
	if err := s.db().SelectContext(ctx, &rows, s.db().Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to query folders: %w", err)
	}

	folders := make([]types.Folder, 0, len(rows))
	for i := range rows {
		folders = append(folders, *rows[i].toFolder())
	}
	return folders, nil
}

// SetFolderState records a folder's sync state and last error
func (s *Store) SetFolderState(ctx context.Context, folderID int, state types.SyncState, lastErr string) error {
	_, err := s.db().ExecContext(ctx,
		s.db().Rebind("UPDATE folders SET sync_state = ?, last_error = ? WHERE id = ?"),
		string(state), lastErr, folderID)
	if err != nil {
		return fmt.Errorf("failed to set folder state: %w", err)
	}
	return nil
}

// ResetFolder forgets a folder's UID epoch: cursors, stored UIDVALIDITY and
// every folder-scoped UID row are cleared together. Emails themselves stay.
func (s *Store) ResetFolder(ctx context.Context, folderID int) error {
	tx, err := s.db().BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, tx.Rebind("DELETE FROM email_folders WHERE folder_id = ?"), folderID); err != nil {
		return fmt.Errorf("failed to clear folder locations: %w", err)
	}
	res, err := tx.ExecContext(ctx, tx.Rebind(`
		UPDATE folders SET
			uid_validity = 0,
			forward_cursor_uid = 0,
			backfill_cursor_uid = 0,
			sync_state = ?,
			last_error = ''
		WHERE id = ?
	`), string(types.StateBootstrapping), folderID)
	if err != nil {
		return fmt.Errorf("failed to reset folder: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("folder %d: %w", folderID, ErrNotFound)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit folder reset: %w", err)
	}
	return nil
}

// HasEmails checks if an account has any cached emails
func (s *Store) HasEmails(ctx context.Context, accountID int) (bool, error) {
	var count int
	err := s.db().GetContext(ctx, &count, s.db().Rebind("SELECT COUNT(*) FROM emails WHERE account_id = ?"), accountID)
	if err != nil {
		return false, fmt.Errorf("failed to check emails count: %w", err)
	}
	return count > 0, nil
}

// CountLocations returns how many folder locations a folder holds.
func (s *Store) CountLocations(ctx context.Context, folderID int) (int, error) {
	var count int
	err := s.db().GetContext(ctx, &count, s.db().Rebind("SELECT COUNT(*) FROM email_folders WHERE folder_id = ?"), folderID)
	if err != nil {
		return 0, fmt.Errorf("failed to count folder locations: %w", err)
	}
	return count, nil
}

// FolderUIDs returns the UIDs stored for a folder, ascending.
func (s *Store) FolderUIDs(ctx context.Context, folderID int) ([]uint32, error) {
	var uids []int64
	err := s.db().SelectContext(ctx, &uids, s.db().Rebind("SELECT uid FROM email_folders WHERE folder_id = ? ORDER BY uid"), folderID)
	if err != nil {
		return nil, fmt.Errorf("failed to list folder uids: %w", err)
	}
	out := make([]uint32, len(uids))
	for i, u := range uids {
		out[i] = uint32(u)
	}
	return out, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func marshalList(v []string) (string, error) {
	if v == nil {
		v = []string{}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func unmarshalList(s string) ([]string, error) {
	if s == "" {
		return nil, nil
	}
	var out []string
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil, err
	}
	return out, nil
}

// storedTime normalizes timestamps so they compare correctly as text in
// SQLite.
func storedTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Second)
}
