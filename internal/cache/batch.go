package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"

	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"

	"github.com/brandon/mailsync/pkg/types"
)

// BatchMessage is one fetched message and the folder location it came from.
// Email.StableID and Email.Fingerprint must already be resolved.
type BatchMessage struct {
	Email *types.Email
	UID   uint32
}

// Checkpoint is the folder cursor state a batch advances to. Zero cursors
// leave the stored value unchanged; stored cursors only ever move forward
// (up) and backfill (down).
type Checkpoint struct {
	UIDValidity  uint32
	Forward      uint32
	Backfill     uint32
	State        types.SyncState
	MessageCount int
}

// Batch is the unit of persistence for one sync step of one folder.
type Batch struct {
	AccountID  int
	FolderID   int
	Messages   []BatchMessage
	Checkpoint Checkpoint
}

// CommitResult reports what a batch changed.
type CommitResult struct {
	// New holds emails created by this batch, with IDs and thread IDs set.
	New []*types.Email
	// Updated counts already known emails that gained a location or flags.
	Updated  int
	Forward  uint32
	Backfill uint32
}

// CommitBatch persists messages, their folder locations and threads, then
// advances the folder checkpoint, all in one transaction. The batch is
// rejected with ErrCheckpointConflict when the folder's stored UIDVALIDITY
// differs from the one the batch was fetched under.
func (s *Store) CommitBatch(ctx context.Context, b *Batch) (*CommitResult, error) {
	tx, err := s.db().BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var validity int64
	err = tx.GetContext(ctx, &validity, tx.Rebind("SELECT uid_validity FROM folders WHERE id = ? AND account_id = ?"), b.FolderID, b.AccountID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("folder %d: %w", b.FolderID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint: %w", err)
	}
	if validity != 0 && uint32(validity) != b.Checkpoint.UIDValidity {
		return nil, fmt.Errorf("%w: folder %d has uidvalidity %d, batch has %d",
			ErrCheckpointConflict, b.FolderID, validity, b.Checkpoint.UIDValidity)
	}

	res := &CommitResult{}
	touched := make(map[int64]bool)
	links := make(map[string]int64)

	for _, m := range b.Messages {
		e := m.Email
		flags, err := marshalList(e.Flags)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal flags: %w", err)
		}

		var existing struct {
			ID       int64         `db:"id"`
			ThreadID sql.NullInt64 `db:"thread_id"`
		}
		err = tx.GetContext(ctx, &existing,
			tx.Rebind("SELECT id, thread_id FROM emails WHERE account_id = ? AND stable_id = ?"),
			b.AccountID, e.StableID)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			if err := s.insertEmail(ctx, tx, b.AccountID, e, flags, links); err != nil {
				return nil, err
			}
			touched[e.ThreadID] = true
			res.New = append(res.New, e)
		case err != nil:
			return nil, fmt.Errorf("failed to look up email: %w", err)
		default:
			_, err := tx.ExecContext(ctx,
				tx.Rebind("UPDATE emails SET flags = ?, seen = ? WHERE id = ?"),
				flags, boolInt(e.IsSeen()), existing.ID)
			if err != nil {
				return nil, fmt.Errorf("failed to update email flags: %w", err)
			}
			e.ID = existing.ID
			if existing.ThreadID.Valid {
				e.ThreadID = existing.ThreadID.Int64
				touched[e.ThreadID] = true
			}
			res.Updated++
		}

		_, err = tx.ExecContext(ctx, tx.Rebind(`
			INSERT INTO email_folders (email_id, folder_id, uid, flags)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(folder_id, uid) DO UPDATE SET
				email_id = excluded.email_id,
				flags = excluded.flags
		`), e.ID, b.FolderID, m.UID, flags)
		if err != nil {
			return nil, fmt.Errorf("failed to upsert folder location: %w", err)
		}
		e.AccountID = b.AccountID
		e.FolderID = b.FolderID
		e.UID = m.UID
	}

	for threadID := range touched {
		if err := refreshThread(ctx, tx, threadID); err != nil {
			return nil, err
		}
	}

	cp := b.Checkpoint
	result, err := tx.ExecContext(ctx, tx.Rebind(`
		UPDATE folders SET
			uid_validity = ?,
			forward_cursor_uid = CASE WHEN forward_cursor_uid < ? THEN ? ELSE forward_cursor_uid END,
			backfill_cursor_uid = CASE WHEN ? > 0 AND (backfill_cursor_uid = 0 OR backfill_cursor_uid > ?) THEN ? ELSE backfill_cursor_uid END,
			sync_state = ?,
			last_error = '',
			message_count = ?,
			last_synced = ?
		WHERE id = ? AND (uid_validity = 0 OR uid_validity = ?)
	`),
		cp.UIDValidity,
		cp.Forward, cp.Forward,
		cp.Backfill, cp.Backfill, cp.Backfill,
		string(cp.State),
		cp.MessageCount,
		storedTime(timeNow()),
		b.FolderID, cp.UIDValidity,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to advance checkpoint: %w", err)
	}
	if n, _ := result.RowsAffected(); n != 1 {
		return nil, fmt.Errorf("%w: folder %d changed during commit", ErrCheckpointConflict, b.FolderID)
	}

	var cursors struct {
		Forward  int64 `db:"forward_cursor_uid"`
		Backfill int64 `db:"backfill_cursor_uid"`
	}
	err = tx.GetContext(ctx, &cursors, tx.Rebind("SELECT forward_cursor_uid, backfill_cursor_uid FROM folders WHERE id = ?"), b.FolderID)
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint: %w", err)
	}
	res.Forward = uint32(cursors.Forward)
	res.Backfill = uint32(cursors.Backfill)

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit batch: %w", err)
	}

	// Only committed threads are visible to later lookups.
	for key, threadID := range links {
		s.threads.Add(key, threadID)
	}

	s.logger.WithFields(logrus.Fields{
		"account_id": b.AccountID,
		"folder_id":  b.FolderID,
		"messages":   len(b.Messages),
		"new":        len(res.New),
		"forward":    res.Forward,
		"backfill":   res.Backfill,
	}).Debug("Batch committed")
	return res, nil
}

func (s *Store) insertEmail(ctx context.Context, tx *sqlx.Tx, accountID int, e *types.Email, flags string, links map[string]int64) error {
	recipients, err := marshalList(e.Recipients)
	if err != nil {
		return fmt.Errorf("failed to marshal recipients: %w", err)
	}
	refs, err := marshalList(e.References)
	if err != nil {
		return fmt.Errorf("failed to marshal references: %w", err)
	}

	threadID, err := s.threadFor(ctx, tx, accountID, e, links)
	if err != nil {
		return err
	}

	var id int64
	err = tx.GetContext(ctx, &id, tx.Rebind(`
		INSERT INTO emails (account_id, stable_id, message_id, in_reply_to, refs, thread_id, subject,
			sender_name, sender_email, recipients, date, size, body_text, body_html, flags, seen, fingerprint)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id
	`),
		accountID, e.StableID, e.MessageID, e.InReplyTo, refs, threadID, e.Subject,
		e.SenderName, e.SenderEmail, recipients, storedTime(e.Date), e.Size,
		e.BodyText, e.BodyHTML, flags, boolInt(e.IsSeen()), e.Fingerprint,
	)
	if err != nil {
		return fmt.Errorf("failed to insert email: %w", err)
	}

	e.ID = id
	e.ThreadID = threadID
	if e.MessageID != "" {
		links[threadKey(accountID, e.MessageID)] = threadID
	}
	return nil
}

// threadFor finds the thread an email joins: the thread of any message it
// references, else the thread of a stored reply to it, else a new thread.
func (s *Store) threadFor(ctx context.Context, tx *sqlx.Tx, accountID int, e *types.Email, pending map[string]int64) (int64, error) {
	var parents []string
	if e.InReplyTo != "" {
		parents = append(parents, e.InReplyTo)
	}
	parents = append(parents, e.References...)
	if e.MessageID != "" {
		parents = append(parents, e.MessageID)
	}

	for _, id := range parents {
		key := threadKey(accountID, id)
		if threadID, ok := pending[key]; ok {
			return threadID, nil
		}
		if threadID, ok := s.threads.Get(key); ok {
			return threadID, nil
		}
	}

	if len(parents) > 0 {
		query := "SELECT thread_id FROM emails WHERE account_id = ? AND thread_id IS NOT NULL AND message_id IN (?)"
		args := []interface{}{accountID, parents}
		if e.MessageID != "" {
			query = "SELECT thread_id FROM emails WHERE account_id = ? AND thread_id IS NOT NULL AND (message_id IN (?) OR in_reply_to = ?)"
			args = append(args, e.MessageID)
		}
		query, expanded, err := sqlx.In(query+" ORDER BY id LIMIT 1", args...)
		if err != nil {
			return 0, fmt.Errorf("failed to build thread lookup: %w", err)
		}
		var threadID int64
		err = tx.GetContext(ctx, &threadID, tx.Rebind(query), expanded...)
		if err == nil {
			return threadID, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return 0, fmt.Errorf("failed to look up thread: %w", err)
		}
	}

	var threadID int64
	err := tx.GetContext(ctx, &threadID,
		tx.Rebind("INSERT INTO threads (account_id, subject) VALUES (?, ?) RETURNING id"),
		accountID, e.Subject)
	if err != nil {
		return 0, fmt.Errorf("failed to create thread: %w", err)
	}
	return threadID, nil
}

// refreshThread recomputes a thread's derived counts.
func refreshThread(ctx context.Context, tx *sqlx.Tx, threadID int64) error {
	_, err := tx.ExecContext(ctx, tx.Rebind(`
		UPDATE threads SET
			message_count = (SELECT COUNT(*) FROM emails WHERE thread_id = ?),
			unread_count = (SELECT COUNT(*) FROM emails WHERE thread_id = ? AND seen = 0),
			latest_date = (SELECT MAX(date) FROM emails WHERE thread_id = ?)
		WHERE id = ?
	`), threadID, threadID, threadID, threadID)
	if err != nil {
		return fmt.Errorf("failed to refresh thread %d: %w", threadID, err)
	}
	return nil
}

func threadKey(accountID int, messageID string) string {
	return strconv.Itoa(accountID) + "\x00" + messageID
}

// StableIDAt returns the stable id stored at a folder location.
func (s *Store) StableIDAt(ctx context.Context, folderID int, uid uint32) (string, bool, error) {
	var stableID string
	err := s.db().GetContext(ctx, &stableID, s.db().Rebind(`
		SELECT e.stable_id
		FROM email_folders ef
		JOIN emails e ON e.id = ef.email_id
		WHERE ef.folder_id = ? AND ef.uid = ?
	`), folderID, uid)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to look up location: %w", err)
	}
	return stableID, true, nil
}

// LookupIdentity returns what is stored under a stable id, or nil.
func (s *Store) LookupIdentity(ctx context.Context, accountID int, stableID string) (*types.Identity, error) {
	var row struct {
		ID          int64  `db:"id"`
		StableID    string `db:"stable_id"`
		Fingerprint string `db:"fingerprint"`
	}
	err := s.db().GetContext(ctx, &row,
		s.db().Rebind("SELECT id, stable_id, fingerprint FROM emails WHERE account_id = ? AND stable_id = ?"),
		accountID, stableID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up identity: %w", err)
	}

	var locs []struct {
		FolderID int   `db:"folder_id"`
		UID      int64 `db:"uid"`
	}
	err = s.db().SelectContext(ctx, &locs,
		s.db().Rebind("SELECT folder_id, uid FROM email_folders WHERE email_id = ? ORDER BY folder_id, uid"),
		row.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list locations: %w", err)
	}

	ident := &types.Identity{
		EmailID:     row.ID,
		StableID:    row.StableID,
		Fingerprint: row.Fingerprint,
	}
	for _, l := range locs {
		ident.Locations = append(ident.Locations, types.EmailFolder{
			EmailID:  row.ID,
			FolderID: l.FolderID,
			UID:      uint32(l.UID),
		})
	}
	return ident, nil
}
