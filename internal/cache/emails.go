package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/brandon/mailsync/pkg/types"
)

type emailRow struct {
	ID          int64         `db:"id"`
	AccountID   int           `db:"account_id"`
	AccountName string        `db:"account_name"`
	StableID    string        `db:"stable_id"`
	MessageID   string        `db:"message_id"`
	InReplyTo   string        `db:"in_reply_to"`
	Refs        string        `db:"refs"`
	ThreadID    sql.NullInt64 `db:"thread_id"`
	Subject     string        `db:"subject"`
	SenderName  string        `db:"sender_name"`
	SenderEmail string        `db:"sender_email"`
	Recipients  string        `db:"recipients"`
	Date        time.Time     `db:"date"`
	Size        int64         `db:"size"`
	BodyText    string        `db:"body_text"`
	BodyHTML    string        `db:"body_html"`
	Flags       string        `db:"flags"`
	Fingerprint string        `db:"fingerprint"`
	CachedAt    sql.NullTime  `db:"cached_at"`
}

func (r *emailRow) toEmail() (*types.Email, error) {
	e := &types.Email{
		ID:          r.ID,
		AccountID:   r.AccountID,
		AccountName: r.AccountName,
		StableID:    r.StableID,
		MessageID:   r.MessageID,
		InReplyTo:   r.InReplyTo,
		Subject:     r.Subject,
		SenderName:  r.SenderName,
		SenderEmail: r.SenderEmail,
		Date:        r.Date,
		Size:        uint32(r.Size),
		BodyText:    r.BodyText,
		BodyHTML:    r.BodyHTML,
		Fingerprint: r.Fingerprint,
	}
	if r.ThreadID.Valid {
		e.ThreadID = r.ThreadID.Int64
	}
	if r.CachedAt.Valid {
		e.CachedAt = r.CachedAt.Time
	}

	var err error
	if e.References, err = unmarshalList(r.Refs); err != nil {
		return nil, fmt.Errorf("failed to unmarshal references: %w", err)
	}
	if e.Recipients, err = unmarshalList(r.Recipients); err != nil {
		return nil, fmt.Errorf("failed to unmarshal recipients: %w", err)
	}
	if e.Flags, err = unmarshalList(r.Flags); err != nil {
		return nil, fmt.Errorf("failed to unmarshal flags: %w", err)
	}
	return e, nil
}

const emailSelect = `
	SELECT e.id, e.account_id, a.name AS account_name, e.stable_id, e.message_id, e.in_reply_to,
		e.refs, e.thread_id, e.subject, e.sender_name, e.sender_email, e.recipients, e.date,
		e.size, e.body_text, e.body_html, e.flags, e.fingerprint, e.cached_at
	FROM emails e
	JOIN accounts a ON e.account_id = a.id
`

// GetEmail retrieves an email by ID together with its first folder location
func (s *Store) GetEmail(ctx context.Context, emailID int64) (*types.Email, error) {
	var row emailRow
	err := s.db().GetContext(ctx, &row, s.db().Rebind(emailSelect+" WHERE e.id = ?"), emailID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("email %d: %w", emailID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get email: %w", err)
	}
	email, err := row.toEmail()
	if err != nil {
		return nil, err
	}

	var loc struct {
		FolderID int    `db:"folder_id"`
		Path     string `db:"path"`
		UID      int64  `db:"uid"`
	}
	err = s.db().GetContext(ctx, &loc, s.db().Rebind(`
		SELECT ef.folder_id, f.path, ef.uid
		FROM email_folders ef
		JOIN folders f ON f.id = ef.folder_id
		WHERE ef.email_id = ?
		ORDER BY ef.id
		LIMIT 1
	`), emailID)
	switch {
	case err == nil:
		email.FolderID = loc.FolderID
		email.FolderPath = loc.Path
		email.UID = uint32(loc.UID)
	case !errors.Is(err, sql.ErrNoRows):
		return nil, fmt.Errorf("failed to get email location: %w", err)
	}
	return email, nil
}

// GetEmailByStableID retrieves an email by its account-scoped stable id
func (s *Store) GetEmailByStableID(ctx context.Context, accountID int, stableID string) (*types.Email, error) {
	var id int64
	err := s.db().GetContext(ctx, &id,
		s.db().Rebind("SELECT id FROM emails WHERE account_id = ? AND stable_id = ?"),
		accountID, stableID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("email %s: %w", stableID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get email: %w", err)
	}
	return s.GetEmail(ctx, id)
}

// ListThreads returns an account's threads, most recent first
func (s *Store) ListThreads(ctx context.Context, accountID int, limit int) ([]types.Thread, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []struct {
		ID           int64        `db:"id"`
		AccountID    int          `db:"account_id"`
		Subject      string       `db:"subject"`
		MessageCount int          `db:"message_count"`
		UnreadCount  int          `db:"unread_count"`
		LatestDate   sql.NullTime `db:"latest_date"`
	}
	err := s.db().SelectContext(ctx, &rows, s.db().Rebind(`
		SELECT id, account_id, subject, message_count, unread_count, latest_date
		FROM threads
		WHERE account_id = ? AND message_count > 0
		ORDER BY latest_date DESC, id DESC
		LIMIT ?
	`), accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list threads: %w", err)
	}

	threads := make([]types.Thread, 0, len(rows))
	for _, r := range rows {
		t := types.Thread{
			ID:           r.ID,
			AccountID:    r.AccountID,
			Subject:      r.Subject,
			MessageCount: r.MessageCount,
			UnreadCount:  r.UnreadCount,
		}
		if r.LatestDate.Valid {
			t.LatestDate = r.LatestDate.Time
		}
		threads = append(threads, t)
	}
	return threads, nil
}

// SetEmailBody stores a body fetched after the email was first cached.
func (s *Store) SetEmailBody(ctx context.Context, emailID int64, text, html string) error {
	res, err := s.db().ExecContext(ctx,
		s.db().Rebind("UPDATE emails SET body_text = ?, body_html = ? WHERE id = ?"),
		text, html, emailID)
	if err != nil {
		return fmt.Errorf("failed to update email body: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("email %d: %w", emailID, ErrNotFound)
	}
	return nil
}

// FindByMessageID returns an account's emails carrying messageID, oldest
// first. Several emails can share one when a sender reused it.
func (s *Store) FindByMessageID(ctx context.Context, accountID int, messageID string) ([]*types.Email, error) {
	var rows []emailRow
	err := s.db().SelectContext(ctx, &rows,
		s.db().Rebind(emailSelect+" WHERE e.account_id = ? AND e.message_id = ? ORDER BY e.id"),
		accountID, messageID)
	if err != nil {
		return nil, fmt.Errorf("failed to find emails by message id: %w", err)
	}
	out := make([]*types.Email, 0, len(rows))
	for i := range rows {
		e, err := rows[i].toEmail()
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}
