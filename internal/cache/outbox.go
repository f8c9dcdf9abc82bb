package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/brandon/mailsync/pkg/types"
)

type outboxRow struct {
	ID         string    `db:"id"`
	AccountID  int       `db:"account_id"`
	Account    string    `db:"account_name"`
	MessageID  string    `db:"message_id"`
	From       string    `db:"from_addr"`
	Recipients string    `db:"recipients"`
	Raw        []byte    `db:"raw"`
	State      string    `db:"state"`
	Attempts   int       `db:"attempts"`
	LastError  string    `db:"last_error"`
	CreatedAt  time.Time `db:"created_at"`
	UpdatedAt  time.Time `db:"updated_at"`
}

const outboxSelect = `
	SELECT o.id, o.account_id, a.name AS account_name, o.message_id, o.from_addr, o.recipients,
		o.raw, o.state, o.attempts, o.last_error, o.created_at, o.updated_at
	FROM outbox o
	JOIN accounts a ON a.id = o.account_id
`

func (r *outboxRow) toEntry() (*types.OutboxEntry, error) {
	recipients, err := unmarshalList(r.Recipients)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal recipients: %w", err)
	}
	return &types.OutboxEntry{
		ID:         r.ID,
		AccountID:  r.AccountID,
		Account:    r.Account,
		MessageID:  r.MessageID,
		From:       r.From,
		Recipients: recipients,
		Raw:        r.Raw,
		State:      types.OutboxState(r.State),
		Attempts:   r.Attempts,
		LastError:  r.LastError,
		CreatedAt:  r.CreatedAt,
		UpdatedAt:  r.UpdatedAt,
	}, nil
}

// InsertOutbox stores a newly composed message
func (s *Store) InsertOutbox(ctx context.Context, entry *types.OutboxEntry) error {
	recipients, err := marshalList(entry.Recipients)
	if err != nil {
		return fmt.Errorf("failed to marshal recipients: %w", err)
	}
	now := storedTime(timeNow())
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = now
	}
	entry.UpdatedAt = now

	_, err = s.db().ExecContext(ctx, s.db().Rebind(`
		INSERT INTO outbox (id, account_id, message_id, from_addr, recipients, raw, state, attempts, last_error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`),
		entry.ID, entry.AccountID, entry.MessageID, entry.From, recipients, entry.Raw,
		string(entry.State), entry.Attempts, entry.LastError, entry.CreatedAt, entry.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert outbox entry: %w", err)
	}
	return nil
}

// UpdateOutbox records an entry's delivery state
func (s *Store) UpdateOutbox(ctx context.Context, entry *types.OutboxEntry) error {
	entry.UpdatedAt = storedTime(timeNow())
	res, err := s.db().ExecContext(ctx, s.db().Rebind(`
		UPDATE outbox SET state = ?, attempts = ?, last_error = ?, updated_at = ?
		WHERE id = ?
	`), string(entry.State), entry.Attempts, entry.LastError, entry.UpdatedAt, entry.ID)
	if err != nil {
		return fmt.Errorf("failed to update outbox entry: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("outbox entry %s: %w", entry.ID, ErrNotFound)
	}
	return nil
}

// GetOutbox returns one outbox entry
func (s *Store) GetOutbox(ctx context.Context, id string) (*types.OutboxEntry, error) {
	var row outboxRow
	err := s.db().GetContext(ctx, &row, s.db().Rebind(outboxSelect+" WHERE o.id = ?"), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("outbox entry %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get outbox entry: %w", err)
	}
	return row.toEntry()
}

// PendingOutbox returns entries still waiting to be sent, oldest first.
// Entries left in sending by an interrupted process are included.
func (s *Store) PendingOutbox(ctx context.Context) ([]*types.OutboxEntry, error) {
	var rows []outboxRow
	err := s.db().SelectContext(ctx, &rows, s.db().Rebind(outboxSelect+`
		WHERE o.state IN (?, ?)
		ORDER BY o.created_at, o.id
	`), string(types.OutboxQueued), string(types.OutboxSending))
	if err != nil {
		return nil, fmt.Errorf("failed to list pending outbox entries: %w", err)
	}

	entries := make([]*types.OutboxEntry, 0, len(rows))
	for i := range rows {
		entry, err := rows[i].toEntry()
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, nil
}
