// Package outbox queues composed messages and delivers them over SMTP.
package outbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/brandon/mailsync/internal/cache"
	"github.com/brandon/mailsync/internal/connpool"
	"github.com/brandon/mailsync/internal/email"
	"github.com/brandon/mailsync/internal/reliability"
	"github.com/brandon/mailsync/pkg/types"
)

// ErrSendFailed wraps the last delivery error of a message that ended failed.
var ErrSendFailed = errors.New("send failed")

// Store persists outbox entries.
type Store interface {
	GetAccountName(ctx context.Context, accountID int) (string, error)
	GetFolderByType(ctx context.Context, accountID int, folderType types.FolderType) (*types.Folder, error)
	InsertOutbox(ctx context.Context, entry *types.OutboxEntry) error
	UpdateOutbox(ctx context.Context, entry *types.OutboxEntry) error
	GetOutbox(ctx context.Context, id string) (*types.OutboxEntry, error)
	PendingOutbox(ctx context.Context) ([]*types.OutboxEntry, error)
}

// Transport delivers a raw message. *email.Dialer implements it.
type Transport interface {
	SendMail(ctx context.Context, account, from string, to []string, raw []byte) error
}

// Pool lends IMAP sessions for saving sent copies.
type Pool interface {
	Checkout(ctx context.Context, account string) (*connpool.Conn, error)
	Checkin(c *connpool.Conn)
	Discard(c *connpool.Conn)
}

// Outbox composes, stores and sends outgoing mail.
type Outbox struct {
	store     Store
	transport Transport
	pool      Pool
	retry     reliability.RetryConfig
	logger    *logrus.Logger
	now       func() time.Time
}

// New creates an outbox. maxAttempts bounds delivery attempts per Send.
func New(store Store, transport Transport, pool Pool, maxAttempts int, logger *logrus.Logger) *Outbox {
	if logger == nil {
		logger = logrus.New()
	}
	retry := reliability.DefaultRetryConfig()
	if maxAttempts > 0 {
		retry.MaxAttempts = maxAttempts
	}
	return &Outbox{
		store:     store,
		transport: transport,
		pool:      pool,
		retry:     retry,
		logger:    logger,
		now:       time.Now,
	}
}

// Enqueue composes msg and stores it as queued.
func (o *Outbox) Enqueue(ctx context.Context, accountID int, msg *email.OutgoingMessage) (*types.OutboxEntry, error) {
	account, err := o.store.GetAccountName(ctx, accountID)
	if err != nil {
		return nil, err
	}

	created := o.now().UTC().Truncate(time.Second)
	raw, messageID, err := email.Compose(msg, created)
	if err != nil {
		return nil, fmt.Errorf("failed to compose message: %w", err)
	}

	entry := &types.OutboxEntry{
		ID:         uuid.NewString(),
		AccountID:  accountID,
		Account:    account,
		MessageID:  messageID,
		From:       msg.From,
		Recipients: msg.Recipients(),
		Raw:        raw,
		State:      types.OutboxQueued,
		CreatedAt:  created,
	}
	if err := o.store.InsertOutbox(ctx, entry); err != nil {
		return nil, err
	}

	o.logger.WithFields(logrus.Fields{
		"account":    account,
		"outbox_id":  entry.ID,
		"message_id": messageID,
		"recipients": len(entry.Recipients),
	}).Info("Message queued")
	return entry, nil
}

// Send delivers a queued entry. Transport errors are retried with backoff;
// authentication failures are not. A sent entry is returned as is.
func (o *Outbox) Send(ctx context.Context, id string) (*types.OutboxEntry, error) {
	entry, err := o.store.GetOutbox(ctx, id)
	if err != nil {
		return nil, err
	}
	switch entry.State {
	case types.OutboxSent:
		return entry, nil
	case types.OutboxFailed:
		return entry, fmt.Errorf("%w: %s", ErrSendFailed, entry.LastError)
	}

	log := o.logger.WithFields(logrus.Fields{
		"account":   entry.Account,
		"outbox_id": entry.ID,
	})

	entry.State = types.OutboxSending
	if err := o.store.UpdateOutbox(ctx, entry); err != nil {
		return nil, err
	}

	sendErr := reliability.RetryWithBackoff(ctx, o.retry, func(int) error {
		entry.Attempts++
		return o.transport.SendMail(ctx, entry.Account, entry.From, entry.Recipients, entry.Raw)
	}, func(attempt int, err error, delay time.Duration) {
		log.WithError(err).WithFields(logrus.Fields{
			"attempt":  attempt + 1,
			"retry_in": delay.String(),
		}).Warn("Send attempt failed")
	})

	// The outcome is recorded even when ctx ended mid-send.
	rctx := context.WithoutCancel(ctx)
	if sendErr != nil {
		entry.State = types.OutboxFailed
		entry.LastError = sendErr.Error()
		if err := o.store.UpdateOutbox(rctx, entry); err != nil {
			log.WithError(err).Error("Failed to record send failure")
		}
		log.WithError(sendErr).WithField("attempts", entry.Attempts).Error("Message not sent")
		return entry, fmt.Errorf("%w: %w", ErrSendFailed, sendErr)
	}

	entry.State = types.OutboxSent
	entry.LastError = ""
	if err := o.store.UpdateOutbox(rctx, entry); err != nil {
		return entry, err
	}
	log.WithField("attempts", entry.Attempts).Info("Message sent")

	o.saveCopy(rctx, entry, log)
	return entry, nil
}

// saveCopy appends the sent message to the account's sent folder. Failures
// are only logged.
func (o *Outbox) saveCopy(ctx context.Context, entry *types.OutboxEntry, log *logrus.Entry) {
	if o.pool == nil {
		return
	}
	folder, err := o.store.GetFolderByType(ctx, entry.AccountID, types.FolderSent)
	if err != nil {
		if !errors.Is(err, cache.ErrNotFound) {
			log.WithError(err).Warn("Failed to look up sent folder")
		} else {
			log.Debug("No sent folder, skipping copy")
		}
		return
	}

	conn, err := o.pool.Checkout(ctx, entry.Account)
	if err != nil {
		log.WithError(err).Warn("Failed to check out connection for sent copy")
		return
	}
	err = conn.Append(folder.Path, []string{`\Seen`}, entry.CreatedAt, entry.Raw)
	if err != nil || !conn.IsAlive() {
		o.pool.Discard(conn)
	} else {
		o.pool.Checkin(conn)
	}
	if err != nil {
		log.WithError(err).WithField("folder", folder.Path).Warn("Failed to save sent copy")
		return
	}
	log.WithField("folder", folder.Path).Debug("Saved sent copy")
}

// Pending lists entries still waiting for delivery, oldest first.
func (o *Outbox) Pending(ctx context.Context) ([]*types.OutboxEntry, error) {
	return o.store.PendingOutbox(ctx)
}

// Flush sends every pending entry and returns how many were sent. It stops
// early when ctx ends.
func (o *Outbox) Flush(ctx context.Context) (int, error) {
	entries, err := o.Pending(ctx)
	if err != nil {
		return 0, err
	}
	sent := 0
	for _, entry := range entries {
		if ctx.Err() != nil {
			return sent, ctx.Err()
		}
		if _, err := o.Send(ctx, entry.ID); err != nil {
			continue
		}
		sent++
	}
	if len(entries) > 0 {
		o.logger.WithFields(logrus.Fields{
			"pending": len(entries),
			"sent":    sent,
		}).Info("Outbox flushed")
	}
	return sent, nil
}
