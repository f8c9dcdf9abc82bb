// Package push watches a folder over a long-lived pooled connection and
// reports new mail.
package push

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/brandon/mailsync/internal/connpool"
	"github.com/brandon/mailsync/internal/email"
)

// DefaultMaxListen is how long a provider keeps a listen open.
const DefaultMaxListen = 25 * time.Minute

// stopWait bounds how long a stopped listen may take to report closure.
const stopWait = 10 * time.Second

// EventKind distinguishes monitor events.
type EventKind int

const (
	// EventNewMail reports that the folder's message count grew.
	EventNewMail EventKind = iota
	// EventDisconnected is always the last event before the channel closes.
	EventDisconnected
)

// Reason explains an EventDisconnected.
type Reason int

const (
	// ReasonListenExpired is the normal end of a listen at its maximum
	// duration, or the server ending it cleanly.
	ReasonListenExpired Reason = iota
	// ReasonCancelled means the caller's context ended.
	ReasonCancelled
	// ReasonConnectionLost means the session failed. Event.Err has the cause.
	ReasonConnectionLost
)

func (r Reason) String() string {
	switch r {
	case ReasonListenExpired:
		return "listen_expired"
	case ReasonCancelled:
		return "cancelled"
	case ReasonConnectionLost:
		return "connection_lost"
	default:
		return "unknown"
	}
}

// Event is delivered on the monitor channel.
type Event struct {
	Kind     EventKind
	Account  string
	Folder   string
	Messages uint32
	Reason   Reason
	Err      error
}

// Pool is the subset of the connection pool a monitor uses.
type Pool interface {
	Checkout(ctx context.Context, account string) (*connpool.Conn, error)
	Checkin(c *connpool.Conn)
	Discard(c *connpool.Conn)
}

// Monitor opens listens on pooled connections.
type Monitor struct {
	pool      Pool
	maxListen time.Duration
	logger    *logrus.Logger
}

// New creates a monitor. A zero maxListen uses DefaultMaxListen.
func New(pool Pool, maxListen time.Duration, logger *logrus.Logger) *Monitor {
	if maxListen <= 0 {
		maxListen = DefaultMaxListen
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Monitor{pool: pool, maxListen: maxListen, logger: logger}
}

// Watch selects folderPath on a pooled connection and listens on it. The
// returned channel carries new-mail events followed by exactly one
// EventDisconnected, then closes; it must be drained until closed. The
// monitor never reconnects by itself.
func (m *Monitor) Watch(ctx context.Context, account, folderPath string) (<-chan Event, error) {
	conn, err := m.pool.Checkout(ctx, account)
	if err != nil {
		return nil, fmt.Errorf("failed to check out connection: %w", err)
	}
	if _, err := conn.SelectFolder(folderPath); err != nil {
		m.pool.Discard(conn)
		return nil, fmt.Errorf("failed to select %s: %w", folderPath, err)
	}

	l := &listener{
		Monitor: m,
		conn:    conn,
		account: account,
		folder:  folderPath,
		out:     make(chan Event, 8),
		notify:  make(chan struct{}, 1),
		closed:  make(chan error, 1),
	}
	if err := conn.StartListen(l.onEvent); err != nil {
		m.pool.Discard(conn)
		return nil, fmt.Errorf("failed to start listening on %s: %w", folderPath, err)
	}

	m.logger.WithFields(logrus.Fields{
		"account": account,
		"folder":  folderPath,
		"conn":    conn.ID(),
	}).Debug("Push monitor started")

	go l.run(ctx)
	return l.out, nil
}

type listener struct {
	*Monitor
	conn    *connpool.Conn
	account string
	folder  string
	out     chan Event

	// count holds the latest message count; notify coalesces signals.
	count  atomic.Uint32
	notify chan struct{}
	closed chan error
}

// onEvent runs on the session's goroutine and never blocks.
func (l *listener) onEvent(ev email.ListenEvent) {
	switch ev.Kind {
	case email.ListenNewMail:
		l.count.Store(ev.Messages)
		select {
		case l.notify <- struct{}{}:
		default:
		}
	case email.ListenClosed:
		select {
		case l.closed <- ev.Err:
		default:
		}
	}
}

func (l *listener) run(ctx context.Context) {
	defer close(l.out)

	timer := time.NewTimer(l.maxListen)
	defer timer.Stop()

	var (
		reason Reason
		cause  error
	)
loop:
	for {
		select {
		case <-l.notify:
			ev := Event{Kind: EventNewMail, Account: l.account, Folder: l.folder, Messages: l.count.Load()}
			select {
			case l.out <- ev:
			case <-ctx.Done():
			}
		case err := <-l.closed:
			if err != nil {
				reason, cause = ReasonConnectionLost, err
			} else {
				reason = ReasonListenExpired
			}
			break loop
		case <-timer.C:
			reason = ReasonListenExpired
			cause = l.stop()
			break loop
		case <-ctx.Done():
			reason = ReasonCancelled
			cause = l.stop()
			break loop
		}
	}

	if cause != nil || !l.conn.IsAlive() {
		l.pool.Discard(l.conn)
		if reason != ReasonCancelled {
			reason = ReasonConnectionLost
		}
	} else {
		l.pool.Checkin(l.conn)
	}

	entry := l.logger.WithFields(logrus.Fields{
		"account": l.account,
		"folder":  l.folder,
		"reason":  reason.String(),
	})
	if cause != nil {
		entry = entry.WithError(cause)
	}
	entry.Debug("Push monitor stopped")

	l.out <- Event{Kind: EventDisconnected, Account: l.account, Folder: l.folder, Reason: reason, Err: cause}
}

// stop ends the listen and returns the error it closed with, if any.
func (l *listener) stop() error {
	if err := l.conn.StopListen(); err != nil {
		return err
	}
	select {
	case err := <-l.closed:
		return err
	case <-time.After(stopWait):
		return errors.New("listen did not close")
	}
}
