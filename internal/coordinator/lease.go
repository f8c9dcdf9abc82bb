// Package coordinator serializes writes to a folder's sync checkpoint.
package coordinator

import (
	"container/list"
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Mode is the kind of sync a lease is held for.
type Mode int

const (
	// ModeIncremental fetches messages newer than the forward cursor.
	ModeIncremental Mode = iota
	// ModeCatchUp fetches older messages below the backfill cursor.
	ModeCatchUp
	// ModeBootstrap fetches the newest page of a fresh folder.
	ModeBootstrap
)

func (m Mode) String() string {
	switch m {
	case ModeIncremental:
		return "incremental"
	case ModeCatchUp:
		return "catch_up"
	case ModeBootstrap:
		return "bootstrap"
	default:
		return "unknown"
	}
}

// urgent modes are served before queued catch-up work.
func (m Mode) urgent() bool {
	return m != ModeCatchUp
}

type folderKey struct {
	account int
	folder  int
}

// Lease is exclusive write access to one folder.
type Lease struct {
	ID        string
	AccountID int
	FolderID  int
	Mode      Mode
}

type waiter struct {
	lease *Lease
	ready chan *Lease
}

type slot struct {
	holder  *Lease
	urgent  *list.List
	catchUp *list.List
}

func (s *slot) idle() bool {
	return s.holder == nil && s.urgent.Len() == 0 && s.catchUp.Len() == 0
}

// Coordinator grants at most one lease per folder at a time.
type Coordinator struct {
	logger *logrus.Logger

	mu    sync.Mutex
	slots map[folderKey]*slot
}

// New creates a coordinator.
func New(logger *logrus.Logger) *Coordinator {
	if logger == nil {
		logger = logrus.New()
	}
	return &Coordinator{
		logger: logger,
		slots:  make(map[folderKey]*slot),
	}
}

// Acquire blocks until the folder is free or ctx is done. Incremental and
// bootstrap requests queued behind a holder are served before catch-up
// requests; requests of the same tier are served in arrival order.
func (c *Coordinator) Acquire(ctx context.Context, accountID, folderID int, mode Mode) (*Lease, error) {
	key := folderKey{account: accountID, folder: folderID}
	lease := &Lease{
		ID:        uuid.NewString(),
		AccountID: accountID,
		FolderID:  folderID,
		Mode:      mode,
	}

	c.mu.Lock()
	s := c.slot(key)
	if s.holder == nil {
		s.holder = lease
		c.mu.Unlock()
		return lease, nil
	}
	w := &waiter{lease: lease, ready: make(chan *Lease, 1)}
	queue := s.catchUp
	if mode.urgent() {
		queue = s.urgent
	}
	elem := queue.PushBack(w)
	holder := s.holder
	c.mu.Unlock()

	c.logger.WithFields(logrus.Fields{
		"account_id": accountID,
		"folder_id":  folderID,
		"mode":       mode.String(),
		"held_by":    holder.Mode.String(),
	}).Debug("Waiting for folder lease")

	select {
	case granted := <-w.ready:
		return granted, nil
	case <-ctx.Done():
		c.mu.Lock()
		queued := false
		for e := queue.Front(); e != nil; e = e.Next() {
			if e == elem {
				queue.Remove(e)
				queued = true
				break
			}
		}
		if queued && s.idle() {
			delete(c.slots, key)
		}
		c.mu.Unlock()
		if !queued {
			// Granted concurrently with cancellation.
			c.Release(<-w.ready)
		}
		return nil, ctx.Err()
	}
}

// Release ends a lease and hands the folder to the next waiter. Releasing a
// lease that is no longer held is a no-op.
func (c *Coordinator) Release(lease *Lease) {
	if lease == nil {
		return
	}
	key := folderKey{account: lease.AccountID, folder: lease.FolderID}

	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.slots[key]
	if !ok || s.holder != lease {
		return
	}

	queue := s.urgent
	if queue.Len() == 0 {
		queue = s.catchUp
	}
	front := queue.Front()
	if front == nil {
		delete(c.slots, key)
		return
	}
	queue.Remove(front)
	w := front.Value.(*waiter)
	s.holder = w.lease
	w.ready <- w.lease
}

// Holder reports the mode of the current lease on a folder.
func (c *Coordinator) Holder(accountID, folderID int) (Mode, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.slots[folderKey{account: accountID, folder: folderID}]
	if !ok || s.holder == nil {
		return 0, false
	}
	return s.holder.Mode, true
}

// Waiting returns how many requests are queued for a folder.
func (c *Coordinator) Waiting(accountID, folderID int) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.slots[folderKey{account: accountID, folder: folderID}]
	if !ok {
		return 0
	}
	return s.urgent.Len() + s.catchUp.Len()
}

// slot returns the state for key, creating it. Must hold c.mu.
func (c *Coordinator) slot(key folderKey) *slot {
	s, ok := c.slots[key]
	if !ok {
		s = &slot{urgent: list.New(), catchUp: list.New()}
		c.slots[key] = s
	}
	return s
}
