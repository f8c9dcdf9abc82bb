// Package syncer keeps the local store consistent with remote mailboxes.
// Work is done in batches; each batch holds the folder's write lease, one
// pooled connection and one store transaction.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	workers "github.com/sourcegraph/conc/pool"

	"github.com/brandon/mailsync/internal/cache"
	"github.com/brandon/mailsync/internal/connpool"
	"github.com/brandon/mailsync/internal/coordinator"
	"github.com/brandon/mailsync/internal/dedup"
	"github.com/brandon/mailsync/internal/push"
	"github.com/brandon/mailsync/internal/reliability"
	"github.com/brandon/mailsync/pkg/types"
)

// ErrCancelled is returned when a sync stops because its context ended.
var ErrCancelled = errors.New("sync cancelled")

// AccountMode selects how much of an account SyncAccount covers.
type AccountMode int

const (
	// InitialFast bootstraps folders that have never been synced.
	InitialFast AccountMode = iota
	// Full bootstraps where needed and then fetches everything newer than
	// the forward cursor of every folder.
	Full
)

// AccountOptions configures SyncAccount.
type AccountOptions struct {
	Mode AccountMode
}

// FolderMode selects the direction of SyncFolder.
type FolderMode int

const (
	// Incremental fetches messages above the forward cursor.
	Incremental FolderMode = iota
	// CatchUp fetches messages below the backfill cursor.
	CatchUp
)

// FolderOptions configures SyncFolder.
type FolderOptions struct {
	Mode FolderMode
}

// Store is the persistence the engine writes through.
type Store interface {
	dedup.Store
	GetAccountName(ctx context.Context, accountID int) (string, error)
	UpsertFolder(ctx context.Context, accountID int, name, path string, folderType types.FolderType, messageCount int) (int, error)
	GetFolder(ctx context.Context, folderID int) (*types.Folder, error)
	GetFolderByPath(ctx context.Context, accountID int, path string) (*types.Folder, error)
	ListFolders(ctx context.Context, accountID *int) ([]types.Folder, error)
	SetFolderState(ctx context.Context, folderID int, state types.SyncState, lastErr string) error
	ResetFolder(ctx context.Context, folderID int) error
	CommitBatch(ctx context.Context, b *cache.Batch) (*cache.CommitResult, error)
}

// Pool is the connection pool the engine checks sessions out of.
type Pool interface {
	Checkout(ctx context.Context, account string) (*connpool.Conn, error)
	Checkin(c *connpool.Conn)
	Discard(c *connpool.Conn)
}

// Config holds batch sizes and limits.
type Config struct {
	BootstrapBatch   int
	IncrementalBatch int
	CatchUpBatch     int
	// SyncWindow stops catch-up at messages older than now-SyncWindow.
	// Zero syncs the whole folder.
	SyncWindow        time.Duration
	ParseRetries      int
	FolderConcurrency int
	// CatchUpPassBatches caps the batches one scheduler pass runs per
	// folder before the folder goes back in line.
	CatchUpPassBatches int
	MaxListen          time.Duration
}

// DefaultConfig returns the default batch sizes.
func DefaultConfig() Config {
	return Config{
		BootstrapBatch:     30,
		IncrementalBatch:   200,
		CatchUpBatch:       100,
		ParseRetries:       2,
		FolderConcurrency:  4,
		CatchUpPassBatches: 5,
		MaxListen:          push.DefaultMaxListen,
	}
}

type folderKey struct {
	account int
	folder  int
}

// Engine runs folder syncs for every account.
type Engine struct {
	cfg      Config
	store    Store
	pool     Pool
	leases   *coordinator.Coordinator
	resolver *dedup.Resolver
	monitor  *push.Monitor
	logger   *logrus.Logger
	now      func() time.Time

	// reconnect overrides the push reconnect backoff.
	reconnect *reliability.RetryConfig

	mu         sync.Mutex
	paused     map[int]bool
	states     map[folderKey]types.SyncState
	catchingUp map[folderKey]bool
	running    map[int]int
	wake       chan struct{}
}

// New creates an engine. Zero config fields take their defaults.
func New(cfg Config, store Store, pool Pool, logger *logrus.Logger) *Engine {
	def := DefaultConfig()
	if cfg.BootstrapBatch <= 0 {
		cfg.BootstrapBatch = def.BootstrapBatch
	}
	if cfg.IncrementalBatch <= 0 {
		cfg.IncrementalBatch = def.IncrementalBatch
	}
	if cfg.CatchUpBatch <= 0 {
		cfg.CatchUpBatch = def.CatchUpBatch
	}
	if cfg.ParseRetries < 0 {
		cfg.ParseRetries = 0
	}
	if cfg.FolderConcurrency <= 0 {
		cfg.FolderConcurrency = def.FolderConcurrency
	}
	if cfg.CatchUpPassBatches <= 0 {
		cfg.CatchUpPassBatches = def.CatchUpPassBatches
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Engine{
		cfg:        cfg,
		store:      store,
		pool:       pool,
		leases:     coordinator.New(logger),
		resolver:   dedup.New(store, logger),
		monitor:    push.New(pool, cfg.MaxListen, logger),
		logger:     logger,
		now:        time.Now,
		paused:     make(map[int]bool),
		states:     make(map[folderKey]types.SyncState),
		catchingUp: make(map[folderKey]bool),
		running:    make(map[int]int),
		wake:       make(chan struct{}, 1),
	}
}

// Leases exposes the folder lease coordinator.
func (e *Engine) Leases() *coordinator.Coordinator {
	return e.leases
}

// SyncAccount lists the account's folders, records them and syncs each one.
// Folder failures are reported per folder in the result; the returned error
// covers listing only.
func (e *Engine) SyncAccount(ctx context.Context, accountID int, opts AccountOptions) (*types.SyncResult, error) {
	started := e.now()
	name, err := e.store.GetAccountName(ctx, accountID)
	if err != nil {
		return nil, err
	}
	log := e.logger.WithFields(logrus.Fields{"account": name, "account_id": accountID})

	folders, err := e.discoverFolders(ctx, accountID, name)
	if err != nil {
		return nil, err
	}

	result := &types.SyncResult{Account: name, StartedAt: started}
	var mu sync.Mutex
	p := workers.New().WithMaxGoroutines(e.cfg.FolderConcurrency)
	for i := range folders {
		folder := folders[i]
		if opts.Mode == InitialFast && !folder.NeedsBootstrap() {
			continue
		}
		p.Go(func() {
			var (
				res *types.SyncResult
				err error
			)
			if opts.Mode == InitialFast {
				res, err = e.bootstrapOnly(ctx, name, &folder)
			} else {
				res, err = e.syncFolder(ctx, name, &folder, Incremental)
			}
			if err != nil && !errors.Is(err, ErrCancelled) {
				log.WithError(err).WithField("folder", folder.Path).Warn("Failed to sync folder")
			}
			mu.Lock()
			result.Merge(res)
			mu.Unlock()
		})
	}
	p.Wait()

	sort.Slice(result.Folders, func(i, j int) bool {
		return result.Folders[i].Path < result.Folders[j].Path
	})
	result.FinishedAt = e.now()
	log.WithFields(logrus.Fields{
		"folders": len(result.Folders),
		"new":     len(result.NewMessages),
	}).Info("Account sync finished")

	if err := ctx.Err(); err != nil {
		return result, fmt.Errorf("%w: %w", ErrCancelled, err)
	}
	return result, nil
}

// discoverFolders lists mailboxes on the server and upserts the selectable
// ones.
func (e *Engine) discoverFolders(ctx context.Context, accountID int, name string) ([]types.Folder, error) {
	conn, err := e.pool.Checkout(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("failed to check out connection: %w", err)
	}
	infos, err := conn.ListFolders()
	e.giveBack(conn, err)
	if err != nil {
		return nil, fmt.Errorf("failed to list folders: %w", err)
	}

	folders := make([]types.Folder, 0, len(infos))
	for _, info := range infos {
		if !info.Selectable {
			continue
		}
		id, err := e.store.UpsertFolder(ctx, accountID, info.Name, info.Path, info.Type, 0)
		if err != nil {
			return nil, err
		}
		folder, err := e.store.GetFolder(ctx, id)
		if err != nil {
			return nil, err
		}
		folders = append(folders, *folder)
	}
	return folders, nil
}

// SyncFolder runs one folder in the given direction until it is caught up,
// paused or cancelled. A folder that was never bootstrapped, or whose
// UIDVALIDITY changed, is bootstrapped first.
func (e *Engine) SyncFolder(ctx context.Context, accountID, folderID int, opts FolderOptions) (*types.SyncResult, error) {
	folder, err := e.store.GetFolder(ctx, folderID)
	if err != nil {
		return nil, err
	}
	if folder.AccountID != accountID {
		return nil, fmt.Errorf("folder %d does not belong to account %d: %w", folderID, accountID, cache.ErrNotFound)
	}
	return e.syncFolder(ctx, folder.AccountName, folder, opts.Mode)
}

// PauseCatchUp stops catch-up for an account after the batch in flight.
func (e *Engine) PauseCatchUp(accountID int) {
	e.mu.Lock()
	e.paused[accountID] = true
	e.mu.Unlock()
	e.logger.WithField("account_id", accountID).Info("Catch-up paused")
}

// ResumeCatchUp lets catch-up continue from the committed backfill cursor.
func (e *Engine) ResumeCatchUp(accountID int) {
	e.mu.Lock()
	delete(e.paused, accountID)
	e.mu.Unlock()
	e.logger.WithField("account_id", accountID).Info("Catch-up resumed")

	e.wakeCatchUp()
}

func (e *Engine) wakeCatchUp() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

func (e *Engine) isPaused(accountID int) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.paused[accountID]
}

// FolderState returns the folder's state as last seen by the engine, or ""
// when the engine has not run the folder.
func (e *Engine) FolderState(accountID, folderID int) types.SyncState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.states[folderKey{accountID, folderID}]
}

func (e *Engine) setState(folder *types.Folder, state types.SyncState) {
	e.mu.Lock()
	e.states[folderKey{folder.AccountID, folder.ID}] = state
	e.mu.Unlock()
	folder.SyncState = state
}

// persistState records a state that no batch commit carries.
func (e *Engine) persistState(ctx context.Context, folder *types.Folder, state types.SyncState, cause error) {
	e.setState(folder, state)
	var msg string
	if cause != nil {
		msg = cause.Error()
	}
	if err := e.store.SetFolderState(context.WithoutCancel(ctx), folder.ID, state, msg); err != nil {
		e.logger.WithError(err).WithField("folder_id", folder.ID).Warn("Failed to record folder state")
	}
}

// giveBack returns conn to the pool, discarding it when err shows the
// session is no longer usable.
func (e *Engine) giveBack(conn *connpool.Conn, err error) {
	if (err != nil && brokenSession(err)) || !conn.IsAlive() {
		e.pool.Discard(conn)
		return
	}
	e.pool.Checkin(conn)
}
