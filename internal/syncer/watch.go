package syncer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	workers "github.com/sourcegraph/conc/pool"

	"github.com/brandon/mailsync/internal/cache"
	"github.com/brandon/mailsync/internal/push"
	"github.com/brandon/mailsync/internal/reliability"
	"github.com/brandon/mailsync/pkg/types"
)

// DefaultCatchUpInterval is how often RunCatchUp looks for unfinished
// folders when no interval is given.
const DefaultCatchUpInterval = 2 * time.Minute

// WatchFolder keeps a push listen open on folderPath and runs an
// incremental sync for every new-mail event, and once after every
// (re)connect. Lost connections are retried with exponential backoff; a
// listen ending at its maximum duration reconnects at once. It returns when
// ctx is done.
func (e *Engine) WatchFolder(ctx context.Context, accountID int, folderPath string) error {
	name, err := e.store.GetAccountName(ctx, accountID)
	if err != nil {
		return err
	}
	folder, err := e.store.GetFolderByPath(ctx, accountID, folderPath)
	if err != nil {
		return err
	}

	log := e.logger.WithFields(logrus.Fields{
		"account": name,
		"folder":  folderPath,
	})
	backoff := &reliability.Backoff{Config: e.reconnectConfig()}

	for {
		e.syncNewMail(ctx, folder, log)
		if ctx.Err() != nil {
			return nil
		}

		events, err := e.monitor.Watch(ctx, name, folderPath)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			delay := backoff.Next()
			log.WithError(err).WithField("retry_in", delay.String()).Warn("Failed to start push monitor")
			if !sleep(ctx, delay) {
				return nil
			}
			continue
		}

		var last push.Event
		for ev := range events {
			switch ev.Kind {
			case push.EventNewMail:
				backoff.Reset()
				log.WithField("messages", ev.Messages).Debug("New mail signalled")
				e.syncNewMail(ctx, folder, log)
			case push.EventDisconnected:
				last = ev
			}
		}

		switch last.Reason {
		case push.ReasonCancelled:
			return nil
		case push.ReasonListenExpired:
			backoff.Reset()
			log.Debug("Listen expired, reconnecting")
		default:
			delay := backoff.Next()
			log.WithError(last.Err).WithField("retry_in", delay.String()).Warn("Push connection lost")
			if !sleep(ctx, delay) {
				return nil
			}
		}
	}
}

func (e *Engine) syncNewMail(ctx context.Context, folder *types.Folder, log *logrus.Entry) {
	res, err := e.SyncFolder(ctx, folder.AccountID, folder.ID, FolderOptions{Mode: Incremental})
	if err != nil {
		if !errors.Is(err, ErrCancelled) {
			log.WithError(err).Warn("Incremental sync failed")
		}
		return
	}
	if n := len(res.NewMessages); n > 0 {
		log.WithField("new", n).Info("New messages synced")
	}
}

// BootstrapAccount runs the initial fast sync of an account, retrying
// transient failures with the reconnect backoff until it succeeds or ctx
// is done. Authentication, TLS and unknown-account failures are returned
// at once.
func (e *Engine) BootstrapAccount(ctx context.Context, accountID int) (*types.SyncResult, error) {
	backoff := &reliability.Backoff{Config: e.reconnectConfig()}
	for {
		res, err := e.SyncAccount(ctx, accountID, AccountOptions{Mode: InitialFast})
		if err == nil || errors.Is(err, ErrCancelled) || errors.Is(err, cache.ErrNotFound) || !reliability.ShouldRetry(err) {
			return res, err
		}

		delay := backoff.Next()
		e.logger.WithError(err).WithFields(logrus.Fields{
			"account_id": accountID,
			"retry_in":   delay.String(),
		}).Warn("Initial sync failed, retrying")
		if !sleep(ctx, delay) {
			return res, fmt.Errorf("%w: %w", ErrCancelled, ctx.Err())
		}
	}
}

func (e *Engine) reconnectConfig() reliability.RetryConfig {
	if e.reconnect != nil {
		return *e.reconnect
	}
	return reliability.ReconnectConfig()
}

// RunCatchUp periodically continues catch-up on every bootstrapped folder
// whose account is not paused, until ctx is done. ResumeCatchUp triggers an
// immediate pass. Folders run in the background, at most FolderConcurrency
// per account, and each run stops after CatchUpPassBatches batches so a
// slow folder never holds back the others.
func (e *Engine) RunCatchUp(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultCatchUpInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	p := workers.New()
	defer p.Wait()

	for {
		e.catchUpPass(ctx, p)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-e.wake:
		}
	}
}

func (e *Engine) catchUpPass(ctx context.Context, p *workers.Pool) {
	folders, err := e.store.ListFolders(ctx, nil)
	if err != nil {
		if ctx.Err() == nil {
			e.logger.WithError(err).Warn("Failed to list folders for catch-up")
		}
		return
	}

	for i := range folders {
		folder := folders[i]
		if ctx.Err() != nil {
			return
		}
		if folder.NeedsBootstrap() || folder.CatchUpComplete() || e.isPaused(folder.AccountID) {
			continue
		}
		if !e.claimCatchUp(&folder) {
			continue
		}
		p.Go(func() {
			more := e.catchUpFolder(ctx, &folder)
			e.releaseCatchUp(&folder)
			if more {
				e.wakeCatchUp()
			}
		})
	}
}

// claimCatchUp marks folder as running unless it already runs or its
// account is at its concurrency limit.
func (e *Engine) claimCatchUp(folder *types.Folder) bool {
	key := folderKey{folder.AccountID, folder.ID}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.catchingUp[key] || e.running[folder.AccountID] >= e.cfg.FolderConcurrency {
		return false
	}
	e.catchingUp[key] = true
	e.running[folder.AccountID]++
	return true
}

func (e *Engine) releaseCatchUp(folder *types.Folder) {
	e.mu.Lock()
	delete(e.catchingUp, folderKey{folder.AccountID, folder.ID})
	if e.running[folder.AccountID]--; e.running[folder.AccountID] <= 0 {
		delete(e.running, folder.AccountID)
	}
	e.mu.Unlock()
}

// catchUpFolder runs one capped catch-up and reports whether the folder
// should go straight into the next pass.
func (e *Engine) catchUpFolder(ctx context.Context, folder *types.Folder) bool {
	log := e.logger.WithFields(logrus.Fields{
		"account": folder.AccountName,
		"folder":  folder.Path,
	})
	res, err := e.run(ctx, folder.AccountName, folder, kindCatchUp, e.cfg.CatchUpPassBatches)
	switch {
	case err != nil:
		if !errors.Is(err, ErrCancelled) {
			log.WithError(err).Warn("Catch-up failed")
		}
		return false
	case len(res.NewMessages) > 0:
		log.WithFields(logrus.Fields{
			"new":      len(res.NewMessages),
			"backfill": folder.BackfillCursorUID,
		}).Debug("Catch-up progressed")
	}
	return !res.Paused && ctx.Err() == nil
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
