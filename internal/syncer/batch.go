package syncer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/brandon/mailsync/internal/cache"
	"github.com/brandon/mailsync/internal/connpool"
	"github.com/brandon/mailsync/internal/coordinator"
	"github.com/brandon/mailsync/internal/dedup"
	"github.com/brandon/mailsync/internal/email"
	"github.com/brandon/mailsync/pkg/types"
)

type batchKind int

const (
	kindBootstrap batchKind = iota
	kindIncremental
	kindCatchUp
)

func (k batchKind) String() string {
	switch k {
	case kindBootstrap:
		return "bootstrap"
	case kindIncremental:
		return "incremental"
	default:
		return "catch_up"
	}
}

func (k batchKind) leaseMode() coordinator.Mode {
	switch k {
	case kindBootstrap:
		return coordinator.ModeBootstrap
	case kindIncremental:
		return coordinator.ModeIncremental
	default:
		return coordinator.ModeCatchUp
	}
}

func (k batchKind) state() types.SyncState {
	switch k {
	case kindBootstrap:
		return types.StateBootstrapping
	case kindIncremental:
		return types.StateIncremental
	default:
		return types.StateCatchingUp
	}
}

func kindOf(mode FolderMode) batchKind {
	if mode == CatchUp {
		return kindCatchUp
	}
	return kindIncremental
}

// batchOutcome describes one committed batch.
type batchOutcome struct {
	ran     batchKind
	done    bool
	reset   bool
	fetched int
	new     []*types.Email
}

func brokenSession(err error) bool {
	return errors.Is(err, email.ErrConnectionFailed) ||
		errors.Is(err, email.ErrProtocolParse) ||
		errors.Is(err, email.ErrTimeout)
}

func (e *Engine) bootstrapOnly(ctx context.Context, account string, folder *types.Folder) (*types.SyncResult, error) {
	return e.run(ctx, account, folder, kindBootstrap, 0)
}

func (e *Engine) syncFolder(ctx context.Context, account string, folder *types.Folder, mode FolderMode) (*types.SyncResult, error) {
	return e.run(ctx, account, folder, kindOf(mode), 0)
}

// run drives batches of one kind until the folder is caught up in that
// direction, or until maxBatches batches ran when maxBatches > 0. Pause and
// cancellation are honoured between batches only.
func (e *Engine) run(ctx context.Context, account string, folder *types.Folder, kind batchKind, maxBatches int) (*types.SyncResult, error) {
	result := &types.SyncResult{Account: account, StartedAt: e.now()}
	fr := types.FolderResult{FolderID: folder.ID, Path: folder.Path}
	finish := func(err error) (*types.SyncResult, error) {
		fr.State = folder.SyncState
		if err != nil && !errors.Is(err, ErrCancelled) {
			fr.Error = err.Error()
		}
		result.Folders = append(result.Folders, fr)
		result.FinishedAt = e.now()
		return result, err
	}
	pause := func() (*types.SyncResult, error) {
		e.persistState(ctx, folder, types.StatePaused, nil)
		result.Paused = true
		return finish(nil)
	}

	log := e.logger.WithFields(logrus.Fields{
		"account": account,
		"folder":  folder.Path,
		"mode":    kind.String(),
	})

	for {
		if err := ctx.Err(); err != nil {
			if kind == kindCatchUp {
				e.persistState(ctx, folder, types.StatePaused, nil)
				result.Paused = true
			}
			return finish(fmt.Errorf("%w: %w", ErrCancelled, err))
		}
		if kind == kindCatchUp && e.isPaused(folder.AccountID) {
			return pause()
		}

		out, err := e.runWithRetries(ctx, account, folder, kind, log)
		if err != nil {
			if ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
				continue
			}
			log.WithError(err).Error("Folder sync failed")
			e.persistState(ctx, folder, types.StateError, err)
			return finish(err)
		}

		fr.Batches++
		fr.Fetched += out.fetched
		fr.New += len(out.new)
		fr.Reset = fr.Reset || out.reset
		result.NewMessages = append(result.NewMessages, out.new...)
		if out.done || (maxBatches > 0 && fr.Batches >= maxBatches) {
			return finish(nil)
		}
	}
}

// runWithRetries repeats a batch that failed to parse. Each attempt starts
// from the committed checkpoint on a fresh connection.
func (e *Engine) runWithRetries(ctx context.Context, account string, folder *types.Folder, kind batchKind, log *logrus.Entry) (*batchOutcome, error) {
	for attempt := 0; ; attempt++ {
		out, err := e.runBatch(ctx, account, folder, kind)
		if err == nil || !errors.Is(err, email.ErrProtocolParse) || attempt >= e.cfg.ParseRetries {
			return out, err
		}
		log.WithError(err).WithField("attempt", attempt+1).Warn("Discarding batch after parse error")
	}
}

// runBatch holds the folder lease for exactly one batch.
func (e *Engine) runBatch(ctx context.Context, account string, folder *types.Folder, kind batchKind) (*batchOutcome, error) {
	lease, err := e.leases.Acquire(ctx, folder.AccountID, folder.ID, kind.leaseMode())
	if err != nil {
		return nil, err
	}
	defer e.leases.Release(lease)

	// The previous holder may have moved the cursors.
	fresh, err := e.store.GetFolder(ctx, folder.ID)
	if err != nil {
		return nil, err
	}
	*folder = *fresh

	run := kind
	switch {
	case folder.NeedsBootstrap():
		run = kindBootstrap
	case kind == kindBootstrap:
		return &batchOutcome{ran: kind, done: true}, nil
	case kind == kindCatchUp && folder.CatchUpComplete():
		return &batchOutcome{ran: kind, done: true}, nil
	}

	conn, err := e.pool.Checkout(ctx, account)
	if err != nil {
		return nil, fmt.Errorf("failed to check out connection: %w", err)
	}
	out, err := e.fetchAndCommit(ctx, conn, folder, run)
	e.giveBack(conn, err)
	if err != nil {
		return nil, err
	}
	if out.ran != kind {
		out.done = false
	}
	return out, nil
}

// fetchAndCommit runs one batch on a checked out connection. Once the lease
// is held the batch runs to completion regardless of ctx.
func (e *Engine) fetchAndCommit(ctx context.Context, conn *connpool.Conn, folder *types.Folder, run batchKind) (*batchOutcome, error) {
	bctx := context.WithoutCancel(ctx)
	log := e.logger.WithFields(logrus.Fields{
		"account": folder.AccountName,
		"folder":  folder.Path,
		"conn":    conn.ID(),
	})

	sel, err := conn.SelectFolder(folder.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to select %s: %w", folder.Path, err)
	}

	out := &batchOutcome{ran: run}
	if folder.UIDValidity != 0 && sel.UIDValidity != folder.UIDValidity {
		log.WithFields(logrus.Fields{
			"stored": folder.UIDValidity,
			"server": sel.UIDValidity,
		}).Info("UIDVALIDITY changed, resetting folder")
		if err := e.store.ResetFolder(bctx, folder.ID); err != nil {
			return nil, err
		}
		folder.UIDValidity = 0
		folder.ForwardCursorUID = 0
		folder.BackfillCursorUID = 0
		run = kindBootstrap
		out.ran = run
		out.reset = true
	}

	prev := folder.SyncState
	e.setState(folder, run.state())

	uids, complete, err := e.enumerate(conn, folder, sel, run)
	if err != nil {
		return nil, err
	}

	var (
		msgs          []cache.BatchMessage
		windowReached bool
	)
	if len(uids) > 0 {
		msgs, windowReached, err = e.fetch(bctx, conn, folder, uids, run)
		if err != nil {
			return nil, err
		}
	}

	cp := cache.Checkpoint{UIDValidity: sel.UIDValidity, MessageCount: int(sel.Messages)}
	switch run {
	case kindBootstrap:
		cp.State = types.StateIncremental
		if len(uids) == 0 {
			if sel.UIDNext > 1 {
				cp.Forward = sel.UIDNext - 1
			}
			cp.Backfill = 1
		} else {
			cp.Forward = uids[len(uids)-1]
			cp.Backfill = uids[0]
			if complete {
				cp.Backfill = 1
			}
		}
		out.done = true
	case kindIncremental:
		cp.State = types.StateIncremental
		if prev == types.StateCatchingUp || prev == types.StatePaused {
			cp.State = prev
		}
		if len(uids) > 0 {
			cp.Forward = uids[len(uids)-1]
		}
		out.done = complete
	case kindCatchUp:
		cp.State = types.StateCatchingUp
		if len(uids) > 0 {
			cp.Backfill = uids[0]
		}
		if complete || windowReached {
			cp.Backfill = 1
			cp.State = types.StateIncremental
		}
		out.done = complete || windowReached
	}

	res, err := e.store.CommitBatch(bctx, &cache.Batch{
		AccountID:  folder.AccountID,
		FolderID:   folder.ID,
		Messages:   msgs,
		Checkpoint: cp,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to commit batch: %w", err)
	}

	folder.UIDValidity = sel.UIDValidity
	folder.ForwardCursorUID = res.Forward
	folder.BackfillCursorUID = res.Backfill
	e.setState(folder, cp.State)

	out.fetched = len(msgs)
	out.new = res.New
	log.WithFields(logrus.Fields{
		"mode":     run.String(),
		"uids":     len(uids),
		"new":      len(res.New),
		"forward":  res.Forward,
		"backfill": res.Backfill,
	}).Debug("Batch synced")
	return out, nil
}

// enumerate picks the UIDs of the next batch, ascending. complete reports
// that nothing remains in the batch's direction afterwards.
func (e *Engine) enumerate(conn *connpool.Conn, folder *types.Folder, sel *email.SelectResult, run batchKind) ([]uint32, bool, error) {
	switch run {
	case kindBootstrap:
		uids, err := conn.NewestUIDs(e.cfg.BootstrapBatch)
		if err != nil {
			return nil, false, fmt.Errorf("failed to list newest uids: %w", err)
		}
		return uids, int(sel.Messages) <= e.cfg.BootstrapBatch, nil

	case kindIncremental:
		uids, err := conn.SearchUIDs(email.UIDRange{From: folder.ForwardCursorUID + 1})
		if err != nil {
			return nil, false, fmt.Errorf("failed to search new uids: %w", err)
		}
		uids = above(uids, folder.ForwardCursorUID)
		if len(uids) > e.cfg.IncrementalBatch {
			return uids[:e.cfg.IncrementalBatch], false, nil
		}
		return uids, true, nil

	default:
		if folder.BackfillCursorUID <= 1 {
			return nil, true, nil
		}
		uids, err := conn.SearchUIDs(email.UIDRange{From: 1, To: folder.BackfillCursorUID - 1})
		if err != nil {
			return nil, false, fmt.Errorf("failed to search older uids: %w", err)
		}
		if len(uids) > e.cfg.CatchUpBatch {
			return uids[len(uids)-e.cfg.CatchUpBatch:], false, nil
		}
		return uids, true, nil
	}
}

func above(uids []uint32, floor uint32) []uint32 {
	out := uids[:0]
	for _, u := range uids {
		if u > floor {
			out = append(out, u)
		}
	}
	return out
}

// fetch downloads the batch and resolves every message's identity. During
// catch-up, messages older than the sync window are dropped and
// windowReached is set.
func (e *Engine) fetch(ctx context.Context, conn *connpool.Conn, folder *types.Folder, uids []uint32, run batchKind) ([]cache.BatchMessage, bool, error) {
	headers, err := conn.FetchHeaders(uids)
	if err != nil {
		return nil, false, fmt.Errorf("failed to fetch headers: %w", err)
	}
	sort.Slice(headers, func(i, j int) bool { return headers[i].UID < headers[j].UID })

	windowReached := false
	if run == kindCatchUp && e.cfg.SyncWindow > 0 {
		cutoff := e.now().Add(-e.cfg.SyncWindow)
		kept := headers[:0]
		for _, h := range headers {
			if messageDate(h).Before(cutoff) {
				windowReached = true
				continue
			}
			kept = append(kept, h)
		}
		headers = kept
	}
	if len(headers) == 0 {
		return nil, windowReached, nil
	}

	wanted := make([]uint32, len(headers))
	for i, h := range headers {
		wanted[i] = h.UID
	}
	bodies, err := conn.FetchBodies(wanted)
	if err != nil {
		return nil, false, fmt.Errorf("failed to fetch bodies: %w", err)
	}
	byUID := make(map[uint32]*email.Body, len(bodies))
	for _, b := range bodies {
		byUID[b.UID] = b
	}

	scope := e.resolver.Batch(folder.AccountID, folder.ID)
	msgs := make([]cache.BatchMessage, 0, len(headers))
	for _, h := range headers {
		body := byUID[h.UID]
		if body == nil {
			return nil, false, fmt.Errorf("uid %d: %w: no body returned", h.UID, email.ErrProtocolParse)
		}
		in := dedup.Message{
			UID:         h.UID,
			MessageID:   h.MessageID,
			SenderEmail: h.SenderEmail,
			Subject:     h.Subject,
			Date:        h.Date,
			Size:        h.Size,
			Raw:         body.Raw,
		}
		ident, err := scope.Resolve(ctx, in)
		if err != nil {
			return nil, false, err
		}

		em := &types.Email{
			AccountID:   folder.AccountID,
			AccountName: folder.AccountName,
			StableID:    ident.StableID,
			MessageID:   h.MessageID,
			InReplyTo:   h.InReplyTo,
			References:  h.References,
			Subject:     h.Subject,
			SenderName:  h.SenderName,
			SenderEmail: h.SenderEmail,
			Recipients:  h.Recipients,
			Date:        messageDate(h),
			Size:        h.Size,
			Flags:       h.Flags,
			Fingerprint: ident.Fingerprint,
			FolderID:    folder.ID,
			FolderPath:  folder.Path,
			UID:         h.UID,
			BodyText:    body.Text,
			BodyHTML:    body.HTML,
		}
		msgs = append(msgs, cache.BatchMessage{Email: em, UID: h.UID})
	}
	return msgs, windowReached, nil
}

func messageDate(h *email.Header) time.Time {
	if !h.Date.IsZero() {
		return h.Date
	}
	return h.InternalDate
}
