package syncer

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brandon/mailsync/internal/cache"
	"github.com/brandon/mailsync/internal/config"
	"github.com/brandon/mailsync/internal/connpool"
	"github.com/brandon/mailsync/internal/coordinator"
	"github.com/brandon/mailsync/internal/email"
	"github.com/brandon/mailsync/internal/email/mailtest"
	"github.com/brandon/mailsync/internal/reliability"
	"github.com/brandon/mailsync/pkg/types"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

type harness struct {
	srv       *mailtest.Server
	store     *cache.Store
	pool      *connpool.Pool
	engine    *Engine
	accountID int
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	logger := quietLogger()

	c, err := cache.NewCache(cache.Options{Path: filepath.Join(t.TempDir(), "cache.db")}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })

	store, err := cache.NewStore(c, 64, logger)
	require.NoError(t, err)
	accountID, err := store.UpsertAccount(context.Background(), &config.AccountConfig{
		Name:         "work",
		Active:       true,
		IMAPHost:     "imap.example.com",
		IMAPPort:     993,
		IMAPUsername: "me",
		SMTPHost:     "smtp.example.com",
		SMTPPort:     587,
		SMTPUsername: "me",
	})
	require.NoError(t, err)

	srv := mailtest.NewServer()
	pool := connpool.New(connpool.Config{MaxConnections: 4}, srv.Dial, logger)
	t.Cleanup(pool.Close)

	return &harness{
		srv:       srv,
		store:     store,
		pool:      pool,
		engine:    New(cfg, store, pool, logger),
		accountID: accountID,
	}
}

func (h *harness) bootstrap(t *testing.T) *types.SyncResult {
	t.Helper()
	res, err := h.engine.SyncAccount(context.Background(), h.accountID, AccountOptions{Mode: InitialFast})
	require.NoError(t, err)
	return res
}

func (h *harness) folder(t *testing.T, path string) *types.Folder {
	t.Helper()
	f, err := h.store.GetFolderByPath(context.Background(), h.accountID, path)
	require.NoError(t, err)
	return f
}

func (h *harness) sync(t *testing.T, path string, mode FolderMode) *types.SyncResult {
	t.Helper()
	res, err := h.engine.SyncFolder(context.Background(), h.accountID, h.folder(t, path).ID, FolderOptions{Mode: mode})
	require.NoError(t, err)
	return res
}

func (h *harness) locations(t *testing.T, path string) int {
	t.Helper()
	n, err := h.store.CountLocations(context.Background(), h.folder(t, path).ID)
	require.NoError(t, err)
	return n
}

func uidRange(from, to uint32) []uint32 {
	var out []uint32
	for u := from; u <= to; u++ {
		out = append(out, u)
	}
	return out
}

func sorted(uids []uint32) []uint32 {
	out := append([]uint32(nil), uids...)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func indexOf(uids []uint32, uid uint32) int {
	for i, u := range uids {
		if u == uid {
			return i
		}
	}
	return -1
}

func TestInitialFastBootstrapsNewestPage(t *testing.T) {
	h := newHarness(t, Config{BootstrapBatch: 10})
	h.srv.Populate("INBOX", 50)
	h.srv.AddMailbox("Sent", `\Sent`)
	h.srv.Populate("Sent", 3)

	res := h.bootstrap(t)
	assert.Len(t, res.NewMessages, 13)
	require.Len(t, res.Folders, 2)

	inbox := h.folder(t, "INBOX")
	assert.Equal(t, uint32(50), inbox.ForwardCursorUID)
	assert.Equal(t, uint32(41), inbox.BackfillCursorUID)
	assert.Equal(t, uint32(1), inbox.UIDValidity)
	assert.Equal(t, 50, inbox.MessageCount)
	assert.Equal(t, uidRange(41, 50), h.srv.FetchLog("INBOX"))

	sent := h.folder(t, "Sent")
	assert.Equal(t, types.FolderSent, sent.Type)
	assert.True(t, sent.CatchUpComplete(), "small folder needs no catch-up")
	assert.Equal(t, types.StateIncremental, h.engine.FolderState(h.accountID, sent.ID))

	again := h.bootstrap(t)
	assert.Empty(t, again.Folders, "bootstrapped folders are skipped")
}

func TestIncrementalAdvancesForwardCursor(t *testing.T) {
	h := newHarness(t, Config{BootstrapBatch: 10, IncrementalBatch: 10})
	h.srv.Populate("INBOX", 50)
	h.bootstrap(t)

	h.srv.Populate("INBOX", 25)
	res := h.sync(t, "INBOX", Incremental)
	require.Len(t, res.Folders, 1)
	assert.Equal(t, 3, res.Folders[0].Batches)
	assert.Len(t, res.NewMessages, 25)
	assert.Equal(t, uint32(75), h.folder(t, "INBOX").ForwardCursorUID)

	res = h.sync(t, "INBOX", Incremental)
	assert.Empty(t, res.NewMessages)
	assert.Equal(t, uint32(75), h.folder(t, "INBOX").ForwardCursorUID)

	// A message expunged before it was seen is skipped over.
	uids := h.srv.Populate("INBOX", 3)
	h.srv.Expunge("INBOX", uids[1])
	res = h.sync(t, "INBOX", Incremental)
	assert.Len(t, res.NewMessages, 2)
	assert.Equal(t, uids[2], h.folder(t, "INBOX").ForwardCursorUID)
}

func TestCatchUpCoversFolderWithoutGaps(t *testing.T) {
	h := newHarness(t, Config{BootstrapBatch: 10, CatchUpBatch: 20})
	h.srv.Populate("INBOX", 95)
	h.bootstrap(t)

	res := h.sync(t, "INBOX", CatchUp)
	assert.Len(t, res.NewMessages, 85)
	assert.Equal(t, 5, res.Folders[0].Batches)

	inbox := h.folder(t, "INBOX")
	assert.True(t, inbox.CatchUpComplete())
	assert.Equal(t, types.StateIncremental, inbox.SyncState)
	assert.Equal(t, uidRange(1, 95), sorted(h.srv.FetchLog("INBOX")))
	assert.Len(t, h.srv.FetchLog("INBOX"), 95, "no message fetched twice")
	assert.Equal(t, 95, h.locations(t, "INBOX"))

	res = h.sync(t, "INBOX", CatchUp)
	assert.Empty(t, res.NewMessages)
	assert.Len(t, h.srv.FetchLog("INBOX"), 95)
}

func TestPauseAndResumeContinueFromCursor(t *testing.T) {
	h := newHarness(t, Config{BootstrapBatch: 10, CatchUpBatch: 10})
	h.srv.Populate("INBOX", 60)
	h.bootstrap(t)

	var calls int
	h.srv.SetFetchHook(func(path string, uids []uint32) error {
		calls++
		if calls == 2 {
			h.engine.PauseCatchUp(h.accountID)
		}
		return nil
	})

	res := h.sync(t, "INBOX", CatchUp)
	assert.True(t, res.Paused)
	assert.Len(t, res.NewMessages, 20, "the batch in flight when paused still commits")

	inbox := h.folder(t, "INBOX")
	assert.Equal(t, uint32(31), inbox.BackfillCursorUID)
	assert.Equal(t, types.StatePaused, inbox.SyncState)
	assert.Equal(t, types.StatePaused, h.engine.FolderState(h.accountID, inbox.ID))

	res = h.sync(t, "INBOX", CatchUp)
	assert.True(t, res.Paused)
	assert.Empty(t, res.NewMessages)

	h.engine.ResumeCatchUp(h.accountID)
	res = h.sync(t, "INBOX", CatchUp)
	assert.False(t, res.Paused)
	assert.Len(t, res.NewMessages, 30)

	log := h.srv.FetchLog("INBOX")
	assert.Len(t, log, 60)
	assert.Equal(t, uidRange(1, 60), sorted(log))
}

func TestCancelledCatchUpEndsPaused(t *testing.T) {
	h := newHarness(t, Config{BootstrapBatch: 5, CatchUpBatch: 5})
	h.srv.Populate("INBOX", 30)
	h.bootstrap(t)

	ctx, cancel := context.WithCancel(context.Background())
	h.srv.SetFetchHook(func(string, []uint32) error {
		cancel()
		return nil
	})

	res, err := h.engine.SyncFolder(ctx, h.accountID, h.folder(t, "INBOX").ID, FolderOptions{Mode: CatchUp})
	require.ErrorIs(t, err, ErrCancelled)
	assert.True(t, res.Paused)

	inbox := h.folder(t, "INBOX")
	assert.Equal(t, uint32(21), inbox.BackfillCursorUID, "batch in flight at cancellation commits")
	assert.Equal(t, types.StatePaused, inbox.SyncState)
}

func TestUIDValidityChangeResetsAndBootstraps(t *testing.T) {
	h := newHarness(t, Config{BootstrapBatch: 5})
	h.srv.Populate("INBOX", 20)
	first := h.bootstrap(t)
	require.Len(t, first.NewMessages, 5)

	h.srv.Renumber("INBOX", 7)
	res := h.sync(t, "INBOX", Incremental)
	require.Len(t, res.Folders, 1)
	assert.True(t, res.Folders[0].Reset)
	assert.Empty(t, res.NewMessages, "known messages are relinked, not duplicated")

	inbox := h.folder(t, "INBOX")
	assert.Equal(t, uint32(7), inbox.UIDValidity)
	assert.Equal(t, uint32(20), inbox.ForwardCursorUID)
	assert.Equal(t, uint32(16), inbox.BackfillCursorUID)
	assert.Equal(t, 5, h.locations(t, "INBOX"))
}

func TestParseErrorsRetryThenFail(t *testing.T) {
	h := newHarness(t, Config{BootstrapBatch: 10, ParseRetries: 2})
	h.srv.Populate("INBOX", 10)
	h.bootstrap(t)
	h.srv.Populate("INBOX", 3)

	var attempts int
	h.srv.SetFetchHook(func(string, []uint32) error {
		attempts++
		return fmt.Errorf("%w: literal shorter than declared", email.ErrProtocolParse)
	})
	dials := h.srv.Dials()

	inbox := h.folder(t, "INBOX")
	res, err := h.engine.SyncFolder(context.Background(), h.accountID, inbox.ID, FolderOptions{Mode: Incremental})
	require.ErrorIs(t, err, email.ErrProtocolParse)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, dials+2, h.srv.Dials(), "retries run on fresh connections")
	require.Len(t, res.Folders, 1)
	assert.NotEmpty(t, res.Folders[0].Error)
	assert.Equal(t, types.StateError, h.engine.FolderState(h.accountID, inbox.ID))

	inbox = h.folder(t, "INBOX")
	assert.Equal(t, types.StateError, inbox.SyncState)
	assert.Contains(t, inbox.LastError, "literal shorter than declared")
	assert.Equal(t, uint32(10), inbox.ForwardCursorUID)

	attempts = 0
	h.srv.SetFetchHook(func(string, []uint32) error {
		attempts++
		if attempts == 1 {
			return fmt.Errorf("%w: unexpected byte", email.ErrProtocolParse)
		}
		return nil
	})
	res = h.sync(t, "INBOX", Incremental)
	assert.Len(t, res.NewMessages, 3)
	assert.Equal(t, uint32(13), h.folder(t, "INBOX").ForwardCursorUID)
}

func TestMissingAndDuplicateMessageIDsStayDistinct(t *testing.T) {
	h := newHarness(t, Config{})
	h.srv.AddMessages("INBOX",
		mailtest.Message{MessageID: "same@example.com", From: "a@example.com", Subject: "one", Body: "first"},
		mailtest.Message{MessageID: "same@example.com", From: "b@example.com", Subject: "two", Body: "second"},
		mailtest.Message{From: "c@example.com", Subject: "three", Body: "third"},
		mailtest.Message{From: "c@example.com", Subject: "four", Body: "fourth"},
	)

	res := h.bootstrap(t)
	require.Len(t, res.NewMessages, 4)
	ids := make(map[string]bool)
	for _, m := range res.NewMessages {
		ids[m.StableID] = true
	}
	assert.Len(t, ids, 4)
	assert.Equal(t, 4, h.locations(t, "INBOX"))
}

func TestSameMessageInTwoFoldersIsOneEmail(t *testing.T) {
	h := newHarness(t, Config{})
	msg := mailtest.Message{
		MessageID: "shared@example.com",
		From:      "a@example.com",
		Subject:   "shared",
		Date:      time.Date(2024, 2, 1, 8, 0, 0, 0, time.UTC),
		Body:      "same body",
	}
	h.srv.AddMailbox("Archive", `\Archive`)
	h.srv.AddMessages("INBOX", msg)
	h.srv.AddMessages("Archive", msg)

	res, err := h.engine.SyncAccount(context.Background(), h.accountID, AccountOptions{Mode: Full})
	require.NoError(t, err)
	require.Len(t, res.NewMessages, 1)

	ident, err := h.store.LookupIdentity(context.Background(), h.accountID, res.NewMessages[0].StableID)
	require.NoError(t, err)
	require.NotNil(t, ident)
	assert.Len(t, ident.Locations, 2)
}

func TestIncrementalWaitsForCatchUpBatchInFlight(t *testing.T) {
	h := newHarness(t, Config{BootstrapBatch: 10, CatchUpBatch: 10})
	h.srv.Populate("INBOX", 40)
	h.bootstrap(t)
	inbox := h.folder(t, "INBOX")

	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	h.srv.SetFetchHook(func(path string, uids []uint32) error {
		if uids[0] > 30 {
			return nil
		}
		blocked := false
		once.Do(func() { blocked = true })
		if blocked {
			close(started)
			select {
			case <-release:
			case <-time.After(5 * time.Second):
			}
		}
		return nil
	})

	catchUpDone := make(chan *types.SyncResult, 1)
	go func() {
		res, err := h.engine.SyncFolder(context.Background(), h.accountID, inbox.ID, FolderOptions{Mode: CatchUp})
		assert.NoError(t, err)
		catchUpDone <- res
	}()
	<-started

	h.srv.Populate("INBOX", 5)
	incDone := make(chan *types.SyncResult, 1)
	go func() {
		res, err := h.engine.SyncFolder(context.Background(), h.accountID, inbox.ID, FolderOptions{Mode: Incremental})
		assert.NoError(t, err)
		incDone <- res
	}()

	require.Eventually(t, func() bool {
		return h.engine.Leases().Waiting(h.accountID, inbox.ID) == 1
	}, 5*time.Second, 5*time.Millisecond)
	mode, held := h.engine.Leases().Holder(h.accountID, inbox.ID)
	require.True(t, held)
	assert.Equal(t, coordinator.ModeCatchUp, mode)
	close(release)

	inc := <-incDone
	assert.Len(t, inc.NewMessages, 5)
	cu := <-catchUpDone
	assert.Len(t, cu.NewMessages, 30)

	log := h.srv.FetchLog("INBOX")
	assert.Equal(t, uidRange(1, 45), sorted(log))
	assert.Len(t, log, 45)
	assert.Less(t, indexOf(log, 41), indexOf(log, 11), "queued incremental runs before the next catch-up batch")
	assert.Equal(t, 45, h.locations(t, "INBOX"))
}

func TestNoConcurrentBatchesForOneFolder(t *testing.T) {
	h := newHarness(t, Config{BootstrapBatch: 5, IncrementalBatch: 3, CatchUpBatch: 3})
	h.srv.Populate("INBOX", 30)
	h.bootstrap(t)
	inbox := h.folder(t, "INBOX")

	var (
		mu       sync.Mutex
		inFlight int
		maxSeen  int
	)
	h.srv.SetFetchHook(func(string, []uint32) error {
		mu.Lock()
		inFlight++
		if inFlight > maxSeen {
			maxSeen = inFlight
		}
		mu.Unlock()
		time.Sleep(2 * time.Millisecond)
		mu.Lock()
		inFlight--
		mu.Unlock()
		return nil
	})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := h.engine.SyncFolder(context.Background(), h.accountID, inbox.ID, FolderOptions{Mode: CatchUp})
		assert.NoError(t, err)
	}()
	for i := 0; i < 4; i++ {
		h.srv.Populate("INBOX", 4)
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.engine.SyncFolder(context.Background(), h.accountID, inbox.ID, FolderOptions{Mode: Incremental})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, maxSeen)
	log := h.srv.FetchLog("INBOX")
	assert.Equal(t, uidRange(1, 46), sorted(log))
	assert.Len(t, log, 46)
}

func TestSyncWindowEndsCatchUp(t *testing.T) {
	h := newHarness(t, Config{BootstrapBatch: 5, CatchUpBatch: 4, SyncWindow: 10 * time.Minute})
	h.engine.now = func() time.Time {
		return time.Date(2024, 1, 1, 0, 30, 0, 0, time.UTC)
	}
	// Message n is dated n minutes past midnight, so UIDs below 20 fall
	// outside the window.
	h.srv.Populate("INBOX", 30)
	h.bootstrap(t)

	res := h.sync(t, "INBOX", CatchUp)
	assert.Len(t, res.NewMessages, 6)

	inbox := h.folder(t, "INBOX")
	assert.True(t, inbox.CatchUpComplete())
	assert.Equal(t, 11, h.locations(t, "INBOX"))
}

func TestAuthFailureSurfacesInResult(t *testing.T) {
	h := newHarness(t, Config{})
	h.srv.Populate("INBOX", 3)
	h.bootstrap(t)

	h.pool.EvictIdle(time.Now().Add(24 * time.Hour))
	h.srv.SetDialError(fmt.Errorf("%w: invalid credentials", email.ErrAuthenticationFailed))
	h.srv.Populate("INBOX", 1)

	inbox := h.folder(t, "INBOX")
	res, err := h.engine.SyncFolder(context.Background(), h.accountID, inbox.ID, FolderOptions{Mode: Incremental})
	require.ErrorIs(t, err, email.ErrAuthenticationFailed)
	assert.Contains(t, res.Folders[0].Error, "invalid credentials")
	assert.Equal(t, types.StateError, h.engine.FolderState(h.accountID, inbox.ID))

	_, err = h.engine.SyncAccount(context.Background(), h.accountID, AccountOptions{Mode: Full})
	require.ErrorIs(t, err, email.ErrAuthenticationFailed)
}

func TestWatchFolderSyncsNewMailAndReconnects(t *testing.T) {
	h := newHarness(t, Config{BootstrapBatch: 5})
	h.engine.reconnect = &reliability.RetryConfig{InitialDelay: 5 * time.Millisecond, MaxDelay: 20 * time.Millisecond}
	h.srv.Populate("INBOX", 5)
	h.bootstrap(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.engine.WatchFolder(ctx, h.accountID, "INBOX") }()

	h.srv.Populate("INBOX", 3)
	require.Eventually(t, func() bool { return h.locations(t, "INBOX") == 8 }, 5*time.Second, 10*time.Millisecond)

	h.srv.DropListeners(errors.New("connection reset by peer"))
	h.srv.Populate("INBOX", 2)
	require.Eventually(t, func() bool { return h.locations(t, "INBOX") == 10 }, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("WatchFolder did not stop")
	}
	assert.Equal(t, uint32(10), h.folder(t, "INBOX").ForwardCursorUID)
}

func TestRunCatchUpCompletesFolders(t *testing.T) {
	h := newHarness(t, Config{BootstrapBatch: 5, CatchUpBatch: 7})
	h.srv.Populate("INBOX", 30)
	h.srv.AddMailbox("Archive", `\Archive`)
	h.srv.Populate("Archive", 12)
	h.bootstrap(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stopped := make(chan struct{})
	go func() {
		h.engine.RunCatchUp(ctx, time.Hour)
		close(stopped)
	}()

	require.Eventually(t, func() bool {
		return h.folder(t, "INBOX").CatchUpComplete() && h.folder(t, "Archive").CatchUpComplete()
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 30, h.locations(t, "INBOX"))
	assert.Equal(t, 12, h.locations(t, "Archive"))

	cancel()
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("RunCatchUp did not stop")
	}
}

func TestRunCatchUpIsNotHeldUpBySlowFolder(t *testing.T) {
	h := newHarness(t, Config{BootstrapBatch: 5, CatchUpBatch: 5, CatchUpPassBatches: 2})
	h.srv.AddMailbox("Archive", `\Archive`)
	h.srv.Populate("Archive", 30)
	h.srv.Populate("INBOX", 30)
	h.bootstrap(t)

	stalled := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	h.srv.SetFetchHook(func(path string, uids []uint32) error {
		if path != "Archive" {
			return nil
		}
		once.Do(func() { close(stalled) })
		select {
		case <-release:
		case <-time.After(10 * time.Second):
		}
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		h.engine.RunCatchUp(ctx, time.Hour)
		close(stopped)
	}()
	defer func() {
		cancel()
		<-stopped
	}()

	<-stalled
	require.Eventually(t, func() bool {
		return h.folder(t, "INBOX").CatchUpComplete()
	}, 5*time.Second, 10*time.Millisecond, "INBOX catch-up waits on Archive")
	assert.Equal(t, 30, h.locations(t, "INBOX"))
	assert.False(t, h.folder(t, "Archive").CatchUpComplete())

	close(release)
	require.Eventually(t, func() bool {
		return h.folder(t, "Archive").CatchUpComplete()
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 30, h.locations(t, "Archive"))
}

func TestBootstrapAccountRetriesUntilServerReachable(t *testing.T) {
	h := newHarness(t, Config{BootstrapBatch: 5})
	h.engine.reconnect = &reliability.RetryConfig{InitialDelay: 5 * time.Millisecond, MaxDelay: 20 * time.Millisecond}
	h.srv.Populate("INBOX", 7)
	h.srv.SetDialError(fmt.Errorf("%w: connection refused", email.ErrConnectionFailed))

	type outcome struct {
		res *types.SyncResult
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := h.engine.BootstrapAccount(context.Background(), h.accountID)
		done <- outcome{res, err}
	}()

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, h.srv.Dials())
	h.srv.SetDialError(nil)

	select {
	case out := <-done:
		require.NoError(t, out.err)
		require.NotNil(t, out.res)
	case <-time.After(5 * time.Second):
		t.Fatal("BootstrapAccount did not finish")
	}
	assert.Equal(t, 7, h.locations(t, "INBOX"))
	assert.False(t, h.folder(t, "INBOX").NeedsBootstrap())
}

func TestBootstrapAccountStopsOnAuthFailure(t *testing.T) {
	h := newHarness(t, Config{})
	h.srv.SetDialError(fmt.Errorf("%w: invalid credentials", email.ErrAuthenticationFailed))

	_, err := h.engine.BootstrapAccount(context.Background(), h.accountID)
	require.ErrorIs(t, err, email.ErrAuthenticationFailed)
}

func TestBootstrapAccountStopsWhenCancelled(t *testing.T) {
	h := newHarness(t, Config{})
	h.engine.reconnect = &reliability.RetryConfig{InitialDelay: time.Hour, MaxDelay: time.Hour}
	h.srv.SetDialError(fmt.Errorf("%w: connection refused", email.ErrConnectionFailed))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := h.engine.BootstrapAccount(ctx, h.accountID)
	require.ErrorIs(t, err, ErrCancelled)
}

func TestMissingBodyDiscardsBatch(t *testing.T) {
	h := newHarness(t, Config{BootstrapBatch: 10, ParseRetries: 1})
	h.srv.Populate("INBOX", 10)
	h.bootstrap(t)
	h.srv.Populate("INBOX", 3)
	h.srv.WithholdBodies("INBOX", 12)

	inbox := h.folder(t, "INBOX")
	_, err := h.engine.SyncFolder(context.Background(), h.accountID, inbox.ID, FolderOptions{Mode: Incremental})
	require.ErrorIs(t, err, email.ErrProtocolParse)
	assert.Contains(t, err.Error(), "uid 12")
	assert.Equal(t, uint32(10), h.folder(t, "INBOX").ForwardCursorUID)
	assert.Equal(t, 10, h.locations(t, "INBOX"))

	h.srv.WithholdBodies("INBOX")
	res := h.sync(t, "INBOX", Incremental)
	assert.Len(t, res.NewMessages, 3)
	assert.Equal(t, uint32(13), h.folder(t, "INBOX").ForwardCursorUID)
	assert.Equal(t, 13, h.locations(t, "INBOX"))
}
