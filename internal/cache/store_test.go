package cache

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brandon/mailsync/internal/config"
	"github.com/brandon/mailsync/pkg/types"
)

func newTestStore(t *testing.T) (*Store, int) {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	c, err := NewCache(Options{Path: filepath.Join(t.TempDir(), "cache.db")}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })

	s, err := NewStore(c, 16, logger)
	require.NoError(t, err)

	accountID, err := s.UpsertAccount(context.Background(), &config.AccountConfig{
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
	return s, accountID
}

func testEmail(stableID, messageID, subject string) *types.Email {
	return &types.Email{
		StableID:    stableID,
		MessageID:   messageID,
		Subject:     subject,
		SenderEmail: "alice@example.com",
		Recipients:  []string{"me@example.com"},
		Date:        time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
		BodyText:    "hello " + subject,
		Fingerprint: "fp-" + stableID,
	}
}

func commit(t *testing.T, s *Store, accountID, folderID int, cp Checkpoint, msgs ...BatchMessage) *CommitResult {
	t.Helper()
	if cp.State == "" {
		cp.State = types.StateIncremental
	}
	res, err := s.CommitBatch(context.Background(), &Batch{
		AccountID:  accountID,
		FolderID:   folderID,
		Messages:   msgs,
		Checkpoint: cp,
	})
	require.NoError(t, err)
	return res
}

func TestUpsertFolderKeepsCheckpoint(t *testing.T) {
	s, accountID := newTestStore(t)
	ctx := context.Background()

	id, err := s.UpsertFolder(ctx, accountID, "INBOX", "INBOX", types.FolderInbox, 3)
	require.NoError(t, err)

	f, err := s.GetFolder(ctx, id)
	require.NoError(t, err)
	assert.True(t, f.NeedsBootstrap())
	assert.Equal(t, types.StateBootstrapping, f.SyncState)
	assert.Equal(t, "work", f.AccountName)

	commit(t, s, accountID, id, Checkpoint{UIDValidity: 7, Forward: 40, Backfill: 11})

	again, err := s.UpsertFolder(ctx, accountID, "INBOX", "INBOX", types.FolderInbox, 50)
	require.NoError(t, err)
	assert.Equal(t, id, again)

	f, err = s.GetFolderByPath(ctx, accountID, "INBOX")
	require.NoError(t, err)
	assert.Equal(t, uint32(7), f.UIDValidity)
	assert.Equal(t, uint32(40), f.ForwardCursorUID)
	assert.Equal(t, uint32(11), f.BackfillCursorUID)
	assert.Equal(t, 50, f.MessageCount)
	assert.NotNil(t, f.LastSynced)

	byType, err := s.GetFolderByType(ctx, accountID, types.FolderInbox)
	require.NoError(t, err)
	assert.Equal(t, id, byType.ID)

	_, err = s.GetFolderByType(ctx, accountID, types.FolderSent)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestCursorsOnlyMoveOutward(t *testing.T) {
	s, accountID := newTestStore(t)
	ctx := context.Background()
	id, err := s.UpsertFolder(ctx, accountID, "INBOX", "INBOX", types.FolderInbox, 0)
	require.NoError(t, err)

	res := commit(t, s, accountID, id, Checkpoint{UIDValidity: 1, Forward: 100, Backfill: 70})
	assert.Equal(t, uint32(100), res.Forward)
	assert.Equal(t, uint32(70), res.Backfill)

	res = commit(t, s, accountID, id, Checkpoint{UIDValidity: 1, Forward: 90, Backfill: 80})
	assert.Equal(t, uint32(100), res.Forward)
	assert.Equal(t, uint32(70), res.Backfill)

	res = commit(t, s, accountID, id, Checkpoint{UIDValidity: 1, Forward: 120})
	assert.Equal(t, uint32(120), res.Forward)
	assert.Equal(t, uint32(70), res.Backfill)

	res = commit(t, s, accountID, id, Checkpoint{UIDValidity: 1, Backfill: 1, State: types.StateIncremental})
	assert.Equal(t, uint32(120), res.Forward)
	assert.Equal(t, uint32(1), res.Backfill)
}

func TestCommitRejectsStaleUIDValidity(t *testing.T) {
	s, accountID := newTestStore(t)
	ctx := context.Background()
	id, err := s.UpsertFolder(ctx, accountID, "INBOX", "INBOX", types.FolderInbox, 0)
	require.NoError(t, err)
	commit(t, s, accountID, id, Checkpoint{UIDValidity: 1, Forward: 5, Backfill: 1})

	_, err = s.CommitBatch(ctx, &Batch{
		AccountID:  accountID,
		FolderID:   id,
		Messages:   []BatchMessage{{Email: testEmail("s1", "a@x", "one"), UID: 6}},
		Checkpoint: Checkpoint{UIDValidity: 2, Forward: 6, State: types.StateIncremental},
	})
	require.ErrorIs(t, err, ErrCheckpointConflict)

	has, err := s.HasEmails(ctx, accountID)
	require.NoError(t, err)
	assert.False(t, has, "rejected batch leaves no rows")

	f, err := s.GetFolder(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, uint32(5), f.ForwardCursorUID)
}

func TestSameStableIDInTwoFoldersIsOneEmail(t *testing.T) {
	s, accountID := newTestStore(t)
	ctx := context.Background()
	inbox, err := s.UpsertFolder(ctx, accountID, "INBOX", "INBOX", types.FolderInbox, 0)
	require.NoError(t, err)
	archive, err := s.UpsertFolder(ctx, accountID, "Archive", "Archive", types.FolderArchive, 0)
	require.NoError(t, err)

	res := commit(t, s, accountID, inbox, Checkpoint{UIDValidity: 1, Forward: 3, Backfill: 3},
		BatchMessage{Email: testEmail("s1", "a@x", "one"), UID: 3})
	require.Len(t, res.New, 1)
	emailID := res.New[0].ID

	seen := testEmail("s1", "a@x", "one")
	seen.Flags = []string{`\Seen`}
	res = commit(t, s, accountID, archive, Checkpoint{UIDValidity: 9, Forward: 12, Backfill: 12},
		BatchMessage{Email: seen, UID: 12})
	assert.Empty(t, res.New)
	assert.Equal(t, 1, res.Updated)
	assert.Equal(t, emailID, seen.ID)

	ident, err := s.LookupIdentity(ctx, accountID, "s1")
	require.NoError(t, err)
	require.NotNil(t, ident)
	assert.Equal(t, "fp-s1", ident.Fingerprint)
	assert.Equal(t, []types.EmailFolder{
		{EmailID: emailID, FolderID: inbox, UID: 3},
		{EmailID: emailID, FolderID: archive, UID: 12},
	}, ident.Locations)

	stable, ok, err := s.StableIDAt(ctx, archive, 12)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "s1", stable)

	_, ok, err = s.StableIDAt(ctx, archive, 13)
	require.NoError(t, err)
	assert.False(t, ok)

	missing, err := s.LookupIdentity(ctx, accountID, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)

	email, err := s.GetEmail(ctx, emailID)
	require.NoError(t, err)
	assert.Equal(t, []string{`\Seen`}, email.Flags)
	assert.Equal(t, "INBOX", email.FolderPath)
	assert.True(t, email.Date.Equal(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)))
}

func TestResetFolderClearsLocations(t *testing.T) {
	s, accountID := newTestStore(t)
	ctx := context.Background()
	id, err := s.UpsertFolder(ctx, accountID, "INBOX", "INBOX", types.FolderInbox, 0)
	require.NoError(t, err)
	commit(t, s, accountID, id, Checkpoint{UIDValidity: 1, Forward: 2, Backfill: 1},
		BatchMessage{Email: testEmail("s1", "a@x", "one"), UID: 1},
		BatchMessage{Email: testEmail("s2", "b@x", "two"), UID: 2})

	require.NoError(t, s.ResetFolder(ctx, id))

	f, err := s.GetFolder(ctx, id)
	require.NoError(t, err)
	assert.True(t, f.NeedsBootstrap())
	assert.Zero(t, f.ForwardCursorUID)
	assert.Zero(t, f.BackfillCursorUID)
	assert.Equal(t, types.StateBootstrapping, f.SyncState)

	n, err := s.CountLocations(ctx, id)
	require.NoError(t, err)
	assert.Zero(t, n)

	// Emails survive and are relinked by the next epoch.
	res := commit(t, s, accountID, id, Checkpoint{UIDValidity: 2, Forward: 1, Backfill: 1},
		BatchMessage{Email: testEmail("s1", "a@x", "one"), UID: 1})
	assert.Empty(t, res.New)
	uids, err := s.FolderUIDs(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []uint32{1}, uids)
}

func TestThreadsFollowReferences(t *testing.T) {
	s, accountID := newTestStore(t)
	ctx := context.Background()
	id, err := s.UpsertFolder(ctx, accountID, "INBOX", "INBOX", types.FolderInbox, 0)
	require.NoError(t, err)

	parent := testEmail("p", "root@x", "plan")
	parent.Flags = []string{`\Seen`}
	res := commit(t, s, accountID, id, Checkpoint{UIDValidity: 1, Forward: 1, Backfill: 1},
		BatchMessage{Email: parent, UID: 1})
	threadID := res.New[0].ThreadID
	require.NotZero(t, threadID)

	reply := testEmail("r", "reply@x", "Re: plan")
	reply.InReplyTo = "root@x"
	reply.References = []string{"root@x"}
	reply.Date = parent.Date.Add(time.Hour)
	other := testEmail("o", "other@x", "unrelated")
	res = commit(t, s, accountID, id, Checkpoint{UIDValidity: 1, Forward: 3},
		BatchMessage{Email: reply, UID: 2},
		BatchMessage{Email: other, UID: 3})
	require.Len(t, res.New, 2)
	assert.Equal(t, threadID, res.New[0].ThreadID)
	assert.NotEqual(t, threadID, res.New[1].ThreadID)

	threads, err := s.ListThreads(ctx, accountID, 10)
	require.NoError(t, err)
	require.Len(t, threads, 2)
	var plan types.Thread
	for _, th := range threads {
		if th.ID == threadID {
			plan = th
		}
	}
	assert.Equal(t, 2, plan.MessageCount)
	assert.Equal(t, 1, plan.UnreadCount)
	assert.True(t, plan.LatestDate.Equal(reply.Date))
}

func TestThreadJoinsEarlierReply(t *testing.T) {
	s, accountID := newTestStore(t)
	ctx := context.Background()
	id, err := s.UpsertFolder(ctx, accountID, "INBOX", "INBOX", types.FolderInbox, 0)
	require.NoError(t, err)

	// Catch-up stores the reply before the message it answers.
	reply := testEmail("r", "reply@x", "Re: plan")
	reply.InReplyTo = "root@x"
	res := commit(t, s, accountID, id, Checkpoint{UIDValidity: 1, Forward: 9, Backfill: 9},
		BatchMessage{Email: reply, UID: 9})
	threadID := res.New[0].ThreadID

	res = commit(t, s, accountID, id, Checkpoint{UIDValidity: 1, Backfill: 4},
		BatchMessage{Email: testEmail("p", "root@x", "plan"), UID: 4})
	assert.Equal(t, threadID, res.New[0].ThreadID)
}

func TestSearch(t *testing.T) {
	s, accountID := newTestStore(t)
	ctx := context.Background()
	id, err := s.UpsertFolder(ctx, accountID, "INBOX", "INBOX", types.FolderInbox, 0)
	require.NoError(t, err)

	invoice := testEmail("a", "a@x", "Invoice March")
	invoice.BodyText = "please find the quarterly invoice attached"
	lunch := testEmail("b", "b@x", "Lunch")
	lunch.SenderEmail = "bob@example.com"
	lunch.BodyText = "tacos at noon"
	commit(t, s, accountID, id, Checkpoint{UIDValidity: 1, Forward: 2, Backfill: 1},
		BatchMessage{Email: invoice, UID: 1},
		BatchMessage{Email: lunch, UID: 2})

	body := "quarterly"
	results, err := s.Search(ctx, SearchOptions{Body: &body})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "Invoice March", results[0].Subject)
	assert.Equal(t, "INBOX", results[0].FolderPath)

	sender := "bob@"
	results, err = s.Search(ctx, SearchOptions{Sender: &sender, FolderID: &id})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "Lunch", results[0].Subject)

	injected := `tacos" OR "x`
	_, err = s.Search(ctx, SearchOptions{Body: &injected})
	require.NoError(t, err)
}

func TestOutboxLifecycle(t *testing.T) {
	s, accountID := newTestStore(t)
	ctx := context.Background()

	entry := &types.OutboxEntry{
		ID:         "e1",
		AccountID:  accountID,
		MessageID:  "m1@x",
		From:       "me@example.com",
		Recipients: []string{"bob@example.com"},
		Raw:        []byte("Subject: hi\r\n\r\nhello"),
		State:      types.OutboxQueued,
	}
	require.NoError(t, s.InsertOutbox(ctx, entry))

	pending, err := s.PendingOutbox(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "work", pending[0].Account)
	assert.Equal(t, entry.Raw, pending[0].Raw)

	entry.State = types.OutboxSent
	entry.Attempts = 1
	require.NoError(t, s.UpdateOutbox(ctx, entry))

	pending, err = s.PendingOutbox(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)

	got, err := s.GetOutbox(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, types.OutboxSent, got.State)
	assert.Equal(t, 1, got.Attempts)

	_, err = s.GetOutbox(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)
}
