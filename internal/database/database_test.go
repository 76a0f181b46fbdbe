package database

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"postrelay/internal/ledger"
	"postrelay/internal/models"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestDB(t *testing.T) *Database {
	t.Helper()
	db, err := New(filepath.Join(t.TempDir(), "postrelay.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestNew_InvalidPaths(t *testing.T) {
	tests := []struct {
		name string
		path string
	}{
		{name: "empty", path: ""},
		{name: "nul byte", path: "data\x00.db"},
		{name: "traversal", path: "../../etc/postrelay.db"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.path)
			require.Error(t, err)
			assert.Contains(t, err.Error(), "invalid database path")
		})
	}
}

func TestNew_CreatesNestedDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "nested", "postrelay.db")
	db, err := New(path)
	require.NoError(t, err)
	defer db.Close()

	assert.NoError(t, db.Ping(context.Background()))
}

func TestQuotaStore_EmptyDatabase(t *testing.T) {
	db := setupTestDB(t)

	quotas, err := db.QuotaStore().Load(context.Background())
	require.NoError(t, err)
	assert.Nil(t, quotas)
}

func TestQuotaStore_SaveAndLoad(t *testing.T) {
	db := setupTestDB(t)
	store := db.QuotaStore()
	ctx := context.Background()

	resetAt := time.Now().Add(10 * time.Minute).UTC().Truncate(time.Second)
	quotas := []models.AccountQuota{
		{AccountID: 1, Remaining: 0, WindowResetAt: &resetAt},
		{AccountID: 2, Remaining: 37},
	}
	require.NoError(t, store.Save(ctx, quotas))

	got, err := store.Load(ctx)
	require.NoError(t, err)
	require.Len(t, got, 2)

	assert.Equal(t, 1, got[0].AccountID)
	assert.Equal(t, 0, got[0].Remaining)
	require.NotNil(t, got[0].WindowResetAt)
	assert.True(t, resetAt.Equal(*got[0].WindowResetAt))
	assert.False(t, got[0].Available)

	assert.Equal(t, 2, got[1].AccountID)
	assert.Equal(t, 37, got[1].Remaining)
	assert.Nil(t, got[1].WindowResetAt)
	assert.True(t, got[1].Available)

	// a second save replaces rather than appends
	require.NoError(t, store.Save(ctx, quotas[1:]))
	got, err = store.Load(ctx)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestQuotaStore_RejectsNegativeRemaining(t *testing.T) {
	db := setupTestDB(t)

	err := db.QuotaStore().Save(context.Background(), []models.AccountQuota{{AccountID: 1, Remaining: -1}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "non-retryable")
}

func TestQuotaStore_BacksLedger(t *testing.T) {
	db := setupTestDB(t)
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	cfg := ledger.Config{Accounts: []int{1, 2}, WindowCeiling: 50, Window: 15 * time.Minute}

	first := ledger.New(cfg, logger, ledger.WithStore(db.QuotaStore()))
	first.Load(context.Background())
	first.RecordSuccess(1, nil)
	first.RecordRateLimited(2, nil)
	require.False(t, first.Degraded())

	second := ledger.New(cfg, logger, ledger.WithStore(db.QuotaStore()))
	second.Load(context.Background())

	quota, ok := second.Quota(1)
	require.True(t, ok)
	assert.Equal(t, 49, quota.Remaining)
	assert.False(t, second.CanUse(2))
}

func TestJournal_SaveLoadPreservesOrder(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	thread := models.NewThreadItem("Market update", []string{"Coin A data", "Coin B data"}, 10, now)
	chainA := models.NewPostItem("Coin A data", "100", 10, now)
	chainA.ChainID = thread.ID
	chainA.ChainSeq = 1
	chainB := models.NewPostItem("Coin B data", "100", 10, now)
	chainB.ChainID = thread.ID
	chainB.ChainSeq = 2
	plain := models.NewPostItem("hello", "", 0, now)
	plain.RetryCount = 2

	require.NoError(t, db.SavePending(ctx, []*models.QueueItem{thread, chainA, nil, chainB, plain}))

	count, err := db.PendingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, count)

	items, err := db.LoadPending(ctx)
	require.NoError(t, err)
	require.Len(t, items, 4)

	assert.Equal(t, thread.ID, items[0].ID)
	assert.Equal(t, models.ItemKindThread, items[0].Kind)
	assert.Equal(t, []string{"Coin A data", "Coin B data"}, items[0].Replies)

	assert.Equal(t, "Coin A data", items[1].Text)
	assert.Equal(t, "100", items[1].ReplyToID)
	assert.Equal(t, thread.ID, items[1].ChainID)
	assert.Equal(t, 1, items[1].ChainSeq)
	assert.Equal(t, 2, items[2].ChainSeq)

	assert.Equal(t, 2, items[3].RetryCount)
	assert.True(t, now.Equal(items[3].EnqueuedAt))
}

func TestJournal_SaveReplacesAndClear(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.SavePending(ctx, []*models.QueueItem{models.NewPostItem("a", "", 0, time.Now())}))
	require.NoError(t, db.SavePending(ctx, []*models.QueueItem{models.NewPostItem("b", "", 0, time.Now())}))

	items, err := db.LoadPending(ctx)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "b", items[0].Text)

	require.NoError(t, db.ClearPending(ctx))
	items, err = db.LoadPending(ctx)
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestJournal_EncryptedAtRest(t *testing.T) {
	enableEncryption(t)
	db := setupTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.SavePending(ctx, []*models.QueueItem{models.NewPostItem("secret launch plans", "", 0, time.Now())}))

	var payload string
	require.NoError(t, db.db.QueryRowContext(ctx, "SELECT payload FROM pending_items").Scan(&payload))
	assert.NotContains(t, payload, "secret launch plans")

	items, err := db.LoadPending(ctx)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "secret launch plans", items[0].Text)
}

func TestJournal_CorruptPayload(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	_, err := db.db.ExecContext(ctx, InsertPendingItemQuery, 0, "broken", "post", "{not json", time.Now())
	require.NoError(t, err)

	_, err = db.LoadPending(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken")
}

func TestJournal_CancelledContext(t *testing.T) {
	db := setupTestDB(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := db.SavePending(ctx, []*models.QueueItem{models.NewPostItem("a", "", 0, time.Now())})
	assert.ErrorIs(t, err, context.Canceled)
}
