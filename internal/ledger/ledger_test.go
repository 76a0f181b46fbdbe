package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"postrelay/internal/models"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type stubStore struct {
	mu      sync.Mutex
	saved   [][]models.AccountQuota
	loadErr error
	saveErr error
	state   []models.AccountQuota
}

func (s *stubStore) Load(ctx context.Context) ([]models.AccountQuota, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state, s.loadErr
}

func (s *stubStore) Save(ctx context.Context, quotas []models.AccountQuota) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return s.saveErr
	}
	s.saved = append(s.saved, quotas)
	s.state = quotas
	return nil
}

func (s *stubStore) setSaveErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saveErr = err
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

func newTestLedger(clock *fakeClock, opts ...Option) *Ledger {
	opts = append([]Option{WithClock(clock.Now)}, opts...)
	return New(Config{
		Accounts:      []int{2, 1},
		WindowCeiling: 50,
		Window:        15 * time.Minute,
	}, testLogger(), opts...)
}

func TestLedger_NewAccountsStartFull(t *testing.T) {
	l := newTestLedger(newFakeClock())

	assert.Equal(t, []int{1, 2}, l.Accounts())
	for _, q := range l.Snapshot() {
		assert.Equal(t, 50, q.Remaining)
		assert.Nil(t, q.WindowResetAt)
		assert.True(t, q.Available)
		assert.True(t, l.CanUse(q.AccountID))
	}

	_, found := l.EarliestReset()
	assert.False(t, found)
}

func TestLedger_UnknownAccount(t *testing.T) {
	l := newTestLedger(newFakeClock())

	assert.False(t, l.CanUse(99))
	assert.False(t, l.IsAvailable(99))
	assert.False(t, l.Reset(99))
	_, ok := l.Quota(99)
	assert.False(t, ok)

	// recording against unknown accounts is a no-op
	l.RecordSuccess(99, nil)
	l.RecordRateLimited(99, nil)
	assert.Len(t, l.Snapshot(), 2)
}

func TestLedger_RecordSuccess(t *testing.T) {
	intPtr := func(v int) *int { return &v }
	clock := newFakeClock()
	platformReset := clock.Now().Add(7 * time.Minute)

	tests := []struct {
		name          string
		calls         int
		limits        *models.RateLimitInfo
		wantRemaining int
		wantReset     *time.Time
	}{
		{
			name:          "local decrement",
			calls:         3,
			wantRemaining: 47,
		},
		{
			name:          "platform remaining wins",
			calls:         1,
			limits:        &models.RateLimitInfo{Remaining: intPtr(12)},
			wantRemaining: 12,
		},
		{
			name:          "platform remaining above ceiling is clamped",
			calls:         1,
			limits:        &models.RateLimitInfo{Remaining: intPtr(300)},
			wantRemaining: 50,
		},
		{
			name:          "exhausted with platform reset",
			calls:         1,
			limits:        &models.RateLimitInfo{Remaining: intPtr(0), ResetAt: &platformReset},
			wantRemaining: 0,
			wantReset:     &platformReset,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := newTestLedger(clock)
			for i := 0; i < tt.calls; i++ {
				l.RecordSuccess(1, tt.limits)
			}

			q, ok := l.Quota(1)
			require.True(t, ok)
			assert.Equal(t, tt.wantRemaining, q.Remaining)
			if tt.wantReset == nil {
				assert.Nil(t, q.WindowResetAt)
			} else {
				require.NotNil(t, q.WindowResetAt)
				assert.True(t, tt.wantReset.Equal(*q.WindowResetAt))
			}

			other, _ := l.Quota(2)
			assert.Equal(t, 50, other.Remaining)
		})
	}
}

func TestLedger_ExhaustionStartsWindow(t *testing.T) {
	clock := newFakeClock()
	l := New(Config{Accounts: []int{1}, WindowCeiling: 2, Window: 15 * time.Minute}, testLogger(), WithClock(clock.Now))

	start := clock.Now()
	l.RecordSuccess(1, nil)
	assert.True(t, l.CanUse(1))
	l.RecordSuccess(1, nil)
	assert.False(t, l.CanUse(1))

	q, _ := l.Quota(1)
	require.NotNil(t, q.WindowResetAt)
	assert.True(t, start.Add(15*time.Minute).Equal(*q.WindowResetAt))

	// further successes never push the counter negative
	l.RecordSuccess(1, nil)
	q, _ = l.Quota(1)
	assert.Equal(t, 0, q.Remaining)
}

func TestLedger_CanUseBoundaryIsInclusive(t *testing.T) {
	clock := newFakeClock()
	l := newTestLedger(clock)

	resetAt := clock.Now().Add(10 * time.Minute)
	l.RecordRateLimited(1, &resetAt)

	assert.False(t, l.CanUse(1))
	assert.False(t, l.IsAvailable(1))

	clock.Advance(10*time.Minute - time.Nanosecond)
	assert.False(t, l.CanUse(1))

	clock.Advance(time.Nanosecond)
	assert.True(t, l.IsAvailable(1))
	assert.True(t, l.CanUse(1))

	q, _ := l.Quota(1)
	assert.Equal(t, 50, q.Remaining)
	assert.Nil(t, q.WindowResetAt)
}

func TestLedger_RecordRateLimitedWithoutReset(t *testing.T) {
	clock := newFakeClock()
	l := newTestLedger(clock)

	l.RecordRateLimited(2, nil)

	q, _ := l.Quota(2)
	assert.Equal(t, 0, q.Remaining)
	require.NotNil(t, q.WindowResetAt)
	assert.True(t, clock.Now().Add(15*time.Minute).Equal(*q.WindowResetAt))
	assert.False(t, q.Available)
}

func TestLedger_EarliestReset(t *testing.T) {
	clock := newFakeClock()
	l := newTestLedger(clock)

	later := clock.Now().Add(12 * time.Minute)
	sooner := clock.Now().Add(4 * time.Minute)
	l.RecordRateLimited(1, &later)
	l.RecordRateLimited(2, &sooner)

	earliest, found := l.EarliestReset()
	require.True(t, found)
	assert.True(t, sooner.Equal(earliest))

	clock.Advance(5 * time.Minute)
	assert.True(t, l.CanUse(2))

	earliest, found = l.EarliestReset()
	require.True(t, found)
	assert.True(t, later.Equal(earliest))
}

func TestLedger_Reset(t *testing.T) {
	clock := newFakeClock()
	l := newTestLedger(clock)

	l.RecordRateLimited(1, nil)
	assert.True(t, l.Reset(1))
	assert.True(t, l.CanUse(1))

	q, _ := l.Quota(1)
	assert.Equal(t, 50, q.Remaining)
}

func TestLedger_PersistenceRoundTrip(t *testing.T) {
	clock := newFakeClock()
	store := NewFileStore(afero.NewMemMapFs(), "/data/ledger.json")

	first := newTestLedger(clock, WithStore(store))
	first.Load(context.Background())
	resetAt := clock.Now().Add(9 * time.Minute)
	first.RecordRateLimited(1, &resetAt)
	first.RecordSuccess(2, nil)
	first.RecordSuccess(2, nil)

	second := newTestLedger(clock, WithStore(store))
	second.Load(context.Background())

	before := first.Snapshot()
	after := second.Snapshot()
	require.Len(t, after, len(before))
	for i := range before {
		assert.Equal(t, before[i].AccountID, after[i].AccountID)
		assert.Equal(t, before[i].Remaining, after[i].Remaining)
		assert.Equal(t, before[i].Available, after[i].Available)
		if before[i].WindowResetAt == nil {
			assert.Nil(t, after[i].WindowResetAt)
		} else {
			require.NotNil(t, after[i].WindowResetAt)
			assert.True(t, before[i].WindowResetAt.Equal(*after[i].WindowResetAt))
		}
	}
	assert.False(t, second.CanUse(1))
}

func TestLedger_LoadRestoresElapsedWindows(t *testing.T) {
	clock := newFakeClock()
	past := clock.Now().Add(-time.Minute)
	future := clock.Now().Add(time.Minute)
	store := &stubStore{state: []models.AccountQuota{
		{AccountID: 1, Remaining: 0, WindowResetAt: &past},
		{AccountID: 2, Remaining: 0, WindowResetAt: &future},
		{AccountID: 7, Remaining: 3},
	}}

	l := newTestLedger(clock, WithStore(store))
	l.Load(context.Background())

	q1, _ := l.Quota(1)
	assert.Equal(t, 50, q1.Remaining)
	assert.Nil(t, q1.WindowResetAt)

	q2, _ := l.Quota(2)
	assert.Equal(t, 0, q2.Remaining)
	assert.False(t, l.CanUse(2))

	// the restored state is written back immediately
	require.NotEmpty(t, store.saved)
	assert.Equal(t, 50, store.saved[0][0].Remaining)
	assert.Len(t, store.saved[0], 2)
}

func TestLedger_LoadRestoresZeroWithoutReset(t *testing.T) {
	clock := newFakeClock()
	store := &stubStore{state: []models.AccountQuota{{AccountID: 1, Remaining: 0}}}

	l := newTestLedger(clock, WithStore(store))
	l.Load(context.Background())

	assert.True(t, l.CanUse(1))
	q, _ := l.Quota(1)
	assert.Equal(t, 50, q.Remaining)
}

func TestLedger_CorruptFileStartsFresh(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/data/ledger.json", []byte("{not json"), 0o600))
	store := NewFileStore(fs, "/data/ledger.json")

	l := newTestLedger(newFakeClock(), WithStore(store))
	l.Load(context.Background())

	assert.False(t, l.Degraded())
	for _, q := range l.Snapshot() {
		assert.Equal(t, 50, q.Remaining)
	}

	persisted, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.Len(t, persisted, 2)
}

func TestLedger_DegradedMode(t *testing.T) {
	clock := newFakeClock()
	store := &stubStore{saveErr: errors.New("disk full")}

	l := newTestLedger(clock, WithStore(store))
	l.Load(context.Background())
	assert.True(t, l.Degraded())

	// state keeps working in memory
	l.RecordRateLimited(1, nil)
	assert.False(t, l.CanUse(1))
	assert.True(t, l.CanUse(2))

	store.setSaveErr(nil)
	l.RecordSuccess(2, nil)
	assert.False(t, l.Degraded())

	last := store.saved[len(store.saved)-1]
	assert.Equal(t, 0, last[0].Remaining)
	assert.Equal(t, 49, last[1].Remaining)
}

func TestLedger_UnreadableStoreIsDegraded(t *testing.T) {
	store := &stubStore{loadErr: errors.New("permission denied")}

	l := newTestLedger(newFakeClock(), WithStore(store))
	l.Load(context.Background())

	assert.True(t, l.Degraded())
	assert.True(t, l.CanUse(1))
}

func TestLedger_ObserverReceivesSnapshots(t *testing.T) {
	var snapshots [][]models.AccountQuota
	l := newTestLedger(newFakeClock(), WithObserver(func(q []models.AccountQuota) {
		snapshots = append(snapshots, q)
	}))

	l.RecordSuccess(1, nil)
	l.RecordRateLimited(2, nil)

	require.Len(t, snapshots, 2)
	assert.Equal(t, 49, snapshots[0][0].Remaining)
	assert.False(t, snapshots[1][1].Available)
}

func TestLedger_ConcurrentAccess(t *testing.T) {
	l := New(Config{Accounts: []int{1, 2}, WindowCeiling: 1000}, testLogger())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				l.CanUse(id%2 + 1)
				l.RecordSuccess(id%2+1, nil)
				l.Snapshot()
				l.EarliestReset()
			}
		}(i)
	}
	wg.Wait()

	total := 0
	for _, q := range l.Snapshot() {
		total += 1000 - q.Remaining
	}
	assert.Equal(t, 400, total)
}
