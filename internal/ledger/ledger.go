package ledger

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"postrelay/internal/constants"
	"postrelay/internal/models"

	"github.com/sirupsen/logrus"
)

const persistTimeout = 5 * time.Second

// Store persists the ledger's per-account quota records. A missing state is
// reported as (nil, nil); an unparseable one as ErrCorruptState.
type Store interface {
	Load(ctx context.Context) ([]models.AccountQuota, error)
	Save(ctx context.Context, quotas []models.AccountQuota) error
}

// Config describes the accounts and the window the ledger tracks
type Config struct {
	Accounts      []int
	WindowCeiling int
	Window        time.Duration
}

// Option customizes a Ledger
type Option func(*Ledger)

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		l.now = now
	}
}

// WithStore enables persistence through the given store
func WithStore(store Store) Option {
	return func(l *Ledger) {
		l.store = store
	}
}

// WithObserver registers a callback that receives a snapshot after every mutation
func WithObserver(fn func([]models.AccountQuota)) Option {
	return func(l *Ledger) {
		l.observer = fn
	}
}

type quota struct {
	remaining     int
	windowResetAt *time.Time
}

// Ledger is the single source of truth for per-account call budgets
type Ledger struct {
	mu       sync.RWMutex
	quotas   map[int]*quota
	accounts []int
	ceiling  int
	window   time.Duration
	version  uint64

	now      func() time.Time
	store    Store
	observer func([]models.AccountQuota)
	logger   *logrus.Logger

	saveMu       sync.Mutex
	savedVersion uint64
	degraded     atomic.Bool
}

// New creates a ledger with every account at a full quota
func New(cfg Config, logger *logrus.Logger, opts ...Option) *Ledger {
	if cfg.WindowCeiling <= 0 {
		cfg.WindowCeiling = constants.DefaultWindowCeiling
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Duration(constants.DefaultWindowMinutes) * time.Minute
	}
	if logger == nil {
		logger = logrus.New()
	}

	accounts := make([]int, 0, len(cfg.Accounts))
	quotas := make(map[int]*quota, len(cfg.Accounts))
	for _, id := range cfg.Accounts {
		if _, dup := quotas[id]; dup {
			continue
		}
		accounts = append(accounts, id)
		quotas[id] = &quota{remaining: cfg.WindowCeiling}
	}
	sort.Ints(accounts)

	l := &Ledger{
		quotas:   quotas,
		accounts: accounts,
		ceiling:  cfg.WindowCeiling,
		window:   cfg.Window,
		now:      time.Now,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Load restores persisted state. Corrupt state is treated as absent; an
// unreadable store leaves the ledger in degraded in-memory mode. Windows that
// elapsed while the process was down are restored immediately.
func (l *Ledger) Load(ctx context.Context) {
	if l.store == nil {
		return
	}

	persisted, err := l.store.Load(ctx)
	if err != nil {
		if errors.Is(err, ErrCorruptState) {
			l.logger.WithError(err).Warn("Persisted ledger state is corrupt, starting from full quotas")
		} else {
			l.degraded.Store(true)
			l.logger.WithError(err).Warn("Failed to read persisted ledger state, continuing in memory")
			return
		}
		persisted = nil
	}

	l.mu.Lock()
	now := l.now()
	restored := 0
	for _, p := range persisted {
		q, ok := l.quotas[p.AccountID]
		if !ok {
			continue
		}
		q.remaining = clamp(p.Remaining, 0, l.ceiling)
		q.windowResetAt = copyTime(p.WindowResetAt)
		if l.restoreIfElapsedLocked(q, now) {
			restored++
		}
	}
	snap, ver := l.mutatedLocked(now)
	l.mu.Unlock()

	l.logger.WithFields(logrus.Fields{
		"accounts": len(persisted),
		"restored": restored,
	}).Info("Ledger state loaded")

	l.afterMutation(snap, ver)
}

// CanUse reports whether the account has calls left, restoring the quota
// first when its reset time has been reached.
func (l *Ledger) CanUse(accountID int) bool {
	l.mu.Lock()
	q, ok := l.quotas[accountID]
	if !ok {
		l.mu.Unlock()
		return false
	}

	now := l.now()
	changed := l.restoreIfElapsedLocked(q, now)
	usable := q.remaining > 0

	var snap []models.AccountQuota
	var ver uint64
	if changed {
		snap, ver = l.mutatedLocked(now)
	}
	l.mu.Unlock()

	if changed {
		l.logger.WithField("account_id", accountID).Info("Rate limit window elapsed, quota restored")
		l.afterMutation(snap, ver)
	}
	return usable
}

// RecordSuccess charges one call to the account. When the platform reported
// its remaining budget that value wins over the local count.
func (l *Ledger) RecordSuccess(accountID int, limits *models.RateLimitInfo) {
	l.mu.Lock()
	q, ok := l.quotas[accountID]
	if !ok {
		l.mu.Unlock()
		return
	}

	now := l.now()
	if limits != nil && limits.Remaining != nil {
		q.remaining = clamp(*limits.Remaining, 0, l.ceiling)
	} else if q.remaining > 0 {
		q.remaining--
	}

	if q.remaining == 0 {
		if limits != nil && limits.ResetAt != nil {
			q.windowResetAt = copyTime(limits.ResetAt)
		} else if q.windowResetAt == nil {
			resetAt := now.Add(l.window)
			q.windowResetAt = &resetAt
		}
	} else {
		q.windowResetAt = nil
	}

	remaining := q.remaining
	snap, ver := l.mutatedLocked(now)
	l.mu.Unlock()

	if remaining == 0 {
		l.logger.WithField("account_id", accountID).Warn("Account quota exhausted")
	}
	l.afterMutation(snap, ver)
}

// RecordRateLimited marks the account blocked until resetAt, or for one
// window when the platform gave no reset time.
func (l *Ledger) RecordRateLimited(accountID int, resetAt *time.Time) {
	l.mu.Lock()
	q, ok := l.quotas[accountID]
	if !ok {
		l.mu.Unlock()
		return
	}

	now := l.now()
	q.remaining = 0
	if resetAt != nil {
		q.windowResetAt = copyTime(resetAt)
	} else {
		until := now.Add(l.window)
		q.windowResetAt = &until
	}
	until := *q.windowResetAt
	snap, ver := l.mutatedLocked(now)
	l.mu.Unlock()

	l.logger.WithFields(logrus.Fields{
		"account_id": accountID,
		"reset_at":   until.UTC().Format(time.RFC3339),
	}).Warn("Account rate limited")
	l.afterMutation(snap, ver)
}

// Reset restores the account to a full quota
func (l *Ledger) Reset(accountID int) bool {
	l.mu.Lock()
	q, ok := l.quotas[accountID]
	if !ok {
		l.mu.Unlock()
		return false
	}
	q.remaining = l.ceiling
	q.windowResetAt = nil
	snap, ver := l.mutatedLocked(l.now())
	l.mu.Unlock()

	l.afterMutation(snap, ver)
	return true
}

// EarliestReset returns the soonest reset time among blocked accounts
func (l *Ledger) EarliestReset() (time.Time, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var earliest time.Time
	found := false
	for _, id := range l.accounts {
		q := l.quotas[id]
		if q.windowResetAt == nil {
			continue
		}
		if !found || q.windowResetAt.Before(earliest) {
			earliest = *q.windowResetAt
			found = true
		}
	}
	return earliest, found
}

// IsAvailable reports availability without mutating state
func (l *Ledger) IsAvailable(accountID int) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()

	q, ok := l.quotas[accountID]
	if !ok {
		return false
	}
	return available(q, l.now())
}

// Snapshot returns a copy of every account's quota, ordered by account id
func (l *Ledger) Snapshot() []models.AccountQuota {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.snapshotLocked(l.now())
}

// Quota returns one account's record
func (l *Ledger) Quota(accountID int) (models.AccountQuota, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	q, ok := l.quotas[accountID]
	if !ok {
		return models.AccountQuota{}, false
	}
	return toModel(accountID, q, l.now()), true
}

// Accounts returns the configured account ids in ascending order
func (l *Ledger) Accounts() []int {
	out := make([]int, len(l.accounts))
	copy(out, l.accounts)
	return out
}

// Degraded reports whether the last persistence attempt failed
func (l *Ledger) Degraded() bool {
	return l.degraded.Load()
}

// restoreIfElapsedLocked applies the window reset rule. A zero budget with no
// reset time violates the availability invariant and is restored as well.
func (l *Ledger) restoreIfElapsedLocked(q *quota, now time.Time) bool {
	if q.windowResetAt != nil {
		if now.Before(*q.windowResetAt) {
			return false
		}
		q.remaining = l.ceiling
		q.windowResetAt = nil
		return true
	}
	if q.remaining <= 0 {
		q.remaining = l.ceiling
		return true
	}
	return false
}

func (l *Ledger) mutatedLocked(now time.Time) ([]models.AccountQuota, uint64) {
	l.version++
	return l.snapshotLocked(now), l.version
}

func (l *Ledger) snapshotLocked(now time.Time) []models.AccountQuota {
	out := make([]models.AccountQuota, 0, len(l.accounts))
	for _, id := range l.accounts {
		out = append(out, toModel(id, l.quotas[id], now))
	}
	return out
}

// afterMutation runs outside the state lock so status readers never wait on I/O.
// The version check keeps an older snapshot from overwriting a newer one.
func (l *Ledger) afterMutation(snap []models.AccountQuota, ver uint64) {
	if l.observer != nil {
		l.observer(snap)
	}
	if l.store == nil {
		return
	}

	l.saveMu.Lock()
	defer l.saveMu.Unlock()

	if ver <= l.savedVersion {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	if err := l.store.Save(ctx, snap); err != nil {
		if !l.degraded.Swap(true) {
			l.logger.WithError(err).Error("Failed to persist ledger state, continuing in memory")
		}
		return
	}
	if l.degraded.Swap(false) {
		l.logger.Info("Ledger persistence recovered")
	}
	l.savedVersion = ver
}

func toModel(id int, q *quota, now time.Time) models.AccountQuota {
	return models.AccountQuota{
		AccountID:     id,
		Remaining:     q.remaining,
		WindowResetAt: copyTime(q.windowResetAt),
		Available:     available(q, now),
	}
}

func available(q *quota, now time.Time) bool {
	return q.remaining > 0 || q.windowResetAt == nil || !now.Before(*q.windowResetAt)
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
