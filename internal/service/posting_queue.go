package service

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"postrelay/internal/constants"
	"postrelay/internal/metrics"
	"postrelay/internal/models"
	"postrelay/internal/retry"
	"postrelay/internal/selector"
	"postrelay/pkg/platform/types"

	"github.com/sirupsen/logrus"
)

// QuotaLedger is the part of the rate-limit ledger the posting queue uses
type QuotaLedger interface {
	selector.QuotaView
	RecordSuccess(accountID int, limits *models.RateLimitInfo)
	RecordRateLimited(accountID int, resetAt *time.Time)
	IsAvailable(accountID int) bool
	Snapshot() []models.AccountQuota
	Accounts() []int
	Degraded() bool
}

// ClientFactory builds the platform client for one account
type ClientFactory func(ctx context.Context, accountID int) (types.Client, error)

// QueueOptions holds the posting worker's timings
type QueueOptions struct {
	PollInterval    time.Duration
	InterPostDelay  time.Duration
	Cooldown        time.Duration
	InlineWaitMax   time.Duration
	StartRetryDelay time.Duration
	ReauthInterval  time.Duration
	StopTimeout     time.Duration
	ThreadPriority  int
	Backoff         retry.BackoffConfig
}

// DefaultQueueOptions returns the production timings
func DefaultQueueOptions() QueueOptions {
	return QueueOptionsFromConfig(models.QueueConfig{})
}

// QueueOptionsFromConfig converts the queue config section, falling back to
// defaults for unset values.
func QueueOptionsFromConfig(cfg models.QueueConfig) QueueOptions {
	orDefault := func(v, def int) int {
		if v <= 0 {
			return def
		}
		return v
	}

	backoff := retry.DefaultBackoffConfig()
	backoff.MaxAttempts = orDefault(cfg.MaxAttempts, constants.DefaultMaxAttempts)
	backoff.InitialDelay = time.Duration(orDefault(cfg.BackoffInitialSec, constants.DefaultBackoffInitialSec)) * time.Second
	backoff.MaxDelay = time.Duration(orDefault(cfg.BackoffMaxSec, constants.DefaultBackoffMaxSec)) * time.Second

	return QueueOptions{
		PollInterval:    time.Duration(orDefault(cfg.PollIntervalSec, constants.DefaultPollIntervalSec)) * time.Second,
		InterPostDelay:  time.Duration(orDefault(cfg.InterPostDelaySec, constants.DefaultInterPostDelaySec)) * time.Second,
		Cooldown:        time.Duration(orDefault(cfg.CooldownMinutes, constants.DefaultCooldownMinutes)) * time.Minute,
		InlineWaitMax:   time.Duration(orDefault(cfg.InlineWaitMaxMinutes, constants.DefaultInlineWaitMaxMinutes)) * time.Minute,
		StartRetryDelay: time.Duration(orDefault(cfg.StartRetryDelaySec, constants.DefaultStartRetryDelaySec)) * time.Second,
		ReauthInterval:  time.Duration(orDefault(cfg.ReauthIntervalMinutes, constants.DefaultReauthIntervalMinutes)) * time.Minute,
		StopTimeout:     time.Duration(orDefault(cfg.StopTimeoutSec, constants.DefaultStopTimeoutSec)) * time.Second,
		ThreadPriority:  constants.DefaultThreadPriority,
		Backoff:         backoff,
	}
}

// QueueOption customizes a PostingQueue
type QueueOption func(*PostingQueue)

// WithQueueMetrics reports queue activity to m
func WithQueueMetrics(m *metrics.Metrics) QueueOption {
	return func(q *PostingQueue) { q.metrics = m }
}

// WithQueueClock replaces time.Now, mainly for tests
func WithQueueClock(now func() time.Time) QueueOption {
	return func(q *PostingQueue) { q.now = now }
}

// PostingQueue owns the pending posts and threads and the single worker that
// publishes them. The mutex guards queue contents and worker bookkeeping
// and is never held across a network call or the ledger's persistence.
type PostingQueue struct {
	ledger  QuotaLedger
	factory ClientFactory
	opts    QueueOptions
	backoff *retry.Backoff
	logger  *logrus.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	mu            sync.Mutex
	threads       []*models.QueueItem
	posts         []*models.QueueItem
	clients       map[int]types.Client
	authenticated map[int]bool
	authFailedAt  map[int]time.Time
	sticky        int
	state         models.WorkerState
	cooldownUntil *time.Time
	published     uint64
	dropped       uint64
	current       *inflight

	running       bool
	stopRequested bool
	cancel        context.CancelFunc
	done          chan struct{}

	wake chan struct{}
}

// inflight is the item the worker holds outside both queues. For a thread,
// parentID is set once the lead is out and next is the first reply not yet
// handled.
type inflight struct {
	item     *models.QueueItem
	next     int
	parentID string
}

// remainder returns what is left of the in-flight item as queue items
func (c *inflight) remainder(now time.Time) []*models.QueueItem {
	if c.item.Kind != models.ItemKindThread || c.parentID == "" {
		return []*models.QueueItem{c.item.Clone()}
	}
	return chainFrom(c.item, c.next, c.parentID, now)
}

// NewPostingQueue creates a stopped queue. Call Start to begin publishing.
func NewPostingQueue(ledger QuotaLedger, factory ClientFactory, opts QueueOptions, logger *logrus.Logger, options ...QueueOption) *PostingQueue {
	if logger == nil {
		logger = logrus.New()
	}
	if opts.ThreadPriority == 0 {
		opts.ThreadPriority = constants.DefaultThreadPriority
	}

	q := &PostingQueue{
		ledger:        ledger,
		factory:       factory,
		opts:          opts,
		backoff:       retry.NewBackoff(opts.Backoff),
		logger:        logger,
		now:           time.Now,
		clients:       make(map[int]types.Client),
		authenticated: make(map[int]bool),
		authFailedAt:  make(map[int]time.Time),
		state:         models.WorkerStopped,
		wake:          make(chan struct{}, 1),
	}
	for _, opt := range options {
		opt(q)
	}
	q.metrics.SetWorkerState(q.state)
	return q
}

// EnqueuePost adds a single post. Higher priority goes first; equal
// priorities keep arrival order.
func (q *PostingQueue) EnqueuePost(text, replyToID string, priority int) string {
	item := models.NewPostItem(text, replyToID, priority, q.now())

	q.mu.Lock()
	q.insertPostsLocked([]*models.QueueItem{item}, false)
	q.reportDepthLocked()
	q.mu.Unlock()

	q.logger.WithFields(logrus.Fields{
		LogFieldItemID:   item.ID,
		LogFieldPriority: priority,
	}).Debug("Post enqueued")
	q.signal()
	return item.ID
}

// EnqueueThread adds a thread. Threads are always drained before posts.
func (q *PostingQueue) EnqueueThread(lead string, replies []string) string {
	item := models.NewThreadItem(lead, replies, q.opts.ThreadPriority, q.now())

	q.mu.Lock()
	q.threads = append(q.threads, item)
	q.reportDepthLocked()
	q.mu.Unlock()

	q.logger.WithFields(logrus.Fields{
		LogFieldItemID: item.ID,
		LogFieldCount:  len(replies) + 1,
	}).Debug("Thread enqueued")
	q.signal()
	return item.ID
}

// Pending returns copies of every queued item, threads first, in the order
// they would be processed. Whatever the worker has not yet published of the
// item it holds is included at the head of its queue.
func (q *PostingQueue) Pending() []*models.QueueItem {
	q.mu.Lock()
	defer q.mu.Unlock()

	threads := make([]*models.QueueItem, 0, len(q.threads)+1)
	posts := make([]*models.QueueItem, 0, len(q.posts))
	for _, item := range q.posts {
		posts = append(posts, item.Clone())
	}
	if q.current != nil {
		remainder := q.current.remainder(q.now())
		if len(remainder) == 1 && remainder[0].Kind == models.ItemKindThread {
			threads = append(threads, remainder[0])
		} else {
			posts = insertPosts(posts, remainder, true)
		}
	}
	for _, item := range q.threads {
		threads = append(threads, item.Clone())
	}
	return append(threads, posts...)
}

// Restore puts previously saved items back behind whatever is already queued
func (q *PostingQueue) Restore(items []*models.QueueItem) int {
	restored := 0

	q.mu.Lock()
	for _, item := range items {
		if item == nil {
			continue
		}
		switch item.Kind {
		case models.ItemKindThread:
			q.threads = append(q.threads, item.Clone())
		case models.ItemKindPost:
			q.insertPostsLocked([]*models.QueueItem{item.Clone()}, false)
		default:
			q.logger.WithField(LogFieldItemKind, item.Kind).Warn("Skipping restored item of unknown kind")
			continue
		}
		restored++
	}
	q.reportDepthLocked()
	q.mu.Unlock()

	if restored > 0 {
		q.signal()
	}
	return restored
}

// Status returns a snapshot of the queue. It reads the ledger without
// triggering persistence.
func (q *PostingQueue) Status() models.QueueStatus {
	q.mu.Lock()
	status := models.QueueStatus{
		PostQueueSize:   len(q.posts),
		ThreadQueueSize: len(q.threads),
		WorkerRunning:   q.running,
		State:           q.state,
		StickyAccount:   q.sticky,
		CooldownUntil:   copyTime(q.cooldownUntil),
		Published:       q.published,
		Dropped:         q.dropped,
	}
	q.mu.Unlock()

	status.Accounts = q.ledger.Snapshot()
	status.LedgerDegraded = q.ledger.Degraded()

	anyAvailable := false
	for _, quota := range status.Accounts {
		if quota.Available {
			anyAvailable = true
			break
		}
	}
	stickyBlocked := status.StickyAccount != 0 && !q.ledger.IsAvailable(status.StickyAccount)
	status.RateLimited = status.State == models.WorkerCoolingDown || stickyBlocked || !anyAvailable

	if resetAt, ok := q.ledger.EarliestReset(); ok {
		status.RateLimitResetAt = &resetAt
	}
	return status
}

// Start launches the worker. Calling it while the worker runs is a no-op;
// calling it while a stopped worker still finishes its item is an error.
func (q *PostingQueue) Start(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.running {
		if q.stopRequested {
			return fmt.Errorf("posting worker is still finishing its current item")
		}
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	q.cancel = cancel
	q.done = done
	q.running = true
	q.stopRequested = false
	q.setStateLocked(models.WorkerStarting)

	go q.run(runCtx, done)

	q.logger.Info("Posting worker started")
	return nil
}

// Stop asks the worker to exit after its current item and waits up to the
// stop timeout for it.
func (q *PostingQueue) Stop() {
	q.mu.Lock()
	if !q.running {
		q.mu.Unlock()
		return
	}
	q.stopRequested = true
	cancel := q.cancel
	done := q.done
	q.mu.Unlock()

	cancel()

	timer := time.NewTimer(q.opts.StopTimeout)
	defer timer.Stop()

	select {
	case <-done:
		q.logger.Info("Posting worker stopped")
	case <-timer.C:
		q.logger.WithField(LogFieldDuration, q.opts.StopTimeout.Milliseconds()).
			Warn("Posting worker did not stop in time; it will exit after its current item")
	}
}

// Wait blocks until the last started worker has exited or ctx ends. Stop
// gives up after its timeout; Wait lets a caller keep waiting for the item
// still in flight.
func (q *PostingQueue) Wait(ctx context.Context) error {
	q.mu.Lock()
	done := q.done
	q.mu.Unlock()

	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsRunning reports whether a worker goroutine is alive
func (q *PostingQueue) IsRunning() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.running
}

func (q *PostingQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// next pops the next item: threads first, then the highest-priority post
func (q *PostingQueue) next() *models.QueueItem {
	q.mu.Lock()
	defer q.mu.Unlock()

	var item *models.QueueItem
	switch {
	case len(q.threads) > 0:
		item = q.threads[0]
		q.threads[0] = nil
		q.threads = q.threads[1:]
	case len(q.posts) > 0:
		item = q.posts[0]
		q.posts[0] = nil
		q.posts = q.posts[1:]
	default:
		return nil
	}
	q.current = &inflight{item: item}
	q.reportDepthLocked()
	return item
}

// settle releases the in-flight item once it is published or dropped
func (q *PostingQueue) settle() {
	q.mu.Lock()
	q.current = nil
	q.mu.Unlock()
}

// advanceInflight records thread progress: replies before next are handled
// and the following one replies to parentID.
func (q *PostingQueue) advanceInflight(next int, parentID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.current != nil {
		q.current.next = next
		q.current.parentID = parentID
	}
}

func (q *PostingQueue) requeueThreadFront(item *models.QueueItem) {
	q.mu.Lock()
	q.threads = append([]*models.QueueItem{item}, q.threads...)
	q.current = nil
	q.reportDepthLocked()
	q.mu.Unlock()
}

func (q *PostingQueue) requeuePostsFront(items []*models.QueueItem) {
	q.mu.Lock()
	q.insertPostsLocked(items, true)
	q.current = nil
	q.reportDepthLocked()
	q.mu.Unlock()
}

func (q *PostingQueue) insertPostsLocked(items []*models.QueueItem, front bool) {
	q.posts = insertPosts(q.posts, items, front)
}

// insertPosts keeps posts ordered by descending priority. At the back an
// item goes after its priority group, at the front before it. A batch
// inserted at the front keeps its own order.
func insertPosts(posts, items []*models.QueueItem, front bool) []*models.QueueItem {
	from := 0
	for _, item := range items {
		pos := len(posts)
		for i := from; i < len(posts); i++ {
			p := posts[i].Priority
			if p < item.Priority || (front && p == item.Priority) {
				pos = i
				break
			}
		}
		posts = slices.Insert(posts, pos, item)
		if front {
			from = pos + 1
		}
	}
	return posts
}

// advanceChain points the next queued member of a chain at the post that
// was just published.
func (q *PostingQueue) advanceChain(chainID string, seq int, externalID string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var next *models.QueueItem
	for _, item := range q.posts {
		if item.ChainID != chainID || item.ChainSeq <= seq {
			continue
		}
		if next == nil || item.ChainSeq < next.ChainSeq {
			next = item
		}
	}
	if next != nil {
		next.ReplyToID = externalID
	}
}

func (q *PostingQueue) setState(state models.WorkerState) {
	q.mu.Lock()
	q.setStateLocked(state)
	q.mu.Unlock()
}

func (q *PostingQueue) setStateLocked(state models.WorkerState) {
	if q.state == state {
		return
	}
	q.state = state
	q.metrics.SetWorkerState(state)
}

func (q *PostingQueue) reportDepthLocked() {
	q.metrics.SetQueueDepth(len(q.posts), len(q.threads))
}

func (q *PostingQueue) stickyAccount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.sticky
}

func (q *PostingQueue) markPublished(kind models.ItemKind) {
	q.mu.Lock()
	q.published++
	q.mu.Unlock()
	q.metrics.IncPublished(kind)
}

func (q *PostingQueue) markDropped(reason string) {
	q.mu.Lock()
	q.dropped++
	q.mu.Unlock()
	q.metrics.IncDropped(reason)
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
