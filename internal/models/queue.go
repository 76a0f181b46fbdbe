package models

import (
	"time"

	"github.com/google/uuid"
)

// ItemKind distinguishes single posts from threads
type ItemKind string

const (
	ItemKindPost   ItemKind = "post"
	ItemKindThread ItemKind = "thread"
)

// QueueItem is a unit of work owned by the posting queue
type QueueItem struct {
	ID         string    `json:"id"`
	Kind       ItemKind  `json:"kind"`
	Text       string    `json:"text,omitempty"`
	ReplyToID  string    `json:"reply_to_id,omitempty"`
	Lead       string    `json:"lead,omitempty"`
	Replies    []string  `json:"replies,omitempty"`
	Priority   int       `json:"priority"`
	EnqueuedAt time.Time `json:"enqueued_at"`
	RetryCount int       `json:"retry_count"`

	// ChainID links replies split off a rate-limited thread; ChainSeq is the
	// position inside that chain. Empty for ordinary posts.
	ChainID  string `json:"chain_id,omitempty"`
	ChainSeq int    `json:"chain_seq,omitempty"`
}

// NewPostItem creates a single-post queue item
func NewPostItem(text, replyToID string, priority int, now time.Time) *QueueItem {
	return &QueueItem{
		ID:         uuid.NewString(),
		Kind:       ItemKindPost,
		Text:       text,
		ReplyToID:  replyToID,
		Priority:   priority,
		EnqueuedAt: now,
	}
}

// NewThreadItem creates a thread queue item. The replies slice is copied.
func NewThreadItem(lead string, replies []string, priority int, now time.Time) *QueueItem {
	copied := make([]string, len(replies))
	copy(copied, replies)
	return &QueueItem{
		ID:         uuid.NewString(),
		Kind:       ItemKindThread,
		Lead:       lead,
		Replies:    copied,
		Priority:   priority,
		EnqueuedAt: now,
	}
}

// Clone returns a deep copy safe to hand out of the queue lock
func (i *QueueItem) Clone() *QueueItem {
	if i == nil {
		return nil
	}
	c := *i
	if i.Replies != nil {
		c.Replies = make([]string, len(i.Replies))
		copy(c.Replies, i.Replies)
	}
	return &c
}

// ErrorKind classifies the outcome of one publish attempt
type ErrorKind string

const (
	ErrorKindNone         ErrorKind = "none"
	ErrorKindRateLimited  ErrorKind = "rate_limited"
	ErrorKindForbidden    ErrorKind = "forbidden"
	ErrorKindUnauthorized ErrorKind = "unauthorized"
	ErrorKindTransient    ErrorKind = "transient"
)

// RateLimitInfo carries whatever quota metadata the platform returned
type RateLimitInfo struct {
	Remaining *int       `json:"remaining,omitempty"`
	ResetAt   *time.Time `json:"reset_at,omitempty"`
}

// PublishResult is the outcome of one publish call
type PublishResult struct {
	Success    bool           `json:"success"`
	ExternalID string         `json:"external_id,omitempty"`
	ErrorKind  ErrorKind      `json:"error_kind"`
	Raw        string         `json:"raw,omitempty"`
	AccountID  int            `json:"account_id"`
	Limits     *RateLimitInfo `json:"limits,omitempty"`
}

// AccountQuota is the ledger's record for one account
type AccountQuota struct {
	AccountID     int        `json:"account_id"`
	Remaining     int        `json:"remaining"`
	WindowResetAt *time.Time `json:"window_reset_at,omitempty"`
	Available     bool       `json:"available"`
}

// WorkerState is the posting worker's lifecycle state
type WorkerState string

const (
	WorkerStopped     WorkerState = "stopped"
	WorkerStarting    WorkerState = "starting"
	WorkerRunning     WorkerState = "running"
	WorkerCoolingDown WorkerState = "cooling_down"
)

// QueueStatus is a read-only snapshot for callers, the watchdog and operators
type QueueStatus struct {
	PostQueueSize    int            `json:"post_queue_size"`
	ThreadQueueSize  int            `json:"thread_queue_size"`
	WorkerRunning    bool           `json:"worker_running"`
	RateLimited      bool           `json:"rate_limited"`
	RateLimitResetAt *time.Time     `json:"rate_limit_reset_at,omitempty"`
	State            WorkerState    `json:"state"`
	StickyAccount    int            `json:"sticky_account"`
	CooldownUntil    *time.Time     `json:"cooldown_until,omitempty"`
	Accounts         []AccountQuota `json:"accounts"`
	Published        uint64         `json:"published"`
	Dropped          uint64         `json:"dropped"`
	LedgerDegraded   bool           `json:"ledger_degraded"`
}
