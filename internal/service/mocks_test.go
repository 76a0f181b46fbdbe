package service

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"postrelay/internal/ledger"
	"postrelay/internal/models"
	"postrelay/internal/retry"
	"postrelay/pkg/platform/types"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/mock"
)

// publishCall is one recorded Publish invocation across all mock accounts
type publishCall struct {
	AccountID int
	Text      string
	ReplyToID string
}

type publishLog struct {
	mu    sync.Mutex
	calls []publishCall
}

func (l *publishLog) add(c publishCall) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, c)
}

func (l *publishLog) Calls() []publishCall {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]publishCall, len(l.calls))
	copy(out, l.calls)
	return out
}

// Mock platform client for one account
type mockPlatformClient struct {
	mock.Mock
	id  int
	log *publishLog
}

func (m *mockPlatformClient) AccountID() int {
	return m.id
}

func (m *mockPlatformClient) Publish(ctx context.Context, text, replyToID string) models.PublishResult {
	if m.log != nil {
		m.log.add(publishCall{AccountID: m.id, Text: text, ReplyToID: replyToID})
	}
	args := m.Called(ctx, text, replyToID)
	return args.Get(0).(models.PublishResult)
}

func (m *mockPlatformClient) VerifyCredentials(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

var _ types.Client = (*mockPlatformClient)(nil)

// Mock queue for the watchdog
type mockSupervised struct {
	mock.Mock
}

func (m *mockSupervised) Status() models.QueueStatus {
	args := m.Called()
	return args.Get(0).(models.QueueStatus)
}

func (m *mockSupervised) Start(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func published(accountID int, externalID string) models.PublishResult {
	return models.PublishResult{
		Success:    true,
		ExternalID: externalID,
		ErrorKind:  models.ErrorKindNone,
		AccountID:  accountID,
	}
}

func rejected(accountID int, kind models.ErrorKind) models.PublishResult {
	return models.PublishResult{
		ErrorKind: kind,
		AccountID: accountID,
		Raw:       fmt.Sprintf(`{"title":"%s"}`, kind),
	}
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

// fastOptions keeps every wait short except the cooldown, which tests
// observe and then interrupt with Stop.
func fastOptions() QueueOptions {
	return QueueOptions{
		PollInterval:    10 * time.Millisecond,
		InterPostDelay:  time.Millisecond,
		Cooldown:        time.Hour,
		InlineWaitMax:   0,
		StartRetryDelay: 20 * time.Millisecond,
		ReauthInterval:  time.Hour,
		StopTimeout:     2 * time.Second,
		ThreadPriority:  10,
		Backoff: retry.BackoffConfig{
			InitialDelay: time.Millisecond,
			MaxDelay:     2 * time.Millisecond,
			Multiplier:   2,
			MaxAttempts:  3,
		},
	}
}

type queueFixture struct {
	queue   *PostingQueue
	ledger  *ledger.Ledger
	clients map[int]*mockPlatformClient
	log     *publishLog
}

// newQueueFixture builds a queue over a fresh in-memory ledger with one
// verified mock client per account id.
func newQueueFixture(t *testing.T, opts QueueOptions, accountIDs ...int) *queueFixture {
	t.Helper()

	log := &publishLog{}
	clients := make(map[int]*mockPlatformClient, len(accountIDs))
	for _, id := range accountIDs {
		clients[id] = &mockPlatformClient{id: id, log: log}
	}

	ids := append([]int(nil), accountIDs...)
	sort.Ints(ids)
	l := ledger.New(ledger.Config{Accounts: ids, WindowCeiling: 50, Window: 15 * time.Minute}, quietLogger())

	factory := func(ctx context.Context, accountID int) (types.Client, error) {
		client, ok := clients[accountID]
		if !ok {
			return nil, fmt.Errorf("no client for account %d", accountID)
		}
		return client, nil
	}

	q := NewPostingQueue(l, factory, opts, quietLogger())
	t.Cleanup(q.Stop)

	return &queueFixture{queue: q, ledger: l, clients: clients, log: log}
}

func (f *queueFixture) verifyAll() {
	for _, client := range f.clients {
		client.On("VerifyCredentials", mock.Anything).Return(nil)
	}
}
