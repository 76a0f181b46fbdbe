package service

import (
	"context"
	"time"

	apperrors "postrelay/internal/errors"
	"postrelay/internal/models"
	"postrelay/internal/selector"
	"postrelay/internal/tracing"
	"postrelay/pkg/platform/types"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
)

// Drop reasons reported to metrics
const (
	dropReasonTransient = "transient"
	dropReasonRejected  = "rejected"
	dropReasonReply     = "reply_transient"
)

type publishStatus int

const (
	publishOK publishStatus = iota
	// publishDeferred means no account could take the call; the item goes back
	publishDeferred
	// publishRejected means the platform refused the credentials
	publishRejected
	// publishFailed means transient failures exhausted the attempts
	publishFailed
)

type publishOutcome struct {
	status     publishStatus
	externalID string
	accountID  int
	err        error

	// set on deferral
	rateLimited bool
	interrupted bool
	noAccounts  bool
	resetAt     *time.Time
}

// run is the worker loop. It owns the dequeued item until it is published,
// dropped or handed back to the queue.
func (q *PostingQueue) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer func() {
		q.mu.Lock()
		q.running = false
		q.stopRequested = false
		q.cancel = nil
		q.cooldownUntil = nil
		q.setStateLocked(models.WorkerStopped)
		q.mu.Unlock()
	}()

	for {
		if ctx.Err() != nil {
			return
		}

		if !q.ensureClients(ctx) {
			q.setState(models.WorkerStarting)
			q.logger.WithField(LogFieldDelay, q.opts.StartRetryDelay.String()).
				Warn("No account authenticated; retrying")
			if !sleepCtx(ctx, q.opts.StartRetryDelay) {
				return
			}
			continue
		}
		q.setState(models.WorkerRunning)

		item := q.next()
		if item == nil {
			if !q.idle(ctx) {
				return
			}
			continue
		}

		until := q.process(ctx, item)
		q.settle()
		if until != nil {
			if !q.coolDown(ctx, *until) {
				return
			}
		}
	}
}

func (q *PostingQueue) idle(ctx context.Context) bool {
	timer := time.NewTimer(q.opts.PollInterval)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-q.wake:
	case <-timer.C:
	}
	return true
}

func (q *PostingQueue) coolDown(ctx context.Context, until time.Time) bool {
	q.mu.Lock()
	q.cooldownUntil = &until
	q.setStateLocked(models.WorkerCoolingDown)
	q.mu.Unlock()

	q.metrics.IncCooldown()
	q.logger.WithField(LogFieldUntil, until.UTC().Format(time.RFC3339)).
		Warn("No account can publish; cooling down")

	ok := sleepCtx(ctx, until.Sub(q.now()))

	q.mu.Lock()
	q.cooldownUntil = nil
	if ok {
		q.setStateLocked(models.WorkerRunning)
	}
	q.mu.Unlock()
	return ok
}

// ensureClients verifies every account that is not yet authenticated and
// whose last credential failure is older than the re-auth interval. It
// reports whether at least one account can publish.
func (q *PostingQueue) ensureClients(ctx context.Context) bool {
	accounts := q.ledger.Accounts()
	now := q.now()

	q.mu.Lock()
	pending := make([]int, 0, len(accounts))
	for _, id := range accounts {
		if q.authenticated[id] {
			continue
		}
		if failedAt, ok := q.authFailedAt[id]; ok && now.Sub(failedAt) < q.opts.ReauthInterval {
			continue
		}
		pending = append(pending, id)
	}
	q.mu.Unlock()

	for _, id := range pending {
		if ctx.Err() != nil {
			break
		}
		q.verifyAccount(ctx, id)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.authenticated) > 0
}

func (q *PostingQueue) verifyAccount(ctx context.Context, accountID int) {
	client, err := q.client(ctx, accountID)
	if err == nil {
		err = client.VerifyCredentials(ctx)
	}

	if err == nil {
		q.mu.Lock()
		q.authenticated[accountID] = true
		delete(q.authFailedAt, accountID)
		q.mu.Unlock()
		q.logger.WithField(LogFieldAccountID, accountID).Info("Account credentials verified")
		return
	}

	if apperrors.IsConfigurationError(err) {
		q.disableAccount(accountID, err)
		return
	}
	apperrors.LogWarn(q.logger, err, "Credential check failed; will retry", logrus.Fields{
		LogFieldAccountID: accountID,
	})
}

func (q *PostingQueue) client(ctx context.Context, accountID int) (types.Client, error) {
	q.mu.Lock()
	client, ok := q.clients[accountID]
	q.mu.Unlock()
	if ok {
		return client, nil
	}

	if q.factory == nil {
		return nil, apperrors.NewConfigError("accounts", "no client factory configured")
	}
	client, err := q.factory(ctx, accountID)
	if err != nil {
		if _, ok := apperrors.As(err); ok {
			return nil, err
		}
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInvalidConfig, "failed to create platform client").
			WithContext("account_id", accountID)
	}

	q.mu.Lock()
	q.clients[accountID] = client
	q.mu.Unlock()
	return client, nil
}

// disableAccount takes an account out of rotation until the re-auth
// interval passes and its credentials verify again.
func (q *PostingQueue) disableAccount(accountID int, err error) {
	q.mu.Lock()
	delete(q.authenticated, accountID)
	q.authFailedAt[accountID] = q.now()
	if q.sticky == accountID {
		q.sticky = 0
	}
	q.mu.Unlock()

	apperrors.LogError(q.logger, err, "Account credentials rejected; account disabled until re-verified", logrus.Fields{
		LogFieldAccountID: accountID,
		LogFieldDelay:     q.opts.ReauthInterval.String(),
	})
}

func (q *PostingQueue) authenticatedAccounts() []int {
	q.mu.Lock()
	defer q.mu.Unlock()

	ids := make([]int, 0, len(q.authenticated))
	for id := range q.authenticated {
		ids = append(ids, id)
	}
	return ids
}

func (q *PostingQueue) setSticky(accountID int) {
	q.mu.Lock()
	q.sticky = accountID
	q.mu.Unlock()
}

// process handles one dequeued item to completion and returns when the
// worker should cool down until, if at all. Publishing uses a context that
// outlives Stop so an in-flight item is never cut off mid-call.
func (q *PostingQueue) process(runCtx context.Context, item *models.QueueItem) *time.Time {
	ctx, span := tracing.StartSpan(context.WithoutCancel(runCtx), "queue.process_item",
		attribute.String(LogFieldItemID, item.ID),
		attribute.String(LogFieldItemKind, string(item.Kind)),
	)
	defer span.End()

	if item.Kind == models.ItemKindThread {
		return q.processThread(runCtx, ctx, item)
	}
	return q.processPost(runCtx, ctx, item)
}

func (q *PostingQueue) processPost(runCtx, ctx context.Context, item *models.QueueItem) *time.Time {
	logger := q.logger.WithFields(itemFields(ctx, item))

	out := q.publish(runCtx, ctx, item, &item.RetryCount, item.Text, item.ReplyToID)
	switch out.status {
	case publishOK:
		q.settle()
		if item.ChainID != "" {
			q.advanceChain(item.ChainID, item.ChainSeq, out.externalID)
		}
		q.markPublished(models.ItemKindPost)
		logger.WithFields(logrus.Fields{
			LogFieldAccountID:  out.accountID,
			LogFieldExternalID: out.externalID,
		}).Info("Post published")
		return nil
	case publishDeferred:
		q.requeuePostsFront([]*models.QueueItem{item})
		logger.Warn("No account can publish; post returned to the front of its priority group")
		return q.cooldownFor(out)
	default:
		q.drop(ctx, item, out)
		return nil
	}
}

func (q *PostingQueue) processThread(runCtx, ctx context.Context, item *models.QueueItem) *time.Time {
	logger := q.logger.WithFields(itemFields(ctx, item))

	out := q.publish(runCtx, ctx, item, &item.RetryCount, item.Lead, "")
	switch out.status {
	case publishDeferred:
		q.requeueThreadFront(item)
		logger.Warn("No account can publish the thread lead; thread returned to the front of the queue")
		return q.cooldownFor(out)
	case publishRejected, publishFailed:
		q.drop(ctx, item, out)
		return nil
	}

	parentID := out.externalID
	q.advanceInflight(0, parentID)
	logger.WithFields(logrus.Fields{
		LogFieldAccountID:  out.accountID,
		LogFieldExternalID: parentID,
	}).Info("Thread lead published")

	for i, reply := range item.Replies {
		replyLogger := logger.WithField(LogFieldReplyIndex, i+1)

		if !sleepCtx(runCtx, q.opts.InterPostDelay) {
			q.splitThread(item, i, parentID)
			replyLogger.Info("Worker stopping; remaining replies moved to the post queue")
			return nil
		}

		retries := 0
		out := q.publish(runCtx, ctx, item, &retries, reply, parentID)
		switch out.status {
		case publishOK:
			parentID = out.externalID
			q.advanceInflight(i+1, parentID)
			replyLogger.WithFields(logrus.Fields{
				LogFieldAccountID:  out.accountID,
				LogFieldExternalID: parentID,
			}).Debug("Thread reply published")
		case publishDeferred:
			q.splitThread(item, i, parentID)
			replyLogger.WithField(LogFieldReplyToID, parentID).
				Warn("No account can publish; remaining replies moved to the post queue")
			return q.cooldownFor(out)
		case publishRejected:
			q.drop(ctx, item, out)
			return nil
		case publishFailed:
			q.advanceInflight(i+1, parentID)
			q.markDropped(dropReasonReply)
			apperrors.LogError(q.logger, out.err, "Dropping thread reply after exhausting retries", logrus.Fields{
				LogFieldItemID:     item.ID,
				LogFieldReplyIndex: i + 1,
				LogFieldReplyToID:  parentID,
			})
		}
	}

	q.settle()
	q.markPublished(models.ItemKindThread)
	logger.Info("Thread published")
	return nil
}

// splitThread moves the replies from index from onwards to the front of the
// post queue as one chain. Every member starts out replying to parentID;
// publishing a member re-points the next one.
func (q *PostingQueue) splitThread(item *models.QueueItem, from int, parentID string) {
	chained := chainFrom(item, from, parentID, q.now())
	if len(chained) == 0 {
		q.settle()
		return
	}
	q.requeuePostsFront(chained)
}

func chainFrom(item *models.QueueItem, from int, parentID string, now time.Time) []*models.QueueItem {
	if from >= len(item.Replies) {
		return nil
	}
	rest := item.Replies[from:]
	chained := make([]*models.QueueItem, 0, len(rest))
	for n, text := range rest {
		post := models.NewPostItem(text, parentID, item.Priority, now)
		post.ChainID = item.ID
		post.ChainSeq = from + n + 1
		chained = append(chained, post)
	}
	return chained
}

func (q *PostingQueue) drop(ctx context.Context, item *models.QueueItem, out publishOutcome) {
	reason := dropReasonTransient
	message := "Dropping item after exhausting retries"
	if out.status == publishRejected {
		reason = dropReasonRejected
		message = "Dropping item rejected by the platform"
	}
	q.settle()
	q.markDropped(reason)

	fields := itemFields(ctx, item)
	fields[LogFieldRetryCount] = item.RetryCount
	if out.accountID != 0 {
		fields[LogFieldAccountID] = out.accountID
	}
	apperrors.LogError(q.logger, out.err, message, fields)
}

// cooldownFor decides how long the worker rests after a deferral. A platform
// rejection earns the full safety window; local exhaustion waits for the
// earliest reset, capped by the same window.
func (q *PostingQueue) cooldownFor(out publishOutcome) *time.Time {
	if out.interrupted || out.noAccounts {
		return nil
	}

	now := q.now()
	until := now.Add(q.opts.Cooldown)
	if out.rateLimited {
		return &until
	}
	if out.resetAt != nil && out.resetAt.After(now) {
		if out.resetAt.Before(until) {
			until = *out.resetAt
		}
		return &until
	}
	until = now.Add(q.opts.PollInterval)
	return &until
}

// publish runs one post through the retry policy. Only transient failures
// are retried in place. retries counts the transient failures this post has
// already spent across dequeues; the attempt budget is what remains of the
// ceiling.
func (q *PostingQueue) publish(runCtx, ctx context.Context, item *models.QueueItem, retries *int, text, replyToID string) publishOutcome {
	backoff := q.backoff.WithMaxAttempts(q.backoff.MaxAttempts() - *retries).WithNotify(func(attempt int, err error, delay time.Duration) {
		q.mu.Lock()
		*retries++
		q.mu.Unlock()
		apperrors.LogWarn(q.logger, err, "Publish failed; retrying", logrus.Fields{
			LogFieldItemID:  item.ID,
			LogFieldAttempt: attempt,
			LogFieldDelay:   delay.String(),
		})
	})

	var out publishOutcome
	err := backoff.RetryWithPredicate(ctx, func() error {
		out = q.publishOnce(runCtx, ctx, text, replyToID)
		return out.err
	}, apperrors.IsRetryable)

	if err != nil && out.err == nil {
		out = publishOutcome{status: publishFailed, err: err}
	}
	return out
}

// publishOnce makes one attempt. A platform rate limit fails over to the
// next usable account within the same attempt.
func (q *PostingQueue) publishOnce(runCtx, ctx context.Context, text, replyToID string) publishOutcome {
	var excluded []int
	rateLimited := false
	waited := false

	for {
		accounts := q.authenticatedAccounts()
		if len(accounts) == 0 {
			return publishOutcome{
				status:     publishDeferred,
				noAccounts: true,
				err:        apperrors.New(apperrors.ErrCodeUnauthorized, "no authenticated account"),
			}
		}

		sel := selector.Select(q.ledger, q.stickyAccount(), selector.Exclude(accounts, excluded...))
		if !sel.OK {
			if !rateLimited && !waited && sel.ResetAt != nil {
				wait := sel.ResetAt.Sub(q.now())
				if wait <= q.opts.InlineWaitMax {
					waited = true
					q.logger.WithFields(logrus.Fields{
						LogFieldResetAt: sel.ResetAt.UTC().Format(time.RFC3339),
						LogFieldDelay:   wait.String(),
					}).Info("Every account exhausted; waiting for the earliest window reset")
					if !sleepCtx(runCtx, wait) {
						return publishOutcome{
							status:      publishDeferred,
							interrupted: true,
							err:         apperrors.NewRateLimitedError(0, sel.ResetAt),
						}
					}
					continue
				}
			}
			return publishOutcome{
				status:      publishDeferred,
				rateLimited: rateLimited,
				resetAt:     sel.ResetAt,
				err:         apperrors.NewRateLimitedError(0, sel.ResetAt),
			}
		}

		accountID := sel.AccountID
		client, err := q.client(ctx, accountID)
		if err != nil {
			q.disableAccount(accountID, err)
			excluded = append(excluded, accountID)
			continue
		}

		res := q.callPlatform(ctx, client, accountID, text, replyToID)
		if res.Success {
			q.ledger.RecordSuccess(accountID, res.Limits)
			q.setSticky(accountID)
			return publishOutcome{status: publishOK, externalID: res.ExternalID, accountID: accountID}
		}

		appErr := apperrors.FromPublishResult(res)
		if appErr == nil {
			appErr = apperrors.New(apperrors.ErrCodeTransient, "platform call failed without a result")
			appErr.Retryable = true
		}

		switch res.ErrorKind {
		case models.ErrorKindRateLimited:
			var resetAt *time.Time
			if res.Limits != nil {
				resetAt = res.Limits.ResetAt
			}
			q.ledger.RecordRateLimited(accountID, resetAt)
			rateLimited = true
			excluded = append(excluded, accountID)
			apperrors.LogWarn(q.logger, appErr, "Account rate limited; failing over")
		case models.ErrorKindUnauthorized, models.ErrorKindForbidden:
			q.disableAccount(accountID, appErr)
			return publishOutcome{status: publishRejected, accountID: accountID, err: appErr}
		default:
			return publishOutcome{status: publishFailed, accountID: accountID, err: appErr}
		}
	}
}

func (q *PostingQueue) callPlatform(ctx context.Context, client types.Client, accountID int, text, replyToID string) models.PublishResult {
	ctx, span := tracing.StartSpan(ctx, "platform.publish",
		attribute.Int(LogFieldAccountID, accountID),
		attribute.Bool("reply", replyToID != ""),
	)
	defer span.End()

	started := time.Now()
	res := client.Publish(ctx, text, replyToID)
	q.metrics.ObservePublish(accountID, res.ErrorKind, time.Since(started))

	if res.AccountID == 0 {
		res.AccountID = accountID
	}
	if !res.Success {
		if appErr := apperrors.FromPublishResult(res); appErr != nil {
			tracing.RecordError(ctx, appErr, attribute.String(LogFieldErrorKind, string(res.ErrorKind)))
		}
	}
	return res
}

// sleepCtx waits for d and reports false if ctx ended first
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
