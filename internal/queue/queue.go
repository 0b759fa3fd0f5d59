package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"courier/internal/constants"
	"courier/internal/errors"
	"courier/internal/models"
	"courier/internal/retry"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// JobStore is the durable store a queue persists its records in. Records
// survive restart; SaveJob must persist before returning and run the link
// callback in the same transaction.
type JobStore interface {
	SaveJob(ctx context.Context, job *models.Job, link func(ctx context.Context) error) error
	RemoveJob(ctx context.Context, id string) error
	ListJobs(ctx context.Context, queueType string) ([]models.Job, error)
	UpdateJobAttempts(ctx context.Context, id string, attempts int) error
}

// Handler executes one job. shouldContinue reports whether the job's time
// budget remains; handlers check it at step boundaries rather than
// preemptively, so an in-flight network call is allowed to complete.
type Handler func(ctx context.Context, job models.Job, shouldContinue func() bool) error

// Options tunes one queue instance.
type Options struct {
	QueueType     string
	Concurrency   int
	MaxAttempts   int
	MaxAge        time.Duration
	JobTimeout    time.Duration
	ShutdownGrace time.Duration
	Backoff       retry.BackoffConfig
	// Validate rejects malformed payloads at enqueue time.
	Validate func(payload json.RawMessage) error
	// OnAbandon runs the terminal-failure side effect after the engine
	// gives up on a job. The record is already removed when it fires.
	OnAbandon func(ctx context.Context, job models.Job, err error)
	// OnRateLimit forwards a rate-limit failure once the queue has gated
	// itself. The queue suspends first so a restart issued by the receiver
	// cannot land before the suspend it is meant to clear.
	OnRateLimit func(ctx context.Context, job models.Job, err error)
}

func (o *Options) applyDefaults() {
	if o.Concurrency <= 0 {
		o.Concurrency = constants.DefaultConversationQueueConcurrency
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = constants.DefaultMaxAttempts
	}
	if o.MaxAge <= 0 {
		o.MaxAge = time.Duration(constants.DefaultJobMaxAgeHours) * time.Hour
	}
	if o.JobTimeout <= 0 {
		o.JobTimeout = time.Duration(constants.DefaultJobTimeoutSec) * time.Second
	}
	if o.ShutdownGrace <= 0 {
		o.ShutdownGrace = time.Duration(constants.DefaultShutdownGraceSec) * time.Second
	}
	if o.Backoff.MaxAttempts == 0 {
		o.Backoff = retry.DefaultBackoffConfig()
	}
}

type item struct {
	job models.Job
	// notBefore delays re-dispatch after a retryable failure. Ordering is
	// FIFO regardless: a delayed front item gates everything behind it.
	notBefore time.Time
}

// Queue executes persisted jobs for one queue type under a concurrency
// limit, with bounded per-job wall clock, uniform retry, and give-up
// semantics. Conversation send queues run with concurrency 1, which is the
// ordering mechanism for everything addressed to that conversation.
type Queue struct {
	opts    Options
	store   JobStore
	handler Handler
	logger  *logrus.Entry
	backoff *retry.Backoff

	mu           sync.Mutex
	pending      []*item
	running      int
	suspended    bool
	shuttingDown bool
	wakeTimer    *time.Timer
	baseCtx      context.Context
	wg           sync.WaitGroup
}

func NewQueue(store JobStore, handler Handler, opts Options, logger *logrus.Logger) *Queue {
	opts.applyDefaults()
	if logger == nil {
		logger = logrus.New()
	}
	return &Queue{
		opts:    opts,
		store:   store,
		handler: handler,
		backoff: retry.NewBackoff(opts.Backoff),
		logger:  logger.WithField("queue", opts.QueueType),
		baseCtx: context.Background(),
	}
}

// Start replays every persisted record for this queue type, oldest first,
// evicting records older than the max age without running them.
func (q *Queue) Start(ctx context.Context) error {
	jobs, err := q.store.ListJobs(ctx, q.opts.QueueType)
	if err != nil {
		return fmt.Errorf("failed to replay jobs: %w", err)
	}

	q.mu.Lock()
	q.baseCtx = ctx
	q.mu.Unlock()

	now := time.Now()
	replayed := 0
	for _, job := range jobs {
		if now.Sub(job.CreatedAt) > q.opts.MaxAge {
			q.logger.WithFields(logrus.Fields{
				"jobId":     job.ID,
				"createdAt": job.CreatedAt,
			}).Warn("Evicting expired job without running it")
			if err := q.store.RemoveJob(ctx, job.ID); err != nil {
				q.logger.WithError(err).WithField("jobId", job.ID).Error("Failed to remove expired job")
			}
			continue
		}
		q.mu.Lock()
		q.pending = append(q.pending, &item{job: job})
		q.mu.Unlock()
		replayed++
	}

	if replayed > 0 {
		q.logger.WithField("jobs", replayed).Info("Replaying persisted jobs")
	}

	q.mu.Lock()
	q.dispatchLocked()
	q.mu.Unlock()

	return nil
}

// Enqueue validates and persists a job record before scheduling it. If
// link is non-nil the store runs it in the same transaction as the insert
// so the caller can attach the job id to its own durable record.
func (q *Queue) Enqueue(ctx context.Context, payload json.RawMessage, link func(ctx context.Context, jobID string) error) (string, error) {
	q.mu.Lock()
	if q.shuttingDown {
		q.mu.Unlock()
		return "", errors.New(errors.ErrCodeShuttingDown, "queue is shutting down")
	}
	q.mu.Unlock()

	if q.opts.Validate != nil {
		if err := q.opts.Validate(payload); err != nil {
			return "", err
		}
	}

	job := models.Job{
		ID:        uuid.NewString(),
		QueueType: q.opts.QueueType,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	}

	var storeLink func(ctx context.Context) error
	if link != nil {
		storeLink = func(ctx context.Context) error {
			return link(ctx, job.ID)
		}
	}

	if err := q.store.SaveJob(ctx, &job, storeLink); err != nil {
		return "", fmt.Errorf("failed to persist job: %w", err)
	}

	q.mu.Lock()
	q.pending = append(q.pending, &item{job: job})
	q.dispatchLocked()
	q.mu.Unlock()

	return job.ID, nil
}

// Suspend stops the queue from starting new jobs. Enqueues still persist.
func (q *Queue) Suspend() {
	q.mu.Lock()
	q.suspended = true
	q.mu.Unlock()
	q.logger.Info("Queue suspended")
}

// Restart force-resumes a suspended queue and clears any retry delay so
// replay picks up exactly where it left off.
func (q *Queue) Restart() {
	q.mu.Lock()
	q.suspended = false
	for _, it := range q.pending {
		it.notBefore = time.Time{}
	}
	q.dispatchLocked()
	q.mu.Unlock()
	q.logger.Info("Queue restarted")
}

// IsSuspended reports whether the queue is currently gated.
func (q *Queue) IsSuspended() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.suspended
}

// PendingCount returns the number of jobs waiting to run.
func (q *Queue) PendingCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Shutdown stops accepting new work and waits for in-flight jobs up to the
// grace period so process exit latency stays bounded.
func (q *Queue) Shutdown(ctx context.Context) error {
	q.mu.Lock()
	q.shuttingDown = true
	if q.wakeTimer != nil {
		q.wakeTimer.Stop()
		q.wakeTimer = nil
	}
	q.mu.Unlock()

	graceCtx, cancel := context.WithTimeout(ctx, q.opts.ShutdownGrace)
	defer cancel()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-graceCtx.Done():
		return fmt.Errorf("queue shutdown grace period elapsed: %w", graceCtx.Err())
	}
}

// dispatchLocked starts runnable jobs up to the concurrency limit. Callers
// must hold q.mu.
func (q *Queue) dispatchLocked() {
	for q.running < q.opts.Concurrency && !q.suspended && !q.shuttingDown && len(q.pending) > 0 {
		front := q.pending[0]
		if wait := time.Until(front.notBefore); wait > 0 {
			q.scheduleWakeLocked(wait)
			return
		}
		q.pending = q.pending[1:]
		q.running++
		q.wg.Add(1)
		go q.run(front.job)
	}
}

func (q *Queue) scheduleWakeLocked(wait time.Duration) {
	if q.wakeTimer != nil {
		q.wakeTimer.Stop()
	}
	q.wakeTimer = time.AfterFunc(wait, func() {
		q.mu.Lock()
		q.wakeTimer = nil
		q.dispatchLocked()
		q.mu.Unlock()
	})
}

func (q *Queue) run(job models.Job) {
	defer q.wg.Done()

	q.mu.Lock()
	ctx := q.baseCtx
	q.mu.Unlock()

	job.Attempts++
	if err := q.store.UpdateJobAttempts(ctx, job.ID, job.Attempts); err != nil {
		q.logger.WithError(err).WithField("jobId", job.ID).Error("Failed to persist attempt count")
	}

	runCtx, cancel := context.WithTimeout(ctx, q.opts.JobTimeout)
	deadline, _ := runCtx.Deadline()
	shouldContinue := func() bool {
		return time.Now().Before(deadline)
	}

	err := q.safeHandle(runCtx, job, shouldContinue)
	cancel()

	q.settle(ctx, job, err)
}

// safeHandle converts a handler panic into a retryable failure so one bad
// job cannot take the queue down.
func (q *Queue) safeHandle(ctx context.Context, job models.Job, shouldContinue func() bool) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job handler panicked: %v", r)
		}
	}()
	return q.handler(ctx, job, shouldContinue)
}

// settle applies the outcome of one run: remove on success, requeue without
// an attempt and suspend on rate limit, abandon on exhausted attempts or
// programmer error, otherwise requeue with backoff.
func (q *Queue) settle(ctx context.Context, job models.Job, err error) {
	switch {
	case err == nil:
		if removeErr := q.store.RemoveJob(ctx, job.ID); removeErr != nil {
			q.logger.WithError(removeErr).WithField("jobId", job.ID).Error("Failed to remove completed job")
		}
		q.logger.WithFields(logrus.Fields{
			"jobId":    job.ID,
			"attempts": job.Attempts,
		}).Debug("Job completed")
		q.finish()

	case errors.IsRateLimited(err):
		// Rate limits are not the job's fault: give the attempt back,
		// requeue at the front, and gate the queue until the challenge
		// coordinator restarts it.
		job.Attempts--
		if updateErr := q.store.UpdateJobAttempts(ctx, job.ID, job.Attempts); updateErr != nil {
			q.logger.WithError(updateErr).WithField("jobId", job.ID).Error("Failed to restore attempt count")
		}
		q.mu.Lock()
		q.suspended = true
		q.pending = append([]*item{{job: job}}, q.pending...)
		q.running--
		q.mu.Unlock()
		q.logger.WithFields(errors.LogFields(err)).WithField("jobId", job.ID).
			Warn("Job hit a rate-limit challenge, queue suspended")
		// Forward only after the suspend: a block whose retry time has
		// already elapsed restarts the queue straight away, and that
		// restart must observe the gate it clears.
		if q.opts.OnRateLimit != nil {
			q.opts.OnRateLimit(ctx, job, err)
		}

	case errors.GetCode(err) == errors.ErrCodeInvalidPayload:
		// Programmer/schema error: never retried, logged loudly.
		q.logger.WithError(err).WithField("jobId", job.ID).
			Error("Job payload failed schema validation, abandoning")
		q.abandon(ctx, job, err)
		q.finish()

	case job.Attempts >= q.opts.MaxAttempts:
		q.logger.WithError(err).WithFields(logrus.Fields{
			"jobId":    job.ID,
			"attempts": job.Attempts,
		}).Error("Job exhausted max attempts, abandoning")
		q.abandon(ctx, job, err)
		q.finish()

	default:
		hint, _ := retryAfterHint(err)
		delay := q.backoff.DelayFor(job.Attempts, hint)
		q.logger.WithError(err).WithFields(logrus.Fields{
			"jobId":    job.ID,
			"attempts": job.Attempts,
			"delay":    delay,
		}).Warn("Job failed, will retry")
		q.mu.Lock()
		q.pending = append([]*item{{job: job, notBefore: time.Now().Add(delay)}}, q.pending...)
		q.running--
		q.dispatchLocked()
		q.mu.Unlock()
	}
}

func (q *Queue) abandon(ctx context.Context, job models.Job, err error) {
	if removeErr := q.store.RemoveJob(ctx, job.ID); removeErr != nil {
		q.logger.WithError(removeErr).WithField("jobId", job.ID).Error("Failed to remove abandoned job")
	}
	if q.opts.OnAbandon != nil {
		q.opts.OnAbandon(ctx, job, err)
	}
}

func (q *Queue) finish() {
	q.mu.Lock()
	q.running--
	q.dispatchLocked()
	q.mu.Unlock()
}

func retryAfterHint(err error) (*time.Duration, bool) {
	if d, ok := errors.RetryAfterHint(err); ok {
		return &d, true
	}
	return nil, false
}
