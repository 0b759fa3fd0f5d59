package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"courier/internal/constants"
	"courier/internal/errors"
	"courier/internal/models"
	"courier/internal/privacy"
	"courier/internal/retry"
	"courier/pkg/transport/types"

	"github.com/sirupsen/logrus"
)

// ChallengeStore is the persisted-block slice of the durable store.
type ChallengeStore interface {
	SaveChallenge(ctx context.Context, reg *models.ChallengeRegistration) error
	RemoveChallenge(ctx context.Context, conversationID string) error
	ListChallenges(ctx context.Context) ([]models.ChallengeRegistration, error)
}

// QueueController gates and releases per-conversation send queues.
type QueueController interface {
	Suspend(conversationID string)
	Restart(conversationID string)
	IsSuspended(conversationID string) bool
}

// ChallengeSubmitter clears a rate-limit gate with a solved captcha.
type ChallengeSubmitter interface {
	SubmitChallenge(ctx context.Context, token, captcha string) error
}

// Prompter asks the human-interaction collaborator for a solve. The answer
// arrives asynchronously through OnSolveResponse with the same seq.
type Prompter interface {
	Prompt(ctx context.Context, seq uint64, reason string) error
}

// ChallengeOptions tunes the coordinator. Zero values take defaults.
type ChallengeOptions struct {
	// MaxAge drops persisted blocks older than this on load.
	MaxAge time.Duration
	// PromptTimeout bounds the wait for a human solve. Zero waits
	// indefinitely; a person may take arbitrary time.
	PromptTimeout time.Duration
	Backoff       retry.BackoffConfig
}

func (o *ChallengeOptions) applyDefaults() {
	if o.MaxAge <= 0 {
		o.MaxAge = constants.DefaultChallengeMaxAgeHours * time.Hour
	}
	if o.Backoff.InitialDelay <= 0 {
		o.Backoff = retry.BackoffConfig{
			InitialDelay: constants.DefaultSolveBackoffInitialMs * time.Millisecond,
			MaxDelay:     constants.DefaultSolveBackoffMaxSec * time.Second,
			Multiplier:   2.0,
			Jitter:       true,
		}
	}
}

type solveResponse struct {
	captcha string
	err     error
}

// ChallengeCoordinator owns the process-wide rate-limit block registry. A
// registered block suspends its conversation's queue until either the
// server-supplied retry time elapses or a human solves the challenge; one
// successful solve restarts every registered conversation.
type ChallengeCoordinator struct {
	mu sync.Mutex

	logger    *logrus.Logger
	store     ChallengeStore
	queues    QueueController
	submitter ChallengeSubmitter
	prompter  Prompter
	events    *Bus
	opts      ChallengeOptions
	backoff   *retry.Backoff

	baseCtx context.Context

	registrations map[string]*models.ChallengeRegistration
	timers        map[string]*time.Timer

	waiters map[uint64]chan solveResponse
	nextSeq uint64

	solving       int
	solveAttempts int
	nextSolveAt   time.Time
	solveRetry    *time.Timer

	online        bool
	pendingStarts map[string]struct{}
}

func NewChallengeCoordinator(store ChallengeStore, queues QueueController, submitter ChallengeSubmitter, prompter Prompter, events *Bus, opts ChallengeOptions, logger *logrus.Logger) *ChallengeCoordinator {
	if logger == nil {
		logger = logrus.New()
	}
	opts.applyDefaults()
	return &ChallengeCoordinator{
		logger:        logger,
		store:         store,
		queues:        queues,
		submitter:     submitter,
		prompter:      prompter,
		events:        events,
		opts:          opts,
		backoff:       retry.NewBackoff(opts.Backoff),
		baseCtx:       context.Background(),
		registrations: make(map[string]*models.ChallengeRegistration),
		timers:        make(map[string]*time.Timer),
		waiters:       make(map[uint64]chan solveResponse),
		pendingStarts: make(map[string]struct{}),
		online:        true,
	}
}

// SetPrompter wires the human-interaction collaborator. The socket needs
// the coordinator to route responses, so the prompter attaches after
// construction.
func (c *ChallengeCoordinator) SetPrompter(p Prompter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prompter = p
}

// Load restores persisted blocks. Blocks past max age are dropped without
// examination; surviving ones re-suspend their queues and re-arm their
// timers, since queue replay alone would resume a blocked conversation.
func (c *ChallengeCoordinator) Load(ctx context.Context) error {
	c.baseCtx = ctx

	regs, err := c.store.ListChallenges(ctx)
	if err != nil {
		return fmt.Errorf("failed to load challenge registry: %w", err)
	}

	cutoff := time.Now().Add(-c.opts.MaxAge)

	c.mu.Lock()
	defer c.mu.Unlock()

	for i := range regs {
		reg := regs[i]
		log := c.logger.WithField("conversation", privacy.MaskConversationID(reg.ConversationID))

		if reg.CreatedAt.Before(cutoff) {
			if err := c.store.RemoveChallenge(ctx, reg.ConversationID); err != nil {
				log.WithError(err).Warn("Failed to drop stale challenge block")
			} else {
				log.Info("Dropped stale challenge block on load")
			}
			continue
		}

		c.registrations[reg.ConversationID] = &reg
		c.queues.Suspend(reg.ConversationID)
		c.armLocked(&reg)
		log.Info("Restored challenge block")
	}

	return nil
}

// Register records a rate-limit block for a conversation and suspends its
// queue. Idempotent per conversation.
func (c *ChallengeCoordinator) Register(ctx context.Context, reg models.ChallengeRegistration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.registrations[reg.ConversationID]; exists {
		return nil
	}

	if reg.CreatedAt.IsZero() {
		reg.CreatedAt = time.Now().UTC()
	}

	if err := c.store.SaveChallenge(ctx, &reg); err != nil {
		return fmt.Errorf("failed to persist challenge block: %w", err)
	}

	c.registrations[reg.ConversationID] = &reg
	c.queues.Suspend(reg.ConversationID)

	c.events.Publish(Event{
		Type:           EventConversationBlocked,
		ConversationID: reg.ConversationID,
		Reason:         reg.Reason,
	})

	c.logger.WithFields(logrus.Fields{
		"conversation": privacy.MaskConversationID(reg.ConversationID),
		"hasRetryAt":   reg.RetryAt != nil,
		"silent":       reg.Silent,
	}).Info("Registered challenge block")

	c.armLocked(&reg)
	return nil
}

// RegisterRateLimit adapts a rate-limit failure into a block registration.
// The queue engine calls it after gating the affected conversation.
func (c *ChallengeCoordinator) RegisterRateLimit(ctx context.Context, conversationID string, cause error) error {
	reg := models.ChallengeRegistration{
		ConversationID: conversationID,
		Reason:         cause.Error(),
		CreatedAt:      time.Now().UTC(),
	}
	if rle, ok := types.AsRateLimit(cause); ok {
		reg.Token = rle.Token
		if rle.RetryAfter != nil {
			at := time.Now().Add(*rle.RetryAfter)
			reg.RetryAt = &at
		}
	} else if hint, ok := errors.RetryAfterHint(cause); ok {
		at := time.Now().Add(hint)
		reg.RetryAt = &at
	}
	return c.Register(ctx, reg)
}

// armLocked decides a freshly registered or restored block's path: an
// elapsed retry time restarts now, a future one arms a timer, anything
// else needs an active solve unless the registration is silent.
func (c *ChallengeCoordinator) armLocked(reg *models.ChallengeRegistration) {
	switch {
	case reg.RetryAt != nil && !reg.RetryAt.After(time.Now()):
		go c.matured(reg.ConversationID)
	case reg.RetryAt != nil:
		id := reg.ConversationID
		c.timers[id] = time.AfterFunc(time.Until(*reg.RetryAt), func() {
			c.matured(id)
		})
	case !reg.Silent:
		go c.solve(reg.Reason, reg.Token)
	}
}

// matured handles an elapsed retry timer. While offline the restart is
// parked as a pending start so reconnect does not race a dead connection.
func (c *ChallengeCoordinator) matured(conversationID string) {
	c.mu.Lock()
	if !c.online {
		c.pendingStarts[conversationID] = struct{}{}
		c.mu.Unlock()
		c.logger.WithField("conversation", privacy.MaskConversationID(conversationID)).
			Debug("Block matured while offline, restart deferred")
		return
	}
	c.mu.Unlock()

	c.release(conversationID)
}

// release removes one block and restarts its queue.
func (c *ChallengeCoordinator) release(conversationID string) {
	c.mu.Lock()
	reg, exists := c.registrations[conversationID]
	if !exists {
		c.mu.Unlock()
		return
	}
	delete(c.registrations, conversationID)
	if timer, ok := c.timers[conversationID]; ok {
		timer.Stop()
		delete(c.timers, conversationID)
	}
	c.mu.Unlock()

	if err := c.store.RemoveChallenge(c.baseCtx, conversationID); err != nil {
		c.logger.WithError(err).WithField(
			"conversation", privacy.MaskConversationID(conversationID),
		).Warn("Failed to remove challenge block record")
	}

	c.queues.Restart(conversationID)

	c.events.Publish(Event{
		Type:           EventConversationResumed,
		ConversationID: conversationID,
		Reason:         reg.Reason,
	})

	c.logger.WithField("conversation", privacy.MaskConversationID(conversationID)).
		Info("Challenge block released")
}

// solve runs the human-interaction round trip. The solving counter
// suppresses duplicate prompts while one is already outstanding; a single
// successful submission restarts every registered conversation, since all
// blocks share the same underlying trigger.
func (c *ChallengeCoordinator) solve(reason, token string) {
	c.mu.Lock()
	for {
		if c.solving > 0 {
			c.mu.Unlock()
			return
		}
		wait := time.Until(c.nextSolveAt)
		if wait <= 0 {
			break
		}
		c.mu.Unlock()
		select {
		case <-time.After(wait):
		case <-c.baseCtx.Done():
			return
		}
		// Another solve may have started, or moved the gate, while this
		// one slept out the backoff.
		c.mu.Lock()
	}
	prompter := c.prompter
	if prompter == nil {
		c.mu.Unlock()
		c.logger.Warn("No challenge prompter wired, solve deferred")
		c.scheduleSolveRetry(c.recordSolveFailure(nil))
		return
	}
	c.solving++
	seq := c.nextSeq
	c.nextSeq++
	ch := make(chan solveResponse, 1)
	c.waiters[seq] = ch
	c.mu.Unlock()

	retryIn := time.Duration(-1)
	defer func() {
		c.mu.Lock()
		c.solving--
		delete(c.waiters, seq)
		c.mu.Unlock()
		// Armed after the solving counter drops so the re-attempt is not
		// suppressed as a duplicate of this one.
		if retryIn >= 0 {
			c.scheduleSolveRetry(retryIn)
		}
	}()

	log := c.logger.WithField("solveSeq", seq)

	if err := prompter.Prompt(c.baseCtx, seq, reason); err != nil {
		log.WithError(err).Warn("Failed to deliver challenge prompt")
		retryIn = c.recordSolveFailure(nil)
		return
	}

	var resp solveResponse
	if c.opts.PromptTimeout > 0 {
		timer := time.NewTimer(c.opts.PromptTimeout)
		defer timer.Stop()
		select {
		case resp = <-ch:
		case <-timer.C:
			log.Warn("Challenge prompt timed out")
			retryIn = c.recordSolveFailure(nil)
			return
		case <-c.baseCtx.Done():
			return
		}
	} else {
		select {
		case resp = <-ch:
		case <-c.baseCtx.Done():
			return
		}
	}

	if resp.err != nil {
		log.WithError(resp.err).Warn("Challenge prompt rejected")
		retryIn = c.recordSolveFailure(nil)
		return
	}

	if err := c.submitter.SubmitChallenge(c.baseCtx, token, resp.captcha); err != nil {
		log.WithError(err).Warn("Challenge submission rejected")
		var hint *time.Duration
		if rle, ok := types.AsRateLimit(err); ok && rle.RetryAfter != nil {
			hint = rle.RetryAfter
		}
		retryIn = c.recordSolveFailure(hint)
		return
	}

	log.Info("Challenge solved")

	c.mu.Lock()
	c.solveAttempts = 0
	c.nextSolveAt = time.Time{}
	if c.solveRetry != nil {
		c.solveRetry.Stop()
		c.solveRetry = nil
	}
	ids := make([]string, 0, len(c.registrations))
	for id := range c.registrations {
		ids = append(ids, id)
	}
	c.mu.Unlock()

	// One solve clears them all.
	for _, id := range ids {
		c.release(id)
	}
}

// recordSolveFailure arms the backoff gate before the next attempt,
// preferring a server-supplied hint, and returns the wait.
func (c *ChallengeCoordinator) recordSolveFailure(hint *time.Duration) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.solveAttempts++
	delay := c.backoff.DelayFor(c.solveAttempts, hint)
	c.nextSolveAt = time.Now().Add(delay)
	return delay
}

// scheduleSolveRetry re-enters the solve flow once the backoff gate opens.
// A failed attempt must not leave blocked conversations waiting on a
// trigger that never comes; Register is a no-op for them.
func (c *ChallengeCoordinator) scheduleSolveRetry(delay time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.solveRetry != nil {
		c.solveRetry.Stop()
	}
	c.solveRetry = time.AfterFunc(delay, c.retrySolve)
}

// retrySolve runs the solve flow again for any block still waiting on an
// active solve. No-op when everything was released in the meantime.
func (c *ChallengeCoordinator) retrySolve() {
	c.mu.Lock()
	var next *models.ChallengeRegistration
	for _, reg := range c.registrations {
		if reg.RetryAt == nil && !reg.Silent {
			next = reg
			break
		}
	}
	c.mu.Unlock()

	if next == nil {
		return
	}
	c.solve(next.Reason, next.Token)
}

// OnSolveResponse delivers the UI's answer for a prompt sequence number.
// Unknown sequences are ignored; the waiter may have timed out.
func (c *ChallengeCoordinator) OnSolveResponse(seq uint64, captcha string, err error) {
	c.mu.Lock()
	ch, ok := c.waiters[seq]
	if ok {
		delete(c.waiters, seq)
	}
	c.mu.Unlock()

	if !ok {
		c.logger.WithField("solveSeq", seq).Debug("Ignoring solve response with no waiter")
		return
	}
	ch <- solveResponse{captcha: captcha, err: err}
}

// SetOnline flips connectivity. Going online flushes restarts parked while
// offline.
func (c *ChallengeCoordinator) SetOnline(online bool) {
	c.mu.Lock()
	c.online = online
	var flush []string
	if online {
		for id := range c.pendingStarts {
			flush = append(flush, id)
		}
		c.pendingStarts = make(map[string]struct{})
	}
	c.mu.Unlock()

	for _, id := range flush {
		c.release(id)
	}
}

// IsBlocked reports whether a conversation has an active registration.
func (c *ChallengeCoordinator) IsBlocked(conversationID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.registrations[conversationID]
	return ok
}

// Shutdown stops pending timers. Outstanding prompts are abandoned; their
// blocks stay persisted and reload on the next start.
func (c *ChallengeCoordinator) Shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, timer := range c.timers {
		timer.Stop()
		delete(c.timers, id)
	}
	if c.solveRetry != nil {
		c.solveRetry.Stop()
		c.solveRetry = nil
	}
}
