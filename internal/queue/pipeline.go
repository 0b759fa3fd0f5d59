package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"courier/internal/models"
	"courier/internal/privacy"

	"github.com/sirupsen/logrus"
)

// PipelineStore extends JobStore with the startup scan that rebuilds the
// queue registry after a restart.
type PipelineStore interface {
	JobStore
	ListQueueTypes(ctx context.Context) ([]string, error)
}

// Pipeline owns one concurrency-1 send queue per conversation, created
// lazily and torn down explicitly on conversation deletion. It is the only
// registry; there are no ambient queue singletons.
type Pipeline struct {
	store    PipelineStore
	handler  Handler
	template Options
	logger   *logrus.Logger

	mu     sync.Mutex
	queues map[string]*Queue
	// suspended survives ahead of queue creation so a block registered
	// before startup replay still gates the conversation.
	suspended map[string]bool
	ctx       context.Context
	started   bool
}

func NewPipeline(store PipelineStore, handler Handler, template Options, logger *logrus.Logger) *Pipeline {
	if logger == nil {
		logger = logrus.New()
	}
	template.Concurrency = 1
	if template.Validate == nil {
		template.Validate = models.ValidatePayload
	}
	return &Pipeline{
		store:     store,
		handler:   handler,
		template:  template,
		logger:    logger,
		queues:    make(map[string]*Queue),
		suspended: make(map[string]bool),
		ctx:       context.Background(),
	}
}

// Start rebuilds queues for every conversation with persisted jobs and
// replays them in enqueue order.
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	p.ctx = ctx
	p.started = true
	p.mu.Unlock()

	queueTypes, err := p.store.ListQueueTypes(ctx)
	if err != nil {
		return fmt.Errorf("failed to scan persisted queues: %w", err)
	}

	for _, queueType := range queueTypes {
		conversationID, ok := models.ConversationFromQueueType(queueType)
		if !ok {
			p.logger.WithField("queueType", queueType).Warn("Skipping unknown queue type on replay")
			continue
		}
		if _, err := p.queueFor(ctx, conversationID); err != nil {
			return err
		}
	}

	return nil
}

// Enqueue wraps the payload variant in a versioned envelope and queues it
// on the conversation's send queue.
func (p *Pipeline) Enqueue(ctx context.Context, conversationID string, env models.Envelope, link func(ctx context.Context, jobID string) error) (string, error) {
	payload, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("failed to marshal payload envelope: %w", err)
	}

	q, err := p.queueFor(ctx, conversationID)
	if err != nil {
		return "", err
	}

	jobID, err := q.Enqueue(ctx, payload, link)
	if err != nil {
		return "", err
	}

	p.logger.WithFields(logrus.Fields{
		"conversation": privacy.MaskConversationID(conversationID),
		"jobId":        jobID,
		"kind":         env.Kind,
	}).Debug("Job enqueued")

	return jobID, nil
}

// Suspend gates a conversation's queue without touching its persisted
// jobs. The suspension sticks even when the queue has not been created
// yet, so blocks restored before startup replay still hold.
func (p *Pipeline) Suspend(conversationID string) {
	p.mu.Lock()
	p.suspended[conversationID] = true
	q := p.queues[conversationID]
	p.mu.Unlock()
	if q != nil {
		q.Suspend()
	}
}

// Restart force-resumes a conversation's queue. Used by the challenge
// coordinator once a block clears.
func (p *Pipeline) Restart(conversationID string) {
	p.mu.Lock()
	delete(p.suspended, conversationID)
	q := p.queues[conversationID]
	p.mu.Unlock()
	if q != nil {
		q.Restart()
	}
}

// IsSuspended reports whether a conversation's queue is currently gated.
func (p *Pipeline) IsSuspended(conversationID string) bool {
	p.mu.Lock()
	sticky := p.suspended[conversationID]
	q := p.queues[conversationID]
	p.mu.Unlock()
	if q != nil {
		return q.IsSuspended()
	}
	return sticky
}

// Remove tears down a conversation's queue, e.g. when the conversation is
// deleted locally.
func (p *Pipeline) Remove(ctx context.Context, conversationID string) error {
	p.mu.Lock()
	q, ok := p.queues[conversationID]
	delete(p.queues, conversationID)
	p.mu.Unlock()

	if !ok {
		return nil
	}
	return q.Shutdown(ctx)
}

// Shutdown drains every queue with the configured grace period.
func (p *Pipeline) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	queues := make([]*Queue, 0, len(p.queues))
	for _, q := range p.queues {
		queues = append(queues, q)
	}
	p.mu.Unlock()

	var firstErr error
	for _, q := range queues {
		if err := q.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// queueFor returns the conversation's queue, creating and replaying it on
// first use.
func (p *Pipeline) queueFor(ctx context.Context, conversationID string) (*Queue, error) {
	p.mu.Lock()
	if q, ok := p.queues[conversationID]; ok {
		p.mu.Unlock()
		return q, nil
	}

	opts := p.template
	opts.QueueType = models.ConversationQueueType(conversationID)
	q := NewQueue(p.store, p.handler, opts, p.logger)
	p.queues[conversationID] = q
	if p.suspended[conversationID] {
		q.Suspend()
	}
	runCtx := p.ctx
	p.mu.Unlock()

	if err := q.Start(runCtx); err != nil {
		p.mu.Lock()
		delete(p.queues, conversationID)
		p.mu.Unlock()
		return nil, fmt.Errorf("failed to start queue for conversation: %w", err)
	}

	return q, nil
}
