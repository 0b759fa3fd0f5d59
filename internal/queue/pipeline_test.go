package queue

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"courier/internal/errors"
	"courier/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func messageEnvelope(t *testing.T, conversationID, messageID string) models.Envelope {
	t.Helper()
	env, err := models.NewEnvelope(models.PayloadMessageSend, models.MessageSendPayload{
		ConversationID: conversationID,
		MessageID:      messageID,
	})
	require.NoError(t, err)
	return env
}

func TestPipelineIsolatesConversations(t *testing.T) {
	store := newMemStore()

	block := make(chan struct{})
	rec := &recorder{}
	handler := func(ctx context.Context, job models.Job, shouldContinue func() bool) error {
		env, err := models.DecodeEnvelope(job.Payload)
		if err != nil {
			return err
		}
		var payload models.MessageSendPayload
		if err := env.DecodeData(&payload); err != nil {
			return err
		}
		if payload.ConversationID == "conv-a" {
			<-block
		}
		rec.record(payload.ConversationID)
		return nil
	}

	p := NewPipeline(store, handler, Options{Backoff: fastBackoff()}, testLogger())
	require.NoError(t, p.Start(context.Background()))

	_, err := p.Enqueue(context.Background(), "conv-a", messageEnvelope(t, "conv-a", "m1"), nil)
	require.NoError(t, err)
	_, err = p.Enqueue(context.Background(), "conv-b", messageEnvelope(t, "conv-b", "m2"), nil)
	require.NoError(t, err)

	// conv-b completes while conv-a is stuck.
	waitFor(t, time.Second, func() bool {
		seen := rec.seen()
		return len(seen) == 1 && seen[0] == "conv-b"
	})

	close(block)
	waitFor(t, time.Second, func() bool { return len(rec.seen()) == 2 })
}

func TestPipelineRateLimitGatesOnlyOneConversation(t *testing.T) {
	store := newMemStore()

	rec := &recorder{}
	handler := func(ctx context.Context, job models.Job, shouldContinue func() bool) error {
		env, _ := models.DecodeEnvelope(job.Payload)
		var payload models.MessageSendPayload
		_ = env.DecodeData(&payload)
		if payload.ConversationID == "conv-limited" {
			return errors.NewRateLimitError(nil, "tok")
		}
		rec.record(payload.ConversationID)
		return nil
	}

	p := NewPipeline(store, handler, Options{Backoff: fastBackoff()}, testLogger())
	require.NoError(t, p.Start(context.Background()))

	_, err := p.Enqueue(context.Background(), "conv-limited", messageEnvelope(t, "conv-limited", "m1"), nil)
	require.NoError(t, err)
	_, err = p.Enqueue(context.Background(), "conv-free", messageEnvelope(t, "conv-free", "m2"), nil)
	require.NoError(t, err)

	waitFor(t, time.Second, func() bool { return p.IsSuspended("conv-limited") })
	waitFor(t, time.Second, func() bool { return len(rec.seen()) == 1 })

	assert.False(t, p.IsSuspended("conv-free"))
	assert.Equal(t, []string{"conv-free"}, rec.seen())
	assert.Equal(t, 1, store.count(), "rate-limited job stays persisted")
}

func TestPipelineRestartResumesSuspendedQueue(t *testing.T) {
	store := newMemStore()

	var mu sync.Mutex
	limited := true
	done := false
	handler := func(ctx context.Context, job models.Job, shouldContinue func() bool) error {
		mu.Lock()
		defer mu.Unlock()
		if limited {
			limited = false
			return errors.NewRateLimitError(nil, "tok")
		}
		done = true
		return nil
	}

	p := NewPipeline(store, handler, Options{Backoff: fastBackoff()}, testLogger())
	require.NoError(t, p.Start(context.Background()))

	_, err := p.Enqueue(context.Background(), "conv-a", messageEnvelope(t, "conv-a", "m1"), nil)
	require.NoError(t, err)

	waitFor(t, time.Second, func() bool { return p.IsSuspended("conv-a") })

	p.Restart("conv-a")
	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return done
	})
	assert.False(t, p.IsSuspended("conv-a"))
	assert.Equal(t, 0, store.count())
}

func TestPipelineSuspendBeforeQueueExists(t *testing.T) {
	store := newMemStore()

	// A block restored at startup lands before any job is enqueued.
	env := messageEnvelope(t, "conv-blocked", "m1")
	rec := &recorder{}
	handler := func(ctx context.Context, job models.Job, shouldContinue func() bool) error {
		rec.record(job.ID)
		return nil
	}

	p := NewPipeline(store, handler, Options{Backoff: fastBackoff()}, testLogger())
	p.Suspend("conv-blocked")
	require.NoError(t, p.Start(context.Background()))

	assert.True(t, p.IsSuspended("conv-blocked"))

	_, err := p.Enqueue(context.Background(), "conv-blocked", env, nil)
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, rec.seen(), "suspended conversation must not run jobs")
	assert.True(t, p.IsSuspended("conv-blocked"))

	p.Restart("conv-blocked")
	waitFor(t, time.Second, func() bool { return len(rec.seen()) == 1 })
}

func TestPipelineReplayRebuildsQueues(t *testing.T) {
	store := newMemStore()

	encoded, err := json.Marshal(messageEnvelope(t, "conv-a", "m1"))
	require.NoError(t, err)

	require.NoError(t, store.SaveJob(context.Background(), &models.Job{
		ID:        "persisted",
		QueueType: models.ConversationQueueType("conv-a"),
		Payload:   encoded,
		CreatedAt: time.Now().UTC(),
	}, nil))

	rec := &recorder{}
	p := NewPipeline(store, func(ctx context.Context, job models.Job, shouldContinue func() bool) error {
		rec.record(job.ID)
		return nil
	}, Options{Backoff: fastBackoff()}, testLogger())

	require.NoError(t, p.Start(context.Background()))

	waitFor(t, time.Second, func() bool { return len(rec.seen()) == 1 })
	assert.Equal(t, []string{"persisted"}, rec.seen())
	assert.Equal(t, 0, store.count())
}

func TestPipelineEnqueueRejectsMalformedEnvelope(t *testing.T) {
	store := newMemStore()
	p := NewPipeline(store, func(ctx context.Context, job models.Job, shouldContinue func() bool) error {
		return nil
	}, Options{Backoff: fastBackoff()}, testLogger())
	require.NoError(t, p.Start(context.Background()))

	_, err := p.Enqueue(context.Background(), "conv-a", models.Envelope{Kind: "bogus", Version: 1}, nil)
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeInvalidPayload, errors.GetCode(err))
	assert.Equal(t, 0, store.count())
}

func TestPipelineRemoveTearsDownQueue(t *testing.T) {
	store := newMemStore()
	p := NewPipeline(store, func(ctx context.Context, job models.Job, shouldContinue func() bool) error {
		return nil
	}, Options{ShutdownGrace: 100 * time.Millisecond, Backoff: fastBackoff()}, testLogger())
	require.NoError(t, p.Start(context.Background()))

	_, err := p.Enqueue(context.Background(), "conv-a", messageEnvelope(t, "conv-a", "m1"), nil)
	require.NoError(t, err)
	waitFor(t, time.Second, func() bool { return store.count() == 0 })

	require.NoError(t, p.Remove(context.Background(), "conv-a"))

	// A fresh enqueue lazily recreates the queue.
	_, err = p.Enqueue(context.Background(), "conv-a", messageEnvelope(t, "conv-a", "m2"), nil)
	require.NoError(t, err)
	waitFor(t, time.Second, func() bool { return store.count() == 0 })
}
