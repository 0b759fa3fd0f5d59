package service

import (
	"sync"
	"time"

	"courier/internal/models"

	"github.com/sirupsen/logrus"
)

// EventType tags an observable pipeline transition.
type EventType string

const (
	EventMessageSent         EventType = "message-sent"
	EventMessagePartial      EventType = "message-partially-sent"
	EventMessageFailed       EventType = "message-failed"
	EventSendStateChanged    EventType = "send-state-changed"
	EventConversationBlocked EventType = "conversation-blocked"
	EventConversationResumed EventType = "conversation-resumed"
)

// Event is one observable transition: per-message send-state changes and
// per-conversation block/unblock, consumed by UI indicator rendering.
type Event struct {
	Type           EventType         `json:"type"`
	ConversationID string            `json:"conversationId,omitempty"`
	MessageID      string            `json:"messageId,omitempty"`
	RecipientID    string            `json:"recipientId,omitempty"`
	Status         models.SendStatus `json:"status,omitempty"`
	Reason         string            `json:"reason,omitempty"`
	At             time.Time         `json:"at"`
}

// Bus fans events out to subscribers. Publishing never blocks: a slow
// subscriber loses events rather than stalling the send path.
type Bus struct {
	logger *logrus.Logger

	mu   sync.RWMutex
	subs map[int]chan Event
	next int
}

func NewBus(logger *logrus.Logger) *Bus {
	if logger == nil {
		logger = logrus.New()
	}
	return &Bus{
		logger: logger,
		subs:   make(map[int]chan Event),
	}
}

// Subscribe returns a receive channel and a cancel function. The buffer
// bounds how far a subscriber may lag.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}

	b.mu.Lock()
	id := b.next
	b.next++
	ch := make(chan Event, buffer)
	b.subs[id] = ch
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if existing, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(existing)
		}
		b.mu.Unlock()
	}

	return ch, cancel
}

// Publish delivers the event to every subscriber that has room.
func (b *Bus) Publish(evt Event) {
	if evt.At.IsZero() {
		evt.At = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subs {
		select {
		case ch <- evt:
		default:
			b.logger.WithField("eventType", evt.Type).Debug("Dropping event for slow subscriber")
		}
	}
}
