package models

import (
	"encoding/json"
	"strings"
	"time"
)

// Job is one persisted unit of retryable work addressed to a queue.
// Records survive process restart; the queue engine removes them on
// terminal success, explicit abandonment, or age-based eviction on load.
type Job struct {
	ID        string          `json:"id"`
	QueueType string          `json:"queueType"`
	Payload   json.RawMessage `json:"payload"`
	Attempts  int             `json:"attempts"`
	CreatedAt time.Time       `json:"createdAt"`
}

// ConversationQueueType returns the queue type tag for a conversation's
// send queue. Every job kind addressed to the same conversation shares it.
func ConversationQueueType(conversationID string) string {
	return "conversation:" + conversationID
}

// ConversationFromQueueType recovers the conversation id from a send-queue
// type tag. ok is false for queue types that are not conversation queues.
func ConversationFromQueueType(queueType string) (string, bool) {
	return strings.CutPrefix(queueType, "conversation:")
}
