package models

import "time"

// ChallengeRegistration is the persisted record that a conversation's send
// queue is gated by a server rate-limit challenge. At most one registration
// exists per conversation; re-registering is a no-op.
type ChallengeRegistration struct {
	ConversationID string    `json:"conversationId"`
	Reason         string    `json:"reason"`
	CreatedAt      time.Time `json:"createdAt"`
	// RetryAt, when set, lets the queue resume after this time without a
	// fresh solve.
	RetryAt *time.Time `json:"retryAt,omitempty"`
	// Token is the opaque continuation token supplied by the block trigger.
	Token string `json:"token,omitempty"`
	// Silent registrations do not prompt the user immediately.
	Silent bool `json:"silent"`
}
