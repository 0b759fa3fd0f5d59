package models

import (
	"encoding/json"
	"fmt"

	"courier/internal/errors"
)

// PayloadKind identifies one of the closed set of job payload variants.
type PayloadKind string

const (
	PayloadMessageSend    PayloadKind = "message-send"
	PayloadProfileKeyPush PayloadKind = "profile-key-push"
	PayloadTimerUpdate    PayloadKind = "timer-update"
	PayloadReceiptBatch   PayloadKind = "receipt-batch"
)

// PayloadVersion is the envelope schema version this build understands.
// A future build must reject, not misinterpret, shapes it no longer knows.
const PayloadVersion = 1

// Envelope is the versioned wrapper persisted as a job's payload.
type Envelope struct {
	Kind    PayloadKind     `json:"kind"`
	Version int             `json:"version"`
	Data    json.RawMessage `json:"data"`
}

// MessageSendPayload queues an outgoing message for delivery.
type MessageSendPayload struct {
	ConversationID string `json:"conversationId"`
	MessageID      string `json:"messageId"`
}

// ProfileKeyPushPayload queues a profile key distribution to one recipient.
type ProfileKeyPushPayload struct {
	ConversationID string `json:"conversationId"`
	RecipientID    string `json:"recipientId"`
}

// TimerUpdatePayload queues an expiration-timer change for a conversation.
type TimerUpdatePayload struct {
	ConversationID string `json:"conversationId"`
	ExpireSeconds  int    `json:"expireSeconds"`
}

// ReceiptBatchPayload queues a batch of read/delivery receipts.
type ReceiptBatchPayload struct {
	ConversationID string   `json:"conversationId"`
	ReceiptType    string   `json:"receiptType"`
	MessageIDs     []string `json:"messageIds"`
}

// NewEnvelope wraps a payload variant in a versioned envelope.
func NewEnvelope(kind PayloadKind, data interface{}) (Envelope, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, fmt.Errorf("failed to marshal %s payload: %w", kind, err)
	}
	return Envelope{Kind: kind, Version: PayloadVersion, Data: raw}, nil
}

// DecodeEnvelope parses and validates a persisted job payload. Unknown
// kinds and unsupported versions fail with an invalid-payload error so a
// stale record is surfaced rather than silently misread.
func DecodeEnvelope(payload json.RawMessage) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return Envelope{}, errors.NewInvalidPayloadError(fmt.Sprintf("malformed payload envelope: %v", err))
	}
	if env.Version != PayloadVersion {
		return Envelope{}, errors.NewInvalidPayloadError(fmt.Sprintf("unsupported payload version %d", env.Version))
	}
	switch env.Kind {
	case PayloadMessageSend, PayloadProfileKeyPush, PayloadTimerUpdate, PayloadReceiptBatch:
	default:
		return Envelope{}, errors.NewInvalidPayloadError(fmt.Sprintf("unknown payload kind %q", env.Kind))
	}
	if len(env.Data) == 0 {
		return Envelope{}, errors.NewInvalidPayloadError("payload data is empty")
	}
	return env, nil
}

// ValidatePayload checks a raw payload without retaining the decoded form.
// Used by the queue at enqueue time.
func ValidatePayload(payload json.RawMessage) error {
	_, err := DecodeEnvelope(payload)
	return err
}

// DecodeData unmarshals the envelope's variant data into out.
func (e Envelope) DecodeData(out interface{}) error {
	if err := json.Unmarshal(e.Data, out); err != nil {
		return errors.NewInvalidPayloadError(fmt.Sprintf("malformed %s payload: %v", e.Kind, err))
	}
	return nil
}
