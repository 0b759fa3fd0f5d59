package types

import (
	"errors"
	"fmt"
	"time"
)

// RateLimitError is the distinguished error the messaging server returns
// when a send is gated behind a proof-of-work challenge (HTTP 429/413
// class). RetryAfter carries the server's backoff hint when present; Token
// is the opaque continuation token to submit alongside a solved challenge.
type RateLimitError struct {
	StatusCode int
	RetryAfter *time.Duration
	Token      string
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter != nil {
		return fmt.Sprintf("rate limited (status %d, retry after %s)", e.StatusCode, *e.RetryAfter)
	}
	return fmt.Sprintf("rate limited (status %d)", e.StatusCode)
}

// AsRateLimit extracts a RateLimitError from an error chain.
func AsRateLimit(err error) (*RateLimitError, bool) {
	var rle *RateLimitError
	if errors.As(err, &rle) {
		return rle, true
	}
	return nil, false
}

// APIError is a non-rate-limit error response from the messaging server.
type APIError struct {
	StatusCode int
	Endpoint   string
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("transport API error: status %d, endpoint %s, body: %s", e.StatusCode, e.Endpoint, e.Body)
}

// Retryable reports whether the failure is worth retrying at the job level.
func (e *APIError) Retryable() bool {
	return e.StatusCode >= 500 || e.StatusCode == 408
}

// SendKind tags what a recipient send carries.
type SendKind string

const (
	SendKindMessage     SendKind = "message"
	SendKindProfileKey  SendKind = "profile-key"
	SendKindTimerUpdate SendKind = "timer-update"
	SendKindReceipt     SendKind = "receipt"
)

// RecipientSendRequest is one network send to a single recipient.
type RecipientSendRequest struct {
	Recipient     string   `json:"recipient"`
	Kind          SendKind `json:"kind"`
	Timestamp     int64    `json:"timestamp"`
	Body          string   `json:"body,omitempty"`
	Attachments   []string `json:"attachments,omitempty"`
	QuoteRef      string   `json:"quoteRef,omitempty"`
	ExpireSeconds int      `json:"expireSeconds,omitempty"`
	ReceiptType   string   `json:"receiptType,omitempty"`
	ReceiptIDs    []string `json:"receiptIds,omitempty"`
}

// GroupSendRequest is one network send targeting a group's current
// distribution membership and revision.
type GroupSendRequest struct {
	GroupID       string   `json:"groupId"`
	Revision      int      `json:"revision"`
	Recipients    []string `json:"recipients"`
	Kind          SendKind `json:"kind"`
	Timestamp     int64    `json:"timestamp"`
	Body          string   `json:"body,omitempty"`
	Attachments   []string `json:"attachments,omitempty"`
	QuoteRef      string   `json:"quoteRef,omitempty"`
	ExpireSeconds int      `json:"expireSeconds,omitempty"`
}

// SendResult is the per-call outcome. Failed and Unregistered list
// recipients the server could not deliver to; everyone else succeeded.
type SendResult struct {
	Timestamp    int64    `json:"timestamp"`
	Failed       []string `json:"failed,omitempty"`
	Unregistered []string `json:"unregistered,omitempty"`
}

// UploadResponse is the server's reply to an attachment upload.
type UploadResponse struct {
	ID string `json:"id"`
}

// ChallengeSubmission clears a rate-limit gate with a solved token.
type ChallengeSubmission struct {
	Token   string `json:"token"`
	Captcha string `json:"captcha"`
}
