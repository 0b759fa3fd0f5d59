package validation

import (
	"fmt"
	"net/http"

	"courier/internal/errors"
	"courier/internal/security"
)

const (
	maxIdentifierLength = 256
	maxBodyLength       = 64 * 1024
	maxAttachments      = 32
	maxReceiptBatch     = 512
)

// ValidateConversationID checks a conversation identifier for emptiness,
// length, and control characters.
func ValidateConversationID(id string) error {
	return validateIdentifier(id, "conversation ID")
}

// ValidateMessageID checks a message identifier.
func ValidateMessageID(id string) error {
	return validateIdentifier(id, "message ID")
}

func validateIdentifier(id, fieldName string) error {
	if id == "" {
		return errors.NewInvalidPayloadError(fmt.Sprintf("%s cannot be empty", fieldName))
	}
	if len(id) > maxIdentifierLength {
		return errors.NewInvalidPayloadError(fmt.Sprintf("%s too long (max %d characters)", fieldName, maxIdentifierLength))
	}
	for _, char := range id {
		if char == '\x00' || char == '\n' || char == '\r' || char == '\t' {
			return errors.NewInvalidPayloadError(fmt.Sprintf("%s contains invalid characters", fieldName))
		}
	}
	return nil
}

// ValidateBody bounds a message body.
func ValidateBody(body string) error {
	if len(body) > maxBodyLength {
		return errors.NewInvalidPayloadError(fmt.Sprintf("message body too long (max %d bytes)", maxBodyLength))
	}
	return nil
}

// ValidateAttachmentPaths checks attachment count and each local path for
// traversal attempts.
func ValidateAttachmentPaths(paths []string) error {
	if len(paths) > maxAttachments {
		return errors.NewInvalidPayloadError(fmt.Sprintf("too many attachments (max %d)", maxAttachments))
	}
	for _, path := range paths {
		if err := security.ValidateFilePath(path); err != nil {
			return errors.NewInvalidPayloadError(fmt.Sprintf("invalid attachment path: %v", err))
		}
	}
	return nil
}

// ValidateReceiptType restricts receipt types to the known set.
func ValidateReceiptType(receiptType string) error {
	switch receiptType {
	case "read", "delivery", "viewed":
		return nil
	default:
		return errors.NewInvalidPayloadError(fmt.Sprintf("unknown receipt type %q", receiptType))
	}
}

// ValidateReceiptBatch bounds a receipt batch and checks each ID.
func ValidateReceiptBatch(messageIDs []string) error {
	if len(messageIDs) == 0 {
		return errors.NewInvalidPayloadError("receipt batch cannot be empty")
	}
	if len(messageIDs) > maxReceiptBatch {
		return errors.NewInvalidPayloadError(fmt.Sprintf("receipt batch too large (max %d)", maxReceiptBatch))
	}
	for _, id := range messageIDs {
		if err := ValidateMessageID(id); err != nil {
			return err
		}
	}
	return nil
}

// ValidateHTTPRequestSize rejects oversized request bodies before decoding.
func ValidateHTTPRequestSize(r *http.Request, maxSizeBytes int64) error {
	if r.ContentLength > maxSizeBytes {
		return errors.NewInvalidPayloadError(fmt.Sprintf("request body too large (max %d bytes)", maxSizeBytes))
	}
	return nil
}
