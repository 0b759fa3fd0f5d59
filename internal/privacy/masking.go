package privacy

import (
	"strings"

	"courier/internal/constants"
)

// MaskRecipient masks a recipient identifier (typically a phone number or
// service UUID) showing only the last 4 characters.
// Example: "+1234567890" -> "+******7890"
func MaskRecipient(id string) string {
	if id == "" {
		return ""
	}

	if strings.HasPrefix(id, "+") {
		if len(id) <= constants.DefaultIdentifierMaskLength+1 {
			return "+" + strings.Repeat("*", len(id)-1)
		}
		return "+" + strings.Repeat("*", len(id)-constants.DefaultIdentifierMaskLength-1) +
			id[len(id)-constants.DefaultIdentifierMaskLength:]
	}

	if len(id) <= constants.DefaultIdentifierMaskLength {
		return strings.Repeat("*", len(id))
	}
	return strings.Repeat("*", len(id)-constants.DefaultIdentifierMaskLength) +
		id[len(id)-constants.DefaultIdentifierMaskLength:]
}

// MaskConversationID masks a conversation identifier but keeps enough of
// the tail to correlate log lines.
func MaskConversationID(conversationID string) string {
	return MaskRecipient(conversationID)
}

// MaskMessageID truncates a message ID for logging.
// Example: "abcd1234-5678-..." -> "abcd1234..."
func MaskMessageID(msgID string) string {
	if msgID == "" {
		return ""
	}
	if len(msgID) <= 8 {
		return msgID
	}
	return msgID[:8] + "..."
}
