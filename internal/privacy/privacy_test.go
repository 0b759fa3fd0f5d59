package privacy

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMaskRecipient(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"empty", "", ""},
		{"phone number", "+1234567890", "+******7890"},
		{"short phone", "+123", "+***"},
		{"uuid-like", "abcd-efgh-1234", "**********1234"},
		{"short id", "abc", "***"},
		{"exactly four", "abcd", "****"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, MaskRecipient(tt.input))
		})
	}
}

func TestMaskConversationIDKeepsTail(t *testing.T) {
	masked := MaskConversationID("+4915551234567")
	assert.Equal(t, "+*********4567", masked)
	assert.NotContains(t, masked[:len(masked)-4], "123", "the body must be masked")
}

func TestMaskMessageID(t *testing.T) {
	assert.Equal(t, "", MaskMessageID(""))
	assert.Equal(t, "short", MaskMessageID("short"))
	assert.Equal(t, "abcd1234...", MaskMessageID("abcd1234-5678-90ab"))
}
