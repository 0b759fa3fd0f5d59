package models

import "time"

// SendStatus tracks one recipient's delivery state. A recipient moves
// pending -> sent or pending -> failed, never backward.
type SendStatus string

const (
	SendStatusPending SendStatus = "pending"
	SendStatusSent    SendStatus = "sent"
	SendStatusFailed  SendStatus = "failed"
)

// RecipientSendState records a recipient's current status and when it
// last changed.
type RecipientSendState struct {
	Status    SendStatus `json:"status"`
	UpdatedAt time.Time  `json:"updatedAt"`
}

// PartKind identifies a binary content part of an outgoing message.
type PartKind string

const (
	PartAttachment     PartKind = "attachment"
	PartQuoteThumbnail PartKind = "quote-thumbnail"
	PartPreviewImage   PartKind = "preview-image"
	PartSticker        PartKind = "sticker"
	PartContactAvatar  PartKind = "contact-avatar"
)

// ContentPart is one uploadable piece of a message. RemoteRef is empty
// until the part has been uploaded and the reference durably recorded;
// re-runs skip parts whose RemoteRef is already set.
type ContentPart struct {
	Kind        PartKind `json:"kind"`
	LocalPath   string   `json:"localPath"`
	ContentType string   `json:"contentType"`
	RemoteRef   string   `json:"remoteRef,omitempty"`
}

// Uploaded reports whether the part's remote reference is durable.
func (p ContentPart) Uploaded() bool {
	return p.RemoteRef != ""
}

// OutgoingMessage is the persisted record of a message being sent. It is
// owned by its conversation; the conversation queue's single concurrency
// guarantees one writer at a time.
type OutgoingMessage struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversationId"`
	// Timestamp is the logical send time, stable across retries.
	Timestamp int64                         `json:"timestamp"`
	Body      string                        `json:"body"`
	Parts     []ContentPart                 `json:"parts,omitempty"`
	SendState map[string]RecipientSendState `json:"sendState"`
	JobID     string                        `json:"jobId,omitempty"`
	Deleted   bool                          `json:"deleted,omitempty"`
	// FailureMessage is set when the send job gives up permanently.
	FailureMessage string    `json:"failureMessage,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// FullySent reports whether every tracked recipient reached sent.
func (m *OutgoingMessage) FullySent() bool {
	if len(m.SendState) == 0 {
		return false
	}
	for _, st := range m.SendState {
		if st.Status != SendStatusSent {
			return false
		}
	}
	return true
}

// PartiallySent reports whether some but not all recipients reached sent.
func (m *OutgoingMessage) PartiallySent() bool {
	sent := 0
	for _, st := range m.SendState {
		if st.Status == SendStatusSent {
			sent++
		}
	}
	return sent > 0 && sent < len(m.SendState)
}

// MarkRecipient transitions one recipient's state. Already-sent
// recipients are never demoted.
func (m *OutgoingMessage) MarkRecipient(recipientID string, status SendStatus, now time.Time) {
	if m.SendState == nil {
		m.SendState = make(map[string]RecipientSendState)
	}
	if cur, ok := m.SendState[recipientID]; ok && cur.Status == SendStatusSent {
		return
	}
	m.SendState[recipientID] = RecipientSendState{Status: status, UpdatedAt: now}
}

// Recipient is one member of a conversation as resolved at send time.
type Recipient struct {
	ID           string `json:"id"`
	Self         bool   `json:"self"`
	Untrusted    bool   `json:"untrusted"`
	Unregistered bool   `json:"unregistered"`
	Blocked      bool   `json:"blocked"`
}

// Conversation describes the send topology for a conversation.
type Conversation struct {
	ID       string `json:"id"`
	GroupID  string `json:"groupId,omitempty"`
	Revision int    `json:"revision,omitempty"`
}

// IsGroup reports whether sends fan out through a group distribution.
func (c Conversation) IsGroup() bool {
	return c.GroupID != ""
}
