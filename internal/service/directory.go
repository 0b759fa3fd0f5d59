package service

import (
	"context"
	"sync"

	"courier/internal/models"
)

// MemoryDirectory is an in-process conversation directory. Unknown
// conversation IDs resolve to a direct conversation whose single recipient
// is the ID itself, so the pipeline works without pre-registration.
type MemoryDirectory struct {
	mu            sync.RWMutex
	conversations map[string]*models.Conversation
	members       map[string][]models.Recipient
}

func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{
		conversations: make(map[string]*models.Conversation),
		members:       make(map[string][]models.Recipient),
	}
}

// PutConversation registers or replaces a conversation and its membership.
func (d *MemoryDirectory) PutConversation(conv models.Conversation, members []models.Recipient) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.conversations[conv.ID] = &conv
	d.members[conv.ID] = append([]models.Recipient(nil), members...)
}

// RemoveConversation drops a conversation from the directory.
func (d *MemoryDirectory) RemoveConversation(conversationID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.conversations, conversationID)
	delete(d.members, conversationID)
}

func (d *MemoryDirectory) GetConversation(ctx context.Context, conversationID string) (*models.Conversation, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if conv, ok := d.conversations[conversationID]; ok {
		copied := *conv
		return &copied, nil
	}
	return &models.Conversation{ID: conversationID}, nil
}

func (d *MemoryDirectory) Membership(ctx context.Context, conversationID string) ([]models.Recipient, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if members, ok := d.members[conversationID]; ok {
		return append([]models.Recipient(nil), members...), nil
	}
	return []models.Recipient{{ID: conversationID}}, nil
}
