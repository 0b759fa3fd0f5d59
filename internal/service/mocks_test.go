package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"courier/internal/models"
	"courier/pkg/transport/types"

	"github.com/sirupsen/logrus"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.FatalLevel)
	return logger
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

// memMessageStore keeps message records as JSON so patches cannot alias
// the caller's copy, mirroring how the real store round-trips records.
type memMessageStore struct {
	mu       sync.Mutex
	messages map[string][]byte
	updates  int
}

func newMemMessageStore() *memMessageStore {
	return &memMessageStore{messages: make(map[string][]byte)}
}

func (s *memMessageStore) SaveMessage(ctx context.Context, msg *models.OutgoingMessage) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[msg.ID] = raw
	return nil
}

func (s *memMessageStore) GetMessage(ctx context.Context, id string) (*models.OutgoingMessage, error) {
	s.mu.Lock()
	raw, ok := s.messages[id]
	s.mu.Unlock()
	if !ok {
		return nil, nil
	}
	var msg models.OutgoingMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

func (s *memMessageStore) UpdateMessage(ctx context.Context, id string, patch func(*models.OutgoingMessage) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	raw, ok := s.messages[id]
	if !ok {
		return fmt.Errorf("message not found: %s", id)
	}
	var msg models.OutgoingMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return err
	}
	if err := patch(&msg); err != nil {
		return err
	}
	updated, err := json.Marshal(&msg)
	if err != nil {
		return err
	}
	s.messages[id] = updated
	s.updates++
	return nil
}

func (s *memMessageStore) mustGet(t *testing.T, id string) *models.OutgoingMessage {
	t.Helper()
	msg, err := s.GetMessage(context.Background(), id)
	if err != nil {
		t.Fatalf("get message: %v", err)
	}
	if msg == nil {
		t.Fatalf("message %s not found", id)
	}
	return msg
}

// mockTransport is a function-field transport client.
type mockTransport struct {
	mu sync.Mutex

	uploadFn      func(ctx context.Context, data []byte, contentType string) (string, error)
	sendFn        func(ctx context.Context, req types.RecipientSendRequest) (*types.SendResult, error)
	sendGroupFn   func(ctx context.Context, req types.GroupSendRequest) (*types.SendResult, error)
	submitFn      func(ctx context.Context, token, captcha string) error
	uploads       int
	recipientReqs []types.RecipientSendRequest
	groupReqs     []types.GroupSendRequest
	submissions   []types.ChallengeSubmission
}

func (m *mockTransport) Upload(ctx context.Context, data []byte, contentType string) (string, error) {
	m.mu.Lock()
	m.uploads++
	n := m.uploads
	m.mu.Unlock()
	if m.uploadFn != nil {
		return m.uploadFn(ctx, data, contentType)
	}
	return fmt.Sprintf("remote-ref-%d", n), nil
}

func (m *mockTransport) SendToRecipient(ctx context.Context, req types.RecipientSendRequest) (*types.SendResult, error) {
	m.mu.Lock()
	m.recipientReqs = append(m.recipientReqs, req)
	m.mu.Unlock()
	if m.sendFn != nil {
		return m.sendFn(ctx, req)
	}
	return &types.SendResult{Timestamp: req.Timestamp}, nil
}

func (m *mockTransport) SendToGroup(ctx context.Context, req types.GroupSendRequest) (*types.SendResult, error) {
	m.mu.Lock()
	m.groupReqs = append(m.groupReqs, req)
	m.mu.Unlock()
	if m.sendGroupFn != nil {
		return m.sendGroupFn(ctx, req)
	}
	return &types.SendResult{Timestamp: req.Timestamp}, nil
}

func (m *mockTransport) SubmitChallenge(ctx context.Context, token, captcha string) error {
	m.mu.Lock()
	m.submissions = append(m.submissions, types.ChallengeSubmission{Token: token, Captcha: captcha})
	m.mu.Unlock()
	if m.submitFn != nil {
		return m.submitFn(ctx, token, captcha)
	}
	return nil
}

func (m *mockTransport) recipientSends() []types.RecipientSendRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]types.RecipientSendRequest(nil), m.recipientReqs...)
}

func (m *mockTransport) groupSends() []types.GroupSendRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]types.GroupSendRequest(nil), m.groupReqs...)
}

func (m *mockTransport) submitted() []types.ChallengeSubmission {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]types.ChallengeSubmission(nil), m.submissions...)
}

func (m *mockTransport) uploadCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.uploads
}

// memJobStore is an in-memory ordered job store for tests that wire a
// real pipeline to the coordinator.
type memJobStore struct {
	mu   sync.Mutex
	jobs []models.Job
}

func newMemJobStore() *memJobStore {
	return &memJobStore{}
}

func (s *memJobStore) SaveJob(ctx context.Context, job *models.Job, link func(ctx context.Context) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if link != nil {
		if err := link(ctx); err != nil {
			return err
		}
	}
	s.jobs = append(s.jobs, *job)
	return nil
}

func (s *memJobStore) RemoveJob(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, job := range s.jobs {
		if job.ID == id {
			s.jobs = append(s.jobs[:i], s.jobs[i+1:]...)
			return nil
		}
	}
	return nil
}

func (s *memJobStore) ListJobs(ctx context.Context, queueType string) ([]models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Job
	for _, job := range s.jobs {
		if job.QueueType == queueType {
			out = append(out, job)
		}
	}
	return out, nil
}

func (s *memJobStore) UpdateJobAttempts(ctx context.Context, id string, attempts int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.jobs {
		if s.jobs[i].ID == id {
			s.jobs[i].Attempts = attempts
			return nil
		}
	}
	return fmt.Errorf("job not found: %s", id)
}

func (s *memJobStore) ListQueueTypes(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[string]bool)
	var out []string
	for _, job := range s.jobs {
		if !seen[job.QueueType] {
			seen[job.QueueType] = true
			out = append(out, job.QueueType)
		}
	}
	return out, nil
}

func (s *memJobStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

// memChallengeStore is an in-memory block registry.
type memChallengeStore struct {
	mu     sync.Mutex
	blocks map[string]models.ChallengeRegistration
}

func newMemChallengeStore() *memChallengeStore {
	return &memChallengeStore{blocks: make(map[string]models.ChallengeRegistration)}
}

func (s *memChallengeStore) SaveChallenge(ctx context.Context, reg *models.ChallengeRegistration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blocks[reg.ConversationID] = *reg
	return nil
}

func (s *memChallengeStore) RemoveChallenge(ctx context.Context, conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.blocks, conversationID)
	return nil
}

func (s *memChallengeStore) ListChallenges(ctx context.Context) ([]models.ChallengeRegistration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.ChallengeRegistration, 0, len(s.blocks))
	for _, reg := range s.blocks {
		out = append(out, reg)
	}
	return out, nil
}

func (s *memChallengeStore) has(conversationID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.blocks[conversationID]
	return ok
}

// mockQueueController tracks suspend/restart calls.
type mockQueueController struct {
	mu        sync.Mutex
	suspended map[string]bool
	restarts  []string
}

func newMockQueueController() *mockQueueController {
	return &mockQueueController{suspended: make(map[string]bool)}
}

func (m *mockQueueController) Suspend(conversationID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.suspended[conversationID] = true
}

func (m *mockQueueController) Restart(conversationID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.suspended[conversationID] = false
	m.restarts = append(m.restarts, conversationID)
}

func (m *mockQueueController) IsSuspended(conversationID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.suspended[conversationID]
}

func (m *mockQueueController) restarted() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.restarts...)
}

// mockPrompter records prompt deliveries for the coordinator to answer.
type mockPrompter struct {
	mu      sync.Mutex
	seqs    []uint64
	reasons []string
	err     error
}

func (m *mockPrompter) Prompt(ctx context.Context, seq uint64, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.seqs = append(m.seqs, seq)
	m.reasons = append(m.reasons, reason)
	return nil
}

func (m *mockPrompter) promptCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.seqs)
}

func (m *mockPrompter) lastSeq() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.seqs[len(m.seqs)-1]
}
