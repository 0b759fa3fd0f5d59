package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"courier/internal/database"
	"courier/internal/models"
	"courier/internal/queue"
	"courier/internal/retry"
	"courier/internal/service"
	"courier/pkg/transport/types"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
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
	t.Fatal("condition not met within timeout")
}

type stubTransport struct {
	mu        sync.Mutex
	submitted [][2]string
}

func (s *stubTransport) Upload(ctx context.Context, data []byte, contentType string) (string, error) {
	return "remote-ref", nil
}

func (s *stubTransport) SendToRecipient(ctx context.Context, req types.RecipientSendRequest) (*types.SendResult, error) {
	return &types.SendResult{}, nil
}

func (s *stubTransport) SendToGroup(ctx context.Context, req types.GroupSendRequest) (*types.SendResult, error) {
	return &types.SendResult{}, nil
}

func (s *stubTransport) SubmitChallenge(ctx context.Context, token, captcha string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.submitted = append(s.submitted, [2]string{token, captcha})
	return nil
}

func (s *stubTransport) submissions() [][2]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][2]string, len(s.submitted))
	copy(out, s.submitted)
	return out
}

type serverFixture struct {
	ts          *httptest.Server
	db          *database.Database
	pipeline    *queue.Pipeline
	coordinator *service.ChallengeCoordinator
	transport   *stubTransport
}

func newServerFixture(t *testing.T) *serverFixture {
	t.Helper()
	logger := testLogger()

	db, err := database.New(filepath.Join(t.TempDir(), "courier.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	pipeline := queue.NewPipeline(db, func(ctx context.Context, job models.Job, shouldContinue func() bool) error {
		return nil
	}, queue.Options{
		MaxAttempts: 3,
		MaxAge:      24 * time.Hour,
		JobTimeout:  time.Second,
		Backoff: retry.BackoffConfig{
			InitialDelay: time.Millisecond,
			MaxDelay:     5 * time.Millisecond,
			Multiplier:   2.0,
			MaxAttempts:  3,
		},
	}, logger)
	require.NoError(t, pipeline.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = pipeline.Shutdown(ctx)
	})

	tp := &stubTransport{}
	coordinator := service.NewChallengeCoordinator(db, pipeline, tp, nil, service.NewBus(logger), service.ChallengeOptions{
		MaxAge: time.Hour,
		Backoff: retry.BackoffConfig{
			InitialDelay: time.Millisecond,
			MaxDelay:     5 * time.Millisecond,
			Multiplier:   2.0,
		},
	}, logger)
	t.Cleanup(coordinator.Shutdown)

	socket := NewChallengeSocket(coordinator, logger)
	coordinator.SetPrompter(socket)

	cfg := &models.Config{}
	srv := NewServer(cfg, db, pipeline, coordinator, socket, logger)

	ts := httptest.NewServer(srv.router)
	t.Cleanup(ts.Close)

	return &serverFixture{ts: ts, db: db, pipeline: pipeline, coordinator: coordinator, transport: tp}
}

func (f *serverFixture) postJSON(t *testing.T, path string, body interface{}) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(f.ts.URL+path, "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	return resp
}

func decodeJSON(t *testing.T, resp *http.Response, out interface{}) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
}

func TestSendEndpointPersistsAndEnqueues(t *testing.T) {
	f := newServerFixture(t)

	resp := f.postJSON(t, "/v1/send", sendRequest{
		ConversationID: "conv-1",
		Body:           "hello there",
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var out sendResponse
	decodeJSON(t, resp, &out)
	assert.NotEmpty(t, out.MessageID)
	assert.NotEmpty(t, out.JobID)

	msg, err := f.db.GetMessage(context.Background(), out.MessageID)
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, "conv-1", msg.ConversationID)
	assert.Equal(t, "hello there", msg.Body)
	assert.Equal(t, out.JobID, msg.JobID)
}

func TestSendEndpointRejectsEmptyMessage(t *testing.T) {
	f := newServerFixture(t)

	resp := f.postJSON(t, "/v1/send", sendRequest{ConversationID: "conv-1"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var out map[string]string
	decodeJSON(t, resp, &out)
	assert.NotEmpty(t, out["error"])
	assert.NotEmpty(t, out["code"])
}

func TestSendEndpointRejectsMalformedBody(t *testing.T) {
	f := newServerFixture(t)

	resp, err := http.Post(f.ts.URL+"/v1/send", "application/json", strings.NewReader("{not json"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSendEndpointRejectsOverlongConversationID(t *testing.T) {
	f := newServerFixture(t)

	resp := f.postJSON(t, "/v1/send", sendRequest{
		ConversationID: strings.Repeat("x", 300),
		Body:           "hello",
	})
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestReceiptsEndpointEnqueuesBatch(t *testing.T) {
	f := newServerFixture(t)

	resp := f.postJSON(t, "/v1/receipts", receiptRequest{
		ConversationID: "conv-1",
		ReceiptType:    "read",
		MessageIDs:     []string{"msg-1", "msg-2"},
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var out map[string]string
	decodeJSON(t, resp, &out)
	assert.NotEmpty(t, out["jobId"])
}

func TestReceiptsEndpointRejectsUnknownType(t *testing.T) {
	f := newServerFixture(t)

	resp := f.postJSON(t, "/v1/receipts", receiptRequest{
		ConversationID: "conv-1",
		ReceiptType:    "smoke-signal",
		MessageIDs:     []string{"msg-1"},
	})
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGetMessageEndpointReturnsSendState(t *testing.T) {
	f := newServerFixture(t)

	send := f.postJSON(t, "/v1/send", sendRequest{ConversationID: "conv-1", Body: "state check"})
	require.Equal(t, http.StatusAccepted, send.StatusCode)
	var created sendResponse
	decodeJSON(t, send, &created)

	resp, err := http.Get(f.ts.URL + "/v1/messages/" + created.MessageID)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var view struct {
		ID             string `json:"id"`
		ConversationID string `json:"conversationId"`
		Blocked        bool   `json:"blocked"`
	}
	decodeJSON(t, resp, &view)
	assert.Equal(t, created.MessageID, view.ID)
	assert.Equal(t, "conv-1", view.ConversationID)
	assert.False(t, view.Blocked)
}

func TestGetMessageEndpointMissingIsNotFound(t *testing.T) {
	f := newServerFixture(t)

	resp, err := http.Get(f.ts.URL + "/v1/messages/no-such-message")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestChallengeEndpointSuspendsConversation(t *testing.T) {
	f := newServerFixture(t)

	resp := f.postJSON(t, "/v1/challenge", challengeRequest{
		ConversationID: "conv-blocked",
		Reason:         "proof required",
		Silent:         true,
	})
	resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	assert.True(t, f.coordinator.IsBlocked("conv-blocked"))
	assert.True(t, f.pipeline.IsSuspended("conv-blocked"))
}

func TestHealthAndMetricsEndpoints(t *testing.T) {
	f := newServerFixture(t)

	resp, err := http.Get(f.ts.URL + "/health")
	require.NoError(t, err)
	var health map[string]string
	decodeJSON(t, resp, &health)
	assert.Equal(t, "ok", health["status"])

	resp, err = http.Get(f.ts.URL + "/metrics")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
}

func TestChallengeSocketSolveRoundTrip(t *testing.T) {
	f := newServerFixture(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp := f.postJSON(t, "/v1/challenge", challengeRequest{
		ConversationID: "conv-captcha",
		Reason:         "rate-limited",
		Token:          "tok-http",
	})
	resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	require.True(t, f.coordinator.IsBlocked("conv-captcha"))

	wsURL := "ws" + strings.TrimPrefix(f.ts.URL, "http") + "/v1/challenge/socket"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	var prompt tokenRequest
	require.NoError(t, wsjson.Read(ctx, conn, &prompt))
	assert.Equal(t, "token_request", prompt.Type)
	assert.Equal(t, "rate-limited", prompt.Reason)

	require.NoError(t, wsjson.Write(ctx, conn, tokenResponse{
		Type:    "token_response",
		Seq:     prompt.Seq,
		Captcha: "captcha-answer",
	}))

	waitFor(t, 3*time.Second, func() bool {
		return !f.coordinator.IsBlocked("conv-captcha")
	})
	assert.False(t, f.pipeline.IsSuspended("conv-captcha"))

	subs := f.transport.submissions()
	require.Len(t, subs, 1)
	assert.Equal(t, [2]string{"tok-http", "captcha-answer"}, subs[0])
}
