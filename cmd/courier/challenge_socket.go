package main

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/sirupsen/logrus"
)

// SolveResponder receives the UI's answer to a challenge prompt.
type SolveResponder interface {
	OnSolveResponse(seq uint64, captcha string, err error)
}

type tokenRequest struct {
	Type   string `json:"type"` // "token_request"
	Seq    uint64 `json:"seq"`
	Reason string `json:"reason"`
}

type tokenResponse struct {
	Type    string `json:"type"` // "token_response"
	Seq     uint64 `json:"seq"`
	Captcha string `json:"captcha,omitempty"`
	Error   string `json:"error,omitempty"`
}

// ChallengeSocket pushes token requests to a connected UI client over a
// websocket and feeds solved tokens back to the coordinator. At most one
// client is active; a new connection replaces the old one. Prompts issued
// while no client is connected are replayed on the next connect, since a
// human may attach long after the rate limit hit.
type ChallengeSocket struct {
	logger    *logrus.Logger
	responder SolveResponder

	mu      sync.Mutex
	conn    *websocket.Conn
	pending map[uint64]tokenRequest
}

func NewChallengeSocket(responder SolveResponder, logger *logrus.Logger) *ChallengeSocket {
	return &ChallengeSocket{
		logger:    logger,
		responder: responder,
		pending:   make(map[uint64]tokenRequest),
	}
}

// Prompt implements service.Prompter. The request stays pending until a
// response for its seq arrives, so reconnecting clients see it again.
func (cs *ChallengeSocket) Prompt(ctx context.Context, seq uint64, reason string) error {
	req := tokenRequest{Type: "token_request", Seq: seq, Reason: reason}

	cs.mu.Lock()
	cs.pending[seq] = req
	conn := cs.conn
	cs.mu.Unlock()

	if conn == nil {
		cs.logger.WithField("solveSeq", seq).Info("No challenge client connected, prompt queued")
		return nil
	}

	if err := wsjson.Write(ctx, conn, req); err != nil {
		cs.logger.WithError(err).WithField("solveSeq", seq).Warn("Failed to push challenge prompt")
		return nil // stays pending for the next client
	}
	return nil
}

// Handle upgrades the HTTP request and runs the read loop until the client
// disconnects.
func (cs *ChallengeSocket) Handle(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		cs.logger.WithError(err).Warn("Challenge socket upgrade failed")
		return
	}
	defer conn.Close(websocket.StatusInternalError, "closing")

	cs.attach(r.Context(), conn)
	defer cs.detach(conn)

	for {
		var resp tokenResponse
		if err := wsjson.Read(r.Context(), conn, &resp); err != nil {
			status := websocket.CloseStatus(err)
			if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway || errors.Is(err, context.Canceled) {
				conn.Close(websocket.StatusNormalClosure, "")
			} else {
				cs.logger.WithError(err).Debug("Challenge socket read failed")
			}
			return
		}
		if resp.Type != "token_response" {
			cs.logger.WithField("type", resp.Type).Debug("Ignoring unknown challenge socket frame")
			continue
		}

		cs.mu.Lock()
		delete(cs.pending, resp.Seq)
		cs.mu.Unlock()

		if resp.Error != "" {
			cs.responder.OnSolveResponse(resp.Seq, "", errors.New(resp.Error))
			continue
		}
		cs.responder.OnSolveResponse(resp.Seq, resp.Captcha, nil)
	}
}

// attach registers the new client and replays outstanding prompts.
func (cs *ChallengeSocket) attach(ctx context.Context, conn *websocket.Conn) {
	cs.mu.Lock()
	old := cs.conn
	cs.conn = conn
	replay := make([]tokenRequest, 0, len(cs.pending))
	for _, req := range cs.pending {
		replay = append(replay, req)
	}
	cs.mu.Unlock()

	if old != nil {
		old.Close(websocket.StatusPolicyViolation, "replaced by new client")
	}

	for _, req := range replay {
		if err := wsjson.Write(ctx, conn, req); err != nil {
			cs.logger.WithError(err).WithField("solveSeq", req.Seq).Warn("Failed to replay challenge prompt")
			return
		}
	}

	cs.logger.WithField("pendingPrompts", len(replay)).Info("Challenge client connected")
}

func (cs *ChallengeSocket) detach(conn *websocket.Conn) {
	cs.mu.Lock()
	if cs.conn == conn {
		cs.conn = nil
	}
	cs.mu.Unlock()
	cs.logger.Info("Challenge client disconnected")
}
