package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"courier/internal/database"
	"courier/internal/errors"
	"courier/internal/metrics"
	"courier/internal/middleware"
	"courier/internal/models"
	"courier/internal/queue"
	"courier/internal/service"
	"courier/internal/validation"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

const maxRequestBodyBytes = 1 << 20

type Server struct {
	router      *mux.Router
	logger      *logrus.Logger
	cfg         *models.Config
	db          *database.Database
	pipeline    *queue.Pipeline
	coordinator *service.ChallengeCoordinator
	socket      *ChallengeSocket
	server      *http.Server
}

func NewServer(cfg *models.Config, db *database.Database, pipeline *queue.Pipeline, coordinator *service.ChallengeCoordinator, socket *ChallengeSocket, logger *logrus.Logger) *Server {
	s := &Server{
		router:      mux.NewRouter(),
		logger:      logger,
		cfg:         cfg,
		db:          db,
		pipeline:    pipeline,
		coordinator: coordinator,
		socket:      socket,
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestLogging(s.logger))

	s.router.HandleFunc("/health", s.handleHealth()).Methods(http.MethodGet)
	s.router.HandleFunc("/metrics", s.handleMetrics()).Methods(http.MethodGet)

	api := s.router.PathPrefix("/v1").Subrouter()
	api.HandleFunc("/send", s.handleSend()).Methods(http.MethodPost)
	api.HandleFunc("/receipts", s.handleReceipts()).Methods(http.MethodPost)
	api.HandleFunc("/challenge", s.handleRegisterChallenge()).Methods(http.MethodPost)
	api.HandleFunc("/messages/{id}", s.handleGetMessage()).Methods(http.MethodGet)
	api.HandleFunc("/challenge/socket", s.socket.Handle)
}

func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.cfg.Server.Port),
		Handler:      s.router,
		ReadTimeout:  time.Duration(s.cfg.Server.ReadTimeoutSec) * time.Second,
		WriteTimeout: time.Duration(s.cfg.Server.WriteTimeoutSec) * time.Second,
		IdleTimeout:  time.Duration(s.cfg.Server.IdleTimeoutSec) * time.Second,
	}

	s.logger.Infof("Starting server on port %d", s.cfg.Server.Port)
	return s.server.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

type sendRequest struct {
	ConversationID string   `json:"conversationId"`
	Body           string   `json:"body"`
	Attachments    []string `json:"attachments,omitempty"`
	TimestampMs    int64    `json:"timestampMs,omitempty"`
}

type sendResponse struct {
	MessageID string `json:"messageId"`
	JobID     string `json:"jobId"`
}

func (s *Server) handleSend() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req sendRequest
		if !s.decodeBody(w, r, &req) {
			return
		}
		if err := validation.ValidateConversationID(req.ConversationID); err != nil {
			s.writeError(w, err)
			return
		}
		if err := validation.ValidateBody(req.Body); err != nil {
			s.writeError(w, err)
			return
		}
		if err := validation.ValidateAttachmentPaths(req.Attachments); err != nil {
			s.writeError(w, err)
			return
		}
		if req.Body == "" && len(req.Attachments) == 0 {
			s.writeError(w, errors.NewInvalidPayloadError("message has no body and no attachments"))
			return
		}

		timestamp := req.TimestampMs
		if timestamp == 0 {
			timestamp = time.Now().UnixMilli()
		}

		now := time.Now().UTC()
		msg := &models.OutgoingMessage{
			ID:             uuid.NewString(),
			ConversationID: req.ConversationID,
			Timestamp:      timestamp,
			Body:           req.Body,
			SendState:      make(map[string]models.RecipientSendState),
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		for _, path := range req.Attachments {
			msg.Parts = append(msg.Parts, models.ContentPart{
				Kind:      models.PartAttachment,
				LocalPath: path,
			})
		}

		if err := s.db.SaveMessage(r.Context(), msg); err != nil {
			s.writeError(w, errors.NewDatabaseError("save message", err))
			return
		}

		env, err := models.NewEnvelope(models.PayloadMessageSend, models.MessageSendPayload{
			ConversationID: req.ConversationID,
			MessageID:      msg.ID,
		})
		if err != nil {
			s.writeError(w, err)
			return
		}

		jobID, err := s.pipeline.Enqueue(r.Context(), req.ConversationID, env, func(ctx context.Context, jobID string) error {
			return s.db.SetMessageJobID(ctx, msg.ID, jobID)
		})
		if err != nil {
			s.writeError(w, err)
			return
		}

		metrics.IncrementCounter("messages_enqueued_total", nil, "Messages accepted for delivery")
		s.writeJSON(w, http.StatusAccepted, sendResponse{MessageID: msg.ID, JobID: jobID})
	}
}

type receiptRequest struct {
	ConversationID string   `json:"conversationId"`
	ReceiptType    string   `json:"receiptType"`
	MessageIDs     []string `json:"messageIds"`
}

func (s *Server) handleReceipts() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req receiptRequest
		if !s.decodeBody(w, r, &req) {
			return
		}
		if err := validation.ValidateConversationID(req.ConversationID); err != nil {
			s.writeError(w, err)
			return
		}
		if err := validation.ValidateReceiptType(req.ReceiptType); err != nil {
			s.writeError(w, err)
			return
		}
		if err := validation.ValidateReceiptBatch(req.MessageIDs); err != nil {
			s.writeError(w, err)
			return
		}

		env, err := models.NewEnvelope(models.PayloadReceiptBatch, models.ReceiptBatchPayload{
			ConversationID: req.ConversationID,
			ReceiptType:    req.ReceiptType,
			MessageIDs:     req.MessageIDs,
		})
		if err != nil {
			s.writeError(w, err)
			return
		}

		jobID, err := s.pipeline.Enqueue(r.Context(), req.ConversationID, env, nil)
		if err != nil {
			s.writeError(w, err)
			return
		}

		s.writeJSON(w, http.StatusAccepted, map[string]string{"jobId": jobID})
	}
}

type challengeRequest struct {
	ConversationID string `json:"conversationId"`
	Reason         string `json:"reason"`
	RetryAtMs      *int64 `json:"retryAtMs,omitempty"`
	Token          string `json:"token,omitempty"`
	Silent         bool   `json:"silent"`
}

func (s *Server) handleRegisterChallenge() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req challengeRequest
		if !s.decodeBody(w, r, &req) {
			return
		}
		if err := validation.ValidateConversationID(req.ConversationID); err != nil {
			s.writeError(w, err)
			return
		}

		reg := models.ChallengeRegistration{
			ConversationID: req.ConversationID,
			Reason:         req.Reason,
			CreatedAt:      time.Now().UTC(),
			Token:          req.Token,
			Silent:         req.Silent,
		}
		if req.RetryAtMs != nil {
			at := time.UnixMilli(*req.RetryAtMs)
			reg.RetryAt = &at
		}

		if err := s.coordinator.Register(r.Context(), reg); err != nil {
			s.writeError(w, err)
			return
		}

		w.WriteHeader(http.StatusNoContent)
	}
}

type messageView struct {
	*models.OutgoingMessage
	Blocked bool `json:"blocked"`
}

func (s *Server) handleGetMessage() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		if err := validation.ValidateMessageID(id); err != nil {
			s.writeError(w, err)
			return
		}

		msg, err := s.db.GetMessage(r.Context(), id)
		if err != nil {
			s.writeError(w, errors.NewDatabaseError("load message", err))
			return
		}
		if msg == nil {
			s.writeError(w, errors.New(errors.ErrCodeNotFound, "message not found").
				WithUserMessage("Message not found"))
			return
		}

		s.writeJSON(w, http.StatusOK, messageView{
			OutgoingMessage: msg,
			Blocked:         s.coordinator.IsBlocked(msg.ConversationID),
		})
	}
}

func (s *Server) handleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

func (s *Server) handleMetrics() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.writeJSON(w, http.StatusOK, metrics.Snapshot())
	}
}

func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, out interface{}) bool {
	if err := validation.ValidateHTTPRequestSize(r, maxRequestBodyBytes); err != nil {
		s.writeError(w, err)
		return false
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(out); err != nil {
		s.writeError(w, errors.NewInvalidPayloadError(fmt.Sprintf("malformed request body: %v", err)))
		return false
	}
	return true
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.WithError(err).Error("Failed to write response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch errors.GetCode(err) {
	case errors.ErrCodeInvalidPayload:
		status = http.StatusBadRequest
	case errors.ErrCodeNotFound:
		status = http.StatusNotFound
	case errors.ErrCodeShuttingDown:
		status = http.StatusServiceUnavailable
	case errors.ErrCodeRateLimited:
		status = http.StatusTooManyRequests
	}

	s.writeJSON(w, status, map[string]string{
		"error": errors.GetUserMessage(err),
		"code":  string(errors.GetCode(err)),
	})
}
