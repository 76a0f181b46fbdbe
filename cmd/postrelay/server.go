package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"postrelay/internal/constants"
	apperrors "postrelay/internal/errors"
	"postrelay/internal/features"
	"postrelay/internal/metrics"
	"postrelay/internal/middleware"
	"postrelay/internal/models"
	"postrelay/internal/service"
	"postrelay/internal/tracing"
	"postrelay/internal/validation"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

// QueueService is the part of the posting queue the HTTP layer drives
type QueueService interface {
	EnqueuePost(text, replyToID string, priority int) string
	EnqueueThread(lead string, replies []string) string
	Status() models.QueueStatus
}

type Server struct {
	router         *mux.Router
	logger         *logrus.Logger
	queue          QueueService
	metrics        *metrics.Metrics
	cfg            models.ServerConfig
	flags          *features.FlagManager
	streamInterval time.Duration
	server         *http.Server
}

type ServerOption func(*Server)

// WithFeatures gates optional routes on the given flags. Without it the
// default flag values apply.
func WithFeatures(flags *features.FlagManager) ServerOption {
	return func(s *Server) {
		s.flags = flags
	}
}

type enqueuePostRequest struct {
	Text      string `json:"text"`
	ReplyToID string `json:"reply_to_id,omitempty"`
	Priority  int    `json:"priority,omitempty"`
}

type enqueueThreadRequest struct {
	Lead    string   `json:"lead"`
	Replies []string `json:"replies,omitempty"`
}

type enqueueResponse struct {
	ID     string             `json:"id"`
	Status models.QueueStatus `json:"status"`
}

func NewServer(cfg models.ServerConfig, queue QueueService, m *metrics.Metrics, logger *logrus.Logger, opts ...ServerOption) *Server {
	s := &Server{
		router:         mux.NewRouter(),
		logger:         logger,
		queue:          queue,
		metrics:        m,
		cfg:            cfg,
		streamInterval: time.Duration(constants.DefaultStatusStreamIntervalMs) * time.Millisecond,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.Observability(s.logger, s.metrics))

	s.router.HandleFunc("/health", s.handleHealth()).Methods(http.MethodGet)
	if s.flags.IsEnabled(features.FlagMetricsEndpoint) {
		s.router.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)
	}

	api := s.router.PathPrefix("/api/v1").Subrouter()
	api.Use(middleware.RequireAPIToken(s.cfg.APIToken, s.logger))
	api.HandleFunc("/posts", s.handleEnqueuePost()).Methods(http.MethodPost)
	if s.flags.IsEnabled(features.FlagThreadEnqueue) {
		api.HandleFunc("/threads", s.handleEnqueueThread()).Methods(http.MethodPost)
	}
	api.HandleFunc("/status", s.handleStatus()).Methods(http.MethodGet)
	if s.flags.IsEnabled(features.FlagStatusStream) {
		api.HandleFunc("/status/stream", s.handleStatusStream()).Methods(http.MethodGet)
	}
	api.HandleFunc("/features", s.handleFeatures()).Methods(http.MethodGet)
}

func (s *Server) Start() error {
	port := s.cfg.Port
	if port <= 0 {
		port = constants.DefaultServerPort
	}

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      s.router,
		ReadTimeout:  time.Duration(constants.DefaultServerReadTimeoutSec) * time.Second,
		WriteTimeout: time.Duration(constants.DefaultServerWriteTimeoutSec) * time.Second,
		IdleTimeout:  time.Duration(constants.DefaultServerIdleTimeoutSec) * time.Second,
	}

	s.logger.Infof("Starting server on port %d", port)
	return s.server.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := s.queue.Status()
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"status":         "ok",
			"worker_running": status.WorkerRunning,
			"state":          status.State,
		})
	}
}

func (s *Server) handleFeatures() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flags := s.flags
		if flags == nil {
			flags = features.NewFlagManager()
		}
		writeJSON(w, http.StatusOK, flags.ListFlags())
	}
}

func (s *Server) handleEnqueuePost() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req enqueuePostRequest
		if err := decodeBody(w, r, &req); err != nil {
			middleware.WriteError(w, r, err)
			return
		}

		if err := validation.ValidatePostText(req.Text, "text"); err != nil {
			middleware.WriteError(w, r, err)
			return
		}
		if err := validation.ValidateReplyToID(req.ReplyToID); err != nil {
			middleware.WriteError(w, r, err)
			return
		}
		if err := validation.ValidatePriority(req.Priority); err != nil {
			middleware.WriteError(w, r, err)
			return
		}

		id := s.queue.EnqueuePost(req.Text, req.ReplyToID, req.Priority)
		s.logger.WithFields(logrus.Fields{
			service.LogFieldRequestID: tracing.GetRequestID(r.Context()),
			service.LogFieldItemID:    id,
			service.LogFieldPriority:  req.Priority,
		}).Info("Post enqueued")

		writeJSON(w, http.StatusAccepted, enqueueResponse{ID: id, Status: s.queue.Status()})
	}
}

func (s *Server) handleEnqueueThread() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req enqueueThreadRequest
		if err := decodeBody(w, r, &req); err != nil {
			middleware.WriteError(w, r, err)
			return
		}

		if err := validation.ValidateThread(req.Lead, req.Replies); err != nil {
			middleware.WriteError(w, r, err)
			return
		}

		id := s.queue.EnqueueThread(req.Lead, req.Replies)
		s.logger.WithFields(logrus.Fields{
			service.LogFieldRequestID: tracing.GetRequestID(r.Context()),
			service.LogFieldItemID:    id,
			service.LogFieldCount:     len(req.Replies) + 1,
		}).Info("Thread enqueued")

		writeJSON(w, http.StatusAccepted, enqueueResponse{ID: id, Status: s.queue.Status()})
	}
}

func (s *Server) handleStatus() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, s.queue.Status())
	}
}

// handleStatusStream pushes a status snapshot on connect and then on every
// tick until the client goes away or the server shuts down.
func (s *Server) handleStatusStream() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rc := http.NewResponseController(w)
		_ = rc.SetReadDeadline(time.Time{})
		_ = rc.SetWriteDeadline(time.Time{})

		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			s.logger.WithError(err).Warn("Failed to accept status stream")
			return
		}
		defer conn.CloseNow()

		ctx := conn.CloseRead(r.Context())
		ticker := time.NewTicker(s.streamInterval)
		defer ticker.Stop()

		for {
			writeCtx, cancel := context.WithTimeout(ctx, s.streamInterval)
			err := wsjson.Write(writeCtx, conn, s.queue.Status())
			cancel()
			if err != nil {
				s.logger.WithError(err).Debug("Status stream closed")
				return
			}

			select {
			case <-ctx.Done():
				_ = conn.Close(websocket.StatusNormalClosure, "")
				return
			case <-ticker.C:
			}
		}
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) error {
	if err := validation.ValidateHTTPRequestSize(r, constants.MaxRequestBodyBytes); err != nil {
		return err
	}
	r.Body = http.MaxBytesReader(w, r.Body, constants.MaxRequestBodyBytes)

	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(v); err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInvalidInput, "malformed request body").
			WithUserMessage("Request body must be a valid JSON object")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
