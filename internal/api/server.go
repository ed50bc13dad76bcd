package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/JakeFAU/frame-progress-broker/internal/broker"
	"github.com/JakeFAU/frame-progress-broker/internal/clock/system"
	"github.com/JakeFAU/frame-progress-broker/internal/config"
	"github.com/JakeFAU/frame-progress-broker/internal/metrics"
	"github.com/JakeFAU/frame-progress-broker/internal/policy/ratelimit"
	"github.com/JakeFAU/frame-progress-broker/internal/progress"
	memorypublisher "github.com/JakeFAU/frame-progress-broker/internal/publisher/memory"
	"github.com/JakeFAU/frame-progress-broker/internal/store"
)

// Version is reported by /api/health. It is overridden at build time.
var Version = "dev"

const readyTimeout = 2 * time.Second

// Broker is the subset of the lifecycle controller the handlers use.
type Broker interface {
	CreateTask(ctx context.Context) (string, error)
	AppendProgress(ctx context.Context, taskID string, u broker.ProgressUpdate) error
	AppendEvent(ctx context.Context, taskID, eventType string, payload any, tempPaths ...string) error
	CloseTask(ctx context.Context, taskID string, reason progress.CloseReason) error
	Status(ctx context.Context, taskID string) (store.TaskState, error)
	Subscribers(ctx context.Context, taskID string) (int, error)
	Subscribe(ctx context.Context, taskID, subscriberID string, emit broker.EmitFunc) error
	Ping(ctx context.Context) error
}

// Clock supplies wall time for health reports and subscriber identities.
type Clock interface {
	Now() time.Time
}

// NoticeLog lists completion notices retained by an in-process publisher.
type NoticeLog interface {
	Messages() []memorypublisher.PublishedMessage
}

// Option customizes a Server.
type Option func(*Server)

// WithNotices serves the retained completion notices at GET /api/notices.
func WithNotices(log NoticeLog) Option {
	return func(s *Server) {
		s.notices = log
	}
}

// Server wires HTTP handlers to the broker.
type Server struct {
	router   chi.Router
	broker   Broker
	clock    Clock
	cfg      config.Config
	logger   *zap.Logger
	upgrader websocket.Upgrader
	limiter  *ratelimit.Limiter
	notices  NoticeLog
	started  time.Time
}

// NewServer constructs a Server with middleware and routes.
func NewServer(b Broker, cfg config.Config, clock Clock, logger *zap.Logger, opts ...Option) *Server {
	if clock == nil {
		clock = system.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	s := &Server{
		broker:  b,
		clock:   clock,
		cfg:     cfg,
		logger:  logger,
		started: clock.Now(),
		limiter: ratelimit.New(ratelimit.Config{
			RPS:   cfg.Server.RateLimit.RPS,
			Burst: cfg.Server.RateLimit.Burst,
		}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:   1024,
		WriteBufferSize:  1024,
		HandshakeTimeout: 10 * time.Second,
		CheckOrigin:      originChecker(cfg.Server.AllowedOrigins),
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.health)
		if s.notices != nil {
			r.Group(func(r chi.Router) {
				if cfg.Auth.Enabled {
					r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
				}
				r.Get("/notices", s.listNotices)
			})
		}
		r.Route("/progress", func(r chi.Router) {
			if s.limiter.Enabled() {
				r.Use(rateLimitMiddleware(s.limiter))
			}
			r.Group(func(r chi.Router) {
				if cfg.Auth.Enabled {
					r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
				}
				r.Post("/create", s.createTask)
				r.Post("/close/{task_id}", s.closeTask)
				r.Post("/{task_id}/progress", s.appendProgress)
				r.Post("/{task_id}/events", s.appendEvent)
			})
			r.Get("/{task_id}", s.streamSSE)
			r.Get("/{task_id}/ws", s.streamWebSocket)
			r.Get("/{task_id}/status", s.taskStatus)
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
	defer cancel()
	if err := s.broker.Ping(ctx); err != nil {
		s.logger.Warn("readiness check failed", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	now := s.clock.Now()
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "healthy",
		"timestamp": now.Format(time.RFC3339),
		"uptime":    now.Sub(s.started).Truncate(time.Second).String(),
		"version":   Version,
	})
}

type noticeResponse struct {
	ID      string `json:"id"`
	Topic   string `json:"topic"`
	Payload any    `json:"payload"`
}

func (s *Server) listNotices(w http.ResponseWriter, _ *http.Request) {
	msgs := s.notices.Messages()
	out := make([]noticeResponse, len(msgs))
	for i, m := range msgs {
		out[i] = noticeResponse{ID: m.ID, Topic: m.Topic, Payload: m.Payload}
	}
	writeJSON(w, http.StatusOK, map[string]any{"notices": out})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
