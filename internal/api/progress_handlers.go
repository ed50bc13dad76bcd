package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/JakeFAU/frame-progress-broker/internal/broker"
	"github.com/JakeFAU/frame-progress-broker/internal/metrics"
	"github.com/JakeFAU/frame-progress-broker/internal/progress"
	"github.com/JakeFAU/frame-progress-broker/internal/store"
)

const (
	maxBodyBytes       = 1 << 20
	streamWriteTimeout = 2 * time.Second
	wsCloseTimeout     = time.Second
	defaultUserAgent   = "unknown"
)

type createResponse struct {
	TaskID  string `json:"task_id"`
	Message string `json:"message"`
}

type progressRequest struct {
	Progress     *float64 `json:"progress"`
	Message      string   `json:"message"`
	Stage        string   `json:"stage"`
	CurrentFrame *int     `json:"current_frame"`
	TotalFrames  *int     `json:"total_frames"`
	IsDone       bool     `json:"is_done"`
}

type eventRequest struct {
	EventType string          `json:"event_type"`
	Data      json.RawMessage `json:"data"`
	TempPaths []string        `json:"temp_paths"`
}

type statusResponse struct {
	TaskID      string    `json:"task_id"`
	LastSeq     int64     `json:"last_seq"`
	Records     int       `json:"records"`
	Sealed      bool      `json:"sealed"`
	ExpiresAt   time.Time `json:"expires_at"`
	Subscribers int       `json:"subscribers"`
}

func (s *Server) createTask(w http.ResponseWriter, r *http.Request) {
	taskID, err := s.broker.CreateTask(r.Context())
	if err != nil {
		s.writeBrokerError(w, err, "failed to create task")
		return
	}
	writeJSON(w, http.StatusOK, createResponse{TaskID: taskID, Message: "progress task created"})
}

func (s *Server) appendProgress(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "task_id")
	var req progressRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Progress == nil {
		writeError(w, http.StatusBadRequest, "progress is required")
		return
	}
	err := s.broker.AppendProgress(r.Context(), taskID, broker.ProgressUpdate{
		Progress:     *req.Progress,
		Message:      req.Message,
		Stage:        req.Stage,
		CurrentFrame: req.CurrentFrame,
		TotalFrames:  req.TotalFrames,
		IsDone:       req.IsDone,
	})
	if err != nil {
		s.writeBrokerError(w, err, "failed to append progress")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "progress recorded"})
}

func (s *Server) appendEvent(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "task_id")
	var req eventRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	var payload any
	if len(req.Data) > 0 {
		payload = req.Data
	}
	if err := s.broker.AppendEvent(r.Context(), taskID, req.EventType, payload, req.TempPaths...); err != nil {
		s.writeBrokerError(w, err, "failed to append event")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "event recorded"})
}

func (s *Server) closeTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "task_id")
	raw := r.URL.Query().Get("close_reason")
	if raw == "" {
		raw = "TASK_COMPLETED"
	}
	reason := progress.ParseCloseReason(raw)
	if err := s.broker.CloseTask(r.Context(), taskID, reason); err != nil {
		s.writeBrokerError(w, err, "failed to close task")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"message": fmt.Sprintf("progress stream for task %s closed, reason: %s", taskID, raw),
	})
}

func (s *Server) taskStatus(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "task_id")
	state, err := s.broker.Status(r.Context(), taskID)
	if err != nil {
		s.writeBrokerError(w, err, "failed to load task")
		return
	}
	subscribers, err := s.broker.Subscribers(r.Context(), taskID)
	if err != nil {
		s.writeBrokerError(w, err, "failed to count subscribers")
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{
		TaskID:      taskID,
		LastSeq:     state.LastSeq,
		Records:     state.Count,
		Sealed:      state.Sealed,
		ExpiresAt:   state.ExpiresAt,
		Subscribers: subscribers,
	})
}

func (s *Server) streamSSE(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "task_id")
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	subscriberID := s.subscriberID(r)
	s.logger.Info("subscriber connected",
		zap.String("task_id", taskID),
		zap.String("subscriber_id", subscriberID),
		zap.String("transport", metrics.TransportSSE),
	)

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Allow-Headers", "Cache-Control")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	closed := metrics.StreamOpened(metrics.TransportSSE)
	defer closed()

	// Each frame gets its own write deadline so a stalled peer fails the
	// write instead of pinning the stream goroutine.
	rc := http.NewResponseController(w)
	err := s.broker.Subscribe(r.Context(), taskID, subscriberID, func(f progress.Frame) error {
		if err := rc.SetWriteDeadline(time.Now().Add(streamWriteTimeout)); err != nil && !errors.Is(err, http.ErrNotSupported) {
			return fmt.Errorf("set write deadline: %w", err)
		}
		if _, err := w.Write(f.MarshalSSE()); err != nil {
			return fmt.Errorf("write sse frame: %w", err)
		}
		flusher.Flush()
		metrics.ObserveFrame(metrics.TransportSSE, f.Event)
		return nil
	})
	_ = rc.SetWriteDeadline(time.Time{})
	if err != nil {
		s.logger.Warn("sse stream failed",
			zap.String("task_id", taskID),
			zap.String("subscriber_id", subscriberID),
			zap.Error(err),
		)
	}
}

func (s *Server) streamWebSocket(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "task_id")
	subscriberID := s.subscriberID(r)
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		s.logger.Warn("websocket upgrade failed", zap.String("task_id", taskID), zap.Error(err))
		return
	}
	defer conn.Close() //nolint:errcheck // connection is finished either way

	// A hijacked connection no longer cancels the request context, so the
	// read loop is what notices the client leaving.
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	closed := metrics.StreamOpened(metrics.TransportWebSocket)
	defer closed()

	err = s.broker.Subscribe(ctx, taskID, subscriberID, func(f progress.Frame) error {
		payload, err := f.MarshalJSON()
		if err != nil {
			return err
		}
		if err := conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout)); err != nil {
			return fmt.Errorf("set write deadline: %w", err)
		}
		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			return fmt.Errorf("write websocket frame: %w", err)
		}
		metrics.ObserveFrame(metrics.TransportWebSocket, f.Event)
		return nil
	})
	if err != nil {
		s.logger.Warn("websocket stream failed",
			zap.String("task_id", taskID),
			zap.String("subscriber_id", subscriberID),
			zap.Error(err),
		)
	}
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsCloseTimeout))
}

// subscriberID identifies one connection as host-useragent-connecttime.
func (s *Server) subscriberID(r *http.Request) string {
	host := clientHost(r)
	ua := strings.TrimSpace(r.UserAgent())
	if ua == "" {
		ua = defaultUserAgent
	}
	return fmt.Sprintf("%s-%s-%d", host, ua, s.clock.Now().UnixNano())
}

func (s *Server) writeBrokerError(w http.ResponseWriter, err error, msg string) {
	switch {
	case errors.Is(err, progress.ErrInvalidProgress), errors.Is(err, progress.ErrInvalidEvent):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "task not found")
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusServiceUnavailable, msg)
	default:
		s.logger.Error(msg, zap.Error(err))
		writeError(w, http.StatusInternalServerError, msg)
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(body).Decode(dst); err != nil {
		return fmt.Errorf("decode request body: %w", err)
	}
	return nil
}
