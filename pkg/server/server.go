// Package server exposes the execution core over HTTP: dialog management,
// the SSE completion stream, and usage reporting.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/nimbuschat/nimbus/pkg/config"
	"github.com/nimbuschat/nimbus/pkg/history"
	"github.com/nimbuschat/nimbus/pkg/orchestrator"
	"github.com/nimbuschat/nimbus/pkg/protocol"
	"github.com/nimbuschat/nimbus/pkg/usage"
)

type Server struct {
	cfg    config.ServerConfig
	stream config.StreamConfig

	orch    *orchestrator.Orchestrator
	history *history.Store
	usage   *usage.Recorder

	httpServer *http.Server
}

func New(cfg config.ServerConfig, stream config.StreamConfig, orch *orchestrator.Orchestrator, hist *history.Store, recorder *usage.Recorder) *Server {
	s := &Server{
		cfg:     cfg,
		stream:  stream,
		orch:    orch,
		history: hist,
		usage:   recorder,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Post("/dialogs", s.handleCreateDialog)
	r.Post("/completion", s.handleCompletion)
	r.Get("/usage/daily", s.handleDailyUsage)

	s.httpServer = &http.Server{
		Addr:    cfg.Address(),
		Handler: r,
	}
	return s
}

// Start blocks serving HTTP until Shutdown or a listener error.
func (s *Server) Start() error {
	slog.Info("HTTP server listening", "address", s.cfg.Address())
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type createDialogRequest struct {
	Agent  string `json:"agent"`
	UserID string `json:"user_id"`
}

func (s *Server) handleCreateDialog(w http.ResponseWriter, r *http.Request) {
	var req createDialogRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}

	d := history.Dialog{
		ID:        uuid.New().String(),
		AgentName: req.Agent,
		UserID:    req.UserID,
	}
	if err := s.history.CreateDialog(r.Context(), d); err != nil {
		slog.Error("Failed to create dialog", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to create dialog")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"dialog_id": d.ID})
}

type completionRequest struct {
	DialogID  string `json:"dialog_id"`
	UserInput string `json:"user_input"`
	FileURL   string `json:"file_url,omitempty"`
}

// handleCompletion streams one turn as SSE. The request context doubles as
// the cancellation signal: chi cancels it when the client disconnects, and
// the loop observes that at its next transition boundary.
func (s *Server) handleCompletion(w http.ResponseWriter, r *http.Request) {
	var req completionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.DialogID == "" || req.UserInput == "" {
		writeError(w, http.StatusBadRequest, "dialog_id and user_input are required")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	items, err := s.orch.Turn(r.Context(), orchestrator.TurnRequest{
		DialogID:  req.DialogID,
		UserInput: req.UserInput,
		FileURL:   req.FileURL,
	})
	if err != nil {
		if errors.Is(err, protocol.ErrDialogNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		slog.Error("Failed to start turn", "dialog", req.DialogID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to start turn")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	writer := &sseWriter{w: w, flusher: flusher}

	var keepalive <-chan time.Time
	if s.stream.KeepaliveInterval > 0 {
		ticker := time.NewTicker(time.Duration(s.stream.KeepaliveInterval) * time.Second)
		defer ticker.Stop()
		keepalive = ticker.C
	}

	for {
		select {
		case item, ok := <-items:
			if !ok {
				return
			}
			if err := writer.WriteItem(item); err != nil {
				slog.Debug("SSE write failed, client likely gone", "dialog", req.DialogID, "error", err)
				return
			}
		case <-keepalive:
			if err := writer.WriteComment("keepalive"); err != nil {
				return
			}
		case <-r.Context().Done():
			// Drain until the orchestrator notices the cancellation and
			// closes the channel; nothing more is written.
			for range items {
			}
			return
		}
	}
}

func (s *Server) handleDailyUsage(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}

	days := 30
	if v := r.URL.Query().Get("days"); v != "" {
		if _, err := fmt.Sscanf(v, "%d", &days); err != nil || days < 1 {
			writeError(w, http.StatusBadRequest, "invalid days")
			return
		}
	}

	since := time.Now().AddDate(0, 0, -days)
	totals, err := s.usage.DailyTotals(r.Context(), userID, since)
	if err != nil {
		slog.Error("Failed to load usage", "user", userID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load usage")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"totals": totals})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
