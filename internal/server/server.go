// Package server exposes the engine over HTTP: a REST webhook for
// incoming messages and a read-only view of conversation trackers.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"converse/internal/channels"
	"converse/internal/events"
	"converse/internal/processor"
	"converse/internal/store"
)

// Server hosts the engine's HTTP surface.
type Server struct {
	proc     *processor.Processor
	trackers store.TrackerStore
	router   chi.Router
	http     *http.Server
	logger   *zap.Logger
}

// New builds the server for the given bind address.
func New(proc *processor.Processor, trackers store.TrackerStore, bind string, logger *zap.Logger) *Server {
	s := &Server{proc: proc, trackers: trackers, logger: logger}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)

	r.Get("/healthz", s.handleHealth)
	r.Post("/webhooks/rest/webhook", s.handleWebhook)
	r.Get("/conversations/{id}/tracker", s.handleTracker)

	s.router = r
	s.http = &http.Server{Addr: bind, Handler: r}
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.router }

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("starting HTTP server", zap.String("addr", s.http.Addr))
	if err := s.http.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests and stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type webhookRequest struct {
	Sender  string `json:"sender"`
	Message string `json:"message"`
}

// handleWebhook runs one full conversation turn and answers with the bot
// messages the turn produced.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	var req webhookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if req.Sender == "" || req.Message == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "sender and message are required"})
		return
	}

	collector := channels.NewCollector()
	err := s.proc.HandleMessage(r.Context(), &processor.UserMessage{
		SenderID: req.Sender,
		Text:     req.Message,
		Output:   collector,
	})
	if err != nil {
		s.logger.Error("message handling failed",
			zap.String("sender_id", req.Sender), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to handle message"})
		return
	}

	msgs := collector.Messages()
	if msgs == nil {
		msgs = []channels.Collected{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

type trackerView struct {
	SenderID      string            `json:"sender_id"`
	Slots         map[string]any    `json:"slots"`
	LatestMessage *events.ParseData `json:"latest_message,omitempty"`
	ActiveLoop    string            `json:"active_loop,omitempty"`
	Events        []json.RawMessage `json:"events"`
	LatestEventAt float64           `json:"latest_event_time,omitempty"`
}

func (s *Server) handleTracker(w http.ResponseWriter, r *http.Request) {
	senderID := chi.URLParam(r, "id")

	tr, err := s.trackers.Retrieve(r.Context(), senderID, s.proc.Domain())
	if err != nil {
		s.logger.Error("tracker lookup failed",
			zap.String("sender_id", senderID), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to load tracker"})
		return
	}
	if tr == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown conversation"})
		return
	}

	view := trackerView{
		SenderID:      tr.SenderID(),
		Slots:         tr.Slots(),
		ActiveLoop:    tr.ActiveLoopName(),
		Events:        make([]json.RawMessage, 0, len(tr.Events())),
		LatestEventAt: tr.LastTimestamp(),
	}
	if msg := tr.LatestMessage(); msg != nil {
		pd := msg.ParseData
		view.LatestMessage = &pd
	}
	for _, ev := range tr.Events() {
		raw, err := events.Marshal(ev)
		if err != nil {
			s.logger.Warn("skipping unserializable event",
				zap.String("sender_id", senderID), zap.Error(err))
			continue
		}
		view.Events = append(view.Events, raw)
	}

	writeJSON(w, http.StatusOK, view)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WaitForShutdown blocks until ctx is done, then shuts the server down
// with the given grace period.
func (s *Server) WaitForShutdown(ctx context.Context, grace time.Duration) error {
	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	return s.Shutdown(shutdownCtx)
}
