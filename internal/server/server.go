// Package server exposes the runtime's command surface over local HTTP: JSON
// commands for relays, follows, limits, publishing, and mode control, plus a
// server-sent status stream for the desktop UI.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"gamestr/internal/runtime"
)

// Server is the local command server.
type Server struct {
	port        string
	ctl         *runtime.Controller
	broadcaster *StatusBroadcaster
	router      *chi.Mux
	startedAt   time.Time
}

// New creates a Server for the given controller. The broadcaster must be the
// one the controller pushes snapshots to.
func New(port string, ctl *runtime.Controller, broadcaster *StatusBroadcaster) *Server {
	s := &Server{
		port:        port,
		ctl:         ctl,
		broadcaster: broadcaster,
		startedAt:   time.Now(),
	}
	s.router = s.buildRouter()
	return s
}

// Start runs the HTTP server until ctx is cancelled.
func (s *Server) Start(ctx context.Context) {
	addr := "127.0.0.1:" + s.port
	srv := &http.Server{
		Addr:        addr,
		Handler:     s.router,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	slog.Info("starting command server", "addr", addr)

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutCtx); err != nil {
			slog.Error("command server shutdown error", "error", err)
		}
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("command server error", "error", err)
	}
}

func (s *Server) buildRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RealIP)
	r.Use(loggingMiddleware)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		jsonResponse(w, map[string]any{
			"status": "ok",
			"uptime": time.Since(s.startedAt).String(),
		}, http.StatusOK)
	})

	r.Route("/api", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Get("/status/stream", s.handleStatusStream)
		r.Get("/queue", s.handleQueueSnapshot)

		r.Get("/relays", s.handleListRelays)
		r.Post("/relays", s.handleAddRelay)
		r.Post("/relays/update", s.handleUpdateRelay)
		r.Post("/relays/remove", s.handleRemoveRelay)
		r.Post("/relays/test", s.handleTestRelay)
		r.Get("/relays/categories", s.handleGetCategories)
		r.Post("/relays/categories", s.handleSetCategories)

		r.Get("/follows", s.handleGetFollows)
		r.Post("/follows", s.handleAddFollow)
		r.Post("/follows/remove", s.handleRemoveFollow)
		r.Post("/follows/set", s.handleSetFollows)

		r.Get("/limits", s.handleGetLimits)
		r.Post("/limits", s.handleSetLimits)

		r.Post("/mode", s.handleSetMode)
		r.Post("/publish", s.handlePublish)
		r.Post("/shutdown", s.handleShutdown)
	})

	return r
}

// handleStatusStream pushes status snapshots as server-sent events until the
// client disconnects.
func (s *Server) handleStatusStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	history, ch, cancel := s.broadcaster.Subscribe()
	defer cancel()

	write := func(snap runtime.StatusSnapshot) bool {
		raw, err := json.Marshal(snap)
		if err != nil {
			return true
		}
		if _, err := w.Write([]byte("data: " + string(raw) + "\n\n")); err != nil {
			return false
		}
		flusher.Flush()
		return true
	}

	for _, snap := range history {
		if !write(snap) {
			return
		}
	}
	for {
		select {
		case <-r.Context().Done():
			return
		case snap, ok := <-ch:
			if !ok {
				return
			}
			if !write(snap) {
				return
			}
		}
	}
}

// ─── Utility functions ────────────────────────────────────────────────────────

func jsonResponse(w http.ResponseWriter, v any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode JSON response", "error", err)
	}
}

// commandOK writes the success envelope with optional extra fields.
func commandOK(w http.ResponseWriter, extra map[string]any) {
	body := map[string]any{"success": true}
	for k, v := range extra {
		body[k] = v
	}
	jsonResponse(w, body, http.StatusOK)
}

// commandError converts an error into the {success:false, error} envelope.
// Commands never propagate errors across the boundary any other way.
func commandError(w http.ResponseWriter, err error, status int) {
	jsonResponse(w, map[string]any{"success": false, "error": err.Error()}, status)
}

// decodeBody decodes a JSON request body into v.
func decodeBody(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

// loggingMiddleware logs each HTTP request.
func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		slog.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.status,
			"duration", time.Since(start),
			"remote", r.RemoteAddr,
		)
	})
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(status int) {
	rw.status = status
	rw.ResponseWriter.WriteHeader(status)
}

// Unwrap allows http.ResponseController to reach the underlying ResponseWriter
// so SetWriteDeadline works correctly (e.g. for long-lived SSE connections).
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
