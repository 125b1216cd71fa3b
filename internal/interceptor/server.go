package interceptor

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"medsync/internal/bridge"

	"github.com/rs/zerolog"
)

// HealthPath is served by the interceptor itself and never proxied.
const HealthPath = "/__medsync/health"

// Server exposes the interceptor, its health endpoint and the bridge.
type Server struct {
	mux    *http.ServeMux
	server *http.Server
	icpt   *Interceptor
	hub    *bridge.Hub
	logger zerolog.Logger
}

func NewServer(port int, icpt *Interceptor, logger *zerolog.Logger) *Server {
	s := &Server{
		mux:    http.NewServeMux(),
		icpt:   icpt,
		logger: zerolog.Nop(),
	}
	if logger != nil {
		s.logger = logger.With().Str("component", "http").Logger()
	}

	s.mux.HandleFunc(HealthPath, s.handleHealth)
	s.mux.Handle("/", icpt)

	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.loggingMiddleware(s.mux),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}
	return s
}

// WithBridge mounts the page bridge at path.
func (s *Server) WithBridge(path string, hub *bridge.Hub) *Server {
	s.hub = hub
	s.mux.Handle(path, hub)
	return s
}

// Handle mounts an extra local handler that bypasses the interceptor.
func (s *Server) Handle(pattern string, h http.Handler) {
	s.mux.Handle(pattern, h)
}

func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

func (s *Server) Start() error {
	if s.server == nil {
		return fmt.Errorf("http server is not initialized")
	}
	s.logger.Info().Str("addr", s.server.Addr).Msg("interceptor listening")
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	resp := map[string]any{
		"status":  "ok",
		"version": s.icpt.Version(),
	}
	if s.hub != nil {
		resp["pages"] = s.hub.Peers()
		resp["outstanding"] = s.hub.Outstanding()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)
		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", recorder.status).
			Dur("dur", time.Since(start)).
			Msg("http")
	})
}

func writeJSON(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, map[string]string{"error": message})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Hijack lets the bridge upgrade connections through the logging middleware.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}
