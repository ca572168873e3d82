// Package api implements the counselor assistant HTTP API.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/nugget/counselor-agent/internal/buildinfo"
	"github.com/nugget/counselor-agent/internal/chat"
	"github.com/nugget/counselor-agent/internal/connwatch"
	"github.com/nugget/counselor-agent/internal/conversation"
	"github.com/nugget/counselor-agent/internal/events"
	"github.com/nugget/counselor-agent/internal/failure"
	"github.com/nugget/counselor-agent/internal/insights"
	"github.com/nugget/counselor-agent/internal/metrics"
	"github.com/nugget/counselor-agent/internal/runs"
	"github.com/nugget/counselor-agent/internal/tools"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// envelope is the body of every JSON API response.
type envelope struct {
	Success bool       `json:"success"`
	Data    any        `json:"data,omitempty"`
	Error   *errorBody `json:"error,omitempty"`
}

type errorBody struct {
	Category  failure.Category `json:"category"`
	Message   string           `json:"message"`
	Retryable bool             `json:"retryable"`
	Partial   bool             `json:"partial,omitempty"`
	Content   string           `json:"content,omitempty"`
}

// Deps are the services the API serves.
type Deps struct {
	Chat          *chat.Service
	Executor      *tools.Executor
	Conversations *conversation.Store
	Insights      *insights.Store
	Runs          *runs.Store
	Bus           *events.Bus
	Auth          *Authenticator
	Logger        *slog.Logger

	// Health reports dependency reachability for /health. Optional.
	Health HealthReporter
}

// HealthReporter lists the watched dependencies and their state.
type HealthReporter interface {
	Statuses() []connwatch.Status
}

// Server is the HTTP API server.
type Server struct {
	address string
	port    int

	chat          *chat.Service
	executor      *tools.Executor
	conversations *conversation.Store
	insights      *insights.Store
	runs          *runs.Store
	bus           *events.Bus
	auth          *Authenticator
	health        HealthReporter
	logger        *slog.Logger

	server *http.Server
}

// NewServer creates a new API server.
func NewServer(address string, port int, d Deps) *Server {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		address:       address,
		port:          port,
		chat:          d.Chat,
		executor:      d.Executor,
		conversations: d.Conversations,
		insights:      d.Insights,
		runs:          d.Runs,
		bus:           d.Bus,
		auth:          d.Auth,
		health:        d.Health,
		logger:        logger.With("component", "api"),
	}
}

// Handler returns the routed, logged handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Chat
	mux.Handle("POST /v1/chat", s.requireAuth(s.handleChat))
	mux.Handle("POST /v1/chat/stream", s.requireAuth(s.handleChatStream))
	mux.Handle("GET /v1/chat/ws", s.requireAuth(s.handleChatWS))
	mux.Handle("POST /v1/confirm", s.requireAuth(s.handleConfirm))
	mux.Handle("GET /v1/confirmations", s.requireAuth(s.handleConfirmationList))

	// Records
	mux.Handle("GET /v1/conversations", s.requireAuth(s.handleConversationList))
	mux.Handle("GET /v1/conversations/{id}", s.requireAuth(s.handleConversationGet))
	mux.Handle("GET /v1/conversations/{id}/export", s.requireAuth(s.handleConversationExport))
	mux.Handle("GET /v1/insights", s.requireAuth(s.handleInsightList))
	mux.Handle("POST /v1/insights/{id}/dismiss", s.requireAuth(s.handleInsightDismiss))
	mux.Handle("GET /v1/runs", s.requireAuth(s.handleRunList))
	mux.Handle("GET /v1/tools", s.requireAuth(s.handleTools))

	// Operations
	mux.Handle("GET /v1/events", s.requireAuth(s.handleEventFeed))
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /v1/version", s.handleVersion)

	return s.withLogging(mux)
}

// Start starts the HTTP server. It blocks until the server stops.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// Streaming handlers extend their own write deadlines.
		WriteTimeout: 120 * time.Second,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.port)
	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		elapsed := time.Since(start)
		metrics.RecordRequest(r.Method, route, strconv.Itoa(rec.status), elapsed.Seconds())

		level := slog.LevelInfo
		if route == "GET /health" || route == "GET /metrics" {
			level = slog.LevelDebug
		}
		s.logger.Log(r.Context(), level, "request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", elapsed,
		)
	})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.RuntimeInfo(), s.logger)
}

// handleHealth answers 200 while every watched dependency is reachable
// and 503 with the per-service detail otherwise.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if s.health == nil {
		writeJSON(w, map[string]string{"status": "healthy"}, s.logger)
		return
	}
	services := s.health.Statuses()
	status := "healthy"
	for _, st := range services {
		if !st.Ready {
			status = "degraded"
			w.WriteHeader(http.StatusServiceUnavailable)
			break
		}
	}
	writeJSON(w, map[string]any{"status": status, "services": services}, s.logger)
}

func (s *Server) handleTools(w http.ResponseWriter, r *http.Request) {
	s.ok(w, s.executor.Registry().List())
}

// ok writes a successful envelope.
func (s *Server) ok(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, envelope{Success: true, Data: data}, s.logger)
}

// errorResponse writes a failed envelope for a request the handler
// rejected itself.
func (s *Server) errorResponse(w http.ResponseWriter, code int, cat failure.Category, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, envelope{Error: &errorBody{
		Category:  cat,
		Message:   message,
		Retryable: cat.Retryable(),
	}}, s.logger)
}

// failed writes err as a failed envelope with the status its category
// maps to.
func (s *Server) failed(w http.ResponseWriter, err error) {
	s.failedWith(w, err, "")
}

// failedWith is failed carrying the partial content the client already
// had a chance to see.
func (s *Server) failedWith(w http.ResponseWriter, err error, partial string) {
	fe := failure.Wrap(err)
	code := statusFor(err, fe.Category)
	if code == http.StatusInternalServerError {
		s.logger.Error("request failed", "category", fe.Category, "error", err)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, envelope{Error: &errorBody{
		Category:  fe.Category,
		Message:   fe.Message,
		Retryable: fe.Retryable(),
		Partial:   partial != "",
		Content:   partial,
	}}, s.logger)
}

func statusFor(err error, cat failure.Category) int {
	if errors.Is(err, runs.ErrRateLimited) {
		return http.StatusTooManyRequests
	}
	switch cat {
	case failure.Authentication:
		return http.StatusUnauthorized
	case failure.NotFound:
		return http.StatusNotFound
	case failure.ToolValidation:
		return http.StatusUnprocessableEntity
	case failure.Transient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func parseIntParam(r *http.Request, name string, defaultVal int) int {
	s := r.URL.Query().Get(name)
	if s == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return defaultVal
	}
	return n
}

// statusRecorder captures the response status for logging. It passes
// flushing and hijacking through for the streaming endpoints.
type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (r *statusRecorder) WriteHeader(code int) {
	if !r.wroteHeader {
		r.status = code
		r.wroteHeader = true
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	r.wroteHeader = true
	return r.ResponseWriter.Write(b)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }
