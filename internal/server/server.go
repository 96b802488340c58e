package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/harunnryd/assistly/internal/config"
	"github.com/harunnryd/assistly/internal/orchestrator"
	"github.com/harunnryd/assistly/internal/webhook"
)

// Server is the inbound HTTP surface: the signed webhook endpoint plus
// status, health, readiness, and metrics.
type Server struct {
	cfg      *config.Config
	orch     *orchestrator.Orchestrator
	verifier *webhook.Verifier
	limiter  *FixedWindowLimiter
	server   *http.Server
}

func New(cfg *config.Config, orch *orchestrator.Orchestrator, verifier *webhook.Verifier) (*Server, error) {
	rateWindow, err := config.DurationOrDefault(cfg.Server.RateWindow, config.DefaultServerRateWindow)
	if err != nil {
		return nil, fmt.Errorf("parse server rate window: %w", err)
	}
	readTimeout, err := config.DurationOrDefault(cfg.Server.ReadTimeout, config.DefaultServerReadTimeout)
	if err != nil {
		return nil, fmt.Errorf("parse server read timeout: %w", err)
	}
	writeTimeout, err := config.DurationOrDefault(cfg.Server.WriteTimeout, config.DefaultServerWriteTimeout)
	if err != nil {
		return nil, fmt.Errorf("parse server write timeout: %w", err)
	}
	idleTimeout, err := config.DurationOrDefault(cfg.Server.IdleTimeout, config.DefaultServerIdleTimeout)
	if err != nil {
		return nil, fmt.Errorf("parse server idle timeout: %w", err)
	}

	s := &Server{
		cfg:      cfg,
		orch:     orch,
		verifier: verifier,
		limiter:  NewFixedWindowLimiter(cfg.Server.RateLimit, rateWindow),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleStatus)
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/readyz", s.handleReadyz)
	mux.HandleFunc("/metrics", s.handleMetrics)
	mux.HandleFunc("/webhook", s.handleWebhook)

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      mux,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  idleTimeout,
	}
	return s, nil
}

// Handler exposes the mux for tests.
func (s *Server) Handler() http.Handler { return s.server.Handler }

// Start runs the listener on its own goroutine.
func (s *Server) Start() {
	go func() {
		slog.Info("HTTP server listening", "addr", s.server.Addr)
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server failed", "error", err)
		}
	}()
}

func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func sendJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Warn("Response encode failed", "error", err)
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" || r.Method != http.MethodGet {
		sendJSON(w, http.StatusNotFound, map[string]any{"error": "Not found"})
		return
	}

	metrics, err := s.orch.MetricsSnapshot(r.Context())
	if err != nil {
		sendJSON(w, http.StatusInternalServerError, map[string]any{"error": "Metrics unavailable"})
		return
	}
	sendJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"message":  s.orch.StartupMessage(),
		"metrics":  metrics,
		"versions": s.cfg.Versions,
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	sendJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	snap, err := s.orch.Readiness(r.Context())
	if err != nil {
		sendJSON(w, http.StatusServiceUnavailable, map[string]any{"ready": false, "error": err.Error()})
		return
	}
	sendJSON(w, http.StatusOK, snap)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	metrics, err := s.orch.MetricsSnapshot(r.Context())
	if err != nil {
		http.Error(w, "metrics unavailable", http.StatusInternalServerError)
		return
	}
	snap, err := s.orch.Readiness(r.Context())
	if err != nil {
		http.Error(w, "metrics unavailable", http.StatusInternalServerError)
		return
	}

	var b strings.Builder
	fmt.Fprintf(&b, "assistly_requests_total %d\n", metrics.RequestCount)
	fmt.Fprintf(&b, "assistly_errors_total %d\n", metrics.ErrorCount)
	fmt.Fprintf(&b, "assistly_commands_total %d\n", metrics.CommandCount)
	fmt.Fprintf(&b, "assistly_latency_ms_count %d\n", metrics.LatencyMs.Count)
	fmt.Fprintf(&b, "assistly_latency_ms_total %d\n", metrics.LatencyMs.Total)
	fmt.Fprintf(&b, "assistly_latency_ms_max %d\n", metrics.LatencyMs.Max)
	fmt.Fprintf(&b, "assistly_queue_size %d\n", snap.QueueSize)
	fmt.Fprintf(&b, "assistly_queue_dead_letter %d\n", snap.QueueDeadLetter)

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	io.WriteString(w, b.String())
}

func headerMap(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for key, values := range h {
		if len(values) > 0 {
			out[strings.ToLower(key)] = values[0]
		}
	}
	return out
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		sendJSON(w, http.StatusNotFound, map[string]any{"error": "Not found"})
		return
	}

	headers := headerMap(r.Header)
	rateKey := headers["x-openclaw-user-id"]
	if rateKey == "" {
		rateKey = r.RemoteAddr
	}
	if !s.limiter.Consume(rateKey, time.Now()) {
		sendJSON(w, http.StatusTooManyRequests, map[string]any{
			"ok": false, "error": "Rate limit exceeded",
		})
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.Server.MaxBodyBytes))
	if err != nil {
		sendJSON(w, http.StatusRequestEntityTooLarge, map[string]any{
			"ok": false, "error": "Payload too large",
		})
		return
	}

	verdict, err := s.verifier.Verify(r.Context(), headers, body, time.Now())
	if err != nil {
		slog.Error("Webhook verification failed", "error", err)
		sendJSON(w, http.StatusInternalServerError, map[string]any{
			"ok": false, "error": "Internal error",
		})
		return
	}
	if !verdict.OK {
		sendJSON(w, http.StatusUnauthorized, map[string]any{
			"ok": false, "error": "Invalid webhook signature", "reason": verdict.Reason,
		})
		return
	}

	payload, reason := validatePayload(body)
	if reason != "" {
		sendJSON(w, http.StatusBadRequest, map[string]any{
			"ok": false, "error": "Invalid JSON payload.", "reason": reason,
		})
		return
	}

	envelope := orchestrator.Envelope{
		UserID:       orHeader(payload.UserID, headers, "x-openclaw-user-id"),
		Channel:      orHeader(payload.Channel, headers, "x-openclaw-channel"),
		MessageID:    orHeader(payload.MessageID, headers, "x-openclaw-message-id"),
		Timestamp:    orHeader(payload.Timestamp, headers, "x-openclaw-timestamp"),
		TraceID:      orHeader(payload.TraceID, headers, "x-openclaw-trace-id"),
		ThreadID:     stringOrEmpty(payload.ThreadID),
		Locale:       stringOrEmpty(payload.Locale),
		Timezone:     stringOrEmpty(payload.Timezone),
		Text:         stringOrEmpty(payload.Text),
		SessionToken: stringOrEmpty(payload.SessionToken),
	}

	result := s.orch.ProcessEvent(r.Context(), envelope)
	sendJSON(w, http.StatusOK, map[string]any{
		"ok":           result.OK,
		"trace_id":     result.TraceID,
		"confirmation": result.Confirmation,
		"result":       result,
	})
}

func stringOrEmpty(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}
