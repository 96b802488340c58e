package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harunnryd/assistly/internal/audit"
	"github.com/harunnryd/assistly/internal/auth"
	"github.com/harunnryd/assistly/internal/config"
	"github.com/harunnryd/assistly/internal/orchestrator"
	"github.com/harunnryd/assistly/internal/platform"
	"github.com/harunnryd/assistly/internal/policy"
	"github.com/harunnryd/assistly/internal/queue"
	"github.com/harunnryd/assistly/internal/state"
	"github.com/harunnryd/assistly/internal/webhook"
)

const (
	serverSecret     = "webhook-secret"
	serverOwnerID    = "owner-1"
	serverPassphrase = "open sesame please"
)

func newTestServer(t *testing.T, enforce bool) *Server {
	t.Helper()

	dir := t.TempDir()
	st, err := state.NewFileStore(dir, "state.json", state.DefaultRetention())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	q, err := queue.NewFileQueue(filepath.Join(dir, "queue.json"), 5*time.Minute, 3)
	require.NoError(t, err)

	auditLog, err := audit.NewLog(filepath.Join(dir, "logs.json"), 100, time.Hour)
	require.NoError(t, err)

	cfg := &config.Config{
		Server: config.ServerConfig{
			Port:         0,
			RateLimit:    5,
			RateWindow:   "1m",
			MaxBodyBytes: 1 << 20,
		},
		Owner:    config.OwnerConfig{ID: serverOwnerID, Name: "Harun", Passphrase: serverPassphrase},
		Bot:      config.BotConfig{Name: "assistly", SessionTimeoutMinutes: 60},
		Schedule: config.ScheduleConfig{WorkerLockSeconds: 60},
	}

	authn := auth.New(st, auth.NewTokenIssuer("token-secret", time.Hour), auth.Options{
		OwnerID:        serverOwnerID,
		Passphrase:     serverPassphrase,
		SessionTimeout: time.Hour,
		FailureWindow:  10 * time.Minute,
		FailureMax:     5,
		Lockout:        30 * time.Minute,
	})

	orch := orchestrator.New(cfg, st, q, authn, policy.New(nil, nil),
		platform.NewRegistry(), auditLog, nil)

	verifier := webhook.NewVerifier([]string{serverSecret}, 5*time.Minute, enforce, st)

	srv, err := New(cfg, orch, verifier)
	require.NoError(t, err)
	return srv
}

func signedRequest(t *testing.T, body []byte, nonce string) *http.Request {
	t.Helper()
	ts := time.Now().UnixMilli()
	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(body))
	req.Header.Set("x-openclaw-signature", webhook.Sign(serverSecret, ts, nonce, body))
	req.Header.Set("x-openclaw-timestamp", strconv.FormatInt(ts, 10))
	req.Header.Set("x-openclaw-nonce", nonce)
	return req
}

func TestWebhookRejectsUnsignedRequest(t *testing.T) {
	srv := newTestServer(t, true)

	body := []byte(`{"user_id":"owner-1","text":"hello"}`)
	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "missing_headers", resp["reason"])
}

func TestWebhookRejectsReplayedNonce(t *testing.T) {
	srv := newTestServer(t, true)
	body := []byte(`{"user_id":"owner-1","text":"hello"}`)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, signedRequest(t, body, "nonce-1"))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, signedRequest(t, body, "nonce-1"))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "replay_detected", resp["reason"])
}

func TestWebhookAuthenticatesOwner(t *testing.T) {
	srv := newTestServer(t, true)
	body := []byte(fmt.Sprintf(`{"user_id":%q,"channel":"openclaw","text":%q}`,
		serverOwnerID, serverPassphrase))

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, signedRequest(t, body, "nonce-auth"))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, true, resp["ok"])
	assert.NotEmpty(t, resp["trace_id"])
	result := resp["result"].(map[string]any)
	assert.Contains(t, result["message"], "Welcome back")
}

func TestWebhookValidatesPayloadShape(t *testing.T) {
	srv := newTestServer(t, false)

	cases := []struct {
		name   string
		body   string
		reason string
	}{
		{"array body", `[1,2,3]`, "payload_must_be_object"},
		{"numeric field", `{"user_id":42}`, "invalid_field_type:user_id"},
		{"long text", fmt.Sprintf(`{"text":%q}`, strings.Repeat("a", 10001)), "text_too_long"},
		{"bad timestamp", `{"timestamp":"whenever"}`, "invalid_timestamp"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(tc.body))
			srv.Handler().ServeHTTP(rec, req)

			assert.Equal(t, http.StatusBadRequest, rec.Code)
			var resp map[string]any
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Equal(t, tc.reason, resp["reason"])
		})
	}
}

func TestWebhookRateLimitsPerUser(t *testing.T) {
	srv := newTestServer(t, false)

	for i := 0; i < 5; i++ {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(`{}`))
		req.Header.Set("x-openclaw-user-id", "flooder")
		srv.Handler().ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code)
	}

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(`{}`))
	req.Header.Set("x-openclaw-user-id", "flooder")
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(`{}`))
	req.Header.Set("x-openclaw-user-id", "someone-else")
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code, "limit is per user")
}

func TestStatusEndpoint(t *testing.T) {
	srv := newTestServer(t, false)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp["status"])
	assert.Contains(t, resp["message"], "assistly is online")
	assert.Contains(t, resp, "metrics")
}

func TestHealthAndReadiness(t *testing.T) {
	srv := newTestServer(t, false)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var snap map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, true, snap["ready"])
}

func TestMetricsEndpointIsPlainText(t *testing.T) {
	srv := newTestServer(t, false)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(`{}`)))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/plain")
	assert.Contains(t, rec.Body.String(), "assistly_requests_total 1")
}

func TestUnknownRouteReturns404(t *testing.T) {
	srv := newTestServer(t, false)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/nope", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
