package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/vnmchuo/promptmaster/internal/credentials"
	"github.com/vnmchuo/promptmaster/internal/orchestrator"
	"github.com/vnmchuo/promptmaster/internal/provider"
)

// Mock Completer
type mockCompleter struct {
	result *orchestrator.Result
	err    error

	gotReq      *orchestrator.Request
	gotIdentity string
}

func (m *mockCompleter) Orchestrate(ctx context.Context, req *orchestrator.Request, identity string) (*orchestrator.Result, error) {
	m.gotReq = req
	m.gotIdentity = identity
	return m.result, m.err
}

// Mock Credential Store
type mockCredentialStore struct {
	creds credentials.Credentials
	err   error
	calls int
}

func (m *mockCredentialStore) GetByUser(ctx context.Context, userID string) (credentials.Credentials, error) {
	m.calls++
	return m.creds, m.err
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func serve(h *Handler, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	h.Routes().ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]string {
	t.Helper()
	var resp map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid JSON response: %v (%s)", err, w.Body.String())
	}
	return resp
}

func TestHandleImprove_Success(t *testing.T) {
	m := &mockCompleter{result: &orchestrator.Result{
		Output:   "Hello, world! How are you?",
		Tier:     orchestrator.TierPrimary,
		Provider: "gemini",
		Model:    "gemini-2.5-flash",
	}}
	h := NewHandler(m, WithLogger(quietLogger()))

	req := httptest.NewRequest("POST", "/api/improve-text",
		strings.NewReader(`{"text":"hello worl how are u","language":"en","temperature":0.5,"maxTokens":"lots"}`))
	req.Header.Set("X-Forwarded-For", "1.2.3.4, 10.0.0.1")
	w := serve(h, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	resp := decodeBody(t, w)
	if resp["output"] != "Hello, world! How are you?" {
		t.Errorf("Unexpected output: %q", resp["output"])
	}
	if resp["request_id"] == "" || resp["request_id"] != w.Header().Get("X-Request-ID") {
		t.Errorf("Expected request id in body and header, got %q / %q", resp["request_id"], w.Header().Get("X-Request-ID"))
	}
	if m.gotIdentity != "1.2.3.4" {
		t.Errorf("Expected identity 1.2.3.4, got %s", m.gotIdentity)
	}
	if m.gotReq.Mode != orchestrator.ModeImprove || m.gotReq.Language != "en" {
		t.Errorf("Unexpected request: %+v", m.gotReq)
	}
	if m.gotReq.Temperature == nil || *m.gotReq.Temperature != 0.5 {
		t.Errorf("Expected temperature hint 0.5, got %v", m.gotReq.Temperature)
	}
	if m.gotReq.MaxTokens != nil {
		t.Errorf("Expected non-numeric maxTokens to be ignored, got %v", *m.gotReq.MaxTokens)
	}
}

func TestHandleImprove_InvalidBody(t *testing.T) {
	m := &mockCompleter{}
	h := NewHandler(m, WithLogger(quietLogger()))

	w := serve(h, httptest.NewRequest("POST", "/api/improve-text", strings.NewReader(`{invalid json}`)))

	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d", w.Code)
	}
	if m.gotReq != nil {
		t.Errorf("Orchestrator should not be called for a malformed body")
	}
}

func TestHandleImprove_CrossOriginForbidden(t *testing.T) {
	m := &mockCompleter{}
	h := NewHandler(m, WithLogger(quietLogger()))

	req := httptest.NewRequest("POST", "http://app.example.com/api/improve-text", strings.NewReader(`{"text":"x"}`))
	req.Header.Set("Origin", "https://evil.example.net")
	w := serve(h, req)

	if w.Code != http.StatusForbidden {
		t.Errorf("Expected 403, got %d", w.Code)
	}
	if m.gotReq != nil {
		t.Errorf("Orchestrator should not be called for a cross-origin request")
	}

	req = httptest.NewRequest("POST", "http://app.example.com/api/improve-text", strings.NewReader(`{"text":"x"}`))
	req.Header.Set("Origin", "https://app.example.com")
	m.result = &orchestrator.Result{Output: "ok"}
	if w := serve(h, req); w.Code != http.StatusOK {
		t.Errorf("Expected same-origin request to pass, got %d", w.Code)
	}
}

func TestHandleImprove_ErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		kind   string
	}{
		{"validation", &orchestrator.ValidationError{Field: "text", Message: "is required"}, http.StatusBadRequest, "validation"},
		{"no provider", &orchestrator.NoProviderAvailableError{}, http.StatusInternalServerError, "no_provider"},
		{"no provider after transient", &orchestrator.NoProviderAvailableError{
			Cause: &provider.Error{Provider: "gemini", Kind: provider.KindTransient, Message: "upstream 503"},
		}, http.StatusServiceUnavailable, "transient"},
		{"no provider after quota", &orchestrator.NoProviderAvailableError{
			Cause: &provider.Error{Provider: "gemini", Kind: provider.KindQuotaExceeded, Message: "quota"},
		}, http.StatusServiceUnavailable, "quota_exceeded"},
		{"no provider after fatal", &orchestrator.NoProviderAvailableError{
			Cause: &provider.Error{Provider: "gemini", Kind: provider.KindFatal, Message: "bad request"},
		}, http.StatusBadGateway, "fatal"},
		{"transient", &provider.Error{Provider: "openrouter", Kind: provider.KindTransient, Message: "timeout"}, http.StatusServiceUnavailable, "transient"},
		{"fatal", &provider.Error{Provider: "openrouter", Kind: provider.KindFatal, Message: "bad model"}, http.StatusBadGateway, "fatal"},
		{"unknown", errors.New("boom"), http.StatusInternalServerError, "internal"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHandler(&mockCompleter{err: tt.err}, WithLogger(quietLogger()))
			w := serve(h, httptest.NewRequest("POST", "/api/improve-text", strings.NewReader(`{"text":"x","language":"en"}`)))

			if w.Code != tt.status {
				t.Errorf("Expected %d, got %d", tt.status, w.Code)
			}
			resp := decodeBody(t, w)
			if resp["kind"] != tt.kind {
				t.Errorf("Expected kind %s, got %s", tt.kind, resp["kind"])
			}
			if resp["detail"] != tt.err.Error() {
				t.Errorf("Expected detail outside production, got %q", resp["detail"])
			}
		})
	}
}

func TestHandleImprove_ProductionHidesDetail(t *testing.T) {
	perr := &provider.Error{Provider: "openrouter", Kind: provider.KindFatal, Message: "key sk-or-123 revoked"}
	h := NewHandler(&mockCompleter{err: perr}, WithProduction(true), WithLogger(quietLogger()))

	w := serve(h, httptest.NewRequest("POST", "/api/improve-text", strings.NewReader(`{"text":"x","language":"ru"}`)))

	resp := decodeBody(t, w)
	if _, ok := resp["detail"]; ok {
		t.Errorf("Production response leaked detail: %q", resp["detail"])
	}
	if strings.Contains(w.Body.String(), "sk-or-123") {
		t.Errorf("Production response leaked provider text")
	}
	if resp["error"] != messages["ru"][msgProviderFailed] {
		t.Errorf("Expected localized message, got %q", resp["error"])
	}
}

func TestHandleImprove_RateLimitHeaders(t *testing.T) {
	resetAt := time.Unix(1_700_000_060, 0)
	h := NewHandler(&mockCompleter{err: &orchestrator.RateLimitedError{
		RetryAfterSeconds: 42,
		Limit:             20,
		ResetAt:           resetAt,
	}}, WithLogger(quietLogger()))

	w := serve(h, httptest.NewRequest("POST", "/api/improve-text", strings.NewReader(`{"text":"x"}`)))

	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("Expected 429, got %d", w.Code)
	}
	if got := w.Header().Get("Retry-After"); got != "42" {
		t.Errorf("Expected Retry-After 42, got %s", got)
	}
	if got := w.Header().Get("X-RateLimit-Limit"); got != "20" {
		t.Errorf("Expected X-RateLimit-Limit 20, got %s", got)
	}
	if got := w.Header().Get("X-RateLimit-Remaining"); got != "0" {
		t.Errorf("Expected X-RateLimit-Remaining 0, got %s", got)
	}
	if got := w.Header().Get("X-RateLimit-Reset"); got != "1700000060" {
		t.Errorf("Expected X-RateLimit-Reset 1700000060, got %s", got)
	}
	if resp := decodeBody(t, w); resp["error"] != messages["uz"][msgRateLimited] {
		t.Errorf("Expected default-language message, got %q", resp["error"])
	}
}

func TestHandleTeacher_SplitsHistory(t *testing.T) {
	m := &mockCompleter{result: &orchestrator.Result{Output: "**Analysis:** ..."}}
	h := NewHandler(m, WithLogger(quietLogger()))

	body := `{"messages":[
		{"role":"user","content":"Write me a poem"},
		{"role":"assistant","content":"Too vague"},
		{"role":"user","content":"Write a haiku about rain"}
	]}`
	w := serve(h, httptest.NewRequest("POST", "/api/teacher", strings.NewReader(body)))

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if m.gotReq.Mode != orchestrator.ModeTeach {
		t.Errorf("Expected teach mode, got %s", m.gotReq.Mode)
	}
	if m.gotReq.Text != "Write a haiku about rain" {
		t.Errorf("Expected last message as text, got %q", m.gotReq.Text)
	}
	if len(m.gotReq.History) != 2 || m.gotReq.History[1].Role != "assistant" {
		t.Errorf("Unexpected history: %+v", m.gotReq.History)
	}
}

func TestHandleTeacher_EmptyMessages(t *testing.T) {
	m := &mockCompleter{}
	h := NewHandler(m, WithLogger(quietLogger()))

	w := serve(h, httptest.NewRequest("POST", "/api/teacher", strings.NewReader(`{"messages":[]}`)))

	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d", w.Code)
	}
	if m.gotReq != nil {
		t.Errorf("Orchestrator should not be called without messages")
	}
}

func TestCredentialOverrides(t *testing.T) {
	store := &mockCredentialStore{creds: credentials.Credentials{
		PrimaryKey:  "AIzaSaved",
		FallbackKey: "sk-or-saved",
	}}
	m := &mockCompleter{result: &orchestrator.Result{Output: "ok"}}
	h := NewHandler(m, WithCredentialStore(store), WithServiceToken("bot-secret"), WithLogger(quietLogger()))

	req := httptest.NewRequest("POST", "/api/improve-text", strings.NewReader(`{"text":"x"}`))
	req.Header.Set(credentials.HeaderGeminiKey, "AIzaHeader")
	req.Header.Set(HeaderUserID, "42")
	req.Header.Set(HeaderServiceToken, "bot-secret")
	serve(h, req)

	if m.gotReq.Override.PrimaryKey != "AIzaHeader" {
		t.Errorf("Expected header key to win, got %s", m.gotReq.Override.PrimaryKey)
	}
	if m.gotReq.Override.FallbackKey != "sk-or-saved" {
		t.Errorf("Expected saved fallback key, got %s", m.gotReq.Override.FallbackKey)
	}
	if m.gotIdentity != "user:42" {
		t.Errorf("Expected user identity, got %s", m.gotIdentity)
	}

	// Store outages degrade to header-only overrides.
	store.err = errors.New("connection refused")
	req = httptest.NewRequest("POST", "/api/improve-text", strings.NewReader(`{"text":"x"}`))
	req.Header.Set(HeaderUserID, "42")
	req.Header.Set(HeaderServiceToken, "bot-secret")
	if w := serve(h, req); w.Code != http.StatusOK {
		t.Errorf("Expected 200 despite store failure, got %d", w.Code)
	}
	if m.gotReq.Override.PrimaryKey != "" {
		t.Errorf("Expected no override, got %s", m.gotReq.Override.PrimaryKey)
	}
}

func TestUntrustedUserIDIgnored(t *testing.T) {
	tests := []struct {
		name         string
		serviceToken string
		sentToken    string
	}{
		{"no token configured", "", ""},
		{"no token sent", "bot-secret", ""},
		{"wrong token", "bot-secret", "guess"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := &mockCredentialStore{creds: credentials.Credentials{
				PrimaryKey:  "AIzaSaved",
				FallbackKey: "sk-or-saved",
			}}
			m := &mockCompleter{result: &orchestrator.Result{Output: "ok"}}
			h := NewHandler(m, WithCredentialStore(store), WithServiceToken(tt.serviceToken), WithLogger(quietLogger()))

			req := httptest.NewRequest("POST", "/api/improve-text", strings.NewReader(`{"text":"x"}`))
			req.RemoteAddr = "203.0.113.7:5555"
			req.Header.Set(HeaderUserID, "42")
			if tt.sentToken != "" {
				req.Header.Set(HeaderServiceToken, tt.sentToken)
			}
			if w := serve(h, req); w.Code != http.StatusOK {
				t.Fatalf("Expected 200, got %d", w.Code)
			}

			if m.gotIdentity != "203.0.113.7" {
				t.Errorf("Expected client IP identity, got %s", m.gotIdentity)
			}
			if store.calls != 0 {
				t.Errorf("Expected credential store untouched, got %d lookups", store.calls)
			}
			if m.gotReq.Override.PrimaryKey != "" || m.gotReq.Override.FallbackKey != "" {
				t.Errorf("Expected no saved keys, got %+v", m.gotReq.Override)
			}
		})
	}
}

func TestRotatingUserIDSharesIPBucket(t *testing.T) {
	m := &mockCompleter{result: &orchestrator.Result{Output: "ok"}}
	h := NewHandler(m, WithServiceToken("bot-secret"), WithLogger(quietLogger()))

	for _, uid := range []string{"1", "2", "3"} {
		req := httptest.NewRequest("POST", "/api/improve-text", strings.NewReader(`{"text":"x"}`))
		req.RemoteAddr = "198.51.100.9:4000"
		req.Header.Set(HeaderUserID, uid)
		serve(h, req)
		if m.gotIdentity != "198.51.100.9" {
			t.Errorf("user %s: expected identity 198.51.100.9, got %s", uid, m.gotIdentity)
		}
	}
}

func TestHandleHealth(t *testing.T) {
	h := NewHandler(&mockCompleter{}, WithLogger(quietLogger()),
		WithHealthCheck("redis", func(ctx context.Context) error { return nil }))
	w := serve(h, httptest.NewRequest("GET", "/healthz", nil))
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}
	if resp := decodeBody(t, w); resp["redis"] != "ok" {
		t.Errorf("Expected redis ok, got %q", resp["redis"])
	}

	h = NewHandler(&mockCompleter{}, WithLogger(quietLogger()),
		WithHealthCheck("redis", func(ctx context.Context) error { return errors.New("dial tcp: refused") }))
	w = serve(h, httptest.NewRequest("GET", "/healthz", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503, got %d", w.Code)
	}
	if resp := decodeBody(t, w); resp["status"] != "degraded" {
		t.Errorf("Expected degraded status, got %q", resp["status"])
	}
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "9.9.9.9:5555"
	if got := ClientIP(req); got != "9.9.9.9" {
		t.Errorf("Expected remote host, got %s", got)
	}

	req.Header.Set("X-Real-IP", "8.8.8.8")
	if got := ClientIP(req); got != "8.8.8.8" {
		t.Errorf("Expected X-Real-IP, got %s", got)
	}

	req.Header.Set("X-Forwarded-For", " 7.7.7.7 , 8.8.8.8")
	if got := ClientIP(req); got != "7.7.7.7" {
		t.Errorf("Expected first X-Forwarded-For entry, got %s", got)
	}
}
