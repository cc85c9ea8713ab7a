package gateway

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"threatgate/security-gateway/internal/analytics"
	"threatgate/security-gateway/internal/config"
	"threatgate/security-gateway/internal/detect"
	"threatgate/security-gateway/internal/engine"
	"threatgate/security-gateway/internal/httputil"
	"threatgate/security-gateway/internal/journal"
	"threatgate/security-gateway/internal/policy"
	"threatgate/security-gateway/internal/scoring"
	"threatgate/security-gateway/internal/token"
)

const testSecret = "gateway-test-secret-0123456789abcdef"

// mockConfig returns an enforcing, fail-open config with a test secret.
func mockConfig() *config.Config {
	cfg := config.Default()
	cfg.Token.Secret = testSecret
	cfg.Token.Issuer = "gateway-test"
	return cfg
}

func mockTokens(t *testing.T, cfg *config.Config) *token.Service {
	t.Helper()
	svc, err := token.NewService(cfg.TokenConfig())
	if err != nil {
		t.Fatalf("failed to create token service: %v", err)
	}
	return svc
}

func mockEngine(t *testing.T, withPolicy bool) *engine.Engine {
	t.Helper()
	lib, err := detect.NewLibrary(detect.Options{Logger: zerolog.Nop()})
	if err != nil {
		t.Fatalf("failed to create detector library: %v", err)
	}
	opts := engine.Options{
		Library: lib,
		Scorer:  scoring.New(scoring.DefaultConfig()),
		Sources: analytics.NewStore(analytics.Options{}),
		Journal: journal.New(journal.Options{}),
		Logger:  zerolog.Nop(),
	}
	if withPolicy {
		opts.Policy = policy.New(policy.DefaultConfig())
	}
	return engine.New(opts)
}

// upstream echoes the body it received and the verified subject.
var upstream = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	if c, ok := ClaimsFrom(r.Context()); ok {
		w.Header().Set("X-Subject", c.Subject())
	}
	w.WriteHeader(http.StatusOK)
	w.Write(body)
})

func mockHandler(t *testing.T, cfg *config.Config, eng *engine.Engine, next http.Handler) http.Handler {
	t.Helper()
	h, err := NewHandler(cfg, mockTokens(t, cfg), eng, next)
	if err != nil {
		t.Fatalf("failed to create handler: %v", err)
	}
	return httputil.RequestIDMiddleware(zerolog.Nop(), nil)(h)
}

func browserRequest(method, target string, body io.Reader) *http.Request {
	req := httptest.NewRequest(method, target, body)
	req.Header.Set("User-Agent", "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7)")
	return req
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) httputil.ErrorBody {
	t.Helper()
	var body httputil.ErrorBody
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("response is not JSON: %v (%s)", err, w.Body.String())
	}
	return body
}

func TestServeHTTP_Allow(t *testing.T) {
	cfg := mockConfig()
	h := mockHandler(t, cfg, mockEngine(t, true), upstream)

	w := httptest.NewRecorder()
	h.ServeHTTP(w, browserRequest("GET", "/items?q=shoes", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
}

func TestServeHTTP_Block_SQLInjection(t *testing.T) {
	cfg := mockConfig()
	h := mockHandler(t, cfg, mockEngine(t, true), upstream)

	w := httptest.NewRecorder()
	h.ServeHTTP(w, browserRequest("GET", "/items?id=1%20UNION%20SELECT%20password%20FROM%20users", nil))

	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d: %s", w.Code, w.Body.String())
	}
	body := decodeError(t, w)
	if body.Error != "blocked" {
		t.Errorf("expected error=blocked, got %q", body.Error)
	}
	if !strings.Contains(body.Reason, "sql_union_select") {
		t.Errorf("expected reason to name the pattern, got %q", body.Reason)
	}
	if body.RequestID == "" || body.RequestID != w.Header().Get("X-Request-ID") {
		t.Errorf("expected requestId to match X-Request-ID, got %q", body.RequestID)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After on a block")
	}

	// The standing block covers harmless follow-ups from the same source.
	w = httptest.NewRecorder()
	h.ServeHTTP(w, browserRequest("GET", "/items?q=shoes", nil))
	if w.Code != http.StatusForbidden {
		t.Errorf("expected cached 403, got %d", w.Code)
	}
}

func TestServeHTTP_Challenge_XSS(t *testing.T) {
	cfg := mockConfig()
	h := mockHandler(t, cfg, mockEngine(t, true), upstream)

	w := httptest.NewRecorder()
	h.ServeHTTP(w, browserRequest("GET", "/search?q=%3Cscript%3Ealert(1)%3C/script%3E", nil))

	// Score lands in the challenge band, or block during off-hours.
	if w.Code != http.StatusTooManyRequests && w.Code != http.StatusForbidden {
		t.Fatalf("expected 429 or 403, got %d", w.Code)
	}
	body := decodeError(t, w)
	if !strings.HasPrefix(body.Reason, "xss:") {
		t.Errorf("expected xss reason, got %q", body.Reason)
	}
}

func TestServeHTTP_ObserveMode(t *testing.T) {
	cfg := mockConfig()
	cfg.Modes.Enforce = false
	h := mockHandler(t, cfg, mockEngine(t, true), upstream)

	w := httptest.NewRecorder()
	h.ServeHTTP(w, browserRequest("GET", "/items?id=1%20UNION%20SELECT%201", nil))

	if w.Code != http.StatusOK {
		t.Errorf("observe mode must not refuse, got %d", w.Code)
	}
}

func TestServeHTTP_InvalidToken(t *testing.T) {
	cfg := mockConfig()
	h := mockHandler(t, cfg, mockEngine(t, true), upstream)

	other, err := token.NewService(token.Config{Secret: []byte("a-completely-different-secret!!")})
	if err != nil {
		t.Fatal(err)
	}
	forged, err := other.Mint("mallory", time.Hour, nil)
	if err != nil {
		t.Fatal(err)
	}

	cases := []struct {
		name   string
		header string
		reason string
	}{
		{"wrong secret", "Bearer " + forged, "SignatureMismatch"},
		{"short credential", "Bearer abc", "MalformedCredential"},
		{"basic scheme", "Basic dXNlcjpwYXNzd29yZA==", "MalformedCredential"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := browserRequest("GET", "/items", nil)
			req.RemoteAddr = "198.51.100.7:5000"
			req.Header.Set("Authorization", tc.header)
			w := httptest.NewRecorder()
			h.ServeHTTP(w, req)

			if w.Code != http.StatusUnauthorized {
				t.Fatalf("expected 401, got %d: %s", w.Code, w.Body.String())
			}
			body := decodeError(t, w)
			if body.Error != "invalid_token" || body.Reason != tc.reason {
				t.Errorf("expected invalid_token/%s, got %s/%s", tc.reason, body.Error, body.Reason)
			}
		})
	}
}

func TestServeHTTP_ValidToken(t *testing.T) {
	cfg := mockConfig()
	tokens := mockTokens(t, cfg)
	h := mockHandler(t, cfg, mockEngine(t, true), upstream)

	tok, err := tokens.Mint("alice", time.Hour, nil)
	if err != nil {
		t.Fatal(err)
	}
	req := browserRequest("GET", "/items", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if got := w.Header().Get("X-Subject"); got != "alice" {
		t.Errorf("expected claims in context, got subject %q", got)
	}
}

func TestServeHTTP_BodyDeliveredWhole(t *testing.T) {
	cfg := mockConfig()
	cfg.Server.MaxBodyBytes = 16
	h := mockHandler(t, cfg, mockEngine(t, true), upstream)

	payload := `{"comment":"` + strings.Repeat("lovely shoes ", 20) + `"}`
	req := browserRequest("POST", "/comments", strings.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if w.Body.String() != payload {
		t.Errorf("upstream saw a truncated body: %q", w.Body.String())
	}
}

func TestServeHTTP_FailOpenAndClosed(t *testing.T) {
	cfg := mockConfig()
	h := mockHandler(t, cfg, mockEngine(t, false), upstream)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, browserRequest("GET", "/items", nil))
	if w.Code != http.StatusOK {
		t.Errorf("fail open: expected 200, got %d", w.Code)
	}

	cfg = mockConfig()
	cfg.Modes.FailOpen = false
	h = mockHandler(t, cfg, mockEngine(t, false), upstream)
	w = httptest.NewRecorder()
	h.ServeHTTP(w, browserRequest("GET", "/items", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("fail closed: expected 503, got %d", w.Code)
	}
}

func TestServeHTTP_UpstreamFailuresRecorded(t *testing.T) {
	cfg := mockConfig()
	eng := mockEngine(t, true)
	denied := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})
	h := mockHandler(t, cfg, eng, denied)

	for i := 0; i < 3; i++ {
		req := browserRequest("POST", "/login", nil)
		req.RemoteAddr = "203.0.113.9:1234"
		h.ServeHTTP(httptest.NewRecorder(), req)
	}
	v, ok := eng.Source("203.0.113.9", 1)
	if !ok {
		t.Fatal("source not tracked")
	}
	if v.Record.Failures != 3 || v.Record.Requests != 3 {
		t.Errorf("expected 3/3 failures, got %d/%d", v.Record.Failures, v.Record.Requests)
	}
}

func TestAdmin(t *testing.T) {
	cfg := mockConfig()
	tokens := mockTokens(t, cfg)
	eng := mockEngine(t, true)
	gw, err := NewHandler(cfg, tokens, eng, nil)
	if err != nil {
		t.Fatal(err)
	}
	mux := http.NewServeMux()
	(&Admin{Engine: eng, Gatherer: prometheus.NewRegistry(), StartedAt: time.Now()}).Register(mux, gw.Wrap)

	adminTok, _ := tokens.Mint("root", time.Hour, token.Claims{"role": "admin"})
	userTok, _ := tokens.Mint("bob", time.Hour, token.Claims{"role": "user"})

	cases := []struct {
		name   string
		path   string
		tok    string
		status int
	}{
		{"no token", "/admin/report", "", http.StatusUnauthorized},
		{"not admin", "/admin/report", userTok, http.StatusForbidden},
		{"report", "/admin/report?since=1h&top=5", adminTok, http.StatusOK},
		{"incidents", "/admin/incidents?limit=10", adminTok, http.StatusOK},
		{"bad since", "/admin/incidents?since=yesterday", adminTok, http.StatusBadRequest},
		{"stats", "/admin/stats", adminTok, http.StatusOK},
		{"known source", "/admin/sources/192.0.2.1", adminTok, http.StatusOK},
		{"unknown source", "/admin/sources/198.18.0.1", adminTok, http.StatusNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := browserRequest("GET", tc.path, nil)
			if tc.tok != "" {
				req.Header.Set("Authorization", "Bearer "+tc.tok)
			}
			w := httptest.NewRecorder()
			mux.ServeHTTP(w, req)
			if w.Code != tc.status {
				t.Errorf("expected %d, got %d: %s", tc.status, w.Code, w.Body.String())
			}
		})
	}
}
