package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/zhouzirui/site-safety/backend/internal/config"
	"github.com/zhouzirui/site-safety/backend/internal/metrics"
	middlewarePkg "github.com/zhouzirui/site-safety/backend/internal/middleware"
	"github.com/zhouzirui/site-safety/backend/internal/model/session"
	sessionService "github.com/zhouzirui/site-safety/backend/internal/service/session"
)

type nopVision struct{}

func (nopVision) ProposeKeywords(context.Context, session.Image) ([]string, error) {
	return []string{"no helmet"}, nil
}

func (nopVision) Describe(context.Context, session.Image, []string) (string, error) {
	return "ok", nil
}

type nopResponder struct{}

func (nopResponder) Respond(context.Context, *session.Session, string) (string, error) {
	return "ok", nil
}

func newTestRouter(limiter *middlewarePkg.RateLimiter) http.Handler {
	coordinator := sessionService.New(session.NewMemoryStore(), nopVision{}, nopResponder{}, sessionService.Config{})
	return NewRouter(Options{
		Coordinator: coordinator,
		Registry:    metrics.NewRegistry(),
		Server:      config.ServerConfig{AllowedOrigins: []string{"http://localhost:3000"}},
		Limiter:     limiter,
	})
}

func TestHealth(t *testing.T) {
	r := newTestRouter(nil)

	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/health", nil))
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}

	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "healthy" {
		t.Fatalf("unexpected body %v", body)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	r := newTestRouter(nil)

	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	if !strings.Contains(resp.Body.String(), "sitesafety_sessions_active") {
		t.Fatalf("metrics output missing session gauge")
	}
}

func TestAPIUnavailableWithoutCoordinator(t *testing.T) {
	r := NewRouter(Options{})

	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, httptest.NewRequest(http.MethodPost, "/api/chat", bytes.NewReader([]byte(`{}`))))
	if resp.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", resp.Code)
	}

	resp = httptest.NewRecorder()
	r.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/health", nil))
	if resp.Code != http.StatusOK {
		t.Fatalf("health should stay up, got %d", resp.Code)
	}
}

func TestCORSOnAPI(t *testing.T) {
	r := newTestRouter(nil)

	req := httptest.NewRequest(http.MethodOptions, "/api/chat", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)

	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)
	if resp.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.Code)
	}
	if got := resp.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:3000" {
		t.Fatalf("unexpected allow origin %q", got)
	}
}

func TestChatIsRateLimited(t *testing.T) {
	r := newTestRouter(middlewarePkg.NewRateLimiter(1, 1))

	send := func() int {
		req := httptest.NewRequest(http.MethodPost, "/api/chat", bytes.NewReader([]byte(`{"session_id":"x","message":"hi"}`)))
		req.RemoteAddr = "10.0.0.1:1234"
		resp := httptest.NewRecorder()
		r.ServeHTTP(resp, req)
		return resp.Code
	}

	if code := send(); code != http.StatusNotFound {
		t.Fatalf("first call: expected 404, got %d", code)
	}
	if code := send(); code != http.StatusTooManyRequests {
		t.Fatalf("second call: expected 429, got %d", code)
	}

	// 生命周期接口不受限流影响
	req := httptest.NewRequest(http.MethodDelete, "/api/session/x", nil)
	req.RemoteAddr = "10.0.0.1:1234"
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)
	if resp.Code != http.StatusOK {
		t.Fatalf("delete should not be limited, got %d", resp.Code)
	}
}
