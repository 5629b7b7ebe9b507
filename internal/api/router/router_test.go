package router

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wolfman30/clinic-voice-agent/internal/dialogue"
	httpmiddleware "github.com/wolfman30/clinic-voice-agent/internal/http/middleware"
	"github.com/wolfman30/clinic-voice-agent/internal/llm"
	"github.com/wolfman30/clinic-voice-agent/internal/observability/metrics"
	"github.com/wolfman30/clinic-voice-agent/internal/session"
	"github.com/wolfman30/clinic-voice-agent/pkg/logging"
)

type staticOrchestrator struct{}

func (staticOrchestrator) Greeting() string { return "Hello." }

func (staticOrchestrator) Advance(_ context.Context, req dialogue.TurnRequest) *dialogue.Turn {
	return dialogue.StaticTurn(req.TurnID, "Okay.")
}

func newTestRouter(t *testing.T, secret string) (http.Handler, *session.Manager, *metrics.VoiceMetrics) {
	t.Helper()
	logger := logging.Discard()
	reg := prometheus.NewRegistry()
	m := metrics.NewVoiceMetrics(reg)
	mgr := session.NewManager(staticOrchestrator{}, logger, session.WithRecorder(m))

	cfg := &Config{
		Logger:         logger,
		Sessions:       mgr,
		MetricsHandler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		Gatherer:       reg,
		OpsJWTSecret:   secret,
	}
	return New(cfg), mgr, m
}

func TestRouterHealthEndpoint(t *testing.T) {
	router, _, _ := newTestRouter(t, "")

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rr := httptest.NewRecorder()

	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, rr.Code)
	}

	var resp map[string]string
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode health response: %v", err)
	}

	if resp["status"] != "ok" {
		t.Errorf("expected status 'ok', got %q", resp["status"])
	}
}

func TestRouterCallsEndpoint(t *testing.T) {
	router, mgr, _ := newTestRouter(t, "")
	mgr.GetOrCreate(context.Background(), "call_1", session.SinkFunc(func(dialogue.Chunk) error { return nil }))

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/calls", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, rr.Code)
	}
	var resp struct {
		Calls []session.Record `json:"calls"`
		Count int              `json:"count"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Count != 1 || resp.Calls[0].CallID != "call_1" || resp.Calls[0].Stage != "empty" {
		t.Fatalf("unexpected calls %+v", resp)
	}
}

func TestRouterStatsAndMetrics(t *testing.T) {
	router, _, m := newTestRouter(t, "")
	m.ObserveGeneration(dialogue.OutcomeReply, 300*time.Millisecond, llmUsage())

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/stats", nil))
	var stats struct {
		GenerationLatency metrics.LatencySnapshot `json:"generation_latency"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if stats.GenerationLatency.Total != 1 {
		t.Fatalf("expected one generation, got %+v", stats.GenerationLatency)
	}

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("metrics status %d", rr.Code)
	}
}

func TestRouterOpsEndpointsRequireToken(t *testing.T) {
	router, _, _ := newTestRouter(t, "s3cret")

	for _, path := range []string{"/calls", "/stats"} {
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
		if rr.Code != http.StatusUnauthorized {
			t.Fatalf("%s without token: expected 401, got %d", path, rr.Code)
		}
	}

	claims := jwt.RegisteredClaims{
		Subject:   "oncall",
		Audience:  jwt.ClaimStrings{httpmiddleware.OpsAudience},
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("s3cret"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	req := httptest.NewRequest(http.MethodGet, "/calls", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 with token, got %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("health must stay public, got %d", rr.Code)
	}
}

func llmUsage() llm.TokenUsage {
	return llm.TokenUsage{InputTokens: 120, OutputTokens: 30, TotalTokens: 150}
}
