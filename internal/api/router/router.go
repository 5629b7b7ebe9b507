package router

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"

	httpmiddleware "github.com/wolfman30/clinic-voice-agent/internal/http/middleware"
	"github.com/wolfman30/clinic-voice-agent/internal/observability/metrics"
	"github.com/wolfman30/clinic-voice-agent/internal/session"
	"github.com/wolfman30/clinic-voice-agent/pkg/logging"
)

// Config holds router configuration
type Config struct {
	Logger         *logging.Logger
	Sessions       *session.Manager
	VoiceHandler   http.Handler
	MetricsHandler http.Handler
	// Gatherer backs /stats; nil uses the default Prometheus gatherer.
	Gatherer prometheus.Gatherer
	// OpsJWTSecret guards /calls and /stats when set.
	OpsJWTSecret string
}

// New creates a new Chi router with all routes configured
func New(cfg *Config) http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	if cfg.Logger != nil {
		r.Use(httpmiddleware.RequestLogger(cfg.Logger))
	}

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if cfg.MetricsHandler != nil {
		r.Handle("/metrics", cfg.MetricsHandler)
	}

	// Operator endpoints
	r.Group(func(ops chi.Router) {
		ops.Use(httpmiddleware.OpsJWT(cfg.OpsJWTSecret))
		ops.Get("/stats", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, map[string]any{
				"generation_latency": metrics.Snapshot(cfg.Gatherer),
			})
		})
		if cfg.Sessions != nil {
			ops.Get("/calls", listCalls(cfg.Sessions, cfg.Logger))
		}
	})
	if cfg.VoiceHandler != nil {
		r.Handle("/llm-websocket/{call_id}", cfg.VoiceHandler)
	}

	return r
}

func listCalls(sessions *session.Manager, logger *logging.Logger) http.HandlerFunc {
	if logger == nil {
		logger = logging.Default()
	}
	return func(w http.ResponseWriter, r *http.Request) {
		calls, err := sessions.ActiveCalls(r.Context())
		if err != nil {
			logger.Error("failed to list active calls", "error", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "active calls unavailable"})
			return
		}
		if calls == nil {
			calls = []session.Record{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"calls": calls, "count": len(calls)})
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
