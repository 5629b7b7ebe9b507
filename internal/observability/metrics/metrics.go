// Package metrics holds the Prometheus collectors of the voice agent.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/wolfman30/clinic-voice-agent/internal/llm"
)

const namespace = "clinicvoice"

// VoiceMetrics exposes counters/histograms for calls, turns, tools and the
// booking provider.
type VoiceMetrics struct {
	turnsTotal         *prometheus.CounterVec
	toolCallsTotal     *prometheus.CounterVec
	generationLatency  *prometheus.HistogramVec
	generationTokens   *prometheus.CounterVec
	gatewayLatency     *prometheus.HistogramVec
	droppedChunksTotal prometheus.Counter
	activeSessions     prometheus.Gauge
}

func NewVoiceMetrics(reg prometheus.Registerer) *VoiceMetrics {
	m := &VoiceMetrics{
		turnsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dialogue",
			Name:      "turns_total",
			Help:      "Turns by interaction type and outcome",
		}, []string{"interaction", "outcome"}),
		toolCallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dialogue",
			Name:      "tool_calls_total",
			Help:      "Booking tool executions by tool and result",
		}, []string{"tool", "result"}),
		generationLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "dialogue",
			Name:      "generation_latency_seconds",
			Help:      "Time from turn start until the model stream ended",
			Buckets:   []float64{0.25, 0.5, 1, 1.5, 2, 3, 5, 8, 10, 15},
		}, []string{"outcome"}),
		generationTokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dialogue",
			Name:      "generation_tokens_total",
			Help:      "Model tokens by direction",
		}, []string{"direction"}),
		gatewayLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "booking",
			Name:      "gateway_latency_seconds",
			Help:      "Booking provider call latency",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation", "result"}),
		droppedChunksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "dropped_chunks_total",
			Help:      "Reply chunks discarded because their turn was superseded",
		}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "active",
			Help:      "Calls with a live session",
		}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(
		m.turnsTotal,
		m.toolCallsTotal,
		m.generationLatency,
		m.generationTokens,
		m.gatewayLatency,
		m.droppedChunksTotal,
		m.activeSessions,
	)
	return m
}

func (m *VoiceMetrics) ObserveTurn(interaction, outcome string) {
	if m == nil {
		return
	}
	m.turnsTotal.WithLabelValues(interaction, outcome).Inc()
}

func (m *VoiceMetrics) ObserveTool(tool, result string) {
	if m == nil {
		return
	}
	m.toolCallsTotal.WithLabelValues(tool, result).Inc()
}

func (m *VoiceMetrics) ObserveGeneration(outcome string, d time.Duration, usage llm.TokenUsage) {
	if m == nil {
		return
	}
	m.generationLatency.WithLabelValues(outcome).Observe(d.Seconds())
	if usage.InputTokens > 0 {
		m.generationTokens.WithLabelValues("input").Add(float64(usage.InputTokens))
	}
	if usage.OutputTokens > 0 {
		m.generationTokens.WithLabelValues("output").Add(float64(usage.OutputTokens))
	}
}

func (m *VoiceMetrics) ObserveGateway(op, result string, d time.Duration) {
	if m == nil {
		return
	}
	m.gatewayLatency.WithLabelValues(op, result).Observe(d.Seconds())
}

func (m *VoiceMetrics) ObserveDroppedChunk() {
	if m == nil {
		return
	}
	m.droppedChunksTotal.Inc()
}

func (m *VoiceMetrics) SetActiveSessions(n int) {
	if m == nil {
		return
	}
	m.activeSessions.Set(float64(n))
}
