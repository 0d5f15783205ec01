package observability

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects the runtime's Prometheus metrics.
type Metrics struct {
	// LoopRuns counts completed turns.
	// Labels: agent_id, status (success|error)
	LoopRuns *prometheus.CounterVec

	// LoopDuration measures full-turn latency in seconds.
	// Labels: agent_id
	LoopDuration *prometheus.HistogramVec

	// LLMRequestDuration measures model call latency in seconds.
	// Labels: model
	LLMRequestDuration *prometheus.HistogramVec

	// LLMTokensUsed tracks token consumption.
	// Labels: model, type (input|output)
	LLMTokensUsed *prometheus.CounterVec

	// ToolExecutions counts tool invocations.
	// Labels: tool_name, status (success|error)
	ToolExecutions *prometheus.CounterVec

	// ToolDuration measures tool execution time in seconds.
	// Labels: tool_name
	ToolDuration *prometheus.HistogramVec

	// Retries counts retry attempts beyond the first.
	// Labels: operation
	Retries *prometheus.CounterVec

	// Escalations counts exhausted retry operations.
	// Labels: operation
	Escalations *prometheus.CounterVec

	// LockConflicts counts LOCK_HELD rejections.
	LockConflicts prometheus.Counter

	// MemorySize tracks the current memory document size per agent.
	// Labels: agent_id
	MemorySize *prometheus.GaugeVec

	// Compactions counts transcript compactions.
	// Labels: method (llm|local)
	Compactions *prometheus.CounterVec
}

// NewMetrics creates and registers all metrics on the given registerer;
// nil uses the default registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		LoopRuns: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "warden_loop_runs_total",
				Help: "Total completed agent turns by agent and status",
			},
			[]string{"agent_id", "status"},
		),
		LoopDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "warden_loop_duration_seconds",
				Help:    "Full-turn latency in seconds",
				Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300, 600},
			},
			[]string{"agent_id"},
		),
		LLMRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "warden_llm_request_duration_seconds",
				Help:    "Model call latency in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"model"},
		),
		LLMTokensUsed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "warden_llm_tokens_total",
				Help: "Tokens consumed by model and type",
			},
			[]string{"model", "type"},
		),
		ToolExecutions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "warden_tool_executions_total",
				Help: "Tool invocations by tool and status",
			},
			[]string{"tool_name", "status"},
		),
		ToolDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "warden_tool_duration_seconds",
				Help:    "Tool execution time in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tool_name"},
		),
		Retries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "warden_retries_total",
				Help: "Retry attempts beyond the first, by operation",
			},
			[]string{"operation"},
		),
		Escalations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "warden_escalations_total",
				Help: "Operations that exhausted their retries, by operation",
			},
			[]string{"operation"},
		),
		LockConflicts: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "warden_lock_conflicts_total",
				Help: "Turns rejected because the session lock was held",
			},
		),
		MemorySize: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "warden_memory_size_chars",
				Help: "Current memory document size in characters, per agent",
			},
			[]string{"agent_id"},
		),
		Compactions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "warden_compactions_total",
				Help: "Transcript compactions by summary method",
			},
			[]string{"method"},
		),
	}
}

// ServeMetrics exposes /metrics on addr until the context is cancelled.
func ServeMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- server.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
