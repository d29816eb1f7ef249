package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides a centralized interface for collecting runtime metrics.
//
// The metrics system is built on Prometheus and tracks:
//   - LLM request performance, status, and token consumption
//   - Agent steps and their terminal states
//   - Tool execution patterns and latencies
//   - Rate limiter waits
//   - Error rates categorized by component and kind
//
// Usage:
//
//	metrics := observability.NewMetrics()
//	start := time.Now()
//	// ... LLM call ...
//	metrics.RecordLLMRequest("anthropic", model, "success", time.Since(start).Seconds(), usage)
type Metrics struct {
	// LLMRequestDuration measures LLM API call latency in seconds.
	// Labels: provider, model
	LLMRequestDuration *prometheus.HistogramVec

	// LLMRequestCounter counts LLM requests by provider and model.
	// Labels: provider, model, status (success|error)
	LLMRequestCounter *prometheus.CounterVec

	// LLMTokensUsed tracks token consumption.
	// Labels: provider, model, type (prompt|completion|cache_creation|cache_read)
	LLMTokensUsed *prometheus.CounterVec

	// StepCounter counts agent loop steps by their resulting state.
	// Labels: state
	StepCounter *prometheus.CounterVec

	// ExecutionCounter counts completed executions by outcome.
	// Labels: outcome (success|failed|interrupted|max_steps_reached)
	ExecutionCounter *prometheus.CounterVec

	// ToolExecutionCounter counts tool invocations.
	// Labels: tool_name, status (success|error)
	ToolExecutionCounter *prometheus.CounterVec

	// ToolExecutionDuration measures tool execution time in seconds.
	// Labels: tool_name
	ToolExecutionDuration *prometheus.HistogramVec

	// RateLimitWaitDuration measures time spent waiting in the limiter.
	// Labels: provider
	RateLimitWaitDuration *prometheus.HistogramVec

	// CompactionCounter counts context compactions.
	CompactionCounter prometheus.Counter

	// ErrorCounter tracks errors by component and kind.
	// Labels: component (executor|provider|tool|recorder), kind
	ErrorCounter *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics with the default
// registry. Call once at startup.
func NewMetrics() *Metrics {
	return &Metrics{
		LLMRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sage_llm_request_duration_seconds",
				Help:    "Duration of LLM API requests in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"provider", "model"},
		),

		LLMRequestCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sage_llm_requests_total",
				Help: "Total number of LLM requests by provider, model, and status",
			},
			[]string{"provider", "model", "status"},
		),

		LLMTokensUsed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sage_llm_tokens_total",
				Help: "Total number of tokens used by provider, model, and type",
			},
			[]string{"provider", "model", "type"},
		),

		StepCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sage_agent_steps_total",
				Help: "Total number of agent loop steps by resulting state",
			},
			[]string{"state"},
		),

		ExecutionCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sage_agent_executions_total",
				Help: "Total number of agent executions by outcome",
			},
			[]string{"outcome"},
		),

		ToolExecutionCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sage_tool_executions_total",
				Help: "Total number of tool executions by tool name and status",
			},
			[]string{"tool_name", "status"},
		),

		ToolExecutionDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sage_tool_execution_duration_seconds",
				Help:    "Duration of tool executions in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tool_name"},
		),

		RateLimitWaitDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sage_ratelimit_wait_duration_seconds",
				Help:    "Time spent waiting for rate limiter tokens in seconds",
				Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 15, 30},
			},
			[]string{"provider"},
		),

		CompactionCounter: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "sage_context_compactions_total",
				Help: "Total number of context compactions performed",
			},
		),

		ErrorCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sage_errors_total",
				Help: "Total number of errors by component and kind",
			},
			[]string{"component", "kind"},
		),
	}
}

// RecordLLMRequest records one LLM API request with its token usage.
func (m *Metrics) RecordLLMRequest(provider, model, status string, durationSeconds float64, promptTokens, completionTokens, cacheCreation, cacheRead int) {
	m.LLMRequestCounter.WithLabelValues(provider, model, status).Inc()
	m.LLMRequestDuration.WithLabelValues(provider, model).Observe(durationSeconds)
	if promptTokens > 0 {
		m.LLMTokensUsed.WithLabelValues(provider, model, "prompt").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		m.LLMTokensUsed.WithLabelValues(provider, model, "completion").Add(float64(completionTokens))
	}
	if cacheCreation > 0 {
		m.LLMTokensUsed.WithLabelValues(provider, model, "cache_creation").Add(float64(cacheCreation))
	}
	if cacheRead > 0 {
		m.LLMTokensUsed.WithLabelValues(provider, model, "cache_read").Add(float64(cacheRead))
	}
}

// RecordStep counts one agent loop step by its resulting state.
func (m *Metrics) RecordStep(state string) {
	m.StepCounter.WithLabelValues(state).Inc()
}

// RecordExecution counts one finished execution by outcome.
func (m *Metrics) RecordExecution(outcome string) {
	m.ExecutionCounter.WithLabelValues(outcome).Inc()
}

// RecordToolExecution records one tool invocation.
func (m *Metrics) RecordToolExecution(toolName, status string, durationSeconds float64) {
	m.ToolExecutionCounter.WithLabelValues(toolName, status).Inc()
	m.ToolExecutionDuration.WithLabelValues(toolName).Observe(durationSeconds)
}

// RecordRateLimitWait records time spent blocked in the rate limiter.
func (m *Metrics) RecordRateLimitWait(provider string, seconds float64) {
	m.RateLimitWaitDuration.WithLabelValues(provider).Observe(seconds)
}

// RecordCompaction counts one context compaction.
func (m *Metrics) RecordCompaction() {
	m.CompactionCounter.Inc()
}

// RecordError increments the error counter for a component and kind.
func (m *Metrics) RecordError(component, kind string) {
	m.ErrorCounter.WithLabelValues(component, kind).Inc()
}
