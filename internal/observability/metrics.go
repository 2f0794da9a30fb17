// Package observability exposes Prometheus metrics for the agent core.
// The collector owns a private registry and feeds itself from the event
// bus, so wiring it up is subscribing it like any other consumer.
package observability

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/prfagit/sam-framework-sub002/internal/bus"
	"github.com/prfagit/sam-framework-sub002/pkg/models"
)

// Metrics holds the collectors. All of them live on a private registry
// so tests can build isolated instances.
type Metrics struct {
	registry *prometheus.Registry

	// RunsStarted counts agent.status{state=start} events.
	RunsStarted prometheus.Counter

	// RunsFinished counts agent.status{state=finish} events by outcome.
	// Labels: outcome (ok|error)
	RunsFinished *prometheus.CounterVec

	// ToolCalls counts tool invocations.
	// Labels: tool, outcome (success|error|cached)
	ToolCalls *prometheus.CounterVec

	// LLMTokens counts tokens reported by llm.usage events.
	// Labels: type (prompt|completion)
	LLMTokens *prometheus.CounterVec

	// Events counts every bus event by topic.
	Events *prometheus.CounterVec

	// ContextLength observes the message-list length sent per LLM call.
	ContextLength prometheus.Histogram
}

// NewMetrics creates the collectors on a fresh private registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		RunsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sam_runs_started_total",
			Help: "Agent runs started",
		}),
		RunsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sam_runs_finished_total",
			Help: "Agent runs finished by outcome",
		}, []string{"outcome"}),
		ToolCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sam_tool_calls_total",
			Help: "Tool invocations by tool and outcome",
		}, []string{"tool", "outcome"}),
		LLMTokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sam_llm_tokens_total",
			Help: "LLM tokens consumed by type",
		}, []string{"type"}),
		Events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sam_events_total",
			Help: "Bus events published by topic",
		}, []string{"event"}),
		ContextLength: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "sam_llm_context_length",
			Help:    "Messages sent per LLM call",
			Buckets: []float64{1, 2, 5, 10, 20, 50, 100, 200},
		}),
	}

	registry.MustRegister(
		m.RunsStarted,
		m.RunsFinished,
		m.ToolCalls,
		m.LLMTokens,
		m.Events,
		m.ContextLength,
	)
	return m
}

// Attach subscribes the collectors to every canonical event topic and
// returns the subscriptions for teardown.
func (m *Metrics) Attach(b *bus.Bus) []bus.Subscription {
	subs := make([]bus.Subscription, 0, len(models.EventNames()))
	for _, name := range models.EventNames() {
		subs = append(subs, b.Subscribe(name, m.observe))
	}
	return subs
}

func (m *Metrics) observe(_ context.Context, event bus.Event) {
	m.Events.WithLabelValues(event.Name).Inc()

	switch payload := event.Payload.(type) {
	case models.AgentStatus:
		switch payload.State {
		case models.StateStart:
			m.RunsStarted.Inc()
		case models.StateFinish:
			outcome := "ok"
			if payload.Message != "" {
				outcome = "error"
			}
			m.RunsFinished.WithLabelValues(outcome).Inc()
		}
	case models.LLMUsage:
		m.LLMTokens.WithLabelValues("prompt").Add(float64(payload.Usage.PromptTokens))
		m.LLMTokens.WithLabelValues("completion").Add(float64(payload.Usage.CompletionTokens))
		m.ContextLength.Observe(float64(payload.ContextLength))
	case models.ToolSucceeded:
		outcome := "success"
		if payload.Cached {
			outcome = "cached"
		}
		m.ToolCalls.WithLabelValues(payload.Name, outcome).Inc()
	case models.ToolFailed:
		m.ToolCalls.WithLabelValues(payload.Name, "error").Inc()
	}
}

// Handler serves the private registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the private registry for test gathering.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }
