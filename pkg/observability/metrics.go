// Package observability exports execution queue activity as Prometheus metrics.
package observability

import (
	"context"
	"net/http"

	"github.com/aretw0/blockq/pkg/domain"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the queue collectors.
type Metrics struct {
	registry  *prometheus.Registry
	enqueued  *prometheus.CounterVec
	coalesced *prometheus.CounterVec
	finished  *prometheus.CounterVec
	duration  *prometheus.HistogramVec
	busy      *prometheus.GaugeVec
}

// NewMetrics creates the collectors and registers them on a dedicated registry,
// together with the Go runtime and process collectors.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		enqueued: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "blockq_enqueued_total",
				Help: "Total number of execution items created",
			},
			[]string{"tag"},
		),
		coalesced: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "blockq_coalesced_total",
				Help: "Total number of enqueue requests folded into a busy item",
			},
			[]string{"tag"},
		),
		finished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "blockq_executions_total",
				Help: "Total number of execution items that left the busy states, by outcome",
			},
			[]string{"tag", "outcome"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "blockq_execution_duration_seconds",
				Help:    "Time spent by the backend on an execution",
				Buckets: prometheus.ExponentialBuckets(0.005, 4, 8),
			},
			[]string{"tag"},
		),
		busy: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "blockq_busy",
				Help: "Number of keys with an enqueued, running or aborting item",
			},
			[]string{"tag"},
		),
	}

	m.registry.MustRegister(
		m.enqueued, m.coalesced, m.finished, m.duration, m.busy,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the registry holding the collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the collected metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Hooks returns lifecycle hooks feeding the collectors.
func (m *Metrics) Hooks() domain.LifecycleHooks {
	return domain.LifecycleHooks{
		OnEnqueue: func(ctx context.Context, e *domain.ExecutionEvent) {
			m.enqueued.WithLabelValues(string(e.Tag)).Inc()
			m.busy.WithLabelValues(string(e.Tag)).Inc()
		},
		OnCoalesce: func(ctx context.Context, e *domain.ExecutionEvent) {
			m.coalesced.WithLabelValues(string(e.Tag)).Inc()
		},
		OnTransition: func(ctx context.Context, e *domain.ExecutionEvent) {
			// Only leaving the busy states is measured: enqueued -> idle,
			// running -> completed and aborting -> idle.
			if !e.From.IsBusy() || e.To.IsBusy() {
				return
			}
			tag := string(e.Tag)
			m.busy.WithLabelValues(tag).Dec()
			if e.From != domain.StatusEnqueued {
				m.duration.WithLabelValues(tag).Observe(e.Duration.Seconds())
			}
			m.finished.WithLabelValues(tag, e.Outcome.String()).Inc()
		},
	}
}
