package observability

import (
	"context"
	"net/http"

	"github.com/istresearch/rapidpro-sub000/pkg/domain"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "flows"

// Metrics holds the engine collectors.
type Metrics struct {
	registry *prometheus.Registry

	NodeVisits      *prometheus.CounterVec
	RunExits        *prometheus.CounterVec
	WebhookCalls    *prometheus.CounterVec
	WebhookDuration *prometheus.HistogramVec
	SquashedRows    prometheus.Counter
	Deferred        prometheus.Counter
}

// NewMetrics creates the collectors and registers them on a fresh registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		NodeVisits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "node_visits_total",
				Help:      "Total number of node arrivals",
			},
			[]string{"node_type"},
		),
		RunExits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "run_exits_total",
				Help:      "Runs that reached a terminal status",
			},
			[]string{"status"},
		),
		WebhookCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "webhook_calls_total",
				Help:      "Webhook and resthook calls by outcome",
			},
			[]string{"status"},
		),
		WebhookDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "webhook_duration_seconds",
				Help:      "Duration of webhook calls",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"status"},
		),
		SquashedRows: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "squashed_rows_total",
			Help:      "Counter delta rows folded away by squash",
		}),
		Deferred: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_deferred_total",
			Help:      "Events re-queued because the contact was busy",
		}),
	}
	m.registry.MustRegister(
		m.NodeVisits, m.RunExits, m.WebhookCalls, m.WebhookDuration, m.SquashedRows, m.Deferred,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the registry the collectors live in.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Hooks returns lifecycle hooks that record into m. Existing hooks in base
// are still called.
func (m *Metrics) Hooks(base domain.LifecycleHooks) domain.LifecycleHooks {
	return domain.LifecycleHooks{
		OnNodeEnter: func(ctx context.Context, e *domain.NodeEvent) {
			m.NodeVisits.WithLabelValues(e.NodeType).Inc()
			if base.OnNodeEnter != nil {
				base.OnNodeEnter(ctx, e)
			}
		},
		OnRunExit: func(ctx context.Context, e *domain.RunExitEvent) {
			m.RunExits.WithLabelValues(string(e.Status)).Inc()
			if base.OnRunExit != nil {
				base.OnRunExit(ctx, e)
			}
		},
		OnWebhookCalled: func(ctx context.Context, e *domain.WebhookEvent) {
			m.WebhookCalls.WithLabelValues(string(e.Status)).Inc()
			m.WebhookDuration.WithLabelValues(string(e.Status)).Observe(e.Duration.Seconds())
			if base.OnWebhookCalled != nil {
				base.OnWebhookCalled(ctx, e)
			}
		},
	}
}

// ObserveSquash adds rows to the squash counter. It fits activity.WithSquashObserver.
func (m *Metrics) ObserveSquash(rows int) {
	m.SquashedRows.Add(float64(rows))
}
