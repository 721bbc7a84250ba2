package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const defaultPrometheusNamespace = "app_lease"

// PrometheusPublisher publishes metrics to Prometheus via /metrics endpoint.
// All Publisher interface methods are documented on the Publisher interface.
type PrometheusPublisher struct {
	registry *prometheus.Registry

	leaseAcquired       prometheus.Counter
	leaseSwapped        prometheus.Counter
	acquireFailures     prometheus.Counter
	leaseRenewed        prometheus.Counter
	renewalConflicts    prometheus.Counter
	renewalErrors       prometheus.Counter
	leaseReleased       prometheus.Counter
	swapRequested       prometheus.Counter
	ownership           prometheus.Gauge
	sessionDuration     prometheus.Histogram
	partitionsProcessed prometheus.Counter
	partitionFailures   prometheus.Counter
}

// Ensure PrometheusPublisher implements Publisher.
var _ Publisher = (*PrometheusPublisher)(nil)

// PrometheusConfig holds configuration for the Prometheus publisher.
type PrometheusConfig struct {
	Namespace string
}

// NewPrometheusPublisher creates a Prometheus metrics publisher.
func NewPrometheusPublisher(cfg PrometheusConfig) *PrometheusPublisher {
	if cfg.Namespace == "" {
		cfg.Namespace = defaultPrometheusNamespace
	}

	registry := prometheus.NewRegistry()

	p := &PrometheusPublisher{
		registry: registry,

		leaseAcquired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Name:      "lease_acquired_total",
			Help:      "Total number of cold lease acquisitions",
		}),
		leaseSwapped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Name:      "lease_swapped_total",
			Help:      "Total number of change-based lease acquisitions",
		}),
		acquireFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Name:      "acquire_failures_total",
			Help:      "Total number of failed lease acquisition attempts",
		}),
		leaseRenewed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Name:      "lease_renewed_total",
			Help:      "Total number of successful lease renewals",
		}),
		renewalConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Name:      "renewal_conflicts_total",
			Help:      "Total number of renewals rejected because ownership was lost",
		}),
		renewalErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Name:      "renewal_errors_total",
			Help:      "Total number of ambiguous renewal failures treated as renewed",
		}),
		leaseReleased: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Name:      "lease_released_total",
			Help:      "Total number of voluntary lease releases",
		}),
		swapRequested: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Name:      "swap_requested_total",
			Help:      "Total number of hand-off requests written",
		}),
		ownership: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Name:      "lease_owner",
			Help:      "Whether this instance currently owns the lease (0 or 1)",
		}),
		sessionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: cfg.Namespace,
			Name:      "session_duration_seconds",
			Help:      "Duration of ownership sessions in seconds",
			Buckets:   []float64{10, 30, 60, 300, 900, 3600, 14400, 86400},
		}),
		partitionsProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Name:      "partitions_processed_total",
			Help:      "Total number of partition work items processed",
		}),
		partitionFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Name:      "partition_failures_total",
			Help:      "Total number of failed partition work items",
		}),
	}

	registry.MustRegister(
		p.leaseAcquired,
		p.leaseSwapped,
		p.acquireFailures,
		p.leaseRenewed,
		p.renewalConflicts,
		p.renewalErrors,
		p.leaseReleased,
		p.swapRequested,
		p.ownership,
		p.sessionDuration,
		p.partitionsProcessed,
		p.partitionFailures,
	)

	return p
}

// Handler returns an HTTP handler for the /metrics endpoint.
func (p *PrometheusPublisher) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

// Registry returns the Prometheus registry for custom integrations.
func (p *PrometheusPublisher) Registry() *prometheus.Registry {
	return p.registry
}

// Close implements Publisher.Close. Prometheus registry doesn't require cleanup.
func (p *PrometheusPublisher) Close() error {
	return nil
}

// Publisher interface implementation below.
// All methods are documented on the Publisher interface.

func (p *PrometheusPublisher) PublishLeaseAcquired(_ context.Context) error { //nolint:revive
	p.leaseAcquired.Inc()
	return nil
}

func (p *PrometheusPublisher) PublishLeaseSwapped(_ context.Context) error { //nolint:revive
	p.leaseSwapped.Inc()
	return nil
}

func (p *PrometheusPublisher) PublishAcquireFailure(_ context.Context) error { //nolint:revive
	p.acquireFailures.Inc()
	return nil
}

func (p *PrometheusPublisher) PublishLeaseRenewed(_ context.Context) error { //nolint:revive
	p.leaseRenewed.Inc()
	return nil
}

func (p *PrometheusPublisher) PublishRenewalConflict(_ context.Context) error { //nolint:revive
	p.renewalConflicts.Inc()
	return nil
}

func (p *PrometheusPublisher) PublishRenewalError(_ context.Context) error { //nolint:revive
	p.renewalErrors.Inc()
	return nil
}

func (p *PrometheusPublisher) PublishLeaseReleased(_ context.Context) error { //nolint:revive
	p.leaseReleased.Inc()
	return nil
}

func (p *PrometheusPublisher) PublishSwapRequested(_ context.Context) error { //nolint:revive
	p.swapRequested.Inc()
	return nil
}

func (p *PrometheusPublisher) PublishOwnership(_ context.Context, owner bool) error { //nolint:revive
	if owner {
		p.ownership.Set(1)
	} else {
		p.ownership.Set(0)
	}
	return nil
}

func (p *PrometheusPublisher) PublishSessionDuration(_ context.Context, durationSeconds int) error { //nolint:revive
	p.sessionDuration.Observe(float64(durationSeconds))
	return nil
}

func (p *PrometheusPublisher) PublishPartitionProcessed(_ context.Context) error { //nolint:revive
	p.partitionsProcessed.Inc()
	return nil
}

func (p *PrometheusPublisher) PublishPartitionFailure(_ context.Context) error { //nolint:revive
	p.partitionFailures.Inc()
	return nil
}
