package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/DataDog/datadog-go/v5/statsd"
)

const defaultDatadogNamespace = "app_lease"

// DatadogPublisher publishes metrics to Datadog via DogStatsD.
// All Publisher interface methods are documented on the Publisher interface.
type DatadogPublisher struct {
	client     *statsd.Client
	namespace  string
	tags       []string
	sampleRate float64
}

// Ensure DatadogPublisher implements Publisher.
var _ Publisher = (*DatadogPublisher)(nil)

// DatadogConfig holds configuration for the Datadog publisher.
type DatadogConfig struct {
	// Address is the DogStatsD address (default: "127.0.0.1:8125")
	Address string
	// Namespace is the metric namespace prefix (default: "app_lease")
	Namespace string
	// Tags are global tags applied to all metrics
	Tags []string
	// SampleRate for high-frequency metrics (default: 1.0 = 100%)
	SampleRate float64

	// Client tuning options (0 = use library default)
	BufferPoolSize      int
	BufferFlushInterval time.Duration
	WorkersCount        int
}

// NewDatadogPublisher creates a Datadog metrics publisher using DogStatsD.
func NewDatadogPublisher(cfg DatadogConfig) (*DatadogPublisher, error) {
	if cfg.Address == "" {
		cfg.Address = "127.0.0.1:8125"
	}
	if cfg.Namespace == "" {
		cfg.Namespace = defaultDatadogNamespace
	}
	if cfg.SampleRate <= 0 || cfg.SampleRate > 1 {
		cfg.SampleRate = 1.0
	}

	opts := []statsd.Option{
		statsd.WithNamespace(cfg.Namespace + "."),
		statsd.WithTags(cfg.Tags),
	}

	if cfg.BufferPoolSize > 0 {
		opts = append(opts, statsd.WithBufferPoolSize(cfg.BufferPoolSize))
	}
	if cfg.BufferFlushInterval > 0 {
		opts = append(opts, statsd.WithBufferFlushInterval(cfg.BufferFlushInterval))
	}
	if cfg.WorkersCount > 0 {
		opts = append(opts, statsd.WithWorkersCount(cfg.WorkersCount))
	}

	client, err := statsd.New(cfg.Address, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create DogStatsD client: %w", err)
	}

	return &DatadogPublisher{
		client:     client,
		namespace:  cfg.Namespace,
		tags:       cfg.Tags,
		sampleRate: cfg.SampleRate,
	}, nil
}

// Close closes the DogStatsD client connection.
func (p *DatadogPublisher) Close() error {
	return p.client.Close()
}

// Publisher interface implementation below.
// All methods are documented on the Publisher interface.

func (p *DatadogPublisher) PublishLeaseAcquired(_ context.Context) error { //nolint:revive
	return p.client.Incr("lease_acquired", nil, 1)
}

func (p *DatadogPublisher) PublishLeaseSwapped(_ context.Context) error { //nolint:revive
	return p.client.Incr("lease_swapped", nil, 1)
}

// PublishAcquireFailure uses sample rate: followers fail an attempt every
// acquire interval for as long as another instance owns the lease.
func (p *DatadogPublisher) PublishAcquireFailure(_ context.Context) error { //nolint:revive
	return p.client.Incr("acquire_failures", nil, p.sampleRate)
}

// PublishLeaseRenewed uses sample rate for the same reason.
func (p *DatadogPublisher) PublishLeaseRenewed(_ context.Context) error { //nolint:revive
	return p.client.Incr("lease_renewed", nil, p.sampleRate)
}

func (p *DatadogPublisher) PublishRenewalConflict(_ context.Context) error { //nolint:revive
	return p.client.Incr("renewal_conflicts", nil, 1)
}

func (p *DatadogPublisher) PublishRenewalError(_ context.Context) error { //nolint:revive
	return p.client.Incr("renewal_errors", nil, 1)
}

func (p *DatadogPublisher) PublishLeaseReleased(_ context.Context) error { //nolint:revive
	return p.client.Incr("lease_released", nil, 1)
}

func (p *DatadogPublisher) PublishSwapRequested(_ context.Context) error { //nolint:revive
	return p.client.Incr("swap_requested", nil, 1)
}

func (p *DatadogPublisher) PublishOwnership(_ context.Context, owner bool) error { //nolint:revive
	value := 0.0
	if owner {
		value = 1.0
	}
	return p.client.Gauge("lease_owner", value, nil, 1)
}

func (p *DatadogPublisher) PublishSessionDuration(_ context.Context, durationSeconds int) error { //nolint:revive
	// Distribution for global percentile aggregation across all hosts
	return p.client.Distribution("session_duration_seconds", float64(durationSeconds), nil, 1)
}

func (p *DatadogPublisher) PublishPartitionProcessed(_ context.Context) error { //nolint:revive
	return p.client.Incr("partitions_processed", nil, p.sampleRate)
}

func (p *DatadogPublisher) PublishPartitionFailure(_ context.Context) error { //nolint:revive
	return p.client.Incr("partition_failures", nil, 1)
}
