// Package metrics provides metrics publishing abstractions and implementations.
package metrics

import "context"

// Publisher defines the interface for publishing metrics to various backends.
type Publisher interface {
	// Close releases any resources held by the publisher.
	// Implementations that don't need cleanup should return nil.
	Close() error

	// PublishLeaseAcquired publishes a successful cold lease acquisition.
	PublishLeaseAcquired(ctx context.Context) error

	// PublishLeaseSwapped publishes a successful change-based acquisition
	// (graceful hand-off).
	PublishLeaseSwapped(ctx context.Context) error

	// PublishAcquireFailure publishes a failed acquisition attempt.
	PublishAcquireFailure(ctx context.Context) error

	// PublishLeaseRenewed publishes a successful lease renewal.
	PublishLeaseRenewed(ctx context.Context) error

	// PublishRenewalConflict publishes a renewal rejected by the store,
	// i.e. ownership lost.
	PublishRenewalConflict(ctx context.Context) error

	// PublishRenewalError publishes an ambiguous renewal failure that was
	// treated as still-renewed.
	PublishRenewalError(ctx context.Context) error

	// PublishLeaseReleased publishes a voluntary lease release.
	PublishLeaseReleased(ctx context.Context) error

	// PublishSwapRequested publishes a hand-off request written to the
	// metadata document.
	PublishSwapRequested(ctx context.Context) error

	// PublishOwnership publishes the current ownership state as a gauge.
	PublishOwnership(ctx context.Context, owner bool) error

	// PublishSessionDuration publishes how long an ownership session
	// lasted, in seconds.
	PublishSessionDuration(ctx context.Context, durationSeconds int) error

	// PublishPartitionProcessed publishes a processed partition work item.
	PublishPartitionProcessed(ctx context.Context) error

	// PublishPartitionFailure publishes a failed partition work item.
	PublishPartitionFailure(ctx context.Context) error
}

// NoopPublisher discards all metrics. Used when no backend is configured.
type NoopPublisher struct{}

var _ Publisher = (*NoopPublisher)(nil)

func (NoopPublisher) Close() error { return nil }
func (NoopPublisher) PublishLeaseAcquired(context.Context) error { return nil }
func (NoopPublisher) PublishLeaseSwapped(context.Context) error { return nil }
func (NoopPublisher) PublishAcquireFailure(context.Context) error { return nil }
func (NoopPublisher) PublishLeaseRenewed(context.Context) error { return nil }
func (NoopPublisher) PublishRenewalConflict(context.Context) error { return nil }
func (NoopPublisher) PublishRenewalError(context.Context) error { return nil }
func (NoopPublisher) PublishLeaseReleased(context.Context) error { return nil }
func (NoopPublisher) PublishSwapRequested(context.Context) error { return nil }
func (NoopPublisher) PublishOwnership(context.Context, bool) error { return nil }
func (NoopPublisher) PublishSessionDuration(context.Context, int) error { return nil }
func (NoopPublisher) PublishPartitionProcessed(context.Context) error { return nil }
func (NoopPublisher) PublishPartitionFailure(context.Context) error { return nil }
