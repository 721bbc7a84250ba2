// Package partition defines the partition manager contract and a stream-fed
// reference implementation consuming a partition work feed.
package partition

import (
	"context"
)

// Manager controls partition processing for this instance. The coordinator
// starts it after winning the lease and stops it on loss or shutdown.
//
// Both operations must be idempotent: Start on a running manager and Stop on
// a stopped manager return nil without side effects.
type Manager interface {
	// Start begins partition processing. Returns an error only if the
	// manager could not be brought up; the caller treats that as a failed
	// session and releases the lease.
	Start(ctx context.Context) error

	// Stop halts partition processing and waits for in-flight work to
	// drain, bounded by ctx.
	Stop(ctx context.Context) error
}

// Noop is a Manager that does nothing. Used when the deployment runs the
// coordinator for ownership signaling only.
type Noop struct{}

func (Noop) Start(ctx context.Context) error { return nil }
func (Noop) Stop(ctx context.Context) error { return nil }
