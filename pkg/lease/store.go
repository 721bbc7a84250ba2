// Package lease defines the time-bounded mutual-exclusion primitive the
// coordinator builds on, plus the metadata document that carries hand-off
// intent between contending application instances.
//
// Two backends are provided: DynamoDB (conditional writes) and
// Valkey/Redis (server-side scripts).
package lease

import (
	"context"
	"errors"
	"time"

	"github.com/Shavakan/app-lease/pkg/identity"
)

// ErrConflict is returned when a lease operation is rejected because the
// lease is held by a different identity, or the presented credential is
// stale. It is the only signal callers may treat as loss of ownership;
// any other error is ambiguous.
var ErrConflict = errors.New("lease held by another identity")

// ErrNotFound is returned when the lease container does not exist yet.
var ErrNotFound = errors.New("lease container not found")

// Document is the persisted metadata record shared by all contenders.
// It carries advisory bookkeeping only; the lease itself is the
// mutual-exclusion primitive.
type Document struct {
	// OwnerID is the identity that last successfully held or was granted
	// the lease.
	OwnerID identity.Identity `json:"owner_id"`

	// DesiredSwapID names the identity nominated for a pending graceful
	// hand-off, or empty when none is pending.
	DesiredSwapID identity.Identity `json:"desired_swap_id,omitempty"`

	// UpdatedAt records the last write, for operators only.
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

// Store is the lease storage backend contract.
//
// Conflict outcomes are reported as ErrConflict so callers can classify
// them with errors.Is; "already exists" and "already absent" outcomes are
// explicit results, never errors.
type Store interface {
	// CreateContainerIfMissing provisions the underlying container.
	// Idempotent; reports whether it was newly created.
	CreateContainerIfMissing(ctx context.Context) (bool, error)

	// CreateDocumentIfMissing writes the document only if absent.
	// Idempotent; reports whether it was newly created. A racing
	// concurrent create is reported as not-created, not an error.
	CreateDocumentIfMissing(ctx context.Context, doc *Document) (bool, error)

	// ReadDocument returns the current document, or an empty document if
	// none has been written yet.
	ReadDocument(ctx context.Context) (*Document, error)

	// WriteDocument overwrites the document unconditionally.
	WriteDocument(ctx context.Context, doc *Document) error

	// Acquire grants the lease to id for the given duration. Re-acquiring
	// a lease already held by id refreshes it. Returns ErrConflict if the
	// lease is currently held by a different identity.
	Acquire(ctx context.Context, id identity.Identity, duration time.Duration) error

	// Renew extends the lease held by id. Returns ErrConflict if the
	// lease is not currently held by id; any other error is ambiguous
	// and must not be treated as loss of ownership.
	Renew(ctx context.Context, id identity.Identity) error

	// Change atomically transfers the lease from one identity to another.
	// Returns ErrConflict if from is not the current holder.
	Change(ctx context.Context, from, to identity.Identity) error

	// Release gives up the lease held by id. Best-effort: failure means
	// the lease expires naturally.
	Release(ctx context.Context, id identity.Identity) error

	// DeleteContainer tears down the container. When id is non-zero the
	// lease record is removed with that credential first; a zero id
	// deletes unconditionally. Best-effort.
	DeleteContainer(ctx context.Context, id identity.Identity) error
}
