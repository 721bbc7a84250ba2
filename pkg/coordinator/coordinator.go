// Package coordinator elects a single active instance per application via a
// time-bounded lease and gates the partition manager on ownership. It
// supports a pre-expiry hand-off between two instances of the same
// application during deployments.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Shavakan/app-lease/pkg/identity"
	"github.com/Shavakan/app-lease/pkg/lease"
	"github.com/Shavakan/app-lease/pkg/logging"
	"github.com/Shavakan/app-lease/pkg/metrics"
	"github.com/Shavakan/app-lease/pkg/partition"
)

var log = logging.WithComponent(logging.LogTypeCoordinator, "app_lease")

// loopBackoff is the wait after an unhandled error in the outer acquisition
// loop, and the retry backoff when coordination is disabled. Exposed as a
// variable to allow testing with shorter durations.
var loopBackoff = 10 * time.Second

// stopTimeout bounds the detached session teardown triggered by the renewal
// loop's own exit.
var stopTimeout = 30 * time.Second

// ErrDisabled is returned by ForceChangeLease when lease coordination is
// turned off.
var ErrDisabled = errors.New("lease coordination is disabled")

// ErrAlreadyOwner is returned by ForceChangeLease when this identity already
// holds the lease.
var ErrAlreadyOwner = errors.New("already the lease owner")

// ErrSessionActive is returned when an ownership session start races an
// already active session.
var ErrSessionActive = errors.New("ownership session already active")

// Config holds coordination settings.
type Config struct {
	// AppName is the logical application name. All instances of the same
	// application derive the same identity from it and contend for one
	// lease.
	AppName string

	// Enabled turns lease coordination on. When false, Start runs the
	// partition manager unconditionally.
	Enabled bool

	// UseLegacyPartitionManagement enables the post-swap cooldown. With it
	// set, a successful hand-off sleeps for RenewInterval before the new
	// owner proceeds, so the previous owner discovers the loss through its
	// own failed renewal first.
	UseLegacyPartitionManagement bool

	// AcquireInterval is the delay between acquisition attempts.
	AcquireInterval time.Duration

	// RenewInterval is the delay between renewals, and the post-swap
	// cooldown in legacy mode.
	RenewInterval time.Duration

	// LeaseInterval is the duration granted per cold acquisition.
	LeaseInterval time.Duration

	// MaxTransientRenewFailures caps consecutive ambiguous renewal
	// failures before ownership is treated as lost. 0 means unlimited:
	// only an explicit conflict ends ownership.
	MaxTransientRenewFailures int
}

// session holds the state of one ownership session. A fresh session is
// built for every acquisition; the completion signal is never reused.
type session struct {
	cancel    context.CancelFunc
	renewDone chan struct{}
	done      chan struct{}
	doneOnce  sync.Once
	startedAt time.Time
}

func (s *session) fireDone() {
	s.doneOnce.Do(func() { close(s.done) })
}

// Coordinator owns the lease lifecycle for one application instance.
//
// Start, Stop, and ForceChangeLease are expected to be invoked from a single
// control path. The atomic session guard protects against races between the
// outer loop's retries and an explicit Stop, not against arbitrary
// concurrent callers.
type Coordinator struct {
	cfg        Config
	self       identity.Identity
	store      lease.Store
	partitions partition.Manager
	metrics    metrics.Publisher

	isLeaseOwner     atomic.Bool
	started          atomic.Bool
	shutdownComplete atomic.Bool

	mu         sync.Mutex
	parent     context.Context
	loopCancel context.CancelFunc
	loopDone   chan struct{}
	session    *session
}

// New creates a coordinator. The metrics publisher may be nil.
func New(cfg Config, store lease.Store, partitions partition.Manager, pub metrics.Publisher) *Coordinator {
	if pub == nil {
		pub = metrics.NoopPublisher{}
	}
	return &Coordinator{
		cfg:        cfg,
		self:       identity.Resolve(cfg.AppName),
		store:      store,
		partitions: partitions,
		metrics:    pub,
	}
}

// Identity returns the identity this instance contends with.
func (c *Coordinator) Identity() identity.Identity {
	return c.self
}

// IsLeaseOwner reports whether this instance currently believes it holds the
// lease.
func (c *Coordinator) IsLeaseOwner() bool {
	return c.isLeaseOwner.Load()
}

// Start begins coordination in the background and returns once the loop is
// scheduled. With coordination disabled it instead starts the partition
// manager under an unconditional retry wrapper.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	c.parent = ctx
	c.mu.Unlock()

	if !c.cfg.Enabled {
		log.Info("lease coordination disabled, starting partition manager unconditionally",
			logging.KeyApp, c.cfg.AppName)
		c.startLoop(ctx, c.runUnconditional)
		return nil
	}

	log.Info("starting lease coordination",
		logging.KeyApp, c.cfg.AppName,
		logging.KeyIdentity, c.self.String())
	c.startLoop(ctx, c.run)
	return nil
}

// Stop ends coordination: the current ownership session is deactivated
// (a no-op if none is active) and the outer loop is cancelled. With
// coordination disabled it stops the partition manager directly.
func (c *Coordinator) Stop(ctx context.Context) error {
	if !c.cfg.Enabled {
		c.cancelLoop(ctx)
		return c.partitions.Stop(ctx)
	}

	log.Info("stopping lease coordination", logging.KeyApp, c.cfg.AppName)
	// Cancel the loop first so it cannot re-enter acquisition while the
	// session is being torn down.
	c.cancelLoop(ctx)
	c.stopSession(ctx)
	return nil
}

// ForceChangeLease nominates this identity as the next lease owner and
// restarts the acquisition loop so that the hand-off is attempted
// immediately. Fails synchronously when coordination is disabled or this
// identity already owns the lease.
func (c *Coordinator) ForceChangeLease(ctx context.Context) error {
	if !c.cfg.Enabled {
		return ErrDisabled
	}
	if c.isLeaseOwner.Load() {
		return ErrAlreadyOwner
	}

	doc, err := c.store.ReadDocument(ctx)
	if err != nil {
		return fmt.Errorf("failed to read lease document: %w", err)
	}
	doc.DesiredSwapID = c.self
	if err := c.store.WriteDocument(ctx, doc); err != nil {
		return fmt.Errorf("failed to write swap request: %w", err)
	}
	_ = c.metrics.PublishSwapRequested(ctx)

	log.Info("requested lease hand-off",
		logging.KeySwapTarget, c.self.String(),
		logging.KeyOwner, doc.OwnerID.String())

	c.mu.Lock()
	parent := c.parent
	c.mu.Unlock()
	if parent == nil {
		parent = context.Background()
	}
	c.startLoop(parent, c.run)
	return nil
}

// CreateResourcesIfMissing ensures the lease container and metadata document
// exist. Returns whether the container was newly created.
func (c *Coordinator) CreateResourcesIfMissing(ctx context.Context) (bool, error) {
	created, err := c.store.CreateContainerIfMissing(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to create lease container: %w", err)
	}
	if _, err := c.store.CreateDocumentIfMissing(ctx, &lease.Document{}); err != nil {
		return created, fmt.Errorf("failed to create lease document: %w", err)
	}
	return created, nil
}

// DeleteResources tears down the lease container. Best effort: store errors
// are logged and swallowed, another holder blocking deletion is not a
// failure.
func (c *Coordinator) DeleteResources(ctx context.Context) {
	id := identity.Identity("")
	if c.isLeaseOwner.Load() {
		id = c.self
	}
	if err := c.store.DeleteContainer(ctx, id); err != nil {
		log.Warn("failed to delete lease container",
			logging.KeyIdentity, c.self.String(),
			logging.KeyError, err)
	}
}

// startLoop replaces any running background loop with a new one.
func (c *Coordinator) startLoop(parent context.Context, fn func(context.Context)) {
	c.mu.Lock()
	prevCancel := c.loopCancel
	prevDone := c.loopDone

	loopCtx, cancel := context.WithCancel(parent)
	done := make(chan struct{})
	c.loopCancel = cancel
	c.loopDone = done
	c.mu.Unlock()

	if prevCancel != nil {
		prevCancel()
		<-prevDone
	}

	go func() {
		defer close(done)
		fn(loopCtx)
	}()
}

func (c *Coordinator) cancelLoop(ctx context.Context) {
	c.mu.Lock()
	cancel := c.loopCancel
	done := c.loopDone
	c.loopCancel = nil
	c.loopDone = nil
	c.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	select {
	case <-done:
	case <-ctx.Done():
	}
}

// run is the outer acquisition loop. It never terminates on error, only on
// cancellation: unhandled errors are logged and retried after a fixed
// backoff.
func (c *Coordinator) run(ctx context.Context) {
	for {
		err := c.coordinate(ctx)
		if ctx.Err() != nil {
			log.Info("acquisition loop cancelled", logging.KeyApp, c.cfg.AppName)
			return
		}
		if err != nil {
			log.Error("coordination cycle failed, backing off",
				logging.KeyError, err,
				logging.KeyDuration, loopBackoff)
			if !sleepCtx(ctx, loopBackoff) {
				return
			}
		}
	}
}

// coordinate runs one ownership cycle: acquire, run a session, wait for it
// to end.
func (c *Coordinator) coordinate(ctx context.Context) error {
	for !c.tryAcquire(ctx) {
		if !sleepCtx(ctx, c.cfg.AcquireInterval) {
			return nil
		}
	}
	if ctx.Err() != nil {
		// Cancelled between a successful acquire and the session start:
		// no session will ever run or release this lease, so hand it
		// back now. The cancelled context cannot carry the release call.
		relCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
		defer cancel()
		c.releaseLease(relCtx)
		c.setOwner(relCtx, false)
		return nil
	}

	s, err := c.startSession(ctx)
	if err != nil {
		return err
	}

	select {
	case <-s.done:
	case <-ctx.Done():
		c.stopSession(context.Background())
	}
	return nil
}

// tryAcquire attempts to take the lease, preferring a hand-off when the
// metadata document nominates this identity. Conflicts are ordinary
// failures, retried on the next attempt.
func (c *Coordinator) tryAcquire(ctx context.Context) bool {
	doc, err := c.store.ReadDocument(ctx)
	if err != nil {
		log.Error("failed to read lease document", logging.KeyError, err)
		_ = c.metrics.PublishAcquireFailure(ctx)
		return false
	}

	if doc.DesiredSwapID == c.self && !doc.OwnerID.IsZero() && doc.OwnerID != c.self {
		return c.swapAcquire(ctx, doc)
	}
	return c.coldAcquire(ctx, doc)
}

// swapAcquire transfers the lease from the current holder to this identity.
func (c *Coordinator) swapAcquire(ctx context.Context, doc *lease.Document) bool {
	if err := c.store.Change(ctx, doc.OwnerID, c.self); err != nil {
		if errors.Is(err, lease.ErrConflict) {
			log.Info("hand-off rejected, holder changed",
				logging.KeyOwner, doc.OwnerID.String())
		} else {
			log.Error("failed to transfer lease", logging.KeyError, err)
		}
		_ = c.metrics.PublishAcquireFailure(ctx)
		c.setOwner(ctx, false)
		return false
	}

	doc.OwnerID = c.self
	if err := c.store.WriteDocument(ctx, doc); err != nil {
		log.Warn("failed to record new owner", logging.KeyError, err)
	}
	_ = c.metrics.PublishLeaseSwapped(ctx)
	log.Info("acquired lease via hand-off", logging.KeyIdentity, c.self.String())

	// The previous owner only learns of the loss at its next renewal.
	// Without partition-layer fencing, wait out that window before
	// starting our own processing.
	if c.cfg.UseLegacyPartitionManagement {
		log.Info("post-swap cooldown", logging.KeyDuration, c.cfg.RenewInterval)
		if !sleepCtx(ctx, c.cfg.RenewInterval) {
			c.setOwner(ctx, true)
			return true
		}
	}

	c.setOwner(ctx, true)
	return true
}

// coldAcquire takes the lease fresh for LeaseInterval.
func (c *Coordinator) coldAcquire(ctx context.Context, doc *lease.Document) bool {
	if err := c.store.Acquire(ctx, c.self, c.cfg.LeaseInterval); err != nil {
		if errors.Is(err, lease.ErrConflict) {
			log.Debug("lease held by another identity",
				logging.KeyOwner, doc.OwnerID.String())
		} else {
			log.Error("failed to acquire lease", logging.KeyError, err)
		}
		_ = c.metrics.PublishAcquireFailure(ctx)
		c.setOwner(ctx, false)
		return false
	}

	doc.OwnerID = c.self
	if err := c.store.WriteDocument(ctx, doc); err != nil {
		log.Warn("failed to record new owner", logging.KeyError, err)
	}
	_ = c.metrics.PublishLeaseAcquired(ctx)
	log.Info("acquired lease", logging.KeyIdentity, c.self.String())

	c.setOwner(ctx, true)
	return true
}

// startSession begins an ownership session: partition manager first, then
// the renewal loop. Exactly one session may be active.
func (c *Coordinator) startSession(ctx context.Context) (*session, error) {
	if !c.started.CompareAndSwap(false, true) {
		return nil, ErrSessionActive
	}
	c.shutdownComplete.Store(false)

	// The renewal loop's lifetime is owned by stopSession, not by the
	// acquisition loop's context.
	renewCtx, cancel := context.WithCancel(context.Background())
	s := &session{
		cancel:    cancel,
		renewDone: make(chan struct{}),
		done:      make(chan struct{}),
		startedAt: time.Now(),
	}
	c.mu.Lock()
	c.session = s
	c.mu.Unlock()

	if err := c.partitions.Start(ctx); err != nil {
		cancel()
		c.releaseLease(ctx)
		c.setOwner(ctx, false)
		c.started.Store(false)
		return nil, fmt.Errorf("failed to start partition manager: %w", err)
	}

	go c.renewLoop(renewCtx, s)

	log.Info("ownership session started", logging.KeyIdentity, c.self.String())
	return s, nil
}

// stopSession deactivates the current ownership session. Idempotent: it is
// invoked both by Stop and by the renewal loop's own exit, and only the
// first caller runs the teardown. Order: release the lease, stop the
// partition manager, await the renewal loop, fire the completion signal.
func (c *Coordinator) stopSession(ctx context.Context) {
	if !c.started.CompareAndSwap(true, false) {
		return
	}

	c.mu.Lock()
	s := c.session
	c.session = nil
	c.mu.Unlock()
	if s == nil {
		return
	}

	c.releaseLease(ctx)
	c.setOwner(ctx, false)

	if err := c.partitions.Stop(ctx); err != nil {
		log.Error("failed to stop partition manager", logging.KeyError, err)
	}

	s.cancel()
	select {
	case <-s.renewDone:
	case <-ctx.Done():
		log.Warn("gave up waiting for renewal loop", logging.KeyError, ctx.Err())
	}

	_ = c.metrics.PublishSessionDuration(ctx, int(time.Since(s.startedAt).Seconds()))
	s.fireDone()
	c.shutdownComplete.Store(true)

	log.Info("ownership session stopped",
		logging.KeyIdentity, c.self.String(),
		logging.KeyDuration, time.Since(s.startedAt))
}

func (c *Coordinator) releaseLease(ctx context.Context) {
	if !c.isLeaseOwner.Load() {
		return
	}
	if err := c.store.Release(ctx, c.self); err != nil {
		log.Warn("failed to release lease", logging.KeyError, err)
		return
	}
	_ = c.metrics.PublishLeaseReleased(ctx)
}

// renewLoop extends the lease on a fixed interval for as long as the store
// confirms ownership. A conflict is the designed exit path: the lease is
// unambiguously held by someone else. Any other error is treated as a
// transient fault and renewal is optimistically assumed to have succeeded,
// bounded by MaxTransientRenewFailures when configured.
func (c *Coordinator) renewLoop(ctx context.Context, s *session) {
	// Teardown is detached: the loop must not block its own exit waiting
	// for a stop sequence it itself initiates.
	defer func() {
		go func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
			defer cancel()
			c.stopSession(stopCtx)
		}()
	}()
	defer close(s.renewDone)

	transientFailures := 0
	for {
		select {
		case <-ctx.Done():
			log.Info("renewal loop cancelled", logging.KeyIdentity, c.self.String())
			return
		case <-time.After(c.cfg.RenewInterval):
		}

		err := c.store.Renew(ctx, c.self)
		switch {
		case err == nil:
			transientFailures = 0
			_ = c.metrics.PublishLeaseRenewed(ctx)
			log.Debug("lease renewed", logging.KeyIdentity, c.self.String())

		case errors.Is(err, lease.ErrConflict):
			log.Info("lease lost to another identity",
				logging.KeyIdentity, c.self.String())
			_ = c.metrics.PublishRenewalConflict(ctx)
			c.setOwner(ctx, false)
			return

		case ctx.Err() != nil:
			return

		default:
			// Ambiguous failures do not end ownership. A hand-off on a
			// timeout would be more disruptive than briefly running on a
			// possibly stale lease.
			transientFailures++
			_ = c.metrics.PublishRenewalError(ctx)
			log.Warn("renewal failed, assuming still held",
				logging.KeyError, err,
				logging.KeyCount, transientFailures)
			if c.cfg.MaxTransientRenewFailures > 0 && transientFailures >= c.cfg.MaxTransientRenewFailures {
				log.Error("too many consecutive renewal failures, treating lease as lost",
					logging.KeyCount, transientFailures)
				c.setOwner(ctx, false)
				return
			}
		}
	}
}

func (c *Coordinator) setOwner(ctx context.Context, owner bool) {
	c.isLeaseOwner.Store(owner)
	_ = c.metrics.PublishOwnership(ctx, owner)
}

// sleepCtx sleeps for d, returning false if ctx was cancelled first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
