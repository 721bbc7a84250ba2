package coordinator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Shavakan/app-lease/pkg/identity"
	"github.com/Shavakan/app-lease/pkg/lease"
)

type mockStore struct {
	createContainerFunc func(ctx context.Context) (bool, error)
	createDocumentFunc  func(ctx context.Context, doc *lease.Document) (bool, error)
	readDocumentFunc    func(ctx context.Context) (*lease.Document, error)
	writeDocumentFunc   func(ctx context.Context, doc *lease.Document) error
	acquireFunc         func(ctx context.Context, id identity.Identity, duration time.Duration) error
	renewFunc           func(ctx context.Context, id identity.Identity) error
	changeFunc          func(ctx context.Context, from, to identity.Identity) error
	releaseFunc         func(ctx context.Context, id identity.Identity) error
	deleteContainerFunc func(ctx context.Context, id identity.Identity) error
}

func (m *mockStore) CreateContainerIfMissing(ctx context.Context) (bool, error) {
	if m.createContainerFunc != nil {
		return m.createContainerFunc(ctx)
	}
	return false, nil
}

func (m *mockStore) CreateDocumentIfMissing(ctx context.Context, doc *lease.Document) (bool, error) {
	if m.createDocumentFunc != nil {
		return m.createDocumentFunc(ctx, doc)
	}
	return false, nil
}

func (m *mockStore) ReadDocument(ctx context.Context) (*lease.Document, error) {
	if m.readDocumentFunc != nil {
		return m.readDocumentFunc(ctx)
	}
	return &lease.Document{}, nil
}

func (m *mockStore) WriteDocument(ctx context.Context, doc *lease.Document) error {
	if m.writeDocumentFunc != nil {
		return m.writeDocumentFunc(ctx, doc)
	}
	return nil
}

func (m *mockStore) Acquire(ctx context.Context, id identity.Identity, duration time.Duration) error {
	if m.acquireFunc != nil {
		return m.acquireFunc(ctx, id, duration)
	}
	return nil
}

func (m *mockStore) Renew(ctx context.Context, id identity.Identity) error {
	if m.renewFunc != nil {
		return m.renewFunc(ctx, id)
	}
	return nil
}

func (m *mockStore) Change(ctx context.Context, from, to identity.Identity) error {
	if m.changeFunc != nil {
		return m.changeFunc(ctx, from, to)
	}
	return nil
}

func (m *mockStore) Release(ctx context.Context, id identity.Identity) error {
	if m.releaseFunc != nil {
		return m.releaseFunc(ctx, id)
	}
	return nil
}

func (m *mockStore) DeleteContainer(ctx context.Context, id identity.Identity) error {
	if m.deleteContainerFunc != nil {
		return m.deleteContainerFunc(ctx, id)
	}
	return nil
}

type mockManager struct {
	startCalls atomic.Int64
	stopCalls  atomic.Int64
	startFunc  func(ctx context.Context) error
	stopFunc   func(ctx context.Context) error
}

func (m *mockManager) Start(ctx context.Context) error {
	m.startCalls.Add(1)
	if m.startFunc != nil {
		return m.startFunc(ctx)
	}
	return nil
}

func (m *mockManager) Stop(ctx context.Context) error {
	m.stopCalls.Add(1)
	if m.stopFunc != nil {
		return m.stopFunc(ctx)
	}
	return nil
}

func testConfig() Config {
	return Config{
		AppName:         "svc",
		Enabled:         true,
		AcquireInterval: 10 * time.Millisecond,
		RenewInterval:   20 * time.Millisecond,
		LeaseInterval:   time.Second,
	}
}

func shortenBackoff(t *testing.T) {
	t.Helper()
	orig := loopBackoff
	loopBackoff = 10 * time.Millisecond
	t.Cleanup(func() { loopBackoff = orig })
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestStartStopLifecycle(t *testing.T) {
	shortenBackoff(t)

	var releases atomic.Int64
	store := &mockStore{
		releaseFunc: func(ctx context.Context, id identity.Identity) error {
			releases.Add(1)
			return nil
		},
	}
	pm := &mockManager{}
	c := New(testConfig(), store, pm, nil)

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	waitFor(t, 2*time.Second, c.IsLeaseOwner)
	waitFor(t, 2*time.Second, func() bool { return pm.startCalls.Load() == 1 })

	if err := c.Stop(context.Background()); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if c.IsLeaseOwner() {
		t.Error("expected ownership cleared after Stop")
	}
	if n := releases.Load(); n != 1 {
		t.Errorf("expected exactly 1 release, got %d", n)
	}
	if n := pm.stopCalls.Load(); n != 1 {
		t.Errorf("expected exactly 1 partition manager stop, got %d", n)
	}

	// Second Stop is a no-op.
	if err := c.Stop(context.Background()); err != nil {
		t.Fatalf("second Stop failed: %v", err)
	}
	if releases.Load() != 1 || pm.stopCalls.Load() != 1 {
		t.Error("second Stop must produce no additional effects")
	}
}

func TestDoubleSessionStartRejected(t *testing.T) {
	c := New(testConfig(), &mockStore{}, &mockManager{}, nil)

	s, err := c.startSession(context.Background())
	if err != nil {
		t.Fatalf("first startSession failed: %v", err)
	}

	if _, err := c.startSession(context.Background()); !errors.Is(err, ErrSessionActive) {
		t.Fatalf("expected ErrSessionActive, got %v", err)
	}

	c.stopSession(context.Background())
	<-s.done
}

func TestRenewalConflictTriggersReacquisition(t *testing.T) {
	shortenBackoff(t)

	var acquires atomic.Int64
	var renews atomic.Int64
	store := &mockStore{
		acquireFunc: func(ctx context.Context, id identity.Identity, duration time.Duration) error {
			acquires.Add(1)
			return nil
		},
		renewFunc: func(ctx context.Context, id identity.Identity) error {
			// First session loses the lease on its first renewal.
			if renews.Add(1) == 1 {
				return lease.ErrConflict
			}
			return nil
		},
	}
	pm := &mockManager{}
	c := New(testConfig(), store, pm, nil)

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer func() { _ = c.Stop(context.Background()) }()

	// The conflict ends the session, then the outer loop re-acquires
	// without external intervention.
	waitFor(t, 2*time.Second, func() bool { return acquires.Load() >= 2 })
	waitFor(t, 2*time.Second, c.IsLeaseOwner)

	if pm.startCalls.Load() < 2 {
		t.Errorf("expected partition manager restarted, got %d starts", pm.startCalls.Load())
	}
}

func TestTransientRenewalErrorKeepsOwnership(t *testing.T) {
	shortenBackoff(t)

	var renews atomic.Int64
	store := &mockStore{
		renewFunc: func(ctx context.Context, id identity.Identity) error {
			renews.Add(1)
			return errors.New("backend timeout")
		},
	}
	c := New(testConfig(), store, &mockManager{}, nil)

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer func() { _ = c.Stop(context.Background()) }()

	waitFor(t, 2*time.Second, func() bool { return renews.Load() >= 3 })

	if !c.IsLeaseOwner() {
		t.Error("transient renewal errors must not end ownership")
	}
}

func TestTransientRenewalFailureCap(t *testing.T) {
	shortenBackoff(t)

	var renews atomic.Int64
	var acquires atomic.Int64
	store := &mockStore{
		renewFunc: func(ctx context.Context, id identity.Identity) error {
			renews.Add(1)
			return errors.New("backend down")
		},
		acquireFunc: func(ctx context.Context, id identity.Identity, duration time.Duration) error {
			acquires.Add(1)
			return nil
		},
	}
	cfg := testConfig()
	cfg.MaxTransientRenewFailures = 2
	c := New(cfg, store, &mockManager{}, nil)

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer func() { _ = c.Stop(context.Background()) }()

	// After the cap is hit, the session ends and the loop re-acquires.
	waitFor(t, 2*time.Second, func() bool { return renews.Load() >= 2 })
	waitFor(t, 2*time.Second, func() bool { return acquires.Load() >= 2 })
}

func TestSwapProtocol(t *testing.T) {
	shortenBackoff(t)

	ownerA := identity.Resolve("other-app")
	var mu sync.Mutex
	doc := &lease.Document{OwnerID: ownerA}

	var changes atomic.Int64
	var acquires atomic.Int64
	store := &mockStore{
		readDocumentFunc: func(ctx context.Context) (*lease.Document, error) {
			mu.Lock()
			defer mu.Unlock()
			copied := *doc
			return &copied, nil
		},
		writeDocumentFunc: func(ctx context.Context, d *lease.Document) error {
			mu.Lock()
			defer mu.Unlock()
			*doc = *d
			return nil
		},
		changeFunc: func(ctx context.Context, from, to identity.Identity) error {
			changes.Add(1)
			if from != ownerA {
				t.Errorf("expected transfer from %s, got %s", ownerA, from)
			}
			return nil
		},
		acquireFunc: func(ctx context.Context, id identity.Identity, duration time.Duration) error {
			acquires.Add(1)
			return lease.ErrConflict
		},
	}
	c := New(testConfig(), store, &mockManager{}, nil)

	if err := c.ForceChangeLease(context.Background()); err != nil {
		t.Fatalf("ForceChangeLease failed: %v", err)
	}
	defer func() { _ = c.Stop(context.Background()) }()

	mu.Lock()
	if doc.DesiredSwapID != c.Identity() {
		t.Errorf("expected swap target %s, got %s", c.Identity(), doc.DesiredSwapID)
	}
	mu.Unlock()

	waitFor(t, 2*time.Second, func() bool { return changes.Load() == 1 })
	waitFor(t, 2*time.Second, c.IsLeaseOwner)

	mu.Lock()
	if doc.OwnerID != c.Identity() {
		t.Errorf("expected owner %s after swap, got %s", c.Identity(), doc.OwnerID)
	}
	mu.Unlock()

	if acquires.Load() != 0 {
		t.Errorf("swap must not use cold acquire, saw %d acquires", acquires.Load())
	}
}

func TestForceChangeLeaseOnOwnerFails(t *testing.T) {
	var writes atomic.Int64
	store := &mockStore{
		writeDocumentFunc: func(ctx context.Context, d *lease.Document) error {
			writes.Add(1)
			return nil
		},
	}
	c := New(testConfig(), store, &mockManager{}, nil)
	c.isLeaseOwner.Store(true)

	if err := c.ForceChangeLease(context.Background()); !errors.Is(err, ErrAlreadyOwner) {
		t.Fatalf("expected ErrAlreadyOwner, got %v", err)
	}
	if writes.Load() != 0 {
		t.Error("failed swap request must not mutate the document")
	}
}

func TestForceChangeLeaseDisabled(t *testing.T) {
	cfg := testConfig()
	cfg.Enabled = false
	c := New(cfg, &mockStore{}, &mockManager{}, nil)

	if err := c.ForceChangeLease(context.Background()); !errors.Is(err, ErrDisabled) {
		t.Fatalf("expected ErrDisabled, got %v", err)
	}
}

func TestLegacySwapCooldown(t *testing.T) {
	shortenBackoff(t)

	ownerA := identity.Resolve("other-app")
	var changedAt atomic.Value
	store := &mockStore{
		readDocumentFunc: func(ctx context.Context) (*lease.Document, error) {
			return &lease.Document{OwnerID: ownerA, DesiredSwapID: identity.Resolve("svc")}, nil
		},
		changeFunc: func(ctx context.Context, from, to identity.Identity) error {
			changedAt.Store(time.Now())
			return nil
		},
	}

	cfg := testConfig()
	cfg.UseLegacyPartitionManagement = true
	cfg.RenewInterval = 100 * time.Millisecond

	var startedAt atomic.Value
	pm := &mockManager{
		startFunc: func(ctx context.Context) error {
			startedAt.Store(time.Now())
			return nil
		},
	}
	c := New(cfg, store, pm, nil)

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer func() { _ = c.Stop(context.Background()) }()

	waitFor(t, 2*time.Second, func() bool { return startedAt.Load() != nil })

	gap := startedAt.Load().(time.Time).Sub(changedAt.Load().(time.Time))
	if gap < cfg.RenewInterval {
		t.Errorf("expected post-swap cooldown of at least %v, partition manager started after %v",
			cfg.RenewInterval, gap)
	}
}

func TestDistinctIdentitiesDoNotContend(t *testing.T) {
	a := New(Config{AppName: "svc"}, &mockStore{}, &mockManager{}, nil)
	b := New(Config{AppName: "svc2"}, &mockStore{}, &mockManager{}, nil)
	c := New(Config{AppName: "svc"}, &mockStore{}, &mockManager{}, nil)

	if a.Identity() == b.Identity() {
		t.Error("distinct names must resolve to distinct identities")
	}
	if a.Identity() != c.Identity() {
		t.Error("same name must resolve to same identity")
	}
}

func TestBootstrapDisabledRetriesStart(t *testing.T) {
	shortenBackoff(t)

	var attempts atomic.Int64
	pm := &mockManager{
		startFunc: func(ctx context.Context) error {
			if attempts.Add(1) < 3 {
				return errors.New("not ready")
			}
			return nil
		},
	}
	cfg := testConfig()
	cfg.Enabled = false
	c := New(cfg, &mockStore{}, pm, nil)

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool { return attempts.Load() == 3 })

	if err := c.Stop(context.Background()); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if pm.stopCalls.Load() != 1 {
		t.Errorf("expected 1 partition manager stop, got %d", pm.stopCalls.Load())
	}
}

func TestCreateResourcesIfMissing(t *testing.T) {
	var containerCalls, documentCalls atomic.Int64
	store := &mockStore{
		createContainerFunc: func(ctx context.Context) (bool, error) {
			containerCalls.Add(1)
			return true, nil
		},
		createDocumentFunc: func(ctx context.Context, doc *lease.Document) (bool, error) {
			documentCalls.Add(1)
			if !doc.OwnerID.IsZero() || !doc.DesiredSwapID.IsZero() {
				t.Errorf("initial document must be empty, got %+v", doc)
			}
			return true, nil
		},
	}
	c := New(testConfig(), store, &mockManager{}, nil)

	created, err := c.CreateResourcesIfMissing(context.Background())
	if err != nil {
		t.Fatalf("CreateResourcesIfMissing failed: %v", err)
	}
	if !created {
		t.Error("expected created=true for a new container")
	}
	if containerCalls.Load() != 1 || documentCalls.Load() != 1 {
		t.Error("expected one container and one document creation call")
	}
}

func TestDeleteResourcesSwallowsErrors(t *testing.T) {
	var gotID atomic.Value
	store := &mockStore{
		deleteContainerFunc: func(ctx context.Context, id identity.Identity) error {
			gotID.Store(id)
			return errors.New("held by another identity")
		},
	}
	c := New(testConfig(), store, &mockManager{}, nil)

	// Non-owner: unconditional delete attempted, error swallowed.
	c.DeleteResources(context.Background())
	if id := gotID.Load().(identity.Identity); !id.IsZero() {
		t.Errorf("non-owner delete must be unconditional, got id %s", id)
	}

	// Owner: delete with our credential.
	c.isLeaseOwner.Store(true)
	c.DeleteResources(context.Background())
	if id := gotID.Load().(identity.Identity); id != c.Identity() {
		t.Errorf("owner delete must present own identity, got %s", id)
	}
}

func TestAcquireRetriesUntilFree(t *testing.T) {
	shortenBackoff(t)

	var attempts atomic.Int64
	store := &mockStore{
		acquireFunc: func(ctx context.Context, id identity.Identity, duration time.Duration) error {
			if attempts.Add(1) < 3 {
				return lease.ErrConflict
			}
			return nil
		},
	}
	c := New(testConfig(), store, &mockManager{}, nil)

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer func() { _ = c.Stop(context.Background()) }()

	waitFor(t, 2*time.Second, c.IsLeaseOwner)
	if attempts.Load() < 3 {
		t.Errorf("expected at least 3 acquire attempts, got %d", attempts.Load())
	}
}

func TestStopDuringInFlightAcquireReleasesLease(t *testing.T) {
	shortenBackoff(t)

	acquireStarted := make(chan struct{})
	var startedOnce sync.Once
	acquireRelease := make(chan struct{})
	var releases atomic.Int64
	store := &mockStore{
		acquireFunc: func(ctx context.Context, id identity.Identity, duration time.Duration) error {
			startedOnce.Do(func() { close(acquireStarted) })
			// Hold the store call until Stop has cancelled the loop,
			// then report success anyway.
			<-acquireRelease
			return nil
		},
		releaseFunc: func(ctx context.Context, id identity.Identity) error {
			releases.Add(1)
			return nil
		},
	}
	pm := &mockManager{}
	c := New(testConfig(), store, pm, nil)

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	<-acquireStarted

	stopDone := make(chan struct{})
	go func() {
		_ = c.Stop(context.Background())
		close(stopDone)
	}()

	// Let the cancellation land before the acquire call comes back.
	time.Sleep(50 * time.Millisecond)
	close(acquireRelease)

	select {
	case <-stopDone:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not complete")
	}

	waitFor(t, 2*time.Second, func() bool { return releases.Load() == 1 })
	if c.IsLeaseOwner() {
		t.Error("ownership flag must be cleared after Stop")
	}
	if pm.startCalls.Load() != 0 {
		t.Error("no session may start after Stop cancelled the loop")
	}
	if err := c.ForceChangeLease(context.Background()); errors.Is(err, ErrAlreadyOwner) {
		t.Error("stale ownership flag: ForceChangeLease reported already-owner after Stop")
	}
	_ = c.Stop(context.Background())
}

func TestStopInterruptsPendingAcquisition(t *testing.T) {
	shortenBackoff(t)

	store := &mockStore{
		acquireFunc: func(ctx context.Context, id identity.Identity, duration time.Duration) error {
			return lease.ErrConflict
		},
	}
	pm := &mockManager{}
	c := New(testConfig(), store, pm, nil)

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	// Give the loop time to enter its retry wait, then stop mid-acquisition.
	time.Sleep(20 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		_ = c.Stop(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not interrupt the pending acquisition wait")
	}
	if pm.startCalls.Load() != 0 {
		t.Error("partition manager must not start when acquisition never succeeded")
	}
}
