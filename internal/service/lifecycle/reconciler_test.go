package lifecycle

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/almond-mart/almond-trainer/internal/marketplace"
	"github.com/almond-mart/almond-trainer/internal/storage"
	"github.com/almond-mart/almond-trainer/pkg/models"
)

type transitionRecord struct {
	runID    string
	from, to models.RunState
}

// mockRunStore implements RunStore for reconciler testing
type mockRunStore struct {
	mu          sync.Mutex
	runs        map[string]*models.Run
	transitions []transitionRecord
	listErr     error
	listCalls   int
}

func newMockRunStore(runs ...*models.Run) *mockRunStore {
	m := &mockRunStore{runs: make(map[string]*models.Run)}
	for _, r := range runs {
		m.runs[r.ID] = r
	}
	return m
}

func (m *mockRunStore) List(ctx context.Context, filter storage.RunFilter) ([]*models.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listCalls++
	if m.listErr != nil {
		return nil, m.listErr
	}

	allowed := make(map[models.RunState]bool)
	for _, s := range filter.States {
		allowed[s] = true
	}

	var out []*models.Run
	for _, r := range m.runs {
		if len(allowed) > 0 && !allowed[r.State] {
			continue
		}
		cp := *r
		out = append(out, &cp)
	}
	return out, nil
}

func (m *mockRunStore) Update(ctx context.Context, run *models.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *run
	m.runs[run.ID] = &cp
	return nil
}

func (m *mockRunStore) RecordTransition(ctx context.Context, runID string, from, to models.RunState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transitions = append(m.transitions, transitionRecord{runID: runID, from: from, to: to})
	return nil
}

func (m *mockRunStore) get(id string) *models.Run {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *m.runs[id]
	return &cp
}

func (m *mockRunStore) getListCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listCalls
}

// mockInstances implements InstanceChecker. Unknown IDs are not found.
type mockInstances struct {
	mu        sync.Mutex
	instances map[string]*models.ProvisionedInstance
	errs      map[string]error
	calls     []string
}

func newMockInstances() *mockInstances {
	return &mockInstances{
		instances: make(map[string]*models.ProvisionedInstance),
		errs:      make(map[string]error),
	}
}

func (m *mockInstances) InstanceStatus(ctx context.Context, id string) (*models.ProvisionedInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, id)
	if err, ok := m.errs[id]; ok {
		return nil, err
	}
	if inst, ok := m.instances[id]; ok {
		return inst, nil
	}
	return nil, marketplace.NewAPIError("get instance", 404, "not found", marketplace.ErrInstanceNotFound)
}

func (m *mockInstances) running(id string) {
	m.instances[id] = &models.ProvisionedInstance{InstanceID: id, Status: models.InstanceRunning}
}

func fixedNow() time.Time {
	return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
}

func newTestReconciler(store *mockRunStore, instances *mockInstances) *Reconciler {
	return NewReconciler(store, instances,
		WithStaleAfter(time.Hour),
		WithGhostGrace(10*time.Minute),
		WithReconcileTimeFunc(fixedNow))
}

func TestReconciler_GhostRunStopped(t *testing.T) {
	store := newMockRunStore(&models.Run{
		ID:         "run-ghost",
		InstanceID: "vm-gone",
		State:      models.RunSetupComplete,
		UpdatedAt:  fixedNow().Add(-10 * time.Minute),
	})
	instances := newMockInstances()

	res, err := newTestReconciler(store, instances).RunReconciliation(context.Background())
	require.NoError(t, err)

	assert.Equal(t, Result{Checked: 1, Ghosts: 1}, res)

	run := store.get("run-ghost")
	assert.Equal(t, models.RunStopped, run.State)
	assert.Contains(t, run.Error, "not found on marketplace")
	require.Len(t, store.transitions, 1)
	assert.Equal(t, transitionRecord{runID: "run-ghost", from: models.RunSetupComplete, to: models.RunStopped}, store.transitions[0])
}

func TestReconciler_GhostKeepsExistingError(t *testing.T) {
	store := newMockRunStore(&models.Run{
		ID:         "run-failed",
		InstanceID: "vm-gone",
		State:      models.RunFailed,
		Error:      "setup failed: clone exited 128",
		UpdatedAt:  fixedNow(),
	})

	res, err := newTestReconciler(store, newMockInstances()).RunReconciliation(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, res.Ghosts)
	run := store.get("run-failed")
	assert.Equal(t, models.RunStopped, run.State)
	assert.Equal(t, "setup failed: clone exited 128", run.Error)
}

func TestReconciler_HealthyRunUntouched(t *testing.T) {
	store := newMockRunStore(&models.Run{
		ID:         "run-ok",
		InstanceID: "vm-1",
		State:      models.RunSetupComplete,
		UpdatedAt:  fixedNow().Add(-48 * time.Hour),
	})
	instances := newMockInstances()
	instances.running("vm-1")

	res, err := newTestReconciler(store, instances).RunReconciliation(context.Background())
	require.NoError(t, err)

	assert.Equal(t, Result{Checked: 1}, res)
	assert.Equal(t, models.RunSetupComplete, store.get("run-ok").State)
	assert.Empty(t, store.transitions)
}

func TestReconciler_AbandonedWithInstance(t *testing.T) {
	store := newMockRunStore(&models.Run{
		ID:         "run-stuck",
		InstanceID: "vm-2",
		State:      models.RunSettingUp,
		UpdatedAt:  fixedNow().Add(-2 * time.Hour),
	})
	instances := newMockInstances()
	instances.running("vm-2")

	res, err := newTestReconciler(store, instances).RunReconciliation(context.Background())
	require.NoError(t, err)

	assert.Equal(t, Result{Checked: 1, Abandoned: 1}, res)
	run := store.get("run-stuck")
	assert.Equal(t, models.RunFailed, run.State)
	assert.Equal(t, "abandoned while setting_up", run.Error)
	assert.Equal(t, "vm-2", run.InstanceID, "instance ID is kept so stop can delete it")
}

func TestReconciler_AbandonedWithoutInstance(t *testing.T) {
	store := newMockRunStore(&models.Run{
		ID:        "run-selecting",
		State:     models.RunSelecting,
		UpdatedAt: fixedNow().Add(-3 * time.Hour),
	})
	instances := newMockInstances()

	res, err := newTestReconciler(store, instances).RunReconciliation(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, res.Abandoned)
	assert.Equal(t, models.RunFailed, store.get("run-selecting").State)
	assert.Empty(t, instances.calls, "no marketplace call without an instance ID")
}

func TestReconciler_FreshInFlightRunUntouched(t *testing.T) {
	store := newMockRunStore(&models.Run{
		ID:        "run-new",
		State:     models.RunDeploying,
		NodeID:    "node-a",
		UpdatedAt: fixedNow().Add(-5 * time.Minute),
	})

	res, err := newTestReconciler(store, newMockInstances()).RunReconciliation(context.Background())
	require.NoError(t, err)

	assert.Equal(t, Result{Checked: 1}, res)
	assert.Equal(t, models.RunDeploying, store.get("run-new").State)
}

func TestReconciler_RecentInFlightRunNotGhosted(t *testing.T) {
	store := newMockRunStore(&models.Run{
		ID:         "run-polling",
		InstanceID: "vm-just-deployed",
		State:      models.RunAwaitingRunning,
		UpdatedAt:  fixedNow().Add(-2 * time.Minute),
	})
	instances := newMockInstances()

	res, err := newTestReconciler(store, instances).RunReconciliation(context.Background())
	require.NoError(t, err)

	assert.Equal(t, Result{Checked: 1}, res)
	assert.Equal(t, models.RunAwaitingRunning, store.get("run-polling").State)
	assert.Empty(t, instances.calls, "a run inside the grace period is left to its owner")
	assert.Empty(t, store.transitions)
}

func TestReconciler_InFlightGhostAfterGrace(t *testing.T) {
	store := newMockRunStore(&models.Run{
		ID:         "run-crashed",
		InstanceID: "vm-gone",
		State:      models.RunAwaitingRunning,
		UpdatedAt:  fixedNow().Add(-20 * time.Minute),
	})

	res, err := newTestReconciler(store, newMockInstances()).RunReconciliation(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, res.Ghosts)
	assert.Equal(t, models.RunStopped, store.get("run-crashed").State)
}

func TestReconciler_GraceDoesNotApplyToSetupComplete(t *testing.T) {
	store := newMockRunStore(&models.Run{
		ID:         "run-done",
		InstanceID: "vm-gone",
		State:      models.RunSetupComplete,
		UpdatedAt:  fixedNow().Add(-time.Minute),
	})

	res, err := newTestReconciler(store, newMockInstances()).RunReconciliation(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Ghosts)
}

func TestReconciler_StoppedRunsSkipped(t *testing.T) {
	store := newMockRunStore(&models.Run{
		ID:         "run-done",
		InstanceID: "vm-old",
		State:      models.RunStopped,
		UpdatedAt:  fixedNow().Add(-72 * time.Hour),
	})
	instances := newMockInstances()

	res, err := newTestReconciler(store, instances).RunReconciliation(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 0, res.Checked)
	assert.Empty(t, instances.calls)
}

func TestReconciler_MarketplaceErrorCounted(t *testing.T) {
	store := newMockRunStore(
		&models.Run{ID: "run-a", InstanceID: "vm-a", State: models.RunSetupComplete, UpdatedAt: fixedNow()},
		&models.Run{ID: "run-b", InstanceID: "vm-b", State: models.RunSetupComplete, UpdatedAt: fixedNow()},
	)
	instances := newMockInstances()
	instances.errs["vm-a"] = marketplace.NewAPIError("get instance", 503, "unavailable", marketplace.ErrAPI)

	res, err := newTestReconciler(store, instances).RunReconciliation(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, res.Checked)
	assert.Equal(t, 1, res.Errors)
	assert.Equal(t, 1, res.Ghosts)
	assert.Equal(t, models.RunSetupComplete, store.get("run-a").State, "transient errors leave the run alone")
	assert.Equal(t, models.RunStopped, store.get("run-b").State)
}

func TestReconciler_ListError(t *testing.T) {
	store := newMockRunStore()
	store.listErr = errors.New("database is locked")

	_, err := newTestReconciler(store, newMockInstances()).RunReconciliation(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database is locked")
}

func TestReconciler_CancelledContext(t *testing.T) {
	store := newMockRunStore(
		&models.Run{ID: "run-a", InstanceID: "vm-a", State: models.RunSetupComplete, UpdatedAt: fixedNow()},
	)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newTestReconciler(store, newMockInstances()).RunReconciliation(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestInFlight(t *testing.T) {
	assert.True(t, inFlight(models.RunSelecting))
	assert.True(t, inFlight(models.RunRebooting))
	assert.True(t, inFlight(models.RunReady))
	assert.False(t, inFlight(models.RunSetupComplete))
	assert.False(t, inFlight(models.RunFailed))
	assert.False(t, inFlight(models.RunStopped))
}

func TestReconciler_StartStop(t *testing.T) {
	store := newMockRunStore()
	r := NewReconciler(store, newMockInstances(), WithReconcileInterval(10*time.Millisecond))

	require.NoError(t, r.Start(context.Background()))
	assert.True(t, r.IsRunning())

	// Starting twice is a no-op
	require.NoError(t, r.Start(context.Background()))

	assert.Eventually(t, func() bool { return store.getListCalls() >= 2 }, time.Second, 5*time.Millisecond)

	r.Stop()
	assert.False(t, r.IsRunning())

	// Stopping twice is a no-op
	r.Stop()
}

func TestReconciler_StopsOnContextCancel(t *testing.T) {
	r := NewReconciler(newMockRunStore(), newMockInstances(), WithReconcileInterval(time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, r.Start(ctx))
	cancel()

	assert.Eventually(t, func() bool { return !r.IsRunning() }, time.Second, 5*time.Millisecond)
}
