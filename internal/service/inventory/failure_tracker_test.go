package inventory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/almond-mart/almond-trainer/internal/storage"
)

// fakeClock is a settable time source
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// memStore implements FailureStore in memory
type memStore struct {
	mu       sync.Mutex
	failures []storage.NodeFailure
	err      error
	cleanups int
}

func (s *memStore) RecordFailure(ctx context.Context, f storage.NodeFailure) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.failures = append(s.failures, f)
	return nil
}

func (s *memStore) ListRecent(ctx context.Context, since time.Time) ([]storage.NodeFailure, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	var out []storage.NodeFailure
	for i := len(s.failures) - 1; i >= 0; i-- {
		if s.failures[i].CreatedAt.After(since) {
			out = append(out, s.failures[i])
		}
	}
	return out, nil
}

func (s *memStore) CleanupOldFailures(ctx context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cleanups++
	return 0, nil
}

func TestNoFailures_NotSuppressed(t *testing.T) {
	tracker := NewNodeFailureTracker(WithSuppressThreshold(1))
	if tracker.IsSuppressed("node-1") {
		t.Error("expected unknown node to be selectable")
	}
	if n := tracker.RecentFailures("node-1"); n != 0 {
		t.Errorf("expected 0 failures, got %d", n)
	}
}

func TestThresholdReached_NodeSuppressed(t *testing.T) {
	clock := newFakeClock()
	tracker := NewNodeFailureTracker(WithSuppressThreshold(2), WithTimeFunc(clock.Now))
	ctx := context.Background()

	tracker.RecordFailure(ctx, "node-1", "run-1", FailureDeployRejected, "no capacity")
	if tracker.IsSuppressed("node-1") {
		t.Error("expected node to stay selectable after one failure")
	}

	clock.Advance(time.Minute)
	tracker.RecordFailure(ctx, "node-1", "run-2", FailureGPUMissing, "nvidia-smi failed")
	if !tracker.IsSuppressed("node-1") {
		t.Error("expected node to be suppressed after two failures")
	}
	if tracker.IsSuppressed("node-2") {
		t.Error("suppression must not leak to other nodes")
	}
}

func TestZeroThreshold_NeverSuppresses(t *testing.T) {
	tracker := NewNodeFailureTracker()
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		tracker.RecordFailure(ctx, "node-1", "", FailureInstanceFailed, "")
	}

	if tracker.IsSuppressed("node-1") {
		t.Error("expected suppression to be disabled without a threshold")
	}
	if n := tracker.RecentFailures("node-1"); n != 5 {
		t.Errorf("expected 5 failures, got %d", n)
	}
}

func TestFailuresExpireAfterWindow(t *testing.T) {
	clock := newFakeClock()
	tracker := NewNodeFailureTracker(
		WithSuppressThreshold(1),
		WithFailureWindow(time.Hour),
		WithTimeFunc(clock.Now))

	tracker.RecordFailure(context.Background(), "node-1", "run-1", FailureStartTimeout, "")
	if !tracker.IsSuppressed("node-1") {
		t.Fatal("expected node to be suppressed")
	}

	clock.Advance(time.Hour + time.Second)
	if tracker.IsSuppressed("node-1") {
		t.Error("expected suppression to expire with the window")
	}
	if len(tracker.Health()) != 0 {
		t.Error("expected expired nodes to drop out of Health")
	}
}

func TestEmptyNodeIgnored(t *testing.T) {
	store := &memStore{}
	tracker := NewNodeFailureTracker(WithStore(store))
	tracker.RecordFailure(context.Background(), "", "run-1", FailureDeployRejected, "")

	if len(store.failures) != 0 {
		t.Errorf("expected no write for an empty node ID, got %d", len(store.failures))
	}
}

func TestRecordFailure_WritesThrough(t *testing.T) {
	clock := newFakeClock()
	store := &memStore{}
	tracker := NewNodeFailureTracker(WithStore(store), WithTimeFunc(clock.Now))

	tracker.RecordFailure(context.Background(), "node-1", "run-1", FailureSSHUnreachable, "connection refused")

	if len(store.failures) != 1 {
		t.Fatalf("expected 1 persisted failure, got %d", len(store.failures))
	}
	got := store.failures[0]
	if got.NodeID != "node-1" || got.RunID != "run-1" || got.Kind != "ssh_unreachable" || got.Reason != "connection refused" {
		t.Errorf("unexpected persisted failure: %+v", got)
	}
	if !got.CreatedAt.Equal(clock.Now()) {
		t.Errorf("expected CreatedAt %v, got %v", clock.Now(), got.CreatedAt)
	}
}

func TestRecordFailure_StoreErrorKeepsMemory(t *testing.T) {
	store := &memStore{err: errors.New("disk full")}
	tracker := NewNodeFailureTracker(WithStore(store))

	tracker.RecordFailure(context.Background(), "node-1", "run-1", FailureDeployRejected, "")

	if n := tracker.RecentFailures("node-1"); n != 1 {
		t.Errorf("expected in-memory failure despite store error, got %d", n)
	}
}

func TestLoad_ReplaysStore(t *testing.T) {
	clock := newFakeClock()
	now := clock.Now()
	store := &memStore{failures: []storage.NodeFailure{
		{NodeID: "node-old", Kind: "gpu_missing", CreatedAt: now.Add(-48 * time.Hour)},
		{NodeID: "node-1", Kind: "deploy_rejected", Reason: "first", CreatedAt: now.Add(-2 * time.Hour)},
		{NodeID: "node-1", Kind: "gpu_missing", Reason: "second", CreatedAt: now.Add(-time.Hour)},
	}}
	tracker := NewNodeFailureTracker(WithStore(store), WithSuppressThreshold(2), WithTimeFunc(clock.Now))

	if err := tracker.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}

	if !tracker.IsSuppressed("node-1") {
		t.Error("expected replayed failures to suppress node-1")
	}
	if n := tracker.RecentFailures("node-old"); n != 0 {
		t.Errorf("expected failures outside the window to be ignored, got %d", n)
	}
	if store.cleanups != 1 {
		t.Errorf("expected one store cleanup, got %d", store.cleanups)
	}

	health := tracker.Health()
	if len(health) != 1 {
		t.Fatalf("expected 1 node in health, got %d", len(health))
	}
	if health[0].LastKind != FailureGPUMissing || health[0].LastReason != "second" {
		t.Errorf("expected the newest failure last, got %+v", health[0])
	}
}

func TestLoad_StoreError(t *testing.T) {
	tracker := NewNodeFailureTracker(WithStore(&memStore{err: errors.New("locked")}))
	if err := tracker.Load(context.Background()); err == nil {
		t.Error("expected Load to return the store error")
	}
}

func TestLoad_NoStore(t *testing.T) {
	if err := NewNodeFailureTracker().Load(context.Background()); err != nil {
		t.Errorf("expected no error without a store, got %v", err)
	}
}

func TestHealth_SortedByFailures(t *testing.T) {
	tracker := NewNodeFailureTracker(WithSuppressThreshold(3))
	ctx := context.Background()
	tracker.RecordFailure(ctx, "node-b", "", FailureDeployRejected, "")
	tracker.RecordFailure(ctx, "node-a", "", FailureDeployRejected, "")
	tracker.RecordFailure(ctx, "node-c", "", FailureDeployRejected, "")
	tracker.RecordFailure(ctx, "node-c", "", FailureDeployRejected, "")
	tracker.RecordFailure(ctx, "node-c", "", FailureDeployRejected, "")

	health := tracker.Health()
	if len(health) != 3 {
		t.Fatalf("expected 3 nodes, got %d", len(health))
	}
	if health[0].NodeID != "node-c" || !health[0].IsSuppressed {
		t.Errorf("expected suppressed node-c first, got %+v", health[0])
	}
	if health[1].NodeID != "node-a" || health[2].NodeID != "node-b" {
		t.Errorf("expected ties ordered by node ID, got %s, %s", health[1].NodeID, health[2].NodeID)
	}
}

func TestConcurrentRecord(t *testing.T) {
	tracker := NewNodeFailureTracker()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tracker.RecordFailure(ctx, "node-1", "", FailureInstanceFailed, "")
			_ = tracker.IsSuppressed("node-1")
		}()
	}
	wg.Wait()

	if n := tracker.RecentFailures("node-1"); n != 20 {
		t.Errorf("expected 20 failures, got %d", n)
	}
}
