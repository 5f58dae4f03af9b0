// Package inventory tracks the health of marketplace host nodes across runs.
package inventory

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/almond-mart/almond-trainer/internal/metrics"
	"github.com/almond-mart/almond-trainer/internal/storage"
)

// FailureKind categorizes provisioning failures attributed to a node
type FailureKind string

const (
	FailureDeployRejected FailureKind = "deploy_rejected"
	FailureInstanceFailed FailureKind = "instance_failed"
	FailureStartTimeout   FailureKind = "start_timeout"
	FailureSSHUnreachable FailureKind = "ssh_unreachable"
	FailureGPUMissing     FailureKind = "gpu_missing"
)

const (
	// DefaultFailureWindow is how long a failure counts against a node
	DefaultFailureWindow = 24 * time.Hour

	// storeTimeout bounds each write-through to the store
	storeTimeout = 5 * time.Second
)

// FailureStore is the interface for persisting node failures.
// Implemented by storage.NodeFailureStore.
type FailureStore interface {
	RecordFailure(ctx context.Context, f storage.NodeFailure) error
	ListRecent(ctx context.Context, since time.Time) ([]storage.NodeFailure, error)
	CleanupOldFailures(ctx context.Context, before time.Time) (int64, error)
}

// NodeHealth is the failure summary of one node
type NodeHealth struct {
	NodeID         string      `json:"node_id"`
	RecentFailures int         `json:"recent_failures"`
	IsSuppressed   bool        `json:"is_suppressed"`
	LastFailure    time.Time   `json:"last_failure"`
	LastKind       FailureKind `json:"last_kind"`
	LastReason     string      `json:"last_reason,omitempty"`
}

// NodeFailureTracker remembers which nodes failed recent runs. With a
// threshold set, a node with that many failures inside the window is
// suppressed and the selector skips it.
type NodeFailureTracker struct {
	mu    sync.RWMutex
	nodes map[string][]failureEvent // keyed by node ID, oldest first

	// Optional persistent storage (nil = in-memory only)
	store  FailureStore
	logger *slog.Logger

	threshold int // 0 disables suppression
	window    time.Duration
	now       func() time.Time
}

type failureEvent struct {
	Kind      FailureKind
	RunID     string
	Reason    string
	Timestamp time.Time
}

// TrackerOption configures the tracker
type TrackerOption func(*NodeFailureTracker)

// WithStore persists failures through store
func WithStore(store FailureStore) TrackerOption {
	return func(t *NodeFailureTracker) {
		t.store = store
	}
}

// WithSuppressThreshold suppresses nodes with at least n failures in the window.
// Zero disables suppression.
func WithSuppressThreshold(n int) TrackerOption {
	return func(t *NodeFailureTracker) {
		t.threshold = n
	}
}

// WithFailureWindow sets how long a failure counts against a node
func WithFailureWindow(d time.Duration) TrackerOption {
	return func(t *NodeFailureTracker) {
		if d > 0 {
			t.window = d
		}
	}
}

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) TrackerOption {
	return func(t *NodeFailureTracker) {
		t.logger = logger
	}
}

// WithTimeFunc sets a custom time function (for testing)
func WithTimeFunc(fn func() time.Time) TrackerOption {
	return func(t *NodeFailureTracker) {
		t.now = fn
	}
}

// NewNodeFailureTracker creates a new failure tracker
func NewNodeFailureTracker(opts ...TrackerOption) *NodeFailureTracker {
	t := &NodeFailureTracker{
		nodes:  make(map[string][]failureEvent),
		logger: slog.Default(),
		window: DefaultFailureWindow,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Load replays persisted failures inside the window and prunes older ones
// from the store. Call it once before the tracker is consulted.
func (t *NodeFailureTracker) Load(ctx context.Context) error {
	if t.store == nil {
		return nil
	}

	cutoff := t.now().Add(-t.window)
	failures, err := t.store.ListRecent(ctx, cutoff)
	if err != nil {
		return err
	}

	t.mu.Lock()
	// ListRecent is newest first; keep events oldest first
	for i := len(failures) - 1; i >= 0; i-- {
		f := failures[i]
		t.nodes[f.NodeID] = append(t.nodes[f.NodeID], failureEvent{
			Kind:      FailureKind(f.Kind),
			RunID:     f.RunID,
			Reason:    f.Reason,
			Timestamp: f.CreatedAt,
		})
	}
	tracked := len(t.nodes)
	t.mu.Unlock()

	if deleted, err := t.store.CleanupOldFailures(ctx, cutoff); err != nil {
		t.logger.Warn("failed to cleanup old node failures", slog.String("error", err.Error()))
	} else if deleted > 0 {
		t.logger.Debug("cleaned up old node failures", slog.Int64("deleted", deleted))
	}

	t.logger.Debug("loaded node failures from store",
		slog.Int("failures", len(failures)),
		slog.Int("tracked_nodes", tracked))
	return nil
}

// RecordFailure records a provisioning failure against nodeID. Store errors
// are logged, never returned.
func (t *NodeFailureTracker) RecordFailure(ctx context.Context, nodeID, runID string, kind FailureKind, reason string) {
	if nodeID == "" {
		return
	}

	t.mu.Lock()
	now := t.now()
	wasSuppressed := t.suppressedLocked(nodeID, now)
	t.nodes[nodeID] = append(t.nodes[nodeID], failureEvent{
		Kind:      kind,
		RunID:     runID,
		Reason:    reason,
		Timestamp: now,
	})
	t.cleanupLocked(now)
	recent := len(t.nodes[nodeID])
	suppressed := t.suppressedLocked(nodeID, now)
	t.mu.Unlock()

	metrics.RecordNodeFailure(string(kind))
	t.logger.WarnContext(ctx, "node failure recorded",
		slog.String("node_id", nodeID),
		slog.String("kind", string(kind)),
		slog.Int("recent_failures", recent),
		slog.String("reason", reason))

	if suppressed && !wasSuppressed {
		t.logger.WarnContext(ctx, "node suppressed from selection",
			slog.String("node_id", nodeID),
			slog.Int("recent_failures", recent),
			slog.Duration("window", t.window))
	}

	if t.store == nil {
		return
	}
	storeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), storeTimeout)
	defer cancel()
	err := t.store.RecordFailure(storeCtx, storage.NodeFailure{
		NodeID:    nodeID,
		RunID:     runID,
		Kind:      string(kind),
		Reason:    reason,
		CreatedAt: now,
	})
	if err != nil {
		t.logger.WarnContext(ctx, "failed to persist node failure",
			slog.String("node_id", nodeID),
			slog.String("error", err.Error()))
	}
}

// RecentFailures returns the number of failures for nodeID inside the window
func (t *NodeFailureTracker) RecentFailures(nodeID string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.countRecentLocked(nodeID, t.now())
}

// IsSuppressed returns true if the selector should skip nodeID
func (t *NodeFailureTracker) IsSuppressed(nodeID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.suppressedLocked(nodeID, t.now())
}

// Health returns every node with failures inside the window, most failures first
func (t *NodeFailureTracker) Health() []NodeHealth {
	t.mu.RLock()
	defer t.mu.RUnlock()

	now := t.now()
	out := make([]NodeHealth, 0, len(t.nodes))
	for nodeID, events := range t.nodes {
		recent := t.countRecentLocked(nodeID, now)
		if recent == 0 {
			continue
		}
		last := events[len(events)-1]
		out = append(out, NodeHealth{
			NodeID:         nodeID,
			RecentFailures: recent,
			IsSuppressed:   t.suppressedLocked(nodeID, now),
			LastFailure:    last.Timestamp,
			LastKind:       last.Kind,
			LastReason:     last.Reason,
		})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].RecentFailures != out[j].RecentFailures {
			return out[i].RecentFailures > out[j].RecentFailures
		}
		return out[i].NodeID < out[j].NodeID
	})
	return out
}

// countRecentLocked counts failures inside the window.
// Must be called with at least a read lock held.
func (t *NodeFailureTracker) countRecentLocked(nodeID string, now time.Time) int {
	cutoff := now.Add(-t.window)
	count := 0
	for _, e := range t.nodes[nodeID] {
		if e.Timestamp.After(cutoff) {
			count++
		}
	}
	return count
}

func (t *NodeFailureTracker) suppressedLocked(nodeID string, now time.Time) bool {
	return t.threshold > 0 && t.countRecentLocked(nodeID, now) >= t.threshold
}

// cleanupLocked prunes events outside the window.
// Must be called with the write lock held.
func (t *NodeFailureTracker) cleanupLocked(now time.Time) {
	cutoff := now.Add(-t.window)
	for nodeID, events := range t.nodes {
		var kept []failureEvent
		for _, e := range events {
			if e.Timestamp.After(cutoff) {
				kept = append(kept, e)
			}
		}
		if len(kept) == 0 {
			delete(t.nodes, nodeID)
			continue
		}
		t.nodes[nodeID] = kept
	}
}
