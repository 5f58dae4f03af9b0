package storage

import (
	"context"
	"fmt"
	"time"
)

// NodeFailure is one provisioning failure attributed to a marketplace node
type NodeFailure struct {
	NodeID    string    `json:"node_id"`
	RunID     string    `json:"run_id"`
	Kind      string    `json:"kind"`
	Reason    string    `json:"reason"`
	CreatedAt time.Time `json:"created_at"`
}

// NodeFailureStore handles persistence of node failure events
type NodeFailureStore struct {
	db  *DB
	now func() time.Time
}

// NewNodeFailureStore creates a new node failure store
func NewNodeFailureStore(db *DB) *NodeFailureStore {
	return &NodeFailureStore{db: db, now: time.Now}
}

// RecordFailure persists a failure event, stamping CreatedAt when unset
func (s *NodeFailureStore) RecordFailure(ctx context.Context, f NodeFailure) error {
	if f.CreatedAt.IsZero() {
		f.CreatedAt = s.now()
	}
	query := `
		INSERT INTO node_failures (node_id, run_id, kind, reason, created_at)
		VALUES (?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query, f.NodeID, f.RunID, f.Kind, f.Reason, f.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to record node failure: %w", err)
	}
	return nil
}

// CountByNode returns the number of failures per node newer than since
func (s *NodeFailureStore) CountByNode(ctx context.Context, since time.Time) (map[string]int, error) {
	query := `
		SELECT node_id, COUNT(*) as cnt
		FROM node_failures
		WHERE created_at > ?
		GROUP BY node_id
	`
	rows, err := s.db.QueryContext(ctx, query, since.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to count failures by node: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var nodeID string
		var count int
		if err := rows.Scan(&nodeID, &count); err != nil {
			return nil, fmt.Errorf("failed to scan count: %w", err)
		}
		counts[nodeID] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating counts: %w", err)
	}
	return counts, nil
}

// ListRecent returns failure events newer than since, newest first
func (s *NodeFailureStore) ListRecent(ctx context.Context, since time.Time) ([]NodeFailure, error) {
	query := `
		SELECT node_id, run_id, kind, reason, created_at
		FROM node_failures
		WHERE created_at > ?
		ORDER BY created_at DESC, id DESC
	`
	rows, err := s.db.QueryContext(ctx, query, since.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to load recent failures: %w", err)
	}
	defer rows.Close()

	var records []NodeFailure
	for rows.Next() {
		var f NodeFailure
		if err := rows.Scan(&f.NodeID, &f.RunID, &f.Kind, &f.Reason, &f.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan failure record: %w", err)
		}
		records = append(records, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating failure records: %w", err)
	}
	return records, nil
}

// CleanupOldFailures deletes failure events older than before
func (s *NodeFailureStore) CleanupOldFailures(ctx context.Context, before time.Time) (int64, error) {
	query := `DELETE FROM node_failures WHERE created_at < ?`
	result, err := s.db.ExecContext(ctx, query, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup old failures: %w", err)
	}
	return result.RowsAffected()
}
