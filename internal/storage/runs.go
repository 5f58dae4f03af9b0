package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/almond-mart/almond-trainer/pkg/models"
)

// RunStore persists provisioning runs and their state transitions
type RunStore struct {
	db  *DB
	now func() time.Time
}

// NewRunStore creates a new run store
func NewRunStore(db *DB) *RunStore {
	return &RunStore{db: db, now: time.Now}
}

// RunFilter narrows List results
type RunFilter struct {
	States []models.RunState
	Limit  int
}

// Transition is one recorded state change
type Transition struct {
	From      models.RunState `json:"from"`
	To        models.RunState `json:"to"`
	CreatedAt time.Time       `json:"created_at"`
}

const runColumns = `id, dataset, node_id, instance_id, state, error,
	host, port, ssh_user, hourly_cost, created_at, updated_at`

// Create inserts a new run, stamping CreatedAt and UpdatedAt
func (s *RunStore) Create(ctx context.Context, run *models.Run) error {
	now := s.now().UTC()
	if run.CreatedAt.IsZero() {
		run.CreatedAt = now
	}
	run.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `INSERT INTO runs (`+runColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.Dataset, run.NodeID, run.InstanceID, run.State, run.Error,
		run.Host, run.Port, run.User, run.HourlyCost, run.CreatedAt, run.UpdatedAt,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return ErrAlreadyExists
		}
		return fmt.Errorf("failed to create run: %w", err)
	}
	return nil
}

// Update overwrites a run's mutable fields
func (s *RunStore) Update(ctx context.Context, run *models.Run) error {
	run.UpdatedAt = s.now().UTC()

	result, err := s.db.ExecContext(ctx, `
		UPDATE runs SET
			node_id = ?, instance_id = ?, state = ?, error = ?,
			host = ?, port = ?, ssh_user = ?, hourly_cost = ?, updated_at = ?
		WHERE id = ?`,
		run.NodeID, run.InstanceID, run.State, run.Error,
		run.Host, run.Port, run.User, run.HourlyCost, run.UpdatedAt,
		run.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update run: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// RecordTransition appends a state change to the run's history
func (s *RunStore) RecordTransition(ctx context.Context, runID string, from, to models.RunState) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO run_events (run_id, from_state, to_state, created_at) VALUES (?, ?, ?, ?)`,
		runID, from, to, s.now().UTC())
	if err != nil {
		return fmt.Errorf("failed to record transition: %w", err)
	}
	return nil
}

// Transitions returns a run's state history, oldest first
func (s *RunStore) Transitions(ctx context.Context, runID string) ([]Transition, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT from_state, to_state, created_at FROM run_events WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query transitions: %w", err)
	}
	defer rows.Close()

	var out []Transition
	for rows.Next() {
		var t Transition
		if err := rows.Scan(&t.From, &t.To, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan transition: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Get retrieves a run by ID
func (s *RunStore) Get(ctx context.Context, id string) (*models.Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// LatestWithInstance returns the newest run that deployed an instance and has
// not been stopped
func (s *RunStore) LatestWithInstance(ctx context.Context) (*models.Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs
		WHERE instance_id != '' AND state != ?
		ORDER BY rowid DESC LIMIT 1`, models.RunStopped)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest run: %w", err)
	}
	return run, nil
}

// List returns runs, newest first (insertion order)
func (s *RunStore) List(ctx context.Context, filter RunFilter) ([]*models.Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs`
	var args []any

	if len(filter.States) > 0 {
		placeholders := make([]string, len(filter.States))
		for i, st := range filter.States {
			placeholders[i] = "?"
			args = append(args, st)
		}
		query += ` WHERE state IN (` + strings.Join(placeholders, ", ") + `)`
	}

	query += ` ORDER BY rowid DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []*models.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*models.Run, error) {
	run := &models.Run{}
	err := row.Scan(
		&run.ID, &run.Dataset, &run.NodeID, &run.InstanceID, &run.State, &run.Error,
		&run.Host, &run.Port, &run.User, &run.HourlyCost, &run.CreatedAt, &run.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return run, nil
}
