package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/mirage-run/mirage/internal/domain"
	"github.com/mirage-run/mirage/internal/merr"
)

// PairKey is a canonical, order-independent pair of run IDs: Low <= High
// lexicographically, used to test whether a pair already has a task.
type PairKey struct {
	Low, High string
}

func pairKeyOf(a, b string) PairKey {
	if a <= b {
		return PairKey{Low: a, High: b}
	}

	return PairKey{Low: b, High: a}
}

// ExistingPairs returns the set of canonical run-id pairs already backed by
// a Task for the experiment, keyed by PairKey so callers can test
// membership with a map lookup.
func (s *Store) ExistingPairs(ctx context.Context, experimentID string) (map[PairKey]struct{}, error) {
	const query = `SELECT pair_low, pair_high FROM tasks WHERE experiment_id = $1`

	rows, err := s.conn.QueryContext(ctx, query, experimentID)
	if err != nil {
		return nil, merr.Wrap(merr.StoreViolation, "list existing pairs", err)
	}
	defer func() { _ = rows.Close() }()

	pairs := make(map[PairKey]struct{})

	for rows.Next() {
		var low, high string
		if err := rows.Scan(&low, &high); err != nil {
			return nil, merr.Wrap(merr.StoreViolation, "scan pair", err)
		}

		pairs[PairKey{Low: low, High: high}] = struct{}{}
	}

	return pairs, rows.Err()
}

// InsertTask stores a Task, generating TaskID if empty and deriving
// pair_low/pair_high from LeftRunID/RightRunID for the experiment-scoped
// uniqueness constraint. On conflict (the pair was already inserted by a
// concurrent generate_pairs run) this returns a merr.Conflict, which
// GeneratePairs treats as "already exists, skip."
func (s *Store) InsertTask(ctx context.Context, task *domain.Task) error {
	if task.TaskID == "" {
		task.TaskID = uuid.New().String()
	}

	if task.Status == "" {
		task.Status = domain.TaskOpen
	}

	pair := pairKeyOf(task.LeftRunID, task.RightRunID)

	const query = `
		INSERT INTO tasks (
			task_id, experiment_id, left_run_id, right_run_id,
			presented_left_run_id, presented_right_run_id, flip,
			pair_low, pair_high, status
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING created_at
	`

	err := s.conn.QueryRowContext(ctx, query,
		task.TaskID, task.ExperimentID, task.LeftRunID, task.RightRunID,
		task.PresentedLeftRunID, task.PresentedRightRunID, task.Flip,
		pair.Low, pair.High, task.Status,
	).Scan(&task.CreatedAt)
	if err != nil {
		return classifyPQError(err, merr.StoreViolation)
	}

	return nil
}

// OpenTask returns any Task with status=open for the experiment, or a
// merr.NotFound if none remain. No starvation guarantee is made about
// which open task is returned.
func (s *Store) OpenTask(ctx context.Context, experimentID string) (*domain.Task, error) {
	const query = `
		SELECT task_id, experiment_id, left_run_id, right_run_id,
			presented_left_run_id, presented_right_run_id, flip, status, created_at
		FROM tasks WHERE experiment_id = $1 AND status = 'open'
		LIMIT 1
	`

	task, err := scanTask(s.conn.QueryRowContext(ctx, query, experimentID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, merr.New(merr.NotFound, fmt.Sprintf("no open task for experiment %s", experimentID))
	}

	if err != nil {
		return nil, merr.Wrap(merr.StoreViolation, "open task", err)
	}

	return task, nil
}

// GetTask looks up a Task by primary key.
func (s *Store) GetTask(ctx context.Context, taskID string) (*domain.Task, error) {
	const query = `
		SELECT task_id, experiment_id, left_run_id, right_run_id,
			presented_left_run_id, presented_right_run_id, flip, status, created_at
		FROM tasks WHERE task_id = $1
	`

	task, err := scanTask(s.conn.QueryRowContext(ctx, query, taskID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, merr.New(merr.NotFound, fmt.Sprintf("task %s", taskID))
	}

	if err != nil {
		return nil, merr.Wrap(merr.StoreViolation, "get task", err)
	}

	return task, nil
}

// MarkTaskDone transitions a Task to status=done, typically after a Rating
// is recorded against it.
func (s *Store) MarkTaskDone(ctx context.Context, taskID string) error {
	const query = `UPDATE tasks SET status = 'done' WHERE task_id = $1`

	res, err := s.conn.ExecContext(ctx, query, taskID)
	if err != nil {
		return classifyPQError(err, merr.StoreViolation)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return merr.Wrap(merr.StoreViolation, "rows affected", err)
	}

	if rows == 0 {
		return merr.New(merr.NotFound, fmt.Sprintf("task %s", taskID))
	}

	return nil
}

// ListTasksByExperimentStatus lists Tasks for an experiment, optionally
// filtered by status.
func (s *Store) ListTasksByExperimentStatus(
	ctx context.Context, experimentID string, status domain.TaskStatus,
) ([]*domain.Task, error) {
	query := `
		SELECT task_id, experiment_id, left_run_id, right_run_id,
			presented_left_run_id, presented_right_run_id, flip, status, created_at
		FROM tasks WHERE experiment_id = $1
	`

	args := []any{experimentID}

	if status != "" {
		query += " AND status = $2"
		args = append(args, status)
	}

	query += " ORDER BY created_at"

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, merr.Wrap(merr.StoreViolation, "list tasks", err)
	}
	defer func() { _ = rows.Close() }()

	var tasks []*domain.Task

	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, merr.Wrap(merr.StoreViolation, "scan task", err)
		}

		tasks = append(tasks, task)
	}

	return tasks, rows.Err()
}

func scanTask(row rowScanner) (*domain.Task, error) {
	var t domain.Task

	err := row.Scan(
		&t.TaskID, &t.ExperimentID, &t.LeftRunID, &t.RightRunID,
		&t.PresentedLeftRunID, &t.PresentedRightRunID, &t.Flip, &t.Status, &t.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	return &t, nil
}
