package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/mirage-run/mirage/internal/domain"
	"github.com/mirage-run/mirage/internal/merr"
)

// Outcome is the terminal result of a claimed Run, passed to FinishRun.
// Exactly one of Succeeded/Failed fields is populated; NewSucceeded and
// NewFailed construct the two valid shapes so callers can't build a
// half-populated outcome.
type Outcome struct {
	succeeded   bool
	canonURI    string
	canonSHA256 string
	errorCode   string
	errorDetail string
}

// NewSucceeded builds a successful Outcome.
func NewSucceeded(canonURI, canonSHA256 string) Outcome {
	return Outcome{succeeded: true, canonURI: canonURI, canonSHA256: canonSHA256}
}

// NewFailed builds a failed Outcome carrying an error kind and detail.
func NewFailed(errorCode merr.Kind, errorDetail string) Outcome {
	return Outcome{errorCode: string(errorCode), errorDetail: errorDetail}
}

// EnqueueRun inserts a Run with status=queued. On a conflict with
// UNIQUE(experiment_id, item_id, variant_key) it returns the existing run's
// RunID instead of erroring: enqueueing the same (experiment, item,
// variant) twice is idempotent.
func (s *Store) EnqueueRun(ctx context.Context, run *domain.Run) (runID string, err error) {
	const query = `
		INSERT INTO runs (run_id, experiment_id, item_id, variant_key, spec_hash, status)
		VALUES ($1, $2, $3, $4, $5, 'queued')
		ON CONFLICT (experiment_id, item_id, variant_key) DO UPDATE
			SET experiment_id = runs.experiment_id
		RETURNING run_id
	`

	err = s.conn.QueryRowContext(ctx, query,
		run.RunID, run.ExperimentID, run.ItemID, run.VariantKey, run.SpecHash,
	).Scan(&runID)
	if err != nil {
		return "", classifyPQError(err, merr.StoreViolation)
	}

	return runID, nil
}

// ClaimQueuedRuns atomically transitions up to limit queued Runs to
// running, stamping started_at and worker_id. SKIP LOCKED guarantees two
// concurrent callers never claim the same row.
func (s *Store) ClaimQueuedRuns(ctx context.Context, limit int, workerID string) ([]*domain.Run, error) {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, merr.Wrap(merr.StoreViolation, "begin claim tx", err)
	}
	defer func() { _ = tx.Rollback() }()

	const selectQuery = `
		SELECT run_id FROM runs
		WHERE status = 'queued'
		ORDER BY created_at
		FOR UPDATE SKIP LOCKED
		LIMIT $1
	`

	rows, err := tx.QueryContext(ctx, selectQuery, limit)
	if err != nil {
		return nil, merr.Wrap(merr.StoreViolation, "select queued runs", err)
	}

	var runIDs []string

	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()

			return nil, merr.Wrap(merr.StoreViolation, "scan run id", err)
		}

		runIDs = append(runIDs, id)
	}

	if err := rows.Err(); err != nil {
		return nil, merr.Wrap(merr.StoreViolation, "iterate queued runs", err)
	}

	if err := rows.Close(); err != nil {
		return nil, merr.Wrap(merr.StoreViolation, "close rows", err)
	}

	if len(runIDs) == 0 {
		return nil, tx.Commit()
	}

	const updateQuery = `
		UPDATE runs
		SET status = 'running', started_at = now(), worker_id = $2
		WHERE run_id = ANY($1)
		RETURNING run_id, experiment_id, item_id, variant_key, spec_hash, status,
			output_canon_uri, output_sha256, started_at, ended_at, worker_id,
			error_code, error_detail, created_at
	`

	claimed, err := tx.QueryContext(ctx, updateQuery, pq.Array(runIDs), workerID)
	if err != nil {
		return nil, merr.Wrap(merr.StoreViolation, "claim queued runs", err)
	}
	defer func() { _ = claimed.Close() }()

	var runs []*domain.Run

	for claimed.Next() {
		run, err := scanRun(claimed)
		if err != nil {
			return nil, merr.Wrap(merr.StoreViolation, "scan claimed run", err)
		}

		runs = append(runs, run)
	}

	if err := claimed.Err(); err != nil {
		return nil, merr.Wrap(merr.StoreViolation, "iterate claimed runs", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, merr.Wrap(merr.StoreViolation, "commit claim tx", err)
	}

	return runs, nil
}

// FinishRun transitions a running Run to its terminal state, stamping
// ended_at. Any other from-status is rejected by
// domain.ValidateRunStatusTransition before the statement even runs.
func (s *Store) FinishRun(ctx context.Context, runID string, outcome Outcome) error {
	run, err := s.GetRun(ctx, runID)
	if err != nil {
		return err
	}

	target := domain.RunFailed
	if outcome.succeeded {
		target = domain.RunSucceeded
	}

	if err := domain.ValidateRunStatusTransition(run.Status, target); err != nil {
		return err
	}

	const query = `
		UPDATE runs
		SET status = $2, ended_at = now(), output_canon_uri = $3, output_sha256 = $4,
			error_code = $5, error_detail = $6
		WHERE run_id = $1 AND status = $7
	`

	res, err := s.conn.ExecContext(ctx, query,
		runID, target,
		nullString(outcome.canonURI), nullString(outcome.canonSHA256),
		nullString(outcome.errorCode), nullString(outcome.errorDetail),
		run.Status,
	)
	if err != nil {
		return classifyPQError(err, merr.StoreViolation)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return merr.Wrap(merr.StoreViolation, "rows affected", err)
	}

	if rows == 0 {
		return merr.New(merr.StoreViolation, "run status changed concurrently")
	}

	return nil
}

// GetRun looks up a Run by primary key.
func (s *Store) GetRun(ctx context.Context, runID string) (*domain.Run, error) {
	const query = `
		SELECT run_id, experiment_id, item_id, variant_key, spec_hash, status,
			output_canon_uri, output_sha256, started_at, ended_at, worker_id,
			error_code, error_detail, created_at
		FROM runs WHERE run_id = $1
	`

	run, err := scanRun(s.conn.QueryRowContext(ctx, query, runID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, merr.New(merr.NotFound, fmt.Sprintf("run %s", runID))
	}

	if err != nil {
		return nil, merr.Wrap(merr.StoreViolation, "get run", err)
	}

	return run, nil
}

// ListRunsByExperimentStatus lists Runs for an experiment, optionally
// filtered by status. An empty status lists every Run for the experiment.
func (s *Store) ListRunsByExperimentStatus(
	ctx context.Context, experimentID string, status domain.RunStatus,
) ([]*domain.Run, error) {
	query := `
		SELECT run_id, experiment_id, item_id, variant_key, spec_hash, status,
			output_canon_uri, output_sha256, started_at, ended_at, worker_id,
			error_code, error_detail, created_at
		FROM runs WHERE experiment_id = $1
	`

	args := []any{experimentID}

	if status != "" {
		query += " AND status = $2"
		args = append(args, status)
	}

	query += " ORDER BY created_at"

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, merr.Wrap(merr.StoreViolation, "list runs", err)
	}
	defer func() { _ = rows.Close() }()

	var runs []*domain.Run

	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, merr.Wrap(merr.StoreViolation, "scan run", err)
		}

		runs = append(runs, run)
	}

	return runs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*domain.Run, error) {
	var run domain.Run

	err := row.Scan(
		&run.RunID, &run.ExperimentID, &run.ItemID, &run.VariantKey, &run.SpecHash, &run.Status,
		&run.OutputCanonURI, &run.OutputSHA256, &run.StartedAt, &run.EndedAt, &run.WorkerID,
		&run.ErrorCode, &run.ErrorDetail, &run.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	return &run, nil
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}

	return &s
}

