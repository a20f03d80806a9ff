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

// UpsertProviderCallStarted implements the provider cost guard: at most one
// completed ProviderCall exists per (provider, idempotency_key). If one
// already completed, it is returned unchanged (reused bool is true) so the
// orchestrator can skip the provider step entirely. If a created call
// exists (a prior attempt that never completed), it is returned for retry.
// Otherwise a fresh created row is inserted.
func (s *Store) UpsertProviderCallStarted(
	ctx context.Context, runID, provider, idempotencyKey string,
) (call *domain.ProviderCall, reused bool, err error) {
	const selectQuery = `
		SELECT provider_call_id, run_id, provider, provider_idempotency_key, attempt, status,
			provider_job_id, raw_artifact_uri, raw_artifact_sha256, cost, latency_ms,
			created_at, completed_at
		FROM provider_calls WHERE provider = $1 AND provider_idempotency_key = $2
		ORDER BY attempt DESC LIMIT 1
	`

	existing, err := scanProviderCall(s.conn.QueryRowContext(ctx, selectQuery, provider, idempotencyKey))
	switch {
	case errors.Is(err, sql.ErrNoRows):
		// fall through to insert below
	case err != nil:
		return nil, false, merr.Wrap(merr.StoreViolation, "lookup provider call", err)
	default:
		if existing.Status == domain.ProviderCallCompleted {
			return existing, true, nil
		}

		if existing.Status == domain.ProviderCallFailed {
			return nil, false, merr.New(merr.Conflict,
				fmt.Sprintf("provider call %s failed; its idempotency key stays blocked", existing.ProviderCallID))
		}

		return existing, false, nil
	}

	const insertQuery = `
		INSERT INTO provider_calls (provider_call_id, run_id, provider, provider_idempotency_key, attempt, status)
		VALUES ($1, $2, $3, $4, 1, 'created')
		RETURNING provider_call_id, run_id, provider, provider_idempotency_key, attempt, status,
			provider_job_id, raw_artifact_uri, raw_artifact_sha256, cost, latency_ms,
			created_at, completed_at
	`

	call, err = scanProviderCall(s.conn.QueryRowContext(
		ctx, insertQuery, uuid.New().String(), runID, provider, idempotencyKey,
	))
	if err != nil {
		return nil, false, classifyPQError(err, merr.StoreViolation)
	}

	return call, false, nil
}

// CompleteProviderCall transitions a created ProviderCall to completed.
// Requires the current status to be created; any other status is rejected.
func (s *Store) CompleteProviderCall(
	ctx context.Context,
	providerCallID, rawArtifactURI, rawArtifactSHA256 string,
	providerJobID *string, cost *float64, latencyMS *int,
) error {
	const query = `
		UPDATE provider_calls
		SET status = 'completed', raw_artifact_uri = $2, raw_artifact_sha256 = $3,
			provider_job_id = $4, cost = $5, latency_ms = $6, completed_at = now()
		WHERE provider_call_id = $1 AND status = 'created'
	`

	res, err := s.conn.ExecContext(ctx, query,
		providerCallID, rawArtifactURI, rawArtifactSHA256, providerJobID, cost, latencyMS,
	)
	if err != nil {
		return classifyPQError(err, merr.StoreViolation)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return merr.Wrap(merr.StoreViolation, "rows affected", err)
	}

	if rows == 0 {
		return merr.New(merr.StoreViolation, fmt.Sprintf("provider call %s not in created status", providerCallID))
	}

	return nil
}

// MarkProviderCallFailed transitions a created ProviderCall to failed. The
// uniqueness record on (provider, idempotency_key) remains, blocking a
// second charge for the same key until an operator explicitly voids it.
func (s *Store) MarkProviderCallFailed(ctx context.Context, providerCallID string) error {
	const query = `
		UPDATE provider_calls SET status = 'failed', completed_at = now()
		WHERE provider_call_id = $1 AND status = 'created'
	`

	_, err := s.conn.ExecContext(ctx, query, providerCallID)
	if err != nil {
		return classifyPQError(err, merr.StoreViolation)
	}

	return nil
}

func scanProviderCall(row rowScanner) (*domain.ProviderCall, error) {
	var (
		call sql.NullFloat64
		lat  sql.NullInt64
		c    domain.ProviderCall
	)

	err := row.Scan(
		&c.ProviderCallID, &c.RunID, &c.Provider, &c.ProviderIdempotencyKey, &c.Attempt, &c.Status,
		&c.ProviderJobID, &c.RawArtifactURI, &c.RawArtifactSHA256, &call, &lat,
		&c.CreatedAt, &c.CompletedAt,
	)
	if err != nil {
		return nil, err
	}

	c.Cost = call.Float64
	c.LatencyMS = int(lat.Int64)

	return &c, nil
}
