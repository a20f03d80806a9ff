package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/mirage-run/mirage/internal/domain"
	"github.com/mirage-run/mirage/internal/merr"
)

// WriteMetricResult persists one metrics computation for a Run. Writes are
// append-only across metric_version, but UNIQUE(run_id, metric_name,
// metric_version) rejects a duplicate write of the same version.
func (s *Store) WriteMetricResult(
	ctx context.Context, runID, metricName, metricVersion string,
	value json.RawMessage, status domain.MetricResultStatus,
) (*domain.MetricResult, error) {
	const query = `
		INSERT INTO metric_results (metric_result_id, run_id, metric_name, metric_version, value, status)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING metric_result_id, run_id, metric_name, metric_version, value, status, created_at
	`

	result, err := scanMetricResult(s.conn.QueryRowContext(
		ctx, query, uuid.New().String(), runID, metricName, metricVersion, string(value), status,
	))
	if err != nil {
		return nil, classifyPQError(err, merr.Metrics)
	}

	return result, nil
}

// GetMetricResult looks up the metric result for a run at a given name and
// version.
func (s *Store) GetMetricResult(ctx context.Context, runID, metricName, metricVersion string) (*domain.MetricResult, error) {
	const query = `
		SELECT metric_result_id, run_id, metric_name, metric_version, value, status, created_at
		FROM metric_results WHERE run_id = $1 AND metric_name = $2 AND metric_version = $3
	`

	result, err := scanMetricResult(s.conn.QueryRowContext(ctx, query, runID, metricName, metricVersion))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, merr.New(merr.NotFound, fmt.Sprintf("metric result for run %s", runID))
	}

	if err != nil {
		return nil, merr.Wrap(merr.StoreViolation, "get metric result", err)
	}

	return result, nil
}

func scanMetricResult(row rowScanner) (*domain.MetricResult, error) {
	var r domain.MetricResult

	err := row.Scan(&r.MetricResultID, &r.RunID, &r.MetricName, &r.MetricVersion, &r.Value, &r.Status, &r.CreatedAt)
	if err != nil {
		return nil, err
	}

	return &r, nil
}
