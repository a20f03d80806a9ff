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

// InsertDatasetItem stores a DatasetItem, generating ItemID if empty.
func (s *Store) InsertDatasetItem(ctx context.Context, item *domain.DatasetItem) error {
	if item.ItemID == "" {
		item.ItemID = uuid.New().String()
	}

	const query = `
		INSERT INTO dataset_items (item_id, subject_id, source_video_uri, audio_uri, ref_image_uri)
		VALUES ($1, $2, $3, $4, $5)
	`

	_, err := s.conn.ExecContext(ctx, query,
		item.ItemID, item.SubjectID, item.SourceVideoURI, item.AudioURI, item.RefImageURI,
	)
	if err != nil {
		return classifyPQError(err, merr.StoreViolation)
	}

	return nil
}

// GetDatasetItem looks up a DatasetItem by primary key.
func (s *Store) GetDatasetItem(ctx context.Context, itemID string) (*domain.DatasetItem, error) {
	const query = `
		SELECT item_id, subject_id, source_video_uri, audio_uri, ref_image_uri
		FROM dataset_items WHERE item_id = $1
	`

	var item domain.DatasetItem

	err := s.conn.QueryRowContext(ctx, query, itemID).Scan(
		&item.ItemID, &item.SubjectID, &item.SourceVideoURI, &item.AudioURI, &item.RefImageURI,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, merr.New(merr.NotFound, fmt.Sprintf("dataset item %s", itemID))
	}

	if err != nil {
		return nil, merr.Wrap(merr.StoreViolation, "get dataset item", err)
	}

	return &item, nil
}

// InsertGenerationSpec stores a GenerationSpec, generating its ID if empty.
func (s *Store) InsertGenerationSpec(ctx context.Context, spec *domain.GenerationSpec) error {
	if spec.GenerationSpecID == "" {
		spec.GenerationSpecID = uuid.New().String()
	}

	const query = `
		INSERT INTO generation_specs
			(generation_spec_id, provider, model, model_version, prompt_template, params, seed_policy)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	_, err := s.conn.ExecContext(ctx, query,
		spec.GenerationSpecID, spec.Provider, spec.Model, spec.ModelVersion,
		spec.PromptTemplate, string(spec.Params), string(spec.SeedPolicy),
	)
	if err != nil {
		return classifyPQError(err, merr.StoreViolation)
	}

	return nil
}

// GetGenerationSpec looks up a GenerationSpec by primary key.
func (s *Store) GetGenerationSpec(ctx context.Context, id string) (*domain.GenerationSpec, error) {
	const query = `
		SELECT generation_spec_id, provider, model, model_version, prompt_template, params, seed_policy
		FROM generation_specs WHERE generation_spec_id = $1
	`

	var spec domain.GenerationSpec

	err := s.conn.QueryRowContext(ctx, query, id).Scan(
		&spec.GenerationSpecID, &spec.Provider, &spec.Model, &spec.ModelVersion,
		&spec.PromptTemplate, &spec.Params, &spec.SeedPolicy,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, merr.New(merr.NotFound, fmt.Sprintf("generation spec %s", id))
	}

	if err != nil {
		return nil, merr.Wrap(merr.StoreViolation, "get generation spec", err)
	}

	return &spec, nil
}

// InsertExperiment stores an Experiment, generating its ID if empty and
// defaulting its status to draft if empty.
func (s *Store) InsertExperiment(ctx context.Context, exp *domain.Experiment) error {
	if exp.ExperimentID == "" {
		exp.ExperimentID = uuid.New().String()
	}

	if exp.Status == "" {
		exp.Status = domain.ExperimentDraft
	}

	const query = `
		INSERT INTO experiments (experiment_id, generation_spec_id, status)
		VALUES ($1, $2, $3)
		RETURNING created_at, updated_at
	`

	err := s.conn.QueryRowContext(ctx, query, exp.ExperimentID, exp.GenerationSpecID, exp.Status).
		Scan(&exp.CreatedAt, &exp.UpdatedAt)
	if err != nil {
		return classifyPQError(err, merr.StoreViolation)
	}

	return nil
}

// GetExperiment looks up an Experiment by primary key.
func (s *Store) GetExperiment(ctx context.Context, experimentID string) (*domain.Experiment, error) {
	const query = `
		SELECT experiment_id, generation_spec_id, status, created_at, updated_at
		FROM experiments WHERE experiment_id = $1
	`

	var exp domain.Experiment

	err := s.conn.QueryRowContext(ctx, query, experimentID).Scan(
		&exp.ExperimentID, &exp.GenerationSpecID, &exp.Status, &exp.CreatedAt, &exp.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, merr.New(merr.NotFound, fmt.Sprintf("experiment %s", experimentID))
	}

	if err != nil {
		return nil, merr.Wrap(merr.StoreViolation, "get experiment", err)
	}

	return &exp, nil
}

// UpdateExperimentStatus transitions an Experiment's status. Unlike Run,
// Experiment status is descriptive progress tracking, not an invariant the
// store enforces monotonicity on: an operator may move it back to
// "running" after marking it "complete" to extend the study.
func (s *Store) UpdateExperimentStatus(ctx context.Context, experimentID string, status domain.ExperimentStatus) error {
	const query = `
		UPDATE experiments SET status = $2, updated_at = now() WHERE experiment_id = $1
	`

	res, err := s.conn.ExecContext(ctx, query, experimentID, status)
	if err != nil {
		return classifyPQError(err, merr.StoreViolation)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return merr.Wrap(merr.StoreViolation, "rows affected", err)
	}

	if rows == 0 {
		return merr.New(merr.NotFound, fmt.Sprintf("experiment %s", experimentID))
	}

	return nil
}
