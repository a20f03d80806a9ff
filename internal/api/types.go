// Package api provides HTTP API server implementation for the mirage service.
package api

import (
	"encoding/json"
	"time"

	"github.com/mirage-run/mirage/internal/aggregator"
	"github.com/mirage-run/mirage/internal/domain"
	"github.com/mirage-run/mirage/internal/metrics"
)

// ExperimentOverview is the response body for GET /experiments/{id}: the
// experiment's metadata, its generation spec, the dataset item inferred
// from the first run's item_id, every run's detail, and the current
// pairwise summary.
type ExperimentOverview struct {
	ExperimentID   string                  `json:"experiment_id"`
	Status         domain.ExperimentStatus `json:"status"`
	CreatedAt      time.Time               `json:"created_at"`
	UpdatedAt      time.Time               `json:"updated_at"`
	GenerationSpec GenerationSpecView      `json:"generation_spec"`
	DatasetItem    *DatasetItemView        `json:"dataset_item,omitempty"`
	Runs           []RunDetail             `json:"runs"`
	Summary        SummaryView             `json:"summary"`
}

// GenerationSpecView is the JSON projection of domain.GenerationSpec.
type GenerationSpecView struct {
	GenerationSpecID string          `json:"generation_spec_id"`
	Provider         string          `json:"provider"`
	Model            string          `json:"model"`
	ModelVersion     *string         `json:"model_version,omitempty"`
	PromptTemplate   string          `json:"prompt_template"`
	Params           json.RawMessage `json:"params"`
	SeedPolicy       json.RawMessage `json:"seed_policy"`
}

func newGenerationSpecView(spec *domain.GenerationSpec) GenerationSpecView {
	return GenerationSpecView{
		GenerationSpecID: spec.GenerationSpecID,
		Provider:         spec.Provider,
		Model:            spec.Model,
		ModelVersion:     spec.ModelVersion,
		PromptTemplate:   spec.PromptTemplate,
		Params:           spec.Params,
		SeedPolicy:       spec.SeedPolicy,
	}
}

// DatasetItemView is the JSON projection of domain.DatasetItem.
type DatasetItemView struct {
	ItemID         string  `json:"item_id"`
	SubjectID      string  `json:"subject_id"`
	SourceVideoURI string  `json:"source_video_uri"`
	AudioURI       string  `json:"audio_uri"`
	RefImageURI    *string `json:"ref_image_uri,omitempty"`
}

func newDatasetItemView(item *domain.DatasetItem) *DatasetItemView {
	if item == nil {
		return nil
	}

	return &DatasetItemView{
		ItemID:         item.ItemID,
		SubjectID:      item.SubjectID,
		SourceVideoURI: item.SourceVideoURI,
		AudioURI:       item.AudioURI,
		RefImageURI:    item.RefImageURI,
	}
}

// RunDetail is the response body for GET /runs/{id}, and is also embedded
// in ExperimentOverview.Runs. StatusBadge and Reasons are populated from
// the run's MetricBundleV1 when a metric result is present, and left nil
// otherwise, per the Read API's fixed contract.
type RunDetail struct {
	RunID          string               `json:"run_id"`
	ExperimentID   string               `json:"experiment_id"`
	ItemID         string               `json:"item_id"`
	VariantKey     string               `json:"variant_key"`
	SpecHash       string               `json:"spec_hash"`
	Status         domain.RunStatus     `json:"status"`
	OutputCanonURI *string              `json:"output_canon_uri,omitempty"`
	OutputSHA256   *string              `json:"output_sha256,omitempty"`
	StartedAt      *time.Time           `json:"started_at,omitempty"`
	EndedAt        *time.Time           `json:"ended_at,omitempty"`
	WorkerID       *string              `json:"worker_id,omitempty"`
	ErrorCode      *string              `json:"error_code,omitempty"`
	ErrorDetail    *string              `json:"error_detail,omitempty"`
	CreatedAt      time.Time            `json:"created_at"`
	MetricBundle   *metrics.BundleV1    `json:"metric_bundle,omitempty"`
	StatusBadge    *metrics.StatusBadge `json:"status_badge,omitempty"`
	Reasons        []string             `json:"reasons,omitempty"`
}

func newRunDetail(run *domain.Run, bundle *metrics.BundleV1) RunDetail {
	detail := RunDetail{
		RunID:          run.RunID,
		ExperimentID:   run.ExperimentID,
		ItemID:         run.ItemID,
		VariantKey:     run.VariantKey,
		SpecHash:       run.SpecHash,
		Status:         run.Status,
		OutputCanonURI: run.OutputCanonURI,
		OutputSHA256:   run.OutputSHA256,
		StartedAt:      run.StartedAt,
		EndedAt:        run.EndedAt,
		WorkerID:       run.WorkerID,
		ErrorCode:      run.ErrorCode,
		ErrorDetail:    run.ErrorDetail,
		CreatedAt:      run.CreatedAt,
	}

	if bundle != nil {
		detail.MetricBundle = bundle
		detail.StatusBadge = &bundle.StatusBadge
		detail.Reasons = bundle.Reasons
	}

	return detail
}

// TaskDetail is the response body for GET /tasks/{id} and
// GET /experiments/{id}/tasks/next.
type TaskDetail struct {
	TaskID              string            `json:"task_id"`
	ExperimentID        string            `json:"experiment_id"`
	LeftRunID           string            `json:"left_run_id"`
	RightRunID          string            `json:"right_run_id"`
	PresentedLeftRunID  string            `json:"presented_left_run_id"`
	PresentedRightRunID string            `json:"presented_right_run_id"`
	Status              domain.TaskStatus `json:"status"`
	CreatedAt           time.Time         `json:"created_at"`
}

func newTaskDetail(task *domain.Task) TaskDetail {
	return TaskDetail{
		TaskID:              task.TaskID,
		ExperimentID:        task.ExperimentID,
		LeftRunID:           task.LeftRunID,
		RightRunID:          task.RightRunID,
		PresentedLeftRunID:  task.PresentedLeftRunID,
		PresentedRightRunID: task.PresentedRightRunID,
		Status:              task.Status,
		CreatedAt:           task.CreatedAt,
	}
}

// TasksCreatedResponse is the response body for POST /experiments/{id}/tasks.
type TasksCreatedResponse struct {
	TasksCreated int    `json:"tasks_created"`
	ExperimentID string `json:"experiment_id"`
}

// CreateRatingRequest is the request body for POST /ratings.
type CreateRatingRequest struct {
	TaskID            string               `json:"task_id"`
	RaterID           string               `json:"rater_id"`
	ChoiceRealism     domain.RatingChoice  `json:"choice_realism"`
	ChoiceLipsync     domain.RatingChoice  `json:"choice_lipsync"`
	ChoiceTargetMatch *domain.RatingChoice `json:"choice_target_match,omitempty"`
	Notes             *string              `json:"notes,omitempty"`
}

// RatingCreatedResponse is the response body for POST /ratings.
type RatingCreatedResponse struct {
	RatingID string `json:"rating_id"`
	TaskID   string `json:"task_id"`
}

// SummaryView is the JSON projection of aggregator.Summary for
// GET /experiments/{id}/summary and ExperimentOverview.Summary.
type SummaryView struct {
	WinRates         map[string]float64 `json:"win_rates"`
	RecommendedPick  *string            `json:"recommended_pick"`
	TotalComparisons int                `json:"total_comparisons"`
}

func newSummaryView(s aggregator.Summary) SummaryView {
	return SummaryView{
		WinRates:         s.WinRates,
		RecommendedPick:  s.RecommendedPick,
		TotalComparisons: s.TotalComparisons,
	}
}

// ExportDocument is the response body for GET /experiments/{id}/export: a
// complete, self-contained dump of one experiment, its tasks, and its
// ratings, suitable for archival or offline analysis.
type ExportDocument struct {
	Experiment ExperimentOverview `json:"experiment"`
	Tasks      []ExportTask       `json:"tasks"`
}

// ExportTask pairs a TaskDetail with the ratings recorded against it.
type ExportTask struct {
	TaskDetail
	Ratings []RatingView `json:"ratings"`
}

// RatingView is the JSON projection of domain.Rating.
type RatingView struct {
	RatingID          string               `json:"rating_id"`
	TaskID            string               `json:"task_id"`
	RaterID           string               `json:"rater_id"`
	ChoiceRealism     domain.RatingChoice  `json:"choice_realism"`
	ChoiceLipsync     domain.RatingChoice  `json:"choice_lipsync"`
	ChoiceTargetMatch *domain.RatingChoice `json:"choice_target_match,omitempty"`
	Notes             *string              `json:"notes,omitempty"`
	CreatedAt         time.Time            `json:"created_at"`
}

func newRatingView(r *domain.Rating) RatingView {
	return RatingView{
		RatingID:          r.RatingID,
		TaskID:            r.TaskID,
		RaterID:           r.RaterID,
		ChoiceRealism:     r.ChoiceRealism,
		ChoiceLipsync:     r.ChoiceLipsync,
		ChoiceTargetMatch: r.ChoiceTargetMatch,
		Notes:             r.Notes,
		CreatedAt:         r.CreatedAt,
	}
}

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}
