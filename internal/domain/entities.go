// Package domain holds mirage's pure entity model: the eight record types
// from the data model and their status enums. These are storage-agnostic
// Go structs, not API contracts. internal/api maps them to/from JSON, and
// internal/store maps them to/from Postgres rows.
package domain

import (
	"encoding/json"
	"time"
)

type (
	// DatasetItem is one subject's source material: a video to drive and,
	// optionally, a reference image for identity conditioning.
	DatasetItem struct {
		ItemID         string
		SubjectID      string
		SourceVideoURI string
		AudioURI       string
		RefImageURI    *string
	}

	// GenerationSpec is a reusable description of how to call a provider:
	// which model, which prompt, and which seeds to enumerate across runs.
	GenerationSpec struct {
		GenerationSpecID string
		Provider         string
		Model            string
		ModelVersion     *string
		PromptTemplate   string
		Params           json.RawMessage
		SeedPolicy       json.RawMessage
	}

	// Experiment groups a GenerationSpec with the Runs it produces.
	Experiment struct {
		ExperimentID     string
		GenerationSpecID string
		Status           ExperimentStatus
		CreatedAt        time.Time
		UpdatedAt        time.Time
	}

	// Run is one (experiment, item, variant) generation attempt. RunID is
	// content-addressed: H(experiment_id ‖ item_id ‖ variant_key ‖ spec_hash).
	Run struct {
		RunID          string
		ExperimentID   string
		ItemID         string
		VariantKey     string
		SpecHash       string
		Status         RunStatus
		OutputCanonURI *string
		OutputSHA256   *string
		StartedAt      *time.Time
		EndedAt        *time.Time
		WorkerID       *string
		ErrorCode      *string
		ErrorDetail    *string
		CreatedAt      time.Time
	}

	// ProviderCall records one attempt at a provider for a Run. The
	// (provider, provider_idempotency_key) pair is unique across the
	// store, so a run's output is paid for at most once regardless of how
	// many times the run is processed.
	ProviderCall struct {
		ProviderCallID         string
		RunID                  string
		Provider               string
		ProviderIdempotencyKey string
		Attempt                int
		Status                 ProviderCallStatus
		ProviderJobID          *string
		RawArtifactURI         *string
		RawArtifactSHA256      *string
		Cost                   float64
		LatencyMS              int
		CreatedAt              time.Time
		CompletedAt            *time.Time
	}

	// MetricResult is one named, versioned metrics computation over a
	// Run's canonical output. Different metric_versions coexist; the same
	// version is written at most once per run.
	MetricResult struct {
		MetricResultID string
		RunID          string
		MetricName     string
		MetricVersion  string
		Value          json.RawMessage
		Status         MetricResultStatus
		CreatedAt      time.Time
	}

	// Task is a pairwise comparison between two succeeded Runs. LeftRunID
	// and RightRunID are the canonical, order-independent pair; Presented*
	// is what the rater actually saw, scrambled by Flip so raters can't
	// infer a left/right generation bias from storage order.
	Task struct {
		TaskID              string
		ExperimentID        string
		LeftRunID           string
		RightRunID          string
		PresentedLeftRunID  string
		PresentedRightRunID string
		Flip                bool
		Status              TaskStatus
		CreatedAt           time.Time
	}

	// Rating is one rater's judgment of a Task. Append-only: ratings are
	// never updated or deleted once recorded.
	Rating struct {
		RatingID          string
		TaskID            string
		RaterID           string
		ChoiceRealism     RatingChoice
		ChoiceLipsync     RatingChoice
		ChoiceTargetMatch *RatingChoice
		Notes             *string
		CreatedAt         time.Time
	}
)

// PresentedPair returns the two run IDs in the order the rater actually
// saw them: (left, right) if not flipped, (right, left) if flipped. This
// is the presentation invariant (I6) expressed as a function instead of
// duplicated inline at every call site.
func (t Task) PresentedPair() (presentedLeft, presentedRight string) {
	if t.Flip {
		return t.RightRunID, t.LeftRunID
	}

	return t.LeftRunID, t.RightRunID
}
