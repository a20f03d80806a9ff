// Package manifest loads an experiment's declarative description (a
// dataset item, a generation spec, and a seed policy) from a YAML file
// and applies it against the store, the way seed_demo.py bootstraps a
// demo run in the original implementation. Re-applying the same file
// re-uses an existing experiment when the manifest names its ID, but the
// dataset items are inserted again with fresh IDs, so a new set of runs
// is enqueued for them.
package manifest

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/mirage-run/mirage/internal/domain"
	"github.com/mirage-run/mirage/internal/identity"
	"github.com/mirage-run/mirage/internal/store"
)

type (
	// DatasetItem is one manifest entry's source material.
	DatasetItem struct {
		SubjectID      string  `yaml:"subject_id"`
		SourceVideoURI string  `yaml:"source_video_uri"`
		AudioURI       string  `yaml:"audio_uri"`
		RefImageURI    *string `yaml:"ref_image_uri,omitempty"`
	}

	// GenerationSpec is the manifest's description of how to call a
	// provider, with Params left as a raw YAML map so it round-trips
	// to JSON without mirage needing to know a provider's shape.
	GenerationSpec struct {
		Provider       string         `yaml:"provider"`
		Model          string         `yaml:"model"`
		ModelVersion   *string        `yaml:"model_version,omitempty"`
		PromptTemplate string         `yaml:"prompt_template"`
		Params         map[string]any `yaml:"params"`
		Seeds          []int          `yaml:"seeds"`
	}

	// Manifest is the top-level YAML document: one experiment's items,
	// spec, and seed policy.
	Manifest struct {
		ExperimentID string         `yaml:"experiment_id"`
		Items        []DatasetItem  `yaml:"items"`
		Spec         GenerationSpec `yaml:"generation_spec"`
	}
)

// Load reads and parses a manifest file. It does not touch the store.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path is an operator-supplied CLI argument
	if err != nil {
		return nil, fmt.Errorf("manifest: read %s: %w", path, err)
	}

	var m Manifest

	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("manifest: parse %s: %w", path, err)
	}

	return &m, nil
}

// ApplyResult reports what Apply did, so a CLI can print a useful
// summary without re-querying the store.
type ApplyResult struct {
	ExperimentID string
	ItemIDs      []string
	RunsEnqueued int
}

// Apply seeds the store with the manifest's dataset items, generation
// spec, and experiment (reusing an existing experiment by ID if one is
// given and already present), then enqueues one Run per (item, seed)
// pair. Re-applying the same manifest is safe: EnqueueRun itself is
// idempotent per (experiment, item, variant_key), and dataset items are
// re-inserted fresh each time since the manifest does not name their IDs.
func Apply(ctx context.Context, s *store.Store, m *Manifest) (ApplyResult, error) {
	if m.ExperimentID != "" {
		if existing, err := s.GetExperiment(ctx, m.ExperimentID); err == nil {
			return applyRuns(ctx, s, m, existing)
		}
	}

	paramsJSON, err := json.Marshal(m.Spec.Params)
	if err != nil {
		return ApplyResult{}, fmt.Errorf("manifest: marshal params: %w", err)
	}

	seedPolicyJSON, err := json.Marshal(map[string]any{"seeds": m.Spec.Seeds})
	if err != nil {
		return ApplyResult{}, fmt.Errorf("manifest: marshal seed policy: %w", err)
	}

	spec := &domain.GenerationSpec{
		Provider:       m.Spec.Provider,
		Model:          m.Spec.Model,
		ModelVersion:   m.Spec.ModelVersion,
		PromptTemplate: m.Spec.PromptTemplate,
		Params:         paramsJSON,
		SeedPolicy:     seedPolicyJSON,
	}
	if err := s.InsertGenerationSpec(ctx, spec); err != nil {
		return ApplyResult{}, fmt.Errorf("manifest: insert generation spec: %w", err)
	}

	experiment := &domain.Experiment{
		ExperimentID:     m.ExperimentID,
		GenerationSpecID: spec.GenerationSpecID,
		Status:           domain.ExperimentRunning,
	}
	if err := s.InsertExperiment(ctx, experiment); err != nil {
		return ApplyResult{}, fmt.Errorf("manifest: insert experiment: %w", err)
	}

	return applyRuns(ctx, s, m, experiment)
}

func applyRuns(ctx context.Context, s *store.Store, m *Manifest, experiment *domain.Experiment) (ApplyResult, error) {
	paramsJSON, err := json.Marshal(m.Spec.Params)
	if err != nil {
		return ApplyResult{}, fmt.Errorf("manifest: marshal params: %w", err)
	}

	result := ApplyResult{ExperimentID: experiment.ExperimentID}

	for _, item := range m.Items {
		storeItem := &domain.DatasetItem{
			SubjectID:      item.SubjectID,
			SourceVideoURI: item.SourceVideoURI,
			AudioURI:       item.AudioURI,
			RefImageURI:    item.RefImageURI,
		}
		if err := s.InsertDatasetItem(ctx, storeItem); err != nil {
			return result, fmt.Errorf("manifest: insert dataset item: %w", err)
		}

		result.ItemIDs = append(result.ItemIDs, storeItem.ItemID)

		audioSHA256, err := identity.SHA256File(trimFileScheme(item.AudioURI))
		if err != nil {
			return result, fmt.Errorf("manifest: hash audio for item %s: %w", storeItem.ItemID, err)
		}

		var refImageSHA256 *string

		if item.RefImageURI != nil {
			sha, err := identity.SHA256File(trimFileScheme(*item.RefImageURI))
			if err != nil {
				return result, fmt.Errorf("manifest: hash ref image for item %s: %w", storeItem.ItemID, err)
			}

			refImageSHA256 = &sha
		}

		for _, seed := range m.Spec.Seeds {
			variantKey := fmt.Sprintf("seed=%d", seed)

			specHash, err := identity.SpecHash(
				m.Spec.Provider, m.Spec.Model, m.Spec.ModelVersion,
				m.Spec.PromptTemplate, string(paramsJSON), seed,
				audioSHA256, refImageSHA256,
			)
			if err != nil {
				return result, fmt.Errorf("manifest: compute spec hash: %w", err)
			}

			run := &domain.Run{
				RunID:        identity.RunID(experiment.ExperimentID, storeItem.ItemID, variantKey, specHash),
				ExperimentID: experiment.ExperimentID,
				ItemID:       storeItem.ItemID,
				VariantKey:   variantKey,
				SpecHash:     specHash,
			}

			if _, err := s.EnqueueRun(ctx, run); err != nil {
				return result, fmt.Errorf("manifest: enqueue run %s/%s: %w", storeItem.ItemID, variantKey, err)
			}

			result.RunsEnqueued++
		}
	}

	return result, nil
}

func trimFileScheme(uri string) string {
	return strings.TrimPrefix(uri, "file://")
}
