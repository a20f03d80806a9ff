// Package pairwise generates de-duplicated human-comparison tasks over an
// experiment's succeeded runs and serves the next one available. It can
// be driven by polling (call GeneratePairs after a batch finishes) or by
// subscribing to run.succeeded events for faster coverage as runs trickle
// in; either way the underlying operation is the same idempotent fold.
package pairwise

import (
	"context"
	"crypto/rand"
	"log/slog"
	"sort"

	"github.com/mirage-run/mirage/internal/domain"
	"github.com/mirage-run/mirage/internal/events"
	"github.com/mirage-run/mirage/internal/merr"
	"github.com/mirage-run/mirage/internal/store"
)

// Generator owns one Store and produces comparison tasks from it.
type Generator struct {
	Store *store.Store
}

// NewGenerator constructs a Generator over the given store.
func NewGenerator(s *store.Store) *Generator {
	return &Generator{Store: s}
}

// GeneratePairs reads the succeeded runs for an experiment, diffs them
// against the pairs already backed by a Task, and inserts one Task per
// missing pair. Calling it twice in succession with no new succeeded
// runs in between yields createdCount=0, since the existing-pairs set
// already covers every combination.
func (g *Generator) GeneratePairs(ctx context.Context, experimentID string) (createdCount int, taskIDs []string, err error) {
	runs, err := g.Store.ListRunsByExperimentStatus(ctx, experimentID, domain.RunSucceeded)
	if err != nil {
		return 0, nil, err
	}

	if len(runs) < 2 {
		return 0, nil, nil
	}

	runIDs := make([]string, len(runs))
	for i, r := range runs {
		runIDs[i] = r.RunID
	}

	sort.Strings(runIDs)

	existing, err := g.Store.ExistingPairs(ctx, experimentID)
	if err != nil {
		return 0, nil, err
	}

	for i := 0; i < len(runIDs); i++ {
		for j := i + 1; j < len(runIDs); j++ {
			left, right := runIDs[i], runIDs[j]

			if _, present := existing[pairKey(left, right)]; present {
				continue
			}

			flip, err := randomBit()
			if err != nil {
				return createdCount, taskIDs, merr.Wrap(merr.StoreViolation, "generate flip bit", err)
			}

			presentedLeft, presentedRight := left, right
			if flip {
				presentedLeft, presentedRight = right, left
			}

			task := &domain.Task{
				ExperimentID:        experimentID,
				LeftRunID:           left,
				RightRunID:          right,
				PresentedLeftRunID:  presentedLeft,
				PresentedRightRunID: presentedRight,
				Flip:                flip,
			}

			if err := g.Store.InsertTask(ctx, task); err != nil {
				if merr.Is(err, merr.Conflict) {
					// a concurrent generator already inserted this pair
					continue
				}

				return createdCount, taskIDs, err
			}

			createdCount++
			taskIDs = append(taskIDs, task.TaskID)
		}
	}

	return createdCount, taskIDs, nil
}

// NextOpenTask returns any open task for the experiment, or a
// merr.NotFound wrapped error if none remain.
func (g *Generator) NextOpenTask(ctx context.Context, experimentID string) (*domain.Task, error) {
	return g.Store.OpenTask(ctx, experimentID)
}

// pairKey mirrors the unexported store.pairKeyOf: it builds a
// store.PairKey with min/max ordering of the two run IDs.
func pairKey(a, b string) store.PairKey {
	if a <= b {
		return store.PairKey{Low: a, High: b}
	}

	return store.PairKey{Low: b, High: a}
}

func randomBit() (bool, error) {
	var buf [1]byte

	if _, err := rand.Read(buf[:]); err != nil {
		return false, err
	}

	return buf[0]&1 == 1, nil
}

// Subscriber drives GeneratePairs from run.succeeded events instead of an
// external poll loop, so additional tasks appear shortly after enough
// runs finish to form a new pair, without the caller needing to track
// which experiments recently changed.
type Subscriber struct {
	Generator *Generator
	Events    events.Subscriber
	Logger    *slog.Logger
}

// Run subscribes to run.succeeded and re-generates pairs for the
// affected experiment on every event, until ctx is cancelled.
func (s *Subscriber) Run(ctx context.Context) error {
	return s.Events.Subscribe(ctx, events.TopicRunSucceeded, func(e events.RunEvent) {
		created, _, err := s.Generator.GeneratePairs(ctx, e.ExperimentID)
		if err != nil {
			s.Logger.Error("generate_pairs on run.succeeded failed", "experiment_id", e.ExperimentID, "error", err)
			return
		}

		if created > 0 {
			s.Logger.Info("generated pairwise tasks", "experiment_id", e.ExperimentID, "created_count", created)
		}
	})
}
