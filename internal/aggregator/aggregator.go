// Package aggregator folds an experiment's done Tasks and their Ratings
// into a Summary: per-run win rates and a single recommended pick. The
// fold is pure given a point-in-time snapshot from the store: calling
// Summarize twice against an unchanged store yields an identical Summary.
package aggregator

import (
	"context"
	"sort"

	"github.com/mirage-run/mirage/internal/domain"
	"github.com/mirage-run/mirage/internal/store"
)

const winUnit = 0.5
const tieUnit = 0.25

// Summary is the aggregator's output. WinRates covers every Run ID the
// experiment has ever produced, including ones with zero comparisons
// (win rate 0). RecommendedPick is nil only when the experiment has no
// runs at all.
type Summary struct {
	WinRates         map[string]float64
	RecommendedPick  *string
	TotalComparisons int
}

// Summarizer computes Summary from a Store.
type Summarizer struct {
	Store *store.Store
}

// NewSummarizer constructs a Summarizer over the given store.
func NewSummarizer(s *store.Store) *Summarizer {
	return &Summarizer{Store: s}
}

// Summarize folds every done task's two rating dimensions (realism,
// lipsync) into win-rate mass for the task's canonical left/right runs.
// Skip and tie are handled explicitly; target-match is never counted.
func (a *Summarizer) Summarize(ctx context.Context, experimentID string) (Summary, error) {
	runs, err := a.Store.ListRunsByExperimentStatus(ctx, experimentID, "")
	if err != nil {
		return Summary{}, err
	}

	wins := make(map[string]float64, len(runs))
	for _, r := range runs {
		wins[r.RunID] = 0
	}

	doneTasks, err := a.Store.ListTasksByExperimentStatus(ctx, experimentID, domain.TaskDone)
	if err != nil {
		return Summary{}, err
	}

	taskIDs := make([]string, len(doneTasks))
	tasksByID := make(map[string]*domain.Task, len(doneTasks))

	for i, t := range doneTasks {
		taskIDs[i] = t.TaskID
		tasksByID[t.TaskID] = t
	}

	ratings, err := a.Store.ListRatingsByTasks(ctx, taskIDs)
	if err != nil {
		return Summary{}, err
	}

	n := 0

	for _, rating := range ratings {
		task, ok := tasksByID[rating.TaskID]
		if !ok {
			continue
		}

		n++

		applyChoice(wins, task, rating.ChoiceRealism)
		applyChoice(wins, task, rating.ChoiceLipsync)
	}

	denom := float64(2 * n)
	if n == 0 {
		denom = 1
	}

	winRates := make(map[string]float64, len(wins))
	for runID, w := range wins {
		winRates[runID] = w / denom
	}

	return Summary{
		WinRates:         winRates,
		RecommendedPick:  recommendedPick(winRates),
		TotalComparisons: n,
	}, nil
}

// applyChoice credits one rating dimension's win mass to the task's
// canonical left/right runs, accounting for whether the task flipped
// which run was presented on which side.
func applyChoice(wins map[string]float64, task *domain.Task, choice domain.RatingChoice) {
	switch choice {
	case domain.ChoiceLeft:
		if task.Flip {
			wins[task.RightRunID] += winUnit
		} else {
			wins[task.LeftRunID] += winUnit
		}
	case domain.ChoiceRight:
		if task.Flip {
			wins[task.LeftRunID] += winUnit
		} else {
			wins[task.RightRunID] += winUnit
		}
	case domain.ChoiceTie:
		wins[task.LeftRunID] += tieUnit
		wins[task.RightRunID] += tieUnit
	case domain.ChoiceSkip:
		// no change
	}
}

// recommendedPick returns the run_id with the highest win rate, breaking
// ties by lexicographically smallest run_id. Nil if winRates is empty.
func recommendedPick(winRates map[string]float64) *string {
	if len(winRates) == 0 {
		return nil
	}

	runIDs := make([]string, 0, len(winRates))
	for runID := range winRates {
		runIDs = append(runIDs, runID)
	}

	sort.Strings(runIDs)

	best := runIDs[0]

	for _, runID := range runIDs[1:] {
		if winRates[runID] > winRates[best] {
			best = runID
		}
	}

	return &best
}
