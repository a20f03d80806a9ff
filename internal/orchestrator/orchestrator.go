// Package orchestrator runs the per-worker claim→generate→normalize→
// measure→finish pipeline for queued Runs. It is the single writer of a
// Run's terminal state: every step's failure is caught here and turned
// into finish_run(Failed{...}), never propagated to the poll loop.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/mirage-run/mirage/internal/domain"
	"github.com/mirage-run/mirage/internal/events"
	"github.com/mirage-run/mirage/internal/merr"
	"github.com/mirage-run/mirage/internal/metrics"
	"github.com/mirage-run/mirage/internal/provider"
	"github.com/mirage-run/mirage/internal/store"
)

const (
	metricBundleName    = "MetricBundleV1"
	metricBundleVersion = "1"
)

// Providers resolves a Run's GenerationSpec.Provider name to a concrete
// Provider implementation. A single worker may be configured to serve
// several providers at once.
type Providers map[string]provider.Provider

// Worker runs the claim loop for one worker_id. artifactRoot is the
// filesystem root under which runs/<run_id>/... artifacts are written.
type Worker struct {
	WorkerID     string
	Store        *store.Store
	Providers    Providers
	Metrics      *metrics.Engine
	Events       events.Publisher
	ArtifactRoot string
	Logger       *slog.Logger

	ClaimBatch   int
	PollInterval time.Duration
}

// stepResult is the sum-typed outcome of one pipeline step: exactly one
// of T or Err is populated. This replaces a bare (T, error) return so the
// pipeline can distinguish "this step failed" (caught, turned into a
// Failed outcome) from "the whole loop should stop" (a database being
// unreachable, which does propagate).
type stepResult[T any] struct {
	value T
	err   *merr.Error
}

func ok[T any](v T) stepResult[T]          { return stepResult[T]{value: v} }
func failed[T any](e *merr.Error) stepResult[T] { return stepResult[T]{err: e} }

// Run executes the poll loop until ctx is cancelled. Each iteration
// claims up to ClaimBatch runs and processes them serially. The
// concurrency model is N independent single-writer workers, not a shared
// pool within one worker, so no further fan-out happens here.
func (w *Worker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.pollInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := w.pollOnce(ctx); err != nil {
				return err
			}
		}
	}
}

func (w *Worker) pollOnce(ctx context.Context) error {
	runs, err := w.Store.ClaimQueuedRuns(ctx, w.claimBatch(), w.WorkerID)
	if err != nil {
		return fmt.Errorf("orchestrator: claim queued runs: %w", err)
	}

	for _, run := range runs {
		w.processRun(ctx, run)
	}

	return nil
}

// processRun drives one claimed Run through the full pipeline. Every
// step failure is caught and persisted via FinishRun(Failed{...}); this
// method never returns an error to its caller: a single bad run must
// never halt the worker.
func (w *Worker) processRun(ctx context.Context, run *domain.Run) {
	logger := w.Logger.With("run_id", run.RunID, "worker_id", w.WorkerID)

	genCtx := w.buildContext(ctx, run)
	if genCtx.err != nil {
		w.finishFailed(ctx, logger, run.RunID, genCtx.err)
		return
	}

	raw := w.runProviderStep(ctx, run, genCtx.value)
	if raw.err != nil {
		w.finishFailed(ctx, logger, run.RunID, raw.err)
		return
	}

	canon := w.runNormalizeStep(ctx, run, genCtx.value, raw.value)
	if canon.err != nil {
		w.finishFailed(ctx, logger, run.RunID, canon.err)
		return
	}

	if err := w.runMetricsStep(ctx, run, canon.value); err != nil {
		// The canonical artifact is retained even though metrics failed.
		w.finishFailed(ctx, logger, run.RunID, err)
		return
	}

	if err := w.Store.FinishRun(ctx, run.RunID, store.NewSucceeded(canon.value.canonURI, canon.value.sha256)); err != nil {
		logger.Error("finish_run(succeeded) failed", "error", err)
		return
	}

	logger.Info("run succeeded", "canon_uri", canon.value.canonURI)
	w.Events.PublishRunSucceeded(ctx, run.ExperimentID, run.RunID)
}

func (w *Worker) finishFailed(ctx context.Context, logger *slog.Logger, runID string, mErr *merr.Error) {
	if err := w.Store.FinishRun(ctx, runID, store.NewFailed(mErr.Kind, mErr.Error())); err != nil {
		logger.Error("finish_run(failed) failed", "error", err)
		return
	}

	logger.Warn("run failed", "error_code", mErr.Kind, "error_detail", mErr.Error())
	w.Events.PublishRunFailed(ctx, runID, string(mErr.Kind))
}

func (w *Worker) canonicalPath(runID string) string {
	return filepath.Join(w.ArtifactRoot, "runs", runID, "output_canon.mp4")
}

func (w *Worker) pollInterval() time.Duration {
	if w.PollInterval > 0 {
		return w.PollInterval
	}

	return time.Second
}

func (w *Worker) claimBatch() int {
	if w.ClaimBatch > 0 {
		return w.ClaimBatch
	}

	return 1
}
