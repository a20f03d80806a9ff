package aggregator

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	pgcontainer "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/mirage-run/mirage/internal/domain"
	"github.com/mirage-run/mirage/internal/identity"
	"github.com/mirage-run/mirage/internal/store"
	"github.com/mirage-run/mirage/migrations"
)

func setupTestStore(ctx context.Context, t *testing.T) *store.Store {
	t.Helper()

	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	container, err := pgcontainer.Run(ctx,
		"postgres:16-alpine",
		pgcontainer.WithDatabase("mirage_test"),
		pgcontainer.WithUsername("test"),
		pgcontainer.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(120*time.Second),
		),
	)
	require.NoError(t, err)

	t.Cleanup(func() { _ = container.Terminate(ctx) })

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	runner, err := migrations.NewMigrationRunner(&migrations.Config{
		DatabaseURL:    connStr,
		MigrationTable: "schema_migrations",
	})
	require.NoError(t, err)
	require.NoError(t, runner.Up())
	require.NoError(t, runner.Close())

	t.Setenv("DATABASE_URL", connStr)

	conn, err := store.NewConnection(store.LoadConfig())
	require.NoError(t, err)

	t.Cleanup(func() { _ = conn.Close() })

	return store.New(conn)
}

func seedExperiment(ctx context.Context, t *testing.T, s *store.Store) string {
	t.Helper()

	spec := &domain.GenerationSpec{
		Provider:       "mock",
		Model:          "mock-v1",
		PromptTemplate: "hello",
		Params:         json.RawMessage(`{}`),
		SeedPolicy:     json.RawMessage(`{}`),
	}
	require.NoError(t, s.InsertGenerationSpec(ctx, spec))

	experiment := &domain.Experiment{GenerationSpecID: spec.GenerationSpecID}
	require.NoError(t, s.InsertExperiment(ctx, experiment))

	return experiment.ExperimentID
}

func succeededRun(ctx context.Context, t *testing.T, s *store.Store, experimentID, variantKey string) string {
	t.Helper()

	item := &domain.DatasetItem{
		SubjectID:      "subject-1",
		SourceVideoURI: "file:///dev/null",
		AudioURI:       "file:///dev/null",
	}
	require.NoError(t, s.InsertDatasetItem(ctx, item))

	specHash := identity.ProviderIdempotencyKey("spec", variantKey)
	runID := identity.RunID(experimentID, item.ItemID, variantKey, specHash)

	run := &domain.Run{
		RunID:        runID,
		ExperimentID: experimentID,
		ItemID:       item.ItemID,
		VariantKey:   variantKey,
		SpecHash:     specHash,
	}

	_, err := s.EnqueueRun(ctx, run)
	require.NoError(t, err)

	claimed, err := s.ClaimQueuedRuns(ctx, 10, "worker-1")
	require.NoError(t, err)
	require.NotEmpty(t, claimed)

	require.NoError(t, s.FinishRun(ctx, runID, store.NewSucceeded("file:///canon.mp4", "deadbeef")))

	return runID
}

func doneTask(ctx context.Context, t *testing.T, s *store.Store, experimentID, left, right string, flip bool) *domain.Task {
	t.Helper()

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
	require.NoError(t, s.InsertTask(ctx, task))
	require.NoError(t, s.MarkTaskDone(ctx, task.TaskID))

	return task
}

func TestSummarize_NoTasksYieldsZeroWinRatesForEveryRun(t *testing.T) {
	ctx := context.Background()
	s := setupTestStore(ctx, t)
	a := NewSummarizer(s)

	experimentID := seedExperiment(ctx, t, s)
	runA := succeededRun(ctx, t, s, experimentID, "0")
	runB := succeededRun(ctx, t, s, experimentID, "1")

	summary, err := a.Summarize(ctx, experimentID)
	require.NoError(t, err)
	assert.Equal(t, 0, summary.TotalComparisons)
	assert.Equal(t, 0.0, summary.WinRates[runA])
	assert.Equal(t, 0.0, summary.WinRates[runB])
	require.NotNil(t, summary.RecommendedPick)
}

func TestSummarize_FoldsRatingsIntoWinRates(t *testing.T) {
	ctx := context.Background()
	s := setupTestStore(ctx, t)
	a := NewSummarizer(s)

	experimentID := seedExperiment(ctx, t, s)
	runA := succeededRun(ctx, t, s, experimentID, "0")
	runB := succeededRun(ctx, t, s, experimentID, "1")

	task := doneTask(ctx, t, s, experimentID, runA, runB, false)

	require.NoError(t, s.InsertRating(ctx, &domain.Rating{
		TaskID:        task.TaskID,
		RaterID:       "rater-1",
		ChoiceRealism: domain.ChoiceLeft,
		ChoiceLipsync: domain.ChoiceTie,
	}))

	summary, err := a.Summarize(ctx, experimentID)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.TotalComparisons)

	// realism: left (no flip) -> runA += 0.5; lipsync: tie -> both += 0.25.
	// denom = 2*1 = 2.
	assert.InDelta(t, (0.5+0.25)/2, summary.WinRates[runA], 1e-9)
	assert.InDelta(t, 0.25/2, summary.WinRates[runB], 1e-9)
	require.NotNil(t, summary.RecommendedPick)
	assert.Equal(t, runA, *summary.RecommendedPick)
}

func TestSummarize_TargetMatchNotCounted(t *testing.T) {
	ctx := context.Background()
	s := setupTestStore(ctx, t)
	a := NewSummarizer(s)

	experimentID := seedExperiment(ctx, t, s)
	runA := succeededRun(ctx, t, s, experimentID, "0")
	runB := succeededRun(ctx, t, s, experimentID, "1")

	task := doneTask(ctx, t, s, experimentID, runA, runB, false)

	targetMatch := domain.ChoiceLeft
	require.NoError(t, s.InsertRating(ctx, &domain.Rating{
		TaskID:            task.TaskID,
		RaterID:           "rater-1",
		ChoiceRealism:     domain.ChoiceSkip,
		ChoiceLipsync:     domain.ChoiceSkip,
		ChoiceTargetMatch: &targetMatch,
	}))

	summary, err := a.Summarize(ctx, experimentID)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.TotalComparisons)
	assert.Equal(t, 0.0, summary.WinRates[runA])
	assert.Equal(t, 0.0, summary.WinRates[runB])
}
