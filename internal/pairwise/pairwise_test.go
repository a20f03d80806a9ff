package pairwise

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

// succeededRun enqueues, claims, and finishes a Run so it counts toward
// generate_pairs' succeeded-run set S.
func succeededRun(ctx context.Context, t *testing.T, s *store.Store, experimentID, variantKey string) *domain.Run {
	t.Helper()

	item := &domain.DatasetItem{
		SubjectID:      "subject-1",
		SourceVideoURI: "file:///dev/null",
		AudioURI:       "file:///dev/null",
	}
	require.NoError(t, s.InsertDatasetItem(ctx, item))

	specHash := identity.ProviderIdempotencyKey("spec", variantKey)

	run := &domain.Run{
		RunID:        identity.RunID(experimentID, item.ItemID, variantKey, specHash),
		ExperimentID: experimentID,
		ItemID:       item.ItemID,
		VariantKey:   variantKey,
		SpecHash:     specHash,
	}

	runID, err := s.EnqueueRun(ctx, run)
	require.NoError(t, err)
	run.RunID = runID

	claimed, err := s.ClaimQueuedRuns(ctx, 10, "worker-1")
	require.NoError(t, err)

	var found bool
	for _, c := range claimed {
		if c.RunID == runID {
			found = true
		}
	}
	require.True(t, found, "expected to claim the run just enqueued")

	require.NoError(t, s.FinishRun(ctx, runID, store.NewSucceeded("file:///canon.mp4", "deadbeef")))

	got, err := s.GetRun(ctx, runID)
	require.NoError(t, err)

	return got
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

func TestGeneratePairs_BelowTwoRunsYieldsZero(t *testing.T) {
	ctx := context.Background()
	s := setupTestStore(ctx, t)
	g := NewGenerator(s)

	experimentID := seedExperiment(ctx, t, s)
	succeededRun(ctx, t, s, experimentID, "0")

	created, taskIDs, err := g.GeneratePairs(ctx, experimentID)
	require.NoError(t, err)
	assert.Equal(t, 0, created)
	assert.Empty(t, taskIDs)
}

func TestGeneratePairs_CreatesCombinationsAndIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := setupTestStore(ctx, t)
	g := NewGenerator(s)

	experimentID := seedExperiment(ctx, t, s)
	succeededRun(ctx, t, s, experimentID, "0")
	succeededRun(ctx, t, s, experimentID, "1")
	succeededRun(ctx, t, s, experimentID, "2")

	created, taskIDs, err := g.GeneratePairs(ctx, experimentID)
	require.NoError(t, err)
	assert.Equal(t, 3, created) // C(3,2) = 3
	assert.Len(t, taskIDs, 3)

	createdAgain, taskIDsAgain, err := g.GeneratePairs(ctx, experimentID)
	require.NoError(t, err)
	assert.Equal(t, 0, createdAgain)
	assert.Empty(t, taskIDsAgain)
}

func TestGeneratePairs_NewRunOnlyAddsMissingPairs(t *testing.T) {
	ctx := context.Background()
	s := setupTestStore(ctx, t)
	g := NewGenerator(s)

	experimentID := seedExperiment(ctx, t, s)
	succeededRun(ctx, t, s, experimentID, "0")
	succeededRun(ctx, t, s, experimentID, "1")

	_, _, err := g.GeneratePairs(ctx, experimentID)
	require.NoError(t, err)

	succeededRun(ctx, t, s, experimentID, "2")

	created, _, err := g.GeneratePairs(ctx, experimentID)
	require.NoError(t, err)
	assert.Equal(t, 2, created) // the two new pairs against run 2
}

func TestNextOpenTask_ReturnsNotFoundWhenNoneOpen(t *testing.T) {
	ctx := context.Background()
	s := setupTestStore(ctx, t)
	g := NewGenerator(s)

	experimentID := seedExperiment(ctx, t, s)

	_, err := g.NextOpenTask(ctx, experimentID)
	require.Error(t, err)
}

func TestNextOpenTask_ReturnsAnOpenTask(t *testing.T) {
	ctx := context.Background()
	s := setupTestStore(ctx, t)
	g := NewGenerator(s)

	experimentID := seedExperiment(ctx, t, s)
	succeededRun(ctx, t, s, experimentID, "0")
	succeededRun(ctx, t, s, experimentID, "1")

	_, _, err := g.GeneratePairs(ctx, experimentID)
	require.NoError(t, err)

	task, err := g.NextOpenTask(ctx, experimentID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskOpen, task.Status)
	assert.Equal(t, experimentID, task.ExperimentID)
}
