// Package api provides HTTP API server implementation for the mirage service.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/mirage-run/mirage/internal/api/middleware"
	"github.com/mirage-run/mirage/internal/domain"
	"github.com/mirage-run/mirage/internal/merr"
	"github.com/mirage-run/mirage/internal/metrics"
)

// metric name/version the run-detail and experiment-overview handlers look
// up. Runs are scored by exactly one metrics engine today, so this pair is
// fixed rather than a request parameter.
const (
	metricBundleName    = "MetricBundleV1"
	metricBundleVersion = "1"
)

// Route describes one registered HTTP route, paired with whether it
// requires plugin authentication.
type Route struct {
	Pattern string
	Public  bool
}

// setupRoutes registers every mirage endpoint on mux and marks the public
// ones so the auth middleware skips them.
func (s *Server) setupRoutes(mux *http.ServeMux) {
	routes := []Route{
		{Pattern: "GET /health", Public: true},
		{Pattern: "GET /ping", Public: true},
		{Pattern: "GET /experiments/{id}", Public: false},
		{Pattern: "GET /runs/{id}", Public: false},
		{Pattern: "POST /experiments/{id}/tasks", Public: false},
		{Pattern: "GET /tasks/{id}", Public: false},
		{Pattern: "GET /experiments/{id}/tasks/next", Public: false},
		{Pattern: "POST /ratings", Public: false},
		{Pattern: "GET /experiments/{id}/summary", Public: false},
		{Pattern: "GET /experiments/{id}/export", Public: false},
		{Pattern: "GET /artifacts/", Public: false},
	}

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /ping", s.handlePing)
	mux.HandleFunc("GET /experiments/{id}", s.handleExperimentOverview)
	mux.HandleFunc("GET /runs/{id}", s.handleRunDetail)
	mux.HandleFunc("POST /experiments/{id}/tasks", s.handleCreateTasks)
	mux.HandleFunc("GET /tasks/{id}", s.handleTaskDetail)
	mux.HandleFunc("GET /experiments/{id}/tasks/next", s.handleNextTask)
	mux.HandleFunc("POST /ratings", s.handleCreateRating)
	mux.HandleFunc("GET /experiments/{id}/summary", s.handleSummary)
	mux.HandleFunc("GET /experiments/{id}/export", s.handleExport)
	mux.HandleFunc("GET /artifacts/", s.handleArtifact)
	mux.HandleFunc("/", s.handleNotFound)

	registerPublicRoutes(routes...)
}

// registerPublicRoutes strips the leading HTTP method (e.g. "GET ") off
// each public route's pattern and registers the bare path with the auth
// middleware so it bypasses plugin authentication.
func registerPublicRoutes(routes ...Route) {
	for _, route := range routes {
		if !route.Public {
			continue
		}

		pattern := route.Pattern
		if idx := strings.IndexByte(pattern, ' '); idx != -1 {
			pattern = pattern[idx+1:]
		}

		if braceIdx := strings.IndexByte(pattern, '{'); braceIdx != -1 {
			pattern = pattern[:braceIdx]
		}

		middleware.RegisterPublicEndpoint(pattern)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
}

func (s *Server) handlePing(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = w.Write([]byte("pong"))
}

func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	WriteErrorResponse(w, r, s.logger, NotFound(fmt.Sprintf("no route for %s %s", r.Method, r.URL.Path)))
}

// handleExperimentOverview serves GET /experiments/{id}.
func (s *Server) handleExperimentOverview(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	experimentID := r.PathValue("id")

	exp, err := s.store.GetExperiment(ctx, experimentID)
	if err != nil {
		s.writeStoreError(w, r, err)

		return
	}

	spec, err := s.store.GetGenerationSpec(ctx, exp.GenerationSpecID)
	if err != nil {
		s.writeStoreError(w, r, err)

		return
	}

	runDetails, datasetItem, err := s.collectRunDetails(ctx, experimentID)
	if err != nil {
		s.writeStoreError(w, r, err)

		return
	}

	summary, err := s.summarizer.Summarize(ctx, experimentID)
	if err != nil {
		s.writeStoreError(w, r, err)

		return
	}

	overview := ExperimentOverview{
		ExperimentID:   exp.ExperimentID,
		Status:         exp.Status,
		CreatedAt:      exp.CreatedAt,
		UpdatedAt:      exp.UpdatedAt,
		GenerationSpec: newGenerationSpecView(spec),
		DatasetItem:    datasetItem,
		Runs:           runDetails,
		Summary:        newSummaryView(summary),
	}

	writeJSON(w, http.StatusOK, overview)
}

// collectRunDetails loads every run for an experiment along with its metric
// bundle, and the dataset item inferred from the first run's item_id.
func (s *Server) collectRunDetails(ctx context.Context, experimentID string) ([]RunDetail, *DatasetItemView, error) {
	runs, err := s.store.ListRunsByExperimentStatus(ctx, experimentID, "")
	if err != nil {
		return nil, nil, err
	}

	runDetails := make([]RunDetail, 0, len(runs))

	var datasetItem *DatasetItemView

	for i, run := range runs {
		bundle, err := s.lookupBundle(ctx, run.RunID)
		if err != nil {
			return nil, nil, err
		}

		runDetails = append(runDetails, newRunDetail(run, bundle))

		if i == 0 {
			item, err := s.store.GetDatasetItem(ctx, run.ItemID)
			if err != nil && !merr.Is(err, merr.NotFound) {
				return nil, nil, err
			}

			datasetItem = newDatasetItemView(item)
		}
	}

	return runDetails, datasetItem, nil
}

// handleRunDetail serves GET /runs/{id}.
func (s *Server) handleRunDetail(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	runID := r.PathValue("id")

	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		s.writeStoreError(w, r, err)

		return
	}

	bundle, err := s.lookupBundle(ctx, runID)
	if err != nil {
		s.writeStoreError(w, r, err)

		return
	}

	writeJSON(w, http.StatusOK, newRunDetail(run, bundle))
}

// lookupBundle fetches the run's MetricBundleV1, returning (nil, nil) when
// none has been written yet rather than surfacing a 404.
func (s *Server) lookupBundle(ctx context.Context, runID string) (*metrics.BundleV1, error) {
	result, err := s.store.GetMetricResult(ctx, runID, metricBundleName, metricBundleVersion)
	if err != nil {
		if merr.Is(err, merr.NotFound) {
			return nil, nil
		}

		return nil, err
	}

	var bundle metrics.BundleV1
	if err := json.Unmarshal(result.Value, &bundle); err != nil {
		return nil, merr.Wrap(merr.Metrics, "unmarshal metric bundle", err)
	}

	return &bundle, nil
}

// handleCreateTasks serves POST /experiments/{id}/tasks, generating every
// not-yet-existing pairwise comparison task for the experiment's runs.
func (s *Server) handleCreateTasks(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	experimentID := r.PathValue("id")

	if _, err := s.store.GetExperiment(ctx, experimentID); err != nil {
		s.writeStoreError(w, r, err)

		return
	}

	created, _, err := s.generator.GeneratePairs(ctx, experimentID)
	if err != nil {
		s.writeStoreError(w, r, err)

		return
	}

	writeJSON(w, http.StatusCreated, TasksCreatedResponse{TasksCreated: created, ExperimentID: experimentID})
}

// handleTaskDetail serves GET /tasks/{id}.
func (s *Server) handleTaskDetail(w http.ResponseWriter, r *http.Request) {
	task, err := s.store.GetTask(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeStoreError(w, r, err)

		return
	}

	writeJSON(w, http.StatusOK, newTaskDetail(task))
}

// handleNextTask serves GET /experiments/{id}/tasks/next, returning a 404
// problem when no open task remains.
func (s *Server) handleNextTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.generator.NextOpenTask(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeStoreError(w, r, err)

		return
	}

	writeJSON(w, http.StatusOK, newTaskDetail(task))
}

// handleCreateRating serves POST /ratings. The referenced task must exist
// (404 otherwise); on success the task is marked done.
func (s *Server) handleCreateRating(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req CreateRatingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteErrorResponse(w, r, s.logger, BadRequest("malformed request body: "+err.Error()))

		return
	}

	if req.TaskID == "" || req.RaterID == "" {
		WriteErrorResponse(w, r, s.logger, UnprocessableEntity("task_id and rater_id are required"))

		return
	}

	if !req.ChoiceRealism.IsValid() || !req.ChoiceLipsync.IsValid() {
		WriteErrorResponse(w, r, s.logger, UnprocessableEntity("choice_realism and choice_lipsync must be one of left, right, tie, skip"))

		return
	}

	if req.ChoiceTargetMatch != nil && !req.ChoiceTargetMatch.IsValid() {
		WriteErrorResponse(w, r, s.logger, UnprocessableEntity("choice_target_match must be one of left, right, tie, skip"))

		return
	}

	task, err := s.store.GetTask(ctx, req.TaskID)
	if err != nil {
		s.writeStoreError(w, r, err)

		return
	}

	rating := &domain.Rating{
		TaskID:            task.TaskID,
		RaterID:           req.RaterID,
		ChoiceRealism:     req.ChoiceRealism,
		ChoiceLipsync:     req.ChoiceLipsync,
		ChoiceTargetMatch: req.ChoiceTargetMatch,
		Notes:             req.Notes,
	}

	if err := s.store.InsertRating(ctx, rating); err != nil {
		s.writeStoreError(w, r, err)

		return
	}

	if err := s.store.MarkTaskDone(ctx, task.TaskID); err != nil {
		s.logger.Warn("failed to mark task done after rating",
			slog.String("task_id", task.TaskID), slog.String("error", err.Error()))
	}

	writeJSON(w, http.StatusCreated, RatingCreatedResponse{RatingID: rating.RatingID, TaskID: task.TaskID})
}

// handleSummary serves GET /experiments/{id}/summary.
func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	experimentID := r.PathValue("id")

	if _, err := s.store.GetExperiment(ctx, experimentID); err != nil {
		s.writeStoreError(w, r, err)

		return
	}

	summary, err := s.summarizer.Summarize(ctx, experimentID)
	if err != nil {
		s.writeStoreError(w, r, err)

		return
	}

	writeJSON(w, http.StatusOK, newSummaryView(summary))
}

// handleExport serves GET /experiments/{id}/export: a complete archival
// dump of the experiment, its tasks, and their ratings.
func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	experimentID := r.PathValue("id")

	exp, err := s.store.GetExperiment(ctx, experimentID)
	if err != nil {
		s.writeStoreError(w, r, err)

		return
	}

	spec, err := s.store.GetGenerationSpec(ctx, exp.GenerationSpecID)
	if err != nil {
		s.writeStoreError(w, r, err)

		return
	}

	runDetails, datasetItem, err := s.collectRunDetails(ctx, experimentID)
	if err != nil {
		s.writeStoreError(w, r, err)

		return
	}

	summary, err := s.summarizer.Summarize(ctx, experimentID)
	if err != nil {
		s.writeStoreError(w, r, err)

		return
	}

	tasks, err := s.store.ListTasksByExperimentStatus(ctx, experimentID, "")
	if err != nil {
		s.writeStoreError(w, r, err)

		return
	}

	taskIDs := make([]string, len(tasks))
	for i, t := range tasks {
		taskIDs[i] = t.TaskID
	}

	ratings, err := s.store.ListRatingsByTasks(ctx, taskIDs)
	if err != nil {
		s.writeStoreError(w, r, err)

		return
	}

	ratingsByTask := make(map[string][]RatingView, len(tasks))
	for _, rating := range ratings {
		ratingsByTask[rating.TaskID] = append(ratingsByTask[rating.TaskID], newRatingView(rating))
	}

	exportTasks := make([]ExportTask, len(tasks))
	for i, t := range tasks {
		exportTasks[i] = ExportTask{
			TaskDetail: newTaskDetail(t),
			Ratings:    ratingsByTask[t.TaskID],
		}
	}

	doc := ExportDocument{
		Experiment: ExperimentOverview{
			ExperimentID:   exp.ExperimentID,
			Status:         exp.Status,
			CreatedAt:      exp.CreatedAt,
			UpdatedAt:      exp.UpdatedAt,
			GenerationSpec: newGenerationSpecView(spec),
			DatasetItem:    datasetItem,
			Runs:           runDetails,
			Summary:        newSummaryView(summary),
		},
		Tasks: exportTasks,
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s_export.json"`, experimentID))
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(doc)
}

// handleArtifact serves a canonical run artifact at
// /artifacts/runs/<run_id>/output_canon.mp4, resolved against s.artifactRoot.
// The path is cleaned and rejected if it tries to escape the artifact root.
func (s *Server) handleArtifact(w http.ResponseWriter, r *http.Request) {
	rel := strings.TrimPrefix(r.URL.Path, "/artifacts/")

	cleaned := filepath.Clean("/" + rel)
	if strings.Contains(cleaned, "..") {
		WriteErrorResponse(w, r, s.logger, BadRequest("invalid artifact path"))

		return
	}

	fullPath := filepath.Join(s.artifactRoot, cleaned)

	if _, err := os.Stat(fullPath); err != nil {
		WriteErrorResponse(w, r, s.logger, NotFound("artifact not found"))

		return
	}

	http.ServeFile(w, r, fullPath)
}

// writeStoreError maps a store/merr error to the matching RFC 7807 problem.
func (s *Server) writeStoreError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case merr.Is(err, merr.NotFound):
		WriteErrorResponse(w, r, s.logger, NotFound(err.Error()))
	case merr.Is(err, merr.Conflict):
		WriteErrorResponse(w, r, s.logger, Conflict(err.Error()))
	case merr.Is(err, merr.InputMissing):
		WriteErrorResponse(w, r, s.logger, UnprocessableEntity(err.Error()))
	default:
		kind, _ := merr.KindOf(err)
		s.logger.Error("store error", slog.String("kind", string(kind)), slog.String("error", err.Error()))
		WriteErrorResponse(w, r, s.logger, InternalServerError("internal error"))
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
