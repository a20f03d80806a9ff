package orchestrator

import (
	"context"
	"strings"

	"github.com/mirage-run/mirage/internal/domain"
	"github.com/mirage-run/mirage/internal/identity"
	"github.com/mirage-run/mirage/internal/merr"
	"github.com/mirage-run/mirage/internal/normalize"
	"github.com/mirage-run/mirage/internal/provider"
)

// generationContext is everything the provider/normalize/metrics steps
// need, assembled once per Run from the store.
type generationContext struct {
	item           *domain.DatasetItem
	spec           *domain.GenerationSpec
	run            *domain.Run
	input          provider.GenerationInput
	audioSHA256    string
	refImageSHA256 *string
}

// buildContext loads the DatasetItem, GenerationSpec, and Run, hashes the
// driving audio (and ref image, if present), derives the seed from the
// variant key, and assembles the provider input. A missing file fails
// with InputMissing.
func (w *Worker) buildContext(ctx context.Context, run *domain.Run) stepResult[*generationContext] {
	item, err := w.Store.GetDatasetItem(ctx, run.ItemID)
	if err != nil {
		return failed[*generationContext](merr.Wrap(merr.InputMissing, "dataset item", err))
	}

	experiment, err := w.Store.GetExperiment(ctx, run.ExperimentID)
	if err != nil {
		return failed[*generationContext](merr.Wrap(merr.InputMissing, "experiment", err))
	}

	spec, err := w.Store.GetGenerationSpec(ctx, experiment.GenerationSpecID)
	if err != nil {
		return failed[*generationContext](merr.Wrap(merr.InputMissing, "generation spec", err))
	}

	audioPath := trimFileScheme(item.AudioURI)

	audioSHA256, err := identity.SHA256File(audioPath)
	if err != nil {
		return failed[*generationContext](merr.Wrap(merr.InputMissing, "audio", err))
	}

	var refImageSHA256 *string

	if item.RefImageURI != nil {
		sha, err := identity.SHA256File(trimFileScheme(*item.RefImageURI))
		if err != nil {
			return failed[*generationContext](merr.Wrap(merr.InputMissing, "ref image", err))
		}

		refImageSHA256 = &sha
	}

	seed := identity.SeedFromVariantKey(run.VariantKey)

	input := provider.GenerationInput{
		Provider:         spec.Provider,
		Model:            spec.Model,
		ModelVersion:     spec.ModelVersion,
		RenderedPrompt:   spec.PromptTemplate,
		Params:           spec.Params,
		Seed:             seed,
		InputAudioURI:    item.AudioURI,
		InputAudioSHA256: audioSHA256,
		RefImageURI:      item.RefImageURI,
		RefImageSHA256:   refImageSHA256,
	}

	return ok(&generationContext{
		item: item, spec: spec, run: run,
		input: input, audioSHA256: audioSHA256, refImageSHA256: refImageSHA256,
	})
}

// rawArtifactResult is the provider step's output: the raw artifact path
// plus the sha256 the orchestrator computes over it (the provider itself
// need not be deterministic; the idempotency key, not the bytes, is what
// prevents double-charging).
type rawArtifactResult struct {
	uri         string
	sha256      string
	reused      bool
}

func (w *Worker) runProviderStep(ctx context.Context, run *domain.Run, genCtx *generationContext) stepResult[*rawArtifactResult] {
	p, ok2 := w.Providers[genCtx.spec.Provider]
	if !ok2 {
		return failed[*rawArtifactResult](merr.New(merr.Provider, "no provider registered for "+genCtx.spec.Provider))
	}

	idempotencyKey := identity.ProviderIdempotencyKey(genCtx.spec.Provider, run.SpecHash)

	call, reused, err := w.Store.UpsertProviderCallStarted(ctx, run.RunID, genCtx.spec.Provider, idempotencyKey)
	if err != nil {
		return failed[*rawArtifactResult](merr.Wrap(merr.Provider, "upsert provider call", err))
	}

	if reused {
		if call.RawArtifactURI == nil || call.RawArtifactSHA256 == nil {
			return failed[*rawArtifactResult](merr.New(merr.Provider, "reused provider call missing artifact"))
		}

		return ok(&rawArtifactResult{uri: *call.RawArtifactURI, sha256: *call.RawArtifactSHA256, reused: true})
	}

	artifact, err := p.Generate(ctx, genCtx.input)
	if err != nil {
		if voidErr := w.Store.MarkProviderCallFailed(ctx, call.ProviderCallID); voidErr != nil {
			w.Logger.Error("mark provider call failed", "error", voidErr)
		}

		return failed[*rawArtifactResult](merr.Wrap(merr.Provider, "generate", err))
	}

	rawPath := trimFileScheme(artifact.RawVideoURI)

	rawSHA256, err := identity.SHA256File(rawPath)
	if err != nil {
		return failed[*rawArtifactResult](merr.Wrap(merr.Provider, "hash raw artifact", err))
	}

	if err := w.Store.CompleteProviderCall(
		ctx, call.ProviderCallID, artifact.RawVideoURI, rawSHA256,
		artifact.ProviderJobID, artifact.Cost, artifact.LatencyMS,
	); err != nil {
		return failed[*rawArtifactResult](merr.Wrap(merr.Provider, "complete provider call", err))
	}

	return ok(&rawArtifactResult{uri: artifact.RawVideoURI, sha256: rawSHA256})
}

// canonResult is the normalize step's output.
type canonResult struct {
	canonURI string
	sha256   string
}

func (w *Worker) runNormalizeStep(ctx context.Context, run *domain.Run, genCtx *generationContext, raw *rawArtifactResult) stepResult[*canonResult] {
	outputPath := w.canonicalPath(run.RunID)
	audioPath := trimFileScheme(genCtx.item.AudioURI)
	rawPath := trimFileScheme(raw.uri)

	result, err := normalize.Normalize(ctx, rawPath, audioPath, outputPath)
	if err != nil {
		return failed[*canonResult](merr.Wrap(merr.Normalize, "", err))
	}

	return ok(&canonResult{canonURI: result.CanonURI, sha256: result.SHA256})
}

func (w *Worker) runMetricsStep(ctx context.Context, run *domain.Run, canon *canonResult) *merr.Error {
	audioPath := ""

	item, err := w.Store.GetDatasetItem(ctx, run.ItemID)
	if err == nil {
		audioPath = trimFileScheme(item.AudioURI)
	}

	bundle, err := w.Metrics.Compute(ctx, trimFileScheme(canon.canonURI), audioPath)
	if err != nil {
		return merr.Wrap(merr.Metrics, "", err)
	}

	value, err := bundle.MarshalValue()
	if err != nil {
		return merr.Wrap(merr.Metrics, "marshal bundle", err)
	}

	if _, err := w.Store.WriteMetricResult(ctx, run.RunID, metricBundleName, metricBundleVersion, value, domain.MetricResultComputed); err != nil {
		return merr.Wrap(merr.Metrics, "write metric result", err)
	}

	return nil
}

func trimFileScheme(uri string) string {
	return strings.TrimPrefix(uri, "file://")
}
