// Package provider defines the narrow generation contract every video
// provider implements, plus a deterministic mock used in place of a real
// generation API. A Provider is forbidden from touching the store: it
// accepts a GenerationInput and returns a RawArtifact or an error, nothing
// else.
package provider

import (
	"context"
	"encoding/json"
)

// GenerationInput is everything a Provider needs to produce one raw
// artifact. Seed is resolved by the orchestrator via
// identity.SeedFromVariantKey before this struct is built.
type GenerationInput struct {
	Provider         string
	Model            string
	ModelVersion     *string
	RenderedPrompt   string
	Params           json.RawMessage
	Seed             int
	InputAudioURI    string
	InputAudioSHA256 string
	RefImageURI      *string
	RefImageSHA256   *string
}

// RawArtifact is a provider's output before normalization. ProviderJobID,
// Cost, and LatencyMS are all optional: a provider that can't report cost
// or an external job id simply leaves them nil.
type RawArtifact struct {
	RawVideoURI   string
	ProviderJobID *string
	Cost          *float64
	LatencyMS     *int
}

// Provider generates one raw video artifact from an input. Same input
// does not have to produce bit-identical output: the orchestrator hashes
// the artifact after the fact and the provider_call idempotency key is
// what prevents double-charging, not determinism.
type Provider interface {
	Generate(ctx context.Context, input GenerationInput) (RawArtifact, error)
}
