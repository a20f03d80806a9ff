// Package identity computes the content-addressed digests that tie a
// generation request to its Run, and a Run to the provider call billed
// for it. Every function here is pure: same inputs, same hex64 digest,
// on any machine.
package identity

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/cyberphone/json-canonicalization/go/src/webpki.org/jsoncanonicalizer"
)

// fileChunkSize is the read buffer size for SHA256File's streaming digest.
const fileChunkSize = 64 * 1024

// specFields is the canonical shape hashed by SpecHash. Field order in
// the struct is irrelevant (JCS sorts keys independently of input order),
// but the field SET and each field's JSON null-vs-value distinction is
// exactly what the digest is sensitive to.
type specFields struct {
	Provider         string  `json:"provider"`
	Model            string  `json:"model"`
	ModelVersion     *string `json:"model_version"`
	RenderedPrompt   string  `json:"rendered_prompt"`
	ParamsJSON       string  `json:"params_json"`
	Seed             int     `json:"seed"`
	InputAudioSHA256 string  `json:"input_audio_sha256"`
	RefImageSHA256   *string `json:"ref_image_sha256"`
}

// SpecHash computes the hex64 digest of a generation request. paramsJSON
// is embedded as a string value (not re-parsed), matching how the caller
// already carries GenerationSpec.Params as a JSON-encoded blob. Changing
// any field, including switching a nullable field from absent to present,
// changes the digest (the whole point of carrying nulls through rather
// than omitting absent keys).
func SpecHash(
	provider, model string,
	modelVersion *string,
	renderedPrompt, paramsJSON string,
	seed int,
	inputAudioSHA256 string,
	refImageSHA256 *string,
) (string, error) {
	fields := specFields{
		Provider:         provider,
		Model:            model,
		ModelVersion:     modelVersion,
		RenderedPrompt:   renderedPrompt,
		ParamsJSON:       paramsJSON,
		Seed:             seed,
		InputAudioSHA256: inputAudioSHA256,
		RefImageSHA256:   refImageSHA256,
	}

	raw, err := json.Marshal(fields)
	if err != nil {
		return "", fmt.Errorf("identity: marshal spec fields: %w", err)
	}

	canonical, err := jsoncanonicalizer.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("identity: canonicalize spec fields: %w", err)
	}

	return hashHex(canonical), nil
}

// RunID computes the content-addressed run_id: a hash of its four
// identifying strings joined by a delimiter that cannot appear in any of
// them, since spec_hash, item_id, and experiment_id are themselves hex or
// UUID strings and variant_key is operator-chosen but pipe-free by
// convention.
func RunID(experimentID, itemID, variantKey, specHash string) string {
	identity := strings.Join([]string{experimentID, itemID, variantKey, specHash}, "|")

	return hashHex([]byte(identity))
}

// ProviderIdempotencyKey computes the digest that caps provider spend:
// at most one completed ProviderCall exists per (provider, spec_hash)
// pair across the whole store, regardless of how many Runs or Experiments
// reference that spec_hash.
func ProviderIdempotencyKey(provider, specHash string) string {
	return hashHex([]byte(provider + "|" + specHash))
}

// SHA256File streams a file's contents through SHA-256 without loading it
// into memory, so multi-gigabyte canonical videos hash in constant space.
func SHA256File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("identity: open %s: %w", path, err)
	}
	defer f.Close()

	h := sha256.New()
	buf := make([]byte, fileChunkSize)

	if _, err := io.CopyBuffer(h, f, buf); err != nil {
		return "", fmt.Errorf("identity: hash %s: %w", path, err)
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

// SeedFromVariantKey extracts the seed an orchestrator should pass to a
// provider. A "seed=<N>" key yields N directly (so operators can pin an
// exact seed); any other key is hashed to a deterministic uint32 so two
// runs sharing a non-numeric variant_key still diverge reproducibly
// instead of colliding on a default seed.
func SeedFromVariantKey(variantKey string) int {
	const prefix = "seed="

	if rest, ok := strings.CutPrefix(variantKey, prefix); ok {
		if n, err := strconv.Atoi(rest); err == nil {
			return n
		}
	}

	digest := sha256.Sum256([]byte(variantKey))

	return int(binary.BigEndian.Uint32(digest[:4]))
}

func hashHex(b []byte) string {
	sum := sha256.Sum256(b)

	return hex.EncodeToString(sum[:])
}
