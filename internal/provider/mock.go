package provider

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"golang.org/x/time/rate"

	"github.com/mirage-run/mirage/internal/merr"
)

const (
	// jobIDLen truncates the input hash the way original_source's
	// MockProvider does (hexdigest()[:16]): short enough to be a
	// filesystem-friendly job id, long enough that collisions are not a
	// practical concern for a demo provider.
	jobIDLen = 16

	synthesizeTimeout = 30 * time.Second

	videoWidth  = 640
	videoHeight = 480
	videoSecs   = 3
)

// MockProvider is the reference Provider: it reuses a cached clip when
// one is available, otherwise synthesizes a constant-color test pattern
// whose color is a pure function of the seed. Idempotency comes from a
// deterministic job id: re-generating the same input is a no-op if the
// output file already exists, so a retried run never re-pays the
// synthesis cost.
type MockProvider struct {
	outputDir string
	cacheDir  string
	limiter   *rate.Limiter
}

// NewMockProvider constructs a MockProvider writing to outputDir. cacheDir
// may be empty, in which case every call synthesizes. limiter throttles
// outbound calls the way a real provider's API quota would; pass nil for
// no throttling.
func NewMockProvider(outputDir, cacheDir string, limiter *rate.Limiter) (*MockProvider, error) {
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return nil, fmt.Errorf("provider: create output dir: %w", err)
	}

	return &MockProvider{outputDir: outputDir, cacheDir: cacheDir, limiter: limiter}, nil
}

// Generate implements Provider.
func (p *MockProvider) Generate(ctx context.Context, input GenerationInput) (RawArtifact, error) {
	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return RawArtifact{}, merr.Wrap(merr.Provider, "rate limit wait", err)
		}
	}

	start := time.Now()

	jobID := computeJobID(input)
	outputPath := filepath.Join(p.outputDir, jobID+".mp4")

	if _, err := os.Stat(outputPath); err != nil {
		if !os.IsNotExist(err) {
			return RawArtifact{}, merr.Wrap(merr.Provider, "stat output", err)
		}

		if cached, ok := p.findCached(); ok {
			if err := copyFile(cached, outputPath); err != nil {
				return RawArtifact{}, merr.Wrap(merr.Provider, "copy cached artifact", err)
			}
		} else if err := synthesize(ctx, outputPath, input.Seed); err != nil {
			return RawArtifact{}, merr.Wrap(merr.Provider, "synthesize artifact", err)
		}
	}

	latencyMS := int(time.Since(start).Milliseconds())
	cost := 0.0

	return RawArtifact{
		RawVideoURI:   "file://" + outputPath,
		ProviderJobID: &jobID,
		Cost:          &cost,
		LatencyMS:     &latencyMS,
	}, nil
}

// computeJobID mirrors original_source's MockProvider._compute_job_id: a
// hash over the identifying fields of the input, truncated. This is
// deliberately independent of identity.ProviderIdempotencyKey: the job
// id is a provider-local cache key, not the store's idempotency guard.
func computeJobID(input GenerationInput) string {
	modelVersion := ""
	if input.ModelVersion != nil {
		modelVersion = *input.ModelVersion
	}

	refImageSHA256 := ""
	if input.RefImageSHA256 != nil {
		refImageSHA256 = *input.RefImageSHA256
	}

	h := sha256.Sum256([]byte(fmt.Sprintf(
		"%s:%s:%s:%s:%d:%s:%s",
		input.Provider, input.Model, modelVersion, input.RenderedPrompt,
		input.Seed, input.InputAudioSHA256, refImageSHA256,
	)))

	return hex.EncodeToString(h[:])[:jobIDLen]
}

func (p *MockProvider) findCached() (string, bool) {
	if p.cacheDir == "" {
		return "", false
	}

	matches, err := filepath.Glob(filepath.Join(p.cacheDir, "*.mp4"))
	if err != nil || len(matches) == 0 {
		return "", false
	}

	return matches[0], true
}

// synthesize generates a 3-second H.264 test pattern whose color encodes
// the seed, the same RGB formula as original_source's
// _generate_synthetic_video (R=37·seed, G=59·seed, B=97·seed, each mod
// 256).
func synthesize(ctx context.Context, outputPath string, seed int) error {
	ctx, cancel := context.WithTimeout(ctx, synthesizeTimeout)
	defer cancel()

	r := mod256(seed * 37)
	g := mod256(seed * 59)
	b := mod256(seed * 97)
	color := fmt.Sprintf("0x%02x%02x%02x", r, g, b)

	cmd := exec.CommandContext(ctx, "ffmpeg",
		"-y",
		"-f", "lavfi",
		"-i", fmt.Sprintf("color=c=%s:s=%dx%d:d=%d", color, videoWidth, videoHeight, videoSecs),
		"-pix_fmt", "yuv420p",
		"-c:v", "libx264",
		"-t", fmt.Sprintf("%d", videoSecs),
		outputPath,
	)

	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("ffmpeg synthesize: %w: %s", err, out)
	}

	return nil
}

func mod256(n int) int {
	n %= 256
	if n < 0 {
		n += 256
	}

	return n
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}

	return out.Close()
}
