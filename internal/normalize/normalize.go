// Package normalize transcodes a provider's raw video into mirage's
// canonical format: MP4/H.264/AAC at 30 fps with faststart, trimmed to
// exactly the driving audio's duration. It shells out to ffmpeg/ffprobe:
// no Go-native codec library in the retrieved pack covers video transcode,
// so this follows original_source's subprocess approach directly.
package normalize

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/mirage-run/mirage/internal/identity"
	"github.com/mirage-run/mirage/internal/merr"
)

const (
	// timeout bounds the whole normalize call, not just the ffmpeg step,
	// per the 300-second budget.
	timeout = 300 * time.Second

	canonicalFPS          = 30
	canonicalVideoCodec   = "libx264"
	canonicalAudioCodec   = "aac"
	canonicalPixelFormat  = "yuv420p"
	probeTimeout          = 30 * time.Second
	millisecondsPerSecond = 1000
)

// Result is the canonical artifact produced by Normalize.
type Result struct {
	CanonURI   string
	SHA256     string
	DurationMS int
}

// Normalize transcodes rawVideoPath against audioPath into outputPath,
// producing mirage's canonical MP4. Any probe failure or a non-zero
// ffmpeg exit within the timeout returns a merr.Normalize error.
func Normalize(ctx context.Context, rawVideoPath, audioPath, outputPath string) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if _, err := os.Stat(rawVideoPath); err != nil {
		return Result{}, merr.Wrap(merr.Normalize, "raw video not found", err)
	}

	if _, err := os.Stat(audioPath); err != nil {
		return Result{}, merr.Wrap(merr.Normalize, "audio not found", err)
	}

	audioDurationMS, err := audioDurationMS(ctx, audioPath)
	if err != nil {
		return Result{}, merr.Wrap(merr.Normalize, "probe audio duration", err)
	}

	if err := os.MkdirAll(filepath.Dir(outputPath), 0o755); err != nil {
		return Result{}, merr.Wrap(merr.Normalize, "create output dir", err)
	}

	audioDurationSec := float64(audioDurationMS) / millisecondsPerSecond

	cmd := exec.CommandContext(ctx, "ffmpeg",
		"-y",
		"-i", rawVideoPath,
		"-i", audioPath,
		"-map", "0:v:0",
		"-map", "1:a:0",
		"-c:v", canonicalVideoCodec,
		"-c:a", canonicalAudioCodec,
		"-r", strconv.Itoa(canonicalFPS),
		"-pix_fmt", canonicalPixelFormat,
		"-t", strconv.FormatFloat(audioDurationSec, 'f', -1, 64),
		"-movflags", "+faststart",
		outputPath,
	)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return Result{}, merr.Wrap(merr.Normalize, fmt.Sprintf("ffmpeg failed: %s", strings.TrimSpace(stderr.String())), err)
	}

	sha256, err := identity.SHA256File(outputPath)
	if err != nil {
		return Result{}, merr.Wrap(merr.Normalize, "hash canonical output", err)
	}

	outputDurationMS, err := videoDurationMS(ctx, outputPath)
	if err != nil {
		return Result{}, merr.Wrap(merr.Normalize, "probe output duration", err)
	}

	return Result{CanonURI: "file://" + outputPath, SHA256: sha256, DurationMS: outputDurationMS}, nil
}

type ffprobeStreamResult struct {
	Streams []struct {
		Duration string `json:"duration"`
	} `json:"streams"`
}

func videoDurationMS(ctx context.Context, path string) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "ffprobe",
		"-v", "error",
		"-select_streams", "v:0",
		"-show_entries", "stream=duration",
		"-of", "json",
		path,
	)

	out, err := cmd.Output()
	if err != nil {
		return 0, fmt.Errorf("ffprobe: %w", err)
	}

	var parsed ffprobeStreamResult
	if err := json.Unmarshal(out, &parsed); err != nil {
		return 0, fmt.Errorf("parse ffprobe output: %w", err)
	}

	if len(parsed.Streams) == 0 {
		return 0, fmt.Errorf("ffprobe: no video stream found in %s", path)
	}

	return parseDurationMS(parsed.Streams[0].Duration)
}

type ffprobeFormatResult struct {
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
}

func audioDurationMS(ctx context.Context, path string) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "ffprobe",
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "json",
		path,
	)

	out, err := cmd.Output()
	if err != nil {
		return 0, fmt.Errorf("ffprobe: %w", err)
	}

	var parsed ffprobeFormatResult
	if err := json.Unmarshal(out, &parsed); err != nil {
		return 0, fmt.Errorf("parse ffprobe output: %w", err)
	}

	return parseDurationMS(parsed.Format.Duration)
}

func parseDurationMS(durationStr string) (int, error) {
	if durationStr == "" {
		return 0, nil
	}

	seconds, err := strconv.ParseFloat(durationStr, 64)
	if err != nil {
		return 0, fmt.Errorf("parse duration %q: %w", durationStr, err)
	}

	return int(seconds * millisecondsPerSecond), nil
}
