// Package metrics defines MetricBundleV1, the fixed schema every run's
// quality measurement is reported in, and DeriveStatusBadge, the single
// rule set the metrics engine and the read API both apply to it. It also
// ships a deterministic reference engine that derives a bundle from a
// canonical video and its audio without a real computer-vision stack.
package metrics

import "encoding/json"

// StatusBadge is the coarse pass/flagged/reject verdict a MetricBundleV1
// carries.
type StatusBadge string

const (
	StatusPass    StatusBadge = "pass"
	StatusFlagged StatusBadge = "flagged"
	StatusReject  StatusBadge = "reject"
)

// Thresholds a MetricBundleV1 is judged against. Demo-tuned, not a
// calibrated quality bar, surfaced in the UI as "review signals."
const (
	rejectFacePresentFloor   = 0.2
	rejectAVDeltaCeilingMS   = 500
	flagFlickerCeiling       = 10.0
	flagFreezeCeiling        = 0.3
	flagBlurFloor            = 20.0
	flagMouthAudioCorrFloor  = -0.1
)

// BundleV1 is the fixed-schema quality report for one Run's canonical
// output. Every field is always populated; the nullable fields
// (BlinkCount, BlinkRateHz, LSED, LSEC) are Tier-2 signals that a minimal
// engine may legitimately not compute.
type BundleV1 struct {
	DecodeOK             bool        `json:"decode_ok"`
	VideoDurationMS      int         `json:"video_duration_ms"`
	AudioDurationMS      int         `json:"audio_duration_ms"`
	AVDurationDeltaMS    int         `json:"av_duration_delta_ms"`
	FPS                  float64     `json:"fps"`
	FrameCount           int         `json:"frame_count"`
	SceneCutCount        int         `json:"scene_cut_count"`
	FreezeFrameRatio     float64     `json:"freeze_frame_ratio"`
	FlickerScore         float64     `json:"flicker_score"`
	BlurScore            float64     `json:"blur_score"`
	FrameDiffSpikeCount  int         `json:"frame_diff_spike_count"`
	FacePresentRatio     float64     `json:"face_present_ratio"`
	FaceBBoxJitter       float64     `json:"face_bbox_jitter"`
	LandmarkJitter       float64     `json:"landmark_jitter"`
	MouthOpenEnergy      float64     `json:"mouth_open_energy"`
	MouthAudioCorr       float64     `json:"mouth_audio_corr"`
	BlinkCount           *int        `json:"blink_count"`
	BlinkRateHz          *float64    `json:"blink_rate_hz"`
	LSED                 *float64    `json:"lse_d"`
	LSEC                 *float64    `json:"lse_c"`
	StatusBadge          StatusBadge `json:"status_badge"`
	Reasons              []string    `json:"reasons"`
}

// MarshalValue encodes the bundle for WriteMetricResult's json.RawMessage
// value column.
func (b BundleV1) MarshalValue() (json.RawMessage, error) {
	return json.Marshal(b)
}

// DeriveStatusBadge applies the fixed reject/flagged/pass rule set to a
// bundle's signals. reject dominates flagged dominates pass; reasons
// lists every condition that fired, not just the first.
func DeriveStatusBadge(
	decodeOK bool,
	facePresentRatio float64,
	avDurationDeltaMS int,
	flickerScore, freezeFrameRatio, blurScore, mouthAudioCorr float64,
) (StatusBadge, []string) {
	var reasons []string

	reject := false
	flagged := false

	if !decodeOK {
		reasons = append(reasons, "decode_ok=false")
		reject = true
	}

	if facePresentRatio < rejectFacePresentFloor {
		reasons = append(reasons, "face_present_ratio below floor")
		reject = true
	}

	if avDurationDeltaMS > rejectAVDeltaCeilingMS {
		reasons = append(reasons, "av_duration_delta_ms above ceiling")
		reject = true
	}

	if flickerScore > flagFlickerCeiling {
		reasons = append(reasons, "flicker_score above ceiling")
		flagged = true
	}

	if freezeFrameRatio > flagFreezeCeiling {
		reasons = append(reasons, "freeze_frame_ratio above ceiling")
		flagged = true
	}

	if blurScore < flagBlurFloor {
		reasons = append(reasons, "blur_score below floor")
		flagged = true
	}

	if mouthAudioCorr < flagMouthAudioCorrFloor {
		reasons = append(reasons, "mouth_audio_corr below floor")
		flagged = true
	}

	switch {
	case reject:
		return StatusReject, reasons
	case flagged:
		return StatusFlagged, reasons
	default:
		return StatusPass, reasons
	}
}
