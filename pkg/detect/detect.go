// Package detect provides the detection capability contract, its remote
// and local implementations, and the streaming channel that prefers the
// remote path and falls back to local analysis transparently.
package detect

import (
	"context"

	"github.com/invigilo-labs/proctor/pkg/proctor"
)

// DetectedObject is one recognized object in a frame.
type DetectedObject struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
}

// FrameResult is the raw output of one detection pass over a frame.
type FrameResult struct {
	FaceCount int              `json:"face_count"`
	Objects   []DetectedObject `json:"objects,omitempty"`
	// Pitch/Yaw are absolute head-pose angles, valid only when HasPose.
	Pitch   float64 `json:"pitch,omitempty"`
	Yaw     float64 `json:"yaw,omitempty"`
	HasPose bool    `json:"has_pose"`
	// Lighting is a 0..100 brightness score.
	Lighting float64 `json:"lighting_score"`
}

// EnvironmentCheck is the pre-session gate result.
type EnvironmentCheck struct {
	FaceDetected bool   `json:"face_detected"`
	FaceCentered bool   `json:"face_centered"`
	LightingOK   bool   `json:"lighting_ok"`
	Message      string `json:"message,omitempty"`
}

// Capability is the opaque detection contract. Two implementations exist:
// a remote one (network round trip, higher accuracy) and a local one
// (in-process, lower accuracy). The orchestrator never depends on which
// one answered.
type Capability interface {
	// ProcessFrame analyzes one JPEG frame.
	ProcessFrame(ctx context.Context, frame []byte) (FrameResult, error)
	// Calibrate extracts the neutral head-pose baseline from a frame with
	// exactly one centered face. Fails with proctor.ErrNoFaceDetected or
	// proctor.ErrMultipleFaces otherwise.
	Calibrate(ctx context.Context, frame []byte) (proctor.Baseline, error)
	// CheckEnvironment verifies lighting and face placement before a
	// session starts.
	CheckEnvironment(ctx context.Context, frame []byte) (EnvironmentCheck, error)
}

// Signals converts a frame result into raw signals relative to the
// session baseline. The audio level travels with the sample itself, not
// the frame result, and is appended by the channel.
func Signals(res FrameResult, baseline *proctor.Baseline, seq uint64) []proctor.RawSignal {
	out := []proctor.RawSignal{
		{Kind: proctor.SignalFaceCount, Seq: seq, FaceCount: res.FaceCount},
		{Kind: proctor.SignalLighting, Seq: seq, Lighting: res.Lighting},
	}
	for _, obj := range res.Objects {
		out = append(out, proctor.RawSignal{
			Kind:        proctor.SignalObjectLabel,
			Seq:         seq,
			ObjectLabel: obj.Label,
			Confidence:  obj.Confidence,
		})
	}
	// Pose deltas are meaningless without a baseline (degraded mode).
	if res.HasPose && baseline != nil {
		out = append(out, proctor.RawSignal{
			Kind:       proctor.SignalHeadPose,
			Seq:        seq,
			PitchDelta: res.Pitch - baseline.Pitch,
			YawDelta:   res.Yaw - baseline.Yaw,
		})
	}
	return out
}
