// Package media models camera/microphone access and the fixed-cadence
// sampling loop that feeds the detection channel.
package media

import (
	"context"
	"time"
)

// Sample is one sampling unit: a frame snapshot plus the instantaneous
// audio level, captured together on a tick.
type Sample struct {
	// Seq increases by one per captured sample within a session.
	Seq        uint64
	Frame      []byte // JPEG-encoded
	AudioLevel float64
	CapturedAt time.Time
}

// Capture is an exclusive handle on the camera and microphone. It is
// acquired once at calibration and must be released on every session
// exit path.
type Capture interface {
	// Frame captures one JPEG-encoded frame.
	Frame(ctx context.Context) ([]byte, error)
	// AudioLevel returns the instantaneous microphone level, 0..100.
	AudioLevel(ctx context.Context) (float64, error)
	// Release frees the devices. Idempotent.
	Release()
}

// Device grants scoped access to the shared camera/microphone resource.
// Acquire fails with proctor.ErrMediaAccessDenied when the participant
// refused the permission grant.
type Device interface {
	Acquire(ctx context.Context) (Capture, error)
}
