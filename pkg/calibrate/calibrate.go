// Package calibrate establishes the participant's neutral head-pose
// baseline and runs the pre-session environment gate.
package calibrate

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/invigilo-labs/proctor/pkg/detect"
	"github.com/invigilo-labs/proctor/pkg/media"
	"github.com/invigilo-labs/proctor/pkg/proctor"
)

// Calibrator captures exactly one frame per attempt and asks the
// detection capability for the zero-reference pose. Retry policy belongs
// to the caller: proctor.ErrNoFaceDetected and proctor.ErrMultipleFaces
// are retryable preconditions, not faults.
type Calibrator struct {
	capability detect.Capability
	logger     *slog.Logger
}

// New builds a calibrator over the given capability.
func New(capability detect.Capability, logger *slog.Logger) *Calibrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Calibrator{capability: capability, logger: logger.With("component", "calibrate")}
}

// Calibrate captures one frame and records the returned pitch/yaw as the
// baseline. The baseline is immutable after success.
func (c *Calibrator) Calibrate(ctx context.Context, cam media.Capture) (proctor.Baseline, error) {
	frame, err := cam.Frame(ctx)
	if err != nil {
		return proctor.Baseline{}, fmt.Errorf("calibration frame capture: %w", err)
	}
	baseline, err := c.capability.Calibrate(ctx, frame)
	if err != nil {
		return proctor.Baseline{}, err
	}
	c.logger.Info("calibration complete", "pitch", baseline.Pitch, "yaw", baseline.Yaw)
	return baseline, nil
}

// CheckEnvironment captures one frame and runs the lighting/face
// placement gate. Poor lighting is reported here, before monitoring,
// never as an in-session violation.
func (c *Calibrator) CheckEnvironment(ctx context.Context, cam media.Capture) (detect.EnvironmentCheck, error) {
	frame, err := cam.Frame(ctx)
	if err != nil {
		return detect.EnvironmentCheck{}, fmt.Errorf("environment frame capture: %w", err)
	}
	check, err := c.capability.CheckEnvironment(ctx, frame)
	if err != nil {
		return detect.EnvironmentCheck{}, fmt.Errorf("environment check: %w", err)
	}
	return check, nil
}
