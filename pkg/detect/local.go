package detect

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/jpeg" // frame snapshots are JPEG-encoded
	"log/slog"

	"github.com/invigilo-labs/proctor/pkg/proctor"
)

// Local is the in-process detection capability. It trades accuracy for
// availability: cheap image statistics instead of a model, so a sample
// always gets an answer even with the remote service down. It can tell
// "a face-like subject is present and centered" and score lighting, but
// cannot count multiple faces, classify objects, or estimate head pose.
type Local struct {
	logger *slog.Logger
	// MinLighting is the luma score below which lighting fails the
	// environment check.
	MinLighting float64
	// MinSubjectRatio is the minimum fraction of skin-tone pixels in the
	// center region for a face to count as present.
	MinSubjectRatio float64
}

// NewLocal builds the local capability with the given lighting floor.
func NewLocal(minLighting float64, logger *slog.Logger) *Local {
	if logger == nil {
		logger = slog.Default()
	}
	return &Local{
		logger:          logger.With("component", "detect.local"),
		MinLighting:     minLighting,
		MinSubjectRatio: 0.08,
	}
}

type frameStats struct {
	lighting     float64 // mean luma scaled to 0..100
	subjectRatio float64 // skin-tone pixel fraction in the center third
}

func (l *Local) analyze(frame []byte) (frameStats, error) {
	img, _, err := image.Decode(bytes.NewReader(frame))
	if err != nil {
		return frameStats{}, fmt.Errorf("decode frame: %w", err)
	}

	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	if w == 0 || h == 0 {
		return frameStats{}, fmt.Errorf("empty frame")
	}

	// Sample a grid rather than every pixel; precision is not the point.
	step := w / 64
	if step < 1 {
		step = 1
	}

	var lumaSum float64
	var total, centerTotal, centerSkin int
	cx0, cx1 := bounds.Min.X+w/3, bounds.Min.X+2*w/3
	cy0, cy1 := bounds.Min.Y+h/3, bounds.Min.Y+2*h/3

	for y := bounds.Min.Y; y < bounds.Max.Y; y += step {
		for x := bounds.Min.X; x < bounds.Max.X; x += step {
			r, g, b, _ := img.At(x, y).RGBA()
			rf, gf, bf := float64(r>>8), float64(g>>8), float64(b>>8)
			lumaSum += 0.299*rf + 0.587*gf + 0.114*bf
			total++

			if x >= cx0 && x < cx1 && y >= cy0 && y < cy1 {
				centerTotal++
				// Crude skin-tone test in RGB space.
				if rf > 60 && rf > gf && gf > bf && rf-bf > 15 {
					centerSkin++
				}
			}
		}
	}

	stats := frameStats{lighting: lumaSum / float64(total) / 255.0 * 100.0}
	if centerTotal > 0 {
		stats.subjectRatio = float64(centerSkin) / float64(centerTotal)
	}
	return stats, nil
}

// ProcessFrame reports face presence (0 or 1) and lighting. Object and
// pose fields stay empty; the aggregator treats their absence as "no
// finding", not as "all clear on a verified check".
func (l *Local) ProcessFrame(ctx context.Context, frame []byte) (FrameResult, error) {
	stats, err := l.analyze(frame)
	if err != nil {
		return FrameResult{}, err
	}
	res := FrameResult{Lighting: stats.lighting}
	if stats.subjectRatio >= l.MinSubjectRatio {
		res.FaceCount = 1
	}
	return res, nil
}

// Calibrate accepts any frame with a centered subject and returns a zero
// baseline: the local path cannot measure pose, so deltas against it are
// disabled downstream anyway.
func (l *Local) Calibrate(ctx context.Context, frame []byte) (proctor.Baseline, error) {
	stats, err := l.analyze(frame)
	if err != nil {
		return proctor.Baseline{}, err
	}
	if stats.subjectRatio < l.MinSubjectRatio {
		return proctor.Baseline{}, proctor.ErrNoFaceDetected
	}
	l.logger.Info("local calibration, zero baseline", "subject_ratio", stats.subjectRatio)
	return proctor.Baseline{}, nil
}

// CheckEnvironment gates on lighting and subject presence.
func (l *Local) CheckEnvironment(ctx context.Context, frame []byte) (EnvironmentCheck, error) {
	stats, err := l.analyze(frame)
	if err != nil {
		return EnvironmentCheck{}, err
	}
	check := EnvironmentCheck{
		FaceDetected: stats.subjectRatio >= l.MinSubjectRatio,
		LightingOK:   stats.lighting >= l.MinLighting,
	}
	check.FaceCentered = check.FaceDetected
	switch {
	case !check.LightingOK:
		check.Message = "lighting below minimum"
	case !check.FaceDetected:
		check.Message = "no subject detected in frame center"
	default:
		check.Message = "ok"
	}
	return check, nil
}
