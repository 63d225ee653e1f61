package media

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// SubmitFunc transmits one sample to the detection channel. It returns
// once transmission has settled (delivered remotely, handled locally, or
// failed); the sampler uses that to enforce at-most-one-in-flight.
type SubmitFunc func(ctx context.Context, s Sample) error

// Sampler drives the fixed-period capture loop. A tick that arrives while
// the previous sample is still in flight is skipped, never queued: the
// design favors freshness over completeness.
type Sampler struct {
	capture  Capture
	interval time.Duration
	submit   SubmitFunc
	logger   *slog.Logger

	inFlight atomic.Bool
	seq      atomic.Uint64
	skipped  atomic.Uint64

	wg sync.WaitGroup
}

// NewSampler builds a sampler over an acquired capture handle.
func NewSampler(capture Capture, interval time.Duration, submit SubmitFunc, logger *slog.Logger) *Sampler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sampler{
		capture:  capture,
		interval: interval,
		submit:   submit,
		logger:   logger.With("component", "sampler"),
	}
}

// Run ticks until ctx is cancelled, then waits for any in-flight
// submission to settle before returning. It does not release the capture
// handle; the session owns that.
func (s *Sampler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			s.logger.Info("sampler stopped", "samples", s.seq.Load(), "skipped", s.skipped.Load())
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick captures and dispatches one sample unless a previous one is still
// in flight.
func (s *Sampler) tick(ctx context.Context) {
	if !s.inFlight.CompareAndSwap(false, true) {
		s.skipped.Add(1)
		s.logger.Debug("tick skipped, previous sample in flight")
		return
	}

	frame, err := s.capture.Frame(ctx)
	if err != nil {
		s.inFlight.Store(false)
		s.logger.Warn("frame capture failed", "error", err)
		return
	}
	level, err := s.capture.AudioLevel(ctx)
	if err != nil {
		// A sample without audio is still worth sending.
		s.logger.Debug("audio level unavailable", "error", err)
		level = 0
	}

	sample := Sample{
		Seq:        s.seq.Add(1),
		Frame:      frame,
		AudioLevel: level,
		CapturedAt: time.Now().UTC(),
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.inFlight.Store(false)
		if err := s.submit(ctx, sample); err != nil {
			s.logger.Warn("sample submission failed", "seq", sample.Seq, "error", err)
		}
	}()
}

// Skipped returns how many ticks were dropped by the in-flight guard.
func (s *Sampler) Skipped() uint64 { return s.skipped.Load() }

// Samples returns how many samples were captured.
func (s *Sampler) Samples() uint64 { return s.seq.Load() }
