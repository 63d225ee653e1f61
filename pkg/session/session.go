// Package session drives one monitored attempt through its lifecycle:
// calibration, active monitoring, submission. It is the single owner of
// the proctor.Session record and of the camera/microphone handle.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/invigilo-labs/proctor/pkg/aggregate"
	"github.com/invigilo-labs/proctor/pkg/calibrate"
	"github.com/invigilo-labs/proctor/pkg/media"
	"github.com/invigilo-labs/proctor/pkg/observability"
	"github.com/invigilo-labs/proctor/pkg/proctor"
)

// SignalChannel is the slice of the detection channel the session needs.
// *detect.Channel satisfies it.
type SignalChannel interface {
	Start(ctx context.Context)
	Submit(ctx context.Context, sample media.Sample) error
	Signals() <-chan proctor.RawSignal
	SetBaseline(b *proctor.Baseline)
}

// Config tunes one session run.
type Config struct {
	SampleInterval     time.Duration
	CalibrationRetries int
	FlushTimeout       time.Duration
	Rules              aggregate.Rules
}

// transitions is the legal state graph. Aborted is additionally
// reachable from every non-terminal state via abort().
var transitions = map[proctor.SessionState][]proctor.SessionState{
	proctor.StateCreated:     {proctor.StateCalibrating},
	proctor.StateCalibrating: {proctor.StateMonitoring},
	proctor.StateMonitoring:  {proctor.StateSubmitting},
	proctor.StateSubmitting:  {proctor.StateCompleted},
}

// Session is the top-level orchestrator for one monitored attempt.
type Session struct {
	cfg        Config
	device     media.Device
	calibrator *calibrate.Calibrator
	channel    SignalChannel
	sink       aggregate.Sink
	obs        *observability.Provider
	logger     *slog.Logger

	mu            sync.Mutex
	record        proctor.Session
	capture       media.Capture
	agg           *aggregate.Aggregator
	cancelMonitor context.CancelFunc
	samplerDone   chan struct{}

	done     chan struct{}
	doneOnce sync.Once
}

// New creates a session in the Created state. An empty id gets a
// generated one; callers that key external resources (the detection
// stream URL) by session id pass their own.
func New(id, participantID string, deadline time.Time, cfg Config, device media.Device,
	calibrator *calibrate.Calibrator, channel SignalChannel, sink aggregate.Sink,
	obs *observability.Provider, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	if id == "" {
		id = uuid.New().String()
	}
	return &Session{
		cfg:        cfg,
		device:     device,
		calibrator: calibrator,
		channel:    channel,
		sink:       sink,
		obs:        obs,
		logger:     logger.With("component", "session", "session_id", id),
		record: proctor.Session{
			ID:            id,
			ParticipantID: participantID,
			Deadline:      deadline,
			State:         proctor.StateCreated,
		},
		done: make(chan struct{}),
	}
}

// ID returns the session identifier.
func (s *Session) ID() string {
	return s.record.ID
}

// State returns the current lifecycle state.
func (s *Session) State() proctor.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.record.State
}

// Snapshot returns a copy of the session record.
func (s *Session) Snapshot() proctor.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.record
}

// Done is closed once the session reaches Completed or Aborted.
func (s *Session) Done() <-chan struct{} { return s.done }

// transition moves to next if legal, or fails with ErrInvalidTransition.
func (s *Session) transition(next proctor.SessionState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transitionLocked(next)
}

func (s *Session) transitionLocked(next proctor.SessionState) error {
	from := s.record.State
	for _, allowed := range transitions[from] {
		if allowed == next {
			s.record.State = next
			s.logger.Info("session state changed", "from", from, "to", next)
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", proctor.ErrInvalidTransition, from, next)
}

// Start drives Created → Calibrating → Monitoring. It acquires the
// devices, runs the environment gate and bounded calibration retries,
// then launches the sampler, channel and aggregator. It returns once
// monitoring is active; monitoring itself runs in the background until
// the deadline or an explicit End.
func (s *Session) Start(ctx context.Context) error {
	if err := s.transition(proctor.StateCalibrating); err != nil {
		return err
	}

	capture, err := s.device.Acquire(ctx)
	if err != nil {
		s.abort(fmt.Errorf("%w: %v", proctor.ErrMediaAccessDenied, err))
		return proctor.ErrMediaAccessDenied
	}
	s.mu.Lock()
	s.capture = capture
	s.mu.Unlock()

	baseline, degraded := s.calibrateWithRetry(ctx, capture)

	s.mu.Lock()
	if err := s.transitionLocked(proctor.StateMonitoring); err != nil {
		s.mu.Unlock()
		capture.Release()
		return err
	}
	s.record.StartedAt = time.Now().UTC()
	s.record.Baseline = baseline
	s.record.Degraded = degraded
	s.mu.Unlock()

	s.startMonitoring(baseline)
	return nil
}

// calibrateWithRetry runs the environment gate and up to
// CalibrationRetries calibration attempts. Exhausted retries degrade to
// a null baseline: a configuration fact, not a violation.
func (s *Session) calibrateWithRetry(ctx context.Context, capture media.Capture) (*proctor.Baseline, bool) {
	if check, err := s.calibrator.CheckEnvironment(ctx, capture); err != nil {
		s.logger.Warn("environment check unavailable", "error", err)
	} else if !check.LightingOK || !check.FaceDetected || !check.FaceCentered {
		s.logger.Warn("environment gate not satisfied",
			"lighting_ok", check.LightingOK,
			"face_detected", check.FaceDetected,
			"face_centered", check.FaceCentered,
			"message", check.Message)
	}

	attempts := s.cfg.CalibrationRetries
	if attempts < 1 {
		attempts = 1
	}
	for attempt := 1; attempt <= attempts; attempt++ {
		baseline, err := s.calibrator.Calibrate(ctx, capture)
		if err == nil {
			return &baseline, false
		}
		retryable := errors.Is(err, proctor.ErrNoFaceDetected) || errors.Is(err, proctor.ErrMultipleFaces)
		s.logger.Warn("calibration attempt failed",
			"attempt", attempt, "retryable", retryable, "error", err)
	}

	s.logger.Warn("calibration exhausted, proceeding with null baseline (degraded)")
	return nil, true
}

// startMonitoring launches the concurrent monitoring tasks. Their
// context is owned by the session, not by the Start caller.
func (s *Session) startMonitoring(baseline *proctor.Baseline) {
	monCtx, cancel := context.WithCancel(context.Background())

	s.mu.Lock()
	s.cancelMonitor = cancel
	s.agg = aggregate.New(s.record.ID, s.record.ParticipantID, s.cfg.Rules, s.instrumentedSink(), s.logger)
	s.samplerDone = make(chan struct{})
	capture := s.capture
	agg := s.agg
	s.mu.Unlock()

	s.channel.SetBaseline(baseline)
	s.channel.Start(monCtx)

	go agg.Run(monCtx, s.channel.Signals())

	sampler := media.NewSampler(capture, s.cfg.SampleInterval, s.submitSample, s.logger)
	go func() {
		defer close(s.samplerDone)
		sampler.Run(monCtx)
	}()

	go s.countdown(monCtx)
}

func (s *Session) submitSample(ctx context.Context, sample media.Sample) error {
	if s.obs != nil {
		s.obs.RecordSample(ctx, s.record.ID)
	}
	return s.channel.Submit(ctx, sample)
}

// instrumentedSink decorates the evidence pipeline with a span and the
// violation counter.
func (s *Session) instrumentedSink() aggregate.Sink {
	return sinkFunc(func(ctx context.Context, event proctor.ViolationEvent, needsSnapshot bool) error {
		if s.obs != nil {
			var span trace.Span
			ctx, span = s.obs.StartSpan(ctx, "violation.record",
				attribute.String("violation_type", string(event.Type)),
				attribute.String("severity", string(event.Severity)))
			defer span.End()
			s.obs.RecordViolation(ctx, event.SessionID, string(event.Type))
		}
		return s.sink.Record(ctx, event, needsSnapshot)
	})
}

type sinkFunc func(ctx context.Context, event proctor.ViolationEvent, needsSnapshot bool) error

func (f sinkFunc) Record(ctx context.Context, event proctor.ViolationEvent, needsSnapshot bool) error {
	return f(ctx, event, needsSnapshot)
}

// countdown submits the session when the deadline passes.
func (s *Session) countdown(ctx context.Context) {
	s.mu.Lock()
	deadline := s.record.Deadline
	s.mu.Unlock()
	if deadline.IsZero() {
		return
	}

	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
		s.logger.Info("deadline reached, submitting")
		if err := s.End(context.Background()); err != nil && !errors.Is(err, proctor.ErrInvalidTransition) {
			s.logger.Error("deadline submission failed", "error", err)
		}
	}
}

// ReportActivity feeds one browser-activity event from the host
// environment. Legal only while Monitoring.
func (s *Session) ReportActivity(ctx context.Context, ev proctor.ActivityEvent) error {
	s.mu.Lock()
	if s.record.State != proctor.StateMonitoring {
		state := s.record.State
		s.mu.Unlock()
		return fmt.Errorf("%w: activity in state %s", proctor.ErrInvalidTransition, state)
	}
	agg := s.agg
	s.mu.Unlock()

	agg.ReportActivity(ctx, ev)
	return nil
}

// End drives Monitoring → Submitting → Completed: stop sampling, release
// the devices, flush pending violation writes within the bounded
// timeout, then complete. Unflushed items surface as a warning, never a
// fatal error.
func (s *Session) End(ctx context.Context) error {
	s.mu.Lock()
	if err := s.transitionLocked(proctor.StateSubmitting); err != nil {
		s.mu.Unlock()
		return err
	}
	cancel := s.cancelMonitor
	capture := s.capture
	agg := s.agg
	samplerDone := s.samplerDone
	s.mu.Unlock()

	// Stop new submissions, then release the shared devices. Release is
	// unconditional: it happens on this path and on abort.
	if cancel != nil {
		cancel()
	}
	if samplerDone != nil {
		<-samplerDone
	}
	if capture != nil {
		capture.Release()
	}

	if agg != nil {
		flushTimeout := s.cfg.FlushTimeout
		if flushTimeout <= 0 {
			flushTimeout = 10 * time.Second
		}
		flushCtx, flushCancel := context.WithTimeout(context.WithoutCancel(ctx), flushTimeout)
		defer flushCancel()
		if err := agg.Wait(flushCtx); err != nil {
			s.logger.Warn("flush incomplete, completing anyway", "error", err)
		}
	}

	if err := s.transition(proctor.StateCompleted); err != nil {
		return err
	}
	s.doneOnce.Do(func() { close(s.done) })
	return nil
}

// abort moves to Aborted from any non-terminal state and guarantees
// device release.
func (s *Session) abort(cause error) {
	s.mu.Lock()
	if s.record.State.Terminal() {
		s.mu.Unlock()
		return
	}
	from := s.record.State
	s.record.State = proctor.StateAborted
	cancel := s.cancelMonitor
	capture := s.capture
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if capture != nil {
		capture.Release()
	}
	s.logger.Error("session aborted", "from", from, "cause", cause)
	s.doneOnce.Do(func() { close(s.done) })
}

// Abort terminates the session fatally (camera/microphone revoked
// mid-run, operator kill).
func (s *Session) Abort(cause error) {
	s.abort(cause)
}
