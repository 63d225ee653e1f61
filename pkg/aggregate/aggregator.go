// Package aggregate turns raw detection signals and browser-activity
// events into rate-limited, severity-tagged violation events.
package aggregate

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/invigilo-labs/proctor/pkg/proctor"
)

// Sink receives classified events. The evidence pipeline implements it.
type Sink interface {
	Record(ctx context.Context, event proctor.ViolationEvent, needsSnapshot bool) error
}

// Rules holds the classification thresholds.
type Rules struct {
	// NoPersonSamples is N: face_count == 0 for N consecutive samples
	// fires no_person_detected.
	NoPersonSamples int
	// HeadPoseThreshold is the absolute pitch/yaw offset (degrees) that
	// counts as looking away.
	HeadPoseThreshold float64
	// LookAwayWindow is how long the offset must be sustained.
	LookAwayWindow time.Duration
	// AudioThreshold is the 0..100 level above which a sample is noisy.
	AudioThreshold float64
	// AudioRepeatCount is how many noisy samples arm one audio_noise
	// event before the counter resets.
	AudioRepeatCount int
	// GapSamples is how many consecutive unavailable samples fire one
	// monitoring_gap event.
	GapSamples int
	// RestrictedObjects are the labels that fire unauthorized_object.
	RestrictedObjects []string
	// EventRatePerMin caps overall emission. Guarded drops are counted
	// and logged, never silent.
	EventRatePerMin int
}

// Aggregator is the single owner of all debounce state. Raw signals may
// complete slightly out of order within a sampling period; every counter
// below is keyed by sample sequence number so reprocessing or small
// inversions cannot double-count.
type Aggregator struct {
	sessionID     string
	participantID string
	rules         Rules
	sink          Sink
	logger        *slog.Logger
	limiter       *rate.Limiter

	mu sync.Mutex
	// eventSeq is the per-session monotone sequence stamped on every
	// emitted event.
	eventSeq uint64

	// no_person episode state
	noPersonRun     int
	noPersonLastSeq uint64
	noPersonFired   bool

	// looking_away episode state
	lookAwaySince time.Time
	lookAwayFired bool

	// audio_noise counter
	audioCount int

	// monitoring_gap episode state
	gapRun     int
	gapLastSeq uint64
	gapFired   bool

	dropped uint64
	wg      sync.WaitGroup
}

// New builds an aggregator for one session.
func New(sessionID, participantID string, rules Rules, sink Sink, logger *slog.Logger) *Aggregator {
	if logger == nil {
		logger = slog.Default()
	}
	limit := rate.Inf
	burst := 1
	if rules.EventRatePerMin > 0 {
		limit = rate.Limit(float64(rules.EventRatePerMin) / 60.0)
		burst = rules.EventRatePerMin
	}
	return &Aggregator{
		sessionID:     sessionID,
		participantID: participantID,
		rules:         rules,
		sink:          sink,
		logger:        logger.With("component", "aggregator", "session_id", sessionID),
		limiter:       rate.NewLimiter(limit, burst),
	}
}

// Run consumes the signal stream until ctx is cancelled.
func (a *Aggregator) Run(ctx context.Context, signals <-chan proctor.RawSignal) {
	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-signals:
			a.Process(ctx, sig)
		}
	}
}

// Process classifies one raw signal. Safe for concurrent callers; state
// updates are serialized.
func (a *Aggregator) Process(ctx context.Context, sig proctor.RawSignal) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if sig.Kind != proctor.SignalUnavailable {
		a.resetGapLocked()
	}

	switch sig.Kind {
	case proctor.SignalFaceCount:
		a.processFaceCountLocked(ctx, sig)
	case proctor.SignalObjectLabel:
		a.processObjectLocked(ctx, sig)
	case proctor.SignalHeadPose:
		a.processHeadPoseLocked(ctx, sig)
	case proctor.SignalAudioLevel:
		a.processAudioLocked(ctx, sig)
	case proctor.SignalLighting:
		// Lighting gates session entry; in-session it is informational.
	case proctor.SignalUnavailable:
		a.processGapLocked(ctx, sig)
	}
}

// ReportActivity handles direct browser-activity events. They bypass the
// detection channel, are always severity low, and never carry a
// snapshot.
func (a *Aggregator) ReportActivity(ctx context.Context, ev proctor.ActivityEvent) {
	vt, ok := ev.Kind.Violation()
	if !ok {
		a.logger.Warn("unknown activity kind", "kind", ev.Kind)
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.emitLocked(ctx, vt, proctor.SeverityLow, &proctor.Details{
		Message: fmt.Sprintf("browser activity: %s", ev.Kind),
	})
}

func (a *Aggregator) processFaceCountLocked(ctx context.Context, sig proctor.RawSignal) {
	switch {
	case sig.FaceCount > 1:
		// A second party is unconditionally reportable: no debounce.
		a.emitLocked(ctx, proctor.ViolationMultipleFaces, proctor.SeverityHigh, &proctor.Details{
			Message: fmt.Sprintf("%d faces in frame", sig.FaceCount),
		})
		a.resetNoPersonLocked()
	case sig.FaceCount == 0:
		if sig.Seq <= a.noPersonLastSeq {
			return // already counted; reordered duplicate
		}
		if a.noPersonRun > 0 && sig.Seq > a.noPersonLastSeq+1 {
			// A hole in the run means at least one sample in between had
			// a face or was unavailable; start over.
			a.noPersonRun = 0
			a.noPersonFired = false
		}
		a.noPersonLastSeq = sig.Seq
		a.noPersonRun++
		if a.noPersonRun >= a.rules.NoPersonSamples && !a.noPersonFired {
			a.noPersonFired = true
			a.emitLocked(ctx, proctor.ViolationNoPerson, proctor.SeverityMedium, &proctor.Details{
				Message: fmt.Sprintf("no person detected for %d consecutive samples", a.noPersonRun),
			})
		}
	default:
		a.resetNoPersonLocked()
	}
}

func (a *Aggregator) resetNoPersonLocked() {
	a.noPersonRun = 0
	a.noPersonFired = false
}

func (a *Aggregator) processObjectLocked(ctx context.Context, sig proctor.RawSignal) {
	label := strings.ToLower(sig.ObjectLabel)
	for _, restricted := range a.rules.RestrictedObjects {
		if label == strings.ToLower(restricted) {
			// Immediate: each qualifying signal is one event.
			a.emitLocked(ctx, proctor.ViolationObject, proctor.SeverityHigh, &proctor.Details{
				Message:    fmt.Sprintf("unauthorized object: %s", label),
				Confidence: sig.Confidence,
			})
			return
		}
	}
}

func (a *Aggregator) processHeadPoseLocked(ctx context.Context, sig proctor.RawSignal) {
	away := abs(sig.PitchDelta) > a.rules.HeadPoseThreshold || abs(sig.YawDelta) > a.rules.HeadPoseThreshold
	if !away {
		a.lookAwaySince = time.Time{}
		a.lookAwayFired = false
		return
	}
	now := time.Now()
	if a.lookAwaySince.IsZero() {
		a.lookAwaySince = now
		return
	}
	if now.Sub(a.lookAwaySince) >= a.rules.LookAwayWindow && !a.lookAwayFired {
		// One event per sustained episode; brief glances never fire.
		a.lookAwayFired = true
		a.emitLocked(ctx, proctor.ViolationLookingAway, proctor.SeverityLow, &proctor.Details{
			Message: fmt.Sprintf("gaze off-center for %s", now.Sub(a.lookAwaySince).Round(time.Second)),
		})
	}
}

func (a *Aggregator) processAudioLocked(ctx context.Context, sig proctor.RawSignal) {
	if sig.AudioLevel <= a.rules.AudioThreshold {
		a.audioCount = 0
		return
	}
	a.audioCount++
	if a.audioCount >= a.rules.AudioRepeatCount {
		// Fire once per episode, then reset the counter.
		a.audioCount = 0
		a.emitLocked(ctx, proctor.ViolationAudioNoise, proctor.SeverityMedium, &proctor.Details{
			Message: fmt.Sprintf("sustained noise at level %.0f", sig.AudioLevel),
		})
	}
}

func (a *Aggregator) processGapLocked(ctx context.Context, sig proctor.RawSignal) {
	if sig.Seq <= a.gapLastSeq {
		return
	}
	if a.gapRun > 0 && sig.Seq > a.gapLastSeq+1 {
		a.gapRun = 0
		a.gapFired = false
	}
	a.gapLastSeq = sig.Seq
	a.gapRun++
	if a.gapRun >= a.rules.GapSamples && !a.gapFired {
		a.gapFired = true
		a.emitLocked(ctx, proctor.ViolationMonitoringGap, proctor.SeverityMedium, &proctor.Details{
			Message: fmt.Sprintf("no detection result for %d consecutive samples", a.gapRun),
		})
	}
}

func (a *Aggregator) resetGapLocked() {
	a.gapRun = 0
	a.gapFired = false
}

// emitLocked stamps and dispatches one event. Recording runs off the
// classification path so a slow upload never stalls signal processing;
// Wait drains outstanding records.
func (a *Aggregator) emitLocked(ctx context.Context, vt proctor.ViolationType, sev proctor.Severity, details *proctor.Details) {
	if !a.limiter.Allow() {
		a.dropped++
		a.logger.Warn("violation dropped by flood guard", "type", vt, "dropped_total", a.dropped)
		return
	}

	a.eventSeq++
	event := proctor.ViolationEvent{
		ID:            uuid.New().String(),
		SessionID:     a.sessionID,
		ParticipantID: a.participantID,
		Type:          vt,
		Severity:      sev,
		Seq:           a.eventSeq,
		Timestamp:     time.Now().UTC(),
		Details:       details,
	}

	// Recording outlives monitoring cancellation: an upload already in
	// flight completes so the violation is never lost mid-write. The
	// pipeline bounds its own work; Wait bounds the flush.
	recCtx := context.WithoutCancel(ctx)

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := a.sink.Record(recCtx, event, vt.NeedsSnapshot()); err != nil {
			a.logger.Error("violation record failed", "type", vt, "seq", event.Seq, "error", err)
		}
	}()
}

// Wait blocks until every dispatched record has settled or ctx expires.
// Used by the flush phase before the session completes.
func (a *Aggregator) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("violation flush: %w", ctx.Err())
	}
}

// Dropped returns how many events the flood guard suppressed.
func (a *Aggregator) Dropped() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.dropped
}

// EventCount returns how many events have been emitted.
func (a *Aggregator) EventCount() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.eventSeq
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}
