// Package proctor defines the domain types shared across the proctoring
// session orchestrator: sessions, calibration baselines, raw detection
// signals, and durable violation events.
package proctor

import (
	"time"
)

// SessionState represents the lifecycle of a monitored session.
type SessionState string

const (
	StateCreated     SessionState = "CREATED"
	StateCalibrating SessionState = "CALIBRATING"
	StateMonitoring  SessionState = "MONITORING"
	StateSubmitting  SessionState = "SUBMITTING"
	StateCompleted   SessionState = "COMPLETED"
	StateAborted     SessionState = "ABORTED"
)

// Terminal reports whether no further transitions are legal from s.
func (s SessionState) Terminal() bool {
	return s == StateCompleted || s == StateAborted
}

// Severity grades a violation event.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// ViolationType enumerates the classified violation categories.
type ViolationType string

const (
	ViolationNoPerson      ViolationType = "no_person_detected"
	ViolationMultipleFaces ViolationType = "multiple_faces"
	ViolationObject        ViolationType = "unauthorized_object"
	ViolationLookingAway   ViolationType = "looking_away"
	ViolationAudioNoise    ViolationType = "audio_noise"
	ViolationPoorLighting  ViolationType = "poor_lighting"
	ViolationMonitoringGap ViolationType = "monitoring_gap"

	// Browser-activity violations reported by the host environment.
	ViolationTabSwitch  ViolationType = "tab_switch"
	ViolationCopy       ViolationType = "copy_detected"
	ViolationPaste      ViolationType = "paste_detected"
	ViolationWindowBlur ViolationType = "window_blur"
)

// NeedsSnapshot reports whether events of this type carry photographic
// evidence. Browser-activity events never do, and a monitoring gap by
// definition has no usable camera data.
func (t ViolationType) NeedsSnapshot() bool {
	switch t {
	case ViolationNoPerson, ViolationMultipleFaces, ViolationObject, ViolationLookingAway:
		return true
	}
	return false
}

// Baseline is the neutral head-pose reference captured at calibration.
// Immutable once set.
type Baseline struct {
	Pitch float64 `json:"pitch"`
	Yaw   float64 `json:"yaw"`
}

// SignalKind discriminates RawSignal payloads.
type SignalKind string

const (
	SignalFaceCount   SignalKind = "face_count"
	SignalObjectLabel SignalKind = "object_label"
	SignalHeadPose    SignalKind = "head_pose"
	SignalLighting    SignalKind = "lighting"
	SignalAudioLevel  SignalKind = "audio_level"
	// SignalUnavailable marks a sample for which neither detection path
	// produced a result. It is data, not an error: sustained absence is
	// itself reportable.
	SignalUnavailable SignalKind = "unavailable"
)

// RawSignal is one unclassified detection output for a single sample.
// Transient: consumed by the aggregator and discarded, never persisted.
type RawSignal struct {
	Kind SignalKind
	// Seq is the sample sequence number the signal was derived from.
	Seq uint64

	FaceCount   int
	ObjectLabel string
	// PitchDelta/YawDelta are offsets from the calibration baseline.
	PitchDelta float64
	YawDelta   float64
	Lighting   float64
	// AudioLevel is 0..100.
	AudioLevel float64
	Confidence float64
}

// ActivityKind enumerates direct browser-activity events from the host
// environment. They bypass the detection channel entirely.
type ActivityKind string

const (
	ActivityTabSwitch  ActivityKind = "tab_switch"
	ActivityCopy       ActivityKind = "copy"
	ActivityPaste      ActivityKind = "paste"
	ActivityWindowBlur ActivityKind = "window_blur"
)

// Violation maps an activity to its violation type.
func (a ActivityKind) Violation() (ViolationType, bool) {
	switch a {
	case ActivityTabSwitch:
		return ViolationTabSwitch, true
	case ActivityCopy:
		return ViolationCopy, true
	case ActivityPaste:
		return ViolationPaste, true
	case ActivityWindowBlur:
		return ViolationWindowBlur, true
	}
	return "", false
}

// ActivityEvent is one browser-activity occurrence.
type ActivityEvent struct {
	Kind ActivityKind `json:"kind"`
	At   time.Time    `json:"at"`
}

// Details carries optional structured context on a violation event.
type Details struct {
	Message    string  `json:"message,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
}

// ViolationEvent is the durable unit of record. Created by the aggregator,
// persisted exactly once by the evidence pipeline, immutable thereafter.
type ViolationEvent struct {
	ID            string        `json:"id"`
	SessionID     string        `json:"session_id"`
	ParticipantID string        `json:"participant_id"`
	Type          ViolationType `json:"violation_type"`
	Severity      Severity      `json:"severity"`
	// Seq is monotonically increasing per session and orders events
	// across sampling periods.
	Seq         uint64    `json:"seq"`
	Timestamp   time.Time `json:"timestamp"`
	EvidenceURL string    `json:"image_url,omitempty"`
	Details     *Details  `json:"details,omitempty"`
}

// Session identifies one monitored attempt. Owned exclusively by the
// session state machine; mutated only through its transitions.
type Session struct {
	ID            string       `json:"id"`
	ParticipantID string       `json:"participant_id"`
	StartedAt     time.Time    `json:"started_at"`
	Deadline      time.Time    `json:"deadline"`
	State         SessionState `json:"state"`
	// Baseline is nil until calibration completes. A nil baseline past
	// Calibrating means the session runs degraded.
	Baseline *Baseline `json:"baseline,omitempty"`
	Degraded bool      `json:"degraded,omitempty"`
}
