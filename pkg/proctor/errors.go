package proctor

import "errors"

// Error taxonomy for the orchestrator. Only ErrMediaAccessDenied and
// ErrPersistenceFailed with retries exhausted are fatal to the caller;
// everything else is absorbed or degrades gracefully.
var (
	// ErrMediaAccessDenied means camera or microphone access was refused.
	// Fatal: the session transitions to Aborted.
	ErrMediaAccessDenied = errors.New("media access denied")

	// ErrNoFaceDetected is returned by calibration when no face is visible.
	ErrNoFaceDetected = errors.New("no face detected")

	// ErrMultipleFaces is returned by calibration when more than one face
	// is visible.
	ErrMultipleFaces = errors.New("multiple faces detected")

	// ErrDetectionUnavailable means neither the remote nor the local
	// detection path could process a sample. Transient.
	ErrDetectionUnavailable = errors.New("detection unavailable")

	// ErrEvidenceUploadFailed means a snapshot upload failed. The violation
	// record is still written, with an explicit marker.
	ErrEvidenceUploadFailed = errors.New("evidence upload failed")

	// ErrPersistenceFailed means the violation record write itself failed
	// after bounded retries. Surfaced to the operator as an unrecoverable
	// gap.
	ErrPersistenceFailed = errors.New("violation persistence failed")

	// ErrInvalidTransition is a usage error on the session state machine.
	// Fatal to the call, not to the session.
	ErrInvalidTransition = errors.New("invalid session state transition")
)
