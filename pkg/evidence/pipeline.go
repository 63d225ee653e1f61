package evidence

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/invigilo-labs/proctor/pkg/proctor"
)

// uploadFailedMarker is written into the record when a snapshot could
// not be stored. A missing violation is a worse failure than a missing
// picture, so the record always lands.
const uploadFailedMarker = "evidence upload failed"

// recordTimeout bounds one full Record call (capture, upload, persist
// retries) so a drained flush can always finish.
const recordTimeout = 30 * time.Second

// RecordStore persists violation records, append-only.
type RecordStore interface {
	Insert(ctx context.Context, event proctor.ViolationEvent) error
}

// FrameSource captures a snapshot at the moment of classification.
// media.Capture satisfies it.
type FrameSource interface {
	Frame(ctx context.Context) ([]byte, error)
}

// Notifier receives persisted events, best-effort. The live pub/sub
// fan-out implements it.
type Notifier interface {
	Publish(ctx context.Context, event proctor.ViolationEvent) error
}

// Pipeline records classified violation events: at most one snapshot
// upload per event, then exactly one durable record write with bounded
// retries.
type Pipeline struct {
	blobs    Store
	records  RecordStore
	frames   FrameSource
	notifier Notifier
	retries  uint
	logger   *slog.Logger

	mu   sync.Mutex
	seen map[string]struct{}
}

// NewPipeline wires the pipeline. frames may be nil (no camera, e.g.
// activity-only sessions); notifier may be nil.
func NewPipeline(blobs Store, records RecordStore, frames FrameSource, notifier Notifier, retries int, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	if retries < 1 {
		retries = 1
	}
	return &Pipeline{
		blobs:    blobs,
		records:  records,
		frames:   frames,
		notifier: notifier,
		retries:  uint(retries),
		logger:   logger.With("component", "evidence"),
		seen:     make(map[string]struct{}),
	}
}

// Record persists one violation event. If needsSnapshot, it captures a
// fresh frame (not the triggering sample, to reflect the most current
// state) and uploads it under the deterministic key before writing the
// record. Upload failure degrades to a record with the explicit marker
// and no reference. A repeated event ID is a no-op: the same logical
// occurrence is never uploaded or written twice.
func (p *Pipeline) Record(ctx context.Context, event proctor.ViolationEvent, needsSnapshot bool) error {
	p.mu.Lock()
	if _, dup := p.seen[event.ID]; dup {
		p.mu.Unlock()
		return nil
	}
	p.seen[event.ID] = struct{}{}
	p.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, recordTimeout)
	defer cancel()

	if needsSnapshot {
		p.attachSnapshot(ctx, &event)
	}

	if err := p.persist(ctx, event); err != nil {
		return err
	}

	if p.notifier != nil {
		if err := p.notifier.Publish(ctx, event); err != nil {
			p.logger.Debug("live publish failed", "seq", event.Seq, "error", err)
		}
	}
	return nil
}

// attachSnapshot captures and uploads the evidence image, mutating the
// event in place. Failures leave the record intact with the marker set.
func (p *Pipeline) attachSnapshot(ctx context.Context, event *proctor.ViolationEvent) {
	fail := func(stage string, err error) {
		p.logger.Warn("snapshot failed, recording without evidence",
			"stage", stage, "type", event.Type, "seq", event.Seq, "error", err)
		event.EvidenceURL = ""
		if event.Details == nil {
			event.Details = &proctor.Details{}
		}
		event.Details.Message = uploadFailedMarker
	}

	if p.frames == nil {
		fail("capture", fmt.Errorf("no frame source"))
		return
	}
	frame, err := p.frames.Frame(ctx)
	if err != nil {
		fail("capture", err)
		return
	}

	url, err := p.blobs.Put(ctx, Key(*event), frame)
	if err != nil {
		fail("upload", fmt.Errorf("%w: %v", proctor.ErrEvidenceUploadFailed, err))
		return
	}
	event.EvidenceURL = url
}

// persist writes the record with bounded retries. Exhausted retries are
// surfaced as ErrPersistenceFailed: silently losing a violation record
// defeats the system's purpose.
func (p *Pipeline) persist(ctx context.Context, event proctor.ViolationEvent) error {
	op := func() (struct{}, error) {
		return struct{}{}, p.records.Insert(ctx, event)
	}
	_, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(p.retries),
	)
	if err != nil {
		return fmt.Errorf("%w: event %s (%s, seq %d): %v",
			proctor.ErrPersistenceFailed, event.ID, event.Type, event.Seq, err)
	}
	return nil
}
