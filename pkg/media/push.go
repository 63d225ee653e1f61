package media

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/invigilo-labs/proctor/pkg/proctor"
)

// PushDevice is a Device fed by the participant's client: the browser
// captures camera/microphone media and pushes the latest frame and audio
// level to the daemon. Acquire succeeds once media starts arriving; a
// participant who never grants camera access never produces a frame, so
// acquisition fails with proctor.ErrMediaAccessDenied after the grace
// period.
type PushDevice struct {
	grace time.Duration
	// staleAfter marks pushed media too old to serve.
	staleAfter time.Duration

	mu       sync.Mutex
	frame    []byte
	audio    float64
	frameAt  time.Time
	acquired bool
}

// NewPushDevice builds a device that waits up to grace for first media.
func NewPushDevice(grace time.Duration) *PushDevice {
	if grace <= 0 {
		grace = 30 * time.Second
	}
	return &PushDevice{grace: grace, staleAfter: 15 * time.Second}
}

// Push installs the newest frame and audio level. Older pushes are
// simply overwritten; the sampler only ever wants the freshest state.
func (d *PushDevice) Push(frame []byte, audioLevel float64) {
	d.mu.Lock()
	d.frame = frame
	d.audio = audioLevel
	d.frameAt = time.Now()
	d.mu.Unlock()
}

// Frame returns the latest pushed frame. Satisfies the evidence
// pipeline's frame source for fresh-at-classification snapshots.
func (d *PushDevice) Frame(ctx context.Context) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.frame == nil {
		return nil, fmt.Errorf("no frame received yet")
	}
	if time.Since(d.frameAt) > d.staleAfter {
		return nil, fmt.Errorf("last frame is stale (%s old)", time.Since(d.frameAt).Round(time.Second))
	}
	// Copy: the buffer is overwritten by the next push.
	out := make([]byte, len(d.frame))
	copy(out, d.frame)
	return out, nil
}

// AudioLevel returns the latest pushed level.
func (d *PushDevice) AudioLevel(ctx context.Context) (float64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.frameAt.IsZero() {
		return 0, fmt.Errorf("no media received yet")
	}
	return d.audio, nil
}

// Acquire waits for first media, then hands out the exclusive capture
// handle.
func (d *PushDevice) Acquire(ctx context.Context) (Capture, error) {
	deadline := time.Now().Add(d.grace)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		d.mu.Lock()
		ready := d.frame != nil
		if ready && d.acquired {
			d.mu.Unlock()
			return nil, fmt.Errorf("device already acquired")
		}
		if ready {
			d.acquired = true
			d.mu.Unlock()
			return &pushCapture{device: d}, nil
		}
		d.mu.Unlock()

		if time.Now().After(deadline) {
			return nil, fmt.Errorf("%w: no media within %s", proctor.ErrMediaAccessDenied, d.grace)
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", proctor.ErrMediaAccessDenied, ctx.Err())
		case <-ticker.C:
		}
	}
}

type pushCapture struct {
	device *PushDevice
	mu     sync.Mutex
	closed bool
}

func (c *pushCapture) Frame(ctx context.Context) ([]byte, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, fmt.Errorf("capture released")
	}
	c.mu.Unlock()
	return c.device.Frame(ctx)
}

func (c *pushCapture) AudioLevel(ctx context.Context) (float64, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return 0, fmt.Errorf("capture released")
	}
	c.mu.Unlock()
	return c.device.AudioLevel(ctx)
}

// Release frees the device for a future acquisition. Idempotent.
func (c *pushCapture) Release() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	c.device.mu.Lock()
	c.device.acquired = false
	c.device.mu.Unlock()
}

var (
	_ Device  = (*PushDevice)(nil)
	_ Capture = (*pushCapture)(nil)
)
