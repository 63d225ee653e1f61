package media

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCapture struct {
	mu       sync.Mutex
	frameErr error
	released bool
}

func (c *fakeCapture) Frame(context.Context) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.frameErr != nil {
		return nil, c.frameErr
	}
	return []byte("jpeg"), nil
}

func (c *fakeCapture) AudioLevel(context.Context) (float64, error) { return 42, nil }

func (c *fakeCapture) Release() {
	c.mu.Lock()
	c.released = true
	c.mu.Unlock()
}

func TestSamplerSkipsWhileInFlight(t *testing.T) {
	release := make(chan struct{})
	var mu sync.Mutex
	var submitted []Sample
	submit := func(_ context.Context, s Sample) error {
		mu.Lock()
		submitted = append(submitted, s)
		first := len(submitted) == 1
		mu.Unlock()
		if first {
			<-release // hold the first sample in flight
		}
		return nil
	}

	sampler := NewSampler(&fakeCapture{}, 10*time.Millisecond, submit, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		sampler.Run(ctx)
	}()

	// Several ticks pass while the first submission blocks; each is
	// skipped, never queued.
	require.Eventually(t, func() bool { return sampler.Skipped() >= 3 }, 2*time.Second, 5*time.Millisecond)
	assert.EqualValues(t, 1, sampler.Samples())

	close(release)
	require.Eventually(t, func() bool { return sampler.Samples() >= 2 }, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("sampler did not stop")
	}
}

func TestSamplerSequencesAreMonotone(t *testing.T) {
	var mu sync.Mutex
	var seqs []uint64
	submit := func(_ context.Context, s Sample) error {
		mu.Lock()
		seqs = append(seqs, s.Seq)
		mu.Unlock()
		return nil
	}

	sampler := NewSampler(&fakeCapture{}, 5*time.Millisecond, submit, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		sampler.Run(ctx)
	}()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seqs) >= 5
	}, 2*time.Second, 5*time.Millisecond)
	cancel()
	<-done

	mu.Lock()
	defer mu.Unlock()
	for i := 1; i < len(seqs); i++ {
		assert.Equal(t, seqs[i-1]+1, seqs[i], "sample seq must increase without gaps")
	}
}

func TestSamplerWaitsForInFlightOnStop(t *testing.T) {
	settled := make(chan struct{})
	submit := func(context.Context, Sample) error {
		time.Sleep(30 * time.Millisecond)
		close(settled)
		return nil
	}

	sampler := NewSampler(&fakeCapture{}, 5*time.Millisecond, submit, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		sampler.Run(ctx)
	}()

	require.Eventually(t, func() bool { return sampler.Samples() >= 1 }, 2*time.Second, time.Millisecond)
	cancel()
	<-done

	select {
	case <-settled:
	default:
		t.Fatal("Run returned before the in-flight submission settled")
	}
}

func TestSamplerToleratesCaptureFailure(t *testing.T) {
	capture := &fakeCapture{frameErr: errors.New("device busy")}
	var mu sync.Mutex
	count := 0
	submit := func(context.Context, Sample) error {
		mu.Lock()
		count++
		mu.Unlock()
		return nil
	}

	sampler := NewSampler(capture, 5*time.Millisecond, submit, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	sampler.Run(ctx)

	mu.Lock()
	defer mu.Unlock()
	assert.Zero(t, count, "failed captures must not reach submit")
	assert.Zero(t, sampler.Samples())
}
