package aggregate

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/invigilo-labs/proctor/pkg/proctor"
)

type captureSink struct {
	mu     sync.Mutex
	events []proctor.ViolationEvent
	snaps  []bool
}

func (s *captureSink) Record(_ context.Context, event proctor.ViolationEvent, needsSnapshot bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	s.snaps = append(s.snaps, needsSnapshot)
	return nil
}

func (s *captureSink) byType(vt proctor.ViolationType) []proctor.ViolationEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []proctor.ViolationEvent
	for _, ev := range s.events {
		if ev.Type == vt {
			out = append(out, ev)
		}
	}
	return out
}

func (s *captureSink) all() []proctor.ViolationEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]proctor.ViolationEvent(nil), s.events...)
}

func testRules() Rules {
	return Rules{
		NoPersonSamples:   3,
		HeadPoseThreshold: 20.0,
		LookAwayWindow:    10 * time.Millisecond,
		AudioThreshold:    50.0,
		AudioRepeatCount:  3,
		GapSamples:        2,
		RestrictedObjects: []string{"cell phone", "book"},
	}
}

func newTestAggregator(t *testing.T, rules Rules) (*Aggregator, *captureSink) {
	t.Helper()
	sink := &captureSink{}
	return New("sess-1", "part-1", rules, sink, nil), sink
}

func drain(t *testing.T, a *Aggregator) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, a.Wait(ctx))
}

func faceCount(seq uint64, n int) proctor.RawSignal {
	return proctor.RawSignal{Kind: proctor.SignalFaceCount, Seq: seq, FaceCount: n}
}

func TestNoPersonFiresOncePerEpisode(t *testing.T) {
	agg, sink := newTestAggregator(t, testRules())
	ctx := context.Background()

	// Five consecutive empty frames with N=3 is still one episode.
	for seq := uint64(1); seq <= 5; seq++ {
		agg.Process(ctx, faceCount(seq, 0))
	}
	drain(t, agg)

	events := sink.byType(proctor.ViolationNoPerson)
	require.Len(t, events, 1)
	assert.Equal(t, proctor.SeverityMedium, events[0].Severity)
	assert.Equal(t, "sess-1", events[0].SessionID)
}

func TestNoPersonResetOnReturn(t *testing.T) {
	agg, sink := newTestAggregator(t, testRules())
	ctx := context.Background()

	agg.Process(ctx, faceCount(1, 0))
	agg.Process(ctx, faceCount(2, 0))
	agg.Process(ctx, faceCount(3, 1)) // back in frame
	agg.Process(ctx, faceCount(4, 0))
	agg.Process(ctx, faceCount(5, 0))
	drain(t, agg)

	assert.Empty(t, sink.byType(proctor.ViolationNoPerson))

	// A fresh full run fires a second episode.
	agg.Process(ctx, faceCount(6, 0))
	agg.Process(ctx, faceCount(7, 1))
	for seq := uint64(8); seq <= 10; seq++ {
		agg.Process(ctx, faceCount(seq, 0))
	}
	drain(t, agg)
	assert.Len(t, sink.byType(proctor.ViolationNoPerson), 1)
}

func TestNoPersonIgnoresReorderedDuplicates(t *testing.T) {
	agg, sink := newTestAggregator(t, testRules())
	ctx := context.Background()

	agg.Process(ctx, faceCount(1, 0))
	agg.Process(ctx, faceCount(2, 0))
	agg.Process(ctx, faceCount(1, 0)) // late duplicate must not count
	agg.Process(ctx, faceCount(2, 0))
	drain(t, agg)
	assert.Empty(t, sink.byType(proctor.ViolationNoPerson))

	agg.Process(ctx, faceCount(3, 0))
	drain(t, agg)
	assert.Len(t, sink.byType(proctor.ViolationNoPerson), 1)
}

func TestNoPersonRunBrokenBySeqHole(t *testing.T) {
	agg, sink := newTestAggregator(t, testRules())
	ctx := context.Background()

	agg.Process(ctx, faceCount(1, 0))
	agg.Process(ctx, faceCount(2, 0))
	// Seq 3 never shows up as an empty frame: the run is not consecutive.
	agg.Process(ctx, faceCount(4, 0))
	drain(t, agg)
	assert.Empty(t, sink.byType(proctor.ViolationNoPerson))
}

func TestMultipleFacesIsImmediate(t *testing.T) {
	agg, sink := newTestAggregator(t, testRules())
	ctx := context.Background()

	agg.Process(ctx, faceCount(1, 2))
	agg.Process(ctx, faceCount(2, 3))
	drain(t, agg)

	events := sink.byType(proctor.ViolationMultipleFaces)
	require.Len(t, events, 2)
	for _, ev := range events {
		assert.Equal(t, proctor.SeverityHigh, ev.Severity)
	}
}

func TestUnauthorizedObjectMatchesCaseInsensitive(t *testing.T) {
	agg, sink := newTestAggregator(t, testRules())
	ctx := context.Background()

	agg.Process(ctx, proctor.RawSignal{Kind: proctor.SignalObjectLabel, Seq: 1, ObjectLabel: "Cell Phone", Confidence: 0.92})
	agg.Process(ctx, proctor.RawSignal{Kind: proctor.SignalObjectLabel, Seq: 2, ObjectLabel: "coffee mug"})
	drain(t, agg)

	events := sink.byType(proctor.ViolationObject)
	require.Len(t, events, 1)
	assert.Equal(t, proctor.SeverityHigh, events[0].Severity)
	require.NotNil(t, events[0].Details)
	assert.InDelta(t, 0.92, events[0].Details.Confidence, 0.001)
}

func TestLookAwayFiresOncePerSustainedEpisode(t *testing.T) {
	agg, sink := newTestAggregator(t, testRules())
	ctx := context.Background()

	away := proctor.RawSignal{Kind: proctor.SignalHeadPose, YawDelta: 35}

	// A single glance never fires.
	agg.Process(ctx, away)
	drain(t, agg)
	assert.Empty(t, sink.byType(proctor.ViolationLookingAway))

	time.Sleep(15 * time.Millisecond)
	agg.Process(ctx, away)
	agg.Process(ctx, away) // still the same episode
	drain(t, agg)
	assert.Len(t, sink.byType(proctor.ViolationLookingAway), 1)

	// Returning to center closes the episode; a new sustained one fires
	// again.
	agg.Process(ctx, proctor.RawSignal{Kind: proctor.SignalHeadPose, YawDelta: 2})
	agg.Process(ctx, away)
	time.Sleep(15 * time.Millisecond)
	agg.Process(ctx, away)
	drain(t, agg)
	assert.Len(t, sink.byType(proctor.ViolationLookingAway), 2)
}

func TestAudioNoiseCounterResets(t *testing.T) {
	agg, sink := newTestAggregator(t, testRules())
	ctx := context.Background()

	loud := proctor.RawSignal{Kind: proctor.SignalAudioLevel, AudioLevel: 80}
	quiet := proctor.RawSignal{Kind: proctor.SignalAudioLevel, AudioLevel: 10}

	agg.Process(ctx, loud)
	agg.Process(ctx, loud)
	agg.Process(ctx, quiet) // resets before threshold
	agg.Process(ctx, loud)
	agg.Process(ctx, loud)
	drain(t, agg)
	assert.Empty(t, sink.byType(proctor.ViolationAudioNoise))

	agg.Process(ctx, loud)
	drain(t, agg)
	assert.Len(t, sink.byType(proctor.ViolationAudioNoise), 1)

	// Counter restarted after firing: three more loud samples, one more
	// event.
	agg.Process(ctx, loud)
	agg.Process(ctx, loud)
	agg.Process(ctx, loud)
	drain(t, agg)
	assert.Len(t, sink.byType(proctor.ViolationAudioNoise), 2)
}

func TestLightingNeverFiresInSession(t *testing.T) {
	agg, sink := newTestAggregator(t, testRules())
	ctx := context.Background()

	for seq := uint64(1); seq <= 10; seq++ {
		agg.Process(ctx, proctor.RawSignal{Kind: proctor.SignalLighting, Seq: seq, Lighting: 5})
	}
	drain(t, agg)
	assert.Empty(t, sink.all())
}

func TestMonitoringGapAfterConsecutiveUnavailable(t *testing.T) {
	agg, sink := newTestAggregator(t, testRules())
	ctx := context.Background()

	unavailable := func(seq uint64) proctor.RawSignal {
		return proctor.RawSignal{Kind: proctor.SignalUnavailable, Seq: seq}
	}

	agg.Process(ctx, unavailable(1))
	agg.Process(ctx, faceCount(2, 1)) // a live result resets the run
	agg.Process(ctx, unavailable(3))
	drain(t, agg)
	assert.Empty(t, sink.byType(proctor.ViolationMonitoringGap))

	agg.Process(ctx, unavailable(4))
	agg.Process(ctx, unavailable(5)) // run continues past the threshold
	drain(t, agg)
	assert.Len(t, sink.byType(proctor.ViolationMonitoringGap), 1)
}

func TestActivityEventsAreLowSeverityNoSnapshot(t *testing.T) {
	agg, sink := newTestAggregator(t, testRules())
	ctx := context.Background()

	agg.ReportActivity(ctx, proctor.ActivityEvent{Kind: proctor.ActivityTabSwitch})
	agg.ReportActivity(ctx, proctor.ActivityEvent{Kind: proctor.ActivityPaste})
	drain(t, agg)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.Len(t, sink.events, 2)
	for i, ev := range sink.events {
		assert.Equal(t, proctor.SeverityLow, ev.Severity)
		assert.False(t, sink.snaps[i], "activity events carry no snapshot")
	}
}

func TestEventSeqIsMonotone(t *testing.T) {
	agg, sink := newTestAggregator(t, testRules())
	ctx := context.Background()

	agg.Process(ctx, faceCount(1, 2))
	agg.Process(ctx, proctor.RawSignal{Kind: proctor.SignalObjectLabel, Seq: 2, ObjectLabel: "book"})
	agg.ReportActivity(ctx, proctor.ActivityEvent{Kind: proctor.ActivityCopy})
	drain(t, agg)

	events := sink.all()
	require.Len(t, events, 3)
	seen := make(map[uint64]bool)
	for _, ev := range events {
		assert.False(t, seen[ev.Seq], "duplicate seq %d", ev.Seq)
		seen[ev.Seq] = true
	}
	assert.EqualValues(t, 3, agg.EventCount())
}

func TestFloodGuardDropsAndCounts(t *testing.T) {
	rules := testRules()
	rules.EventRatePerMin = 1
	agg, sink := newTestAggregator(t, rules)
	ctx := context.Background()

	for seq := uint64(1); seq <= 10; seq++ {
		agg.Process(ctx, faceCount(seq, 2))
	}
	drain(t, agg)

	// Burst of 1: the first event lands, the rest are dropped, counted.
	assert.Len(t, sink.byType(proctor.ViolationMultipleFaces), 1)
	assert.EqualValues(t, 9, agg.Dropped())
}

func TestRunStopsOnContextCancel(t *testing.T) {
	agg, sink := newTestAggregator(t, testRules())
	signals := make(chan proctor.RawSignal, 4)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		agg.Run(ctx, signals)
	}()

	signals <- faceCount(1, 2)
	require.Eventually(t, func() bool {
		return len(sink.byType(proctor.ViolationMultipleFaces)) == 1
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop on cancel")
	}
}
