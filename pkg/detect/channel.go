package detect

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"

	"github.com/invigilo-labs/proctor/pkg/media"
	"github.com/invigilo-labs/proctor/pkg/proctor"
)

// ChannelState is the transport connection state.
type ChannelState string

const (
	ChannelDisconnected ChannelState = "DISCONNECTED"
	ChannelConnecting   ChannelState = "CONNECTING"
	ChannelConnected    ChannelState = "CONNECTED"
	// ChannelDegraded means samples are being served by the local
	// capability while reconnection proceeds in the background.
	ChannelDegraded ChannelState = "DEGRADED"
)

var errRemoteUnavailable = errors.New("remote detection path unavailable")

// Conn is the subset of a WebSocket connection the channel needs.
// *websocket.Conn satisfies it.
type Conn interface {
	WriteJSON(v any) error
	ReadJSON(v any) error
	Close() error
}

// Dialer establishes the persistent remote connection.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// WSDialer dials with gorilla/websocket.
type WSDialer struct{}

func (WSDialer) Dial(ctx context.Context, url string) (Conn, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return conn, nil
}

// clientMessage is the client→server envelope.
type clientMessage struct {
	Type       string  `json:"type"` // "frame" | "ping"
	Seq        uint64  `json:"seq,omitempty"`
	Frame      string  `json:"frame,omitempty"` // base64 JPEG
	AudioLevel float64 `json:"audio_level,omitempty"`
}

// serverMessage is the server→client envelope.
type serverMessage struct {
	Type string          `json:"type"` // "detection_result" | "pong"
	Seq  uint64          `json:"seq,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

// ChannelConfig tunes the streaming channel.
type ChannelConfig struct {
	// WSURL is the full endpoint including the session id, e.g.
	// wss://host/ws/proctoring/<session_id>. Empty disables the remote
	// path entirely.
	WSURL            string
	ReconnectInitial time.Duration
	ReconnectMax     time.Duration
	// ResultTimeout bounds the wait for a detection result per sample.
	ResultTimeout time.Duration
	// OnFallback, when set, is called each time a sample is served by
	// the local capability instead of the remote path. Wired to the
	// observability fallback counter by the daemon.
	OnFallback func(ctx context.Context)
}

// Channel prefers the persistent remote connection and transparently
// falls back to the local capability. Every submitted sample produces
// signals or an explicit Unavailable signal; nothing vanishes. Reconnect
// runs in the background with bounded exponential backoff and is
// invisible to the sampler and the aggregator.
type Channel struct {
	cfg    ChannelConfig
	dialer Dialer
	local  Capability
	logger *slog.Logger

	out chan proctor.RawSignal

	mu    sync.Mutex
	conn  Conn
	state ChannelState
	// pending is the single in-flight waiter; pendingSeq is the sample
	// it is waiting for. Results for any other seq are stale and dropped.
	pending    chan FrameResult
	pendingSeq uint64
	baseline   *proctor.Baseline

	fallbacks uint64
}

// NewChannel builds a channel over the local fallback capability.
func NewChannel(cfg ChannelConfig, local Capability, dialer Dialer, logger *slog.Logger) *Channel {
	if logger == nil {
		logger = slog.Default()
	}
	if dialer == nil {
		dialer = WSDialer{}
	}
	if cfg.ResultTimeout <= 0 {
		cfg.ResultTimeout = 2 * time.Second
	}
	if cfg.ReconnectInitial <= 0 {
		cfg.ReconnectInitial = 500 * time.Millisecond
	}
	if cfg.ReconnectMax <= 0 {
		cfg.ReconnectMax = 30 * time.Second
	}
	return &Channel{
		cfg:    cfg,
		dialer: dialer,
		local:  local,
		logger: logger.With("component", "detect.channel"),
		out:    make(chan proctor.RawSignal, 64),
		state:  ChannelDisconnected,
	}
}

// Signals is the stream of raw detection output consumed by the
// aggregator.
func (c *Channel) Signals() <-chan proctor.RawSignal { return c.out }

// State returns the current connection state.
func (c *Channel) State() ChannelState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SetBaseline installs the calibration baseline used for pose deltas.
// Called once, before monitoring starts.
func (c *Channel) SetBaseline(b *proctor.Baseline) {
	c.mu.Lock()
	c.baseline = b
	c.mu.Unlock()
}

// Start launches the connection manager. It returns immediately; the
// manager runs until ctx is cancelled.
func (c *Channel) Start(ctx context.Context) {
	if c.cfg.WSURL == "" {
		c.logger.Info("remote path disabled, local capability only")
		return
	}
	go c.run(ctx)
}

// run owns the connect → read-pump → backoff cycle.
func (c *Channel) run(ctx context.Context) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.cfg.ReconnectInitial
	bo.MaxInterval = c.cfg.ReconnectMax

	for {
		if ctx.Err() != nil {
			c.setState(ChannelDisconnected)
			return
		}
		c.setState(ChannelConnecting)

		conn, err := c.dialer.Dial(ctx, c.cfg.WSURL)
		if err != nil {
			c.setState(ChannelDegraded)
			wait := bo.NextBackOff()
			c.logger.Warn("remote dial failed, degraded", "error", err, "retry_in", wait)
			select {
			case <-ctx.Done():
				c.setState(ChannelDisconnected)
				return
			case <-time.After(wait):
			}
			continue
		}

		bo.Reset()
		c.installConn(conn)
		c.logger.Info("remote detection connected")

		c.readPump(ctx, conn)

		c.dropConn(conn)
		c.setState(ChannelDegraded)
	}
}

// readPump routes server messages until the connection dies.
func (c *Channel) readPump(ctx context.Context, conn Conn) {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()

	for {
		var msg serverMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if ctx.Err() == nil {
				c.logger.Warn("remote read failed", "error", err)
			}
			return
		}
		switch msg.Type {
		case "detection_result":
			var resp processFrameResponse
			if err := json.Unmarshal(msg.Data, &resp); err != nil {
				c.logger.Warn("malformed detection result", "seq", msg.Seq, "error", err)
				continue
			}
			res := FrameResult{
				FaceCount: resp.FaceCount,
				Objects:   resp.Objects,
				Lighting:  resp.Lighting,
			}
			if resp.HeadPose != nil {
				res.Pitch, res.Yaw, res.HasPose = resp.HeadPose.Pitch, resp.HeadPose.Yaw, true
			}
			c.deliver(msg.Seq, res)
		case "violation":
			// The service may pre-classify on its side. Classification here
			// is owned by the aggregator, which sees the same detection
			// results; acting on these too would double-report.
			c.logger.Debug("server-side violation notice ignored", "seq", msg.Seq)
		case "pong":
		default:
			c.logger.Debug("unhandled server message", "type", msg.Type)
		}
	}
}

// Submit transmits one sample and emits its raw signals. The audio level
// is emitted unconditionally; frame signals come from the remote path
// when connected, otherwise from the local capability. If both paths
// fail the sample is surfaced as an Unavailable signal so sustained
// absence stays observable.
func (c *Channel) Submit(ctx context.Context, sample media.Sample) error {
	c.emit(ctx, proctor.RawSignal{
		Kind:       proctor.SignalAudioLevel,
		Seq:        sample.Seq,
		AudioLevel: sample.AudioLevel,
	})

	baseline := c.currentBaseline()

	res, err := c.submitRemote(ctx, sample)
	if err != nil {
		if !errors.Is(err, errRemoteUnavailable) {
			c.logger.Warn("remote submit failed, falling back", "seq", sample.Seq, "error", err)
		}
		c.mu.Lock()
		c.fallbacks++
		c.mu.Unlock()
		if c.cfg.OnFallback != nil {
			c.cfg.OnFallback(ctx)
		}

		res, err = c.local.ProcessFrame(ctx, sample.Frame)
		if err != nil {
			c.emit(ctx, proctor.RawSignal{Kind: proctor.SignalUnavailable, Seq: sample.Seq})
			return fmt.Errorf("%w: local fallback: %v", proctor.ErrDetectionUnavailable, err)
		}
	}

	for _, sig := range Signals(res, baseline, sample.Seq) {
		c.emit(ctx, sig)
	}
	return nil
}

// submitRemote sends the frame over the live connection and waits for
// the matching detection result. The sampler guarantees at most one
// sample in flight, so a single pending slot is enough; the slot is
// keyed by seq so an answer that outlives its waiter's timeout cannot
// be mistaken for the next sample's result.
func (c *Channel) submitRemote(ctx context.Context, sample media.Sample) (FrameResult, error) {
	c.mu.Lock()
	if c.state != ChannelConnected || c.conn == nil {
		c.mu.Unlock()
		return FrameResult{}, errRemoteUnavailable
	}
	conn := c.conn
	pending := make(chan FrameResult, 1)
	c.pending = pending
	c.pendingSeq = sample.Seq
	c.mu.Unlock()

	msg := clientMessage{
		Type:       "frame",
		Seq:        sample.Seq,
		Frame:      base64.StdEncoding.EncodeToString(sample.Frame),
		AudioLevel: sample.AudioLevel,
	}
	if err := conn.WriteJSON(msg); err != nil {
		// A dead connection; close it so the read pump cycles into
		// reconnect.
		_ = conn.Close()
		return FrameResult{}, fmt.Errorf("remote write: %w", err)
	}

	select {
	case res := <-pending:
		return res, nil
	case <-time.After(c.cfg.ResultTimeout):
		return FrameResult{}, fmt.Errorf("remote result timeout after %s", c.cfg.ResultTimeout)
	case <-ctx.Done():
		return FrameResult{}, ctx.Err()
	}
}

// deliver hands a detection result to the waiter for seq. A result whose
// seq does not match the in-flight sample is stale (its waiter already
// timed out and a later sample owns the slot); answering the current
// waiter with it would tag one frame's analysis onto the next sample, so
// it is dropped without disturbing the slot.
func (c *Channel) deliver(seq uint64, res FrameResult) {
	c.mu.Lock()
	if c.pending == nil || seq != c.pendingSeq {
		c.mu.Unlock()
		c.logger.Debug("stale detection result discarded", "seq", seq)
		return
	}
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()
	pending <- res
}

func (c *Channel) emit(ctx context.Context, sig proctor.RawSignal) {
	select {
	case c.out <- sig:
	case <-ctx.Done():
	}
}

// Fallbacks returns how many samples were served by the local path.
func (c *Channel) Fallbacks() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fallbacks
}

func (c *Channel) currentBaseline() *proctor.Baseline {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.baseline
}

func (c *Channel) setState(s ChannelState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Channel) installConn(conn Conn) {
	c.mu.Lock()
	c.conn = conn
	c.state = ChannelConnected
	c.mu.Unlock()
}

func (c *Channel) dropConn(conn Conn) {
	_ = conn.Close()
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()
}
