package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/invigilo-labs/proctor/pkg/aggregate"
	"github.com/invigilo-labs/proctor/pkg/calibrate"
	"github.com/invigilo-labs/proctor/pkg/config"
	"github.com/invigilo-labs/proctor/pkg/detect"
	"github.com/invigilo-labs/proctor/pkg/evidence"
	"github.com/invigilo-labs/proctor/pkg/live"
	"github.com/invigilo-labs/proctor/pkg/media"
	"github.com/invigilo-labs/proctor/pkg/observability"
	"github.com/invigilo-labs/proctor/pkg/proctor"
	"github.com/invigilo-labs/proctor/pkg/session"
	"github.com/invigilo-labs/proctor/pkg/store"
)

// runningSession bundles a session with the client-fed media device that
// keeps it supplied with frames.
type runningSession struct {
	sess   *session.Session
	device *media.PushDevice
}

type server struct {
	cfg      config.Config
	records  store.ViolationStore
	blobs    evidence.Store
	notifier *live.RedisPublisher
	obs      *observability.Provider
	logger   *slog.Logger

	mu       sync.Mutex
	sessions map[string]*runningSession
}

func newServer(cfg config.Config, records store.ViolationStore, blobs evidence.Store,
	notifier *live.RedisPublisher, obs *observability.Provider, logger *slog.Logger) *server {
	return &server{
		cfg:      cfg,
		records:  records,
		blobs:    blobs,
		notifier: notifier,
		obs:      obs,
		logger:   logger.With("component", "server"),
		sessions: make(map[string]*runningSession),
	}
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /sessions", s.handleCreateSession)
	mux.HandleFunc("GET /sessions/{id}", s.handleGetSession)
	mux.HandleFunc("POST /sessions/{id}/media", s.handlePushMedia)
	mux.HandleFunc("POST /sessions/{id}/activity", s.handleActivity)
	mux.HandleFunc("POST /sessions/{id}/end", s.handleEndSession)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	return mux
}

type createSessionRequest struct {
	ParticipantID   string `json:"participant_id"`
	DurationSeconds int    `json:"duration_seconds"`
}

type sessionResponse struct {
	SessionID string               `json:"session_id"`
	State     proctor.SessionState `json:"state"`
	Degraded  bool                 `json:"degraded,omitempty"`
	StartedAt *time.Time           `json:"started_at,omitempty"`
	Deadline  *time.Time           `json:"deadline,omitempty"`
}

// handleCreateSession registers a session and starts it in the
// background. Calibration waits on the client's first media push, so the
// response returns immediately with the id the client pushes to.
func (s *server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ParticipantID == "" {
		writeError(w, http.StatusBadRequest, "participant_id is required")
		return
	}

	id := uuid.New().String()
	var deadline time.Time
	if req.DurationSeconds > 0 {
		deadline = time.Now().Add(time.Duration(req.DurationSeconds) * time.Second)
	}

	device := media.NewPushDevice(30 * time.Second)
	sess := s.buildSession(id, req.ParticipantID, deadline, device)

	s.mu.Lock()
	s.sessions[id] = &runningSession{sess: sess, device: device}
	s.mu.Unlock()

	// Start outlives the request: calibration waits on the first media
	// push, which arrives on a later request.
	go func() {
		if err := sess.Start(context.Background()); err != nil {
			s.logger.Error("session start failed", "session_id", id, "error", err)
		}
	}()

	writeJSON(w, http.StatusCreated, sessionResponse{SessionID: id, State: proctor.StateCreated})
}

// buildSession wires one session's full stack: detection capabilities,
// streaming channel, calibrator and evidence pipeline.
func (s *server) buildSession(id, participantID string, deadline time.Time, device *media.PushDevice) *session.Session {
	local := detect.NewLocal(s.cfg.LightingMin, s.logger)

	var capability detect.Capability = local
	if s.cfg.RemoteHTTPURL != "" {
		capability = detect.NewRemote(s.cfg.RemoteHTTPURL, nil)
	}
	calibrator := calibrate.New(capability, s.logger)

	wsURL := ""
	if s.cfg.RemoteWSURL != "" {
		wsURL = s.cfg.RemoteWSURL + "/ws/proctoring/" + id
	}
	channel := detect.NewChannel(detect.ChannelConfig{
		WSURL:            wsURL,
		ReconnectInitial: s.cfg.ReconnectInitial,
		ReconnectMax:     s.cfg.ReconnectMax,
		OnFallback: func(ctx context.Context) {
			if s.obs != nil {
				s.obs.RecordFallback(ctx, id)
			}
		},
	}, local, nil, s.logger)

	var notifier evidence.Notifier
	if s.notifier != nil {
		notifier = s.notifier
	}
	pipeline := evidence.NewPipeline(s.blobs, s.records, device, notifier, s.cfg.PersistenceRetries, s.logger)

	sessCfg := session.Config{
		SampleInterval:     s.cfg.SampleInterval,
		CalibrationRetries: s.cfg.CalibrationRetries,
		FlushTimeout:       s.cfg.FlushTimeout,
		Rules: aggregate.Rules{
			NoPersonSamples:   s.cfg.NoPersonSamples,
			HeadPoseThreshold: s.cfg.HeadPoseThreshold,
			LookAwayWindow:    s.cfg.LookAwayWindow,
			AudioThreshold:    s.cfg.AudioThreshold,
			AudioRepeatCount:  s.cfg.AudioRepeatCount,
			GapSamples:        s.cfg.GapSamples,
			RestrictedObjects: s.cfg.RestrictedObjects,
			EventRatePerMin:   s.cfg.EventRatePerMin,
		},
	}
	return session.New(id, participantID, deadline, sessCfg, device, calibrator, channel, pipeline, s.obs, s.logger)
}

type pushMediaRequest struct {
	FrameBase64 string  `json:"frame_base64"`
	AudioLevel  float64 `json:"audio_level"`
}

func (s *server) handlePushMedia(w http.ResponseWriter, r *http.Request) {
	run, ok := s.lookup(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	var req pushMediaRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.FrameBase64 == "" {
		writeError(w, http.StatusBadRequest, "frame_base64 is required")
		return
	}
	frame, err := base64.StdEncoding.DecodeString(req.FrameBase64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "frame_base64 is not valid base64")
		return
	}
	run.device.Push(frame, req.AudioLevel)
	w.WriteHeader(http.StatusAccepted)
}

type activityRequest struct {
	Kind proctor.ActivityKind `json:"kind"`
}

func (s *server) handleActivity(w http.ResponseWriter, r *http.Request) {
	run, ok := s.lookup(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	var req activityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if _, known := req.Kind.Violation(); !known {
		writeError(w, http.StatusBadRequest, "unknown activity kind")
		return
	}
	ev := proctor.ActivityEvent{Kind: req.Kind, At: time.Now().UTC()}
	if err := run.sess.ReportActivity(r.Context(), ev); err != nil {
		if errors.Is(err, proctor.ErrInvalidTransition) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	run, ok := s.lookup(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	if err := run.sess.End(r.Context()); err != nil {
		if errors.Is(err, proctor.ErrInvalidTransition) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	snap := run.sess.Snapshot()
	writeJSON(w, http.StatusOK, snapshotResponse(snap))
}

type getSessionResponse struct {
	sessionResponse
	Violations []proctor.ViolationEvent `json:"violations"`
}

func (s *server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	run, ok := s.lookup(id)
	if !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	violations, err := s.records.ListBySession(r.Context(), id)
	if err != nil {
		s.logger.Error("violation list failed", "session_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "violation lookup failed")
		return
	}
	if violations == nil {
		violations = []proctor.ViolationEvent{}
	}
	writeJSON(w, http.StatusOK, getSessionResponse{
		sessionResponse: snapshotResponse(run.sess.Snapshot()),
		Violations:      violations,
	})
}

func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	active := len(s.sessions)
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "sessions": active})
}

func (s *server) lookup(id string) (*runningSession, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.sessions[id]
	return run, ok
}

// shutdown ends every session still running so pending violation writes
// flush before the process exits.
func (s *server) shutdown(ctx context.Context) {
	s.mu.Lock()
	running := make([]*runningSession, 0, len(s.sessions))
	for _, run := range s.sessions {
		running = append(running, run)
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, run := range running {
		wg.Add(1)
		go func(run *runningSession) {
			defer wg.Done()
			if err := run.sess.End(ctx); err != nil && !errors.Is(err, proctor.ErrInvalidTransition) {
				s.logger.Warn("session shutdown failed", "session_id", run.sess.ID(), "error", err)
			}
		}(run)
	}
	wg.Wait()
}

func snapshotResponse(snap proctor.Session) sessionResponse {
	resp := sessionResponse{
		SessionID: snap.ID,
		State:     snap.State,
		Degraded:  snap.Degraded,
	}
	if !snap.StartedAt.IsZero() {
		t := snap.StartedAt
		resp.StartedAt = &t
	}
	if !snap.Deadline.IsZero() {
		t := snap.Deadline
		resp.Deadline = &t
	}
	return resp
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
