package detect

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/invigilo-labs/proctor/pkg/proctor"
)

// Remote is the network-backed detection capability speaking the
// detection service's REST surface: /calibrate, /environment-check and
// /process-frame. Each call retries transient failures with exponential
// backoff; 4xx responses are permanent.
type Remote struct {
	baseURL string
	client  *http.Client
	// MaxTries bounds retries per call.
	MaxTries uint
}

// NewRemote builds a remote capability against baseURL.
func NewRemote(baseURL string, client *http.Client) *Remote {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &Remote{baseURL: baseURL, client: client, MaxTries: 3}
}

type calibrateResponse struct {
	Success   bool    `json:"success"`
	Pitch     float64 `json:"pitch"`
	Yaw       float64 `json:"yaw"`
	FaceCount int     `json:"face_count"`
	Message   string  `json:"message,omitempty"`
}

type processFrameResponse struct {
	FaceCount int              `json:"face_count"`
	Objects   []DetectedObject `json:"objects,omitempty"`
	HeadPose  *struct {
		Pitch float64 `json:"pitch"`
		Yaw   float64 `json:"yaw"`
	} `json:"head_pose,omitempty"`
	Lighting float64 `json:"lighting_score"`
}

func (r *Remote) post(ctx context.Context, path string, frame []byte, out any) error {
	payload, err := json.Marshal(map[string]string{
		"frame_base64": base64.StdEncoding.EncodeToString(frame),
	})
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	op := func() (struct{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+path, bytes.NewReader(payload))
		if err != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := r.client.Do(req)
		if err != nil {
			return struct{}{}, fmt.Errorf("detection request: %w", err)
		}
		defer func() { _ = resp.Body.Close() }()

		body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return struct{}{}, fmt.Errorf("read response: %w", err)
		}
		if resp.StatusCode >= 500 {
			return struct{}{}, fmt.Errorf("detection service %s: status %d", path, resp.StatusCode)
		}
		if resp.StatusCode >= 400 {
			return struct{}{}, backoff.Permanent(fmt.Errorf("detection service %s: status %d", path, resp.StatusCode))
		}
		if err := json.Unmarshal(body, out); err != nil {
			return struct{}{}, backoff.Permanent(fmt.Errorf("decode response: %w", err))
		}
		return struct{}{}, nil
	}

	_, err = backoff.Retry(ctx, op,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(r.MaxTries),
	)
	return err
}

// ProcessFrame runs one detection pass remotely.
func (r *Remote) ProcessFrame(ctx context.Context, frame []byte) (FrameResult, error) {
	var resp processFrameResponse
	if err := r.post(ctx, "/process-frame", frame, &resp); err != nil {
		return FrameResult{}, err
	}
	res := FrameResult{
		FaceCount: resp.FaceCount,
		Objects:   resp.Objects,
		Lighting:  resp.Lighting,
	}
	if resp.HeadPose != nil {
		res.Pitch, res.Yaw, res.HasPose = resp.HeadPose.Pitch, resp.HeadPose.Yaw, true
	}
	return res, nil
}

// Calibrate captures the neutral head-pose baseline.
func (r *Remote) Calibrate(ctx context.Context, frame []byte) (proctor.Baseline, error) {
	var resp calibrateResponse
	if err := r.post(ctx, "/calibrate", frame, &resp); err != nil {
		return proctor.Baseline{}, err
	}
	if !resp.Success {
		switch {
		case resp.FaceCount == 0:
			return proctor.Baseline{}, proctor.ErrNoFaceDetected
		case resp.FaceCount > 1:
			return proctor.Baseline{}, proctor.ErrMultipleFaces
		default:
			return proctor.Baseline{}, fmt.Errorf("calibration rejected: %s", resp.Message)
		}
	}
	return proctor.Baseline{Pitch: resp.Pitch, Yaw: resp.Yaw}, nil
}

// CheckEnvironment runs the pre-session environment gate.
func (r *Remote) CheckEnvironment(ctx context.Context, frame []byte) (EnvironmentCheck, error) {
	var resp EnvironmentCheck
	if err := r.post(ctx, "/environment-check", frame, &resp); err != nil {
		return EnvironmentCheck{}, err
	}
	return resp, nil
}
