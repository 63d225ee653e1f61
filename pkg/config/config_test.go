package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Default()

	assert.Equal(t, 2*time.Second, cfg.SampleInterval)
	assert.Equal(t, 3, cfg.NoPersonSamples)
	assert.EqualValues(t, 50.0, cfg.AudioThreshold)
	assert.Equal(t, 3, cfg.AudioRepeatCount)
	assert.EqualValues(t, 20.0, cfg.HeadPoseThreshold)
	assert.Equal(t, "sqlite", cfg.DatabaseDriver)
	assert.Contains(t, cfg.RestrictedObjects, "cell phone")
	assert.False(t, cfg.TelemetryEnabled)
}

func TestLoadYAMLOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "proctor.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
sample_interval: 5s
no_person_samples: 4
audio_threshold: 65
remote_ws_url: wss://detector.internal
restricted_objects: ["cell phone"]
database_driver: postgres
database_dsn: postgres://proctor@db/proctor
`), 0600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 5*time.Second, cfg.SampleInterval)
	assert.Equal(t, 4, cfg.NoPersonSamples)
	assert.EqualValues(t, 65.0, cfg.AudioThreshold)
	assert.Equal(t, "wss://detector.internal", cfg.RemoteWSURL)
	assert.Equal(t, []string{"cell phone"}, cfg.RestrictedObjects)
	assert.Equal(t, "postgres", cfg.DatabaseDriver)

	// Untouched keys keep their defaults.
	assert.Equal(t, 3, cfg.AudioRepeatCount)
	assert.Equal(t, ":8090", cfg.ListenAddr)
}

func TestLoadMissingFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestLoadEmptyPathUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default().SampleInterval, cfg.SampleInterval)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("PROCTOR_REMOTE_WS_URL", "wss://env.detector")
	t.Setenv("PROCTOR_DB_DRIVER", "postgres")
	t.Setenv("PROCTOR_SAMPLE_INTERVAL", "750ms")
	t.Setenv("PROCTOR_CALIBRATION_RETRIES", "5")
	t.Setenv("PROCTOR_TELEMETRY_ENABLED", "true")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "wss://env.detector", cfg.RemoteWSURL)
	assert.Equal(t, "postgres", cfg.DatabaseDriver)
	assert.Equal(t, 750*time.Millisecond, cfg.SampleInterval)
	assert.Equal(t, 5, cfg.CalibrationRetries)
	assert.True(t, cfg.TelemetryEnabled)
}

func TestEnvOverridesBeatYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "proctor.yaml")
	require.NoError(t, os.WriteFile(path, []byte("remote_ws_url: wss://file.detector\n"), 0600))
	t.Setenv("PROCTOR_REMOTE_WS_URL", "wss://env.detector")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "wss://env.detector", cfg.RemoteWSURL)
}

func TestMalformedEnvIntIgnored(t *testing.T) {
	t.Setenv("PROCTOR_CALIBRATION_RETRIES", "many")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default().CalibrationRetries, cfg.CalibrationRetries)
}
