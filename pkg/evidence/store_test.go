package evidence

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/invigilo-labs/proctor/pkg/proctor"
)

func TestKeyIsDeterministic(t *testing.T) {
	event := proctor.ViolationEvent{
		SessionID:     "sess-42",
		ParticipantID: "part-7",
		Type:          proctor.ViolationNoPerson,
		Timestamp:     time.Date(2026, 8, 25, 14, 3, 5, 250_000_000, time.UTC),
	}

	key := Key(event)
	assert.Equal(t, "sessions/sess-42/part-7_no_person_detected_20260825_140305.250.jpg", key)
	assert.Equal(t, key, Key(event), "same event, same key")
}

func TestKeyDistinguishesEvents(t *testing.T) {
	base := proctor.ViolationEvent{
		SessionID:     "sess-1",
		ParticipantID: "part-1",
		Type:          proctor.ViolationObject,
		Timestamp:     time.Date(2026, 8, 25, 9, 0, 0, 0, time.UTC),
	}
	other := base
	other.Timestamp = base.Timestamp.Add(time.Second)

	assert.NotEqual(t, Key(base), Key(other))
}

func TestFileStorePutAndURL(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir, "https://cdn.test")
	require.NoError(t, err)

	url, err := store.Put(context.Background(), "sessions/s1/snap.jpg", []byte("image-bytes"))
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.test/sessions/s1/snap.jpg", url)

	data, err := os.ReadFile(filepath.Join(dir, "sessions", "s1", "snap.jpg"))
	require.NoError(t, err)
	assert.Equal(t, []byte("image-bytes"), data)

	// No temp file left behind.
	_, err = os.Stat(filepath.Join(dir, "sessions", "s1", "snap.jpg.tmp"))
	assert.True(t, os.IsNotExist(err))
}

func TestFileStoreFileURLWithoutBase(t *testing.T) {
	store, err := NewFileStore(t.TempDir(), "")
	require.NoError(t, err)

	url, err := store.Put(context.Background(), "sessions/s1/snap.jpg", []byte("x"))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(url, "file://"), "got %q", url)
}

func TestFileStoreOverwriteIsIdempotent(t *testing.T) {
	store, err := NewFileStore(t.TempDir(), "https://cdn.test")
	require.NoError(t, err)

	first, err := store.Put(context.Background(), "k.jpg", []byte("a"))
	require.NoError(t, err)
	second, err := store.Put(context.Background(), "k.jpg", []byte("a"))
	require.NoError(t, err)
	assert.Equal(t, first, second)
}
