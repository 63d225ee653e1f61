// Package evidence stores violation snapshots in object storage and
// guarantees each violation event is durably recorded with at most one
// evidence upload.
package evidence

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/invigilo-labs/proctor/pkg/proctor"
)

// Store is the snapshot blob storage contract. Put uploads data under a
// deterministic key and returns the publicly retrievable URL.
type Store interface {
	Put(ctx context.Context, key string, data []byte) (string, error)
}

// Key builds the deterministic, collision-resistant object key for an
// event: session id + participant id + violation type + timestamp.
func Key(event proctor.ViolationEvent) string {
	ts := event.Timestamp.UTC().Format("20060102_150405.000")
	return fmt.Sprintf("sessions/%s/%s_%s_%s.jpg",
		event.SessionID, event.ParticipantID, event.Type, ts)
}

// FileStore is a filesystem-backed Store for single-node deployments and
// tests.
type FileStore struct {
	baseDir string
	baseURL string
	mu      sync.Mutex
}

// NewFileStore creates a store rooted at baseDir. Returned URLs are
// baseURL + "/" + key; an empty baseURL yields file:// URLs.
func NewFileStore(baseDir, baseURL string) (*FileStore, error) {
	//nolint:gosec // G301: evidence dir is shared with the report renderer
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("ensure evidence dir: %w", err)
	}
	return &FileStore{baseDir: baseDir, baseURL: baseURL}, nil
}

func (s *FileStore) Put(ctx context.Context, key string, data []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := filepath.Join(s.baseDir, filepath.FromSlash(key))
	//nolint:gosec // G301: see NewFileStore
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("ensure key dir: %w", err)
	}

	// Write to temp, then rename, so a crash never leaves a partial
	// object behind a valid URL.
	tmp := path + ".tmp"
	//nolint:gosec // G306: snapshots are served to the report UI
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return "", fmt.Errorf("write snapshot: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("commit snapshot: %w", err)
	}

	if s.baseURL != "" {
		return s.baseURL + "/" + key, nil
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolve snapshot path: %w", err)
	}
	return "file://" + abs, nil
}

var _ Store = (*FileStore)(nil)
