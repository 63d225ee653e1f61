//go:build gcp

package evidence

import (
	"context"
	"errors"
	"fmt"

	"cloud.google.com/go/storage"
)

// GCSStore keeps snapshots in a Google Cloud Storage bucket.
type GCSStore struct {
	client *storage.Client
	bucket string
}

// GCSStoreConfig holds configuration for GCSStore.
type GCSStoreConfig struct {
	Bucket string
}

// NewGCSStore creates a GCS-backed snapshot store (uses ADC).
func NewGCSStore(ctx context.Context, cfg GCSStoreConfig) (*GCSStore, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("create GCS client: %w", err)
	}
	return &GCSStore{client: client, bucket: cfg.Bucket}, nil
}

// Put uploads one snapshot, skipping keys that already exist.
func (s *GCSStore) Put(ctx context.Context, key string, data []byte) (string, error) {
	obj := s.client.Bucket(s.bucket).Object(key)

	if _, err := obj.Attrs(ctx); err == nil {
		return s.publicURL(key), nil
	} else if !errors.Is(err, storage.ErrObjectNotExist) {
		return "", fmt.Errorf("gcs head %s: %w", key, err)
	}

	w := obj.NewWriter(ctx)
	w.ContentType = "image/jpeg"
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("gcs write %s: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("gcs commit %s: %w", key, err)
	}

	return s.publicURL(key), nil
}

func (s *GCSStore) publicURL(key string) string {
	return fmt.Sprintf("https://storage.googleapis.com/%s/%s", s.bucket, key)
}

var _ Store = (*GCSStore)(nil)
