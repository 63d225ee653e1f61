package evidence

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// StoreType selects the snapshot storage backend.
type StoreType string

const (
	StoreTypeFS  StoreType = "fs"
	StoreTypeS3  StoreType = "s3"
	StoreTypeGCS StoreType = "gcs"
)

// NewStoreFromEnv creates a snapshot store based on environment
// variables.
//
//   - EVIDENCE_STORAGE_TYPE: "fs" (default), "s3", or "gcs"
//   - DATA_DIR: base directory for the filesystem store (default "data")
//   - EVIDENCE_BASE_URL: public URL base for the filesystem store
//
// For S3:
//   - EVIDENCE_S3_BUCKET (required)
//   - EVIDENCE_S3_REGION or AWS_REGION
//   - EVIDENCE_S3_ENDPOINT (optional, for MinIO/LocalStack)
//
// For GCS (requires the gcp build tag):
//   - EVIDENCE_GCS_BUCKET (required)
func NewStoreFromEnv(ctx context.Context) (Store, error) {
	storeType := StoreType(os.Getenv("EVIDENCE_STORAGE_TYPE"))
	if storeType == "" {
		storeType = StoreTypeFS
	}

	switch storeType {
	case StoreTypeFS:
		return newFileStoreFromEnv()
	case StoreTypeS3:
		return newS3StoreFromEnv(ctx)
	case StoreTypeGCS:
		return newGCSStoreFromEnv(ctx)
	default:
		return nil, fmt.Errorf("unsupported evidence storage type: %s", storeType)
	}
}

func newFileStoreFromEnv() (Store, error) {
	dataDir := os.Getenv("DATA_DIR")
	if dataDir == "" {
		dataDir = "data"
	}
	return NewFileStore(filepath.Join(dataDir, "evidence"), os.Getenv("EVIDENCE_BASE_URL"))
}

func newS3StoreFromEnv(ctx context.Context) (Store, error) {
	bucket := os.Getenv("EVIDENCE_S3_BUCKET")
	if bucket == "" {
		return nil, fmt.Errorf("EVIDENCE_S3_BUCKET is required for S3 storage")
	}

	region := os.Getenv("EVIDENCE_S3_REGION")
	if region == "" {
		region = os.Getenv("AWS_REGION")
	}
	if region == "" {
		region = "us-east-1"
	}

	return NewS3Store(ctx, S3StoreConfig{
		Bucket:   bucket,
		Region:   region,
		Endpoint: os.Getenv("EVIDENCE_S3_ENDPOINT"),
	})
}
