//go:build gcp

package blobstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"cloud.google.com/go/storage"
)

// GCSStore writes blobs to a Google Cloud Storage bucket. Built only with
// the gcp tag; the default build returns a configuration error instead.
type GCSStore struct {
	client *storage.Client
	bucket string
}

// NewGCSStore builds a GCS-backed store from ambient credentials.
func NewGCSStore(ctx context.Context, bucket string) (Store, error) {
	if bucket == "" {
		return nil, fmt.Errorf("blobstore: bucket is required")
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("blobstore: gcs client: %w", err)
	}
	return &GCSStore{client: client, bucket: bucket}, nil
}

func (s *GCSStore) PutJSON(ctx context.Context, key string, v any) (PutResult, error) {
	data, sum, err := encode(v)
	if err != nil {
		return PutResult{}, err
	}
	w := s.client.Bucket(s.bucket).Object(key).NewWriter(ctx)
	w.ContentType = "application/json"
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return PutResult{}, fmt.Errorf("blobstore: gcs write %s: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return PutResult{}, fmt.Errorf("blobstore: gcs close %s: %w", key, err)
	}
	return PutResult{Bucket: s.bucket, Key: key, SHA256: sum, ByteSize: len(data)}, nil
}

func (s *GCSStore) GetJSON(ctx context.Context, key string, dest any) error {
	r, err := s.client.Bucket(s.bucket).Object(key).NewReader(ctx)
	if err != nil {
		return fmt.Errorf("blobstore: gcs get %s: %w", key, err)
	}
	defer func() { _ = r.Close() }()
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("blobstore: gcs read %s: %w", key, err)
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return fmt.Errorf("blobstore: decode %s: %w", key, err)
	}
	return nil
}

func (s *GCSStore) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.client.Bucket(s.bucket).Object(key).Attrs(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("blobstore: gcs attrs %s: %w", key, err)
	}
	return true, nil
}
