package blobstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// MemoryStore keeps blobs in process. Used by tests and dry-run mode.
type MemoryStore struct {
	bucket string
	mu     sync.RWMutex
	blobs  map[string][]byte
}

// NewMemoryStore builds an empty in-process store labeled with bucket.
func NewMemoryStore(bucket string) *MemoryStore {
	return &MemoryStore{bucket: bucket, blobs: make(map[string][]byte)}
}

func (s *MemoryStore) PutJSON(_ context.Context, key string, v any) (PutResult, error) {
	data, sum, err := encode(v)
	if err != nil {
		return PutResult{}, err
	}
	s.mu.Lock()
	s.blobs[key] = data
	s.mu.Unlock()
	return PutResult{Bucket: s.bucket, Key: key, SHA256: sum, ByteSize: len(data)}, nil
}

func (s *MemoryStore) GetJSON(_ context.Context, key string, dest any) error {
	s.mu.RLock()
	data, ok := s.blobs[key]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("blobstore: %s not found", key)
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return fmt.Errorf("blobstore: decode %s: %w", key, err)
	}
	return nil
}

func (s *MemoryStore) Exists(_ context.Context, key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.blobs[key]
	return ok, nil
}

// Raw returns the stored bytes for key; test helper.
func (s *MemoryStore) Raw(key string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.blobs[key]
	return data, ok
}

// Len returns the number of stored blobs; test helper.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.blobs)
}
