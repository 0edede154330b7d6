// Package blobstore is the object-store gateway for evidence, packets, and
// raw webhook payloads. Every write goes through the canonical serializer:
// the bytes on disk are exactly the bytes that were hashed, so a reader can
// always re-verify a ref's sha256.
package blobstore

import (
	"context"
	"fmt"

	"github.com/opsrunbook/copilot/pkg/canonical"
)

// PutResult describes a written blob.
type PutResult struct {
	Bucket   string
	Key      string
	SHA256   string
	ByteSize int
}

// Store is the gateway contract. Implementations: S3, GCS (build-tagged),
// and an in-process memory store for tests and dry-run.
type Store interface {
	// PutJSON canonicalizes v, writes it at key, and returns the ref fields.
	PutJSON(ctx context.Context, key string, v any) (PutResult, error)
	// GetJSON reads the blob at key and unmarshals it into dest.
	GetJSON(ctx context.Context, key string, dest any) error
	// Exists reports whether a blob is present at key.
	Exists(ctx context.Context, key string) (bool, error)
}

// encode produces the canonical bytes and their hash for any payload.
func encode(v any) ([]byte, string, error) {
	b, err := canonical.Marshal(v)
	if err != nil {
		return nil, "", fmt.Errorf("blobstore: canonicalize: %w", err)
	}
	return b, canonical.HashBytes(b), nil
}

// Blob key layout. These paths are a stable external contract; history
// readers depend on them.

// EvidenceKey is the per-collector blob path for one run.
func EvidenceKey(incidentID, runID, collectorType string) string {
	return fmt.Sprintf("evidence/%s/%s/%s.json", incidentID, runID, collectorType)
}

// SnapshotKey is the aggregate manifest path for one run.
func SnapshotKey(incidentID, runID string) string {
	return fmt.Sprintf("evidence/%s/%s.json", incidentID, runID)
}

// PacketKey is the analyzer output path for one run.
func PacketKey(incidentID, runID string) string {
	return fmt.Sprintf("packets/%s/%s.json", incidentID, runID)
}

// WebhookRawKey is where a raw delivery is archived before processing.
func WebhookRawKey(repoFullName, deliveryID string) string {
	return fmt.Sprintf("webhooks/github/%s/%s.json", repoFullName, deliveryID)
}

// ReviewPacketKey is where a normalized PR review packet is persisted.
func ReviewPacketKey(repoFullName, deliveryID string) string {
	return fmt.Sprintf("pr_review_packets/%s/%s.json", repoFullName, deliveryID)
}
