package blobstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsrunbook/copilot/pkg/canonical"
)

func TestKeyLayout(t *testing.T) {
	assert.Equal(t, "evidence/inc-1/run-a/logs.json", EvidenceKey("inc-1", "run-a", "logs"))
	assert.Equal(t, "evidence/inc-1/run-a.json", SnapshotKey("inc-1", "run-a"))
	assert.Equal(t, "packets/inc-1/run-a.json", PacketKey("inc-1", "run-a"))
	assert.Equal(t, "webhooks/github/org/repo/dlv-9.json", WebhookRawKey("org/repo", "dlv-9"))
	assert.Equal(t, "pr_review_packets/org/repo/dlv-9.json", ReviewPacketKey("org/repo", "dlv-9"))
}

func TestMemoryPutHashMatchesStoredBytes(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore("evidence-bucket")

	doc := map[string]any{"b": 2, "a": 1, "nested": map[string]any{"z": true}}
	res, err := store.PutJSON(ctx, "evidence/i/r/logs.json", doc)
	require.NoError(t, err)
	assert.Equal(t, "evidence-bucket", res.Bucket)

	raw, ok := store.Raw("evidence/i/r/logs.json")
	require.True(t, ok)
	assert.Equal(t, res.ByteSize, len(raw))
	assert.Equal(t, res.SHA256, canonical.HashBytes(raw), "stored bytes are the hashed bytes")
}

func TestMemoryGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore("b")

	_, err := store.PutJSON(ctx, "k", map[string]any{"x": "y"})
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, store.GetJSON(ctx, "k", &got))
	assert.Equal(t, map[string]any{"x": "y"}, got)

	err = store.GetJSON(ctx, "missing", &got)
	assert.ErrorContains(t, err, "not found")
}

func TestMemoryExists(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore("b")

	ok, err := store.Exists(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = store.PutJSON(ctx, "k", "v")
	require.NoError(t, err)
	ok, err = store.Exists(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
}
