// Package snapshot aggregates one run's collector results into a single
// manifest blob and its SNAPSHOT# record. The manifest holds refs and
// summaries only, never raw evidence content.
package snapshot

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/opsrunbook/copilot/pkg/blobstore"
	"github.com/opsrunbook/copilot/pkg/contracts"
	"github.com/opsrunbook/copilot/pkg/events"
	"github.com/opsrunbook/copilot/pkg/recordstore"
)

// Context is the pipeline identity the persister stamps on the manifest.
type Context struct {
	IncidentID     string               `json:"incident_id"`
	CollectorRunID string               `json:"collector_run_id"`
	Service        string               `json:"service,omitempty"`
	Environment    string               `json:"environment,omitempty"`
	TimeWindow     contracts.TimeWindow `json:"time_window"`
}

// Result describes the persisted snapshot.
type Result struct {
	IncidentID     string `json:"incident_id"`
	CollectorRunID string `json:"collector_run_id"`
	SnapshotSK     string `json:"snapshot_sk"`
	Bucket         string `json:"bucket"`
	Key            string `json:"key"`
	SHA256         string `json:"sha256"`
	ByteSize       int    `json:"byte_size"`
	Truncated      bool   `json:"truncated"`
}

// Persister writes snapshot manifests.
type Persister struct {
	blobs   blobstore.Store
	records recordstore.Store
	emitter events.Emitter
	log     *slog.Logger
	clock   func() time.Time
}

// NewPersister wires a snapshot persister.
func NewPersister(blobs blobstore.Store, records recordstore.Store, emitter events.Emitter, log *slog.Logger) *Persister {
	if log == nil {
		log = slog.Default()
	}
	return &Persister{
		blobs:   blobs,
		records: records,
		emitter: emitter,
		log:     log.With("component", "snapshot"),
		clock:   func() time.Time { return time.Now().UTC() },
	}
}

// WithClock replaces the clock; used by tests.
func (p *Persister) WithClock(clock func() time.Time) *Persister {
	p.clock = clock
	return p
}

// Persist writes the aggregate blob and its record, then emits
// evidence.snapshot.persisted. The snapshot's truncated flag is the OR over
// every component's truncated flag and any component error.
func (p *Persister) Persist(ctx context.Context, pctx Context, results []contracts.CollectorResult) (Result, error) {
	if pctx.IncidentID == "" || pctx.CollectorRunID == "" {
		return Result{}, fmt.Errorf("snapshot: incident_id and collector_run_id are required")
	}
	now := p.clock()

	snap := contracts.Snapshot{
		SchemaVersion:   contracts.SchemaSnapshot,
		IncidentID:      pctx.IncidentID,
		CollectorRunID:  pctx.CollectorRunID,
		Service:         pctx.Service,
		Environment:     pctx.Environment,
		CreatedAt:       now,
		TimeWindowStart: pctx.TimeWindow.Start,
		TimeWindowEnd:   pctx.TimeWindow.End,
		Collectors:      make([]contracts.SnapshotCollector, 0, len(results)),
	}
	for _, r := range results {
		entry := contracts.SnapshotCollector{
			CollectorType: r.CollectorType,
			Skipped:       r.Skipped,
			EvidenceRef:   r.EvidenceRef,
			Error:         r.Error,
		}
		if r.EvidenceRef != nil {
			entry.Truncated = r.EvidenceRef.Truncated
		}
		snap.Collectors = append(snap.Collectors, entry)
	}
	snap.ComputeTruncated()

	key := blobstore.SnapshotKey(pctx.IncidentID, pctx.CollectorRunID)
	put, err := p.blobs.PutJSON(ctx, key, snap)
	if err != nil {
		return Result{}, fmt.Errorf("snapshot: write manifest: %w", err)
	}

	sk := recordstore.SnapshotSK(now, pctx.CollectorRunID)
	err = p.records.PutRecord(ctx, recordstore.Record{
		PK: recordstore.IncidentPK(pctx.IncidentID),
		SK: sk,
		Item: map[string]any{
			"incident_id":        pctx.IncidentID,
			"collector_run_id":   pctx.CollectorRunID,
			"created_at":         now.Format(time.RFC3339Nano),
			"evidence_bucket":    put.Bucket,
			"evidence_key":       put.Key,
			"evidence_sha256":    put.SHA256,
			"evidence_byte_size": put.ByteSize,
			"truncated":          snap.Truncated,
		},
	})
	if err != nil {
		return Result{}, fmt.Errorf("snapshot: write record: %w", err)
	}

	events.EmitBestEffort(ctx, p.emitter, p.log, events.SnapshotPersisted,
		events.SnapshotDetail(&snap, put.Bucket, put.Key, put.SHA256, put.ByteSize))

	return Result{
		IncidentID:     pctx.IncidentID,
		CollectorRunID: pctx.CollectorRunID,
		SnapshotSK:     sk,
		Bucket:         put.Bucket,
		Key:            put.Key,
		SHA256:         put.SHA256,
		ByteSize:       put.ByteSize,
		Truncated:      snap.Truncated,
	}, nil
}
