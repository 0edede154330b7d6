// Package events emits domain events to the event bus. Emission is always
// best-effort: pipeline steps log publish failures and keep going, because a
// lost notification must never fail a step that already persisted its work.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge"
	ebtypes "github.com/aws/aws-sdk-go-v2/service/eventbridge/types"

	"github.com/opsrunbook/copilot/pkg/contracts"
)

// Source identifies this system on the bus.
const Source = "opsrunbook-copilot"

// Detail types.
const (
	EvidenceCollected = "evidence.collected"
	SnapshotPersisted = "evidence.snapshot.persisted"
	IncidentAnalyzed  = "incident.analyzed"
	ActionCompleted   = "action.completed"
)

// Emitter publishes one domain event.
type Emitter interface {
	Emit(ctx context.Context, detailType string, detail map[string]any) error
}

// EmitBestEffort publishes and logs failure instead of returning it.
func EmitBestEffort(ctx context.Context, em Emitter, log *slog.Logger, detailType string, detail map[string]any) {
	if em == nil {
		return
	}
	if err := em.Emit(ctx, detailType, detail); err != nil {
		log.Warn("event emission failed", "detail_type", detailType, "error", err)
	}
}

// EventBridgeAPI is the slice of the EventBridge client the emitter uses.
type EventBridgeAPI interface {
	PutEvents(ctx context.Context, params *eventbridge.PutEventsInput, optFns ...func(*eventbridge.Options)) (*eventbridge.PutEventsOutput, error)
}

// BusEmitter publishes to a named EventBridge bus.
type BusEmitter struct {
	client EventBridgeAPI
	bus    string
}

// NewBusEmitter builds an EventBridge emitter from ambient credentials.
func NewBusEmitter(ctx context.Context, bus, region string) (*BusEmitter, error) {
	if bus == "" {
		return nil, fmt.Errorf("events: bus name is required")
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("events: load AWS config: %w", err)
	}
	return &BusEmitter{client: eventbridge.NewFromConfig(awsCfg), bus: bus}, nil
}

// NewBusEmitterWithClient wires an existing client; used by tests.
func NewBusEmitterWithClient(client EventBridgeAPI, bus string) *BusEmitter {
	return &BusEmitter{client: client, bus: bus}
}

func (e *BusEmitter) Emit(ctx context.Context, detailType string, detail map[string]any) error {
	body, err := json.Marshal(detail)
	if err != nil {
		return fmt.Errorf("events: marshal detail: %w", err)
	}
	out, err := e.client.PutEvents(ctx, &eventbridge.PutEventsInput{
		Entries: []ebtypes.PutEventsRequestEntry{{
			EventBusName: aws.String(e.bus),
			Source:       aws.String(Source),
			DetailType:   aws.String(detailType),
			Detail:       aws.String(string(body)),
		}},
	})
	if err != nil {
		return fmt.Errorf("events: put %s: %w", detailType, err)
	}
	if out.FailedEntryCount > 0 {
		return fmt.Errorf("events: put %s: %d entries failed", detailType, out.FailedEntryCount)
	}
	return nil
}

// LogEmitter writes events to the log. Used when no bus is configured and in
// tests that only need to observe emissions.
type LogEmitter struct {
	log *slog.Logger
}

// NewLogEmitter builds a log-backed emitter.
func NewLogEmitter(log *slog.Logger) *LogEmitter {
	return &LogEmitter{log: log}
}

func (e *LogEmitter) Emit(_ context.Context, detailType string, detail map[string]any) error {
	e.log.Info("domain event", "source", Source, "detail_type", detailType, "detail", detail)
	return nil
}

// CollectedDetail builds the evidence.collected payload.
func CollectedDetail(incidentID, runID, service string, ref *contracts.EvidenceRef, window contracts.TimeWindow, now time.Time) map[string]any {
	detail := map[string]any{
		"incident_id":      incidentID,
		"collector_run_id": runID,
		"service":          service,
		"time_window": map[string]any{
			"start": window.Start.UTC().Format(time.RFC3339),
			"end":   window.End.UTC().Format(time.RFC3339),
		},
		"emitted_at": now.UTC().Format(time.RFC3339),
	}
	if ref != nil {
		detail["collector_type"] = ref.CollectorType
		detail["evidence_ref"] = map[string]any{
			"collector_type": ref.CollectorType,
			"bucket":         ref.Bucket,
			"key":            ref.Key,
			"sha256":         ref.SHA256,
			"byte_size":      ref.ByteSize,
			"truncated":      ref.Truncated,
		}
	}
	return detail
}

// SnapshotDetail builds the evidence.snapshot.persisted payload.
func SnapshotDetail(snap *contracts.Snapshot, bucket, key, sha string, byteSize int) map[string]any {
	return map[string]any{
		"incident_id":      snap.IncidentID,
		"collector_run_id": snap.CollectorRunID,
		"service":          snap.Service,
		"environment":      snap.Environment,
		"bucket":           bucket,
		"key":              key,
		"sha256":           sha,
		"byte_size":        byteSize,
		"truncated":        snap.Truncated,
	}
}

// AnalyzedDetail builds the incident.analyzed payload; findings capped at 5.
func AnalyzedDetail(p *contracts.IncidentPacket, bucket, key string) map[string]any {
	top := p.TopFindings(5)
	findings := make([]map[string]any, 0, len(top))
	for _, f := range top {
		findings = append(findings, map[string]any{
			"id":         f.ID,
			"summary":    f.Summary,
			"confidence": f.Confidence,
		})
	}
	return map[string]any{
		"incident_id":      p.IncidentID,
		"collector_run_id": p.CollectorRunID,
		"service":          p.Service,
		"environment":      p.Environment,
		"packet_bucket":    bucket,
		"packet_key":       key,
		"findings":         findings,
		"limits":           p.Limits,
	}
}

// ActionDetail builds the action.completed payload.
func ActionDetail(res *contracts.ActionResult) map[string]any {
	return map[string]any{
		"incident_id":   res.IncidentID,
		"action_id":     res.ActionID,
		"action_type":   res.ActionType,
		"status":        res.Status,
		"external_refs": res.ExternalRefs,
	}
}
