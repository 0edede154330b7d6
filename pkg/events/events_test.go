package events

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/eventbridge"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsrunbook/copilot/pkg/contracts"
)

type fakeBridge struct {
	inputs []*eventbridge.PutEventsInput
	err    error
	failed int32
}

func (f *fakeBridge) PutEvents(_ context.Context, in *eventbridge.PutEventsInput, _ ...func(*eventbridge.Options)) (*eventbridge.PutEventsOutput, error) {
	f.inputs = append(f.inputs, in)
	if f.err != nil {
		return nil, f.err
	}
	return &eventbridge.PutEventsOutput{FailedEntryCount: f.failed}, nil
}

func TestBusEmitterEntryShape(t *testing.T) {
	bridge := &fakeBridge{}
	em := NewBusEmitterWithClient(bridge, "incidents-bus")

	err := em.Emit(context.Background(), IncidentAnalyzed, map[string]any{"incident_id": "i"})
	require.NoError(t, err)
	require.Len(t, bridge.inputs, 1)

	entry := bridge.inputs[0].Entries[0]
	assert.Equal(t, "incidents-bus", *entry.EventBusName)
	assert.Equal(t, Source, *entry.Source)
	assert.Equal(t, IncidentAnalyzed, *entry.DetailType)

	var detail map[string]any
	require.NoError(t, json.Unmarshal([]byte(*entry.Detail), &detail))
	assert.Equal(t, "i", detail["incident_id"])
}

func TestBusEmitterFailedEntries(t *testing.T) {
	em := NewBusEmitterWithClient(&fakeBridge{failed: 1}, "bus")
	err := em.Emit(context.Background(), ActionCompleted, map[string]any{})
	assert.ErrorContains(t, err, "entries failed")
}

func TestEmitBestEffortSwallowsErrors(t *testing.T) {
	em := NewBusEmitterWithClient(&fakeBridge{err: errors.New("throttled")}, "bus")
	// must not panic or propagate
	EmitBestEffort(context.Background(), em, slog.Default(), EvidenceCollected, map[string]any{})
	EmitBestEffort(context.Background(), nil, slog.Default(), EvidenceCollected, map[string]any{})
}

func TestCollectedDetail(t *testing.T) {
	now := time.Date(2026, 2, 15, 12, 0, 0, 0, time.UTC)
	window := contracts.TimeWindow{Start: now.Add(-10 * time.Minute), End: now}
	ref := &contracts.EvidenceRef{CollectorType: contracts.CollectorLogs, Bucket: "b", Key: "k", SHA256: "s", ByteSize: 10}

	detail := CollectedDetail("inc-1", "run-a", "loggen", ref, window, now)
	assert.Equal(t, "inc-1", detail["incident_id"])
	assert.Equal(t, contracts.CollectorLogs, detail["collector_type"])
	refMap := detail["evidence_ref"].(map[string]any)
	assert.Equal(t, "k", refMap["key"])

	noRef := CollectedDetail("inc-1", "run-a", "loggen", nil, window, now)
	assert.NotContains(t, noRef, "evidence_ref")
}

func TestAnalyzedDetailCapsFindings(t *testing.T) {
	p := &contracts.IncidentPacket{IncidentID: "i", CollectorRunID: "r"}
	for i := 0; i < 8; i++ {
		p.Findings = append(p.Findings, contracts.Finding{ID: "f", Confidence: 0.2})
	}
	detail := AnalyzedDetail(p, "b", "k")
	assert.Len(t, detail["findings"], 5)
}
