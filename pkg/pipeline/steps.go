package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/opsrunbook/copilot/pkg/analyze"
	"github.com/opsrunbook/copilot/pkg/blobstore"
	"github.com/opsrunbook/copilot/pkg/collect"
	"github.com/opsrunbook/copilot/pkg/contracts"
	"github.com/opsrunbook/copilot/pkg/review"
	"github.com/opsrunbook/copilot/pkg/snapshot"
)

// Step names runnable via `copilot step <name>`.
const (
	StepCollectLogs     = "collect-logs"
	StepCollectMetrics  = "collect-metrics"
	StepCollectWorkflow = "collect-workflow"
	StepSnapshot        = "snapshot"
	StepAnalyze         = "analyze"
	StepAct             = "act"
	StepPRReview        = "pr-review"
)

// StepFunc executes one step: JSON in, result out.
type StepFunc func(ctx context.Context, input []byte) (any, error)

// Registry maps step names to their entry points.
type Registry struct {
	steps map[string]StepFunc
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{steps: map[string]StepFunc{}}
}

// Register binds a step name.
func (r *Registry) Register(name string, fn StepFunc) {
	r.steps[name] = fn
}

// Names lists registered steps, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.steps))
	for name := range r.steps {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Run executes one named step.
func (r *Registry) Run(ctx context.Context, name string, input []byte) (any, error) {
	fn, ok := r.steps[name]
	if !ok {
		return nil, fmt.Errorf("pipeline: unknown step %q (have: %s)", name, strings.Join(r.Names(), ", "))
	}
	return fn(ctx, input)
}

// snapshotStepInput is the envelope the snapshot step decodes: the
// pipeline identity plus the collector branch outputs.
type snapshotStepInput struct {
	Context snapshot.Context            `json:"context"`
	Results []contracts.CollectorResult `json:"results"`
}

// actStepInput points the act step at its packet.
type actStepInput struct {
	IncidentID     string `json:"incident_id"`
	CollectorRunID string `json:"collector_run_id"`
	PacketKey      string `json:"packet_key,omitempty"`
}

// BuildRegistry registers every step the local runtime's components can
// serve; nil components simply leave their steps unregistered.
func (r *LocalRuntime) BuildRegistry(cycle *review.Cycle) *Registry {
	reg := NewRegistry()

	registerCollector := func(name string, c Collector) {
		if c == nil {
			return
		}
		reg.Register(name, func(ctx context.Context, input []byte) (any, error) {
			var in collect.Input
			if err := json.Unmarshal(input, &in); err != nil {
				return nil, fmt.Errorf("pipeline: %s input: %w", name, err)
			}
			return c.Collect(ctx, in), nil
		})
	}
	registerCollector(StepCollectLogs, r.Logs)
	registerCollector(StepCollectMetrics, r.Metrics)
	registerCollector(StepCollectWorkflow, r.Workflow)

	if r.Snapshots != nil {
		reg.Register(StepSnapshot, func(ctx context.Context, input []byte) (any, error) {
			var in snapshotStepInput
			if err := json.Unmarshal(input, &in); err != nil {
				return nil, fmt.Errorf("pipeline: snapshot input: %w", err)
			}
			return r.Snapshots.Persist(ctx, in.Context, in.Results)
		})
	}
	if r.Analyzer != nil {
		reg.Register(StepAnalyze, func(ctx context.Context, input []byte) (any, error) {
			var evt analyze.SnapshotEvent
			if err := json.Unmarshal(input, &evt); err != nil {
				return nil, fmt.Errorf("pipeline: analyze input: %w", err)
			}
			return r.Analyzer.Analyze(ctx, evt)
		})
	}
	if r.Actions != nil && r.Blobs != nil {
		reg.Register(StepAct, func(ctx context.Context, input []byte) (any, error) {
			var in actStepInput
			if err := json.Unmarshal(input, &in); err != nil {
				return nil, fmt.Errorf("pipeline: act input: %w", err)
			}
			key := in.PacketKey
			if key == "" {
				key = blobstore.PacketKey(in.IncidentID, in.CollectorRunID)
			}
			var packet contracts.IncidentPacket
			if err := r.Blobs.GetJSON(ctx, key, &packet); err != nil {
				return nil, fmt.Errorf("pipeline: act: load packet %s: %w", key, err)
			}
			return r.Actions.Execute(ctx, &packet)
		})
	}
	if cycle != nil {
		reg.Register(StepPRReview, func(ctx context.Context, input []byte) (any, error) {
			var event contracts.PRReviewEvent
			if err := json.Unmarshal(input, &event); err != nil {
				return nil, fmt.Errorf("pipeline: pr-review input: %w", err)
			}
			return cycle.Run(ctx, &event)
		})
	}
	return reg
}
