// Package pipeline wires the incident steps into runnable pipelines. Two
// runtimes implement the same contract: the workflow-service runtime
// hands the instance to a state machine, and the local runtime executes
// the steps in-process (collectors in parallel, then snapshot → analyze →
// act), which is what dev mode and the scenario tests use.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/opsrunbook/copilot/pkg/actions"
	"github.com/opsrunbook/copilot/pkg/analyze"
	"github.com/opsrunbook/copilot/pkg/blobstore"
	"github.com/opsrunbook/copilot/pkg/collect"
	"github.com/opsrunbook/copilot/pkg/contracts"
	"github.com/opsrunbook/copilot/pkg/review"
	"github.com/opsrunbook/copilot/pkg/snapshot"
	"github.com/opsrunbook/copilot/pkg/stepfn"
)

// StartInput identifies one pipeline instance.
type StartInput struct {
	IncidentID     string                  `json:"incident_id"`
	CollectorRunID string                  `json:"collector_run_id"`
	Event          contracts.IncidentEvent `json:"event"`
}

// Runtime starts pipeline instances. Start must be idempotent per
// collector_run_id: starting an instance that already exists is success.
type Runtime interface {
	Start(ctx context.Context, in StartInput) (handle string, err error)
}

// Collector is the uniform step surface of the three collectors.
type Collector interface {
	Collect(ctx context.Context, in collect.Input) contracts.CollectorResult
}

// WorkflowRuntime starts instances on a state-machine service.
type WorkflowRuntime struct {
	client          *stepfn.Client
	stateMachineARN string
}

// NewWorkflowRuntime wraps a state-machine client.
func NewWorkflowRuntime(client *stepfn.Client, stateMachineARN string) *WorkflowRuntime {
	return &WorkflowRuntime{client: client, stateMachineARN: stateMachineARN}
}

// Start launches one execution named by the collector run id. A name
// collision means the instance is already running, which is success.
func (r *WorkflowRuntime) Start(ctx context.Context, in StartInput) (string, error) {
	arn, _, err := r.client.StartExecution(ctx, r.stateMachineARN, in.CollectorRunID, in)
	if err != nil {
		return "", fmt.Errorf("pipeline: start instance %s: %w", in.CollectorRunID, err)
	}
	return arn, nil
}

// RunReport is the local runtime's end-to-end result.
type RunReport struct {
	Collectors []contracts.CollectorResult `json:"collectors"`
	Snapshot   snapshot.Result             `json:"snapshot"`
	Analysis   analyze.Result              `json:"analysis"`
	Actions    actions.Outcome             `json:"actions"`
}

// LocalRuntime executes the pipeline in-process. A nil collector reports
// itself as skipped; Snapshots, Analyzer, Actions, and Blobs are required.
type LocalRuntime struct {
	Logs      Collector
	Metrics   Collector
	Workflow  Collector
	Snapshots *snapshot.Persister
	Analyzer  *analyze.Analyzer
	Actions   *actions.Runner
	Blobs     blobstore.Store
	Log       *slog.Logger
}

// Start satisfies Runtime by running the whole instance synchronously.
func (r *LocalRuntime) Start(ctx context.Context, in StartInput) (string, error) {
	if _, err := r.Run(ctx, in); err != nil {
		return "", err
	}
	return "local:" + in.CollectorRunID, nil
}

// Run executes collectors in parallel, then the sequential tail.
func (r *LocalRuntime) Run(ctx context.Context, in StartInput) (*RunReport, error) {
	log := r.Log
	if log == nil {
		log = slog.Default()
	}

	input := collect.Input{
		IncidentID:     in.IncidentID,
		CollectorRunID: in.CollectorRunID,
		Service:        in.Event.Service,
		TimeWindow:     in.Event.TimeWindow,
		Hints:          in.Event.Hints,
	}

	collectors := []struct {
		collectorType string
		c             Collector
	}{
		{contracts.CollectorLogs, r.Logs},
		{contracts.CollectorMetrics, r.Metrics},
		{contracts.CollectorWorkflow, r.Workflow},
	}
	results := make([]contracts.CollectorResult, len(collectors))
	var wg sync.WaitGroup
	for i, entry := range collectors {
		if entry.c == nil {
			results[i] = contracts.CollectorResult{CollectorType: entry.collectorType, Skipped: true}
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = entry.c.Collect(ctx, input)
		}()
	}
	wg.Wait()

	snapResult, err := r.Snapshots.Persist(ctx, snapshot.Context{
		IncidentID:     in.IncidentID,
		CollectorRunID: in.CollectorRunID,
		Service:        in.Event.Service,
		Environment:    in.Event.Environment,
		TimeWindow:     in.Event.TimeWindow,
	}, results)
	if err != nil {
		return nil, fmt.Errorf("pipeline: snapshot: %w", err)
	}

	anaResult, err := r.Analyzer.Analyze(ctx, analyze.SnapshotEvent{
		IncidentID:     in.IncidentID,
		CollectorRunID: in.CollectorRunID,
		Bucket:         snapResult.Bucket,
		Key:            snapResult.Key,
		SHA256:         snapResult.SHA256,
		Service:        in.Event.Service,
		Environment:    in.Event.Environment,
		TimeWindow:     in.Event.TimeWindow,
	})
	if err != nil {
		return nil, fmt.Errorf("pipeline: analyze: %w", err)
	}

	var packet contracts.IncidentPacket
	packetKey := blobstore.PacketKey(in.IncidentID, in.CollectorRunID)
	if err := r.Blobs.GetJSON(ctx, packetKey, &packet); err != nil {
		return nil, fmt.Errorf("pipeline: load packet: %w", err)
	}

	actResult, err := r.Actions.Execute(ctx, &packet)
	if err != nil {
		return nil, fmt.Errorf("pipeline: act: %w", err)
	}

	log.Info("pipeline instance complete",
		"incident_id", in.IncidentID,
		"collector_run_id", in.CollectorRunID,
		"actions_status", actResult.Status)

	return &RunReport{
		Collectors: results,
		Snapshot:   snapResult,
		Analysis:   anaResult,
		Actions:    actResult,
	}, nil
}

// WorkflowReviewDispatcher starts review-cycle executions on the state
// machine service. Implements webhook.Dispatcher.
type WorkflowReviewDispatcher struct {
	client          *stepfn.Client
	stateMachineARN string
}

// NewWorkflowReviewDispatcher wraps a state-machine client for the review
// path.
func NewWorkflowReviewDispatcher(client *stepfn.Client, stateMachineARN string) *WorkflowReviewDispatcher {
	return &WorkflowReviewDispatcher{client: client, stateMachineARN: stateMachineARN}
}

// StartReviewCycle launches one review execution; a name collision is
// success.
func (d *WorkflowReviewDispatcher) StartReviewCycle(ctx context.Context, name string, event *contracts.PRReviewEvent) (string, error) {
	arn, _, err := d.client.StartExecution(ctx, d.stateMachineARN, name, event)
	if err != nil {
		return "", fmt.Errorf("pipeline: start review cycle %s: %w", name, err)
	}
	return arn, nil
}

// LocalReviewDispatcher runs the review cycle inline. Implements
// webhook.Dispatcher.
type LocalReviewDispatcher struct {
	Cycle *review.Cycle
}

// StartReviewCycle executes the cycle synchronously.
func (d *LocalReviewDispatcher) StartReviewCycle(ctx context.Context, name string, event *contracts.PRReviewEvent) (string, error) {
	if _, err := d.Cycle.Run(ctx, event); err != nil {
		return "", err
	}
	return "local:" + name, nil
}
