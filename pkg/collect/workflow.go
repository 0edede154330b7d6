package collect

import (
	"context"
	"log/slog"
	"time"

	"github.com/opsrunbook/copilot/pkg/blobstore"
	"github.com/opsrunbook/copilot/pkg/contracts"
	"github.com/opsrunbook/copilot/pkg/events"
	"github.com/opsrunbook/copilot/pkg/stepfn"
)

// Workflow budget stages.
const (
	historyTailKeep   = 5
	errorCauseBudget  = 200
	maxFailedInWindow = stepfn.MaxFailedExecutions
)

// WorkflowCollector describes the orchestrator's own execution and lists
// recent failed peer executions in the window.
type WorkflowCollector struct {
	sfn     *stepfn.Client
	store   blobstore.Store
	emitter events.Emitter
	log     *slog.Logger
	clock   func() time.Time
}

// NewWorkflowCollector wires a workflow collector.
func NewWorkflowCollector(sfn *stepfn.Client, store blobstore.Store, emitter events.Emitter, log *slog.Logger) *WorkflowCollector {
	return &WorkflowCollector{
		sfn:     sfn,
		store:   store,
		emitter: emitter,
		log:     componentLogger(log, "collector.workflow"),
		clock:   defaultClock,
	}
}

// WithClock replaces the clock; used by tests.
func (c *WorkflowCollector) WithClock(clock func() time.Time) *WorkflowCollector {
	c.clock = clock
	return c
}

// Collect gathers the orchestrator section (when an execution arn is
// supplied) and the failed-executions section (when peer state machines are
// hinted). With neither, the collector is skipped.
func (c *WorkflowCollector) Collect(ctx context.Context, in Input) contracts.CollectorResult {
	if in.OrchestratorExecutionARN == "" && len(in.Hints.StateMachineARNs) == 0 {
		return skippedResult(contracts.CollectorWorkflow)
	}

	evidence := contracts.WorkflowEvidence{
		SchemaVersion:    contracts.SchemaEvidence,
		CollectorType:    contracts.CollectorWorkflow,
		IncidentID:       in.IncidentID,
		CollectorRunID:   in.CollectorRunID,
		CreatedAt:        c.clock(),
		TimeWindow:       in.TimeWindow,
		FailedExecutions: []contracts.FailedExecution{},
	}

	if in.OrchestratorExecutionARN != "" {
		orch, err := c.sfn.DescribeOrchestrator(ctx, in.OrchestratorExecutionARN)
		if err != nil {
			return failedResult(contracts.CollectorWorkflow, err)
		}
		if in.OrchestratorStateMachineARN != "" {
			orch.StateMachineARN = in.OrchestratorStateMachineARN
		}
		evidence.Orchestrator = orch
	}

	if len(in.Hints.StateMachineARNs) > 0 {
		failed, listTruncated, err := c.sfn.GetFailedExecutions(ctx, in.Hints.StateMachineARNs, in.TimeWindow, maxFailedInWindow)
		if err != nil {
			return failedResult(contracts.CollectorWorkflow, err)
		}
		// The orchestrator observes itself running; it must not appear in
		// its own failed-peers list.
		kept := failed[:0]
		for _, ex := range failed {
			if ex.ExecutionARN != in.OrchestratorExecutionARN {
				kept = append(kept, ex)
			}
		}
		evidence.FailedExecutions = kept
		evidence.Truncated = evidence.Truncated || listTruncated
	}

	if err := c.enforceBudget(&evidence); err != nil {
		return failedResult(contracts.CollectorWorkflow, err)
	}

	key := blobstore.EvidenceKey(in.IncidentID, in.CollectorRunID, contracts.CollectorWorkflow)
	put, err := c.store.PutJSON(ctx, key, evidence)
	if err != nil {
		return failedResult(contracts.CollectorWorkflow, err)
	}

	ref := &contracts.EvidenceRef{
		CollectorType: contracts.CollectorWorkflow,
		Bucket:        put.Bucket,
		Key:           put.Key,
		SHA256:        put.SHA256,
		ByteSize:      put.ByteSize,
		Truncated:     evidence.Truncated,
	}
	events.EmitBestEffort(ctx, c.emitter, c.log, events.EvidenceCollected,
		events.CollectedDetail(in.IncidentID, in.CollectorRunID, in.Service, ref, in.TimeWindow, c.clock()))

	return contracts.CollectorResult{CollectorType: contracts.CollectorWorkflow, EvidenceRef: ref}
}

// enforceBudget shrinks the blob in stages: trim the history tail to its
// first entries and drop event payloads, then drop the tail entirely, then
// clamp every error/cause string.
func (c *WorkflowCollector) enforceBudget(evidence *contracts.WorkflowEvidence) error {
	size, err := byteSize(*evidence)
	if err != nil {
		return err
	}
	if size <= MaxBlobBytes {
		return nil
	}

	if evidence.Orchestrator != nil {
		if len(evidence.Orchestrator.HistoryTail) > historyTailKeep {
			evidence.Orchestrator.HistoryTail = evidence.Orchestrator.HistoryTail[:historyTailKeep]
		}
		for i := range evidence.Orchestrator.HistoryTail {
			evidence.Orchestrator.HistoryTail[i].Input = ""
			evidence.Orchestrator.HistoryTail[i].Output = ""
		}
	}
	evidence.Truncated = true
	if size, err = byteSize(*evidence); err != nil || size <= MaxBlobBytes {
		return err
	}

	if evidence.Orchestrator != nil {
		evidence.Orchestrator.HistoryTail = nil
	}
	if size, err = byteSize(*evidence); err != nil || size <= MaxBlobBytes {
		return err
	}

	if evidence.Orchestrator != nil {
		evidence.Orchestrator.Error = clamp(evidence.Orchestrator.Error, errorCauseBudget)
		evidence.Orchestrator.Cause = clamp(evidence.Orchestrator.Cause, errorCauseBudget)
	}
	for i := range evidence.FailedExecutions {
		evidence.FailedExecutions[i].Error = clamp(evidence.FailedExecutions[i].Error, errorCauseBudget)
		evidence.FailedExecutions[i].Cause = clamp(evidence.FailedExecutions[i].Cause, errorCauseBudget)
	}
	return nil
}

func clamp(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
