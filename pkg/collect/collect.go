// Package collect implements the three evidence collectors: logs
// (analytic queries), metrics (bounded series), and workflow (execution
// state). All three share one contract: skipped is not an error, every
// blob is canonical JSON written through the object-store gateway, byte
// budgets are enforced in stages, and evidence.collected is emitted
// best-effort after the write.
package collect

import (
	"log/slog"
	"time"

	"github.com/opsrunbook/copilot/pkg/canonical"
	"github.com/opsrunbook/copilot/pkg/contracts"
)

// Shared budgets. MaxBlobBytes caps each evidence blob; MaxSectionRows is
// the hard per-section row cap applied after the per-query limits.
const (
	MaxBlobBytes   = 200_000
	MaxSectionRows = 100
)

// Input is the common collector invocation. Backend-specific hints live in
// Hints; the workflow collector additionally receives the orchestrator's
// own execution identity so it can observe and de-duplicate itself.
type Input struct {
	IncidentID     string               `json:"incident_id"`
	CollectorRunID string               `json:"collector_run_id"`
	Service        string               `json:"service,omitempty"`
	TimeWindow     contracts.TimeWindow `json:"time_window"`
	Hints          contracts.Hints      `json:"hints"`

	OrchestratorExecutionARN    string `json:"orchestrator_execution_arn,omitempty"`
	OrchestratorStateMachineARN string `json:"orchestrator_state_machine_arn,omitempty"`
}

// skippedResult is the uniform no-hints answer.
func skippedResult(collectorType string) contracts.CollectorResult {
	return contracts.CollectorResult{CollectorType: collectorType, Skipped: true}
}

func failedResult(collectorType string, err error) contracts.CollectorResult {
	return contracts.CollectorResult{CollectorType: collectorType, Error: err.Error()}
}

// byteSize measures a payload the way the store will serialize it.
func byteSize(v any) (int, error) {
	b, err := canonical.Marshal(v)
	if err != nil {
		return 0, err
	}
	return len(b), nil
}

func defaultClock() time.Time { return time.Now().UTC() }

func componentLogger(log *slog.Logger, component string) *slog.Logger {
	if log == nil {
		log = slog.Default()
	}
	return log.With("component", component)
}
