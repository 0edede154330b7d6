package contracts

import "time"

// Collector type discriminators. Also used as blob path components and in
// the CollectorType field of EvidenceRef.
const (
	CollectorLogs     = "logs"
	CollectorMetrics  = "metrics"
	CollectorWorkflow = "workflow"
)

// EvidenceRef is the canonical pointer to one evidence blob. Immutable once
// written; the sha256 covers the blob's canonical serialization.
type EvidenceRef struct {
	CollectorType string `json:"collector_type"`
	Bucket        string `json:"bucket"`
	Key           string `json:"key"`
	SHA256        string `json:"sha256"`
	ByteSize      int    `json:"byte_size"`
	Truncated     bool   `json:"truncated"`
}

// CollectorResult is the uniform step output of every collector. Skipped is
// not an error: it means the caller supplied no hints for this backend.
type CollectorResult struct {
	CollectorType string       `json:"collector_type"`
	Skipped       bool         `json:"skipped"`
	EvidenceRef   *EvidenceRef `json:"evidence_ref"`
	Error         string       `json:"error,omitempty"`
	Cause         string       `json:"cause,omitempty"`
}

// Section is one named group of rows inside an evidence blob. When a section
// is dropped for size, Rows is nil and Note explains why.
type Section struct {
	Name string           `json:"name"`
	Rows []map[string]any `json:"rows,omitempty"`
	Note string           `json:"note,omitempty"`
}

// LogsEvidence is the logs collector's blob: two analytic-query sections
// (recent errors, top error signatures) over one window.
type LogsEvidence struct {
	SchemaVersion  string     `json:"schema_version"`
	CollectorType  string     `json:"collector_type"`
	IncidentID     string     `json:"incident_id"`
	CollectorRunID string     `json:"collector_run_id"`
	CreatedAt      time.Time  `json:"created_at"`
	TimeWindow     TimeWindow `json:"time_window"`
	LogGroups      []string   `json:"log_groups"`
	Sections       []Section  `json:"sections"`
	Note           string     `json:"note,omitempty"`
	Truncated      bool       `json:"truncated"`
}

// MetricSeries is one fetched time series with a summary over kept points.
type MetricSeries struct {
	Namespace  string            `json:"namespace"`
	MetricName string            `json:"metric_name"`
	Dimensions map[string]string `json:"dimensions,omitempty"`
	Stat       string            `json:"stat"`
	Period     int32             `json:"period"`
	Timestamps []string          `json:"timestamps"`
	Values     []float64         `json:"values"`
	Summary    MetricSummary     `json:"summary"`
	Truncated  bool              `json:"truncated"`
}

// MetricSummary aggregates the points that survived the caps.
type MetricSummary struct {
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Avg   float64 `json:"avg"`
	Count int     `json:"count"`
}

// MetricsEvidence is the metrics collector's blob.
type MetricsEvidence struct {
	SchemaVersion  string         `json:"schema_version"`
	CollectorType  string         `json:"collector_type"`
	IncidentID     string         `json:"incident_id"`
	CollectorRunID string         `json:"collector_run_id"`
	CreatedAt      time.Time      `json:"created_at"`
	TimeWindow     TimeWindow     `json:"time_window"`
	Series         []MetricSeries `json:"series"`
	Truncated      bool           `json:"truncated"`
}

// HistoryEvent is one workflow-runtime history entry kept in the tail.
type HistoryEvent struct {
	ID        int64  `json:"id"`
	Type      string `json:"type"`
	Timestamp string `json:"timestamp,omitempty"`
	Name      string `json:"name,omitempty"`
	Error     string `json:"error,omitempty"`
	Cause     string `json:"cause,omitempty"`
	Input     string `json:"input,omitempty"`
	Output    string `json:"output,omitempty"`
}

// OrchestratorExecution describes the pipeline's own workflow execution.
type OrchestratorExecution struct {
	ExecutionARN    string         `json:"execution_arn"`
	StateMachineARN string         `json:"state_machine_arn"`
	Status          string         `json:"status"`
	StartDate       string         `json:"start_date,omitempty"`
	StopDate        string         `json:"stop_date,omitempty"`
	LastFailedState string         `json:"last_failed_state,omitempty"`
	Error           string         `json:"error,omitempty"`
	Cause           string         `json:"cause,omitempty"`
	HistoryTail     []HistoryEvent `json:"history_tail,omitempty"`
}

// FailedExecution is one failed peer execution found in the window.
type FailedExecution struct {
	ExecutionARN    string `json:"execution_arn"`
	StateMachineARN string `json:"state_machine_arn"`
	Name            string `json:"name"`
	Status          string `json:"status"`
	StartDate       string `json:"start_date"`
	StopDate        string `json:"stop_date,omitempty"`
	Error           string `json:"error,omitempty"`
	Cause           string `json:"cause,omitempty"`
	LastFailedState string `json:"last_failed_state,omitempty"`
}

// WorkflowEvidence is the workflow collector's blob.
type WorkflowEvidence struct {
	SchemaVersion    string                 `json:"schema_version"`
	CollectorType    string                 `json:"collector_type"`
	IncidentID       string                 `json:"incident_id"`
	CollectorRunID   string                 `json:"collector_run_id"`
	CreatedAt        time.Time              `json:"created_at"`
	TimeWindow       TimeWindow             `json:"time_window"`
	Orchestrator     *OrchestratorExecution `json:"orchestrator_execution,omitempty"`
	FailedExecutions []FailedExecution      `json:"failed_executions"`
	Truncated        bool                   `json:"truncated"`
}

// SnapshotCollector is one collector's entry in a snapshot manifest.
type SnapshotCollector struct {
	CollectorType string       `json:"collector_type"`
	Skipped       bool         `json:"skipped"`
	EvidenceRef   *EvidenceRef `json:"evidence_ref"`
	Error         string       `json:"error,omitempty"`
	Truncated     bool         `json:"truncated"`
}

// Snapshot aggregates one run's collector references. Truncated is the OR of
// every component's truncated flag and of any component error.
type Snapshot struct {
	SchemaVersion   string              `json:"schema_version"`
	IncidentID      string              `json:"incident_id"`
	CollectorRunID  string              `json:"collector_run_id"`
	Service         string              `json:"service"`
	Environment     string              `json:"environment"`
	CreatedAt       time.Time           `json:"created_at"`
	TimeWindowStart time.Time           `json:"time_window_start"`
	TimeWindowEnd   time.Time           `json:"time_window_end"`
	Collectors      []SnapshotCollector `json:"collectors"`
	Truncated       bool                `json:"truncated"`
}

// ComputeTruncated derives the snapshot-level flag from its components.
func (s *Snapshot) ComputeTruncated() {
	s.Truncated = false
	for _, c := range s.Collectors {
		if c.Truncated || c.Error != "" {
			s.Truncated = true
			return
		}
	}
}
