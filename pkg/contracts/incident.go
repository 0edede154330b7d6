// Package contracts defines the wire schemas that cross durable boundaries:
// incident events, evidence blobs and snapshots, analyzer packets, action
// plans and results, webhook review events, and PR fix plans. Each schema
// carries a version constant and a Validate method; the structural invariants
// live here so every producer and consumer enforces the same rules.
package contracts

import (
	"fmt"
	"strings"
	"time"
)

// Schema version constants. These strings are persisted in every record and
// blob; changing one is a breaking change for stored data.
const (
	SchemaIncidentEvent = "incident_event.v1"
	SchemaEvidence      = "evidence.v1"
	SchemaSnapshot      = "evidence_snapshot.v1"
	SchemaPacket        = "incident_packet.v1"
	SchemaActionPlan    = "incident_action_plan.v1"
	SchemaActionResult  = "incident_action_result.v1"
	SchemaPRReviewEvent = "github_pr_review_event.v1"
	SchemaPRFixPlan     = "pr_fix_plan.v1"
)

// TimeWindow bounds a query against the observability plane. Both ends must
// be set and end must be strictly after start.
type TimeWindow struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Validate checks ordering and that both ends carry real timestamps.
func (w TimeWindow) Validate() error {
	if w.Start.IsZero() || w.End.IsZero() {
		return fmt.Errorf("time_window: start and end are required")
	}
	if !w.End.After(w.Start) {
		return fmt.Errorf("time_window: end must be after start")
	}
	return nil
}

// Span returns the window duration.
func (w TimeWindow) Span() time.Duration { return w.End.Sub(w.Start) }

// Clamp bounds the window to at most max, keeping the most recent tail.
// Returns the (possibly adjusted) window and whether it was clamped.
func (w TimeWindow) Clamp(max time.Duration) (TimeWindow, bool) {
	if max <= 0 || w.Span() <= max {
		return w, false
	}
	return TimeWindow{Start: w.End.Add(-max), End: w.End}, true
}

// MetricQueryHint points the metrics collector at one time series.
type MetricQueryHint struct {
	Namespace  string            `json:"namespace"`
	MetricName string            `json:"metric_name"`
	Dimensions map[string]string `json:"dimensions,omitempty"`
	Period     int32             `json:"period,omitempty"` // seconds, min 60; 0 means auto
	Stat       string            `json:"stat,omitempty"`   // Average, Sum, Maximum, Minimum, p99, ...
}

// Hints tells collectors where to look. At least one list must be non-empty.
type Hints struct {
	LogGroups        []string          `json:"log_groups,omitempty"`
	MetricQueries    []MetricQueryHint `json:"metric_queries,omitempty"`
	StateMachineARNs []string          `json:"state_machine_arns,omitempty"`
}

// Clean trims whitespace and drops empty log group names in place.
func (h *Hints) Clean() {
	cleaned := h.LogGroups[:0]
	for _, g := range h.LogGroups {
		if g = strings.TrimSpace(g); g != "" {
			cleaned = append(cleaned, g)
		}
	}
	h.LogGroups = cleaned
}

// Empty reports whether no hint of any kind is present.
func (h Hints) Empty() bool {
	return len(h.LogGroups) == 0 && len(h.MetricQueries) == 0 && len(h.StateMachineARNs) == 0
}

// IncidentEvent is the public input contract: what alerting systems (or any
// client) post to the ingest endpoint.
type IncidentEvent struct {
	SchemaVersion string     `json:"schema_version"`
	EventID       string     `json:"event_id"`
	IncidentID    string     `json:"incident_id,omitempty"`
	Source        string     `json:"source,omitempty"`
	Service       string     `json:"service"`
	Environment   string     `json:"environment,omitempty"`
	Severity      string     `json:"severity,omitempty"` // info | warning | critical
	CreatedAt     time.Time  `json:"created_at,omitempty"`
	TimeWindow    TimeWindow `json:"time_window"`
	Hints         Hints      `json:"hints"`
}

// Validate enforces the ingest invariants. It also cleans hint lists, so the
// caller can trust the event after a nil return.
func (e *IncidentEvent) Validate() error {
	if e.SchemaVersion != "" && e.SchemaVersion != SchemaIncidentEvent {
		return fmt.Errorf("unsupported schema_version %q", e.SchemaVersion)
	}
	if len(e.EventID) < 8 {
		return fmt.Errorf("event_id must be at least 8 characters")
	}
	if strings.TrimSpace(e.Service) == "" {
		return fmt.Errorf("service is required")
	}
	switch e.Severity {
	case "", "info", "warning", "critical":
	default:
		return fmt.Errorf("severity must be one of info, warning, critical")
	}
	if err := e.TimeWindow.Validate(); err != nil {
		return err
	}
	e.Hints.Clean()
	if e.Hints.Empty() {
		return fmt.Errorf("hints must contain at least one of: log_groups, metric_queries, state_machine_arns")
	}
	for i, q := range e.Hints.MetricQueries {
		if q.Namespace == "" || q.MetricName == "" {
			return fmt.Errorf("hints.metric_queries[%d]: namespace and metric_name are required", i)
		}
	}
	return nil
}
