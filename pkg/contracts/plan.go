package contracts

import (
	"fmt"
	"time"
)

// Action type discriminators. Plan actions are always emitted in this order:
// ticket first, then notify (which consumes the ticket's refs), then pr.
const (
	ActionTicket = "ticket"
	ActionNotify = "notify"
	ActionPR     = "pr"
)

// Action result statuses. Success is terminal; failed and skipped are
// retriable by a later run.
const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
	StatusSkipped = "skipped"
)

// PlannedAction is one entry of an ActionPlan.
type PlannedAction struct {
	ActionType    string        `json:"action_type"` // ticket | notify | pr
	Priority      string        `json:"priority"`    // P0 | P1 | P2
	Title         string        `json:"title"`
	DescriptionMD string        `json:"description_md,omitempty"`
	EvidenceRefs  []EvidenceRef `json:"evidence_refs,omitempty"`
	Links         []string      `json:"links,omitempty"`
	DryRun        bool          `json:"dry_run"`
}

// Validate checks the discriminator and priority values.
func (a PlannedAction) Validate() error {
	switch a.ActionType {
	case ActionTicket, ActionNotify, ActionPR:
	default:
		return fmt.Errorf("action_type %q is not one of ticket, notify, pr", a.ActionType)
	}
	switch a.Priority {
	case "P0", "P1", "P2":
	default:
		return fmt.Errorf("priority %q is not one of P0, P1, P2", a.Priority)
	}
	return nil
}

// ActionPlan is the deterministic mapping of a packet to external actions.
type ActionPlan struct {
	SchemaVersion   string           `json:"schema_version"`
	IncidentID      string           `json:"incident_id"`
	CreatedAt       time.Time        `json:"created_at"`
	Environment     string           `json:"environment"`
	Service         string           `json:"service"`
	SuspectedOwners []SuspectedOwner `json:"suspected_owners"`
	Actions         []PlannedAction  `json:"actions"`
}

// Validate checks every planned action.
func (p *ActionPlan) Validate() error {
	if p.IncidentID == "" {
		return fmt.Errorf("action plan: incident_id is required")
	}
	for i, a := range p.Actions {
		if err := a.Validate(); err != nil {
			return fmt.Errorf("action plan: actions[%d]: %w", i, err)
		}
	}
	return nil
}

// ActionResult records the outcome of executing one planned action.
type ActionResult struct {
	SchemaVersion   string         `json:"schema_version"`
	IncidentID      string         `json:"incident_id"`
	ActionID        string         `json:"action_id"`
	ActionType      string         `json:"action_type"`
	Status          string         `json:"status"` // success | failed | skipped
	CreatedAt       time.Time      `json:"created_at"`
	RequestSummary  string         `json:"request_summary,omitempty"`
	ResponseSummary string         `json:"response_summary,omitempty"`
	ExternalRefs    map[string]any `json:"external_refs,omitempty"`
	Error           string         `json:"error,omitempty"`
	Cause           string         `json:"cause,omitempty"`
	EvidenceRefs    []EvidenceRef  `json:"evidence_refs,omitempty"`
}
