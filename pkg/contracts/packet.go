package contracts

import (
	"fmt"
	"time"
)

// SnapshotRef points at the aggregate snapshot blob a packet was built from.
type SnapshotRef struct {
	Bucket string `json:"bucket"`
	Key    string `json:"key"`
	SHA256 string `json:"sha256,omitempty"`
}

// Finding is one analyzer conclusion. High-confidence findings must cite
// evidence: confidence > 0.6 with no evidence_refs is invalid.
type Finding struct {
	ID           string        `json:"id"`
	Summary      string        `json:"summary"`
	Confidence   float64       `json:"confidence"`
	EvidenceRefs []EvidenceRef `json:"evidence_refs"`
	Notes        string        `json:"notes,omitempty"`
}

// Validate enforces the confidence range and the evidence-citation rule.
func (f Finding) Validate() error {
	if f.Confidence < 0 || f.Confidence > 1 {
		return fmt.Errorf("finding %q: confidence %v out of [0,1]", f.ID, f.Confidence)
	}
	if f.Confidence > 0.6 && len(f.EvidenceRefs) == 0 {
		return fmt.Errorf("finding %q has confidence %v > 0.6 but no evidence_refs", f.ID, f.Confidence)
	}
	return nil
}

// Hypothesis is a tentative explanation; lower bar than a Finding.
type Hypothesis struct {
	Summary      string        `json:"summary"`
	Confidence   float64       `json:"confidence"`
	EvidenceRefs []EvidenceRef `json:"evidence_refs,omitempty"`
}

// NextAction is a suggested operator follow-up.
type NextAction struct {
	Summary      string        `json:"summary"`
	Commands     []string      `json:"commands,omitempty"`
	Links        []string      `json:"links,omitempty"`
	EvidenceRefs []EvidenceRef `json:"evidence_refs,omitempty"`
}

// SuspectedOwner names a repository that likely owns the failing code.
type SuspectedOwner struct {
	Repo       string   `json:"repo"`
	Confidence float64  `json:"confidence"`
	Reasons    []string `json:"reasons,omitempty"`
}

// ModelTrace records which analysis engine produced the packet.
type ModelTrace struct {
	Provider      string    `json:"provider"`
	Model         string    `json:"model,omitempty"`
	PromptVersion string    `json:"prompt_version"`
	CreatedAt     time.Time `json:"created_at"`
}

// PacketHashes carries the packet's self-describing content hash.
type PacketHashes struct {
	SHA256 string `json:"sha256"`
}

// IncidentPacket is the analyzer's structured output for one run.
type IncidentPacket struct {
	SchemaVersion   string           `json:"schema_version"`
	IncidentID      string           `json:"incident_id"`
	CollectorRunID  string           `json:"collector_run_id"`
	Service         string           `json:"service"`
	Environment     string           `json:"environment"`
	TimeWindow      TimeWindow       `json:"time_window"`
	SnapshotRef     SnapshotRef      `json:"snapshot_ref"`
	Findings        []Finding        `json:"findings"`
	Hypotheses      []Hypothesis     `json:"hypotheses"`
	NextActions     []NextAction     `json:"next_actions"`
	SuspectedOwners []SuspectedOwner `json:"suspected_owners"`
	Limits          []string         `json:"limits"`
	ModelTrace      ModelTrace       `json:"model_trace"`
	PacketHashes    *PacketHashes    `json:"packet_hashes,omitempty"`
	AllEvidenceRefs []EvidenceRef    `json:"all_evidence_refs"`
}

// Validate checks every finding plus the basic identity fields.
func (p *IncidentPacket) Validate() error {
	if p.IncidentID == "" || p.CollectorRunID == "" {
		return fmt.Errorf("packet: incident_id and collector_run_id are required")
	}
	for _, f := range p.Findings {
		if err := f.Validate(); err != nil {
			return fmt.Errorf("packet: %w", err)
		}
	}
	return nil
}

// TopFindings returns the highest-confidence findings, at most n, stable for
// equal confidences.
func (p *IncidentPacket) TopFindings(n int) []Finding {
	out := make([]Finding, len(p.Findings))
	copy(out, p.Findings)
	// insertion sort keeps original order for ties
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].Confidence > out[j-1].Confidence; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	if n >= 0 && len(out) > n {
		out = out[:n]
	}
	return out
}
