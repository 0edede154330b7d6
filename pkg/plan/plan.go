// Package plan turns an incident packet into an action plan. Generation is
// a pure function of the packet: no I/O, no randomness, no wall clock
// beyond the caller-supplied timestamp. The same packet always yields the
// same actions and the same markdown bodies, which is what makes offline
// replay meaningful.
package plan

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/opsrunbook/copilot/pkg/canonical"
	"github.com/opsrunbook/copilot/pkg/contracts"
)

// Marker identifies copilot-authored PR bodies and notes. The review cycle
// keys its guardrails on this string.
const Marker = "<!-- opsrunbook_copilot: true -->"

// Priority boundary: a top finding at or above this confidence raises the
// plan to P1.
const highConfidence = 0.9

const maxBodyFindings = 5

// Generate maps a packet to its three planned actions, always in the order
// ticket, notify, pr. The pr action is planned unconditionally; whether it
// executes is the runner's decision.
func Generate(packet *contracts.IncidentPacket, dryRun bool, now time.Time) contracts.ActionPlan {
	priority := "P2"
	for _, f := range packet.Findings {
		if f.Confidence >= highConfidence {
			priority = "P1"
			break
		}
	}

	title := fmt.Sprintf("[%s] %s: incident %s — %d finding(s)",
		orNA(packet.Environment), orNA(packet.Service), packet.IncidentID, len(packet.Findings))

	return contracts.ActionPlan{
		SchemaVersion:   contracts.SchemaActionPlan,
		IncidentID:      packet.IncidentID,
		CreatedAt:       now,
		Environment:     packet.Environment,
		Service:         packet.Service,
		SuspectedOwners: packet.SuspectedOwners,
		Actions: []contracts.PlannedAction{
			{
				ActionType:    contracts.ActionTicket,
				Priority:      priority,
				Title:         title,
				DescriptionMD: TicketDescription(packet),
				EvidenceRefs:  packet.AllEvidenceRefs,
				DryRun:        dryRun,
			},
			{
				ActionType: contracts.ActionNotify,
				Priority:   priority,
				Title:      title,
				DryRun:     dryRun,
			},
			{
				ActionType:   contracts.ActionPR,
				Priority:     priority,
				Title:        title,
				EvidenceRefs: packet.AllEvidenceRefs,
				DryRun:       dryRun,
			},
		},
	}
}

// hashView is the subset of a plan that identity-compares across replays.
// CreatedAt and per-action dry_run flags are deliberately excluded.
type hashView struct {
	IncidentID      string                     `json:"incident_id"`
	Service         string                     `json:"service"`
	Environment     string                     `json:"environment"`
	ActionTypes     []string                   `json:"action_types"`
	ActionCount     int                        `json:"action_count"`
	SuspectedOwners []contracts.SuspectedOwner `json:"suspected_owners"`
}

// Hash returns the plan's stable identity hash.
func Hash(p *contracts.ActionPlan) (string, error) {
	types := make([]string, 0, len(p.Actions))
	for _, a := range p.Actions {
		types = append(types, a.ActionType)
	}
	sort.Strings(types)
	return canonical.Hash(hashView{
		IncidentID:      p.IncidentID,
		Service:         p.Service,
		Environment:     p.Environment,
		ActionTypes:     types,
		ActionCount:     len(p.Actions),
		SuspectedOwners: p.SuspectedOwners,
	})
}

// TicketDescription assembles the ticket body: top findings, hypotheses,
// and analysis limits as markdown.
func TicketDescription(packet *contracts.IncidentPacket) string {
	var b strings.Builder
	fmt.Fprintf(&b, "h2. Incident %s\n\n", packet.IncidentID)
	fmt.Fprintf(&b, "* Service: %s\n", orNA(packet.Service))
	fmt.Fprintf(&b, "* Environment: %s\n", orNA(packet.Environment))
	fmt.Fprintf(&b, "* Time window: %s → %s\n\n",
		formatTime(packet.TimeWindow.Start), formatTime(packet.TimeWindow.End))

	if top := packet.TopFindings(maxBodyFindings); len(top) > 0 {
		fmt.Fprintf(&b, "h3. Findings (%d)\n", len(packet.Findings))
		for _, f := range top {
			fmt.Fprintf(&b, "* [%.0f%%] %s\n", f.Confidence*100, clamp(f.Summary, 300))
		}
		b.WriteString("\n")
	}
	if len(packet.Hypotheses) > 0 {
		b.WriteString("h3. Hypotheses\n")
		for _, h := range packet.Hypotheses {
			fmt.Fprintf(&b, "* [%.0f%%] %s\n", h.Confidence*100, clamp(h.Summary, 300))
		}
		b.WriteString("\n")
	}
	if len(packet.NextActions) > 0 {
		b.WriteString("h3. Suggested next actions\n")
		for _, na := range packet.NextActions {
			fmt.Fprintf(&b, "* %s\n", clamp(na.Summary, 300))
		}
		b.WriteString("\n")
	}
	if len(packet.Limits) > 0 {
		b.WriteString("h3. Analysis limits\n")
		for _, l := range packet.Limits {
			fmt.Fprintf(&b, "* %s\n", l)
		}
		b.WriteString("\n")
	}
	b.WriteString("Auto-generated by opsrunbook-copilot.")
	return b.String()
}

// TicketRefs carries the ticket action's external refs into later bodies.
type TicketRefs struct {
	Key string
	URL string
}

// NotifyBody builds the chat card body: incident id, environment, window,
// top finding, and the ticket link when one exists.
func NotifyBody(packet *contracts.IncidentPacket, ticket *TicketRefs) string {
	var b strings.Builder
	fmt.Fprintf(&b, "**Incident** `%s`\n\n", packet.IncidentID)
	fmt.Fprintf(&b, "- **Service**: %s\n", orNA(packet.Service))
	fmt.Fprintf(&b, "- **Environment**: %s\n", orNA(packet.Environment))
	fmt.Fprintf(&b, "- **Time window**: %s → %s\n",
		formatTime(packet.TimeWindow.Start), formatTime(packet.TimeWindow.End))

	if top := packet.TopFindings(1); len(top) > 0 {
		fmt.Fprintf(&b, "- **Top finding**: [%.0f%%] %s\n", top[0].Confidence*100, clamp(top[0].Summary, 200))
	} else {
		b.WriteString("- **Top finding**: none\n")
	}
	if ticket != nil && ticket.Key != "" {
		fmt.Fprintf(&b, "- **Ticket**: [%s](%s)\n", ticket.Key, ticket.URL)
	}
	return b.String()
}

// PRNotes builds the markdown committed at .opsrunbook/pr-notes/<key>.md.
// Fixed template; never model-generated.
func PRNotes(packet *contracts.IncidentPacket, ticket *TicketRefs) string {
	var b strings.Builder
	b.WriteString(Marker + "\n")
	fmt.Fprintf(&b, "# Incident %s — analysis notes\n\n", packet.IncidentID)
	fmt.Fprintf(&b, "- **Service**: %s\n", orNA(packet.Service))
	fmt.Fprintf(&b, "- **Environment**: %s\n", orNA(packet.Environment))
	fmt.Fprintf(&b, "- **Collector run**: `%s`\n", packet.CollectorRunID)
	fmt.Fprintf(&b, "- **Time window**: %s → %s\n",
		formatTime(packet.TimeWindow.Start), formatTime(packet.TimeWindow.End))
	if ticket != nil && ticket.Key != "" {
		fmt.Fprintf(&b, "- **Ticket**: [%s](%s)\n", ticket.Key, ticket.URL)
	}
	b.WriteString("\n")

	if len(packet.Findings) > 0 {
		fmt.Fprintf(&b, "## Findings (%d)\n\n", len(packet.Findings))
		for _, f := range packet.TopFindings(maxBodyFindings) {
			fmt.Fprintf(&b, "- [%.0f%%] `%s` — %s\n", f.Confidence*100, f.ID, clamp(f.Summary, 200))
		}
		b.WriteString("\n")
	}
	if len(packet.Hypotheses) > 0 {
		b.WriteString("## Hypotheses\n\n")
		for _, h := range packet.Hypotheses {
			fmt.Fprintf(&b, "- [%.0f%%] %s\n", h.Confidence*100, clamp(h.Summary, 200))
		}
		b.WriteString("\n")
	}
	if len(packet.AllEvidenceRefs) > 0 {
		b.WriteString("## Evidence\n\n")
		for _, e := range packet.AllEvidenceRefs {
			fmt.Fprintf(&b, "- `%s` s3://%s/%s (%d bytes)\n", e.CollectorType, e.Bucket, e.Key, e.ByteSize)
		}
		b.WriteString("\n")
	}
	b.WriteString("---\n")
	b.WriteString("Auto-generated by opsrunbook-copilot. Human review required before merge.\n")
	return b.String()
}

// PRBody builds the pull request description: incident metadata, top
// findings, evidence summary, and the repo-resolution trail.
func PRBody(packet *contracts.IncidentPacket, ticket *TicketRefs, res contracts.RepoResolution) string {
	var b strings.Builder
	b.WriteString(Marker + "\n")
	fmt.Fprintf(&b, "## Incident `%s`\n\n", packet.IncidentID)
	b.WriteString("| Field | Value |\n")
	b.WriteString("|-------|-------|\n")
	fmt.Fprintf(&b, "| **Service** | %s |\n", orNA(packet.Service))
	fmt.Fprintf(&b, "| **Environment** | %s |\n", orNA(packet.Environment))
	fmt.Fprintf(&b, "| **Time Window** | %s → %s |\n",
		formatTime(packet.TimeWindow.Start), formatTime(packet.TimeWindow.End))
	if ticket != nil && ticket.Key != "" {
		fmt.Fprintf(&b, "| **Ticket** | [%s](%s) |\n", ticket.Key, ticket.URL)
	}
	fmt.Fprintf(&b, "| **Repo Confidence** | %.0f%% (%s) |\n\n", res.Confidence*100, res.Verification)

	if len(packet.Findings) > 0 {
		fmt.Fprintf(&b, "### %d Finding(s)\n", len(packet.Findings))
		for _, f := range packet.TopFindings(maxBodyFindings) {
			fmt.Fprintf(&b, "- [%.0f%%] %s (%d evidence ref(s))\n",
				f.Confidence*100, clamp(f.Summary, 150), len(f.EvidenceRefs))
		}
		b.WriteString("\n")
	}

	if len(packet.AllEvidenceRefs) > 0 {
		total := 0
		typeSet := map[string]bool{}
		for _, e := range packet.AllEvidenceRefs {
			total += e.ByteSize
			typeSet[e.CollectorType] = true
		}
		types := make([]string, 0, len(typeSet))
		for t := range typeSet {
			types = append(types, t)
		}
		sort.Strings(types)
		b.WriteString("### Evidence Summary\n")
		fmt.Fprintf(&b, "- **%d** evidence object(s) collected\n", len(packet.AllEvidenceRefs))
		fmt.Fprintf(&b, "- Collector types: %s\n", strings.Join(types, ", "))
		fmt.Fprintf(&b, "- Total evidence size: %d bytes\n\n", total)
	}

	b.WriteString("### Repo Resolution\n")
	fmt.Fprintf(&b, "- **Repo**: `%s`\n", res.RepoFullName)
	fmt.Fprintf(&b, "- **Confidence**: %.0f%%\n", res.Confidence*100)
	fmt.Fprintf(&b, "- **Verification**: %s\n", res.Verification)
	for _, reason := range res.Reasons {
		fmt.Fprintf(&b, "- %s\n", reason)
	}
	if len(res.TraceFrames) > 0 {
		fmt.Fprintf(&b, "- **Trace frames**: %d app frame(s)\n", len(res.TraceFrames))
		for i, tf := range res.TraceFrames {
			if i == 3 {
				break
			}
			fmt.Fprintf(&b, "  - `%s:%d`\n", tf.NormalizedPath, tf.Line)
		}
	}
	b.WriteString("\n---\n")
	b.WriteString("*Auto-generated by opsrunbook-copilot. Human review required before merge.*\n")
	return b.String()
}

func orNA(s string) string {
	if s == "" {
		return "N/A"
	}
	return s
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "N/A"
	}
	return t.UTC().Format(time.RFC3339)
}

func clamp(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
