package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/opsrunbook/copilot/pkg/blobstore"
	"github.com/opsrunbook/copilot/pkg/contracts"
	"github.com/opsrunbook/copilot/pkg/plan"
	"github.com/opsrunbook/copilot/pkg/recordstore"
	"github.com/opsrunbook/copilot/pkg/version"
)

// ErrNoPacket means the incident has no analyzed packet to replay.
var ErrNoPacket = errors.New("pipeline: no packet found for incident")

// ReplayPreview summarizes the regenerated plan without exposing its full
// body.
type ReplayPreview struct {
	ActionCount     int                        `json:"action_count"`
	ActionTypes     []string                   `json:"action_types"`
	SuspectedOwners []contracts.SuspectedOwner `json:"suspected_owners"`
}

// ReplayReport compares a freshly generated plan against the stored one.
// Replay never executes actions.
type ReplayReport struct {
	IncidentID           string        `json:"incident_id"`
	PacketHash           string        `json:"packet_hash"`
	ExistingPlanHash     string        `json:"existing_plan_hash"`
	NewPlanHash          string        `json:"new_plan_hash"`
	Match                bool          `json:"match"`
	Diffs                []string      `json:"diffs"`
	AppVersionCompatible bool          `json:"app_version_compatible"`
	NewPlanPreview       ReplayPreview `json:"new_plan_preview"`
}

// Replay loads the incident's latest packet, regenerates the plan in
// dry-run mode, and diffs it against the latest stored plan.
func Replay(ctx context.Context, blobs blobstore.Store, records recordstore.Store, incidentID string, now time.Time) (*ReplayReport, error) {
	pk := recordstore.IncidentPK(incidentID)

	packetRecs, err := records.QueryPrefix(ctx, pk, recordstore.SKPacketPrefix, nil)
	if err != nil {
		return nil, fmt.Errorf("pipeline: replay: query packets: %w", err)
	}
	if len(packetRecs) == 0 {
		return nil, ErrNoPacket
	}
	latest := packetRecs[len(packetRecs)-1].Item

	packetKey, _ := latest["packet_key"].(string)
	if packetKey == "" {
		return nil, fmt.Errorf("pipeline: replay: packet record has no packet_key")
	}
	var packet contracts.IncidentPacket
	if err := blobs.GetJSON(ctx, packetKey, &packet); err != nil {
		return nil, fmt.Errorf("pipeline: replay: load packet %s: %w", packetKey, err)
	}

	newPlan := plan.Generate(&packet, true, now)
	newHash, err := plan.Hash(&newPlan)
	if err != nil {
		return nil, fmt.Errorf("pipeline: replay: hash new plan: %w", err)
	}

	existingHash := ""
	var existingPlan *contracts.ActionPlan
	planRecs, err := records.QueryPrefix(ctx, pk, recordstore.SKPlanPrefix, nil)
	if err != nil {
		return nil, fmt.Errorf("pipeline: replay: query plans: %w", err)
	}
	if len(planRecs) > 0 {
		item := planRecs[len(planRecs)-1].Item
		if encoded, _ := item["plan"].(string); encoded != "" {
			var stored contracts.ActionPlan
			if err := json.Unmarshal([]byte(encoded), &stored); err != nil {
				return nil, fmt.Errorf("pipeline: replay: decode stored plan: %w", err)
			}
			existingPlan = &stored
			existingHash, err = plan.Hash(&stored)
			if err != nil {
				return nil, fmt.Errorf("pipeline: replay: hash stored plan: %w", err)
			}
		}
	}

	packetHash := ""
	if packet.PacketHashes != nil {
		packetHash = packet.PacketHashes.SHA256
	}
	appVersion, _ := latest["app_version"].(string)

	report := &ReplayReport{
		IncidentID:           incidentID,
		PacketHash:           packetHash,
		ExistingPlanHash:     existingHash,
		NewPlanHash:          newHash,
		Match:                existingHash == newHash,
		Diffs:                []string{},
		AppVersionCompatible: version.Compatible(appVersion),
		NewPlanPreview: ReplayPreview{
			ActionCount:     len(newPlan.Actions),
			ActionTypes:     actionTypes(&newPlan),
			SuspectedOwners: newPlan.SuspectedOwners,
		},
	}

	if !report.Match && existingPlan != nil {
		if len(existingPlan.Actions) != len(newPlan.Actions) {
			report.Diffs = append(report.Diffs,
				fmt.Sprintf("action_count: %d → %d", len(existingPlan.Actions), len(newPlan.Actions)))
		}
		oldTypes, newTypes := sortedTypes(existingPlan), sortedTypes(&newPlan)
		if !equalStrings(oldTypes, newTypes) {
			report.Diffs = append(report.Diffs,
				fmt.Sprintf("action_types: %v → %v", oldTypes, newTypes))
		}
		if !equalOwners(existingPlan.SuspectedOwners, newPlan.SuspectedOwners) {
			report.Diffs = append(report.Diffs, "suspected_owners changed")
		}
	}
	return report, nil
}

func actionTypes(p *contracts.ActionPlan) []string {
	types := make([]string, 0, len(p.Actions))
	for _, a := range p.Actions {
		types = append(types, a.ActionType)
	}
	return types
}

func sortedTypes(p *contracts.ActionPlan) []string {
	types := actionTypes(p)
	sort.Strings(types)
	return types
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func equalOwners(a, b []contracts.SuspectedOwner) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Repo != b[i].Repo || a[i].Confidence != b[i].Confidence {
			return false
		}
	}
	return true
}
