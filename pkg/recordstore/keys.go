package recordstore

import (
	"fmt"
	"time"
)

// Sort-key prefixes and singleton keys. These are a stable external
// contract; history consumers depend on them.
const (
	SKMeta          = "META"
	SKRunPrefix     = "RUN#"
	SKSnapshotPref  = "SNAPSHOT#"
	SKPacketPrefix  = "PACKET#"
	SKPlanPrefix    = "ACTIONPLAN#"
	SKActionPrefix  = "ACTION#"
	SKActionsLatest = "ACTIONS#LATEST"
	SKOutcomePrefix = "OUTCOME#"

	PKWebhookDelivery = "WEBHOOK#DELIVERY"
)

// SortableTime renders t as a fixed-width UTC timestamp so that sort keys
// built from it order lexicographically by time.
func SortableTime(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000000000Z")
}

// IncidentPK is the partition holding everything about one incident.
func IncidentPK(incidentID string) string { return "INCIDENT#" + incidentID }

// RunSK marks one pipeline run.
func RunSK(runID string) string { return SKRunPrefix + runID }

// SnapshotSK marks one persisted snapshot.
func SnapshotSK(createdAt time.Time, runID string) string {
	return fmt.Sprintf("%s%s#%s", SKSnapshotPref, SortableTime(createdAt), runID)
}

// PacketSK marks one analyzer packet.
func PacketSK(createdAt time.Time, runID string) string {
	return fmt.Sprintf("%s%s#%s", SKPacketPrefix, SortableTime(createdAt), runID)
}

// PlanSK marks one generated action plan.
func PlanSK(createdAt time.Time) string {
	return SKPlanPrefix + SortableTime(createdAt)
}

// ActionSK marks one executed action.
func ActionSK(createdAt time.Time, actionID string) string {
	return fmt.Sprintf("%s%s#%s", SKActionPrefix, SortableTime(createdAt), actionID)
}

// DeliverySK marks one processed webhook delivery under PKWebhookDelivery.
func DeliverySK(deliveryID string) string { return "DLV#" + deliveryID }

// WebhookPRPK is the partition for per-PR webhook state (the pause flag).
func WebhookPRPK(repoFullName string) string { return "WEBHOOK#PR#" + repoFullName }

// PRSK marks one pull request inside a WebhookPRPK partition.
func PRSK(prNumber int) string { return fmt.Sprintf("PR#%d", prNumber) }

// ReviewOutcomePK is the partition for review-cycle outcomes of one PR.
func ReviewOutcomePK(repoFullName string, prNumber int) string {
	return fmt.Sprintf("WEBHOOK#PR_REVIEW#%s#%d", repoFullName, prNumber)
}

// OutcomeSK marks one review-cycle outcome.
func OutcomeSK(createdAt time.Time, deliveryID string) string {
	return fmt.Sprintf("%s%s#%s", SKOutcomePrefix, SortableTime(createdAt), deliveryID)
}
