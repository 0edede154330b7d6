package observability

import (
	"go.opentelemetry.io/otel/attribute"
)

// Semantic attributes shared by the copilot spans and metrics.
var (
	// Pipeline identity
	AttrIncidentID     = attribute.Key("copilot.incident.id")
	AttrCollectorRunID = attribute.Key("copilot.collector_run.id")
	AttrService        = attribute.Key("copilot.incident.service")
	AttrEnvironment    = attribute.Key("copilot.incident.environment")

	// Step attributes
	AttrStep          = attribute.Key("copilot.step")
	AttrCollectorType = attribute.Key("copilot.collector.type")
	AttrSkipped       = attribute.Key("copilot.collector.skipped")
	AttrTruncated     = attribute.Key("copilot.evidence.truncated")

	// Action attributes
	AttrActionType   = attribute.Key("copilot.action.type")
	AttrActionStatus = attribute.Key("copilot.action.status")
	AttrDryRun       = attribute.Key("copilot.action.dry_run")

	// Webhook / review attributes
	AttrDeliveryID    = attribute.Key("copilot.delivery.id")
	AttrWebhookEvent  = attribute.Key("copilot.webhook.event")
	AttrRepoFullName  = attribute.Key("copilot.repo.full_name")
	AttrPRNumber      = attribute.Key("copilot.pr.number")
	AttrReviewStatus  = attribute.Key("copilot.review.status")
	AttrFixRiskLevel  = attribute.Key("copilot.fix.risk_level")
	AttrRequiresHuman = attribute.Key("copilot.fix.requires_human")

	// HTTP attributes
	AttrHTTPRoute  = attribute.Key("http.route")
	AttrHTTPStatus = attribute.Key("http.response.status_code")
)

// StepAttrs builds the base attribute set for one pipeline step span.
func StepAttrs(step, incidentID, runID string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrStep.String(step),
		AttrIncidentID.String(incidentID),
		AttrCollectorRunID.String(runID),
	}
}

// ReviewAttrs builds the base attribute set for one review-cycle span.
func ReviewAttrs(deliveryID, repo string, prNumber int) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrDeliveryID.String(deliveryID),
		AttrRepoFullName.String(repo),
		AttrPRNumber.Int(prNumber),
	}
}
