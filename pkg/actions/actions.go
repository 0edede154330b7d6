// Package actions executes an incident's action plan: create a tracker
// ticket, post a chat notification, and open an analysis PR, in that
// order. Every execution is guarded by the kill switch, per-action
// idempotency against prior ACTION# records, and (for the PR) the policy
// gate over the repo resolution.
package actions

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/opsrunbook/copilot/pkg/canonical"
	"github.com/opsrunbook/copilot/pkg/chat"
	"github.com/opsrunbook/copilot/pkg/contracts"
	"github.com/opsrunbook/copilot/pkg/events"
	"github.com/opsrunbook/copilot/pkg/github"
	"github.com/opsrunbook/copilot/pkg/plan"
	"github.com/opsrunbook/copilot/pkg/policy"
	"github.com/opsrunbook/copilot/pkg/recordstore"
	"github.com/opsrunbook/copilot/pkg/reporesolve"
	"github.com/opsrunbook/copilot/pkg/tracker"
)

// DefaultConfidenceThreshold gates the PR action when no override is set.
const DefaultConfidenceThreshold = 0.7

// StatusAutomationDisabled is the kill-switch outcome. It is deliberately
// neither success nor failure.
const StatusAutomationDisabled = "automation_disabled"

const (
	maxSummaryStored = 1000
	maxErrorStored   = 500
	maxTitleInLog    = 200
)

// ticketLabels are stamped on every created ticket.
var ticketLabels = []string{"opsrunbook-copilot", "auto-generated"}

// Config holds the runner's static switches.
type Config struct {
	AutomationEnabled   bool
	EnablePR            bool
	DryRun              bool
	ConfidenceThreshold float64 // 0 means DefaultConfidenceThreshold
	GateExpression      string  // empty means policy.DefaultPRGate
}

// Outcome reports one runner invocation.
type Outcome struct {
	IncidentID string                   `json:"incident_id"`
	Status     string                   `json:"status"` // executed | automation_disabled
	PlanSK     string                   `json:"plan_sk,omitempty"`
	PlanHash   string                   `json:"plan_hash,omitempty"`
	Results    []contracts.ActionResult `json:"results,omitempty"`
}

// Runner wires the capabilities. A nil capability makes its action skip
// with a structured reason instead of failing the run.
type Runner struct {
	records  recordstore.Store
	emitter  events.Emitter
	tickets  tracker.Client
	notifier chat.Notifier
	source   github.Client
	resolver *reporesolve.Resolver
	gate     *policy.Gate
	cfg      Config
	log      *slog.Logger
	clock    func() time.Time
	newID    func() string
}

// NewRunner builds an action runner.
func NewRunner(records recordstore.Store, emitter events.Emitter, tickets tracker.Client, notifier chat.Notifier, source github.Client, resolver *reporesolve.Resolver, gate *policy.Gate, cfg Config, log *slog.Logger) *Runner {
	if log == nil {
		log = slog.Default()
	}
	if cfg.ConfidenceThreshold == 0 {
		cfg.ConfidenceThreshold = DefaultConfidenceThreshold
	}
	return &Runner{
		records:  records,
		emitter:  emitter,
		tickets:  tickets,
		notifier: notifier,
		source:   source,
		resolver: resolver,
		gate:     gate,
		cfg:      cfg,
		log:      log.With("component", "actions"),
		clock:    func() time.Time { return time.Now().UTC() },
		newID:    func() string { return uuid.NewString()[:12] },
	}
}

// WithClock replaces the clock; used by tests.
func (r *Runner) WithClock(clock func() time.Time) *Runner {
	r.clock = clock
	return r
}

// WithIDs replaces the action-id generator; used by tests.
func (r *Runner) WithIDs(newID func() string) *Runner {
	r.newID = newID
	return r
}

// Execute runs the plan for one packet: persist the plan, execute ticket,
// notify, and (when enabled) pr, persist each result, update the latest
// pointer.
func (r *Runner) Execute(ctx context.Context, packet *contracts.IncidentPacket) (Outcome, error) {
	log := r.log.With("incident_id", packet.IncidentID)

	if !r.cfg.AutomationEnabled {
		log.Info("automation disabled, skipping action execution")
		return Outcome{IncidentID: packet.IncidentID, Status: StatusAutomationDisabled}, nil
	}

	now := r.clock()
	p := plan.Generate(packet, r.cfg.DryRun, now)
	planHash, err := plan.Hash(&p)
	if err != nil {
		return Outcome{}, fmt.Errorf("actions: hash plan: %w", err)
	}
	planSK, err := r.persistPlan(ctx, &p, planHash)
	if err != nil {
		return Outcome{}, err
	}

	var actionSKs []string
	var results []contracts.ActionResult
	record := func(res contracts.ActionResult, executed bool) {
		results = append(results, res)
		if !executed {
			return
		}
		sk, perr := r.persistResult(ctx, &res)
		if perr != nil {
			log.Warn("action result persist failed", "action_type", res.ActionType, "error", perr)
		} else {
			actionSKs = append(actionSKs, sk)
		}
		events.EmitBestEffort(ctx, r.emitter, log, events.ActionCompleted, events.ActionDetail(&res))
	}

	ticketRes, executed := r.runIdempotent(ctx, packet, contracts.ActionTicket, func() contracts.ActionResult {
		return r.runTicket(ctx, &p, packet)
	})
	record(ticketRes, executed)
	ticketRefs := ticketRefsFrom(&ticketRes)

	notifyRes, executed := r.runIdempotent(ctx, packet, contracts.ActionNotify, func() contracts.ActionResult {
		return r.runNotify(ctx, &p, packet, ticketRefs)
	})
	record(notifyRes, executed)

	if r.cfg.EnablePR {
		prRes, executed := r.runIdempotent(ctx, packet, contracts.ActionPR, func() contracts.ActionResult {
			return r.runPR(ctx, &p, packet, ticketRefs)
		})
		record(prRes, executed)
	}

	if err := r.updateLatestPointer(ctx, packet.IncidentID, planSK, actionSKs); err != nil {
		log.Warn("latest pointer update failed", "error", err)
	}

	statuses := make([]string, 0, len(results))
	for _, res := range results {
		statuses = append(statuses, res.ActionType+"="+res.Status)
	}
	log.Info("action run complete", "plan_hash", planHash, "statuses", strings.Join(statuses, " "))

	return Outcome{
		IncidentID: packet.IncidentID,
		Status:     "executed",
		PlanSK:     planSK,
		PlanHash:   planHash,
		Results:    results,
	}, nil
}

// runIdempotent reuses a prior successful result of the same type instead
// of executing again. The reused result is not re-persisted and emits no
// duplicate event.
func (r *Runner) runIdempotent(ctx context.Context, packet *contracts.IncidentPacket, actionType string, run func() contracts.ActionResult) (contracts.ActionResult, bool) {
	existing, err := r.findExisting(ctx, packet.IncidentID, actionType)
	if err != nil {
		r.log.Warn("idempotency query failed, executing anyway", "action_type", actionType, "error", err)
	}
	if existing != nil {
		r.log.Info("reusing prior successful action", "action_type", actionType, "action_id", existing.ActionID)
		return *existing, false
	}
	return run(), true
}

func (r *Runner) findExisting(ctx context.Context, incidentID, actionType string) (*contracts.ActionResult, error) {
	recs, err := r.records.QueryPrefix(ctx, recordstore.IncidentPK(incidentID), recordstore.SKActionPrefix,
		func(item map[string]any) bool {
			return item["action_type"] == actionType && item["status"] == contracts.StatusSuccess
		})
	if err != nil {
		return nil, fmt.Errorf("actions: query prior actions: %w", err)
	}
	if len(recs) == 0 {
		return nil, nil
	}
	item := recs[len(recs)-1].Item
	res := contracts.ActionResult{
		SchemaVersion: contracts.SchemaActionResult,
		IncidentID:    incidentID,
		ActionType:    actionType,
		Status:        contracts.StatusSuccess,
	}
	if id, ok := item["action_id"].(string); ok {
		res.ActionID = id
	}
	if raw, ok := item["external_refs"].(string); ok && raw != "" {
		var refs map[string]any
		if err := json.Unmarshal([]byte(raw), &refs); err == nil {
			res.ExternalRefs = refs
		}
	}
	return &res, nil
}

func (r *Runner) runTicket(ctx context.Context, p *contracts.ActionPlan, packet *contracts.IncidentPacket) contracts.ActionResult {
	action := actionOfType(p, contracts.ActionTicket)
	res := r.newResult(packet.IncidentID, contracts.ActionTicket, action)
	if r.tickets == nil {
		return r.skipped(res, "tracker_not_configured")
	}

	issue, err := r.tickets.CreateIssue(ctx, action.Title, action.DescriptionMD, action.Priority, ticketLabels)
	if err != nil {
		res.Status = contracts.StatusFailed
		res.RequestSummary = "Attempted: " + clamp(action.Title, maxTitleInLog)
		res.Error = clamp(err.Error(), maxErrorStored)
		return res
	}
	res.Status = contracts.StatusSuccess
	res.RequestSummary = "Created issue: " + clamp(action.Title, maxTitleInLog)
	res.ResponseSummary = "key=" + issue.Key
	res.ExternalRefs = map[string]any{
		"ticket_key": issue.Key,
		"ticket_url": issue.URL,
	}
	return res
}

func (r *Runner) runNotify(ctx context.Context, p *contracts.ActionPlan, packet *contracts.IncidentPacket, ticket *plan.TicketRefs) contracts.ActionResult {
	action := actionOfType(p, contracts.ActionNotify)
	res := r.newResult(packet.IncidentID, contracts.ActionNotify, action)
	if r.notifier == nil {
		return r.skipped(res, "chat_not_configured")
	}

	var links []chat.Link
	if ticket != nil && ticket.URL != "" {
		links = append(links, chat.Link{Name: "Ticket " + ticket.Key, URL: ticket.URL})
	}
	sent, err := r.notifier.SendMessage(ctx, action.Title, plan.NotifyBody(packet, ticket), links)
	if err != nil {
		res.Status = contracts.StatusFailed
		res.RequestSummary = "Attempted: " + clamp(action.Title, maxTitleInLog)
		res.Error = clamp(err.Error(), maxErrorStored)
		return res
	}
	res.Status = contracts.StatusSuccess
	res.RequestSummary = "Sent notification: " + clamp(action.Title, maxTitleInLog)
	res.ResponseSummary = fmt.Sprintf("status=%d", sent.StatusCode)
	res.ExternalRefs = map[string]any{
		"chat_message_id": sent.MessageID,
	}
	return res
}

func (r *Runner) runPR(ctx context.Context, p *contracts.ActionPlan, packet *contracts.IncidentPacket, ticket *plan.TicketRefs) contracts.ActionResult {
	action := actionOfType(p, contracts.ActionPR)
	res := r.newResult(packet.IncidentID, contracts.ActionPR, action)
	if r.source == nil {
		return r.skipped(res, "github_not_configured")
	}
	if ticket == nil || ticket.Key == "" {
		res.Status = contracts.StatusFailed
		res.RequestSummary = "No ticket key available for branch naming"
		res.Error = "missing ticket key from prior ticket result"
		return res
	}

	resolution := r.resolver.Resolve(ctx, packet)
	r.log.Info("repo resolved",
		"incident_id", packet.IncidentID,
		"repo", resolution.RepoFullName,
		"confidence", resolution.Confidence,
		"verification", resolution.Verification)

	allowed, gateErr := r.gate.Allow(r.cfg.GateExpression, policy.Input{
		Repo:              resolution.RepoFullName,
		Confidence:        resolution.Confidence,
		Threshold:         r.cfg.ConfidenceThreshold,
		Environment:       packet.Environment,
		Service:           packet.Service,
		AutomationEnabled: r.cfg.AutomationEnabled,
	})
	if gateErr != nil {
		r.log.Warn("policy gate error, denying pr action", "error", gateErr)
	}
	if !allowed {
		reason := fmt.Sprintf("skipped: repo_confidence=%.2f < threshold=%.2f (repo=%s, verification=%s)",
			resolution.Confidence, r.cfg.ConfidenceThreshold, orNone(resolution.RepoFullName), resolution.Verification)
		res.Status = contracts.StatusSkipped
		res.RequestSummary = reason
		res.Error = reason
		res.ExternalRefs = map[string]any{"repo_resolution": resolution}
		return res
	}

	repo := resolution.RepoFullName
	if i := strings.Index(repo, "/"); i >= 0 {
		repo = repo[i+1:]
	}
	branch := "opsrunbook/" + ticket.Key
	title := ticket.Key + " " + action.Title

	refs, err := r.source.CreatePRWithNotes(ctx, github.CreatePRRequest{
		Repo:          repo,
		BranchName:    branch,
		Title:         title,
		Body:          plan.PRBody(packet, ticket, resolution),
		FilePath:      fmt.Sprintf(".opsrunbook/pr-notes/%s.md", ticket.Key),
		FileContent:   plan.PRNotes(packet, ticket),
		CommitMessage: fmt.Sprintf("%s: add incident analysis notes for %s", ticket.Key, packet.IncidentID),
	})
	if err != nil {
		res.Status = contracts.StatusFailed
		res.RequestSummary = "Attempted: " + clamp(title, maxTitleInLog)
		res.Error = clamp(err.Error(), maxErrorStored)
		res.ExternalRefs = map[string]any{"repo_resolution": resolution}
		return res
	}

	verb := "Created"
	if refs.ReusedPR {
		verb = "Updated"
	}
	res.Status = contracts.StatusSuccess
	res.RequestSummary = verb + " PR: " + clamp(title, maxTitleInLog)
	res.ResponseSummary = fmt.Sprintf("pr=%s repo=%s verification=%s",
		refs.PRURL, resolution.RepoFullName, resolution.Verification)
	res.ExternalRefs = map[string]any{
		"github_owner":    refs.Owner,
		"github_repo":     refs.Repo,
		"branch":          refs.Branch,
		"default_branch":  refs.DefaultBranch,
		"pr_url":          refs.PRURL,
		"pr_number":       refs.PRNumber,
		"commit_sha":      refs.CommitSHA,
		"reused_pr":       refs.ReusedPR,
		"repo_resolution": resolution,
	}
	return res
}

func (r *Runner) persistPlan(ctx context.Context, p *contracts.ActionPlan, planHash string) (string, error) {
	body, err := canonical.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("actions: marshal plan: %w", err)
	}
	sk := recordstore.PlanSK(p.CreatedAt)
	err = r.records.PutRecord(ctx, recordstore.Record{
		PK: recordstore.IncidentPK(p.IncidentID),
		SK: sk,
		Item: map[string]any{
			"incident_id": p.IncidentID,
			"created_at":  p.CreatedAt.Format(time.RFC3339Nano),
			"plan":        string(body),
			"plan_hash":   planHash,
		},
	})
	if err != nil {
		return "", fmt.Errorf("actions: persist plan: %w", err)
	}
	return sk, nil
}

func (r *Runner) persistResult(ctx context.Context, res *contracts.ActionResult) (string, error) {
	externalRefs, err := json.Marshal(res.ExternalRefs)
	if err != nil {
		return "", fmt.Errorf("actions: marshal external refs: %w", err)
	}
	evidenceRefs, err := json.Marshal(res.EvidenceRefs)
	if err != nil {
		return "", fmt.Errorf("actions: marshal evidence refs: %w", err)
	}
	sk := recordstore.ActionSK(res.CreatedAt, res.ActionID)
	err = r.records.PutRecord(ctx, recordstore.Record{
		PK: recordstore.IncidentPK(res.IncidentID),
		SK: sk,
		Item: map[string]any{
			"incident_id":      res.IncidentID,
			"action_id":        res.ActionID,
			"action_type":      res.ActionType,
			"status":           res.Status,
			"created_at":       res.CreatedAt.Format(time.RFC3339Nano),
			"request_summary":  clamp(res.RequestSummary, maxSummaryStored),
			"response_summary": clamp(res.ResponseSummary, maxSummaryStored),
			"external_refs":    string(externalRefs),
			"error":            res.Error,
			"cause":            res.Cause,
			"evidence_refs":    string(evidenceRefs),
		},
	})
	if err != nil {
		return "", fmt.Errorf("actions: persist result: %w", err)
	}
	return sk, nil
}

// updateLatestPointer is last-write-wins: the newest run owns the pointer.
func (r *Runner) updateLatestPointer(ctx context.Context, incidentID, planSK string, actionSKs []string) error {
	skList, err := json.Marshal(actionSKs)
	if err != nil {
		return fmt.Errorf("actions: marshal action sks: %w", err)
	}
	return r.records.PutRecord(ctx, recordstore.Record{
		PK: recordstore.IncidentPK(incidentID),
		SK: recordstore.SKActionsLatest,
		Item: map[string]any{
			"incident_id":          incidentID,
			"latest_actionplan_sk": planSK,
			"latest_action_sks":    string(skList),
			"updated_at":           r.clock().Format(time.RFC3339Nano),
		},
	})
}

func (r *Runner) newResult(incidentID, actionType string, action contracts.PlannedAction) contracts.ActionResult {
	return contracts.ActionResult{
		SchemaVersion: contracts.SchemaActionResult,
		IncidentID:    incidentID,
		ActionID:      r.newID(),
		ActionType:    actionType,
		CreatedAt:     r.clock(),
		EvidenceRefs:  action.EvidenceRefs,
	}
}

func (r *Runner) skipped(res contracts.ActionResult, reason string) contracts.ActionResult {
	res.Status = contracts.StatusSkipped
	res.Error = reason
	return res
}

func actionOfType(p *contracts.ActionPlan, actionType string) contracts.PlannedAction {
	for _, a := range p.Actions {
		if a.ActionType == actionType {
			return a
		}
	}
	return contracts.PlannedAction{ActionType: actionType, Priority: "P2"}
}

func ticketRefsFrom(res *contracts.ActionResult) *plan.TicketRefs {
	if res.Status != contracts.StatusSuccess || res.ExternalRefs == nil {
		return nil
	}
	key, _ := res.ExternalRefs["ticket_key"].(string)
	url, _ := res.ExternalRefs["ticket_url"].(string)
	if key == "" {
		return nil
	}
	return &plan.TicketRefs{Key: key, URL: url}
}

func orNone(s string) string {
	if s == "" {
		return "none"
	}
	return s
}

func clamp(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
