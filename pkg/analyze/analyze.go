// Package analyze turns a persisted snapshot into an incident packet. The
// per-collector analysis is deterministic: findings, hypotheses, and next
// actions are derived from the evidence blobs with fixed ids and
// confidences, so replaying the analyzer over the same snapshot yields the
// same packet.
package analyze

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/opsrunbook/copilot/pkg/blobstore"
	"github.com/opsrunbook/copilot/pkg/canonical"
	"github.com/opsrunbook/copilot/pkg/contracts"
	"github.com/opsrunbook/copilot/pkg/events"
	"github.com/opsrunbook/copilot/pkg/recordstore"
	"github.com/opsrunbook/copilot/pkg/version"
)

// Finding ids and confidences of the deterministic analysis.
const (
	FindingLogsErrors         = "logs-errors-found"
	FindingMetricsCollected   = "metrics-collected"
	FindingOrchestratorFailed = "stepfn-orchestrator-failed"
	FindingFailedExecutions   = "stepfn-failed-executions"

	confidenceLogsErrors       = 0.8
	confidenceMetrics          = 0.4
	confidenceOrchestrator     = 0.9
	confidenceFailedExecutions = 0.8
	confidenceHypothesis       = 0.5
)

// Owner-inference bounds.
const (
	ownerBaseConfidence = 0.3
	ownerReasonStep     = 0.1
	ownerMaxConfidence  = 0.8
	ownerUnknown        = 0.1
)

// SnapshotEvent is the trigger payload: where the manifest lives.
type SnapshotEvent struct {
	IncidentID     string               `json:"incident_id"`
	CollectorRunID string               `json:"collector_run_id"`
	Bucket         string               `json:"bucket"`
	Key            string               `json:"key"`
	SHA256         string               `json:"sha256,omitempty"`
	Service        string               `json:"service,omitempty"`
	Environment    string               `json:"environment,omitempty"`
	TimeWindow     contracts.TimeWindow `json:"time_window"`
}

// Result reports one analyzer invocation.
type Result struct {
	IncidentID     string `json:"incident_id"`
	CollectorRunID string `json:"collector_run_id"`
	Skipped        bool   `json:"skipped,omitempty"`
	PacketKey      string `json:"packet_key,omitempty"`
	PacketSHA256   string `json:"packet_sha256,omitempty"`
}

// Analyzer builds incident packets.
type Analyzer struct {
	blobs    blobstore.Store
	records  recordstore.Store
	emitter  events.Emitter
	repoMap  map[string]string // resource-name prefix -> repo
	provider string
	log      *slog.Logger
	clock    func() time.Time
}

// NewAnalyzer wires an analyzer. repoMap maps resource-name substrings to
// owning repositories; it may be nil.
func NewAnalyzer(blobs blobstore.Store, records recordstore.Store, emitter events.Emitter, repoMap map[string]string, log *slog.Logger) *Analyzer {
	if log == nil {
		log = slog.Default()
	}
	return &Analyzer{
		blobs:    blobs,
		records:  records,
		emitter:  emitter,
		repoMap:  repoMap,
		provider: "stub",
		log:      log.With("component", "analyzer"),
		clock:    func() time.Time { return time.Now().UTC() },
	}
}

// WithClock replaces the clock; used by tests.
func (a *Analyzer) WithClock(clock func() time.Time) *Analyzer {
	a.clock = clock
	return a
}

// Analyze is idempotent per collector run: an existing PACKET# record for
// the run short-circuits before any blob is read.
func (a *Analyzer) Analyze(ctx context.Context, evt SnapshotEvent) (Result, error) {
	if evt.IncidentID == "" || evt.CollectorRunID == "" {
		return Result{}, fmt.Errorf("analyze: incident_id and collector_run_id are required")
	}

	existing, err := a.records.QueryPrefix(ctx, recordstore.IncidentPK(evt.IncidentID), recordstore.SKPacketPrefix,
		func(item map[string]any) bool { return item["collector_run_id"] == evt.CollectorRunID })
	if err != nil {
		return Result{}, fmt.Errorf("analyze: idempotency query: %w", err)
	}
	if len(existing) > 0 {
		a.log.Info("packet already exists for run, skipping", "incident_id", evt.IncidentID, "collector_run_id", evt.CollectorRunID)
		return Result{IncidentID: evt.IncidentID, CollectorRunID: evt.CollectorRunID, Skipped: true}, nil
	}

	var manifest contracts.Snapshot
	if err := a.blobs.GetJSON(ctx, evt.Key, &manifest); err != nil {
		return Result{}, fmt.Errorf("analyze: load snapshot manifest: %w", err)
	}

	loaded := a.loadEvidence(ctx, &manifest)

	packet := contracts.IncidentPacket{
		SchemaVersion:  contracts.SchemaPacket,
		IncidentID:     evt.IncidentID,
		CollectorRunID: evt.CollectorRunID,
		Service:        pick(evt.Service, manifest.Service),
		Environment:    pick(evt.Environment, manifest.Environment),
		TimeWindow:     evt.TimeWindow,
		SnapshotRef: contracts.SnapshotRef{
			Bucket: evt.Bucket,
			Key:    evt.Key,
			SHA256: evt.SHA256,
		},
		Findings:        []contracts.Finding{},
		Hypotheses:      []contracts.Hypothesis{},
		NextActions:     []contracts.NextAction{},
		Limits:          []string{},
		AllEvidenceRefs: loaded.refs,
		ModelTrace: contracts.ModelTrace{
			Provider:      a.provider,
			PromptVersion: "v1",
			CreatedAt:     a.clock(),
		},
	}

	a.analyzeLogs(&packet, loaded)
	a.analyzeMetrics(&packet, loaded)
	a.analyzeWorkflow(&packet, loaded)
	packet.SuspectedOwners = a.suspectedOwners(&manifest, loaded)

	if err := packet.Validate(); err != nil {
		return Result{}, fmt.Errorf("analyze: %w", err)
	}
	if err := finalizeHashes(&packet); err != nil {
		return Result{}, fmt.Errorf("analyze: hash packet: %w", err)
	}

	key := blobstore.PacketKey(evt.IncidentID, evt.CollectorRunID)
	put, err := a.blobs.PutJSON(ctx, key, packet)
	if err != nil {
		return Result{}, fmt.Errorf("analyze: write packet: %w", err)
	}

	now := packet.ModelTrace.CreatedAt
	err = a.records.PutRecord(ctx, recordstore.Record{
		PK: recordstore.IncidentPK(evt.IncidentID),
		SK: recordstore.PacketSK(now, evt.CollectorRunID),
		Item: map[string]any{
			"incident_id":      evt.IncidentID,
			"collector_run_id": evt.CollectorRunID,
			"created_at":       now.Format(time.RFC3339Nano),
			"packet_bucket":    put.Bucket,
			"packet_key":       put.Key,
			"packet_sha256":    packet.PacketHashes.SHA256,
			"packet_byte_size": put.ByteSize,
			"service":          packet.Service,
			"environment":      packet.Environment,
			"app_version":      version.Version,
		},
	})
	if err != nil {
		return Result{}, fmt.Errorf("analyze: write packet record: %w", err)
	}

	events.EmitBestEffort(ctx, a.emitter, a.log, events.IncidentAnalyzed,
		events.AnalyzedDetail(&packet, put.Bucket, put.Key))

	return Result{
		IncidentID:     evt.IncidentID,
		CollectorRunID: evt.CollectorRunID,
		PacketKey:      put.Key,
		PacketSHA256:   packet.PacketHashes.SHA256,
	}, nil
}

// finalizeHashes computes the packet's content hash to a fixpoint: the
// first hash is inserted into the document, then the finalized document is
// hashed again so packet_hashes.sha256 is stable against itself.
func finalizeHashes(p *contracts.IncidentPacket) error {
	first, err := canonical.Hash(p)
	if err != nil {
		return err
	}
	p.PacketHashes = &contracts.PacketHashes{SHA256: first}
	second, err := canonical.Hash(p)
	if err != nil {
		return err
	}
	p.PacketHashes.SHA256 = second
	return nil
}

// loadedEvidence holds the per-collector blobs that could be read.
type loadedEvidence struct {
	refs     []contracts.EvidenceRef
	byType   map[string]contracts.EvidenceRef
	logs     *contracts.LogsEvidence
	metrics  *contracts.MetricsEvidence
	workflow *contracts.WorkflowEvidence
}

// loadEvidence reads every non-skipped collector blob. A blob that cannot
// be read is logged and skipped; it never fails the analyzer.
func (a *Analyzer) loadEvidence(ctx context.Context, manifest *contracts.Snapshot) loadedEvidence {
	out := loadedEvidence{byType: map[string]contracts.EvidenceRef{}}
	for _, c := range manifest.Collectors {
		if c.EvidenceRef == nil || c.EvidenceRef.Key == "" {
			continue
		}
		out.refs = append(out.refs, *c.EvidenceRef)
		out.byType[c.CollectorType] = *c.EvidenceRef
		if c.Skipped {
			continue
		}

		var loadErr error
		switch c.CollectorType {
		case contracts.CollectorLogs:
			var blob contracts.LogsEvidence
			if loadErr = a.blobs.GetJSON(ctx, c.EvidenceRef.Key, &blob); loadErr == nil {
				out.logs = &blob
			}
		case contracts.CollectorMetrics:
			var blob contracts.MetricsEvidence
			if loadErr = a.blobs.GetJSON(ctx, c.EvidenceRef.Key, &blob); loadErr == nil {
				out.metrics = &blob
			}
		case contracts.CollectorWorkflow:
			var blob contracts.WorkflowEvidence
			if loadErr = a.blobs.GetJSON(ctx, c.EvidenceRef.Key, &blob); loadErr == nil {
				out.workflow = &blob
			}
		}
		if loadErr != nil {
			a.log.Warn("evidence blob load failed", "collector_type", c.CollectorType, "key", c.EvidenceRef.Key, "error", loadErr)
		}
	}
	return out
}

func (a *Analyzer) analyzeLogs(p *contracts.IncidentPacket, loaded loadedEvidence) {
	if loaded.logs == nil {
		p.Limits = append(p.Limits, "Logs collector evidence not available or skipped.")
		return
	}
	ref := loaded.byType[contracts.CollectorLogs]

	var messages []string
	for _, sec := range loaded.logs.Sections {
		if sec.Name != "recent_errors" {
			continue
		}
		for _, row := range sec.Rows {
			if len(messages) >= 10 {
				break
			}
			if msg, _ := row["@message"].(string); msg != "" {
				messages = append(messages, clamp(msg, 300))
			}
		}
	}
	if len(messages) == 0 {
		p.Limits = append(p.Limits, "No errors found in log evidence; logs may be empty or filtered.")
		return
	}

	p.Findings = append(p.Findings, contracts.Finding{
		ID:           FindingLogsErrors,
		Summary:      fmt.Sprintf("Found %d recent error(s) in logs. Top: %s", len(messages), clamp(messages[0], 120)),
		Confidence:   confidenceLogsErrors,
		EvidenceRefs: []contracts.EvidenceRef{ref},
		Notes:        fmt.Sprintf("Total errors sampled: %d", len(messages)),
	})
	p.Hypotheses = append(p.Hypotheses, contracts.Hypothesis{
		Summary:      "Application is throwing runtime errors — check recent deployments or config changes.",
		Confidence:   confidenceHypothesis,
		EvidenceRefs: []contracts.EvidenceRef{ref},
	})
	p.NextActions = append(p.NextActions, contracts.NextAction{
		Summary: "Inspect full error logs with a follow-up analytic query",
		Commands: []string{
			"fields @timestamp, @message | filter @message like /ERROR|Exception/ | sort @timestamp desc | limit 50",
		},
		EvidenceRefs: []contracts.EvidenceRef{ref},
	})
}

func (a *Analyzer) analyzeMetrics(p *contracts.IncidentPacket, loaded loadedEvidence) {
	if loaded.metrics == nil {
		p.Limits = append(p.Limits, "Metrics collector evidence not available or skipped.")
		return
	}
	ref := loaded.byType[contracts.CollectorMetrics]

	if len(loaded.metrics.Series) == 0 {
		p.Limits = append(p.Limits, "Metrics evidence present but no series data found.")
		return
	}
	p.Findings = append(p.Findings, contracts.Finding{
		ID:           FindingMetricsCollected,
		Summary:      fmt.Sprintf("Collected %d metric series. Stub mode — no anomaly detection.", len(loaded.metrics.Series)),
		Confidence:   confidenceMetrics,
		EvidenceRefs: []contracts.EvidenceRef{ref},
	})
	p.NextActions = append(p.NextActions, contracts.NextAction{
		Summary:      "Review the metrics dashboard for anomalies manually",
		Links:        []string{"https://console.aws.amazon.com/cloudwatch/home#metricsV2"},
		EvidenceRefs: []contracts.EvidenceRef{ref},
	})
}

func (a *Analyzer) analyzeWorkflow(p *contracts.IncidentPacket, loaded loadedEvidence) {
	if loaded.workflow == nil {
		p.Limits = append(p.Limits, "Workflow collector evidence not available or skipped.")
		return
	}
	ref := loaded.byType[contracts.CollectorWorkflow]

	if orch := loaded.workflow.Orchestrator; orch != nil {
		// The collector runs inside the orchestrator and always observes its
		// own execution as RUNNING; only terminal failure statuses count.
		switch orch.Status {
		case "FAILED", "TIMED_OUT", "ABORTED":
			errText := orch.Error
			if errText == "" {
				errText = "N/A"
			}
			p.Findings = append(p.Findings, contracts.Finding{
				ID:           FindingOrchestratorFailed,
				Summary:      fmt.Sprintf("Orchestrator execution status: %s. Error: %s", orch.Status, clamp(errText, 200)),
				Confidence:   confidenceOrchestrator,
				EvidenceRefs: []contracts.EvidenceRef{ref},
			})
		}
		if orch.LastFailedState != "" {
			p.Hypotheses = append(p.Hypotheses, contracts.Hypothesis{
				Summary:      fmt.Sprintf("Failure in state '%s' — check that task's logs and permissions.", orch.LastFailedState),
				Confidence:   confidenceHypothesis,
				EvidenceRefs: []contracts.EvidenceRef{ref},
			})
		}
	}

	if execs := loaded.workflow.FailedExecutions; len(execs) > 0 {
		latest := execs[0]
		p.Findings = append(p.Findings, contracts.Finding{
			ID:           FindingFailedExecutions,
			Summary:      fmt.Sprintf("Found %d failed execution(s). Latest: %s status=%s", len(execs), latest.Name, latest.Status),
			Confidence:   confidenceFailedExecutions,
			EvidenceRefs: []contracts.EvidenceRef{ref},
		})
		if latest.ExecutionARN != "" {
			p.NextActions = append(p.NextActions, contracts.NextAction{
				Summary:      "Inspect the latest failed workflow execution",
				Links:        []string{executionConsoleURL(latest.ExecutionARN)},
				EvidenceRefs: []contracts.EvidenceRef{ref},
			})
		}
	}
}

// suspectedOwners matches resource names extracted from the evidence
// against the configured prefix map. Confidence grows with the number of
// distinct reasons, capped well below certainty.
func (a *Analyzer) suspectedOwners(manifest *contracts.Snapshot, loaded loadedEvidence) []contracts.SuspectedOwner {
	names := map[string]bool{}
	if manifest.Service != "" {
		names[manifest.Service] = true
	}
	if loaded.logs != nil {
		for _, lg := range loaded.logs.LogGroups {
			parts := strings.Split(strings.Trim(lg, "/"), "/")
			if len(parts) >= 3 {
				names[parts[len(parts)-1]] = true
			}
		}
	}
	if loaded.workflow != nil {
		if orch := loaded.workflow.Orchestrator; orch != nil {
			addARNTail(names, orch.StateMachineARN)
			addARNTail(names, orch.ExecutionARN)
		}
		for _, ex := range loaded.workflow.FailedExecutions {
			addARNTail(names, ex.ExecutionARN)
			addARNTail(names, ex.StateMachineARN)
		}
	}

	reasons := map[string]map[string]bool{}
	for name := range names {
		lower := strings.ToLower(name)
		for prefix, repo := range a.repoMap {
			if strings.Contains(lower, strings.ToLower(prefix)) {
				if reasons[repo] == nil {
					reasons[repo] = map[string]bool{}
				}
				reasons[repo][fmt.Sprintf("resource '%s' matches prefix '%s'", name, prefix)] = true
			}
		}
	}

	if len(reasons) == 0 {
		return []contracts.SuspectedOwner{{
			Repo:       "unknown",
			Confidence: ownerUnknown,
			Reasons:    []string{"No resource-to-repo mapping matched"},
		}}
	}

	owners := make([]contracts.SuspectedOwner, 0, len(reasons))
	for repo, set := range reasons {
		list := make([]string, 0, len(set))
		for r := range set {
			list = append(list, r)
		}
		sort.Strings(list)
		owners = append(owners, contracts.SuspectedOwner{
			Repo:       repo,
			Confidence: min(ownerBaseConfidence+ownerReasonStep*float64(len(list)), ownerMaxConfidence),
			Reasons:    list,
		})
	}
	sort.Slice(owners, func(i, j int) bool {
		if owners[i].Confidence != owners[j].Confidence {
			return owners[i].Confidence > owners[j].Confidence
		}
		return owners[i].Repo < owners[j].Repo
	})
	return owners
}

func addARNTail(names map[string]bool, arn string) {
	if arn == "" || !strings.Contains(arn, ":") {
		return
	}
	tail := arn[strings.LastIndex(arn, ":")+1:]
	if i := strings.Index(tail, "/"); i >= 0 {
		tail = tail[:i]
	}
	if tail != "" {
		names[tail] = true
	}
}

// executionConsoleURL links to a failed execution in the provider console.
func executionConsoleURL(arn string) string {
	region := "us-east-1"
	if parts := strings.Split(arn, ":"); len(parts) > 3 && parts[3] != "" {
		region = parts[3]
	}
	return fmt.Sprintf("https://%s.console.aws.amazon.com/states/home?region=%s#/executions/details/%s", region, region, arn)
}

func pick(primary, fallback string) string {
	if primary != "" {
		return primary
	}
	return fallback
}

func clamp(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
