package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/opsrunbook/copilot/pkg/blobstore"
	"github.com/opsrunbook/copilot/pkg/config"
	"github.com/opsrunbook/copilot/pkg/contracts"
	"github.com/opsrunbook/copilot/pkg/pipeline"
	"github.com/opsrunbook/copilot/pkg/recordstore"
	"github.com/opsrunbook/copilot/pkg/stepfn"
	"github.com/opsrunbook/copilot/pkg/version"
	"github.com/opsrunbook/copilot/pkg/webhook"
)

const maxBodyBytes = 1 << 20 // 1 MiB

// ExecutionDescriber reads one workflow execution's status. The local
// runtime has no executions to describe, so it stays nil in dev mode.
type ExecutionDescriber interface {
	DescribeExecution(ctx context.Context, executionARN string) (stepfn.ExecutionStatus, error)
}

// Server holds the HTTP surface's collaborators. Nil collaborators
// degrade to 503 (runtime, webhooks) or record-only answers (executions).
type Server struct {
	cfg        *config.Config
	blobs      blobstore.Store
	records    recordstore.Store
	runtime    pipeline.Runtime
	executions ExecutionDescriber
	webhooks   *webhook.Handler
	log        *slog.Logger
	clock      func() time.Time
	newID      func() string
}

// NewServer wires the HTTP surface.
func NewServer(cfg *config.Config, blobs blobstore.Store, records recordstore.Store, runtime pipeline.Runtime, webhooks *webhook.Handler, log *slog.Logger) *Server {
	if cfg == nil {
		cfg = config.Load()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		cfg:      cfg,
		blobs:    blobs,
		records:  records,
		runtime:  runtime,
		webhooks: webhooks,
		log:      log.With("component", "api"),
		clock:    func() time.Time { return time.Now().UTC() },
		newID:    func() string { return uuid.NewString() },
	}
}

// WithExecutions attaches a workflow-execution reader for run status.
func (s *Server) WithExecutions(d ExecutionDescriber) *Server {
	s.executions = d
	return s
}

// WithClock replaces the clock; used by tests.
func (s *Server) WithClock(clock func() time.Time) *Server {
	s.clock = clock
	return s
}

// WithIDs replaces the id generator; used by tests.
func (s *Server) WithIDs(newID func() string) *Server {
	s.newID = newID
	return s
}

// Routes builds the full handler: routing plus request-id, logging, and
// per-IP rate-limit middleware.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/incidents", s.handleCreateIncident)
	mux.HandleFunc("GET /v1/incidents/{id}/runs/{run_id}", s.handleRunStatus)
	mux.HandleFunc("GET /v1/incidents/{id}/meta", s.handleMeta)
	mux.HandleFunc("GET /v1/incidents/{id}/snapshot/latest", s.handleLatestSnapshot)
	mux.HandleFunc("GET /v1/incidents/{id}/packet/{selector}", s.handlePacket)
	mux.HandleFunc("GET /v1/incidents/{id}/actions", s.handleListActions)
	mux.HandleFunc("GET /v1/incidents/{id}/actions/latest", s.handleLatestActions)
	mux.HandleFunc("POST /v1/incidents/{id}/replay", s.handleReplay)
	mux.HandleFunc("POST /v1/webhooks/github", s.handleWebhook)
	mux.HandleFunc("GET /health", s.handleHealth)
	if s.cfg.DebugPersist {
		mux.HandleFunc("POST /debug/persist", s.handleDebugPersist)
	}

	limiter := NewGlobalRateLimiter(s.cfg.RateLimitPerSecond, s.cfg.RateLimitBurst)
	return RequestID(Logging(s.log, limiter.Middleware(mux)))
}

// CreateIncidentResponse is the ingest reply.
type CreateIncidentResponse struct {
	OK              bool   `json:"ok"`
	IncidentID      string `json:"incident_id"`
	CollectorRunID  string `json:"collector_run_id"`
	ExecutionHandle string `json:"execution_handle"`
	WindowClamped   bool   `json:"window_clamped,omitempty"`
}

func (s *Server) handleCreateIncident(w http.ResponseWriter, r *http.Request) {
	if s.runtime == nil {
		WriteServiceUnavailable(w, "Pipeline runtime not configured (STATE_MACHINE_ARN missing)")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var event contracts.IncidentEvent
	if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
		WriteBadRequest(w, "Invalid request body")
		return
	}
	if err := event.Validate(); err != nil {
		WriteBadRequest(w, err.Error())
		return
	}

	incidentID := event.IncidentID
	if incidentID == "" {
		incidentID = "inc-" + strings.ReplaceAll(s.newID(), "-", "")[:12]
	}
	collectorRunID := strings.ReplaceAll(s.newID(), "-", "")
	now := s.clock()

	maxWindow := time.Duration(s.cfg.MaxTimeWindowMinutes) * time.Minute
	window, clamped := event.TimeWindow.Clamp(maxWindow)
	event.TimeWindow = window
	event.IncidentID = incidentID

	pk := recordstore.IncidentPK(incidentID)
	err := s.records.PutRecord(r.Context(), recordstore.Record{
		PK: pk,
		SK: recordstore.SKMeta,
		Item: map[string]any{
			"incident_id": incidentID,
			"service":     event.Service,
			"environment": event.Environment,
			"severity":    event.Severity,
			"source":      event.Source,
			"event_id":    event.EventID,
			"created_at":  now.Format(time.RFC3339Nano),
		},
	})
	if err != nil {
		WriteInternal(w, fmt.Errorf("api: write meta record: %w", err))
		return
	}

	putRun := func(status, handle string) error {
		return s.records.PutRecord(r.Context(), recordstore.Record{
			PK: pk,
			SK: recordstore.RunSK(collectorRunID),
			Item: map[string]any{
				"incident_id":      incidentID,
				"collector_run_id": collectorRunID,
				"created_at":       now.Format(time.RFC3339Nano),
				"status":           status,
				"execution_handle": handle,
			},
		})
	}
	if err := putRun("STARTING", "pending"); err != nil {
		WriteInternal(w, fmt.Errorf("api: write run record: %w", err))
		return
	}

	handle, err := s.runtime.Start(r.Context(), pipeline.StartInput{
		IncidentID:     incidentID,
		CollectorRunID: collectorRunID,
		Event:          event,
	})
	if err != nil {
		WriteBadGateway(w, "Failed to start orchestration: "+err.Error())
		return
	}
	if err := putRun("RUNNING", handle); err != nil {
		s.log.Warn("run record update failed", "incident_id", incidentID, "error", err)
	}

	writeJSON(w, http.StatusOK, CreateIncidentResponse{
		OK:              true,
		IncidentID:      incidentID,
		CollectorRunID:  collectorRunID,
		ExecutionHandle: handle,
		WindowClamped:   clamped,
	})
}

// RunStatusResponse is the run poll reply.
type RunStatusResponse struct {
	IncidentID      string                  `json:"incident_id"`
	CollectorRunID  string                  `json:"collector_run_id"`
	ExecutionHandle string                  `json:"execution_handle"`
	Status          string                  `json:"status"`
	EvidenceRefs    []contracts.EvidenceRef `json:"evidence_refs,omitempty"`
	Error           string                  `json:"error,omitempty"`
}

func (s *Server) handleRunStatus(w http.ResponseWriter, r *http.Request) {
	incidentID := r.PathValue("id")
	runID := r.PathValue("run_id")

	item, found, err := s.records.GetRecord(r.Context(), recordstore.IncidentPK(incidentID), recordstore.RunSK(runID))
	if err != nil {
		WriteInternal(w, err)
		return
	}
	if !found {
		WriteNotFound(w, "Run not found")
		return
	}

	resp := RunStatusResponse{
		IncidentID:     incidentID,
		CollectorRunID: runID,
		Status:         "STARTING",
	}
	handle, _ := item["execution_handle"].(string)
	resp.ExecutionHandle = handle
	if status, _ := item["status"].(string); status != "" {
		resp.Status = status
	}

	// Local handles and pending starts have no execution to describe.
	if handle == "" || handle == "pending" || strings.HasPrefix(handle, "local:") || s.executions == nil {
		writeJSON(w, http.StatusOK, resp)
		return
	}

	desc, err := s.executions.DescribeExecution(r.Context(), handle)
	if err != nil {
		WriteBadGateway(w, "Cannot describe execution: "+err.Error())
		return
	}
	resp.Status = desc.Status
	if desc.Status == "SUCCEEDED" {
		resp.EvidenceRefs = parseEvidenceRefs(desc.Output)
	}
	if stepfn.IsFailureStatus(desc.Status) {
		resp.Error = desc.Error
		if resp.Error == "" {
			resp.Error = desc.Cause
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// parseEvidenceRefs pulls the collector branch refs out of an execution's
// output document. Unparseable output yields no refs, not an error.
func parseEvidenceRefs(output string) []contracts.EvidenceRef {
	if output == "" {
		return nil
	}
	var doc struct {
		Results []contracts.CollectorResult `json:"results"`
	}
	if err := json.Unmarshal([]byte(output), &doc); err != nil || len(doc.Results) == 0 {
		var plain []contracts.CollectorResult
		if err := json.Unmarshal([]byte(output), &plain); err != nil {
			return nil
		}
		doc.Results = plain
	}
	var refs []contracts.EvidenceRef
	for _, res := range doc.Results {
		if res.EvidenceRef != nil && res.EvidenceRef.Key != "" {
			refs = append(refs, *res.EvidenceRef)
		}
	}
	return refs
}

func (s *Server) handleMeta(w http.ResponseWriter, r *http.Request) {
	incidentID := r.PathValue("id")
	item, found, err := s.records.GetRecord(r.Context(), recordstore.IncidentPK(incidentID), recordstore.SKMeta)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	if !found {
		WriteNotFound(w, "Incident not found")
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (s *Server) handleLatestSnapshot(w http.ResponseWriter, r *http.Request) {
	incidentID := r.PathValue("id")
	recs, err := s.records.QueryPrefix(r.Context(), recordstore.IncidentPK(incidentID), recordstore.SKSnapshotPref, nil)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	if len(recs) == 0 {
		WriteNotFound(w, "Snapshot not found")
		return
	}
	writeJSON(w, http.StatusOK, recs[len(recs)-1].Item)
}

func (s *Server) handlePacket(w http.ResponseWriter, r *http.Request) {
	incidentID := r.PathValue("id")
	selector := r.PathValue("selector")

	var filter recordstore.Filter
	if selector != "latest" {
		filter = func(item map[string]any) bool { return item["collector_run_id"] == selector }
	}
	recs, err := s.records.QueryPrefix(r.Context(), recordstore.IncidentPK(incidentID), recordstore.SKPacketPrefix, filter)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	if len(recs) == 0 {
		WriteNotFound(w, "Packet not found")
		return
	}
	item := recs[len(recs)-1].Item

	key, _ := item["packet_key"].(string)
	if key == "" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "incident_id": incidentID, "packet_meta": item})
		return
	}
	var packet contracts.IncidentPacket
	if err := s.blobs.GetJSON(r.Context(), key, &packet); err != nil {
		WriteNotFound(w, "Packet blob not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "incident_id": incidentID, "packet": packet})
}

func (s *Server) handleListActions(w http.ResponseWriter, r *http.Request) {
	incidentID := r.PathValue("id")
	recs, err := s.records.QueryPrefix(r.Context(), recordstore.IncidentPK(incidentID), recordstore.SKActionPrefix, nil)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	if len(recs) == 0 {
		WriteNotFound(w, "Actions not found")
		return
	}
	items := make([]map[string]any, 0, len(recs))
	for _, rec := range recs {
		items = append(items, rec.Item)
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "incident_id": incidentID, "actions": items})
}

func (s *Server) handleLatestActions(w http.ResponseWriter, r *http.Request) {
	incidentID := r.PathValue("id")
	pk := recordstore.IncidentPK(incidentID)

	pointer, found, err := s.records.GetRecord(r.Context(), pk, recordstore.SKActionsLatest)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	if !found {
		WriteNotFound(w, "Actions not found")
		return
	}

	out := map[string]any{"ok": true, "incident_id": incidentID, "latest": pointer}
	if planSK, _ := pointer["latest_actionplan_sk"].(string); planSK != "" {
		if plan, ok, err := s.records.GetRecord(r.Context(), pk, planSK); err == nil && ok {
			out["plan"] = plan
		}
	}
	var actionSKs []string
	if encoded, _ := pointer["latest_action_sks"].(string); encoded != "" {
		_ = json.Unmarshal([]byte(encoded), &actionSKs)
	}
	actions := make([]map[string]any, 0, len(actionSKs))
	for _, sk := range actionSKs {
		if item, ok, err := s.records.GetRecord(r.Context(), pk, sk); err == nil && ok {
			actions = append(actions, item)
		}
	}
	out["actions"] = actions
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleReplay(w http.ResponseWriter, r *http.Request) {
	incidentID := r.PathValue("id")
	report, err := pipeline.Replay(r.Context(), s.blobs, s.records, incidentID, s.clock())
	if err != nil {
		if errors.Is(err, pipeline.ErrNoPacket) {
			WriteNotFound(w, "No packet found for incident")
			return
		}
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if s.webhooks == nil {
		WriteServiceUnavailable(w, "Webhook intake not configured")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		WriteBadRequest(w, "Cannot read request body")
		return
	}

	result, err := s.webhooks.Process(r.Context(), webhook.Delivery{
		Body:       body,
		Signature:  r.Header.Get("X-Hub-Signature-256"),
		EventType:  r.Header.Get("X-GitHub-Event"),
		DeliveryID: r.Header.Get("X-GitHub-Delivery"),
	})
	if err != nil {
		switch {
		case errors.Is(err, webhook.ErrInvalidSignature):
			WriteUnauthorized(w, "Invalid webhook signature")
		case errors.Is(err, webhook.ErrMissingHeaders), errors.Is(err, webhook.ErrMalformedPayload):
			WriteBadRequest(w, err.Error())
		case errors.Is(err, webhook.ErrSecretNotConfigured):
			WriteInternal(w, err)
		default:
			WriteInternal(w, err)
		}
		return
	}
	writeJSON(w, http.StatusAccepted, result)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	notConfigured := "(not configured)"
	components := map[string]string{
		"evidence_bucket": orPlaceholder(s.cfg.EvidenceBucket, notConfigured),
		"records_table":   orPlaceholder(s.cfg.RecordsTable, notConfigured),
		"event_bus":       orPlaceholder(s.cfg.EventBusName, notConfigured),
		"state_machine":   orPlaceholder(s.cfg.StateMachineARN, notConfigured),
		"webhook_secret":  boolWord(s.cfg.WebhookConfigured()),
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":         true,
		"version":    version.Version,
		"components": components,
	})
}

// handleDebugPersist smoke-writes one blob plus META and SNAPSHOT records.
// Registered only when the debug flag is set.
func (s *Server) handleDebugPersist(w http.ResponseWriter, r *http.Request) {
	incidentID := "inc-" + strings.ReplaceAll(s.newID(), "-", "")[:12]
	runID := strings.ReplaceAll(s.newID(), "-", "")
	now := s.clock()

	payload := map[string]any{"note": "debug persist", "incident_id": incidentID, "created_at": now.Format(time.RFC3339Nano)}
	put, err := s.blobs.PutJSON(r.Context(), blobstore.SnapshotKey(incidentID, runID), payload)
	if err != nil {
		WriteInternal(w, err)
		return
	}

	pk := recordstore.IncidentPK(incidentID)
	err = s.records.PutRecord(r.Context(), recordstore.Record{
		PK: pk,
		SK: recordstore.SKMeta,
		Item: map[string]any{
			"incident_id": incidentID,
			"service":     "debug",
			"environment": "dev",
			"created_at":  now.Format(time.RFC3339Nano),
		},
	})
	if err != nil {
		WriteInternal(w, err)
		return
	}
	snapshotSK := recordstore.SnapshotSK(now, runID)
	err = s.records.PutRecord(r.Context(), recordstore.Record{
		PK: pk,
		SK: snapshotSK,
		Item: map[string]any{
			"incident_id":      incidentID,
			"collector_run_id": runID,
			"created_at":       now.Format(time.RFC3339Nano),
			"evidence_bucket":  put.Bucket,
			"evidence_key":     put.Key,
			"evidence_sha256":  put.SHA256,
			"truncated":        false,
		},
	})
	if err != nil {
		WriteInternal(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"ok":               true,
		"incident_id":      incidentID,
		"collector_run_id": runID,
		"snapshot_sk":      snapshotSK,
		"evidence":         put,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func orPlaceholder(v, placeholder string) string {
	if v == "" {
		return placeholder
	}
	return v
}

func boolWord(b bool) string {
	if b {
		return "configured"
	}
	return "(not configured)"
}
