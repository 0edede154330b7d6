package api

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsrunbook/copilot/pkg/actions"
	"github.com/opsrunbook/copilot/pkg/analyze"
	"github.com/opsrunbook/copilot/pkg/blobstore"
	"github.com/opsrunbook/copilot/pkg/chat"
	"github.com/opsrunbook/copilot/pkg/config"
	"github.com/opsrunbook/copilot/pkg/contracts"
	"github.com/opsrunbook/copilot/pkg/pipeline"
	"github.com/opsrunbook/copilot/pkg/policy"
	"github.com/opsrunbook/copilot/pkg/recordstore"
	"github.com/opsrunbook/copilot/pkg/reporesolve"
	"github.com/opsrunbook/copilot/pkg/snapshot"
	"github.com/opsrunbook/copilot/pkg/tracker"
	"github.com/opsrunbook/copilot/pkg/webhook"
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type nopEmitter struct{}

func (nopEmitter) Emit(context.Context, string, map[string]any) error { return nil }

type fakeDispatcher struct {
	started []string
}

func (d *fakeDispatcher) StartReviewCycle(_ context.Context, name string, _ *contracts.PRReviewEvent) (string, error) {
	d.started = append(d.started, name)
	return "arn:local:execution/" + name, nil
}

type env struct {
	blobs   *blobstore.MemoryStore
	records *recordstore.MemoryStore
	disp    *fakeDispatcher
	cfg     *config.Config
	server  *Server
	handler http.Handler
}

func newEnv(t *testing.T, mutate func(cfg *config.Config)) *env {
	t.Helper()
	blobs := blobstore.NewMemoryStore("evidence-bucket")
	records := recordstore.NewMemoryStore()
	emitter := nopEmitter{}

	gate, err := policy.NewGate()
	require.NoError(t, err)
	runner := actions.NewRunner(records, emitter,
		tracker.NewDryRunClient(), chat.NewDryRunNotifier(),
		nil, &reporesolve.Resolver{Owner: "org"}, gate,
		actions.Config{AutomationEnabled: true, DryRun: true}, nil).
		WithClock(func() time.Time { return fixedNow })

	runtime := &pipeline.LocalRuntime{
		Snapshots: snapshot.NewPersister(blobs, records, emitter, nil).WithClock(func() time.Time { return fixedNow }),
		Analyzer: analyze.NewAnalyzer(blobs, records, emitter, nil, nil).
			WithClock(func() time.Time { return fixedNow }),
		Actions: runner,
		Blobs:   blobs,
	}

	disp := &fakeDispatcher{}
	hooks := webhook.NewHandler(blobs, records, disp, webhook.Config{Secret: "hush"}, nil).
		WithClock(func() time.Time { return fixedNow })

	cfg := &config.Config{
		MaxTimeWindowMinutes: 15,
		RateLimitPerSecond:   1000,
		RateLimitBurst:       1000,
		GitHubWebhookSecret:  "hush",
	}
	if mutate != nil {
		mutate(cfg)
	}

	counter := 0
	server := NewServer(cfg, blobs, records, runtime, hooks, nil).
		WithClock(func() time.Time { return fixedNow }).
		WithIDs(func() string { counter++; return fmt.Sprintf("00000000-0000-0000-0000-%012d", counter) })

	return &env{
		blobs:   blobs,
		records: records,
		disp:    disp,
		cfg:     cfg,
		server:  server,
		handler: server.Routes(),
	}
}

func (e *env) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, req)
	return w
}

func validEvent() map[string]any {
	return map[string]any{
		"schema_version": contracts.SchemaIncidentEvent,
		"event_id":       "evt-12345678",
		"service":        "checkout",
		"environment":    "prod",
		"severity":       "critical",
		"time_window": map[string]string{
			"start": fixedNow.Add(-10 * time.Minute).Format(time.RFC3339),
			"end":   fixedNow.Format(time.RFC3339),
		},
		"hints": map[string]any{
			"log_groups": []string{"/aws/lambda/checkout"},
		},
	}
}

func TestCreateIncidentUnconfiguredRuntime(t *testing.T) {
	e := newEnv(t, nil)
	e.server.runtime = nil
	e.handler = e.server.Routes()

	w := e.do(t, "POST", "/v1/incidents", validEvent())
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "application/problem+json", w.Header().Get("Content-Type"))
}

func TestCreateIncidentValidation(t *testing.T) {
	e := newEnv(t, nil)

	evt := validEvent()
	evt["event_id"] = "short"
	w := e.do(t, "POST", "/v1/incidents", evt)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	evt = validEvent()
	delete(evt, "hints")
	w = e.do(t, "POST", "/v1/incidents", evt)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = e.do(t, "POST", "/v1/incidents", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code, "empty body")
}

func TestCreateIncidentRunsPipeline(t *testing.T) {
	e := newEnv(t, nil)

	w := e.do(t, "POST", "/v1/incidents", validEvent())
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp CreateIncidentResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.True(t, resp.OK)
	assert.NotEmpty(t, resp.IncidentID)
	assert.Contains(t, resp.ExecutionHandle, "local:")
	assert.False(t, resp.WindowClamped, "10 minute window fits the cap")

	// Local runtime ran synchronously: run, snapshot, packet, plan exist.
	pk := recordstore.IncidentPK(resp.IncidentID)
	item, found, err := e.records.GetRecord(context.Background(), pk, recordstore.RunSK(resp.CollectorRunID))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "RUNNING", item["status"])

	recs, err := e.records.QueryPrefix(context.Background(), pk, recordstore.SKPacketPrefix, nil)
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}

func TestCreateIncidentClampsWindow(t *testing.T) {
	e := newEnv(t, nil)

	evt := validEvent()
	evt["time_window"] = map[string]string{
		"start": fixedNow.Add(-2 * time.Hour).Format(time.RFC3339),
		"end":   fixedNow.Format(time.RFC3339),
	}
	w := e.do(t, "POST", "/v1/incidents", evt)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp CreateIncidentResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.True(t, resp.WindowClamped)
}

func TestRunStatusLocalHandle(t *testing.T) {
	e := newEnv(t, nil)

	w := e.do(t, "POST", "/v1/incidents", validEvent())
	require.Equal(t, http.StatusOK, w.Code)
	var created CreateIncidentResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&created))

	w = e.do(t, "GET", "/v1/incidents/"+created.IncidentID+"/runs/"+created.CollectorRunID, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var status RunStatusResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&status))
	assert.Equal(t, "RUNNING", status.Status)
	assert.Contains(t, status.ExecutionHandle, "local:")

	w = e.do(t, "GET", "/v1/incidents/"+created.IncidentID+"/runs/nope", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestReadEndpointsAfterRun(t *testing.T) {
	e := newEnv(t, nil)

	w := e.do(t, "POST", "/v1/incidents", validEvent())
	require.Equal(t, http.StatusOK, w.Code)
	var created CreateIncidentResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&created))
	base := "/v1/incidents/" + created.IncidentID

	w = e.do(t, "GET", base+"/meta", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var meta map[string]any
	require.NoError(t, json.NewDecoder(w.Body).Decode(&meta))
	assert.Equal(t, "checkout", meta["service"])

	w = e.do(t, "GET", base+"/snapshot/latest", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = e.do(t, "GET", base+"/packet/latest", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var packetResp struct {
		OK     bool                     `json:"ok"`
		Packet contracts.IncidentPacket `json:"packet"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&packetResp))
	assert.Equal(t, created.IncidentID, packetResp.Packet.IncidentID)

	w = e.do(t, "GET", base+"/packet/"+created.CollectorRunID, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = e.do(t, "GET", base+"/packet/other-run", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = e.do(t, "GET", base+"/actions", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = e.do(t, "GET", base+"/actions/latest", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var latest struct {
		OK      bool             `json:"ok"`
		Plan    map[string]any   `json:"plan"`
		Actions []map[string]any `json:"actions"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&latest))
	assert.NotNil(t, latest.Plan)
	assert.Len(t, latest.Actions, 2, "ticket and notify in dry run")
}

func TestReadEndpointsMissingIncident(t *testing.T) {
	e := newEnv(t, nil)

	for _, path := range []string{
		"/v1/incidents/inc-missing/meta",
		"/v1/incidents/inc-missing/snapshot/latest",
		"/v1/incidents/inc-missing/packet/latest",
		"/v1/incidents/inc-missing/actions",
		"/v1/incidents/inc-missing/actions/latest",
	} {
		w := e.do(t, "GET", path, nil)
		assert.Equal(t, http.StatusNotFound, w.Code, path)
	}
}

func TestReplayEndpoint(t *testing.T) {
	e := newEnv(t, nil)

	w := e.do(t, "POST", "/v1/incidents/inc-missing/replay", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = e.do(t, "POST", "/v1/incidents", validEvent())
	require.Equal(t, http.StatusOK, w.Code)
	var created CreateIncidentResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&created))

	w = e.do(t, "POST", "/v1/incidents/"+created.IncidentID+"/replay", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var report pipeline.ReplayReport
	require.NoError(t, json.NewDecoder(w.Body).Decode(&report))
	assert.True(t, report.Match)
	assert.Empty(t, report.Diffs)
}

func signBody(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func webhookPayload() []byte {
	raw, _ := json.Marshal(map[string]any{
		"action":     "created",
		"repository": map[string]any{"full_name": "org/checkout-service"},
		"sender":     map[string]any{"login": "alice"},
		"pull_request": map[string]any{
			"number":   float64(7),
			"html_url": "https://github.com/org/checkout-service/pull/7",
		},
		"comment": map[string]any{
			"body":     "please fix this",
			"html_url": "https://github.com/org/checkout-service/pull/7#discussion_r1",
		},
	})
	return raw
}

func TestWebhookEndpoint(t *testing.T) {
	e := newEnv(t, nil)
	body := webhookPayload()

	post := func(signature, event, delivery string) *httptest.ResponseRecorder {
		req := httptest.NewRequest("POST", "/v1/webhooks/github", bytes.NewReader(body))
		if signature != "" {
			req.Header.Set("X-Hub-Signature-256", signature)
		}
		req.Header.Set("X-GitHub-Event", event)
		req.Header.Set("X-GitHub-Delivery", delivery)
		w := httptest.NewRecorder()
		e.handler.ServeHTTP(w, req)
		return w
	}

	w := post("sha256=deadbeef", "pull_request_review_comment", "dlv-1")
	assert.Equal(t, http.StatusUnauthorized, w.Code, "bad signature")

	w = post(signBody(body, "hush"), "pull_request_review_comment", "")
	assert.Equal(t, http.StatusBadRequest, w.Code, "missing delivery header")

	w = post(signBody(body, "hush"), "pull_request_review_comment", "dlv-1")
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	var result webhook.Result
	require.NoError(t, json.NewDecoder(w.Body).Decode(&result))
	assert.Equal(t, webhook.StatusAccepted, result.Status)
	assert.Equal(t, []string{"pr-review-dlv-1"}, e.disp.started)

	// Same delivery again: idempotent, no new dispatch.
	w = post(signBody(body, "hush"), "pull_request_review_comment", "dlv-1")
	require.Equal(t, http.StatusAccepted, w.Code)
	require.NoError(t, json.NewDecoder(w.Body).Decode(&result))
	assert.Equal(t, webhook.StatusAlreadyProcessed, result.Status)
	assert.Len(t, e.disp.started, 1)
}

func TestHealthReportsUnconfigured(t *testing.T) {
	e := newEnv(t, nil)

	w := e.do(t, "GET", "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var health struct {
		OK         bool              `json:"ok"`
		Version    string            `json:"version"`
		Components map[string]string `json:"components"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&health))
	assert.True(t, health.OK)
	assert.NotEmpty(t, health.Version)
	assert.Equal(t, "(not configured)", health.Components["evidence_bucket"])
	assert.Equal(t, "configured", health.Components["webhook_secret"])
}

func TestDebugPersistBehindFlag(t *testing.T) {
	e := newEnv(t, nil)
	w := e.do(t, "POST", "/debug/persist", nil)
	assert.Equal(t, http.StatusNotFound, w.Code, "disabled by default")

	e = newEnv(t, func(cfg *config.Config) { cfg.DebugPersist = true })
	w = e.do(t, "POST", "/debug/persist", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp map[string]any
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, true, resp["ok"])
	assert.NotEmpty(t, resp["snapshot_sk"])
}
