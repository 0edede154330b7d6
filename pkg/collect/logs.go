package collect

import (
	"context"
	"log/slog"
	"time"

	"github.com/opsrunbook/copilot/pkg/blobstore"
	"github.com/opsrunbook/copilot/pkg/cloudwatch"
	"github.com/opsrunbook/copilot/pkg/contracts"
	"github.com/opsrunbook/copilot/pkg/events"
	"github.com/opsrunbook/copilot/pkg/redact"
)

// Per-query row limits for the two analytic queries.
const (
	RecentErrorsLimit = 50
	TopErrorsLimit    = 20
)

// PollDeadline bounds each analytic query end to end.
const PollDeadline = 30 * time.Second

// LogsCollector runs the two fixed error queries over the hinted log
// groups and persists the redacted result.
type LogsCollector struct {
	insights *cloudwatch.InsightsClient
	store    blobstore.Store
	emitter  events.Emitter
	log      *slog.Logger
	clock    func() time.Time
}

// NewLogsCollector wires a logs collector.
func NewLogsCollector(insights *cloudwatch.InsightsClient, store blobstore.Store, emitter events.Emitter, log *slog.Logger) *LogsCollector {
	return &LogsCollector{
		insights: insights,
		store:    store,
		emitter:  emitter,
		log:      componentLogger(log, "collector.logs"),
		clock:    defaultClock,
	}
}

// WithClock replaces the clock; used by tests.
func (c *LogsCollector) WithClock(clock func() time.Time) *LogsCollector {
	c.clock = clock
	return c
}

// Collect runs both queries, redacts every string field before sizing,
// enforces the budget, writes the blob, and emits evidence.collected.
func (c *LogsCollector) Collect(ctx context.Context, in Input) contracts.CollectorResult {
	if len(in.Hints.LogGroups) == 0 {
		return skippedResult(contracts.CollectorLogs)
	}

	recent, err := c.runQuery(ctx, in, cloudwatch.RecentErrorsQuery, RecentErrorsLimit)
	if err != nil {
		return failedResult(contracts.CollectorLogs, err)
	}
	top, err := c.runQuery(ctx, in, cloudwatch.TopErrorsQuery, TopErrorsLimit)
	if err != nil {
		return failedResult(contracts.CollectorLogs, err)
	}

	evidence := contracts.LogsEvidence{
		SchemaVersion:  contracts.SchemaEvidence,
		CollectorType:  contracts.CollectorLogs,
		IncidentID:     in.IncidentID,
		CollectorRunID: in.CollectorRunID,
		CreatedAt:      c.clock(),
		TimeWindow:     in.TimeWindow,
		LogGroups:      in.Hints.LogGroups,
		Sections: []contracts.Section{
			{Name: "recent_errors", Rows: redactRows(recent.Rows)},
			{Name: "top_errors", Rows: redactRows(top.Rows)},
		},
	}

	// Row cap, then the byte budget as a last resort.
	for i := range evidence.Sections {
		if len(evidence.Sections[i].Rows) > MaxSectionRows {
			evidence.Sections[i].Rows = evidence.Sections[i].Rows[:MaxSectionRows]
			evidence.Truncated = true
		}
	}
	size, err := byteSize(evidence)
	if err != nil {
		return failedResult(contracts.CollectorLogs, err)
	}
	if size > MaxBlobBytes {
		for i := range evidence.Sections {
			evidence.Sections[i] = contracts.Section{
				Name: evidence.Sections[i].Name,
				Note: "Dropped due to size budget",
			}
		}
		evidence.Truncated = true
	}

	key := blobstore.EvidenceKey(in.IncidentID, in.CollectorRunID, contracts.CollectorLogs)
	put, err := c.store.PutJSON(ctx, key, evidence)
	if err != nil {
		return failedResult(contracts.CollectorLogs, err)
	}

	ref := &contracts.EvidenceRef{
		CollectorType: contracts.CollectorLogs,
		Bucket:        put.Bucket,
		Key:           put.Key,
		SHA256:        put.SHA256,
		ByteSize:      put.ByteSize,
		Truncated:     evidence.Truncated,
	}
	events.EmitBestEffort(ctx, c.emitter, c.log, events.EvidenceCollected,
		events.CollectedDetail(in.IncidentID, in.CollectorRunID, in.Service, ref, in.TimeWindow, c.clock()))

	return contracts.CollectorResult{CollectorType: contracts.CollectorLogs, EvidenceRef: ref}
}

func (c *LogsCollector) runQuery(ctx context.Context, in Input, query string, limit int32) (cloudwatch.QueryResult, error) {
	queryID, err := c.insights.StartQuery(ctx, in.Hints.LogGroups, query, in.TimeWindow, limit)
	if err != nil {
		return cloudwatch.QueryResult{}, err
	}
	result, err := c.insights.WaitForResults(ctx, queryID, PollDeadline)
	if err != nil {
		return cloudwatch.QueryResult{}, err
	}
	if result.Status != cloudwatch.StatusComplete {
		c.log.Warn("analytic query did not complete", "status", result.Status, "rows", len(result.Rows))
	}
	return result, nil
}

func redactRows(rows []map[string]any) []map[string]any {
	out := make([]map[string]any, 0, len(rows))
	for _, row := range rows {
		redacted, _ := redact.Value(row).(map[string]any)
		out = append(out, redacted)
	}
	return out
}
