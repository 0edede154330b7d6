package collect

import (
	"context"
	"log/slog"
	"time"

	"github.com/opsrunbook/copilot/pkg/blobstore"
	"github.com/opsrunbook/copilot/pkg/cloudwatch"
	"github.com/opsrunbook/copilot/pkg/contracts"
	"github.com/opsrunbook/copilot/pkg/events"
)

// MetricsCollector fetches the hinted metric series and persists them with
// per-series summaries.
type MetricsCollector struct {
	metrics *cloudwatch.MetricsClient
	store   blobstore.Store
	emitter events.Emitter
	log     *slog.Logger
	clock   func() time.Time
}

// NewMetricsCollector wires a metrics collector.
func NewMetricsCollector(metrics *cloudwatch.MetricsClient, store blobstore.Store, emitter events.Emitter, log *slog.Logger) *MetricsCollector {
	return &MetricsCollector{
		metrics: metrics,
		store:   store,
		emitter: emitter,
		log:     componentLogger(log, "collector.metrics"),
		clock:   defaultClock,
	}
}

// WithClock replaces the clock; used by tests.
func (c *MetricsCollector) WithClock(clock func() time.Time) *MetricsCollector {
	c.clock = clock
	return c
}

// Collect fetches all hinted series, then halves every series repeatedly
// until the blob fits the byte budget.
func (c *MetricsCollector) Collect(ctx context.Context, in Input) contracts.CollectorResult {
	if len(in.Hints.MetricQueries) == 0 {
		return skippedResult(contracts.CollectorMetrics)
	}

	fetched, err := c.metrics.GetMetricData(ctx, in.Hints.MetricQueries, in.TimeWindow)
	if err != nil {
		return failedResult(contracts.CollectorMetrics, err)
	}

	evidence := contracts.MetricsEvidence{
		SchemaVersion:  contracts.SchemaEvidence,
		CollectorType:  contracts.CollectorMetrics,
		IncidentID:     in.IncidentID,
		CollectorRunID: in.CollectorRunID,
		CreatedAt:      c.clock(),
		TimeWindow:     in.TimeWindow,
		Series:         fetched.Series,
		Truncated:      fetched.Truncated,
	}

	for {
		size, err := byteSize(evidence)
		if err != nil {
			return failedResult(contracts.CollectorMetrics, err)
		}
		if size <= MaxBlobBytes {
			break
		}
		if !halveSeries(evidence.Series) {
			break
		}
		evidence.Truncated = true
	}

	key := blobstore.EvidenceKey(in.IncidentID, in.CollectorRunID, contracts.CollectorMetrics)
	put, err := c.store.PutJSON(ctx, key, evidence)
	if err != nil {
		return failedResult(contracts.CollectorMetrics, err)
	}

	ref := &contracts.EvidenceRef{
		CollectorType: contracts.CollectorMetrics,
		Bucket:        put.Bucket,
		Key:           put.Key,
		SHA256:        put.SHA256,
		ByteSize:      put.ByteSize,
		Truncated:     evidence.Truncated,
	}
	events.EmitBestEffort(ctx, c.emitter, c.log, events.EvidenceCollected,
		events.CollectedDetail(in.IncidentID, in.CollectorRunID, in.Service, ref, in.TimeWindow, c.clock()))

	return contracts.CollectorResult{CollectorType: contracts.CollectorMetrics, EvidenceRef: ref}
}

// halveSeries drops the back half of every non-empty series and refreshes
// its summary. Returns false once there is nothing left to drop.
func halveSeries(series []contracts.MetricSeries) bool {
	shrunk := false
	for i := range series {
		n := len(series[i].Values)
		if n == 0 {
			continue
		}
		half := n / 2
		series[i].Values = series[i].Values[:half]
		if len(series[i].Timestamps) > half {
			series[i].Timestamps = series[i].Timestamps[:half]
		}
		series[i].Summary = cloudwatch.Summarize(series[i].Values)
		series[i].Truncated = true
		shrunk = true
	}
	return shrunk
}
