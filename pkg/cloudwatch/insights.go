// Package cloudwatch wraps the two observability-plane query APIs the
// collectors use: Logs Insights (bounded analytic queries with polling) and
// metric data retrieval (bounded series with period auto-selection).
package cloudwatch

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"

	"github.com/opsrunbook/copilot/pkg/contracts"
)

// The two fixed analytic queries the logs collector runs.
const (
	TopErrorsQuery = `fields @timestamp, @message
| filter @message like /ERROR|Error|Exception|Traceback/
| stats count() as cnt by @message
| sort cnt desc
| limit 20`

	RecentErrorsQuery = `fields @timestamp, @message, @logStream
| filter @message like /ERROR|Error|Exception|Traceback/
| sort @timestamp desc
| limit 50`
)

// Terminal Insights query statuses. ClientTimeout is synthesized when our
// own deadline expires first.
const (
	StatusComplete      = "Complete"
	StatusFailed        = "Failed"
	StatusCancelled     = "Cancelled"
	StatusTimeout       = "Timeout"
	StatusClientTimeout = "ClientTimeout"
)

// LogsAPI is the slice of the CloudWatch Logs client the wrapper uses.
type LogsAPI interface {
	StartQuery(ctx context.Context, params *cloudwatchlogs.StartQueryInput, optFns ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.StartQueryOutput, error)
	GetQueryResults(ctx context.Context, params *cloudwatchlogs.GetQueryResultsInput, optFns ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.GetQueryResultsOutput, error)
}

// QueryResult is one finished (or abandoned) Insights query.
type QueryResult struct {
	QueryID string
	Status  string
	Rows    []map[string]any
}

// InsightsClient runs Logs Insights queries with an explicit deadline.
type InsightsClient struct {
	client       LogsAPI
	pollInterval time.Duration
	sleep        func(time.Duration)
	clock        func() time.Time
}

// NewInsightsClient builds a client from ambient AWS credentials.
func NewInsightsClient(ctx context.Context, region string) (*InsightsClient, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("cloudwatch: load AWS config: %w", err)
	}
	return NewInsightsClientWithAPI(cloudwatchlogs.NewFromConfig(awsCfg)), nil
}

// NewInsightsClientWithAPI wires an existing client; used by tests.
func NewInsightsClientWithAPI(api LogsAPI) *InsightsClient {
	return &InsightsClient{
		client:       api,
		pollInterval: time.Second,
		sleep:        time.Sleep,
		clock:        time.Now,
	}
}

// WithClock overrides the time source and sleeper; used by tests.
func (c *InsightsClient) WithClock(clock func() time.Time, sleep func(time.Duration)) *InsightsClient {
	c.clock = clock
	c.sleep = sleep
	return c
}

// StartQuery submits one query over the given log groups and window.
func (c *InsightsClient) StartQuery(ctx context.Context, logGroups []string, query string, window contracts.TimeWindow, limit int32) (string, error) {
	out, err := c.client.StartQuery(ctx, &cloudwatchlogs.StartQueryInput{
		LogGroupNames: logGroups,
		QueryString:   aws.String(query),
		StartTime:     aws.Int64(window.Start.Unix()),
		EndTime:       aws.Int64(window.End.Unix()),
		Limit:         aws.Int32(limit),
	})
	if err != nil {
		return "", fmt.Errorf("cloudwatch: start query: %w", err)
	}
	return aws.ToString(out.QueryId), nil
}

// WaitForResults polls every pollInterval until a terminal status or the
// timeout elapses. On client timeout the last partial rows are returned with
// status ClientTimeout.
func (c *InsightsClient) WaitForResults(ctx context.Context, queryID string, timeout time.Duration) (QueryResult, error) {
	deadline := c.clock().Add(timeout)
	var last *cloudwatchlogs.GetQueryResultsOutput

	for c.clock().Before(deadline) {
		out, err := c.client.GetQueryResults(ctx, &cloudwatchlogs.GetQueryResultsInput{
			QueryId: aws.String(queryID),
		})
		if err != nil {
			return QueryResult{}, fmt.Errorf("cloudwatch: get query results: %w", err)
		}
		last = out
		status := string(out.Status)
		switch status {
		case StatusComplete, StatusFailed, StatusCancelled, StatusTimeout:
			return QueryResult{QueryID: queryID, Status: status, Rows: normalizeRows(out)}, nil
		}
		c.sleep(c.pollInterval)
	}

	if last == nil {
		out, err := c.client.GetQueryResults(ctx, &cloudwatchlogs.GetQueryResultsInput{
			QueryId: aws.String(queryID),
		})
		if err != nil {
			return QueryResult{}, fmt.Errorf("cloudwatch: get query results: %w", err)
		}
		last = out
	}
	return QueryResult{QueryID: queryID, Status: StatusClientTimeout, Rows: normalizeRows(last)}, nil
}

// normalizeRows flattens the field/value cell lists into one map per row.
func normalizeRows(out *cloudwatchlogs.GetQueryResultsOutput) []map[string]any {
	rows := make([]map[string]any, 0, len(out.Results))
	for _, cells := range out.Results {
		row := make(map[string]any, len(cells))
		for _, cell := range cells {
			if cell.Field != nil {
				row[*cell.Field] = aws.ToString(cell.Value)
			}
		}
		rows = append(rows, row)
	}
	return rows
}
