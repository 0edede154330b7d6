package cloudwatch

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	cw "github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"github.com/opsrunbook/copilot/pkg/contracts"
)

// Output caps. Exceeding either sets the truncated bit.
const (
	MaxMetricQueries    = 20
	MaxMetricDataPoints = 500
)

// validPeriods are the period steps the backend accepts for long ranges.
var validPeriods = []int32{60, 300, 900, 3600, 21600, 86400}

// AutoPeriod picks the smallest valid period that keeps the series at or
// under about desiredPoints data points across the window.
func AutoPeriod(window contracts.TimeWindow, desiredPoints int) int32 {
	span := int64(window.Span().Seconds())
	if span <= 0 {
		return 60
	}
	raw := span / int64(desiredPoints)
	for _, p := range validPeriods {
		if int64(p) >= raw {
			return p
		}
	}
	return 86400
}

// MetricsAPI is the slice of the CloudWatch client the wrapper uses.
type MetricsAPI interface {
	GetMetricData(ctx context.Context, params *cw.GetMetricDataInput, optFns ...func(*cw.Options)) (*cw.GetMetricDataOutput, error)
}

// MetricsResult is the bounded output of one fetch.
type MetricsResult struct {
	Series    []contracts.MetricSeries
	Truncated bool
}

// MetricsClient fetches bounded metric series.
type MetricsClient struct {
	client MetricsAPI
}

// NewMetricsClient builds a client from ambient AWS credentials.
func NewMetricsClient(ctx context.Context, region string) (*MetricsClient, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("cloudwatch: load AWS config: %w", err)
	}
	return NewMetricsClientWithAPI(cw.NewFromConfig(awsCfg)), nil
}

// NewMetricsClientWithAPI wires an existing client; used by tests.
func NewMetricsClientWithAPI(api MetricsAPI) *MetricsClient {
	return &MetricsClient{client: api}
}

// GetMetricData runs the hint queries over the window. Queries beyond
// MaxMetricQueries are dropped; series beyond MaxMetricDataPoints are cut.
// Pagination follows NextToken until exhausted.
func (c *MetricsClient) GetMetricData(ctx context.Context, queries []contracts.MetricQueryHint, window contracts.TimeWindow) (MetricsResult, error) {
	if len(queries) == 0 {
		return MetricsResult{}, nil
	}
	bounded := queries
	truncated := false
	if len(bounded) > MaxMetricQueries {
		bounded = bounded[:MaxMetricQueries]
		truncated = true
	}

	dataQueries := make([]cwtypes.MetricDataQuery, 0, len(bounded))
	periods := make([]int32, len(bounded))
	for i, q := range bounded {
		period := q.Period
		if period < 60 {
			period = AutoPeriod(window, 300)
		}
		periods[i] = period
		stat := q.Stat
		if stat == "" {
			stat = "Average"
		}
		dims := make([]cwtypes.Dimension, 0, len(q.Dimensions))
		for name, value := range q.Dimensions {
			dims = append(dims, cwtypes.Dimension{Name: aws.String(name), Value: aws.String(value)})
		}
		dataQueries = append(dataQueries, cwtypes.MetricDataQuery{
			Id: aws.String(fmt.Sprintf("m%d", i)),
			MetricStat: &cwtypes.MetricStat{
				Metric: &cwtypes.Metric{
					Namespace:  aws.String(q.Namespace),
					MetricName: aws.String(q.MetricName),
					Dimensions: dims,
				},
				Period: aws.Int32(period),
				Stat:   aws.String(stat),
			},
			ReturnData: aws.Bool(true),
		})
	}

	var results []cwtypes.MetricDataResult
	var nextToken *string
	for {
		out, err := c.client.GetMetricData(ctx, &cw.GetMetricDataInput{
			MetricDataQueries: dataQueries,
			StartTime:         aws.Time(window.Start),
			EndTime:           aws.Time(window.End),
			NextToken:         nextToken,
		})
		if err != nil {
			return MetricsResult{}, fmt.Errorf("cloudwatch: get metric data: %w", err)
		}
		results = append(results, out.MetricDataResults...)
		if out.NextToken == nil {
			break
		}
		nextToken = out.NextToken
	}

	series := make([]contracts.MetricSeries, 0, len(results))
	for _, r := range results {
		idx := queryIndex(aws.ToString(r.Id))
		if idx < 0 || idx >= len(bounded) {
			idx = 0
		}
		q := bounded[idx]

		timestamps := make([]string, 0, len(r.Timestamps))
		for _, ts := range r.Timestamps {
			timestamps = append(timestamps, ts.UTC().Format(time.RFC3339))
		}
		values := r.Values

		seriesTruncated := len(values) > MaxMetricDataPoints
		if seriesTruncated {
			timestamps = timestamps[:MaxMetricDataPoints]
			values = values[:MaxMetricDataPoints]
			truncated = true
		}

		stat := q.Stat
		if stat == "" {
			stat = "Average"
		}
		series = append(series, contracts.MetricSeries{
			Namespace:  q.Namespace,
			MetricName: q.MetricName,
			Dimensions: q.Dimensions,
			Stat:       stat,
			Period:     periods[idx],
			Timestamps: timestamps,
			Values:     values,
			Summary:    Summarize(values),
			Truncated:  seriesTruncated,
		})
	}

	return MetricsResult{Series: series, Truncated: truncated}, nil
}

// Summarize computes min/max/avg/count over the kept points, rounded to six
// decimal places.
func Summarize(values []float64) contracts.MetricSummary {
	if len(values) == 0 {
		return contracts.MetricSummary{}
	}
	min, max, sum := values[0], values[0], 0.0
	for _, v := range values {
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
		sum += v
	}
	return contracts.MetricSummary{
		Min:   round6(min),
		Max:   round6(max),
		Avg:   round6(sum / float64(len(values))),
		Count: len(values),
	}
}

func round6(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}

func queryIndex(id string) int {
	if len(id) < 2 || id[0] != 'm' {
		return -1
	}
	n := 0
	for _, r := range id[1:] {
		if r < '0' || r > '9' {
			return -1
		}
		n = n*10 + int(r-'0')
	}
	return n
}
