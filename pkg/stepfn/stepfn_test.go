package stepfn

import (
	"context"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sfn"
	sfntypes "github.com/aws/aws-sdk-go-v2/service/sfn/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsrunbook/copilot/pkg/contracts"
)

type fakeSFN struct {
	startErr    error
	listPages   map[string][]*sfn.ListExecutionsOutput
	listCalls   map[string]int
	described   []string
	historyEvts []sfntypes.HistoryEvent
}

func (f *fakeSFN) StartExecution(_ context.Context, in *sfn.StartExecutionInput, _ ...func(*sfn.Options)) (*sfn.StartExecutionOutput, error) {
	if f.startErr != nil {
		return nil, f.startErr
	}
	return &sfn.StartExecutionOutput{ExecutionArn: aws.String("arn:exec:" + aws.ToString(in.Name))}, nil
}

func (f *fakeSFN) DescribeExecution(_ context.Context, in *sfn.DescribeExecutionInput, _ ...func(*sfn.Options)) (*sfn.DescribeExecutionOutput, error) {
	f.described = append(f.described, aws.ToString(in.ExecutionArn))
	return &sfn.DescribeExecutionOutput{
		ExecutionArn:    in.ExecutionArn,
		StateMachineArn: aws.String("arn:sm:peer"),
		Status:          sfntypes.ExecutionStatusFailed,
		Error:           aws.String("States.TaskFailed"),
		Cause:           aws.String("boom"),
	}, nil
}

func (f *fakeSFN) GetExecutionHistory(_ context.Context, _ *sfn.GetExecutionHistoryInput, _ ...func(*sfn.Options)) (*sfn.GetExecutionHistoryOutput, error) {
	return &sfn.GetExecutionHistoryOutput{Events: f.historyEvts}, nil
}

func (f *fakeSFN) ListExecutions(_ context.Context, in *sfn.ListExecutionsInput, _ ...func(*sfn.Options)) (*sfn.ListExecutionsOutput, error) {
	key := aws.ToString(in.StateMachineArn) + "|" + string(in.StatusFilter)
	if f.listCalls == nil {
		f.listCalls = map[string]int{}
	}
	pages := f.listPages[key]
	idx := f.listCalls[key]
	f.listCalls[key]++
	if idx >= len(pages) {
		return &sfn.ListExecutionsOutput{}, nil
	}
	return pages[idx], nil
}

func TestStartExecutionCollisionIsSuccess(t *testing.T) {
	fake := &fakeSFN{startErr: &sfntypes.ExecutionAlreadyExists{Message: aws.String("exists")}}
	client := NewClientWithAPI(fake)

	arn, already, err := client.StartExecution(context.Background(), "arn:aws:states:us-east-1:1:stateMachine:pipeline", "pr-review-d1", map[string]any{})
	require.NoError(t, err)
	assert.True(t, already)
	assert.Equal(t, "arn:aws:states:us-east-1:1:execution:pipeline:pr-review-d1", arn)
}

func TestStartExecutionSuccess(t *testing.T) {
	client := NewClientWithAPI(&fakeSFN{})
	arn, already, err := client.StartExecution(context.Background(), "arn:sm", "run-1", map[string]any{"k": "v"})
	require.NoError(t, err)
	assert.False(t, already)
	assert.Equal(t, "arn:exec:run-1", arn)
}

func TestIsFailureStatus(t *testing.T) {
	assert.True(t, IsFailureStatus("FAILED"))
	assert.True(t, IsFailureStatus("TIMED_OUT"))
	assert.True(t, IsFailureStatus("ABORTED"))
	assert.False(t, IsFailureStatus("RUNNING"))
	assert.False(t, IsFailureStatus("SUCCEEDED"))
}

func TestGetFailedExecutionsWindowAndEarlyStop(t *testing.T) {
	end := time.Date(2026, 2, 15, 12, 0, 0, 0, time.UTC)
	window := contracts.TimeWindow{Start: end.Add(-15 * time.Minute), End: end}

	inWindow := sfntypes.ExecutionListItem{
		ExecutionArn: aws.String("arn:exec:in"),
		Name:         aws.String("in"),
		Status:       sfntypes.ExecutionStatusFailed,
		StartDate:    aws.Time(end.Add(-5 * time.Minute)),
	}
	tooOld := sfntypes.ExecutionListItem{
		ExecutionArn: aws.String("arn:exec:old"),
		Name:         aws.String("old"),
		Status:       sfntypes.ExecutionStatusFailed,
		StartDate:    aws.Time(end.Add(-30 * time.Minute)),
	}

	fake := &fakeSFN{listPages: map[string][]*sfn.ListExecutionsOutput{
		"arn:sm:peer|FAILED": {
			{
				Executions: []sfntypes.ExecutionListItem{inWindow, tooOld},
				// a next token that must never be followed: the page scan
				// stops at the first execution older than the window
				NextToken: aws.String("more"),
			},
		},
	}}
	client := NewClientWithAPI(fake)

	execs, truncated, err := client.GetFailedExecutions(context.Background(), []string{"arn:sm:peer"}, window, 20)
	require.NoError(t, err)
	assert.False(t, truncated)
	require.Len(t, execs, 1)
	assert.Equal(t, "arn:exec:in", execs[0].ExecutionARN)
	assert.Equal(t, 1, fake.listCalls["arn:sm:peer|FAILED"], "early stop before following NextToken")
	assert.Equal(t, "States.TaskFailed", execs[0].Error, "enriched from describe")
}

func TestGetFailedExecutionsCap(t *testing.T) {
	end := time.Date(2026, 2, 15, 12, 0, 0, 0, time.UTC)
	window := contracts.TimeWindow{Start: end.Add(-15 * time.Minute), End: end}

	var items []sfntypes.ExecutionListItem
	for i := 0; i < 5; i++ {
		items = append(items, sfntypes.ExecutionListItem{
			ExecutionArn: aws.String("arn:exec:" + string(rune('a'+i))),
			Status:       sfntypes.ExecutionStatusFailed,
			StartDate:    aws.Time(end.Add(-time.Duration(i+1) * time.Minute)),
		})
	}
	fake := &fakeSFN{listPages: map[string][]*sfn.ListExecutionsOutput{
		"arn:sm:peer|FAILED": {{Executions: items}},
	}}
	client := NewClientWithAPI(fake)

	execs, truncated, err := client.GetFailedExecutions(context.Background(), []string{"arn:sm:peer"}, window, 2)
	require.NoError(t, err)
	assert.True(t, truncated)
	require.Len(t, execs, 2)
	assert.Greater(t, execs[0].StartDate, execs[1].StartDate, "newest first")
}

func TestLastFailedStateInference(t *testing.T) {
	// failure event without a usable name falls back to the nearest prior
	// TaskStateEntered in newest-first order
	events := []sfntypes.HistoryEvent{
		{Type: sfntypes.HistoryEventTypeExecutionFailed, ExecutionFailedEventDetails: &sfntypes.ExecutionFailedEventDetails{Error: aws.String("States.Runtime")}},
		{Type: sfntypes.HistoryEventTypeTaskStateEntered, StateEnteredEventDetails: &sfntypes.StateEnteredEventDetails{Name: aws.String("AnalyzeStep")}},
	}
	assert.Equal(t, "AnalyzeStep", lastFailedState(events))

	// no entered event anywhere: the event type itself is returned
	only := []sfntypes.HistoryEvent{{Type: sfntypes.HistoryEventTypeExecutionAborted}}
	assert.Equal(t, "ExecutionAborted", lastFailedState(only))

	// no failure event at all
	assert.Equal(t, "", lastFailedState([]sfntypes.HistoryEvent{{Type: sfntypes.HistoryEventTypeTaskStateEntered}}))
}

func TestDescribeOrchestrator(t *testing.T) {
	fake := &fakeSFN{historyEvts: []sfntypes.HistoryEvent{
		{Type: sfntypes.HistoryEventTypeExecutionFailed, ExecutionFailedEventDetails: &sfntypes.ExecutionFailedEventDetails{Error: aws.String("boom")}},
		{Type: sfntypes.HistoryEventTypeTaskStateEntered, StateEnteredEventDetails: &sfntypes.StateEnteredEventDetails{Name: aws.String("CollectLogs")}},
	}}
	client := NewClientWithAPI(fake)

	orch, err := client.DescribeOrchestrator(context.Background(), "arn:exec:self")
	require.NoError(t, err)
	assert.Equal(t, "FAILED", orch.Status)
	assert.Equal(t, "CollectLogs", orch.LastFailedState)
	assert.Len(t, orch.HistoryTail, 2)
}
