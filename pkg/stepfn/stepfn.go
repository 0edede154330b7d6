// Package stepfn is the workflow-runtime gateway: it starts pipeline and
// review-cycle executions, reads execution status, and collects failed peer
// executions for the workflow collector.
package stepfn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sfn"
	sfntypes "github.com/aws/aws-sdk-go-v2/service/sfn/types"

	"github.com/opsrunbook/copilot/pkg/contracts"
)

// Bounds on collected data.
const (
	MaxFailedExecutions = 20
	MaxHistoryEvents    = 50
	MaxErrorLength      = 1000
)

// FailureStatuses are the terminal statuses the workflow collector reports.
var FailureStatuses = []sfntypes.ExecutionStatus{
	sfntypes.ExecutionStatusFailed,
	sfntypes.ExecutionStatusTimedOut,
	sfntypes.ExecutionStatusAborted,
}

// IsFailureStatus reports whether status is FAILED, TIMED_OUT or ABORTED.
func IsFailureStatus(status string) bool {
	switch status {
	case "FAILED", "TIMED_OUT", "ABORTED":
		return true
	}
	return false
}

// API is the slice of the Step Functions client this package uses.
type API interface {
	StartExecution(ctx context.Context, params *sfn.StartExecutionInput, optFns ...func(*sfn.Options)) (*sfn.StartExecutionOutput, error)
	DescribeExecution(ctx context.Context, params *sfn.DescribeExecutionInput, optFns ...func(*sfn.Options)) (*sfn.DescribeExecutionOutput, error)
	GetExecutionHistory(ctx context.Context, params *sfn.GetExecutionHistoryInput, optFns ...func(*sfn.Options)) (*sfn.GetExecutionHistoryOutput, error)
	ListExecutions(ctx context.Context, params *sfn.ListExecutionsInput, optFns ...func(*sfn.Options)) (*sfn.ListExecutionsOutput, error)
}

// Client wraps the workflow runtime.
type Client struct {
	client API
}

// NewClient builds a client from ambient AWS credentials.
func NewClient(ctx context.Context, region string) (*Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("stepfn: load AWS config: %w", err)
	}
	return NewClientWithAPI(sfn.NewFromConfig(awsCfg)), nil
}

// NewClientWithAPI wires an existing client; used by tests.
func NewClientWithAPI(api API) *Client {
	return &Client{client: api}
}

// StartExecution starts one named execution with a JSON input. Execution
// names are deterministic, so a name collision means the work is already
// running; that is reported as alreadyStarted, not as an error.
func (c *Client) StartExecution(ctx context.Context, stateMachineARN, name string, input any) (arn string, alreadyStarted bool, err error) {
	body, err := json.Marshal(input)
	if err != nil {
		return "", false, fmt.Errorf("stepfn: marshal input: %w", err)
	}
	out, err := c.client.StartExecution(ctx, &sfn.StartExecutionInput{
		StateMachineArn: aws.String(stateMachineARN),
		Name:            aws.String(name),
		Input:           aws.String(string(body)),
	})
	if err != nil {
		var exists *sfntypes.ExecutionAlreadyExists
		if errors.As(err, &exists) {
			return executionARN(stateMachineARN, name), true, nil
		}
		return "", false, fmt.Errorf("stepfn: start execution %s: %w", name, err)
	}
	return aws.ToString(out.ExecutionArn), false, nil
}

// executionARN reconstructs the ARN of a named execution from its state
// machine ARN (…:stateMachine:Name → …:execution:Name:execName).
func executionARN(stateMachineARN, name string) string {
	return strings.Replace(stateMachineARN, ":stateMachine:", ":execution:", 1) + ":" + name
}

// ExecutionStatus is the subset of DescribeExecution the API layer serves.
type ExecutionStatus struct {
	ExecutionARN string
	Status       string
	Error        string
	Cause        string
	Output       string
}

// DescribeExecution fetches one execution's status and failure details.
func (c *Client) DescribeExecution(ctx context.Context, executionARN string) (ExecutionStatus, error) {
	out, err := c.client.DescribeExecution(ctx, &sfn.DescribeExecutionInput{
		ExecutionArn: aws.String(executionARN),
	})
	if err != nil {
		return ExecutionStatus{}, fmt.Errorf("stepfn: describe execution: %w", err)
	}
	return ExecutionStatus{
		ExecutionARN: aws.ToString(out.ExecutionArn),
		Status:       string(out.Status),
		Error:        truncate(aws.ToString(out.Error), MaxErrorLength),
		Cause:        truncate(aws.ToString(out.Cause), MaxErrorLength),
		Output:       aws.ToString(out.Output),
	}, nil
}

// DescribeOrchestrator builds the orchestrator section of the workflow
// evidence: execution status plus a reverse-order history tail and the
// inferred last failed state.
func (c *Client) DescribeOrchestrator(ctx context.Context, executionARN string) (*contracts.OrchestratorExecution, error) {
	desc, err := c.client.DescribeExecution(ctx, &sfn.DescribeExecutionInput{
		ExecutionArn: aws.String(executionARN),
	})
	if err != nil {
		return nil, fmt.Errorf("stepfn: describe orchestrator: %w", err)
	}

	orch := &contracts.OrchestratorExecution{
		ExecutionARN:    aws.ToString(desc.ExecutionArn),
		StateMachineARN: aws.ToString(desc.StateMachineArn),
		Status:          string(desc.Status),
		Error:           truncate(aws.ToString(desc.Error), MaxErrorLength),
		Cause:           truncate(aws.ToString(desc.Cause), MaxErrorLength),
	}
	if desc.StartDate != nil {
		orch.StartDate = desc.StartDate.UTC().Format(time.RFC3339)
	}
	if desc.StopDate != nil {
		orch.StopDate = desc.StopDate.UTC().Format(time.RFC3339)
	}

	events, err := c.historyTail(ctx, executionARN)
	if err != nil {
		// history is enrichment only; the describe result stands alone
		return orch, nil
	}
	orch.HistoryTail = toHistoryEvents(events)
	orch.LastFailedState = lastFailedState(events)
	return orch, nil
}

// GetFailedExecutions lists failed peer executions inside the window across
// the given state machines, newest first, capped at max. Listing pages stop
// early at the first execution older than the window start.
func (c *Client) GetFailedExecutions(ctx context.Context, stateMachineARNs []string, window contracts.TimeWindow, max int) ([]contracts.FailedExecution, bool, error) {
	if len(stateMachineARNs) == 0 {
		return nil, false, nil
	}
	if max <= 0 {
		max = MaxFailedExecutions
	}

	var all []contracts.FailedExecution
	for _, arn := range stateMachineARNs {
		for _, status := range FailureStatuses {
			found, err := c.listExecutions(ctx, arn, status, window)
			if err != nil {
				return nil, false, err
			}
			all = append(all, found...)
		}
	}

	sort.SliceStable(all, func(i, j int) bool { return all[i].StartDate > all[j].StartDate })

	truncated := len(all) > max
	if truncated {
		all = all[:max]
	}

	for i := range all {
		c.enrich(ctx, &all[i])
	}
	return all, truncated, nil
}

func (c *Client) listExecutions(ctx context.Context, stateMachineARN string, status sfntypes.ExecutionStatus, window contracts.TimeWindow) ([]contracts.FailedExecution, error) {
	var out []contracts.FailedExecution
	var nextToken *string
	for {
		page, err := c.client.ListExecutions(ctx, &sfn.ListExecutionsInput{
			StateMachineArn: aws.String(stateMachineARN),
			StatusFilter:    status,
			MaxResults:      100,
			NextToken:       nextToken,
		})
		if err != nil {
			return nil, fmt.Errorf("stepfn: list executions %s: %w", stateMachineARN, err)
		}
		for _, ex := range page.Executions {
			if ex.StartDate != nil && ex.StartDate.Before(window.Start) {
				// the list is newest first: everything after this is older
				return out, nil
			}
			if ex.StartDate != nil && ex.StartDate.After(window.End) {
				continue
			}
			fe := contracts.FailedExecution{
				ExecutionARN:    aws.ToString(ex.ExecutionArn),
				StateMachineARN: stateMachineARN,
				Name:            aws.ToString(ex.Name),
				Status:          string(ex.Status),
			}
			if ex.StartDate != nil {
				fe.StartDate = ex.StartDate.UTC().Format(time.RFC3339)
			}
			if ex.StopDate != nil {
				fe.StopDate = ex.StopDate.UTC().Format(time.RFC3339)
			}
			out = append(out, fe)
		}
		if page.NextToken == nil {
			return out, nil
		}
		nextToken = page.NextToken
	}
}

// enrich adds error/cause from DescribeExecution and the last failed state
// from history. Enrichment failures leave the listing entry as is.
func (c *Client) enrich(ctx context.Context, ex *contracts.FailedExecution) {
	if desc, err := c.client.DescribeExecution(ctx, &sfn.DescribeExecutionInput{
		ExecutionArn: aws.String(ex.ExecutionARN),
	}); err == nil {
		ex.Error = truncate(aws.ToString(desc.Error), MaxErrorLength)
		ex.Cause = truncate(aws.ToString(desc.Cause), MaxErrorLength)
	}
	if events, err := c.historyTail(ctx, ex.ExecutionARN); err == nil {
		ex.LastFailedState = lastFailedState(events)
	}
}

func (c *Client) historyTail(ctx context.Context, executionARN string) ([]sfntypes.HistoryEvent, error) {
	out, err := c.client.GetExecutionHistory(ctx, &sfn.GetExecutionHistoryInput{
		ExecutionArn: aws.String(executionARN),
		MaxResults:   MaxHistoryEvents,
		ReverseOrder: true,
	})
	if err != nil {
		return nil, fmt.Errorf("stepfn: get execution history: %w", err)
	}
	return out.Events, nil
}

// lastFailedState infers the name of the state that failed from a
// newest-first event list. The failure event's own details win; otherwise
// the nearest prior TaskStateEntered (the next one in newest-first order)
// names the state; otherwise the failure event's type is returned.
func lastFailedState(events []sfntypes.HistoryEvent) string {
	for i, evt := range events {
		etype := string(evt.Type)
		if !strings.Contains(etype, "Failed") && !strings.Contains(etype, "TimedOut") && !strings.Contains(etype, "Aborted") {
			continue
		}
		if name := failureDetailName(evt); name != "" {
			return name
		}
		for _, prev := range events[i:] {
			if prev.Type == sfntypes.HistoryEventTypeTaskStateEntered && prev.StateEnteredEventDetails != nil {
				if name := aws.ToString(prev.StateEnteredEventDetails.Name); name != "" {
					return name
				}
			}
		}
		return etype
	}
	return ""
}

func failureDetailName(evt sfntypes.HistoryEvent) string {
	if d := evt.TaskFailedEventDetails; d != nil && aws.ToString(d.Resource) != "" {
		return aws.ToString(d.Resource)
	}
	return ""
}

func toHistoryEvents(events []sfntypes.HistoryEvent) []contracts.HistoryEvent {
	out := make([]contracts.HistoryEvent, 0, len(events))
	for _, evt := range events {
		he := contracts.HistoryEvent{
			ID:   evt.Id,
			Type: string(evt.Type),
		}
		if evt.Timestamp != nil {
			he.Timestamp = evt.Timestamp.UTC().Format(time.RFC3339)
		}
		if d := evt.StateEnteredEventDetails; d != nil {
			he.Name = aws.ToString(d.Name)
			he.Input = aws.ToString(d.Input)
		}
		if d := evt.StateExitedEventDetails; d != nil {
			he.Name = aws.ToString(d.Name)
			he.Output = aws.ToString(d.Output)
		}
		if d := evt.TaskFailedEventDetails; d != nil {
			he.Error = truncate(aws.ToString(d.Error), MaxErrorLength)
			he.Cause = truncate(aws.ToString(d.Cause), MaxErrorLength)
		}
		if d := evt.ExecutionFailedEventDetails; d != nil {
			he.Error = truncate(aws.ToString(d.Error), MaxErrorLength)
			he.Cause = truncate(aws.ToString(d.Cause), MaxErrorLength)
		}
		out = append(out, he)
	}
	return out
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "...[truncated]"
}
