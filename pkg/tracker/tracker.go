// Package tracker is the ticket capability: create one issue in the
// incident tracker. The real client speaks the Jira Cloud REST API; the
// dry-run client returns deterministic fake keys so executors and tests can
// run without external effects.
package tracker

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Field limits imposed by the provider.
const (
	MaxSummaryLength     = 255
	MaxDescriptionLength = 30000
	MaxLabels            = 10
)

const requestTimeout = 15 * time.Second

// Issue is the created-ticket reference.
type Issue struct {
	Key string `json:"issue_key"`
	URL string `json:"url"`
	ID  string `json:"id"`
}

// Client creates one tracker issue.
type Client interface {
	CreateIssue(ctx context.Context, summary, description, priority string, labels []string) (Issue, error)
}

// priorityNames maps plan priorities to provider priority names; unknown
// values pass through unchanged.
var priorityNames = map[string]string{
	"P0": "Highest",
	"P1": "High",
	"P2": "Medium",
}

// HTTPClient is the Jira Cloud implementation.
type HTTPClient struct {
	baseURL    string
	auth       string
	projectKey string
	issueType  string
	httpClient *http.Client
}

// Config holds HTTPClient construction parameters.
type Config struct {
	BaseURL    string
	Email      string
	APIToken   string
	ProjectKey string
	IssueType  string // defaults to "Bug"
}

// NewHTTPClient builds a tracker client with basic auth.
func NewHTTPClient(cfg Config) (*HTTPClient, error) {
	if cfg.BaseURL == "" || cfg.Email == "" || cfg.APIToken == "" || cfg.ProjectKey == "" {
		return nil, fmt.Errorf("tracker: base URL, email, API token and project key are required")
	}
	issueType := cfg.IssueType
	if issueType == "" {
		issueType = "Bug"
	}
	return &HTTPClient{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		auth:       base64.StdEncoding.EncodeToString([]byte(cfg.Email + ":" + cfg.APIToken)),
		projectKey: cfg.ProjectKey,
		issueType:  issueType,
		httpClient: &http.Client{Timeout: requestTimeout},
	}, nil
}

func (c *HTTPClient) CreateIssue(ctx context.Context, summary, description, priority string, labels []string) (Issue, error) {
	name, ok := priorityNames[priority]
	if !ok {
		name = priority
	}
	fields := map[string]any{
		"project":     map[string]string{"key": c.projectKey},
		"issuetype":   map[string]string{"name": c.issueType},
		"summary":     truncate(summary, MaxSummaryLength),
		"description": truncate(description, MaxDescriptionLength),
		"priority":    map[string]string{"name": name},
	}
	if len(labels) > 0 {
		if len(labels) > MaxLabels {
			labels = labels[:MaxLabels]
		}
		fields["labels"] = labels
	}
	body, err := json.Marshal(map[string]any{"fields": fields})
	if err != nil {
		return Issue{}, fmt.Errorf("tracker: marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/rest/api/2/issue", bytes.NewReader(body))
	if err != nil {
		return Issue{}, fmt.Errorf("tracker: build request: %w", err)
	}
	req.Header.Set("Authorization", "Basic "+c.auth)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Issue{}, fmt.Errorf("tracker: request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Issue{}, fmt.Errorf("tracker: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Issue{}, fmt.Errorf("tracker: API error %d: %s", resp.StatusCode, truncate(string(data), 500))
	}

	var created struct {
		Key string `json:"key"`
		ID  string `json:"id"`
	}
	if err := json.Unmarshal(data, &created); err != nil {
		return Issue{}, fmt.Errorf("tracker: decode response: %w", err)
	}
	return Issue{
		Key: created.Key,
		URL: c.baseURL + "/browse/" + created.Key,
		ID:  created.ID,
	}, nil
}

// DryRunClient returns deterministic fake issue refs.
type DryRunClient struct {
	mu      sync.Mutex
	counter int
}

// NewDryRunClient builds a dry-run tracker.
func NewDryRunClient() *DryRunClient { return &DryRunClient{} }

func (c *DryRunClient) CreateIssue(_ context.Context, _, _, _ string, _ []string) (Issue, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counter++
	key := fmt.Sprintf("DRYRUN-%d", c.counter)
	return Issue{
		Key: key,
		URL: "https://dryrun.atlassian.net/browse/" + key,
		ID:  fmt.Sprintf("dryrun-%d", c.counter),
	}, nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
