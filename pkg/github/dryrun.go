package github

import (
	"context"
	"fmt"
	"sync"
)

// DryRunClient answers every operation without touching GitHub. Write
// operations return deterministic counters so action results stay stable
// across reruns in tests.
type DryRunClient struct {
	owner string

	mu      sync.Mutex
	counter int
}

// NewDryRunClient builds a dry-run client for the given owner.
func NewDryRunClient(owner string) *DryRunClient {
	if owner == "" {
		owner = "dry-run-owner"
	}
	return &DryRunClient{owner: owner}
}

func (c *DryRunClient) next() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counter++
	return c.counter
}

func (c *DryRunClient) DefaultBranch(context.Context, string) string { return "main" }

func (c *DryRunClient) FileExists(context.Context, string, string) bool { return true }

func (c *DryRunClient) CreatePRWithNotes(_ context.Context, req CreatePRRequest) (PRResult, error) {
	n := c.next()
	return PRResult{
		Owner:         c.owner,
		Repo:          req.Repo,
		Branch:        req.BranchName,
		DefaultBranch: "main",
		PRURL:         fmt.Sprintf("https://github.com/%s/%s/pull/%d", c.owner, req.Repo, n),
		PRNumber:      n,
		CommitSHA:     fmt.Sprintf("dryrun-sha-%d", n),
	}, nil
}

func (c *DryRunClient) GetPR(_ context.Context, owner, repo string, number int) (PullRequest, error) {
	return PullRequest{
		Number:  number,
		Title:   "dry-run PR",
		State:   "open",
		HTMLURL: fmt.Sprintf("https://github.com/%s/%s/pull/%d", owner, repo, number),
		HeadRef: "dry-run-branch",
		HeadSHA: "dryrun-head-sha",
		BaseRef: "main",
	}, nil
}

func (c *DryRunClient) ListPRFiles(context.Context, string, string, int) ([]PRFile, error) {
	return nil, nil
}

func (c *DryRunClient) GetFileAtRef(_ context.Context, _, _, path, ref string) (File, error) {
	return File{Path: path, Ref: ref, SHA: "dryrun-file-sha"}, nil
}

func (c *DryRunClient) CreateOrUpdateFile(_ context.Context, _, _, _, _, _, _, _ string) (string, error) {
	return fmt.Sprintf("dryrun-sha-%d", c.next()), nil
}

func (c *DryRunClient) CreatePRComment(context.Context, string, string, int, string) error {
	return nil
}

func (c *DryRunClient) ListPRComments(context.Context, string, string, int) ([]Comment, error) {
	return nil, nil
}
