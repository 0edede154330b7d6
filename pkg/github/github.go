// Package github is the source-control capability: branch/commit/PR
// writes for the action executor and PR read/comment operations for the
// review cycle. Auth is either a GitHub App (RS256 JWT exchanged for an
// installation token) or a plain PAT.
package github

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	defaultBaseURL = "https://api.github.com"

	requestTimeout = 15 * time.Second
	maxErrorBody   = 800
)

// APIError is a non-2xx response. The body is truncated so it can travel
// inside action results without blowing up record sizes.
type APIError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("github: %s %s => %d: %s", e.Method, e.Path, e.StatusCode, e.Body)
}

// File is a decoded repository file at a specific ref.
type File struct {
	Path      string `json:"path"`
	Ref       string `json:"ref"`
	SHA       string `json:"sha"`
	Text      string `json:"text"`
	ByteSize  int    `json:"byte_size"`
	LineCount int    `json:"line_count"`
}

// PullRequest is the subset of PR metadata the review cycle reads.
type PullRequest struct {
	Number    int    `json:"number"`
	Title     string `json:"title"`
	Body      string `json:"body"`
	State     string `json:"state"`
	HTMLURL   string `json:"html_url"`
	User      string `json:"user"`
	HeadRef   string `json:"head_ref"`
	HeadSHA   string `json:"head_sha"`
	BaseRef   string `json:"base_ref"`
	Labels    []string `json:"labels,omitempty"`
	CreatedAt string `json:"created_at,omitempty"`
}

// PRFile is one changed file in a pull request.
type PRFile struct {
	Filename  string `json:"filename"`
	Status    string `json:"status"`
	Additions int    `json:"additions"`
	Deletions int    `json:"deletions"`
	Patch     string `json:"patch,omitempty"`
}

// Comment is one issue comment on a pull request.
type Comment struct {
	ID   int64  `json:"id"`
	User string `json:"user"`
	Body string `json:"body"`
}

// CreatePRRequest drives the end-to-end branch+commit+PR flow.
type CreatePRRequest struct {
	Repo          string
	BranchName    string
	Title         string
	Body          string
	FilePath      string
	FileContent   string
	CommitMessage string
}

// PRResult is the external-refs payload recorded for a pr action.
type PRResult struct {
	Owner         string `json:"github_owner"`
	Repo          string `json:"github_repo"`
	Branch        string `json:"branch"`
	DefaultBranch string `json:"default_branch"`
	PRURL         string `json:"pr_url"`
	PRNumber      int    `json:"pr_number"`
	CommitSHA     string `json:"commit_sha"`
	ReusedPR      bool   `json:"reused_pr,omitempty"`
}

// Client is the source-control surface used by executors and the review
// cycle. Implementations: HTTPClient and DryRunClient.
type Client interface {
	DefaultBranch(ctx context.Context, repo string) string
	FileExists(ctx context.Context, repoFullName, path string) bool
	CreatePRWithNotes(ctx context.Context, req CreatePRRequest) (PRResult, error)

	GetPR(ctx context.Context, owner, repo string, number int) (PullRequest, error)
	ListPRFiles(ctx context.Context, owner, repo string, number int) ([]PRFile, error)
	GetFileAtRef(ctx context.Context, owner, repo, path, ref string) (File, error)
	CreateOrUpdateFile(ctx context.Context, owner, repo, path, content, message, branch, fileSHA string) (string, error)
	CreatePRComment(ctx context.Context, owner, repo string, number int, body string) error
	ListPRComments(ctx context.Context, owner, repo string, number int) ([]Comment, error)
}

// HTTPClient talks to the GitHub REST API.
type HTTPClient struct {
	owner          string
	baseURL        string
	token          string
	branchFallback string
	httpClient     *http.Client
}

// Config holds HTTPClient construction parameters.
type Config struct {
	Owner                 string
	Credentials           Credentials
	BaseURL               string // defaults to api.github.com
	DefaultBranchFallback string // defaults to "main"
}

// NewHTTPClient resolves credentials (including the App token exchange)
// and returns a ready client.
func NewHTTPClient(ctx context.Context, cfg Config) (*HTTPClient, error) {
	if cfg.Owner == "" {
		return nil, fmt.Errorf("github: owner is required")
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	fallback := cfg.DefaultBranchFallback
	if fallback == "" {
		fallback = "main"
	}
	httpClient := &http.Client{Timeout: requestTimeout}
	token, err := resolveToken(ctx, httpClient, baseURL, cfg.Credentials, time.Now())
	if err != nil {
		return nil, err
	}
	return &HTTPClient{
		owner:          cfg.Owner,
		baseURL:        baseURL,
		token:          token,
		branchFallback: fallback,
		httpClient:     httpClient,
	}, nil
}

// DefaultBranch reads the repository default branch, falling back to the
// configured default when the lookup fails.
func (c *HTTPClient) DefaultBranch(ctx context.Context, repo string) string {
	var out struct {
		DefaultBranch string `json:"default_branch"`
	}
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/repos/%s/%s", c.owner, repo), nil, &out); err != nil {
		return c.branchFallback
	}
	if out.DefaultBranch == "" {
		return c.branchFallback
	}
	return out.DefaultBranch
}

// FileExists checks for a path on the repo's default branch. Accepts
// either "owner/repo" or a bare repo name under the configured owner.
func (c *HTTPClient) FileExists(ctx context.Context, repoFullName, path string) bool {
	owner, repo := c.owner, repoFullName
	if before, after, ok := strings.Cut(repoFullName, "/"); ok {
		owner, repo = before, after
	}
	branch := c.DefaultBranch(ctx, repo)
	err := c.do(ctx, http.MethodGet,
		fmt.Sprintf("/repos/%s/%s/contents/%s?ref=%s", owner, repo, escapePath(path), url.QueryEscape(branch)), nil, nil)
	return err == nil
}

// GetPR reads PR metadata.
func (c *HTTPClient) GetPR(ctx context.Context, owner, repo string, number int) (PullRequest, error) {
	var raw struct {
		Number  int    `json:"number"`
		Title   string `json:"title"`
		Body    string `json:"body"`
		State   string `json:"state"`
		HTMLURL string `json:"html_url"`
		User    struct {
			Login string `json:"login"`
		} `json:"user"`
		Head struct {
			Ref string `json:"ref"`
			SHA string `json:"sha"`
		} `json:"head"`
		Base struct {
			Ref string `json:"ref"`
		} `json:"base"`
		Labels []struct {
			Name string `json:"name"`
		} `json:"labels"`
		CreatedAt string `json:"created_at"`
	}
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/repos/%s/%s/pulls/%d", owner, repo, number), nil, &raw); err != nil {
		return PullRequest{}, err
	}
	pr := PullRequest{
		Number:    raw.Number,
		Title:     raw.Title,
		Body:      raw.Body,
		State:     raw.State,
		HTMLURL:   raw.HTMLURL,
		User:      raw.User.Login,
		HeadRef:   raw.Head.Ref,
		HeadSHA:   raw.Head.SHA,
		BaseRef:   raw.Base.Ref,
		CreatedAt: raw.CreatedAt,
	}
	for _, l := range raw.Labels {
		pr.Labels = append(pr.Labels, l.Name)
	}
	return pr, nil
}

// ListPRFiles lists up to 50 changed files with their diff hunks.
func (c *HTTPClient) ListPRFiles(ctx context.Context, owner, repo string, number int) ([]PRFile, error) {
	var files []PRFile
	err := c.do(ctx, http.MethodGet,
		fmt.Sprintf("/repos/%s/%s/pulls/%d/files?per_page=50", owner, repo, number), nil, &files)
	if err != nil {
		return nil, err
	}
	return files, nil
}

// GetFileAtRef fetches and decodes one file at a specific ref.
func (c *HTTPClient) GetFileAtRef(ctx context.Context, owner, repo, path, ref string) (File, error) {
	var raw struct {
		Content string `json:"content"`
		SHA     string `json:"sha"`
	}
	err := c.do(ctx, http.MethodGet,
		fmt.Sprintf("/repos/%s/%s/contents/%s?ref=%s", owner, repo, escapePath(path), url.QueryEscape(ref)), nil, &raw)
	if err != nil {
		return File{}, err
	}
	decoded, err := base64.StdEncoding.DecodeString(strings.ReplaceAll(raw.Content, "\n", ""))
	if err != nil {
		return File{}, fmt.Errorf("github: decode content of %s: %w", path, err)
	}
	text := string(decoded)
	return File{
		Path:      path,
		Ref:       ref,
		SHA:       raw.SHA,
		Text:      text,
		ByteSize:  len(text),
		LineCount: countLines(text),
	}, nil
}

// CreateOrUpdateFile writes one file on a branch via the contents API and
// returns the commit sha. fileSHA must be set when updating an existing
// file and empty when creating a new one.
func (c *HTTPClient) CreateOrUpdateFile(ctx context.Context, owner, repo, path, content, message, branch, fileSHA string) (string, error) {
	body := map[string]any{
		"message": message,
		"content": base64.StdEncoding.EncodeToString([]byte(content)),
		"branch":  branch,
	}
	if fileSHA != "" {
		body["sha"] = fileSHA
	}
	var out struct {
		Commit struct {
			SHA string `json:"sha"`
		} `json:"commit"`
	}
	err := c.do(ctx, http.MethodPut,
		fmt.Sprintf("/repos/%s/%s/contents/%s", owner, repo, escapePath(path)), body, &out)
	if err != nil {
		return "", err
	}
	return out.Commit.SHA, nil
}

// CreatePRComment posts one issue comment on a pull request.
func (c *HTTPClient) CreatePRComment(ctx context.Context, owner, repo string, number int, body string) error {
	return c.do(ctx, http.MethodPost,
		fmt.Sprintf("/repos/%s/%s/issues/%d/comments", owner, repo, number),
		map[string]any{"body": body}, nil)
}

// ListPRComments lists up to 50 issue comments on a pull request.
func (c *HTTPClient) ListPRComments(ctx context.Context, owner, repo string, number int) ([]Comment, error) {
	var raw []struct {
		ID   int64 `json:"id"`
		User struct {
			Login string `json:"login"`
		} `json:"user"`
		Body string `json:"body"`
	}
	err := c.do(ctx, http.MethodGet,
		fmt.Sprintf("/repos/%s/%s/issues/%d/comments?per_page=50", owner, repo, number), nil, &raw)
	if err != nil {
		return nil, err
	}
	comments := make([]Comment, 0, len(raw))
	for _, r := range raw {
		comments = append(comments, Comment{ID: r.ID, User: r.User.Login, Body: r.Body})
	}
	return comments, nil
}

// CreatePRWithNotes runs the end-to-end write flow: create branch off the
// default branch head, commit the notes file, open a PR. When the branch
// already exists an open PR for it is reused instead of opening a second
// one.
func (c *HTTPClient) CreatePRWithNotes(ctx context.Context, req CreatePRRequest) (PRResult, error) {
	defaultBranch := c.DefaultBranch(ctx, req.Repo)
	baseSHA, err := c.refSHA(ctx, req.Repo, defaultBranch)
	if err != nil {
		return PRResult{}, err
	}

	branchExisted, err := c.createBranch(ctx, req.Repo, req.BranchName, baseSHA)
	if err != nil {
		return PRResult{}, err
	}

	// Re-read the file sha on the branch so reruns update instead of
	// colliding on a stale create.
	fileSHA := ""
	if existing, err := c.GetFileAtRef(ctx, c.owner, req.Repo, req.FilePath, req.BranchName); err == nil {
		fileSHA = existing.SHA
	}
	commitSHA, err := c.CreateOrUpdateFile(ctx, c.owner, req.Repo, req.FilePath, req.FileContent, req.CommitMessage, req.BranchName, fileSHA)
	if err != nil {
		return PRResult{}, err
	}

	result := PRResult{
		Owner:         c.owner,
		Repo:          req.Repo,
		Branch:        req.BranchName,
		DefaultBranch: defaultBranch,
		CommitSHA:     commitSHA,
	}

	if branchExisted {
		if existing, ok := c.findOpenPR(ctx, req.Repo, req.BranchName); ok {
			result.PRURL = existing.HTMLURL
			result.PRNumber = existing.Number
			result.ReusedPR = true
			return result, nil
		}
	}

	var pr struct {
		Number  int    `json:"number"`
		HTMLURL string `json:"html_url"`
	}
	err = c.do(ctx, http.MethodPost, fmt.Sprintf("/repos/%s/%s/pulls", c.owner, req.Repo), map[string]any{
		"title": req.Title,
		"body":  req.Body,
		"head":  req.BranchName,
		"base":  defaultBranch,
	}, &pr)
	if err != nil {
		return PRResult{}, err
	}
	result.PRURL = pr.HTMLURL
	result.PRNumber = pr.Number
	return result, nil
}

func (c *HTTPClient) refSHA(ctx context.Context, repo, branch string) (string, error) {
	var out struct {
		Object struct {
			SHA string `json:"sha"`
		} `json:"object"`
	}
	err := c.do(ctx, http.MethodGet,
		fmt.Sprintf("/repos/%s/%s/git/ref/heads/%s", c.owner, repo, branch), nil, &out)
	if err != nil {
		return "", err
	}
	return out.Object.SHA, nil
}

// createBranch creates refs/heads/<branch> at sha. A 422 reference-exists
// response is not an error: the branch is reported as already present.
func (c *HTTPClient) createBranch(ctx context.Context, repo, branch, sha string) (existed bool, err error) {
	err = c.do(ctx, http.MethodPost, fmt.Sprintf("/repos/%s/%s/git/refs", c.owner, repo), map[string]any{
		"ref": "refs/heads/" + branch,
		"sha": sha,
	}, nil)
	if err == nil {
		return false, nil
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusUnprocessableEntity {
		return true, nil
	}
	return false, err
}

func (c *HTTPClient) findOpenPR(ctx context.Context, repo, headBranch string) (PullRequest, bool) {
	var prs []struct {
		Number  int    `json:"number"`
		HTMLURL string `json:"html_url"`
	}
	err := c.do(ctx, http.MethodGet,
		fmt.Sprintf("/repos/%s/%s/pulls?head=%s&state=open", c.owner, repo, url.QueryEscape(c.owner+":"+headBranch)), nil, &prs)
	if err != nil || len(prs) == 0 {
		return PullRequest{}, false
	}
	return PullRequest{Number: prs[0].Number, HTMLURL: prs[0].HTMLURL}, true
}

// escapePath escapes each path segment while keeping the separators.
func escapePath(path string) string {
	parts := strings.Split(path, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.Join(parts, "/")
}

func countLines(text string) int {
	if text == "" {
		return 0
	}
	n := strings.Count(text, "\n")
	if !strings.HasSuffix(text, "\n") {
		n++
	}
	return n
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
