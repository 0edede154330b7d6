// Package review is the PR review response cycle: when a human comments
// on one of the bot's pull requests, load the PR and the commented code,
// plan a deterministic fix, apply it only when it is low risk, reply on
// the PR, and record the outcome. Guardrails in front of everything keep
// the bot off PRs it did not create and stop it from answering itself.
package review

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/opsrunbook/copilot/pkg/blobstore"
	"github.com/opsrunbook/copilot/pkg/contracts"
	"github.com/opsrunbook/copilot/pkg/github"
	"github.com/opsrunbook/copilot/pkg/patch"
	"github.com/opsrunbook/copilot/pkg/recordstore"
)

// SchemaReviewPacket versions the persisted review packet document.
const SchemaReviewPacket = "pr_review_packet.v1"

// DefaultBotSlug identifies the bot's own comments and PRs when no
// explicit slug is configured.
const DefaultBotSlug = "opsrunbook-copilot-bot"

// ActionTypeReviewResponse is the action_type recorded for review outcomes.
const ActionTypeReviewResponse = "respond_to_pr_review"

// StatusSkipped marks deliveries the guardrails refused.
const StatusSkipped = "skipped"

const (
	markerLabel = "opsrunbook-copilot"
	markerBody  = "opsrunbook_copilot"
	stopCommand = "/copilot stop"

	maxPRFiles      = 20
	maxPatchChars   = 3000
	maxPRBodyChars  = 4000
	maxCodeContexts = 3

	// DefaultContextWindow is how many lines of code are loaded above and
	// below a commented line.
	DefaultContextWindow = 20
)

// Config holds the static review-cycle parameters.
type Config struct {
	BotSlug       string   // defaults to DefaultBotSlug
	AllowedPaths  []string // path prefixes the patch engine may touch
	MaxPatchFiles int
	MaxPatchBytes int
	ContextWindow int // defaults to DefaultContextWindow
}

// PRContext is the loaded state of the pull request under review.
type PRContext struct {
	Owner        string                  `json:"owner"`
	Repo         string                  `json:"repo"`
	Number       int                     `json:"number"`
	Title        string                  `json:"title"`
	Body         string                  `json:"body"`
	State        string                  `json:"state"`
	AuthorLogin  string                  `json:"author_login"`
	HeadRef      string                  `json:"head_ref"`
	HeadSHA      string                  `json:"head_sha"`
	BaseRef      string                  `json:"base_ref"`
	Labels       []string                `json:"labels,omitempty"`
	Files        []github.PRFile         `json:"files,omitempty"`
	CodeContexts []contracts.CodeContext `json:"code_contexts,omitempty"`
}

// Outcome is the result of one delivery through the cycle.
type Outcome struct {
	DeliveryID    string   `json:"delivery_id"`
	Status        string   `json:"status"` // success | failed | deferred | skipped
	Reason        string   `json:"reason,omitempty"`
	CommitSHA     string   `json:"commit_sha,omitempty"`
	UpdatedFiles  []string `json:"updated_files,omitempty"`
	CommentPosted bool     `json:"comment_posted"`
	PacketKey     string   `json:"packet_key,omitempty"`
}

// Cycle wires the review steps together.
type Cycle struct {
	source  github.Client
	blobs   blobstore.Store
	records recordstore.Store
	cfg     Config
	log     *slog.Logger
	clock   func() time.Time
}

// NewCycle builds a review cycle. source, blobs, and records are required.
func NewCycle(source github.Client, blobs blobstore.Store, records recordstore.Store, cfg Config, log *slog.Logger) *Cycle {
	if cfg.BotSlug == "" {
		cfg.BotSlug = DefaultBotSlug
	}
	if cfg.ContextWindow <= 0 {
		cfg.ContextWindow = DefaultContextWindow
	}
	if log == nil {
		log = slog.Default()
	}
	return &Cycle{
		source:  source,
		blobs:   blobs,
		records: records,
		cfg:     cfg,
		log:     log.With("component", "review"),
		clock:   time.Now,
	}
}

// WithClock overrides the time source. Test hook.
func (c *Cycle) WithClock(clock func() time.Time) *Cycle {
	c.clock = clock
	return c
}

// Run executes the full cycle for one normalized delivery.
func (c *Cycle) Run(ctx context.Context, event *contracts.PRReviewEvent) (*Outcome, error) {
	if err := event.Validate(); err != nil {
		return nil, err
	}

	prCtx, err := c.LoadPRContext(ctx, event)
	if err != nil {
		return nil, fmt.Errorf("review: load pr context: %w", err)
	}

	if ok, reason := c.Guardrails(event, prCtx); !ok {
		c.log.Info("guardrails refused delivery",
			"delivery_id", event.DeliveryID, "reason", reason)
		return &Outcome{DeliveryID: event.DeliveryID, Status: StatusSkipped, Reason: reason}, nil
	}

	packetRef, err := c.BuildReviewPacket(ctx, event, prCtx)
	if err != nil {
		return nil, fmt.Errorf("review: persist packet: %w", err)
	}

	plan := c.PlanFix(event, prCtx)
	result := c.ApplyFixSafely(ctx, event, prCtx, plan)

	outcome := &Outcome{
		DeliveryID:   event.DeliveryID,
		Status:       result.Status,
		Reason:       result.Reason,
		CommitSHA:    result.CommitSHA,
		UpdatedFiles: result.UpdatedFiles,
		PacketKey:    packetRef.Key,
	}

	if err := c.PostPRComment(ctx, event, prCtx, plan, result); err != nil {
		c.log.Warn("failed to post PR comment",
			"delivery_id", event.DeliveryID, "error", err)
	} else {
		outcome.CommentPosted = true
	}

	if err := c.PersistOutcome(ctx, event, outcome); err != nil {
		return nil, fmt.Errorf("review: persist outcome: %w", err)
	}
	return outcome, nil
}

// LoadPRContext reads the PR, its changed files, and code windows around
// every commented location. File and context loads are tolerant: a window
// that cannot be fetched is logged and dropped, never fatal.
func (c *Cycle) LoadPRContext(ctx context.Context, event *contracts.PRReviewEvent) (*PRContext, error) {
	owner, repo, ok := strings.Cut(event.RepoFullName, "/")
	if !ok {
		return nil, fmt.Errorf("malformed repo_full_name %q", event.RepoFullName)
	}

	pr, err := c.source.GetPR(ctx, owner, repo, event.PRNumber)
	if err != nil {
		return nil, err
	}

	prCtx := &PRContext{
		Owner:       owner,
		Repo:        repo,
		Number:      pr.Number,
		Title:       pr.Title,
		Body:        truncate(pr.Body, maxPRBodyChars),
		State:       pr.State,
		AuthorLogin: pr.User,
		HeadRef:     pr.HeadRef,
		HeadSHA:     pr.HeadSHA,
		BaseRef:     pr.BaseRef,
		Labels:      pr.Labels,
	}

	files, err := c.source.ListPRFiles(ctx, owner, repo, event.PRNumber)
	if err != nil {
		c.log.Warn("could not list PR files",
			"repo", event.RepoFullName, "pr", event.PRNumber, "error", err)
	}
	if len(files) > maxPRFiles {
		files = files[:maxPRFiles]
	}
	for _, f := range files {
		f.Patch = truncate(f.Patch, maxPatchChars)
		prCtx.Files = append(prCtx.Files, f)
	}

	pairs := ExtractFileLines(event)
	if len(pairs) > maxCodeContexts {
		pairs = pairs[:maxCodeContexts]
	}
	for _, pair := range pairs {
		cc, err := fetchCodeContext(ctx, c.source, owner, repo, pair.Path, pr.HeadRef, pair.Line, c.cfg.ContextWindow)
		if err != nil {
			c.log.Warn("could not load code context",
				"path", pair.Path, "line", pair.Line, "error", err)
			continue
		}
		prCtx.CodeContexts = append(prCtx.CodeContexts, cc)
	}
	return prCtx, nil
}

// Guardrails decides whether the cycle may act on this delivery. The
// sender must be a human, a stop command halts everything, and the PR
// must be one of ours: bot-labeled, bot-marked in the body, or authored
// by the bot.
func (c *Cycle) Guardrails(event *contracts.PRReviewEvent, prCtx *PRContext) (bool, string) {
	sender := strings.ToLower(event.SenderLogin)
	if strings.HasSuffix(sender, "[bot]") || sender == strings.ToLower(c.cfg.BotSlug) {
		return false, "sender is bot itself"
	}
	if strings.Contains(strings.ToLower(event.CommentBody), stopCommand) {
		return false, "stop command received"
	}
	if !c.isOurs(prCtx) {
		return false, "PR not created by opsrunbook-copilot"
	}
	return true, ""
}

func (c *Cycle) isOurs(prCtx *PRContext) bool {
	for _, label := range prCtx.Labels {
		if strings.ToLower(label) == markerLabel {
			return true
		}
	}
	if strings.Contains(strings.ToLower(prCtx.Body), markerBody) {
		return true
	}
	author := strings.ToLower(prCtx.AuthorLogin)
	return strings.Contains(author, strings.ToLower(c.cfg.BotSlug)) ||
		strings.HasSuffix(author, "[bot]")
}

// BuildReviewPacket persists the event plus the loaded PR context as one
// replayable document and returns its blob ref.
func (c *Cycle) BuildReviewPacket(ctx context.Context, event *contracts.PRReviewEvent, prCtx *PRContext) (blobstore.PutResult, error) {
	doc := map[string]any{
		"schema_version": SchemaReviewPacket,
		"delivery_id":    event.DeliveryID,
		"event":          event,
		"pr_context":     prCtx,
		"created_at":     c.clock().UTC().Format(time.RFC3339Nano),
	}
	return c.blobs.PutJSON(ctx, blobstore.ReviewPacketKey(event.RepoFullName, event.DeliveryID), doc)
}

// ApplyFixSafely applies the plan to the PR head branch, unless the plan
// itself says a human has to look first. The deferral happens before any
// host call is made.
func (c *Cycle) ApplyFixSafely(ctx context.Context, event *contracts.PRReviewEvent, prCtx *PRContext, plan contracts.PRFixPlan) patch.Result {
	if plan.RequiresHuman || plan.RiskLevel == contracts.RiskHigh {
		return patch.Result{Status: patch.StatusDeferred, Reason: "requires_human or high risk"}
	}
	engine, err := patch.NewEngine(c.source, patch.Config{
		Owner:        prCtx.Owner,
		AllowedPaths: c.cfg.AllowedPaths,
		MaxFiles:     c.cfg.MaxPatchFiles,
		MaxBytes:     c.cfg.MaxPatchBytes,
	})
	if err != nil {
		return patch.Result{Status: patch.StatusFailed, Reason: err.Error()}
	}
	return engine.Apply(ctx, prCtx.Repo, prCtx.HeadRef, plan, event.DeliveryID)
}

// PostPRComment replies on the PR with what happened.
func (c *Cycle) PostPRComment(ctx context.Context, event *contracts.PRReviewEvent, prCtx *PRContext, plan contracts.PRFixPlan, result patch.Result) error {
	body := BuildComment(event.DeliveryID, plan, result)
	return c.source.CreatePRComment(ctx, prCtx.Owner, prCtx.Repo, prCtx.Number, body)
}

// BuildComment renders the response comment for one delivery.
func BuildComment(deliveryID string, plan contracts.PRFixPlan, result patch.Result) string {
	var b strings.Builder
	fmt.Fprintf(&b, "**OpsRunbook Copilot** — review response `%s`\n\n", truncate(deliveryID, 12))

	switch {
	case result.Status == patch.StatusSuccess:
		fmt.Fprintf(&b, "Applied fix in commit `%s`\n\n", truncate(result.CommitSHA, 12))
		for _, f := range result.UpdatedFiles {
			fmt.Fprintf(&b, "- `%s`\n", f)
		}
		b.WriteString("\nPlease verify the changes and re-review.\n")

	case result.Status == patch.StatusDeferred:
		b.WriteString("This change requires human review. The fix plan has been recorded but no code was pushed.\n")
		if plan.Summary != "" {
			fmt.Fprintf(&b, "\n> %s\n", plan.Summary)
		}
		if len(plan.ProposedEdits) > 0 {
			b.WriteString("\n**Files referenced:**\n")
			edits := plan.ProposedEdits
			if len(edits) > 5 {
				edits = edits[:5]
			}
			for _, e := range edits {
				fmt.Fprintf(&b, "- `%s`: %s\n", e.FilePath, truncate(e.Rationale, 100))
			}
		}

	default:
		fmt.Fprintf(&b, "Status: `%s` — %s\n", result.Status, result.Reason)
	}

	fmt.Fprintf(&b, "\n---\n_delivery: %s_", deliveryID)
	return b.String()
}

// PersistOutcome records the delivery outcome under the PR's review
// partition.
func (c *Cycle) PersistOutcome(ctx context.Context, event *contracts.PRReviewEvent, outcome *Outcome) error {
	now := c.clock().UTC()
	return c.records.PutRecord(ctx, recordstore.Record{
		PK: recordstore.ReviewOutcomePK(event.RepoFullName, event.PRNumber),
		SK: recordstore.OutcomeSK(now, event.DeliveryID),
		Item: map[string]any{
			"delivery_id": event.DeliveryID,
			"action_type": ActionTypeReviewResponse,
			"status":      outcome.Status,
			"commit_sha":  outcome.CommitSHA,
			"comment_url": event.CommentURL,
			"created_at":  now.Format(time.RFC3339Nano),
		},
	})
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
