package contracts

import "fmt"

// Risk levels for a proposed fix. Only low-risk plans are auto-applied.
const (
	RiskLow    = "low"
	RiskMedium = "medium"
	RiskHigh   = "high"
)

// InlineContext carries the position of an inline review comment.
type InlineContext struct {
	Path             string `json:"path,omitempty"`
	Position         *int   `json:"position,omitempty"`
	OriginalPosition *int   `json:"original_position,omitempty"`
	Line             *int   `json:"line,omitempty"`
	OriginalLine     *int   `json:"original_line,omitempty"`
	Side             string `json:"side,omitempty"`
	DiffHunk         string `json:"diff_hunk,omitempty"`
}

// PRReviewEvent is the normalized form of an inbound webhook delivery. This
// is the exact document dispatched into the review cycle.
type PRReviewEvent struct {
	SchemaVersion  string         `json:"schema_version"`
	DeliveryID     string         `json:"delivery_id"`
	EventType      string         `json:"event_type"`
	Action         string         `json:"action,omitempty"`
	PRNumber       int            `json:"pr_number,omitempty"`
	RepoFullName   string         `json:"repo_full_name"`
	InstallationID int64          `json:"installation_id,omitempty"`
	SenderLogin    string         `json:"sender_login"`
	CommentBody    string         `json:"comment_body,omitempty"`
	CommentURL     string         `json:"comment_url,omitempty"`
	PRURL          string         `json:"pr_url,omitempty"`
	InlineContext  *InlineContext `json:"inline_context,omitempty"`
	ReviewState    string         `json:"review_state,omitempty"`
	ReceivedAt     string         `json:"received_at,omitempty"`
}

// Validate checks the identity fields required to route the event.
func (e *PRReviewEvent) Validate() error {
	if e.DeliveryID == "" {
		return fmt.Errorf("pr review event: delivery_id is required")
	}
	if e.RepoFullName == "" {
		return fmt.Errorf("pr review event: repo_full_name is required")
	}
	if e.EventType == "" {
		return fmt.Errorf("pr review event: event_type is required")
	}
	return nil
}

// ProposedEdit is one file change in a fix plan. Either Patch (unified diff)
// or Instructions (replace DSL) must carry the change.
type ProposedEdit struct {
	FilePath     string `json:"file_path"`
	ChangeType   string `json:"change_type"` // edit | create
	Patch        string `json:"patch,omitempty"`
	Instructions string `json:"instructions,omitempty"`
	Rationale    string `json:"rationale,omitempty"`
	TargetLine   int    `json:"target_line,omitempty"`
	LineRange    []int  `json:"line_range,omitempty"`
	FileSHA      string `json:"file_sha,omitempty"`
}

// PRFixPlan is the deterministic fix proposal built from a review comment.
type PRFixPlan struct {
	SchemaVersion string         `json:"schema_version"`
	DeliveryID    string         `json:"delivery_id"`
	PRNumber      int            `json:"pr_number"`
	RepoFullName  string         `json:"repo_full_name"`
	Summary       string         `json:"summary"`
	ProposedEdits []ProposedEdit `json:"proposed_edits"`
	RiskLevel     string         `json:"risk_level"` // low | medium | high
	RequiresHuman bool           `json:"requires_human"`
	ModelTrace    map[string]any `json:"model_trace,omitempty"`
	CreatedAt     string         `json:"created_at,omitempty"`
}

// CodeContext is a numbered window of source around a commented line, used
// both to plan a fix and to anchor its hunk.
type CodeContext struct {
	Path      string `json:"path"`
	Line      int    `json:"line"`
	StartLine int    `json:"start_line"`
	EndLine   int    `json:"end_line"`
	Snippet   string `json:"snippet"`
	FileSHA   string `json:"file_sha,omitempty"`
}
