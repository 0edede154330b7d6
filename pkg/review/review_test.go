package review

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsrunbook/copilot/pkg/blobstore"
	"github.com/opsrunbook/copilot/pkg/contracts"
	"github.com/opsrunbook/copilot/pkg/github"
	"github.com/opsrunbook/copilot/pkg/patch"
	"github.com/opsrunbook/copilot/pkg/recordstore"
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeHost struct {
	pr       github.PullRequest
	files    []github.PRFile
	fileText map[string]string // path -> content served at any ref
	comments []string
	commits  int
}

func (f *fakeHost) DefaultBranch(context.Context, string) string { return "main" }
func (f *fakeHost) FileExists(context.Context, string, string) bool {
	return false
}
func (f *fakeHost) CreatePRWithNotes(context.Context, github.CreatePRRequest) (github.PRResult, error) {
	return github.PRResult{}, fmt.Errorf("github: not supported in review tests")
}
func (f *fakeHost) GetPR(context.Context, string, string, int) (github.PullRequest, error) {
	return f.pr, nil
}
func (f *fakeHost) ListPRFiles(context.Context, string, string, int) ([]github.PRFile, error) {
	return f.files, nil
}
func (f *fakeHost) GetFileAtRef(_ context.Context, _, _, path, ref string) (github.File, error) {
	text, ok := f.fileText[path]
	if !ok {
		return github.File{}, fmt.Errorf("github: 404 %s", path)
	}
	return github.File{
		Path: path, Ref: ref, SHA: "sha-" + path,
		Text: text, ByteSize: len(text), LineCount: strings.Count(text, "\n") + 1,
	}, nil
}
func (f *fakeHost) CreateOrUpdateFile(_ context.Context, _, _, path, content, _, _, _ string) (string, error) {
	f.fileText[path] = content
	f.commits++
	return fmt.Sprintf("commit-%d", f.commits), nil
}
func (f *fakeHost) CreatePRComment(_ context.Context, _, _ string, _ int, body string) error {
	f.comments = append(f.comments, body)
	return nil
}
func (f *fakeHost) ListPRComments(context.Context, string, string, int) ([]github.Comment, error) {
	return nil, nil
}

func intPtr(n int) *int { return &n }

// payFile is 60 numbered lines with a typo on line 42.
func payFile() string {
	lines := make([]string, 60)
	for i := range lines {
		lines[i] = fmt.Sprintf("# line %d", i+1)
	}
	lines[41] = "    total = amout * rate"
	return strings.Join(lines, "\n")
}

func ourPR() github.PullRequest {
	return github.PullRequest{
		Number:  7,
		Title:   "OPS-1 analysis notes",
		Body:    "<!-- opsrunbook_copilot: true -->\nauto notes",
		State:   "open",
		User:    "opsrunbook-copilot-bot",
		HeadRef: "opsrunbook/OPS-1",
		HeadSHA: "deadbeef",
		BaseRef: "main",
		Labels:  []string{"opsrunbook-copilot"},
	}
}

func reviewEvent(comment string) *contracts.PRReviewEvent {
	return &contracts.PRReviewEvent{
		SchemaVersion: contracts.SchemaPRReviewEvent,
		DeliveryID:    "dlv-1234567890abcdef",
		EventType:     "pull_request_review_comment",
		PRNumber:      7,
		RepoFullName:  "org/checkout-service",
		SenderLogin:   "alice",
		CommentBody:   comment,
		CommentURL:    "https://github.com/org/checkout-service/pull/7#discussion_r1",
	}
}

type cycleEnv struct {
	host    *fakeHost
	blobs   *blobstore.MemoryStore
	records *recordstore.MemoryStore
	cycle   *Cycle
}

func newCycleEnv(t *testing.T) *cycleEnv {
	t.Helper()
	host := &fakeHost{
		pr:       ourPR(),
		files:    []github.PRFile{{Filename: "src/handlers/pay.py", Status: "modified", Patch: "@@ -40 +40 @@"}},
		fileText: map[string]string{"src/handlers/pay.py": payFile()},
	}
	blobs := blobstore.NewMemoryStore("test-bucket")
	records := recordstore.NewMemoryStore()
	cycle := NewCycle(host, blobs, records, Config{}, nil).
		WithClock(func() time.Time { return fixedNow })
	return &cycleEnv{host: host, blobs: blobs, records: records, cycle: cycle}
}

func TestExtractFileLinesInlineContextWins(t *testing.T) {
	ev := reviewEvent("please fix src/other.py:10")
	ev.InlineContext = &contracts.InlineContext{Path: "src/handlers/pay.py", Line: intPtr(42)}

	pairs := ExtractFileLines(ev)
	require.Len(t, pairs, 1)
	assert.Equal(t, FileLine{Path: "src/handlers/pay.py", Line: 42}, pairs[0])
}

func TestExtractFileLinesFromComment(t *testing.T) {
	pairs := ExtractFileLines(reviewEvent("bug in src/a.py:12 and also config/app.json line 3"))
	assert.Equal(t, []FileLine{
		{Path: "src/a.py", Line: 12},
		{Path: "config/app.json", Line: 3},
	}, pairs)
}

func TestExtractFileLinesBarePathDefaultsToLineOne(t *testing.T) {
	pairs := ExtractFileLines(reviewEvent("please look at src/handlers/pay.py"))
	assert.Equal(t, []FileLine{{Path: "src/handlers/pay.py", Line: 1}}, pairs)
}

func TestExtractFileLinesCapped(t *testing.T) {
	pairs := ExtractFileLines(reviewEvent("a.py:1 b.py:2 c.py:3 d.py:4 e.py:5 f.py:6 g.py:7"))
	assert.Len(t, pairs, 5)
}

func TestBuildCodeContextClampsLineAndWindow(t *testing.T) {
	text := "one\ntwo\nthree\nfour\nfive"
	cc := BuildCodeContext(text, "f.txt", "sha", 100, 20)

	assert.Equal(t, 5, cc.Line, "out-of-range line clamps to the last line")
	assert.Equal(t, 1, cc.StartLine)
	assert.Equal(t, 5, cc.EndLine)
	assert.Equal(t, "1 | one\n2 | two\n3 | three\n4 | four\n5 | five", cc.Snippet)
}

func TestFormatSnippetRightAligned(t *testing.T) {
	got := FormatSnippet([]string{"a", "b", "c"}, 9)
	assert.Equal(t, " 9 | a\n10 | b\n11 | c", got)
}

func TestGuardrails(t *testing.T) {
	e := newCycleEnv(t)
	prCtx := &PRContext{Body: ourPR().Body, Labels: ourPR().Labels, AuthorLogin: ourPR().User}

	ev := reviewEvent("looks wrong")
	ev.SenderLogin = "opsrunbook-copilot-bot"
	ok, reason := e.cycle.Guardrails(ev, prCtx)
	assert.False(t, ok)
	assert.Equal(t, "sender is bot itself", reason)

	ev = reviewEvent("something [bot] style")
	ev.SenderLogin = "dependabot[bot]"
	ok, reason = e.cycle.Guardrails(ev, prCtx)
	assert.False(t, ok)
	assert.Equal(t, "sender is bot itself", reason)

	ok, reason = e.cycle.Guardrails(reviewEvent("/copilot stop"), prCtx)
	assert.False(t, ok)
	assert.Equal(t, "stop command received", reason)

	foreign := &PRContext{Body: "regular human PR", AuthorLogin: "bob"}
	ok, reason = e.cycle.Guardrails(reviewEvent("fix this"), foreign)
	assert.False(t, ok)
	assert.Equal(t, "PR not created by opsrunbook-copilot", reason)

	ok, _ = e.cycle.Guardrails(reviewEvent("fix this"), prCtx)
	assert.True(t, ok)
}

func TestGuardrailsOursByBodyMarkerOnly(t *testing.T) {
	e := newCycleEnv(t)
	prCtx := &PRContext{Body: "contains <!-- OPSRUNBOOK_COPILOT: true -->", AuthorLogin: "someone"}
	ok, _ := e.cycle.Guardrails(reviewEvent("fix"), prCtx)
	assert.True(t, ok)
}

func TestInferFixReplaceAndTypoPatterns(t *testing.T) {
	snippet := FormatSnippet([]string{"x = 1", "total = amout * rate", "y = 2"}, 41)

	patchText, instructions := inferFix("please replace 'amout' with 'amount'", snippet, 42)
	assert.Equal(t, `replace "amout" with "amount"`, instructions)
	assert.Equal(t, "@@ -42,1 +42,1 @@\n-total = amout * rate\n+total = amount * rate", patchText)

	patchText, instructions = inferFix("typo: amout -> amount", snippet, 42)
	assert.Equal(t, `replace "amout" with "amount"`, instructions)
	assert.NotEmpty(t, patchText)

	patchText, instructions = inferFix("this is slow, rethink it", snippet, 42)
	assert.Empty(t, patchText)
	assert.Equal(t, "Address review feedback: this is slow, rethink it", instructions)
}

func TestMakeUnifiedDiffFallsBackWithoutPrefixes(t *testing.T) {
	got := makeUnifiedDiff("a\nb has old text\nc", "old text", "new text", 50)
	assert.Equal(t, "@@ -31,1 +31,1 @@\n-b has old text\n+b has new text", got,
		"unnumbered snippet anchors at target minus window plus match offset")
}

func TestPlanFixNoTargetsIsHighRisk(t *testing.T) {
	e := newCycleEnv(t)
	plan := e.cycle.PlanFix(reviewEvent("looks good overall, just slow"), &PRContext{})

	assert.Empty(t, plan.ProposedEdits)
	assert.Equal(t, contracts.RiskHigh, plan.RiskLevel)
	assert.True(t, plan.RequiresHuman)
	assert.Contains(t, plan.Summary, "No file targets identified from comment")
}

func TestPlanFixContextWithoutPatchIsMediumRisk(t *testing.T) {
	e := newCycleEnv(t)
	prCtx := &PRContext{CodeContexts: []contracts.CodeContext{
		{Path: "src/handlers/pay.py", Line: 42, StartLine: 22, EndLine: 60,
			Snippet: FormatSnippet([]string{"total = amout * rate"}, 42), FileSHA: "sha"},
	}}
	plan := e.cycle.PlanFix(reviewEvent("this line is confusing, refactor"), prCtx)

	require.Len(t, plan.ProposedEdits, 1)
	assert.Empty(t, plan.ProposedEdits[0].Patch)
	assert.Equal(t, contracts.RiskMedium, plan.RiskLevel)
	assert.True(t, plan.RequiresHuman)
	assert.Contains(t, plan.Summary, "manual patch needed")
}

func TestPlanFixInlineFallbackUsesDiffHunk(t *testing.T) {
	e := newCycleEnv(t)
	ev := reviewEvent("replace 'amout' with 'amount'")
	ev.InlineContext = &contracts.InlineContext{
		Path:     "src/handlers/pay.py",
		Line:     intPtr(42),
		DiffHunk: "total = amout * rate",
	}
	plan := e.cycle.PlanFix(ev, &PRContext{})

	require.Len(t, plan.ProposedEdits, 1)
	edit := plan.ProposedEdits[0]
	assert.Equal(t, "src/handlers/pay.py", edit.FilePath)
	assert.Equal(t, []int{22, 62}, edit.LineRange)
	assert.NotEmpty(t, edit.Patch)
	// no fetched context means the patch is not trusted for auto-apply
	assert.Equal(t, contracts.RiskMedium, plan.RiskLevel)
	assert.True(t, plan.RequiresHuman)
}

func TestRunAppliesLowRiskFixEndToEnd(t *testing.T) {
	e := newCycleEnv(t)
	ev := reviewEvent("replace 'amout' with 'amount'")
	ev.InlineContext = &contracts.InlineContext{Path: "src/handlers/pay.py", Line: intPtr(42)}

	out, err := e.cycle.Run(context.Background(), ev)
	require.NoError(t, err)

	assert.Equal(t, patch.StatusSuccess, out.Status)
	assert.Equal(t, "commit-1", out.CommitSHA)
	assert.Equal(t, []string{"src/handlers/pay.py"}, out.UpdatedFiles)
	assert.True(t, out.CommentPosted)
	assert.Contains(t, e.host.fileText["src/handlers/pay.py"], "total = amount * rate")
	assert.NotContains(t, e.host.fileText["src/handlers/pay.py"], "amout")

	require.Len(t, e.host.comments, 1)
	comment := e.host.comments[0]
	assert.Contains(t, comment, "**OpsRunbook Copilot** — review response `dlv-12345678`")
	assert.Contains(t, comment, "Applied fix in commit `commit-1`")
	assert.Contains(t, comment, "_delivery: dlv-1234567890abcdef_")

	// review packet persisted
	exists, err := e.blobs.Exists(context.Background(),
		blobstore.ReviewPacketKey("org/checkout-service", ev.DeliveryID))
	require.NoError(t, err)
	assert.True(t, exists)

	// outcome recorded under the PR partition
	recs, err := e.records.QueryPrefix(context.Background(),
		recordstore.ReviewOutcomePK("org/checkout-service", 7), recordstore.SKOutcomePrefix, nil)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "respond_to_pr_review", recs[0].Item["action_type"])
	assert.Equal(t, patch.StatusSuccess, recs[0].Item["status"])
	assert.Equal(t, "commit-1", recs[0].Item["commit_sha"])
}

func TestRunDefersWithoutPushingCode(t *testing.T) {
	e := newCycleEnv(t)
	ev := reviewEvent("this approach is confusing, see src/handlers/pay.py:42")

	out, err := e.cycle.Run(context.Background(), ev)
	require.NoError(t, err)

	assert.Equal(t, patch.StatusDeferred, out.Status)
	assert.Equal(t, "requires_human or high risk", out.Reason)
	assert.Zero(t, e.host.commits, "deferred plans never touch the branch")

	require.Len(t, e.host.comments, 1)
	assert.Contains(t, e.host.comments[0], "This change requires human review")
	assert.Contains(t, e.host.comments[0], "**Files referenced:**")
	assert.Contains(t, e.host.comments[0], "`src/handlers/pay.py`")
}

func TestRunSkipsGuardedDeliveries(t *testing.T) {
	e := newCycleEnv(t)
	ev := reviewEvent("fix it")
	ev.SenderLogin = "opsrunbook-copilot-bot"

	out, err := e.cycle.Run(context.Background(), ev)
	require.NoError(t, err)
	assert.Equal(t, StatusSkipped, out.Status)
	assert.Equal(t, "sender is bot itself", out.Reason)
	assert.Empty(t, e.host.comments, "skipped deliveries post nothing")

	exists, err := e.blobs.Exists(context.Background(),
		blobstore.ReviewPacketKey("org/checkout-service", ev.DeliveryID))
	require.NoError(t, err)
	assert.False(t, exists, "skipped deliveries persist no packet")
}

func TestLoadPRContextFetchesWindows(t *testing.T) {
	e := newCycleEnv(t)
	ev := reviewEvent("see src/handlers/pay.py:42 and missing/file.py:1")

	prCtx, err := e.cycle.LoadPRContext(context.Background(), ev)
	require.NoError(t, err)

	assert.Equal(t, "org", prCtx.Owner)
	assert.Equal(t, "checkout-service", prCtx.Repo)
	assert.Equal(t, "opsrunbook/OPS-1", prCtx.HeadRef)
	require.Len(t, prCtx.CodeContexts, 1, "unfetchable context is dropped, not fatal")

	cc := prCtx.CodeContexts[0]
	assert.Equal(t, 42, cc.Line)
	assert.Equal(t, 22, cc.StartLine)
	assert.Equal(t, 60, cc.EndLine, "window clamps to the file length")
	assert.Contains(t, cc.Snippet, "42 |     total = amout * rate")
}
