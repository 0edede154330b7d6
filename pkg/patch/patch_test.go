package patch

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsrunbook/copilot/pkg/contracts"
	"github.com/opsrunbook/copilot/pkg/github"
)

type fakeHost struct {
	files   map[string]github.File // keyed by path
	fetches []string
	commits []string
	written map[string]string
	failPut string // path whose commit fails
}

func newFakeHost() *fakeHost {
	return &fakeHost{files: map[string]github.File{}, written: map[string]string{}}
}

func (f *fakeHost) addFile(path, text string) {
	f.files[path] = github.File{Path: path, Text: text, SHA: "sha-" + path, ByteSize: len(text)}
}

func (f *fakeHost) GetFileAtRef(_ context.Context, _, _, path, _ string) (github.File, error) {
	f.fetches = append(f.fetches, path)
	file, ok := f.files[path]
	if !ok {
		return github.File{}, fmt.Errorf("not found: %s", path)
	}
	return file, nil
}

func (f *fakeHost) CreateOrUpdateFile(_ context.Context, _, _, path, content, _, _, _ string) (string, error) {
	if path == f.failPut {
		return "", fmt.Errorf("forbidden")
	}
	f.commits = append(f.commits, path)
	f.written[path] = content
	return fmt.Sprintf("commit-%d", len(f.commits)), nil
}

func newEngine(t *testing.T, host Host) *Engine {
	t.Helper()
	e, err := NewEngine(host, Config{Owner: "opsrunbook"})
	require.NoError(t, err)
	return e
}

func plan(edits ...contracts.ProposedEdit) contracts.PRFixPlan {
	return contracts.PRFixPlan{SchemaVersion: "pr_fix_plan.v1", ProposedEdits: edits}
}

func TestApplyUnifiedDiffEdit(t *testing.T) {
	host := newFakeHost()
	host.addFile("src/app.py", "a\nb\nc\nd\n")

	res := newEngine(t, host).Apply(context.Background(), "checkout", "fix-branch", plan(contracts.ProposedEdit{
		FilePath:   "src/app.py",
		ChangeType: "edit",
		Patch:      "@@ -2,1 +2,1 @@\n-b\n+B\n",
	}), "dlv-1")

	require.Equal(t, StatusSuccess, res.Status, res.Reason)
	assert.Equal(t, "a\nB\nc\nd\n", host.written["src/app.py"])
	assert.Equal(t, "commit-1", res.CommitSHA)
	assert.Equal(t, []string{"src/app.py"}, res.UpdatedFiles)
}

func TestApplyContextMismatchFails(t *testing.T) {
	host := newFakeHost()
	host.addFile("src/app.py", "a\nb\nc\n")

	res := newEngine(t, host).Apply(context.Background(), "checkout", "fix", plan(contracts.ProposedEdit{
		FilePath:   "src/app.py",
		ChangeType: "edit",
		Patch:      "@@ -2,1 +2,1 @@\n-zzz\n+B\n",
	}), "dlv-1")

	assert.Equal(t, StatusFailed, res.Status)
	assert.Contains(t, res.Reason, "did not match")
	assert.Empty(t, host.commits, "phase-one failure must not commit")
}

func TestApplyTrailingWhitespaceTolerated(t *testing.T) {
	host := newFakeHost()
	host.addFile("src/app.py", "value = 1  \nrest\n")

	res := newEngine(t, host).Apply(context.Background(), "checkout", "fix", plan(contracts.ProposedEdit{
		FilePath:   "src/app.py",
		ChangeType: "edit",
		Patch:      "@@ -1,1 +1,1 @@\n-value = 1\n+value = 2\n",
	}), "dlv-1")

	require.Equal(t, StatusSuccess, res.Status, res.Reason)
	assert.Equal(t, "value = 2\nrest\n", host.written["src/app.py"])
}

func TestApplyNoOpPatchFails(t *testing.T) {
	host := newFakeHost()
	host.addFile("src/app.py", "a\nb\n")

	res := newEngine(t, host).Apply(context.Background(), "checkout", "fix", plan(contracts.ProposedEdit{
		FilePath:   "src/app.py",
		ChangeType: "edit",
		Patch:      "@@ -1,1 +1,1 @@\n-a\n+a\n",
	}), "dlv-1")

	assert.Equal(t, StatusFailed, res.Status, "a patch that changes nothing is rejected")
}

func TestApplyInstructionsFallback(t *testing.T) {
	host := newFakeHost()
	host.addFile("config.yaml", "timeout: 30\ntimeout: 30\n")

	res := newEngine(t, host).Apply(context.Background(), "checkout", "fix", plan(contracts.ProposedEdit{
		FilePath:     "config.yaml",
		ChangeType:   "edit",
		Instructions: `Replace "timeout: 30" with "timeout: 60"`,
	}), "dlv-1")

	require.Equal(t, StatusSuccess, res.Status, res.Reason)
	assert.Equal(t, "timeout: 60\ntimeout: 30\n", host.written["config.yaml"], "only the first occurrence is replaced")
}

func TestBlockedPaths(t *testing.T) {
	host := newFakeHost()
	engine := newEngine(t, host)

	for _, path := range []string{
		".github/workflows/ci.yml",
		".github/actions/setup/action.yml",
		".circleci/config.yml",
		"Jenkinsfile",
	} {
		res := engine.Apply(context.Background(), "checkout", "fix", plan(contracts.ProposedEdit{
			FilePath: path, ChangeType: "create", Patch: "x",
		}), "dlv-1")
		assert.Equal(t, StatusFailed, res.Status, path)
		assert.Contains(t, res.Reason, "not allowed", path)
	}
	assert.Empty(t, host.fetches)
}

func TestAllowListPrefixes(t *testing.T) {
	host := newFakeHost()
	host.addFile("docs/readme.md", "old\n")
	engine, err := NewEngine(host, Config{Owner: "opsrunbook", AllowedPaths: []string{"src/", "docs/"}})
	require.NoError(t, err)

	res := engine.Apply(context.Background(), "checkout", "fix", plan(contracts.ProposedEdit{
		FilePath: "lib/util.go", ChangeType: "create", Patch: "x",
	}), "dlv-1")
	assert.Equal(t, StatusFailed, res.Status)

	res = engine.Apply(context.Background(), "checkout", "fix", plan(contracts.ProposedEdit{
		FilePath: "docs/readme.md", ChangeType: "edit", Instructions: `replace "old" with "new"`,
	}), "dlv-1")
	assert.Equal(t, StatusSuccess, res.Status, res.Reason)
}

func TestEmptyPlanDeferred(t *testing.T) {
	res := newEngine(t, newFakeHost()).Apply(context.Background(), "checkout", "fix", plan(), "dlv-1")
	assert.Equal(t, StatusDeferred, res.Status)
}

func TestTooManyFilesFails(t *testing.T) {
	edits := make([]contracts.ProposedEdit, 6)
	for i := range edits {
		edits[i] = contracts.ProposedEdit{FilePath: fmt.Sprintf("f%d.txt", i), ChangeType: "create", Patch: "x"}
	}
	res := newEngine(t, newFakeHost()).Apply(context.Background(), "checkout", "fix", plan(edits...), "dlv-1")
	assert.Equal(t, StatusFailed, res.Status)
	assert.Contains(t, res.Reason, "too many files")
}

func TestResultTooLargeFails(t *testing.T) {
	host := newFakeHost()
	host.addFile("big.txt", "seed\n")
	engine, err := NewEngine(host, Config{Owner: "opsrunbook", MaxBytes: 32})
	require.NoError(t, err)

	res := engine.Apply(context.Background(), "checkout", "fix", plan(contracts.ProposedEdit{
		FilePath:     "big.txt",
		ChangeType:   "edit",
		Instructions: fmt.Sprintf(`replace "seed" with "%s"`, strings.Repeat("y", 64)),
	}), "dlv-1")
	assert.Equal(t, StatusFailed, res.Status)
	assert.Contains(t, res.Reason, "result too large")
}

func TestCreateFile(t *testing.T) {
	host := newFakeHost()

	res := newEngine(t, host).Apply(context.Background(), "checkout", "fix", plan(contracts.ProposedEdit{
		FilePath:   "docs/note.md",
		ChangeType: "create",
		Patch:      "# new file\n",
	}), "dlv-1")

	require.Equal(t, StatusSuccess, res.Status, res.Reason)
	assert.Equal(t, "# new file\n", host.written["docs/note.md"])
	assert.Empty(t, host.fetches, "create does not fetch")
}

func TestMidCommitFailureReportsPartial(t *testing.T) {
	host := newFakeHost()
	host.addFile("a.txt", "one\n")
	host.addFile("b.txt", "two\n")
	host.failPut = "b.txt"

	res := newEngine(t, host).Apply(context.Background(), "checkout", "fix", plan(
		contracts.ProposedEdit{FilePath: "a.txt", ChangeType: "edit", Instructions: `replace "one" with "1"`},
		contracts.ProposedEdit{FilePath: "b.txt", ChangeType: "edit", Instructions: `replace "two" with "2"`},
	), "dlv-1")

	assert.Equal(t, StatusFailed, res.Status)
	assert.Equal(t, "commit-1", res.CommitSHA)
	assert.Equal(t, []string{"a.txt"}, res.UpdatedFiles)
	assert.Contains(t, res.Reason, "commit failed for b.txt")
}

func TestMultiHunkOffsets(t *testing.T) {
	host := newFakeHost()
	host.addFile("m.txt", "l1\nl2\nl3\nl4\nl5\n")

	res := newEngine(t, host).Apply(context.Background(), "checkout", "fix", plan(contracts.ProposedEdit{
		FilePath:   "m.txt",
		ChangeType: "edit",
		Patch:      "@@ -1,1 +1,2 @@\n-l1\n+l1\n+l1b\n@@ -3,1 +4,1 @@\n-l3\n+L3\n",
	}), "dlv-1")

	require.Equal(t, StatusSuccess, res.Status, res.Reason)
	assert.Equal(t, "l1\nl1b\nl2\nL3\nl4\nl5\n", host.written["m.txt"])
}
