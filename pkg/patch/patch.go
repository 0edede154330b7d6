// Package patch applies fix-plan edits to a PR branch through the
// source-control contents API. Application is two-phase and
// all-or-nothing: every edit is validated and its new content computed
// before the first commit is made.
package patch

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/opsrunbook/copilot/pkg/contracts"
	"github.com/opsrunbook/copilot/pkg/github"
)

// Defaults for the per-plan limits.
const (
	DefaultMaxFiles = 5
	DefaultMaxBytes = 204800
)

// CI configuration is never patched automatically, regardless of the
// allow list.
var blockedPathPatterns = []*regexp.Regexp{
	regexp.MustCompile(`^\.github/workflows/`),
	regexp.MustCompile(`^\.github/actions/`),
	regexp.MustCompile(`^\.circleci/`),
	regexp.MustCompile(`^Jenkinsfile`),
}

// Statuses of a patch attempt.
const (
	StatusSuccess  = "success"
	StatusFailed   = "failed"
	StatusDeferred = "deferred"
)

// Result reports the outcome of one plan application.
type Result struct {
	Status       string   `json:"status"`
	Reason       string   `json:"reason,omitempty"`
	CommitSHA    string   `json:"commit_sha,omitempty"`
	UpdatedFiles []string `json:"updated_files,omitempty"`
}

// Host is the source-control surface the engine needs.
type Host interface {
	GetFileAtRef(ctx context.Context, owner, repo, path, ref string) (github.File, error)
	CreateOrUpdateFile(ctx context.Context, owner, repo, path, content, message, branch, fileSHA string) (string, error)
}

// Engine applies fix plans for one repository owner.
type Engine struct {
	host         Host
	owner        string
	allowedPaths []string
	maxFiles     int
	maxBytes     int
}

// Config holds Engine construction parameters.
type Config struct {
	Owner        string
	AllowedPaths []string // path prefixes; empty means any non-blocked path
	MaxFiles     int      // defaults to DefaultMaxFiles
	MaxBytes     int      // defaults to DefaultMaxBytes
}

// NewEngine builds a patch engine.
func NewEngine(host Host, cfg Config) (*Engine, error) {
	if host == nil {
		return nil, fmt.Errorf("patch: host is required")
	}
	if cfg.Owner == "" {
		return nil, fmt.Errorf("patch: owner is required")
	}
	maxFiles := cfg.MaxFiles
	if maxFiles <= 0 {
		maxFiles = DefaultMaxFiles
	}
	maxBytes := cfg.MaxBytes
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	return &Engine{
		host:         host,
		owner:        cfg.Owner,
		allowedPaths: cfg.AllowedPaths,
		maxFiles:     maxFiles,
		maxBytes:     maxBytes,
	}, nil
}

type preparedEdit struct {
	path    string
	content string
	fileSHA string
}

// Apply validates every edit in the plan, computes the new file contents,
// and only then commits them sequentially to the branch. Any phase-one
// failure leaves the branch untouched.
func (e *Engine) Apply(ctx context.Context, repo, branch string, plan contracts.PRFixPlan, deliveryID string) Result {
	edits := plan.ProposedEdits
	if len(edits) == 0 {
		return Result{Status: StatusDeferred, Reason: "no edits in plan"}
	}
	if len(edits) > e.maxFiles {
		return Result{Status: StatusFailed, Reason: fmt.Sprintf("too many files: %d > %d", len(edits), e.maxFiles)}
	}

	prepared := make([]preparedEdit, 0, len(edits))
	for _, edit := range edits {
		if edit.FilePath == "" {
			return Result{Status: StatusFailed, Reason: "empty file_path in edit"}
		}
		if !e.pathAllowed(edit.FilePath) {
			return Result{Status: StatusFailed, Reason: "path not allowed: " + edit.FilePath}
		}

		switch edit.ChangeType {
		case "edit", "":
			file, err := e.host.GetFileAtRef(ctx, e.owner, repo, edit.FilePath, branch)
			if err != nil {
				return Result{Status: StatusFailed, Reason: fmt.Sprintf("cannot fetch %s: %v", edit.FilePath, err)}
			}
			if file.ByteSize > e.maxBytes {
				return Result{Status: StatusFailed, Reason: "file too large: " + edit.FilePath}
			}

			newContent, ok := computeEdit(file.Text, edit.Patch, edit.Instructions)
			if !ok {
				return Result{
					Status: StatusFailed,
					Reason: fmt.Sprintf("could not apply edit to %s: patch/instructions did not match", edit.FilePath),
				}
			}
			if len(newContent) > e.maxBytes {
				return Result{Status: StatusFailed, Reason: "result too large: " + edit.FilePath}
			}
			prepared = append(prepared, preparedEdit{path: edit.FilePath, content: newContent, fileSHA: file.SHA})

		case "create":
			content := edit.Patch
			if content == "" {
				content = edit.Instructions
			}
			if len(content) > e.maxBytes {
				return Result{Status: StatusFailed, Reason: "new file too large: " + edit.FilePath}
			}
			prepared = append(prepared, preparedEdit{path: edit.FilePath, content: content})

		default:
			return Result{Status: StatusFailed, Reason: "unsupported change_type: " + edit.ChangeType}
		}
	}

	message := fmt.Sprintf("OpsRunbook: address review feedback (delivery %s)", deliveryID)
	lastSHA := ""
	updated := make([]string, 0, len(prepared))
	for _, p := range prepared {
		sha, err := e.host.CreateOrUpdateFile(ctx, e.owner, repo, p.path, p.content, message, branch, p.fileSHA)
		if err != nil {
			return Result{
				Status:       StatusFailed,
				Reason:       fmt.Sprintf("commit failed for %s: %v", p.path, err),
				CommitSHA:    lastSHA,
				UpdatedFiles: updated,
			}
		}
		lastSHA = sha
		updated = append(updated, p.path)
	}

	return Result{Status: StatusSuccess, CommitSHA: lastSHA, UpdatedFiles: updated}
}

func (e *Engine) pathAllowed(path string) bool {
	for _, pattern := range blockedPathPatterns {
		if pattern.MatchString(path) {
			return false
		}
	}
	if len(e.allowedPaths) == 0 {
		return true
	}
	for _, prefix := range e.allowedPaths {
		prefix = strings.TrimSpace(prefix)
		if prefix != "" && strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// computeEdit tries the unified diff first, then the instruction DSL.
func computeEdit(original, patchText, instructions string) (string, bool) {
	if patchText != "" {
		if out, ok := applyUnifiedDiff(original, patchText); ok {
			return out, true
		}
	}
	if instructions != "" {
		if out, ok := applyInstructions(original, instructions); ok {
			return out, true
		}
	}
	return "", false
}

var replaceInstruction = regexp.MustCompile(`(?i)replace\s+['"](.+?)['"]\s+with\s+['"](.+?)['"]`)

// applyInstructions handles the one deterministic instruction form:
// replace "X" with "Y", applied to the first occurrence only.
func applyInstructions(original, instructions string) (string, bool) {
	m := replaceInstruction.FindStringSubmatch(instructions)
	if m == nil {
		return "", false
	}
	oldText, newText := m[1], m[2]
	if !strings.Contains(original, oldText) {
		return "", false
	}
	return strings.Replace(original, oldText, newText, 1), true
}

var hunkHeader = regexp.MustCompile(`^@@ -(\d+)(?:,(\d+))? \+(\d+)(?:,(\d+))? @@`)

// applyUnifiedDiff applies hunks one by one with strict context
// verification: every removed line must match the file (modulo trailing
// whitespace) at its claimed position. A patch that changes nothing is a
// failure.
func applyUnifiedDiff(original, patchText string) (string, bool) {
	lines := strings.Split(original, "\n")
	result := make([]string, len(lines))
	copy(result, lines)
	patchLines := strings.Split(strings.TrimSpace(patchText), "\n")

	offset := 0
	i := 0
	for i < len(patchLines) {
		m := hunkHeader.FindStringSubmatch(patchLines[i])
		if m == nil {
			i++
			continue
		}
		oldStart, err := strconv.Atoi(m[1])
		if err != nil {
			return "", false
		}
		oldStart--
		i++

		var removals, additions []string
		for i < len(patchLines) {
			line := patchLines[i]
			if strings.HasPrefix(line, "@@") || strings.HasPrefix(line, "diff ") ||
				strings.HasPrefix(line, "---") || strings.HasPrefix(line, "+++") {
				break
			}
			switch {
			case strings.HasPrefix(line, "-"):
				removals = append(removals, line[1:])
			case strings.HasPrefix(line, "+"):
				additions = append(additions, line[1:])
			case strings.HasPrefix(line, " "):
				if len(removals) > 0 || len(additions) > 0 {
					goto hunkDone
				}
			}
			i++
		}
	hunkDone:

		for j, removed := range removals {
			idx := oldStart + offset + j
			if idx >= len(result) || strings.TrimRight(result[idx], " \t") != strings.TrimRight(removed, " \t") {
				return "", false
			}
		}

		at := oldStart + offset
		replaced := make([]string, 0, len(result)-len(removals)+len(additions))
		replaced = append(replaced, result[:at]...)
		replaced = append(replaced, additions...)
		replaced = append(replaced, result[at+len(removals):]...)
		result = replaced
		offset += len(additions) - len(removals)
	}

	out := strings.Join(result, "\n")
	if out == original {
		return "", false
	}
	return out, true
}
