package review

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"

	"github.com/opsrunbook/copilot/pkg/contracts"
)

// Deterministic fix inference. No model call: the only edits this planner
// produces are the ones it can derive mechanically from the comment text
// and the loaded code windows. Everything else is planned at a risk level
// that defers to a human.
var (
	// replace 'old' with 'new'  |  change "old" to "new"
	replacePattern = regexp.MustCompile(`(?i)(?:replace|change)\s+['"](.+?)['"]\s+(?:with|to)\s+['"](.+?)['"]`)
	// fix spelling of 'teh' should be 'the'  |  typo: recieve -> receive
	typoPattern = regexp.MustCompile(`(?i)(?:fix\s+spelling\s+(?:of\s+)?|typo:\s*)['"]?(\w+)['"]?\s+(?:should\s+be|to|->|→)\s+['"]?(\w+)['"]?`)
)

// PlanFix builds the fix plan for one delivery. Three strategies, tried in
// order: edits grounded in fetched code contexts, an edit grounded in the
// inline comment's diff hunk, and bare file references parsed out of the
// comment text.
func (c *Cycle) PlanFix(event *contracts.PRReviewEvent, prCtx *PRContext) contracts.PRFixPlan {
	comment := norm.NFC.String(event.CommentBody)

	var edits []contracts.ProposedEdit
	for _, cc := range prCtx.CodeContexts {
		patchText, instructions := inferFix(comment, cc.Snippet, cc.Line)
		edits = append(edits, contracts.ProposedEdit{
			FilePath:     cc.Path,
			ChangeType:   "edit",
			Patch:        patchText,
			Instructions: instructions,
			Rationale:    "Comment: " + truncate(comment, 200) + "\nContext:\n" + truncate(cc.Snippet, 1000),
			TargetLine:   cc.Line,
			LineRange:    []int{cc.StartLine, cc.EndLine},
			FileSHA:      cc.FileSHA,
		})
	}

	if len(edits) == 0 && event.InlineContext != nil && event.InlineContext.Path != "" {
		line := 1
		if event.InlineContext.Line != nil {
			line = *event.InlineContext.Line
		} else if event.InlineContext.OriginalLine != nil {
			line = *event.InlineContext.OriginalLine
		}
		patchText, instructions := inferFix(comment, event.InlineContext.DiffHunk, line)
		edits = append(edits, contracts.ProposedEdit{
			FilePath:     event.InlineContext.Path,
			ChangeType:   "edit",
			Patch:        patchText,
			Instructions: instructions,
			Rationale:    "Comment: " + truncate(comment, 200),
			TargetLine:   line,
			LineRange:    []int{max(1, line-c.cfg.ContextWindow), line + c.cfg.ContextWindow},
		})
	}

	if len(edits) == 0 && comment != "" {
		refs := ExtractFileLines(event)
		for _, ref := range refs {
			edits = append(edits, contracts.ProposedEdit{
				FilePath:     ref.Path,
				ChangeType:   "edit",
				Patch:        "",
				Instructions: fmt.Sprintf("Address feedback at line %d: %s", ref.Line, truncate(comment, 300)),
				TargetLine:   ref.Line,
			})
		}
	}

	anyPatch := false
	for _, e := range edits {
		if e.Patch != "" {
			anyPatch = true
			break
		}
	}
	hasContext := len(prCtx.CodeContexts) > 0

	risk := contracts.RiskHigh
	requiresHuman := true
	switch {
	case anyPatch && hasContext:
		risk = contracts.RiskLow
		requiresHuman = false
	case hasContext:
		risk = contracts.RiskMedium
	case len(edits) > 0:
		risk = contracts.RiskMedium
	}

	return contracts.PRFixPlan{
		SchemaVersion: contracts.SchemaPRFixPlan,
		DeliveryID:    event.DeliveryID,
		PRNumber:      event.PRNumber,
		RepoFullName:  event.RepoFullName,
		Summary:       planSummary(comment, edits, anyPatch, hasContext),
		ProposedEdits: edits,
		RiskLevel:     risk,
		RequiresHuman: requiresHuman,
		ModelTrace: map[string]any{
			"provider":           "stub",
			"prompt_version":     "v1",
			"code_contexts_used": len(prCtx.CodeContexts),
		},
		CreatedAt: c.clock().UTC().Format(time.RFC3339Nano),
	}
}

func planSummary(comment string, edits []contracts.ProposedEdit, anyPatch, hasContext bool) string {
	if len(edits) == 0 {
		return fmt.Sprintf("No file targets identified from comment: %q", truncate(comment, 80))
	}
	paths := make([]string, 0, len(edits))
	for _, e := range edits {
		paths = append(paths, e.FilePath)
	}
	files := fmt.Sprintf("%d file(s) (%s)", len(edits), strings.Join(paths, ", "))
	switch {
	case anyPatch && hasContext:
		return "Context-grounded fix for " + files + " with auto-generated patch"
	case hasContext:
		return "Code context extracted for " + files + "; manual patch needed"
	}
	return files + " referenced in feedback"
}

// inferFix derives a concrete change from the comment. When the comment
// spells out a replacement it yields both a replace instruction and, when
// the old text is visible in the snippet, a one-line unified diff hunk
// anchored to the snippet's line numbers.
func inferFix(comment, snippet string, targetLine int) (patchText, instructions string) {
	m := replacePattern.FindStringSubmatch(comment)
	if m == nil {
		m = typoPattern.FindStringSubmatch(comment)
	}
	if m == nil {
		return "", "Address review feedback: " + truncate(comment, 500)
	}
	oldText, newText := m[1], m[2]
	instructions = fmt.Sprintf("replace %q with %q", oldText, newText)
	if snippet != "" {
		patchText = makeUnifiedDiff(snippet, oldText, newText, targetLine)
	}
	return patchText, instructions
}

// makeUnifiedDiff builds a single-line hunk replacing the first snippet
// line containing oldText. File line numbers come from the snippet's
// numbering prefixes; an unnumbered snippet (a raw diff hunk) falls back
// to targetLine minus the context window.
func makeUnifiedDiff(snippet, oldText, newText string, targetLine int) string {
	raw, firstNum := stripSnippetPrefixes(snippet)
	idx := -1
	for i, line := range raw {
		if strings.Contains(line, oldText) {
			idx = i
			break
		}
	}
	if idx < 0 {
		return ""
	}
	base := firstNum
	if base == 0 {
		base = max(1, targetLine-DefaultContextWindow)
	}
	fileLine := base + idx
	newLine := strings.Replace(raw[idx], oldText, newText, 1)
	return fmt.Sprintf("@@ -%d,1 +%d,1 @@\n-%s\n+%s", fileLine, fileLine, raw[idx], newLine)
}
