package review

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/opsrunbook/copilot/pkg/contracts"
	"github.com/opsrunbook/copilot/pkg/github"
)

// FileLine is one (path, line) pair extracted from a webhook event.
type FileLine struct {
	Path string
	Line int
}

// src/main.py:42  |  config/app.json line 10
var pathWithLine = regexp.MustCompile(`([\w./_-]+\.\w+)(?::(\d+)|\s+line\s+(\d+))`)

// bare file path, line defaults to 1
var barePath = regexp.MustCompile(`([\w./_-]+\.\w+)`)

// ExtractFileLines pulls (path, line) pairs from a normalized event. An
// inline comment position wins outright; otherwise paths are parsed out of
// the comment text. At most 5 pairs.
func ExtractFileLines(event *contracts.PRReviewEvent) []FileLine {
	if inline := event.InlineContext; inline != nil && inline.Path != "" {
		line := 0
		if inline.Line != nil {
			line = *inline.Line
		} else if inline.OriginalLine != nil {
			line = *inline.OriginalLine
		}
		if line > 0 {
			return []FileLine{{Path: inline.Path, Line: line}}
		}
	}

	var out []FileLine
	for _, m := range pathWithLine.FindAllStringSubmatch(event.CommentBody, -1) {
		raw := m[2]
		if raw == "" {
			raw = m[3]
		}
		line, _ := strconv.Atoi(raw)
		out = append(out, FileLine{Path: m[1], Line: line})
	}
	if len(out) == 0 {
		for _, m := range barePath.FindAllStringSubmatch(event.CommentBody, -1) {
			out = append(out, FileLine{Path: m[1], Line: 1})
		}
	}
	if len(out) > 5 {
		out = out[:5]
	}
	return out
}

// FormatSnippet numbers lines with right-aligned prefixes:
//
//	10 | def foo():
//	11 |     pass
func FormatSnippet(lines []string, startLine int) string {
	if len(lines) == 0 {
		return ""
	}
	width := len(strconv.Itoa(startLine + len(lines) - 1))
	parts := make([]string, 0, len(lines))
	for i, content := range lines {
		parts = append(parts, fmt.Sprintf("%*d | %s", width, startLine+i, content))
	}
	return strings.Join(parts, "\n")
}

// BuildCodeContext extracts a numbered window of window lines above and
// below the target line from already-loaded file text.
func BuildCodeContext(text, path, fileSHA string, line, window int) contracts.CodeContext {
	all := strings.Split(text, "\n")
	total := len(all)

	if line < 1 {
		line = 1
	}
	if line > total {
		line = total
	}
	start := max(1, line-window)
	end := min(total, line+window)

	return contracts.CodeContext{
		Path:      path,
		Line:      line,
		StartLine: start,
		EndLine:   end,
		Snippet:   FormatSnippet(all[start-1:end], start),
		FileSHA:   fileSHA,
	}
}

// fetchCodeContext loads the file at ref and windows it around line.
func fetchCodeContext(ctx context.Context, source github.Client, owner, repo, path, ref string, line, window int) (contracts.CodeContext, error) {
	file, err := source.GetFileAtRef(ctx, owner, repo, path, ref)
	if err != nil {
		return contracts.CodeContext{}, err
	}
	return BuildCodeContext(file.Text, path, file.SHA, line, window), nil
}

// stripSnippetPrefixes removes the "N | " numbering from snippet lines and
// returns the raw lines plus the first line's number (0 when absent).
func stripSnippetPrefixes(snippet string) ([]string, int) {
	lines := strings.Split(snippet, "\n")
	raw := make([]string, 0, len(lines))
	firstNum := 0
	for i, line := range lines {
		idx := strings.Index(line, " | ")
		if idx >= 0 {
			if n, err := strconv.Atoi(strings.TrimSpace(line[:idx])); err == nil {
				if i == 0 {
					firstNum = n
				}
				raw = append(raw, line[idx+3:])
				continue
			}
		}
		raw = append(raw, line)
	}
	return raw, firstNum
}
