// Package traceparse extracts normalized (path, line) frames from free-form
// failure text. Two primary patterns cover the common Python and Node stack
// formats; a generic path:line fallback catches the rest. Paths are stripped
// of runtime prefixes and dependency-directory noise is filtered out.
package traceparse

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/opsrunbook/copilot/pkg/contracts"
)

// MaxAppFrames bounds the number of application frames returned.
const MaxAppFrames = 5

var stripLiterals = []string{
	"/var/task/",
	"/usr/src/app/",
	"/app/",
	"/opt/python/",
	"/opt/",
}

var stripPatterns = []*regexp.Regexp{
	regexp.MustCompile(`/home/runner/work/[^/]+/[^/]+/`),
	regexp.MustCompile(`/tmp/[a-f0-9-]+/`),
}

var noisePatterns = []*regexp.Regexp{
	regexp.MustCompile(`site-packages/`),
	regexp.MustCompile(`node_modules/`),
	regexp.MustCompile(`\.venv/`),
	regexp.MustCompile(`dist-packages/`),
	regexp.MustCompile(`<frozen `),
	regexp.MustCompile(`<string>`),
	regexp.MustCompile(`<module>`),
	regexp.MustCompile(`importlib`),
	regexp.MustCompile(`_bootstrap`),
	regexp.MustCompile(`__pycache__`),
	regexp.MustCompile(`lib/python\d`),
}

// File "/var/task/handler.py", line 42, in lambda_handler
var pyFrame = regexp.MustCompile(`File "([^"]+)",\s+line (\d+)(?:,\s+in (\S+))?`)

// at functionName (/path/to/file.js:10:5)  |  at /path/to/file.js:10:5
var nodeFrame = regexp.MustCompile(`at\s+(?:(\S+)\s+)?\(?([^():]+):(\d+):(\d+)\)?`)

// generic path:line with a short extension
var genericPathLine = regexp.MustCompile(`([\w./_-]+\.\w{1,5}):(\d+)`)

// NormalizePath strips runtime prefixes and a leading "./" from a path.
func NormalizePath(raw string) string {
	out := strings.TrimSpace(raw)
	for _, prefix := range stripLiterals {
		out = strings.TrimPrefix(out, prefix)
	}
	for _, re := range stripPatterns {
		if loc := re.FindStringIndex(out); loc != nil {
			out = out[:loc[0]] + out[loc[1]:]
		}
	}
	return strings.TrimPrefix(out, "./")
}

func isNoise(path string) bool {
	for _, re := range noisePatterns {
		if re.MatchString(path) {
			return true
		}
	}
	return false
}

// ParseFrames extracts every trace frame from text, deduplicated by
// (normalized_path, line). The generic fallback only runs when neither
// primary pattern matched anything.
func ParseFrames(text string) []contracts.TraceFrame {
	var frames []contracts.TraceFrame
	seen := make(map[string]bool)

	add := func(raw string, line, column int, fn string) {
		norm := NormalizePath(raw)
		key := norm + ":" + strconv.Itoa(line)
		if seen[key] {
			return
		}
		seen[key] = true
		frames = append(frames, contracts.TraceFrame{
			RawPath:        raw,
			NormalizedPath: norm,
			Line:           line,
			Column:         column,
			Function:       fn,
		})
	}

	for _, m := range pyFrame.FindAllStringSubmatch(text, -1) {
		line, _ := strconv.Atoi(m[2])
		add(m[1], line, 0, m[3])
	}
	for _, m := range nodeFrame.FindAllStringSubmatch(text, -1) {
		line, _ := strconv.Atoi(m[3])
		column, _ := strconv.Atoi(m[4])
		add(m[2], line, column, m[1])
	}
	if len(frames) == 0 {
		for _, m := range genericPathLine.FindAllStringSubmatch(text, -1) {
			line, _ := strconv.Atoi(m[2])
			add(m[1], line, 0, "")
		}
	}
	return frames
}

// ExtractAppFrames parses frames, drops noise, and returns at most
// MaxAppFrames application frames.
func ExtractAppFrames(text string) []contracts.TraceFrame {
	all := ParseFrames(text)
	app := make([]contracts.TraceFrame, 0, len(all))
	for _, f := range all {
		if isNoise(f.NormalizedPath) {
			continue
		}
		app = append(app, f)
		if len(app) == MaxAppFrames {
			break
		}
	}
	return app
}
