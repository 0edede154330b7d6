// Package budget enforces row-count and byte-size caps on structured
// evidence payloads before they cross a durable boundary. Size is always
// measured on the canonical serialization, the same bytes that get hashed
// and written.
package budget

import (
	"fmt"

	"github.com/opsrunbook/copilot/pkg/canonical"
)

// Result is the outcome of applying budgets to a payload.
type Result struct {
	Payload   map[string]any
	Truncated bool
	ByteSize  int
}

// Apply enforces two caps on payload:
//   - maxRows per list field (top-level lists and per-section "rows" lists)
//   - maxBytes total canonical JSON size
//
// Degradation is staged: trim top-level lists, then trim section rows, then
// replace section rows with a note. The payload is modified in place.
func Apply(payload map[string]any, maxRows, maxBytes int) (Result, error) {
	truncated := false

	// Stage 1: trim top-level list fields.
	for key, val := range payload {
		if list, ok := val.([]any); ok && len(list) > maxRows {
			payload[key] = list[:maxRows]
			truncated = true
		}
	}

	size, err := sizeOf(payload)
	if err != nil {
		return Result{}, err
	}
	if size <= maxBytes {
		return Result{Payload: payload, Truncated: truncated, ByteSize: size}, nil
	}

	// Stage 2: trim nested "rows" lists inside sections.
	sections, hasSections := payload["sections"].([]any)
	if hasSections {
		for _, s := range sections {
			sec, ok := s.(map[string]any)
			if !ok {
				continue
			}
			if rows, ok := sec["rows"].([]any); ok && len(rows) > maxRows {
				sec["rows"] = rows[:maxRows]
				truncated = true
			}
		}
		size, err = sizeOf(payload)
		if err != nil {
			return Result{}, err
		}
		if size <= maxBytes {
			return Result{Payload: payload, Truncated: truncated, ByteSize: size}, nil
		}
	}

	// Stage 3: last resort, drop raw rows and keep only metadata + note.
	if hasSections {
		minimized := make([]any, 0, len(sections))
		for _, s := range sections {
			name := "unknown"
			if sec, ok := s.(map[string]any); ok {
				if n, ok := sec["name"].(string); ok {
					name = n
				}
			}
			minimized = append(minimized, map[string]any{
				"name": name,
				"note": "Dropped section rows due to size budget",
			})
		}
		payload["sections"] = minimized
		payload["note"] = "Evidence was truncated to fit size budget"
		size, err = sizeOf(payload)
		if err != nil {
			return Result{}, err
		}
		return Result{Payload: payload, Truncated: true, ByteSize: size}, nil
	}

	minimized := map[string]any{"note": "Evidence was truncated to fit size budget"}
	size, err = sizeOf(minimized)
	if err != nil {
		return Result{}, err
	}
	return Result{Payload: minimized, Truncated: true, ByteSize: size}, nil
}

func sizeOf(payload map[string]any) (int, error) {
	b, err := canonical.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("budget: sizing failed: %w", err)
	}
	return len(b), nil
}
