package sandbox

import (
	"encoding/json"
	"fmt"
)

// SerializeWithLimit JSON-encodes value with two-space indentation and, if
// the result exceeds maxChars, slices it to leave room for a literal
// truncation suffix naming the limit. Shared by the sandbox's own result
// truncation and the search/execute host tool handlers.
func SerializeWithLimit(value any, maxChars int) (string, error) {
	b, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal: %w", err)
	}
	if len(b) <= maxChars {
		return string(b), nil
	}

	suffix := fmt.Sprintf("\n... [truncated to %d chars]", maxChars)
	cut := maxChars - len(suffix)
	if cut < 0 {
		cut = 0
	}
	if cut > len(b) {
		cut = len(b)
	}
	return string(b[:cut]) + suffix, nil
}
