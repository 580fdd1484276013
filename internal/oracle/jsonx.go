package oracle

import (
	"encoding/json"
	"log/slog"
	"regexp"
	"strings"
)

// Model output is JSON by instruction but not by guarantee: fences,
// trailing commas, commentary before or after the payload. decodeJSON
// works through cleanup strategies before giving up, and a give-up is
// a malformed-response failure for the caller, never a zero value.

var (
	fenceRegex         = regexp.MustCompile("(?s)```(?:json)?\\s*\\n?([\\s\\S]*?)\\n?```")
	trailingCommaRegex = regexp.MustCompile(`,(\s*[}\]])`)
	objectRegex        = regexp.MustCompile(`(?s)\{[\s\S]*\}`)
	arrayRegex         = regexp.MustCompile(`(?s)\[[\s\S]*\]`)
)

// decodeJSON parses model output into T, trying in order: the raw
// text, the text with code fences stripped, the text with common JSON
// damage repaired, and finally the first JSON object or array
// embedded in surrounding prose.
func decodeJSON[T any](text string) (T, bool) {
	var out T

	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return out, false
	}

	candidates := []string{trimmed}

	if unfenced := stripFences(trimmed); unfenced != trimmed {
		candidates = append(candidates, unfenced)
	}
	repaired := trailingCommaRegex.ReplaceAllString(stripFences(trimmed), "$1")
	candidates = append(candidates, repaired)
	if embedded := extractPayload(repaired); embedded != "" {
		candidates = append(candidates, embedded)
	}

	for i, c := range candidates {
		if err := json.Unmarshal([]byte(c), &out); err == nil {
			if i > 0 {
				slog.Debug("oracle response needed JSON cleanup", "strategy", i)
			}
			return out, true
		}
	}

	var zero T
	return zero, false
}

func stripFences(text string) string {
	cleaned := fenceRegex.ReplaceAllString(text, "$1")
	return strings.TrimSpace(cleaned)
}

// extractPayload pulls the outermost JSON object or array out of
// mixed content. The leading character decides which to try first so
// an array of objects is not truncated to its first element.
func extractPayload(text string) string {
	trimmed := strings.TrimSpace(text)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		if m := arrayRegex.FindString(trimmed); m != "" {
			return m
		}
	}
	if m := objectRegex.FindString(trimmed); m != "" {
		return m
	}
	return arrayRegex.FindString(trimmed)
}
