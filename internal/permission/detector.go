// Package permission detects conversational permission requests in agent
// output and coordinates the approve/deny cycle with the client.
//
// The Agent CLI has no structured permission protocol in print mode; it just
// asks in prose. Detection is therefore heuristic, tuned to the phrasing the
// CLI actually produces.
package permission

import "strings"

var literalMarkers = []string{
	"(y/n)",
	"[y/n]",
	"permission",
	"approve",
	"confirm",
}

var conversationalStems = []string{
	"would you like me to",
	"should i ",
	"shall i ",
	"may i ",
	"can i ",
	"need write permission",
	"need permissions",
}

// DefaultPrompt is used when no question line can be extracted.
const DefaultPrompt = "Permission required to proceed"

// IsPermissionRequest reports whether the text reads as the agent asking the
// user for permission rather than delivering a result.
func IsPermissionRequest(text string) bool {
	if text == "" {
		return false
	}
	lower := strings.ToLower(text)

	for _, marker := range literalMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	for _, stem := range conversationalStems {
		if strings.Contains(lower, stem) {
			return true
		}
	}

	// Interrogative sentences that open with a stem count even when the stem
	// check above missed them due to trailing punctuation ("should i?").
	for _, sentence := range strings.Split(lower, ".") {
		sentence = strings.TrimSpace(sentence)
		if !strings.HasSuffix(sentence, "?") {
			continue
		}
		for _, stem := range conversationalStems {
			if strings.HasPrefix(sentence, strings.TrimSpace(stem)) {
				return true
			}
		}
	}
	return false
}

// ExtractPrompt pulls the question out of a permission-shaped message so the
// client sees only the ask, not the surrounding narration.
func ExtractPrompt(text string) string {
	var kept []string
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		lower := strings.ToLower(trimmed)
		if strings.HasSuffix(trimmed, "?") || containsAny(lower, conversationalStems) || containsAny(lower, literalMarkers) {
			kept = append(kept, trimmed)
		}
	}

	if len(kept) > 0 {
		return stripMarker(strings.Join(kept, "\n"))
	}

	paragraphs := strings.Split(strings.TrimSpace(text), "\n\n")
	last := strings.TrimSpace(paragraphs[len(paragraphs)-1])
	if strings.HasSuffix(last, "?") {
		return stripMarker(last)
	}
	return DefaultPrompt
}

func containsAny(s string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}

// stripMarker removes a trailing (y/n) or [y/n] marker.
func stripMarker(s string) string {
	trimmed := strings.TrimSpace(s)
	lower := strings.ToLower(trimmed)
	for _, marker := range []string{"(y/n)", "[y/n]"} {
		if strings.HasSuffix(lower, marker) {
			return strings.TrimSpace(trimmed[:len(trimmed)-len(marker)])
		}
	}
	return trimmed
}
