// screen.go scans free-text payload fields for prompt-injection attempts
// before they reach the agent. Flagged values are redacted; anything the
// screener cannot judge is treated as safe so a broken screen never
// blocks ingress.
package webhook

import (
	"regexp"
	"strings"
)

// redactedText replaces a flagged field value.
const redactedText = "[redacted: suspected prompt injection]"

// injectionPatterns match instruction-shaped text inside data fields.
var injectionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)ignore\s+(all\s+)?(previous|prior|above)\s+(instructions|prompts?|rules)`),
	regexp.MustCompile(`(?i)disregard\s+(your|the|all)\s+\w*\s*(instructions|rules|guidelines)`),
	regexp.MustCompile(`(?i)you\s+are\s+now\s+(a|an|in)\b`),
	regexp.MustCompile(`(?i)\bnew\s+system\s+prompt\b`),
	regexp.MustCompile(`(?i)\bsystem\s*:\s*`),
	regexp.MustCompile(`(?i)\bact\s+as\s+(if\s+you|a\s+different)`),
	regexp.MustCompile(`(?i)reveal\s+(your|the)\s+(system\s+prompt|instructions)`),
	regexp.MustCompile(`(?i)\bdo\s+not\s+(tell|inform|report\s+to)\s+(the\s+)?(user|owner)`),
	regexp.MustCompile("(?i)</?(system|assistant|instructions?)>"),
}

// screenFields redacts suspicious string values in place and returns the
// names of redacted fields.
func screenFields(fields map[string]any) []string {
	var flagged []string
	for name, value := range fields {
		text, ok := value.(string)
		if !ok {
			continue
		}
		if suspicious(text) {
			fields[name] = redactedText
			flagged = append(flagged, name)
		}
	}
	return flagged
}

func suspicious(text string) bool {
	if strings.TrimSpace(text) == "" {
		return false
	}
	for _, p := range injectionPatterns {
		if p.MatchString(text) {
			return true
		}
	}
	return false
}
