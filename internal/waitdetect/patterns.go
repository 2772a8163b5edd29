package waitdetect

import (
	"regexp"
	"strings"
)

// Reasons attached to waiting-state changes.
const (
	ReasonOutputPrompt     = "output_prompt"
	ReasonPermissionPrompt = "permission_prompt"
	ReasonIdlePrompt       = "idle_prompt"
	ReasonStopped          = "stopped"
)

// Signal sources, reported as detectedBy on emitted changes.
const (
	SourceOutput    = "output"
	SourceTelemetry = "telemetry"
	SourceHook      = "hook"
	SourceClear     = "clear_timeout"
)

// Immediate prompts: seeing one of these means the assistant is blocked
// on the user right now.
var immediatePatterns = []string{
	"do you want to proceed?",
	"do you want to",
	"would you like to proceed?",
	"press enter to continue",
	"(y/n)",
	"[y/n]",
}

// An approval menu: a selection caret or a numbered yes/no choice list.
var approvalMenuRe = regexp.MustCompile(`(?i)^\s*(❯|>)?\s*\d+[.)]\s*(yes|no|always|don't)`)

// Heuristic questions: soft signals that the assistant asked something.
var heuristicPatterns = []string{
	"what would you like",
	"should i",
	"which option",
	"how would you like",
}

// MatchOutput scans the most recent lines for waiting prompts. Immediate
// patterns and approval menus match anywhere in the window; the
// trailing-question heuristic only looks at the final non-blank line.
func MatchOutput(lines []string) bool {
	lastNonBlank := ""
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		lastNonBlank = trimmed
		lower := strings.ToLower(trimmed)
		for _, p := range immediatePatterns {
			if strings.Contains(lower, p) {
				return true
			}
		}
		if approvalMenuRe.MatchString(trimmed) {
			return true
		}
		for _, p := range heuristicPatterns {
			if strings.Contains(lower, p) {
				return true
			}
		}
	}
	return strings.HasSuffix(lastNonBlank, "?")
}
