// Package streamdiff computes what changed between two successive pane
// captures. The supervisor's poll loop feeds it whole snapshots; it
// answers with the new lines to append, or signals a reset when the pane
// repainted so thoroughly that appending would garble history.
package streamdiff

import "strings"

type Mode string

const (
	// ModeAppend: Lines are the suffix that appeared since the previous
	// capture.
	ModeAppend Mode = "append"
	// ModeReset: the previous capture is no longer a line-prefix of the
	// current one (scrollback drift, full-screen repaint); Lines are the
	// last resetWindow lines of the new capture.
	ModeReset Mode = "reset"
	// ModeNone: nothing changed.
	ModeNone Mode = "none"
)

type Delta struct {
	Mode  Mode
	Lines []string
}

// SplitLines breaks a capture into lines, dropping the trailing blank run
// tmux pads the pane with.
func SplitLines(capture string) []string {
	lines := strings.Split(strings.TrimRight(capture, "\n"), "\n")
	end := len(lines)
	for end > 0 && strings.TrimSpace(lines[end-1]) == "" {
		end--
	}
	if end == 0 {
		return nil
	}
	return lines[:end]
}

// Decide diffs the current capture against the previous one. New content
// is the suffix after the longest common line prefix; when the prior
// capture stops being a prefix the delta degrades to a reset carrying the
// last resetWindow lines.
func Decide(prev, curr []string, resetWindow int) Delta {
	if len(curr) == 0 {
		if len(prev) == 0 {
			return Delta{Mode: ModeNone}
		}
		return Delta{Mode: ModeReset}
	}
	if len(prev) == 0 {
		return Delta{Mode: ModeAppend, Lines: curr}
	}

	common := 0
	for common < len(prev) && common < len(curr) && prev[common] == curr[common] {
		common++
	}
	if common == len(prev) {
		if common == len(curr) {
			return Delta{Mode: ModeNone}
		}
		return Delta{Mode: ModeAppend, Lines: curr[common:]}
	}

	tail := curr
	if resetWindow > 0 && len(tail) > resetWindow {
		tail = tail[len(tail)-resetWindow:]
	}
	return Delta{Mode: ModeReset, Lines: tail}
}
