package repository

import (
	"fmt"
	"io"
	"strings"

	"github.com/pmezard/go-difflib/difflib"
)

// diffContext is the number of unchanged lines shown around each hunk.
const diffContext = 3

// scriptDiff returns a unified diff of two script bodies, or "" when they
// are equal.
func scriptDiff(name, oldScript, newScript string) (string, error) {
	if oldScript == newScript {
		return "", nil
	}

	diff := difflib.UnifiedDiff{
		A:        splitLines(oldScript),
		B:        splitLines(newScript),
		FromFile: name + " (registry)",
		ToFile:   name + " (source)",
		Context:  diffContext,
	}

	unified, err := difflib.GetUnifiedDiffString(diff)
	if err != nil {
		return "", fmt.Errorf("computing diff for %s: %w", name, err)
	}

	return unified, nil
}

// WriteDiff writes a unified diff to w, optionally with ANSI colors.
func WriteDiff(w io.Writer, unified string, color bool) {
	if unified == "" {
		return
	}

	for _, line := range strings.Split(strings.TrimSuffix(unified, "\n"), "\n") {
		if color {
			writeColorLine(w, line)
		} else {
			_, _ = fmt.Fprintln(w, line)
		}
	}
}

func writeColorLine(w io.Writer, line string) {
	const (
		red   = "\033[31m"
		green = "\033[32m"
		cyan  = "\033[36m"
		bold  = "\033[1m"
		reset = "\033[0m"
	)

	var prefix string

	switch {
	case strings.HasPrefix(line, "---"), strings.HasPrefix(line, "+++"):
		prefix = bold
	case strings.HasPrefix(line, "@@"):
		prefix = cyan
	case strings.HasPrefix(line, "-"):
		prefix = red
	case strings.HasPrefix(line, "+"):
		prefix = green
	default:
		_, _ = fmt.Fprintln(w, line)
		return
	}

	_, _ = fmt.Fprintf(w, "%s%s%s\n", prefix, line, reset)
}

// splitLines keeps the trailing newline on each element, as difflib
// expects.
func splitLines(s string) []string {
	if s == "" {
		return []string{""}
	}

	return strings.SplitAfter(s, "\n")
}
