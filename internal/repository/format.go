package repository

import (
	"fmt"
	"io"
	"strings"
)

// FormatChanges writes pending changes as a human-readable table followed
// by the script diffs of updated records.
func FormatChanges(w io.Writer, changes []Change, color bool) {
	counts := map[Action]int{}

	for _, c := range changes {
		counts[c.Action]++
	}

	if counts[ActionCreate]+counts[ActionUpdate]+counts[ActionRemove] == 0 {
		_, _ = fmt.Fprintln(w, "No changes detected.")
		return
	}

	_, _ = fmt.Fprintln(w, "Registry Changes:")
	_, _ = fmt.Fprintln(w, strings.Repeat("-", 60))

	for _, c := range changes {
		if c.Action == ActionUnchanged {
			continue
		}

		_, _ = fmt.Fprintf(w, "  %s %-30s %s\n", actionIcon(c.Action), c.Name, c.Source)
	}

	_, _ = fmt.Fprintln(w)

	for _, c := range changes {
		if c.Action == ActionUpdate && c.Diff != "" {
			WriteDiff(w, c.Diff, color)
			_, _ = fmt.Fprintln(w)
		}
	}

	_, _ = fmt.Fprintf(w, "Create: %d, Update: %d, Remove: %d, Unchanged: %d\n",
		counts[ActionCreate], counts[ActionUpdate], counts[ActionRemove], counts[ActionUnchanged])
}

func actionIcon(a Action) string {
	switch a {
	case ActionCreate:
		return "+"
	case ActionUpdate:
		return "~"
	case ActionRemove:
		return "-"
	default:
		return " "
	}
}
