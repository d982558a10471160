package cli

import (
	"io"
	"os"

	"github.com/mattn/go-isatty"
)

// useColor reports whether ANSI colors should be written to w: only for
// terminals, and never with --no-color.
func useColor(w io.Writer, noColor bool) bool {
	if noColor {
		return false
	}

	f, ok := w.(*os.File)
	if !ok {
		return false
	}

	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
