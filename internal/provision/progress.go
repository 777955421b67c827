package provision

import (
	"fmt"
	"io"
	"os"

	"github.com/mattn/go-isatty"
)

const (
	colorGreen  = "\033[32m"
	colorRed    = "\033[31m"
	colorYellow = "\033[33m"
	colorReset  = "\033[0m"
)

// Progress prints one status line per action, ending in [OK], [FAIL] or
// [WARN]. Colors are used only on a terminal.
type Progress struct {
	w     io.Writer
	color bool
}

// NewProgress creates a Progress writing to w. Colors are enabled when w is
// a terminal.
func NewProgress(w io.Writer) *Progress {
	if w == nil {
		w = io.Discard
	}
	color := false
	if f, ok := w.(*os.File); ok {
		color = isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
	}
	return &Progress{w: w, color: color}
}

func (p *Progress) paint(color, s string) string {
	if !p.color {
		return s
	}
	return color + s + colorReset
}

// Success prints a success line.
func (p *Progress) Success(msg string) {
	fmt.Fprintf(p.w, "%-70s%s\n", msg, p.paint(colorGreen, "[OK]"))
}

// Fail prints a failure line.
func (p *Progress) Fail(msg string) {
	fmt.Fprintf(p.w, "%-70s%s\n", msg, p.paint(colorRed, "[FAIL]"))
}

// Warn prints a warning line.
func (p *Progress) Warn(msg string) {
	fmt.Fprintf(p.w, "%-70s%s\n", msg, p.paint(colorYellow, "[WARN]"))
}
