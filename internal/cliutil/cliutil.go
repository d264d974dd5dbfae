// Package cliutil holds small helpers shared by the cmd/gotorrent
// subcommands: a terminal-aware progress bar for the download command.
package cliutil

import (
	"fmt"
	"os"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"
)

// --------------------------------------------------------------------------------------------- //

// ProgressBar wraps schollz/progressbar, rendering to stderr only when
// stderr is attached to a terminal so redirected output stays clean.
type ProgressBar struct {
	bar *progressbar.ProgressBar
}

// NewProgressBar builds a bar over total units (typically piece count),
// labeled with name. On a non-terminal it renders as a no-op.
func NewProgressBar(total int, name string) *ProgressBar {
	if !term.IsTerminal(int(os.Stderr.Fd())) {
		return &ProgressBar{bar: progressbar.DefaultBytesSilent(int64(total), name)}
	}
	return &ProgressBar{
		bar: progressbar.NewOptions(total,
			progressbar.OptionSetDescription(name),
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionShowCount(),
			progressbar.OptionClearOnFinish(),
			progressbar.OptionSetWidth(40),
		),
	}
}

// Add advances the bar by n units.
func (p *ProgressBar) Add(n int) {
	if p == nil || p.bar == nil {
		return
	}
	p.bar.Add(n)
}

// Finish completes the bar and prints a trailing newline.
func (p *ProgressBar) Finish() {
	if p == nil || p.bar == nil {
		return
	}
	p.bar.Finish()
	fmt.Fprintln(os.Stderr)
}
