// Package torrentlog provides the tagged, colorized logging the core
// packages use for progress and failure reporting: a "[TAG]\tmessage"
// convention over the standard logger, with the tag colorized via
// colorstring when the output stream is a terminal.
package torrentlog

import (
	"fmt"
	"io"
	"log"
	"os"
	"sync"

	"github.com/mitchellh/colorstring"
	"golang.org/x/term"
)

// --------------------------------------------------------------------------------------------- //

var (
	mu      sync.Mutex
	std     = log.New(os.Stderr, "", log.LstdFlags)
	colorer = &colorstring.Colorize{
		Colors:  colorstring.DefaultColors,
		Disable: !isTerminal(os.Stderr),
		Reset:   true,
	}
)

// SetOutput redirects all log output, primarily for tests.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	std = log.New(w, "", log.LstdFlags)
}

// --------------------------------------------------------------------------------------------- //

// Info logs a routine progress line, tagged [INFO] in green.
func Info(format string, args ...interface{}) {
	emit("green", "INFO", format, args...)
}

// Fail logs a recoverable failure, tagged [FAIL] in yellow — a session
// closed, a piece requeued, a peer skipped.
func Fail(format string, args ...interface{}) {
	emit("yellow", "FAIL", format, args...)
}

// Error logs a fatal condition, tagged [ERROR] in red.
func Error(format string, args ...interface{}) {
	emit("red", "ERROR", format, args...)
}

func emit(color, tag, format string, args ...interface{}) {
	mu.Lock()
	defer mu.Unlock()
	msg := fmt.Sprintf(format, args...)
	std.Print(colorer.Color(fmt.Sprintf("[%s][%s][reset]\t%s", color, tag, msg)))
}

// --------------------------------------------------------------------------------------------- //

func isTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}
