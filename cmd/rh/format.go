package main

import (
	"io"
	"os"
	"time"

	"golang.org/x/term"
)

const defaultWidth = 100

// terminalWidth returns the column count of out when it is a terminal, or
// defaultWidth otherwise.
func terminalWidth(out io.Writer) int {
	f, ok := out.(*os.File)
	if !ok || !term.IsTerminal(int(f.Fd())) {
		return defaultWidth
	}
	w, _, err := term.GetSize(int(f.Fd()))
	if err != nil || w <= 0 {
		return defaultWidth
	}
	return w
}

// columnWidth sizes a free-text column to what is left of the terminal after
// the fixed columns.
func columnWidth(out io.Writer, fixed int) int {
	w := terminalWidth(out) - fixed
	if w < 20 {
		return 20
	}
	return w
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04")
}
