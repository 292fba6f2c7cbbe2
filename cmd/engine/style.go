package main

import (
	"os"

	"github.com/fatih/color"
	"golang.org/x/term"
)

var (
	green  = color.New(color.FgGreen).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	cyan   = color.New(color.FgCyan).SprintFunc()
	gray   = color.New(color.FgHiBlack).SprintFunc()
	bold   = color.New(color.Bold).SprintFunc()
)

// isTTY reports whether stdout is a terminal. Piped output gets plain text.
func isTTY() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

func init() {
	if !isTTY() {
		color.NoColor = true
	}
}

func styleError(msg string) string {
	return red("error: ") + msg
}

func styleStatus(status string) string {
	switch status {
	case "succeeded":
		return green(status)
	case "failed", "timedout", "timed_out":
		return red(status)
	case "cancelled":
		return yellow(status)
	case "skipped":
		return gray(status)
	default:
		return status
	}
}
