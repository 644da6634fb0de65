// Package clifmt colors CLI output when stdout is a terminal.
package clifmt

import (
	"fmt"
	"os"

	"golang.org/x/term"
)

const (
	ansiBold   = "1"
	ansiDim    = "2"
	ansiGreen  = "32"
	ansiYellow = "33"
	ansiRed    = "31"
	ansiHeader = "1;36"
	ansiKey    = "1;33"
)

func Headerf(format string, args ...any) string {
	return colorize(ansiHeader, fmt.Sprintf(format, args...))
}

func Success(text string) string { return colorize(ansiGreen, text) }

func Warn(text string) string { return colorize(ansiYellow, text) }

func Fail(text string) string { return colorize(ansiRed, text) }

func Dim(text string) string { return colorize(ansiDim, text) }

func Key(text string) string { return colorize(ansiKey, text) }

// Status colors a task or pipeline status by outcome.
func Status(status string) string {
	switch status {
	case "SUCCEEDED":
		return Success(status)
	case "FAILED":
		return Fail(status)
	case "CANCELED":
		return Warn(status)
	case "RUNNING":
		return colorize(ansiBold, status)
	default:
		return Dim(status)
	}
}

func colorize(code string, text string) string {
	if !useColor() {
		return text
	}
	return "\x1b[" + code + "m" + text + "\x1b[0m"
}

func useColor() bool {
	if os.Getenv("NO_COLOR") != "" || os.Getenv("TERM") == "dumb" {
		return false
	}
	return term.IsTerminal(int(os.Stdout.Fd()))
}
