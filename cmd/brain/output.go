package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"
)

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorBlue   = "\033[34m"
	colorCyan   = "\033[36m"
	colorBold   = "\033[1m"
	colorDim    = "\033[2m"
)

const listTimeLayout = "2006-01-02 15:04"

// notices receives progress and error lines; command results go to the
// command's stdout instead.
var notices io.Writer = os.Stderr

func colorize(color, text string) string {
	if noColor {
		return text
	}
	return color + text + colorReset
}

type tone struct {
	color, mark string
}

var (
	toneSuccess = tone{colorGreen, "✓"}
	toneError   = tone{colorRed, "✗"}
	toneWarning = tone{colorYellow, "⚠"}
	toneStep    = tone{colorCyan, "→"}
)

func notify(t tone, format string, args ...any) {
	line := t.mark + " " + fmt.Sprintf(format, args...)
	fmt.Fprintln(notices, colorize(t.color, line))
}

func printSuccess(format string, args ...any) { notify(toneSuccess, format, args...) }
func printError(format string, args ...any)   { notify(toneError, format, args...) }
func printWarning(format string, args ...any) { notify(toneWarning, format, args...) }
func printStep(format string, args ...any)    { notify(toneStep, format, args...) }

// printField writes an indented "Label: value" line.
func printField(w io.Writer, label, format string, args ...any) {
	fmt.Fprintf(w, "  %s %s\n", colorize(colorBold, label+":"), fmt.Sprintf(format, args...))
}

// truncate flattens whitespace and cuts s to n runes.
func truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}

func formatTime(t time.Time, loc *time.Location) string {
	if t.IsZero() {
		return "-"
	}
	if loc == nil {
		loc = time.Local
	}
	return t.In(loc).Format(listTimeLayout)
}
