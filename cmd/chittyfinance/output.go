package main

import (
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
)

var (
	successStyle = color.New(color.FgGreen)
	errorStyle   = color.New(color.FgRed)
	warningStyle = color.New(color.FgYellow)
	stepStyle    = color.New(color.FgCyan)
	boldStyle    = color.New(color.Bold)
)

// stderr is where status lines go; tests swap it for a buffer.
var stderr io.Writer = os.Stderr

func printSuccess(format string, args ...any) {
	fmt.Fprintln(stderr, successStyle.Sprint("✓ "+fmt.Sprintf(format, args...)))
}

func printError(format string, args ...any) {
	fmt.Fprintln(stderr, errorStyle.Sprint("✗ "+fmt.Sprintf(format, args...)))
}

func printWarning(format string, args ...any) {
	fmt.Fprintln(stderr, warningStyle.Sprint("⚠ "+fmt.Sprintf(format, args...)))
}

func printStep(format string, args ...any) {
	fmt.Fprintln(stderr, stepStyle.Sprint("→ "+fmt.Sprintf(format, args...)))
}

func printStatus(w io.Writer, label string, format string, args ...any) {
	fmt.Fprintf(w, "  %s %s\n", boldStyle.Sprint(label+":"), fmt.Sprintf(format, args...))
}
