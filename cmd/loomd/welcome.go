package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fatih/color"
	"golang.org/x/term"
)

type welcomeBannerOptions struct {
	Version       string
	StateDir      string
	DefaultVendor string
}

func printWelcomeBanner(w io.Writer, opts welcomeBannerOptions) {
	width := terminalWidth(w)

	logo := []string{
		"██       ██████   ██████  ███    ███",
		"██      ██    ██ ██    ██ ████  ████",
		"██      ██    ██ ██    ██ ██ ████ ██",
		"██      ██    ██ ██    ██ ██  ██  ██",
		"███████  ██████   ██████  ██      ██",
	}

	fmt.Fprintln(w)
	for _, line := range logo {
		fmt.Fprintln(w, color.CyanString(center(line, width)))
	}
	fmt.Fprintln(w)

	if version := strings.TrimSpace(opts.Version); version != "" {
		fmt.Fprintln(w, center(fmt.Sprintf("Version: %s", version), width))
	}
	if stateDir := strings.TrimSpace(opts.StateDir); stateDir != "" {
		fmt.Fprintln(w, center(fmt.Sprintf("State dir: %s", stateDir), width))
	}
	if vendor := strings.TrimSpace(opts.DefaultVendor); vendor != "" {
		fmt.Fprintln(w, center(fmt.Sprintf("Default vendor: %s", vendor), width))
	}
	fmt.Fprintln(w)
}

func terminalWidth(w io.Writer) int {
	f, ok := w.(*os.File)
	if !ok {
		return 0
	}
	width, _, err := term.GetSize(int(f.Fd()))
	if err != nil || width <= 0 {
		return 0
	}
	return width
}

func center(text string, width int) string {
	if width <= 0 {
		// Fallback for non-interactive outputs.
		return "                    " + text
	}

	textLen := len([]rune(text))
	if textLen >= width {
		return text
	}

	padding := (width - textLen) / 2
	return strings.Repeat(" ", padding) + text
}
