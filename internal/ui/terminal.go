package ui

import (
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"golang.org/x/term"
)

// IsTerminal reports whether stdout is a terminal.
func IsTerminal() bool {
	return term.IsTerminal(int(os.Stdout.Fd())) // #nosec G115 - fd fits in int
}

// ShouldUseColor applies the NO_COLOR and CLICOLOR conventions on top of
// TTY detection. NO_COLOR wins over CLICOLOR_FORCE.
func ShouldUseColor() bool {
	if _, ok := os.LookupEnv("NO_COLOR"); ok {
		return false
	}
	if os.Getenv("CLICOLOR") == "0" {
		return false
	}
	if v := os.Getenv("CLICOLOR_FORCE"); v != "" && v != "0" {
		return true
	}
	return IsTerminal()
}

// Init configures lipgloss for the current output. Call it once after
// flags are parsed; noColor forces plain output.
func Init(noColor bool) {
	if noColor || !ShouldUseColor() {
		lipgloss.SetColorProfile(termenv.Ascii)
		return
	}
	lipgloss.SetColorProfile(termenv.NewOutput(os.Stdout).EnvColorProfile())
}
