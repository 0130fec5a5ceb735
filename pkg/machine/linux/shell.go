package linux

import (
	"fmt"
	"strings"
)

// Shell describes the dialect of the shell running on a Linux machine.
type Shell interface {
	// Name is the command that starts a new instance of this shell.
	Name() string
	// InitLine sets up a fresh shell: no history, no line editing and the
	// given prompt.
	InitLine(prompt string) string
	SetPrompt(prompt string) string
	DisableHistory() string
	EnableEditing() string
	DisableEditing() string
}

type bash struct{}

// Bash is GNU bash.
var Bash Shell = bash{}

func (bash) Name() string { return "bash" }

func (b bash) InitLine(prompt string) string {
	return " set +o emacs; set +o vi; unset HISTFILE; PROMPT_COMMAND=''; PS2=''; " + b.SetPrompt(prompt)
}

func (bash) SetPrompt(prompt string) string {
	return "PS1=" + splitQuote(prompt)
}

func (bash) DisableHistory() string { return "unset HISTFILE" }
func (bash) EnableEditing() string  { return "set -o emacs" }
func (bash) DisableEditing() string { return "set +o emacs; set +o vi" }

type ash struct{}

// Ash is the busybox ash found on small root filesystems.
var Ash Shell = ash{}

func (ash) Name() string { return "ash" }

func (a ash) InitLine(prompt string) string {
	return " unset HISTFILE; PS2=''; " + a.SetPrompt(prompt)
}

func (ash) SetPrompt(prompt string) string {
	return "PS1=" + splitQuote(prompt)
}

func (ash) DisableHistory() string { return "unset HISTFILE" }
func (ash) EnableEditing() string  { return "" }
func (ash) DisableEditing() string { return "" }

// ShellByName returns the dialect for a config value.
func ShellByName(name string) (Shell, error) {
	switch strings.ToLower(name) {
	case "", "bash":
		return Bash, nil
	case "ash", "sh", "busybox":
		return Ash, nil
	default:
		return nil, fmt.Errorf("unknown shell %q", name)
	}
}

// splitQuote single-quotes s with an empty '' in the middle, so that the echo
// of the assignment never contains s itself.
func splitQuote(s string) string {
	esc := func(p string) string { return strings.ReplaceAll(p, "'", `'\''`) }
	half := len(s) / 2
	return "'" + esc(s[:half]) + "''" + esc(s[half:]) + "'"
}
