// Package machine holds what all tbot machines have in common: lab hosts,
// boards, U-Boot and Linux shells.
package machine

import (
	"fmt"
	"strings"
)

// Machine is anything tbot can hold on to and has to release.
type Machine interface {
	Name() string
	Close() error
}

// CommandFailedError is returned by Exec0-style calls when the command exits
// non-zero.
type CommandFailedError struct {
	Machine string
	Command string
	Output  string
	Code    int
}

func (e *CommandFailedError) Error() string {
	out := strings.TrimRight(e.Output, "\n")
	if out == "" {
		return fmt.Sprintf("%s: command %q failed with exit code %d", e.Machine, e.Command, e.Code)
	}
	return fmt.Sprintf("%s: command %q failed with exit code %d:\n%s", e.Machine, e.Command, e.Code, out)
}

// WrongHostError is returned when a path of one machine is used in a command
// for another machine.
type WrongHostError struct {
	Machine string
	Path    string
	Host    string
}

func (e *WrongHostError) Error() string {
	return fmt.Sprintf("%s: path %s belongs to %s", e.Machine, e.Path, e.Host)
}
