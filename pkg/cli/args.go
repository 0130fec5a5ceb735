// Package cli implements the tbot command line: argument files, parameters
// and running testcases in order.
package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/google/shlex"

	"github.com/zkrx/tbot/pkg/testcase"
)

const maxArgfileDepth = 16

// ExpandArgs replaces every argument starting with @ by the shell-split
// contents of the named file.  Argument files may reference further
// argument files.
func ExpandArgs(args []string) ([]string, error) {
	return expand(args, 0)
}

func expand(args []string, depth int) ([]string, error) {
	if depth > maxArgfileDepth {
		return nil, fmt.Errorf("argument files nested deeper than %d levels", maxArgfileDepth)
	}
	out := make([]string, 0, len(args))
	for _, arg := range args {
		if !strings.HasPrefix(arg, "@") || arg == "@" {
			out = append(out, arg)
			continue
		}
		data, err := os.ReadFile(arg[1:])
		if err != nil {
			return nil, fmt.Errorf("argument file: %w", err)
		}
		words, err := shlex.Split(string(data))
		if err != nil {
			return nil, fmt.Errorf("argument file %s: %w", arg[1:], err)
		}
		words, err = expand(words, depth+1)
		if err != nil {
			return nil, err
		}
		out = append(out, words...)
	}
	return out, nil
}

// ParseParams parses repeated -p name=value flags.  Later values win.
func ParseParams(flags []string) (testcase.Params, error) {
	params := testcase.Params{}
	for _, f := range flags {
		name, value, err := testcase.ParseParam(f)
		if err != nil {
			return nil, err
		}
		params[name] = value
	}
	return params, nil
}
