package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/zkrx/tbot/pkg/config"
	"github.com/zkrx/tbot/pkg/lab"
	"github.com/zkrx/tbot/pkg/log"
	"github.com/zkrx/tbot/pkg/testcase"
)

// ErrFailed is returned by Run when a testcase failed.
var ErrFailed = errors.New("testcase failed")

// Options are the parsed tbot command line.
type Options struct {
	ConfigFiles   []string
	Lab           string
	Board         string
	Params        []string
	ListTestcases bool
	Testcases     []string

	Out      io.Writer
	Registry *testcase.Registry
	// Selectables defaults to the config driven machines of package lab.
	Selectables testcase.Selectables
}

// LoadConfig loads the config files and applies the lab and board
// selection.
func LoadConfig(opts Options) (*config.Config, error) {
	cfg, err := config.Load(opts.ConfigFiles...)
	if err != nil {
		return nil, err
	}
	if opts.Lab != "" {
		if err := cfg.SelectLab(opts.Lab); err != nil {
			return nil, err
		}
	}
	if opts.Board != "" {
		cfg.SelectBoard(opts.Board)
	}
	if cfg.BoardName != "" {
		if _, ok := cfg.Board(); !ok {
			return nil, fmt.Errorf("unknown board %q", cfg.BoardName)
		}
	}
	return cfg, nil
}

// ListTestcases writes the registered testcases to w.
func ListTestcases(w io.Writer, reg *testcase.Registry) error {
	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	for _, info := range reg.Info() {
		params := ""
		if len(info.Params) > 0 {
			params = "(" + strings.Join(info.Params, ", ") + ")"
		}
		fmt.Fprintf(tw, "%s%s\t%s\n", info.Name, params, info.Description)
	}
	return tw.Flush()
}

// Run runs the testcases of opts in order and stops at the first failure.
// Skipped testcases do not fail the run.
func Run(ctx context.Context, opts Options) (err error) {
	reg := opts.Registry
	if reg == nil {
		reg = testcase.Default
	}
	if opts.ListTestcases {
		return ListTestcases(opts.Out, reg)
	}
	if len(opts.Testcases) == 0 {
		return errors.New("no testcase given")
	}
	for _, name := range opts.Testcases {
		if _, ok := reg.Get(name); !ok {
			return fmt.Errorf("%w: %s", testcase.ErrUnknownTestcase, name)
		}
	}

	params, err := ParseParams(opts.Params)
	if err != nil {
		return err
	}
	cfg, err := LoadConfig(opts)
	if err != nil {
		return err
	}

	sel := opts.Selectables
	if sel == nil {
		s := lab.New()
		defer func() {
			if cerr := s.Close(); cerr != nil {
				err = multierror.Append(err, cerr).ErrorOrNil()
			}
		}()
		sel = s
	}

	tc := testcase.NewContext(ctx, cfg, sel, reg)
	defer func() {
		if cerr := tc.Close(); cerr != nil {
			err = multierror.Append(err, fmt.Errorf("releasing machines: %w", cerr)).ErrorOrNil()
		}
	}()

	l := log.WithComponent("cli")
	start := time.Now()
	for _, name := range opts.Testcases {
		_, err := tc.Call(name, params)
		if testcase.IsSkip(err) {
			continue
		}
		if err != nil {
			l.Error().Err(err).Str("testcase", name).Dur("took", time.Since(start)).Msg("FAILURE")
			return fmt.Errorf("%w: %s: %w", ErrFailed, name, err)
		}
	}
	l.Info().Dur("took", time.Since(start)).Msg("SUCCESS")
	return nil
}
