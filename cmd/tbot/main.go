// Command tbot runs testcases against a lab host and its boards.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/zkrx/tbot/pkg/cli"
	"github.com/zkrx/tbot/pkg/log"
	_ "github.com/zkrx/tbot/pkg/tc/builtin"
	_ "github.com/zkrx/tbot/pkg/tc/selftest"
)

func newRootCmd() *cobra.Command {
	var (
		opts           cli.Options
		verbose, quiet int
		logFile        string
	)
	cmd := &cobra.Command{
		Use:   "tbot [@argfile...] [flags] testcase...",
		Short: "Test and interact with embedded boards",
		Long: `tbot runs testcases against a lab host and the boards attached to it.

Arguments starting with @ are replaced by the contents of that file, split
like a shell would.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := log.Configure(log.Config{
				Level:    log.LevelFromVerbosity(verbose, quiet),
				JSONFile: logFile,
			}); err != nil {
				return err
			}
			defer log.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			opts.Testcases = args
			opts.Out = cmd.OutOrStdout()
			return cli.Run(ctx, opts)
		},
	}

	f := cmd.Flags()
	f.StringArrayVarP(&opts.ConfigFiles, "config", "c", nil, "config file (YAML or TOML), can be repeated")
	f.StringVarP(&opts.Lab, "lab", "l", "", "lab to use, from the labs section")
	f.StringVarP(&opts.Board, "board", "b", "", "board to use")
	f.StringArrayVarP(&opts.Params, "param", "p", nil, "testcase parameter name=value, can be repeated")
	f.CountVarP(&verbose, "verbose", "v", "more output (-vv for everything)")
	f.CountVarP(&quiet, "quiet", "q", "less output")
	f.StringVar(&logFile, "log", "", "write the event log as JSON lines to this file")
	f.BoolVar(&opts.ListTestcases, "list-testcases", false, "list the available testcases and exit")
	return cmd
}

func main() {
	args, err := cli.ExpandArgs(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, "tbot:", err)
		os.Exit(2)
	}
	cmd := newRootCmd()
	cmd.SetArgs(args)
	if err := cmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "tbot:", err)
		os.Exit(1)
	}
}
