// Command tbot-mgr runs testcases on request over HTTP and switches board
// power for remote labs over MQTT.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/zkrx/tbot/pkg/api"
	"github.com/zkrx/tbot/pkg/cli"
	"github.com/zkrx/tbot/pkg/config"
	"github.com/zkrx/tbot/pkg/engine"
	"github.com/zkrx/tbot/pkg/lab"
	"github.com/zkrx/tbot/pkg/log"
	"github.com/zkrx/tbot/pkg/mqtt"
	"github.com/zkrx/tbot/pkg/powerd"
	_ "github.com/zkrx/tbot/pkg/tc/builtin"
	_ "github.com/zkrx/tbot/pkg/tc/selftest"
	"github.com/zkrx/tbot/pkg/testcase"
)

type globalFlags struct {
	configFiles    []string
	verbose, quiet int
	logFile        string
}

func (g *globalFlags) setup() (*config.Config, error) {
	if err := log.Configure(log.Config{
		Level:    log.LevelFromVerbosity(g.verbose, g.quiet),
		JSONFile: g.logFile,
	}); err != nil {
		return nil, err
	}
	return config.Load(g.configFiles...)
}

func newServeCmd(g *globalFlags) *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the testcase API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := g.setup()
			if err != nil {
				return err
			}
			defer log.Close()
			if listen == "" {
				listen = cfg.Manager.Listen
			}
			if os.Getenv("GIN_MODE") == "" {
				gin.SetMode(gin.ReleaseMode)
			}

			sel := lab.New()
			defer sel.Close()
			srv := api.NewServer(engine.New(cfg, sel, testcase.Default))

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			errc := make(chan error, 1)
			go func() { errc <- srv.Run(listen) }()

			select {
			case err := <-errc:
				return err
			case <-ctx.Done():
			}
			log.Message("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "listen address (default from config, :8080)")
	return cmd
}

func newPowerdCmd(g *globalFlags) *cobra.Command {
	var clientID string
	cmd := &cobra.Command{
		Use:   "powerd",
		Short: "Switch board power on MQTT requests",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := g.setup()
			if err != nil {
				return err
			}
			defer log.Close()

			client := mqtt.NewClient(cfg.MQTT, clientID)
			if err := client.Connect(); err != nil {
				return err
			}
			defer client.Disconnect()

			agent := powerd.New(client, cfg.Powerd.Devices)
			if err := agent.Start(); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			<-ctx.Done()
			log.Message("powerd stopped")
			return nil
		},
	}
	cmd.Flags().StringVar(&clientID, "client-id", "", "MQTT client id (default: random)")
	return cmd
}

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the available testcases",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cli.ListTestcases(cmd.OutOrStdout(), testcase.Default)
		},
	}
}

func main() {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:           "tbot-mgr",
		Short:         "tbot manager: testcase API and power agent",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pf := root.PersistentFlags()
	pf.StringArrayVarP(&g.configFiles, "config", "c", nil, "config file (YAML or TOML), can be repeated")
	pf.CountVarP(&g.verbose, "verbose", "v", "more output")
	pf.CountVarP(&g.quiet, "quiet", "q", "less output")
	pf.StringVar(&g.logFile, "log", "", "write the event log as JSON lines to this file")

	root.AddCommand(newServeCmd(g), newPowerdCmd(g), newListCmd())
	if err := root.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "tbot-mgr:", err)
		os.Exit(1)
	}
}
