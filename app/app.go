// Package app wires configuration, logging and the realtime components
// into the taskhub-realtime command.
package app

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/wailbentafat/taskhub-realtime/config"
	"github.com/wailbentafat/taskhub-realtime/logging"
)

// App holds the command state shared by all subcommands.
type App struct {
	version string
	commit  string

	configFile string
	logLevel   string
	relayAddr  string
	verbose    bool

	config *config.Config
	logger *zerolog.Logger
}

// New creates an App.
func New(version, commit string) *App {
	nop := zerolog.Nop()
	return &App{version: version, commit: commit, logger: &nop}
}

// ContextWithSignals returns a context cancelled on SIGINT or SIGTERM.
func ContextWithSignals(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}

// Logger returns the application logger.
func (a *App) Logger() *zerolog.Logger {
	return a.logger
}

// Execute runs the command line.
func (a *App) Execute(ctx context.Context, args []string) error {
	rootCmd := a.createRootCommand()
	rootCmd.SetArgs(args)
	return rootCmd.ExecuteContext(ctx)
}

func (a *App) createRootCommand() *cobra.Command {
	serve := a.NewServeCommand()

	rootCmd := &cobra.Command{
		Use:     "taskhub-realtime",
		Short:   "Realtime event client for taskhub",
		Version: a.version,
		Long: `taskhub-realtime holds the single push subscription to the taskhub
backend, reconnects when it drops and fans every event out to local
consumers: a WebSocket relay, a Redis recent-event feed and the log.

Running it without a subcommand is the same as "serve".`,
		PersistentPreRunE: a.setupCommand,
		RunE:              serve.RunE,
		SilenceUsage:      true,
		SilenceErrors:     true,
	}

	rootCmd.PersistentFlags().StringVar(&a.configFile, "config", "", "config file (default is ./taskhub-realtime.yaml)")
	rootCmd.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "log level: trace, debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&a.relayAddr, "relay-addr", "", "relay listen address (overrides relay.addr)")
	rootCmd.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "log every realtime event")

	rootCmd.SetVersionTemplate("taskhub-realtime {{.Version}}\n")

	rootCmd.AddCommand(serve)
	rootCmd.AddCommand(a.NewVersionCommand())

	return rootCmd
}

// setupCommand loads configuration, applies flag overrides and builds
// the logger before any command runs.
func (a *App) setupCommand(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(a.configFile)
	if err != nil {
		return err
	}

	if a.logLevel != "" {
		cfg.Log.Level = a.logLevel
	} else if a.verbose {
		cfg.Log.Level = "debug"
	}
	if cmd.Flags().Changed("relay-addr") {
		cfg.Relay.Addr = a.relayAddr
	}

	logger := logging.New(cfg.Log)
	a.config = cfg
	a.logger = &logger
	logging.RouteRedis(a.logger)

	if cfg.ConfigFile != "" {
		a.logger.Debug().Str("file", cfg.ConfigFile).Msg("Loaded config file")
	}
	return nil
}

// NewVersionCommand prints build information.
func (a *App) NewVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cmd.Printf("taskhub-realtime %s (%s)\n", a.version, a.commit)
			return nil
		},
	}
}

// ExitOnError prints err and exits with status 1.
func ExitOnError(err error) {
	if err != nil {
		_, _ = os.Stderr.WriteString(err.Error() + "\n")
		os.Exit(1)
	}
}
