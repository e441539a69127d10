package cli

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/neboloop/marketrelay/internal/config"
	"github.com/neboloop/marketrelay/internal/defaults"
	"github.com/neboloop/marketrelay/internal/logging"
	"github.com/neboloop/marketrelay/internal/server"
	"github.com/neboloop/marketrelay/internal/svc"
)

// SetupRootCmd configures the root command with all subcommands and flags
func SetupRootCmd(c *config.Config) *cobra.Command {
	ServerConfig = c

	rootCmd := &cobra.Command{
		Use:   "marketrelay",
		Short: "Marketplace extension command relay",
		Long: `marketrelay keeps an authenticated channel to the automation backend and
relays its commands to the marketplace browser extension.

Just type 'marketrelay' to start the relay.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return RunRelay()
		},
	}

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file overriding the built-in defaults")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")

	rootCmd.AddCommand(RunCmd())
	rootCmd.AddCommand(StatusCmd())
	rootCmd.AddCommand(AuditCmd())
	rootCmd.AddCommand(TokenCmd())
	rootCmd.AddCommand(VersionCmd())

	return rootCmd
}

func loadConfig() error {
	if cfgFile != "" {
		if err := ServerConfig.LoadFile(cfgFile); err != nil {
			return err
		}
	}
	if logLevel != "" {
		ServerConfig.Log.Level = logLevel
	}
	return nil
}

// RunCmd starts the relay in the foreground.
func RunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the relay",
		RunE: func(cmd *cobra.Command, args []string) error {
			return RunRelay()
		},
	}
}

// RunRelay connects to the backend and serves the local extension
// endpoints until SIGINT or SIGTERM.
func RunRelay() error {
	c := *ServerConfig
	logging.Setup(logging.Options{Level: c.Log.Level, Format: c.Log.Format})
	logger := logging.Component("cli")

	if err := c.Validate(); err != nil {
		return err
	}

	dataDir, err := defaults.EnsureDataDir()
	if err != nil {
		return err
	}
	lockFile, err := acquireLock(dataDir)
	if err != nil {
		return fmt.Errorf("%w: marketrelay is already running", err)
	}
	defer releaseLock(lockFile)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svcCtx, err := svc.NewServiceContext(ctx, c, Version)
	if err != nil {
		return err
	}
	defer svcCtx.Close()

	svcCtx.Start(ctx)
	logger.Info("relay started", "version", Version, "backend", c.Backend.URL)

	if err := server.Run(ctx, svcCtx); err != nil {
		return err
	}
	logger.Info("relay stopped")
	return nil
}

// VersionCmd prints the build version.
func VersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), Version)
		},
	}
}
