// Package cli implements the pilot command line.
package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"pilot/internal/config"
	"pilot/pkg/logger"
)

// globalFlags are shared across subcommands.
type globalFlags struct {
	ConfigPath string
	Verbose    bool
	Quiet      bool
}

var flags globalFlags

// loadedConfig is populated by the root PersistentPreRunE.
var loadedConfig *config.Config

// NewRootCmd creates the root command.
func NewRootCmd(version string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "pilot",
		Short: "Pilot - coding agent orchestration engine",
		Long: `Pilot wraps a coding agent CLI and orchestrates its conversations:
streaming turn translation, permission gating, session resume recovery
and mid-conversation tool-source activation, exposed over a local HTTP
and websocket gateway.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "version" || cmd.Name() == "help" {
				return nil
			}

			cfg, err := config.Load(flags.ConfigPath)
			if err != nil {
				return err
			}

			level := cfg.Log.Level
			if flags.Verbose {
				level = "debug"
			}
			if flags.Quiet {
				level = "error"
			}
			if err := logger.Init(logger.Config{
				Level:  level,
				Format: cfg.Log.Format,
				File:   cfg.Log.File,
			}); err != nil {
				return err
			}

			loadedConfig = cfg
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return logger.Close()
		},
	}

	rootCmd.PersistentFlags().StringVarP(&flags.ConfigPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&flags.Verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().BoolVarP(&flags.Quiet, "quiet", "q", false, "quiet mode")

	rootCmd.AddCommand(newVersionCmd(version))
	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newChatCmd())
	rootCmd.AddCommand(newSessionCmd())
	rootCmd.AddCommand(newModeCmd())

	return rootCmd
}

func newVersionCmd(version string) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "pilot %s\n", version)
		},
	}
}

// serverURL returns the base URL of the gateway from config.
func serverURL() string {
	if loadedConfig == nil {
		return "http://127.0.0.1:8791"
	}
	return "http://" + loadedConfig.Gateway.Addr()
}
