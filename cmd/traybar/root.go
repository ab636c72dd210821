package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/traybar/traybar"
)

var (
	// Global flags
	verbose    bool
	configFile string

	// Shared state injected into commands
	cfg traybar.Config
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "traybar",
	Short: "Tray item image capture and cache daemon",
	Long: `traybar captures bitmap snapshots of live tray items and maintains a
bounded image cache for auxiliary bar surfaces.

Run 'traybar run' to start the daemon, or use the one-shot commands to
inspect the current tray state and the disk cache.`,
	SilenceUsage:               true,
	SilenceErrors:              true,
	SuggestionsMinimumDistance: 2,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		logger := traybar.NewLogger(os.Stderr, verbose)
		cmd.SetContext(traybar.WithLogger(cmd.Context(), logger))

		path := configFile
		if path == "" {
			var err error
			path, err = traybar.ConfigPath()
			if err != nil {
				return err
			}
		}
		loaded, err := traybar.LoadConfig(path)
		if err != nil {
			return err
		}
		cfg = loaded
		return nil
	},
	// Run is not set - shows help when no subcommand provided
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	rootCmd.SetContext(ctx)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Show diagnostics output")
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Path to config file")

	rootCmd.Version = versionString()
	rootCmd.SetVersionTemplate("{{.Version}}\n")

	rootCmd.AddCommand(newRunCmd())
	rootCmd.AddCommand(newItemsCmd())
	rootCmd.AddCommand(newCacheCmd())
}
