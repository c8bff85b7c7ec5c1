// Package main is the devbridge CLI. `devbridge serve` hosts the device
// session, reload and tool plugin objects over stdio for an editor
// extension; the other commands inspect the static tables and config.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"devbridge/internal/config"
)

var (
	// Global flags
	verbose    bool
	workspace  string
	configFile string

	// Logger
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "devbridge",
	Short: "devbridge - device session host for mobile app previews",
	Long: `devbridge drives device sessions for an editor extension.

It tracks each device through the startup pipeline (packager, boot, build,
install, launch, load, debugger), resolves reload actions into step plans,
and keeps the debugging tool plugins in sync with the running app.

Run "devbridge serve" from the extension; the protocol is spoken on stdio.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zapConfig := zap.NewProductionConfig()
		if verbose {
			zapConfig.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zapConfig.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVarP(&workspace, "workspace", "w", "", "Workspace directory (default: current)")
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Config file (default: <workspace>/.devbridge/config.yaml)")

	serveCmd.Flags().BoolVar(&simulate, "simulate", false, "Use the in-process device simulator")
	resolveCmd.Flags().BoolVar(&resolveRunning, "running", false, "Resolve as if the app is running")
	configInitCmd.Flags().BoolVar(&configForce, "force", false, "Overwrite an existing config file")

	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(stagesCmd)
	rootCmd.AddCommand(resolveCmd)
	rootCmd.AddCommand(configCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func resolveWorkspace() (string, error) {
	if workspace != "" {
		return workspace, nil
	}
	return os.Getwd()
}

func resolveConfigPath(ws string) string {
	if configFile != "" {
		return configFile
	}
	return config.DefaultPath(ws)
}
