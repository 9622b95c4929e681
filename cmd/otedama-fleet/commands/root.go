package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/shizukutanaka/otedama-fleet/internal/config"
	"github.com/shizukutanaka/otedama-fleet/internal/logging"
)

const Version = "1.0.0"

// globalOptions are the persistent flags shared by every command
type globalOptions struct {
	cfgFile   string
	logLevel  string
	logFormat string
	logFile   string
}

// NewRootCommand builds the command tree
func NewRootCommand() *cobra.Command {
	opts := &globalOptions{}

	rootCmd := &cobra.Command{
		Use:   "otedama-fleet",
		Short: "Fleet monitoring and optimization controller",
		Long: `otedama-fleet watches a fleet of compute units, re-evaluates their
operating risk on a fixed cadence and throttles overheating units without
stopping the fleet.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&opts.cfgFile, "config", "", "config file (defaults are used when empty)")
	rootCmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&opts.logFormat, "log-format", "console", "log encoding (console, json)")
	rootCmd.PersistentFlags().StringVar(&opts.logFile, "log-file", "", "log file path, rotated (default stderr)")

	rootCmd.SetVersionTemplate(`otedama-fleet {{.Version}}
`)

	rootCmd.AddCommand(
		newRunCmd(opts),
		newConfigCmd(opts),
		newStatusCmd(),
		newReportCmd(),
		newHistoryCmd(opts),
	)
	return rootCmd
}

// Execute runs the root command and exits non-zero on error.
func Execute() {
	if err := NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func (o *globalOptions) logger() (*zap.Logger, func() error, error) {
	cfg := logging.DefaultConfig()
	cfg.Level = o.logLevel
	cfg.Encoding = o.logFormat
	if o.logFile != "" {
		cfg.Output = o.logFile
	}
	return logging.New(cfg)
}

// loadConfig reads the config file, or returns defaults when none is set.
func (o *globalOptions) loadConfig() (config.SystemConfig, error) {
	if o.cfgFile == "" {
		return config.DefaultConfig(), nil
	}
	return config.LoadFromFile(o.cfgFile)
}
