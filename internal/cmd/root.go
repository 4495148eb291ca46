// Package cmd provides the CLI commands for wsrelay.
package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/inercia/wsrelay/internal/appdir"
	"github.com/inercia/wsrelay/internal/config"
	"github.com/inercia/wsrelay/internal/logging"
)

// skipConfigAnnotation marks commands that run without a loaded config.
const skipConfigAnnotation = "wsrelay/skip-config"

var (
	// Global flags
	configPath    string
	debug         bool
	logLevel      string // --log-level flag (debug, info, warn, error)
	logFile       string
	logComponents string

	// Loaded configuration
	cfg *config.Config
	// cfgPath is the file cfg was loaded from, which may not exist.
	cfgPath string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "wsrelay",
	Short: "wsrelay - per-user WebSocket event delivery",
	Long: `wsrelay delivers agent lifecycle events to the WebSocket connections
of the user they belong to, in order, with per-thread sequence numbers.

Run 'wsrelay serve' to start the server, 'wsrelay token' to mint a
development token and 'wsrelay tail' to watch a user's events.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: setup,
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		return logging.Close()
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Configuration file path (default: $WSRELAY_CONFIG or config.yaml in the data directory)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging (shorthand for --log-level=debug)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error (default: from config)")
	rootCmd.PersistentFlags().StringVarP(&logFile, "logfile", "l", "", "Log file path (logs are also written to console)")
	rootCmd.PersistentFlags().StringVar(&logComponents, "log-components", "", "Comma-separated list of components to log (e.g., 'handshake,bridge'). Empty means all components.")
}

func setup(cmd *cobra.Command, args []string) error {
	if cmd.Name() == "help" || cmd.Name() == "completion" {
		return nil
	}
	if cmd.Annotations[skipConfigAnnotation] == "true" {
		return logging.Initialize(loggingConfig(config.Default().Logging))
	}

	if err := appdir.EnsureDir(); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	// An explicit --config must exist; the default location is optional.
	var err error
	if configPath != "" {
		cfgPath = configPath
		cfg, err = config.Load(configPath)
	} else {
		if cfgPath, err = config.DefaultPath(); err != nil {
			return err
		}
		cfg, err = config.LoadOrDefault(cfgPath)
	}
	if err != nil {
		return err
	}

	if err := logging.Initialize(loggingConfig(cfg.Logging)); err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	logging.Get().Debug("Configuration loaded", "path", cfgPath)
	return nil
}

// loggingConfig applies the logging flags over the config file section.
// Priority: --log-level > --debug > config.
func loggingConfig(lc config.LoggingConfig) logging.Config {
	if logFile != "" {
		lc.File = logFile
	}
	if components := splitList(logComponents); len(components) > 0 {
		lc.Components = components
	}
	out := lc.ToLogging()
	switch {
	case logLevel != "":
		out.Level = logLevel
	case debug:
		out.Level = "debug"
	case out.Level == "":
		out.Level = "info"
	}
	return out
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
