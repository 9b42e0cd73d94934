package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"camtrace/internal/config"
	"camtrace/internal/logging"
)

// app carries the state shared by every subcommand.
type app struct {
	configPath string
	logLevel   string
	logFormat  string

	cfg    *config.Config
	logger *logging.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:           "camtrace",
		Short:         "Reconstruct camera sessions and photo captures from Android logs",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return a.close()
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&a.configPath, "config", "", "path to config file (default: search ./config.* then the user config dir)")
	flags.StringVar(&a.logLevel, "log-level", "", "override the log level (debug, info, warn, error)")
	flags.StringVar(&a.logFormat, "log-format", "", "override the log format (text, json)")

	root.AddCommand(newAnalyzeCmd(a))
	root.AddCommand(newConfigCmd(a))
	root.AddCommand(newWeightsCmd(a))
	root.AddCommand(newRunsCmd(a))
	root.AddCommand(newWatchCmd(a))
	return root
}

// resolvedConfigPath returns the --config value or the first config file found.
func (a *app) resolvedConfigPath() string {
	if a.configPath != "" {
		return a.configPath
	}
	return config.FindConfigFile()
}

// load reads the configuration and builds the logger once.
func (a *app) load(cmd *cobra.Command) (*config.Config, error) {
	if a.cfg != nil {
		return a.cfg, nil
	}

	cfg, err := config.Load(a.resolvedConfigPath())
	if err != nil {
		return nil, err
	}
	if a.logLevel != "" {
		cfg.Logging.Level = a.logLevel
	}
	if a.logFormat != "" {
		cfg.Logging.Format = a.logFormat
	}

	lc, err := cfg.LoggerConfig()
	if err != nil {
		return nil, fmt.Errorf("logging: %w", err)
	}
	if cfg.Logging.Output == "stderr" {
		lc.Writer = cmd.ErrOrStderr()
	}
	logger, err := logging.New(lc)
	if err != nil {
		return nil, fmt.Errorf("logging: %w", err)
	}

	a.cfg = cfg
	a.logger = logger
	return cfg, nil
}

// log returns the command logger, falling back to the process default.
func (a *app) log() *slog.Logger {
	if a.logger == nil {
		return logging.Default().Logger
	}
	return a.logger.Logger
}

// component returns the command logger tagged with a component name.
func (a *app) component(name string) *slog.Logger {
	if a.logger == nil {
		return logging.Default().WithComponent(name).Logger
	}
	return a.logger.WithComponent(name).Logger
}

func (a *app) close() error {
	if a.logger == nil {
		return nil
	}
	err := a.logger.Close()
	a.logger = nil
	a.cfg = nil
	return err
}
