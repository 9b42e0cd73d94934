package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"camtrace/internal/config"
)

func newConfigCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect and create configuration files",
	}
	cmd.AddCommand(newConfigValidateCmd(a))
	cmd.AddCommand(newConfigInitCmd(a))
	return cmd
}

func newConfigValidateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "validate [path]",
		Short: "Validate a configuration file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := a.resolvedConfigPath()
			if len(args) == 1 {
				path = args[0]
			}
			if path == "" {
				path = config.ConfigPath()
			}

			cfg, err := config.Load(path)
			if err != nil {
				var verrs config.ValidationErrors
				if errors.As(err, &verrs) {
					for _, v := range verrs {
						fmt.Fprintf(cmd.ErrOrStderr(), "error: %s: %s\n", v.Field, v.Message)
					}
					return fmt.Errorf("%s: %d error(s)", path, len(verrs))
				}
				return err
			}

			for _, w := range config.Check(cfg).Warnings() {
				fmt.Fprintf(cmd.ErrOrStderr(), "warning: %s: %s\n", w.Field, w.Message)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: ok (%d strategies, %d weights)\n", path, len(cfg.Strategies), len(cfg.Weights))
			return nil
		},
	}
}

func newConfigInitCmd(a *app) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init [path]",
		Short: "Write the default configuration",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := a.configPath
			if len(args) == 1 {
				path = args[0]
			}
			if path == "" {
				path = config.ConfigPath()
			}
			if force {
				if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
					return err
				}
			}
			cfg, created, err := config.LoadOrCreate(path)
			if err != nil {
				return err
			}
			if !created {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s (%d strategies, %d weights)\n", path, len(cfg.Strategies), len(cfg.Weights))
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}
