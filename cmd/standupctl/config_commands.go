package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/loqalabs/standup-recorder/internal/config"
	"github.com/loqalabs/standup-recorder/internal/runtime"
)

func newConfigCommand(ctx *commandContext) *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration utilities",
	}

	configCmd.AddCommand(newConfigValidateCommand(ctx))
	return configCmd
}

func newConfigValidateCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Load the configuration and report problems",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "Configuration valid")
			fmt.Fprintln(out, renderTable(
				[]string{"Setting", "Value"},
				configRows(cfg),
				nil,
			))
			return nil
		},
	}
}

func configRows(cfg config.Config) [][]string {
	return [][]string{
		{"http", fmt.Sprintf("%s:%d", cfg.HTTP.Bind, cfg.HTTP.Port)},
		{"bus", busSummary(cfg.Bus)},
		{"store", fmt.Sprintf("%s %s", cfg.Store.Mode, cfg.Store.Path)},
		{"speech", cfg.Speech.Mode},
		{"analysis", cfg.Analysis.Mode},
		{"recording cap", fmt.Sprintf("%ds", cfg.Recorder.CapSeconds)},
	}
}

func busSummary(cfg config.BusConfig) string {
	if cfg.Embedded {
		return fmt.Sprintf("embedded %s:%d", cfg.Host, cfg.Port)
	}
	return fmt.Sprint(cfg.Servers)
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:         "version",
		Short:       "Print the version",
		Annotations: map[string]string{"skipConfigLoad": "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintln(cmd.OutOrStdout(), runtime.Version)
			return nil
		},
	}
}
