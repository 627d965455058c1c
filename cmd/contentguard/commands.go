package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/djlord-it/contentguard/internal/config"
)

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the API server, trigger engine, scan workers and takedown loops",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
}

func newValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate configuration and catalog (no connections made)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			if err := checkServeConfig(cfg); err != nil {
				return invalidConfig(err)
			}
			if _, err := config.LoadCatalog(cfg.CatalogPath); err != nil {
				return invalidConfig(err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "configuration valid")
			return nil
		},
	}
}

func newConfigCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print effective configuration as JSON (secrets masked)",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := config.Load().MaskedJSON()
			if err != nil {
				return fmt.Errorf("failed to marshal config: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return nil
		},
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintf(cmd.OutOrStdout(), "contentguard version %s (commit: %s)\n", version, commit)
			return nil
		},
	}
}
