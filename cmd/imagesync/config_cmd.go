package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/Celdrick/mydocker/internal/config"
	"github.com/Celdrick/mydocker/internal/safety"
)

const redacted = "********"

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
		Long: `Inspect imagesync configuration. Subcommands show the effective
configuration and check it for errors.`,
		Example: `  imagesync config show
  imagesync config validate --config /etc/imagesync/imagesync.yaml`,
	}

	cmd.AddCommand(
		newConfigShowCmd(),
		newConfigValidateCmd(),
	)

	return cmd
}

func newConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Display current configuration",
		Long: `Display the effective configuration in YAML format, after env file
loading, ${VAR} expansion and legacy target synthesis. Secrets are masked.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if globalCfg == nil {
				return fmt.Errorf("config not loaded")
			}

			data, err := yaml.Marshal(redactConfig(globalCfg))
			if err != nil {
				return fmt.Errorf("failed to marshal config: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "Current Configuration:")
			fmt.Fprintln(out, "======================")
			fmt.Fprintln(out, string(data))
			return nil
		},
	}
}

func newConfigValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the configuration for errors",
		RunE: func(cmd *cobra.Command, args []string) error {
			if globalCfg == nil {
				return fmt.Errorf("config not loaded")
			}
			if err := globalCfg.Validate(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Configuration is valid (%d targets)\n", len(globalCfg.Targets))
			return nil
		},
	}
}

// redactConfig returns a copy of cfg with passwords, tokens and the DSN
// password masked.
func redactConfig(cfg *config.Config) config.Config {
	out := *cfg
	out.Database.DSN = safety.RedactDSN(cfg.Database.DSN)
	out.Targets = make(map[string]config.TargetProfile, len(cfg.Targets))
	for name, tp := range cfg.Targets {
		if tp.Password != "" {
			tp.Password = redacted
		}
		out.Targets[name] = tp
	}
	if out.Discovery.GitHubToken != "" {
		out.Discovery.GitHubToken = redacted
	}
	return out
}
