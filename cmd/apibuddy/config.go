package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/grokify/apibuddy/pkg/config"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration",
		Long:  `Manage apibuddy configuration files.`,
	}

	cmd.AddCommand(
		newConfigInitCmd(),
		newConfigShowCmd(),
	)

	return cmd
}

type configInitOptions struct {
	output string
	force  bool
}

func newConfigInitCmd() *cobra.Command {
	opts := &configInitOptions{}

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create a configuration file",
		Long: `Create a new configuration file with default settings and one
example domain mapping.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigInit(opts)
		},
	}

	cmd.Flags().StringVarP(&opts.output, "output", "o", "", "Output path (default: ~/.apibuddy/config.yaml)")
	cmd.Flags().BoolVarP(&opts.force, "force", "f", false, "Overwrite existing file")

	return cmd
}

func runConfigInit(opts *configInitOptions) error {
	path := opts.output
	if path == "" {
		path = config.DefaultConfigPath()
	}

	if !opts.force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config file already exists: %s (use --force to overwrite)", path)
		}
	}

	cfg := config.DefaultConfig()
	cfg.DomainMappings["cn"] = config.DomainMapping{
		Upstream:   "https://api.example.org",
		TTLSeconds: 3600,
	}

	if err := cfg.Save(path); err != nil {
		return fmt.Errorf("failed to save config: %w", err)
	}

	fmt.Printf("Configuration file created: %s\n", path)
	fmt.Printf("\nTo use this configuration:\n")
	fmt.Printf("  apibuddy serve --config %s\n", path)

	return nil
}

func newConfigShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show example configuration",
		Long:  `Display an example configuration file with all available options.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigShow()
		},
	}

	return cmd
}

func runConfigShow() error {
	fmt.Println("# apibuddy configuration example")
	fmt.Println("#")
	fmt.Println("# Save this to ~/.apibuddy/config.yaml or specify with --config flag")
	fmt.Println()
	fmt.Println(config.ExampleConfig())
	return nil
}
