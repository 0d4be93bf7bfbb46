package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/rescale/rescale-vrows/internal/config"
)

// newConfigCmd creates the 'config' command group.
func newConfigCmd() *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Manage rescale-vrows configuration",
		Long: `Configuration management commands for rescale-vrows.

Commands:
  init  - Write a configuration file with default values
  show  - Display current configuration
  path  - Show configuration file path`,
	}

	configCmd.AddCommand(newConfigInitCmd())
	configCmd.AddCommand(newConfigShowCmd())
	configCmd.AddCommand(newConfigPathCmd())

	return configCmd
}

// newConfigInitCmd creates the 'config init' command.
func newConfigInitCmd() *cobra.Command {
	var (
		force bool
		kind  string
		table string
		url   string
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a configuration file",
		Long: `Writes a configuration file with default values, optionally selecting
the source. Edit the file afterwards for the remaining settings.

Use --force to overwrite existing configuration.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := configPath()

			if !force {
				if _, err := os.Stat(path); err == nil {
					fmt.Fprintf(cmd.OutOrStdout(), "Configuration already exists at: %s\n", path)
					fmt.Fprintln(cmd.OutOrStdout(), "Use --force to overwrite or run 'config show' to view current config.")
					return nil
				}
			}

			cfg := config.DefaultConfig()
			if kind != "" {
				cfg.Source.Kind = kind
			}
			cfg.Source.Table = table
			cfg.Source.URL = url
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}

			if err := config.Save(cfg, path); err != nil {
				return err
			}
			GetLogger().Info().Str("path", path).Str("source", cfg.Source.Kind).Msg("Configuration written")
			return nil
		},
	}

	cmd.Flags().BoolVarP(&force, "force", "f", false, "Overwrite existing configuration")
	cmd.Flags().StringVar(&kind, "source", "", "Source kind: memory, sqlite or http")
	cmd.Flags().StringVar(&table, "table", "", "Table for the sqlite source")
	cmd.Flags().StringVar(&url, "url", "", "List endpoint for the http source")

	return cmd
}

// newConfigShowCmd creates the 'config show' command.
func newConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Display current configuration",
		Long:  `Display the effective configuration: defaults, overridden by the config file and environment.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			printConfig(cmd.OutOrStdout(), configPath(), cfg)
			if err := cfg.Validate(); err != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "\nWarning: %v\n", err)
			}
			return nil
		},
	}
}

// newConfigPathCmd creates the 'config path' command.
func newConfigPathCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "path",
		Short: "Show configuration file path",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintln(cmd.OutOrStdout(), configPath())
			return nil
		},
	}
}

func configPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	return config.DefaultConfigPath()
}

func printConfig(w io.Writer, path string, cfg *config.Config) {
	fmt.Fprintf(w, "Configuration (%s):\n", path)
	fmt.Fprintf(w, "  Page size:        %d\n", cfg.Pager.PageSize)
	fmt.Fprintf(w, "  Idle delay:       %v\n", cfg.Pager.IdleDelay)
	fmt.Fprintf(w, "  Hand-off timeout: %v\n", cfg.Pager.HandoffTimeout)
	fmt.Fprintf(w, "  Teardown timeout: %v\n", cfg.Pager.TeardownTimeout)
	fmt.Fprintf(w, "  Fetch retries:    %d (backoff %v to %v)\n", cfg.Fetch.MaxRetries, cfg.Fetch.InitialDelay, cfg.Fetch.MaxDelay)
	fmt.Fprintf(w, "  Source:           %s\n", cfg.Source.Kind)

	switch cfg.Source.Kind {
	case config.SourceMemory:
		fmt.Fprintf(w, "  Demo rows:        %d (latency %v)\n", cfg.Source.DemoRows, cfg.Source.DemoLatency)
	case config.SourceSQLite:
		fmt.Fprintf(w, "  Database:         %s\n", cfg.Source.SQLitePath)
		fmt.Fprintf(w, "  Table:            %s (order by %s)\n", cfg.Source.Table, cfg.Source.OrderBy)
		if cfg.Source.Where != "" {
			fmt.Fprintf(w, "  Where:            %s\n", cfg.Source.Where)
		}
	case config.SourceHTTP:
		fmt.Fprintf(w, "  URL:              %s\n", cfg.Source.URL)
		fmt.Fprintf(w, "  API key:          %s\n", maskSecret(cfg.Source.APIKey))
		fmt.Fprintf(w, "  Rate:             %g/s (burst %g)\n", cfg.Source.RatePerSec, cfg.Source.Burst)
		fmt.Fprintf(w, "  Proxy:            %s\n", cfg.Source.ProxyMode)
		if cfg.Source.ProxyHost != "" {
			fmt.Fprintf(w, "  Proxy host:       %s:%d\n", cfg.Source.ProxyHost, cfg.Source.ProxyPort)
		}
	}

	if cfg.Metrics.Listen != "" {
		fmt.Fprintf(w, "  Metrics:          %s\n", cfg.Metrics.Listen)
	}
}

// maskSecret shows only the last four characters.
func maskSecret(s string) string {
	switch {
	case s == "":
		return "(not set)"
	case len(s) <= 4:
		return "****"
	default:
		return "****" + s[len(s)-4:]
	}
}
