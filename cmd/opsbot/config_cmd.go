package main

import (
	"fmt"

	"github.com/opsdesk/opsbot/internal/config"
	"github.com/spf13/cobra"
)

func newCheckConfigCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "check-config",
		Short: "Parse and validate the configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "Configuration valid")
			fmt.Fprintf(out, "  wireguard host: %s\n", cfg.WireGuard.Host)
			fmt.Fprintf(out, "  squid hosts:    %d\n", len(cfg.Squid.Hosts))
			if cfg.Gateway.DSN == "" {
				fmt.Fprintln(out, "  gateway db:     not configured (gateway allowlist disabled)")
			} else {
				fmt.Fprintf(out, "  gateway db:     %s\n", cfg.Gateway.Driver)
			}
			if cfg.PBXWebApp.URL == "" {
				fmt.Fprintln(out, "  pbx web app:    not configured (/pbx disabled)")
			} else {
				fmt.Fprintf(out, "  pbx web app:    %s (reports on %s)\n", cfg.PBXWebApp.URL, cfg.PBXWebApp.Listen)
			}
			return nil
		},
	}
}
