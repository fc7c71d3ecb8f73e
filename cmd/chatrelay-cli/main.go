// Package main provides chatrelay-cli, the command-line tool for inspecting
// chat relay configuration, cache keys and the request log.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	chatrelay "github.com/ferro-labs/chat-relay"
	"github.com/ferro-labs/chat-relay/internal/version"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "chatrelay-cli",
		Short:         "Chat relay operator command line tool",
		Version:       version.String(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		newValidateCmd(),
		newVersionCmd(),
		newCacheKeyCmd(),
		newSeedsCmd(),
		newFallbackCmd(),
		newLogsCmd(),
	)
	return root
}

func newValidateCmd() *cobra.Command {
	var withEnv bool
	cmd := &cobra.Command{
		Use:   "validate <config-file>",
		Short: "Validate a relay configuration file (JSON/YAML)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := chatrelay.LoadConfig(args[0])
			if err != nil {
				return fmt.Errorf("error loading config: %w", err)
			}
			if withEnv {
				if err := chatrelay.ApplyEnv(cfg); err != nil {
					return fmt.Errorf("error applying environment: %w", err)
				}
			}
			if err := chatrelay.ValidateConfig(*cfg); err != nil {
				return fmt.Errorf("validation error: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "✓ Config is valid\n")
			fmt.Fprintf(out, "  Port:      %d\n", cfg.Server.Port)
			fmt.Fprintf(out, "  Upstream:  %s (%s)\n", cfg.Upstream.Provider, cfg.Upstream.Model)
			fmt.Fprintf(out, "  Cache:     %d entries, ttl %s\n", cfg.Cache.Capacity, cfg.Cache.TTL)
			fmt.Fprintf(out, "  Auth:      %s\n", cfg.Auth.Mode)
			fmt.Fprintf(out, "  Store:     %s\n", cfg.Store.Driver)
			if len(cfg.Server.CORSOrigins) > 0 {
				fmt.Fprintf(out, "  Origins:   %s\n", strings.Join(cfg.Server.CORSOrigins, ", "))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&withEnv, "env", false, "overlay environment variables before validating")
	return cmd
}

func newVersionCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print version info",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(version.Get())
			}
			fmt.Fprintf(cmd.OutOrStdout(), "chatrelay-cli %s\n", version.String())
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print build info as JSON")
	return cmd
}
