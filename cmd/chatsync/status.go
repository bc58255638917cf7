package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and session status",
	Long:  "Display the current configuration, check if the token is expired, and ask the provider who the token belongs to.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		out := cmd.OutOrStdout()

		fmt.Fprintln(out, "Configuration:")
		fmt.Fprintf(out, "  Base URL: %s\n", valueOrDefault(cfg.Default.BaseURL, "(default)"))
		fmt.Fprintf(out, "  Backend:  %s\n", valueOrDefault(cfg.Backend.Kind, "(not set)"))
		path, err := cachePath(cfg)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "  Cache:    %s\n", valueOrDefault(path, "(disabled)"))

		fmt.Fprintln(out)
		fmt.Fprintln(out, "Auth:")
		if cfg.Auth.UserID != "" {
			fmt.Fprintf(out, "  User ID:      %s\n", cfg.Auth.UserID)
			fmt.Fprintf(out, "  Display Name: %s\n", valueOrDefault(cfg.Auth.DisplayName, "(none)"))
		} else {
			fmt.Fprintln(out, "  User ID:      (not logged in)")
		}
		if cfg.Auth.Token != "" {
			fmt.Fprintf(out, "  Token:        %s %s\n", maskKey(cfg.Auth.Token), tokenStatus(cfg.Auth, time.Now()))
		} else {
			fmt.Fprintln(out, "  Token:        none")
		}

		if cfg.Auth.Token == "" {
			return nil
		}

		fmt.Fprintln(out)
		fmt.Fprintln(out, "Live status:")
		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()

		me, err := newClient(cfg, newLogger()).Me(ctx)
		if err != nil {
			fmt.Fprintf(out, "  Error fetching identity: %v\n", err)
			return nil
		}
		fmt.Fprintf(out, "  User ID:      %s\n", me.ID)
		fmt.Fprintf(out, "  Display Name: %s\n", me.DisplayName)
		return nil
	},
}
