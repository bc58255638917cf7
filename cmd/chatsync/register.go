package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/textb-app/chatsync"
)

var (
	registerDisplayName string
	registerAvatarURL   string
)

func init() {
	registerCmd.Flags().StringVar(&registerDisplayName, "display-name", "", "Display name for the user")
	registerCmd.Flags().StringVar(&registerAvatarURL, "avatar", "", "Avatar URL")
	rootCmd.AddCommand(registerCmd)
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(logoutCmd)
}

var registerCmd = &cobra.Command{
	Use:   "register <user-id>",
	Short: "Create a chat identity and log in as it",
	Long:  "Create a new identity with the chat provider, log in and store the returned token locally.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		displayName := registerDisplayName
		if displayName == "" {
			displayName = args[0]
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()

		self, err := a.engine.Register(ctx, chatsync.Identity{
			ID:          args[0],
			DisplayName: displayName,
			AvatarURL:   registerAvatarURL,
		})
		if err != nil {
			return fmt.Errorf("registration failed: %w", err)
		}
		if err := a.saveAuth(); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		out := cmd.OutOrStdout()
		fmt.Fprintln(out, "Registration successful!")
		fmt.Fprintf(out, "  User ID:      %s\n", self.ID)
		fmt.Fprintf(out, "  Display Name: %s\n", self.DisplayName)
		fmt.Fprintf(out, "  Token:        %s\n", tokenStatus(a.cfg.Auth, time.Now()))
		return nil
	},
}

var loginCmd = &cobra.Command{
	Use:   "login <user-id>",
	Short: "Log in as an existing chat identity",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()

		self, err := a.engine.Login(ctx, args[0])
		if err != nil {
			return fmt.Errorf("login failed: %w", err)
		}
		if err := a.saveAuth(); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Logged in as %s\n", valueOrDefault(self.DisplayName, self.ID))
		return nil
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "End the session and clear the local cache",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()

		a, err := loggedInApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.engine.Logout(ctx); err != nil {
			return fmt.Errorf("logout failed: %w", err)
		}
		if err := a.saveAuth(); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Logged out.")
		return nil
	},
}
