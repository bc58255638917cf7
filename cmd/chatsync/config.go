package main

import (
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/textb-app/chatsync/backend"
)

var configReveal bool

func init() {
	configShowCmd.Flags().BoolVar(&configReveal, "reveal", false, "Print secrets in full")
	configGetCmd.Flags().BoolVar(&configReveal, "reveal", false, "Print secrets in full")
	configCmd.AddCommand(configShowCmd, configGetCmd, configSetCmd)
	rootCmd.AddCommand(configCmd)

	var keys strings.Builder
	for _, f := range configFields {
		fmt.Fprintf(&keys, "\n  %-20s %s", f.key, f.usage)
	}
	configSetCmd.Long += "\n\nKeys:" + keys.String()
	configGetCmd.Long = "Print one configuration value.\n\nKeys:" + keys.String()
}

// configField is one settable key. Secret values are masked on output
// unless --reveal is given.
type configField struct {
	key   string
	field func(cfg *Config) *string
	mask  func(string) string
	check func(string) error
	usage string
}

var configSections = []string{"default", "auth", "backend", "cache"}

var configFields = []configField{
	{key: "default.base_url", field: func(c *Config) *string { return &c.Default.BaseURL }, check: checkBaseURL, usage: "Chat API base URL"},
	{key: "auth.token", field: func(c *Config) *string { return &c.Auth.Token }, mask: maskKey, usage: "Session token"},
	{key: "auth.user_id", field: func(c *Config) *string { return &c.Auth.UserID }, usage: "Chat identity"},
	{key: "auth.display_name", field: func(c *Config) *string { return &c.Auth.DisplayName }, usage: "Display name"},
	{key: "auth.token_expires", field: func(c *Config) *string { return &c.Auth.TokenExpires }, usage: "Token expiry (RFC 3339)"},
	{key: "backend.kind", field: func(c *Config) *string { return &c.Backend.Kind }, check: checkBackendKind, usage: "postgres or mongo"},
	{key: "backend.dsn", field: func(c *Config) *string { return &c.Backend.DSN }, mask: redactDSN, usage: "Backend connection string"},
	{key: "backend.database", field: func(c *Config) *string { return &c.Backend.Database }, usage: "Mongo database name"},
	{key: "cache.path", field: func(c *Config) *string { return &c.Cache.Path }, usage: "Message cache file, or off"},
}

// lookupConfigField resolves a section.field key.
func lookupConfigField(key string) (configField, error) {
	section, name, ok := strings.Cut(key, ".")
	if !ok || section == "" || name == "" {
		return configField{}, fmt.Errorf("key must use dot notation: section.field (e.g. default.base_url)")
	}
	known := false
	for _, s := range configSections {
		if s == section {
			known = true
			break
		}
	}
	if !known {
		return configField{}, fmt.Errorf("unknown config section %q (valid: %s)", section, strings.Join(configSections, ", "))
	}
	for _, f := range configFields {
		if f.key == key {
			return f, nil
		}
	}
	return configField{}, fmt.Errorf("unknown field %q in section [%s]", name, section)
}

// setConfigValue sets a config field using dot notation (e.g. "default.base_url").
func setConfigValue(cfg *Config, key, value string) error {
	f, err := lookupConfigField(key)
	if err != nil {
		return err
	}
	if f.check != nil && value != "" {
		if err := f.check(value); err != nil {
			return err
		}
	}
	*f.field(cfg) = value
	return nil
}

// render returns the value as printed by show and get.
func (f configField) render(cfg *Config, reveal bool) string {
	v := *f.field(cfg)
	if v == "" {
		return ""
	}
	if f.mask != nil && !reveal {
		return f.mask(v)
	}
	return v
}

func checkBaseURL(value string) error {
	u, err := url.Parse(value)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("default.base_url must be an http or https URL, got %q", value)
	}
	return nil
}

func checkBackendKind(value string) error {
	if value != backend.KindPostgres && value != backend.KindMongo {
		return fmt.Errorf("backend.kind must be %q or %q", backend.KindPostgres, backend.KindMongo)
	}
	return nil
}

// redactDSN hides the password of a URL-form connection string.
func redactDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil || u.Scheme == "" {
		return maskKey(dsn)
	}
	return u.Redacted()
}

func printConfig(w io.Writer, cfg *Config, reveal bool) {
	section := ""
	for _, f := range configFields {
		s, name, _ := strings.Cut(f.key, ".")
		if s != section {
			if section != "" {
				fmt.Fprintln(w)
			}
			fmt.Fprintf(w, "[%s]\n", s)
			section = s
		}
		fmt.Fprintf(w, "  %-14s = %s\n", name, valueOrDefault(f.render(cfg, reveal), "(unset)"))
	}
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage chatsync configuration",
	Long:  "View or modify the chatsync CLI configuration stored in ~/.chatsync/config.toml.",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print every configuration key, with secrets masked",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := configPath()
		if err != nil {
			return err
		}
		if _, err := os.Stat(path); os.IsNotExist(err) {
			fmt.Fprintln(cmd.OutOrStdout(), "No configuration file found. Run 'chatsync init <base-url>' to create one.")
			return nil
		}
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "# %s\n", path)
		printConfig(cmd.OutOrStdout(), cfg, configReveal)
		return nil
	},
}

var configGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Print one configuration value",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := lookupConfigField(args[0])
		if err != nil {
			return err
		}
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), f.render(cfg, configReveal))
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value using dot notation.\nExample: chatsync config set backend.kind postgres",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]
		f, err := lookupConfigField(key)
		if err != nil {
			return err
		}

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if err := setConfigValue(cfg, key, value); err != nil {
			return err
		}
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		fmt.Fprintf(cmd.OutOrStdout(), "Set %s = %s\n", key, f.render(cfg, false))
		return nil
	},
}
