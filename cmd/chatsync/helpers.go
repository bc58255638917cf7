package main

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/textb-app/chatsync"
	"github.com/textb-app/chatsync/sqlitestore"
)

// app is one command's view of the provider: the REST client, an engine on
// top of it and the optional SQLite cache.
type app struct {
	cfg    *Config
	log    zerolog.Logger
	client *chatsync.Client
	engine *chatsync.Engine
	cache  *sqlitestore.Store
}

// newClient creates a provider client for the configured base URL.
func newClient(cfg *Config, log zerolog.Logger) *chatsync.Client {
	opts := []chatsync.ClientOption{
		chatsync.WithAgent("chatsync-cli"),
		chatsync.WithClientLogger(log),
	}
	if cfg.Default.BaseURL != "" {
		opts = append(opts, chatsync.WithBaseURL(cfg.Default.BaseURL))
	}
	if cfg.Auth.Token != "" {
		opts = append(opts, chatsync.WithToken(cfg.Auth.Token))
	}
	return chatsync.NewClient(opts...)
}

// newApp builds the client and engine without logging in.
func newApp() (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	log := newLogger()
	a := &app{cfg: cfg, log: log, client: newClient(cfg, log)}

	opts := []chatsync.Option{chatsync.WithLogger(log)}
	path, err := cachePath(cfg)
	if err != nil {
		return nil, err
	}
	if path != "" {
		a.cache, err = sqlitestore.Open(path)
		if err != nil {
			return nil, err
		}
		opts = append(opts, chatsync.WithStorage(a.cache))
	}
	a.engine = chatsync.New(a.client, opts...)
	return a, nil
}

// loggedInApp restores the saved session: it logs in again as the saved
// user and reloads the cached view.
func loggedInApp(ctx context.Context) (*app, error) {
	a, err := newApp()
	if err != nil {
		return nil, err
	}
	if a.cfg.Auth.UserID == "" {
		a.Close()
		return nil, fmt.Errorf("not logged in; run 'chatsync login <user-id>' first")
	}
	if _, err := a.engine.Login(ctx, a.cfg.Auth.UserID); err != nil {
		a.Close()
		return nil, fmt.Errorf("login failed: %w", err)
	}
	if err := a.engine.Restore(); err != nil {
		a.log.Warn().Err(err).Msg("cache restore failed")
	}
	if err := a.saveAuth(); err != nil {
		a.log.Warn().Err(err).Msg("cannot persist refreshed token")
	}
	return a, nil
}

// saveAuth stores the current identity and token in the config file.
func (a *app) saveAuth() error {
	self := a.engine.Session.Current()
	if self == nil {
		a.cfg.Auth = ConfigAuth{}
		return saveConfig(a.cfg)
	}
	token := a.client.Token()
	a.cfg.Auth.UserID = self.ID
	a.cfg.Auth.DisplayName = self.DisplayName
	a.cfg.Auth.Token = token
	a.cfg.Auth.TokenExpires = ""
	if exp, err := chatsync.TokenExpiry(token); err == nil && !exp.IsZero() {
		a.cfg.Auth.TokenExpires = exp.Format(time.RFC3339)
	}
	return saveConfig(a.cfg)
}

// Close releases the engine and the cache.
func (a *app) Close() {
	a.engine.Close()
	if a.cache != nil {
		a.cache.Close()
	}
}

// tokenStatus describes the saved token and its expiry.
func tokenStatus(auth ConfigAuth, now time.Time) string {
	if auth.Token == "" {
		return "none"
	}
	if auth.TokenExpires == "" {
		return "present (no expiry set)"
	}
	expires, err := time.Parse(time.RFC3339, auth.TokenExpires)
	if err != nil {
		return fmt.Sprintf("present (unparseable expiry: %s)", auth.TokenExpires)
	}
	if now.Before(expires) {
		return fmt.Sprintf("valid (expires %s)", expires.Format(time.RFC3339))
	}
	return fmt.Sprintf("EXPIRED (expired %s)", expires.Format(time.RFC3339))
}

// maskKey shows the first 12 and last 4 characters of a token.
func maskKey(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	if len(key) <= 16 {
		return key[:4] + "..." + key[len(key)-4:]
	}
	return key[:12] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
