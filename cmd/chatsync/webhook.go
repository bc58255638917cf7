package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/textb-app/chatsync"
)

var (
	webhookAddr   string
	webhookSecret string
	webhookPath   string
)

func init() {
	webhookServeCmd.Flags().StringVar(&webhookAddr, "addr", ":8090", "Listen address")
	webhookServeCmd.Flags().StringVar(&webhookSecret, "secret", "", "Shared HMAC secret (default $CHATSYNC_WEBHOOK_SECRET)")
	webhookServeCmd.Flags().StringVar(&webhookPath, "path", "/webhook", "Webhook endpoint path")
	webhookCmd.AddCommand(webhookServeCmd)
	rootCmd.AddCommand(webhookCmd)
}

var webhookCmd = &cobra.Command{
	Use:   "webhook",
	Short: "Receive push events over signed webhooks",
}

var webhookServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve a webhook endpoint and print the events it receives",
	RunE: func(cmd *cobra.Command, args []string) error {
		secret := webhookSecret
		if secret == "" {
			secret = os.Getenv("CHATSYNC_WEBHOOK_SECRET")
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := loggedInApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		wh, err := chatsync.NewWebhook(secret, a.client.Deliver, a.log)
		if err != nil {
			return err
		}
		subscribeWatch(a.engine, cmd.OutOrStdout(), "")

		srv := &http.Server{
			Addr:              webhookAddr,
			Handler:           newWebhookRouter(wh, webhookPath, a.log),
			ReadHeaderTimeout: 10 * time.Second,
		}
		errc := make(chan error, 1)
		go func() { errc <- srv.ListenAndServe() }()
		a.log.Info().Str("addr", webhookAddr).Str("path", webhookPath).Msg("webhook server listening")
		fmt.Fprintf(cmd.OutOrStdout(), "Listening on %s%s (Ctrl-C to stop)\n", webhookAddr, webhookPath)

		select {
		case err := <-errc:
			if !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("webhook server: %w", err)
			}
			return nil
		case <-ctx.Done():
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	},
}

// newWebhookRouter mounts the webhook on path and a health check on /healthz.
func newWebhookRouter(wh *chatsync.Webhook, path string, log zerolog.Logger) http.Handler {
	r := mux.NewRouter()
	r.Handle(path, wh.HTTPHandler()).Methods(http.MethodPost)
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}).Methods(http.MethodGet)
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			start := time.Now()
			next.ServeHTTP(w, req)
			log.Debug().Str("method", req.Method).Str("path", req.URL.Path).Dur("took", time.Since(start)).Msg("request")
		})
	})
	return r
}
