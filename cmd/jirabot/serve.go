package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jirabot/jirabot/internal/config"
	"github.com/jirabot/jirabot/internal/httpapi"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the webhook server",
	Long: `Start the HTTP server that receives tracker webhooks:

  POST /api/v1/l1-triage-bot    triage a newly created issue
  POST /api/v1/admin-validator  review a custom-field request
  POST /api/v1/hygiene          trigger a sweep
  GET  /health                  liveness check

All POST endpoints require the x-webhook-secret header to match
JIRABOT_WEBHOOK_SECRET.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		log := newLogger(cfg.LogLevel)

		orch, _, err := buildOrchestrator(&cfg, log)
		if err != nil {
			return err
		}
		handler := httpapi.New(orch, cfg.Server.WebhookSecret, cfg.Run.SweepJQL, log)

		srv := &http.Server{
			Addr:              cfg.Server.Addr,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		errCh := make(chan error, 1)
		go func() {
			log.Info("webhook server listening", "addr", cfg.Server.Addr)
			errCh <- srv.ListenAndServe()
		}()

		select {
		case err := <-errCh:
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		case <-ctx.Done():
			log.Info("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		}
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
