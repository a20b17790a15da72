package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"dispatch/internal/config"
	"dispatch/internal/credentials"
	"dispatch/internal/httpserver"
	"dispatch/internal/logging"
	"dispatch/internal/observability"
	"dispatch/internal/providers/twilio"
	"dispatch/internal/reconcile"
	"dispatch/internal/store/pg"
)

func main() {
	cfg := config.LoadWebhook()
	logging.Setup("webhook", cfg.LogFormat, cfg.LogFile)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := pg.Open(ctx, cfg.Common)
	if err != nil {
		slog.Error("webhook db connect failed", "err", err)
		os.Exit(1)
	}
	store := pg.New(db)

	observability.Register(prometheus.DefaultRegisterer)

	hook := &httpserver.Webhook{
		Reconciler: &reconcile.Reconciler{Store: store},
		PublicURL:  cfg.PublicWebhookURL,
	}
	if cfg.TwilioWebhookVerify {
		box, err := credentials.NewSecretBox(cfg.CredentialsKey)
		if err != nil {
			slog.Error("webhook credentials key invalid", "err", err)
			os.Exit(1)
		}
		hook.Tokens = &credentials.TwilioTokens{
			Store:       store,
			Cipher:      box,
			SystemSID:   cfg.TwilioAccountSID,
			SystemToken: cfg.TwilioAuthToken,
		}
		hook.VerifySignature = twilio.VerifySignature
	} else {
		slog.Warn("twilio signature verification disabled")
	}

	s := httpserver.New()
	s.Mux.Use(httpserver.Metrics(observability.APIRequests))
	hook.Register(s.Mux)
	s.Mux.HandleFunc("/healthz", httpserver.Healthz())
	s.Mux.HandleFunc("/readyz", httpserver.Readyz(2*time.Second,
		httpserver.Check{Name: "db", Fn: store.Ping},
	))

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           httpserver.Logging(s.Mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		slog.Info("webhook shutdown", "signal", sig.String())
		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	slog.Info("webhook listening", "port", cfg.Port)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("webhook server failed", "err", err)
		os.Exit(1)
	}
	db.Close()
}
