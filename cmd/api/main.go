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

	"dispatch/internal/awsutil"
	"dispatch/internal/config"
	"dispatch/internal/credentials"
	"dispatch/internal/domain"
	"dispatch/internal/httpserver"
	"dispatch/internal/logging"
	"dispatch/internal/observability"
	sqsqueue "dispatch/internal/queue/sqs"
	"dispatch/internal/service"
	"dispatch/internal/store/pg"
)

func main() {
	cfg := config.LoadAPI()
	logging.Setup("api", cfg.LogFormat, cfg.LogFile)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := pg.Open(ctx, cfg.Common)
	if err != nil {
		slog.Error("api db connect failed", "err", err)
		os.Exit(1)
	}

	sqsClient, err := awsutil.NewSQSClient(ctx, cfg.AWSRegion, cfg.LocalstackEndpoint)
	if err != nil {
		slog.Error("api sqs client init failed", "err", err)
		os.Exit(1)
	}

	box, err := credentials.NewSecretBox(cfg.CredentialsKey)
	if err != nil {
		slog.Error("api credentials key invalid", "err", err)
		os.Exit(1)
	}

	observability.Register(prometheus.DefaultRegisterer)

	store := pg.New(db)
	producer := &sqsqueue.Producer{SQS: sqsClient, Queues: map[domain.Channel]string{
		domain.ChannelEmail:    cfg.SQSEmailQueueURL,
		domain.ChannelWhatsApp: cfg.SQSWhatsAppQueueURL,
	}}
	resolver := &credentials.Resolver{Store: store, Cipher: box}
	validate := service.NewValidator()

	svc := &service.DispatchService{
		Store:       store,
		Queue:       producer,
		Credentials: resolver,
		Validate:    validate,
	}

	s := httpserver.New()
	api := &httpserver.API{
		Svc:      svc,
		Creds:    &credentials.Service{Resolver: resolver, MasterTenantID: cfg.MasterTenantID},
		Validate: validate,
	}
	s.Mux.Use(httpserver.Metrics(observability.APIRequests))
	api.Register(s.Mux)

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
		slog.Info("api shutdown", "signal", sig.String())
		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	slog.Info("api listening", "port", cfg.Port)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("api server failed", "err", err)
		os.Exit(1)
	}

	db.Close()
}
