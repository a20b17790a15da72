package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sony/gobreaker"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"dispatch/internal/awsutil"
	"dispatch/internal/cache"
	"dispatch/internal/config"
	"dispatch/internal/credentials"
	"dispatch/internal/domain"
	"dispatch/internal/httpserver"
	"dispatch/internal/logging"
	"dispatch/internal/observability"
	"dispatch/internal/providers/mail"
	"dispatch/internal/providers/twilio"
	sqsqueue "dispatch/internal/queue/sqs"
	"dispatch/internal/ratelimit"
	"dispatch/internal/store/pg"
	workerproc "dispatch/internal/worker"
)

func main() {
	cfg := config.LoadWorker()
	logging.Setup("worker", cfg.LogFormat, cfg.LogFile)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := pg.Open(ctx, cfg.Common)
	if err != nil {
		slog.Error("worker db connect failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()
	store := pg.New(db)

	rc, err := cache.NewRedis(ctx, cfg.RedisURL, cfg.RedisDB)
	if err != nil {
		slog.Error("worker redis connect failed", "err", err)
		os.Exit(1)
	}
	defer rc.Close()

	sqsClient, err := awsutil.NewSQSClient(ctx, cfg.AWSRegion, cfg.LocalstackEndpoint)
	if err != nil {
		slog.Error("worker sqs client init failed", "err", err)
		os.Exit(1)
	}

	queues := map[domain.Channel]string{
		domain.ChannelEmail:    cfg.SQSEmailQueueURL,
		domain.ChannelWhatsApp: cfg.SQSWhatsAppQueueURL,
	}
	startupCtx, startupCancel := context.WithTimeout(ctx, 3*time.Second)
	for ch, url := range queues {
		if err := queueReachable(startupCtx, sqsClient, url); err != nil {
			slog.Error("sqs not reachable", "err", err, "canal", ch, "queue_url", url)
			os.Exit(1)
		}
	}
	startupCancel()

	box, err := credentials.NewSecretBox(cfg.CredentialsKey)
	if err != nil {
		slog.Error("worker credentials key invalid", "err", err)
		os.Exit(1)
	}

	observability.Register(prometheus.DefaultRegisterer)

	httpClient := &http.Client{Timeout: 30 * time.Second}
	processor := &workerproc.Processor{
		Store:       store,
		Limiter:     ratelimit.New(ratelimit.NewRedisCounter(rc)),
		Credentials: &credentials.Resolver{Store: store, Cipher: box},
		Mailers: func(mc mail.Config) (mail.Sender, error) {
			return mail.New(mc, mail.Options{HTTP: httpClient})
		},
		SystemMail: mail.Config{
			Transport:   cfg.MailDriver,
			Host:        cfg.SMTPHost,
			Port:        cfg.SMTPPort,
			Username:    cfg.SMTPUsername,
			Password:    cfg.SMTPPassword,
			APIKey:      cfg.SendGridAPIKey,
			BaseURL:     cfg.SendGridBaseURL,
			FromAddress: cfg.MailFromAddress,
			FromName:    cfg.MailFromName,
		},
		WhatsApp: &twilio.Client{
			HTTP:              &http.Client{Timeout: 8 * time.Second},
			StatusCallbackURL: cfg.StatusCallbackURL,
		},
		SystemWhatsApp: twilio.Config{
			AccountSID: cfg.TwilioAccountSID,
			AuthToken:  cfg.TwilioAuthToken,
			From:       cfg.TwilioWhatsAppFrom,
			BaseURL:    cfg.TwilioBaseURL,
		},
		Local:           map[domain.Channel]*rate.Limiter{},
		Breakers:        map[domain.Channel]*gobreaker.CircuitBreaker{},
		RetryDelay:      cfg.RateLimitRetryDelay,
		EmailTimeout:    cfg.EmailJobTimeout,
		WhatsAppTimeout: cfg.WhatsAppJobTimeout,
	}
	for ch := range queues {
		processor.Local[ch] = rate.NewLimiter(rate.Limit(cfg.ProviderRPSPerPod), cfg.ProviderBurst)
		processor.Breakers[ch] = workerproc.NewBreaker(ch)
	}

	healthMux := httpserver.New().Mux
	healthMux.HandleFunc("/healthz", httpserver.Healthz())
	checks := []httpserver.Check{
		{Name: "db", Fn: store.Ping},
		{Name: "redis", Fn: func(c context.Context) error { return rc.Ping(c).Err() }},
	}
	checks = append(checks, httpserver.QueueChecks(func(c context.Context, url string) error {
		return queueReachable(c, sqsClient, url)
	}, queues)...)
	healthMux.HandleFunc("/readyz", httpserver.Readyz(2*time.Second, checks...))
	healthSrv := &http.Server{Addr: ":" + cfg.Port, Handler: httpserver.Logging(healthMux), ReadHeaderTimeout: 5 * time.Second}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsSrv := &http.Server{Addr: ":" + cfg.MetricsPort, Handler: metricsMux, ReadHeaderTimeout: 5 * time.Second}

	g, gctx := errgroup.WithContext(ctx)

	for ch, url := range queues {
		ch, url := ch, url
		consumer := &sqsqueue.Consumer{
			SQS:               sqsClient,
			QueueURL:          url,
			WaitTimeSeconds:   cfg.SQSWaitTime,
			MaxMessages:       cfg.SQSMaxMsgs,
			VisibilityTimeout: cfg.SQSVizTimeout,
			MaxAttempts:       cfg.JobMaxAttempts,
			OnFinalFailure:    processor.Failed,
		}
		g.Go(func() error {
			slog.Info("worker starting poll", "canal", ch, "queue_url", url)
			err := consumer.PollConcurrent(gctx, cfg.WorkerConcurrency, logged(processor.Handle))
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}

	for name, srv := range map[string]*http.Server{"health": healthSrv, "metrics": metricsSrv} {
		name, srv := name, srv
		g.Go(func() error {
			slog.Info("worker listening", "server", name, "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	<-gctx.Done()
	slog.Info("worker shutdown")

	if err := g.Wait(); err != nil {
		slog.Error("worker stopped with error", "err", err)
		os.Exit(1)
	}
}

func logged(h sqsqueue.Handler) sqsqueue.Handler {
	return func(ctx context.Context, job sqsqueue.Job, attempt int) (err error) {
		start := time.Now()
		defer func() {
			attrs := []any{
				"envio_id", job.DeliveryID,
				"canal", job.Channel,
				"attempt", attempt,
				"duration", time.Since(start),
			}
			if err != nil {
				slog.Info("worker job finish", append(attrs, "status", "error", "err", err)...)
				return
			}
			slog.Info("worker job finish", append(attrs, "status", "ok")...)
		}()
		return h(ctx, job, attempt)
	}
}

func queueReachable(ctx context.Context, c *sqs.Client, url string) error {
	_, err := c.GetQueueAttributes(ctx, &sqs.GetQueueAttributesInput{
		QueueUrl:       &url,
		AttributeNames: []types.QueueAttributeName{types.QueueAttributeNameQueueArn},
	})
	return err
}
