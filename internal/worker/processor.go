package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"dispatch/internal/credentials"
	"dispatch/internal/domain"
	"dispatch/internal/observability"
	"dispatch/internal/providers/mail"
	"dispatch/internal/providers/twilio"
	sqsqueue "dispatch/internal/queue/sqs"
	"dispatch/internal/store"
	"dispatch/internal/util"
)

const writeTimeout = 5 * time.Second

type Store interface {
	GetRateLimitConfig(ctx context.Context, ch domain.Channel) (domain.RateLimitConfig, bool, error)
	GetDelivery(ctx context.Context, id string) (domain.DeliveryRecord, bool, error)
	TransitionStatus(ctx context.Context, in store.StatusTransition) (bool, error)
	InsertEvent(ctx context.Context, ev domain.DeliveryEvent) (int64, error)
}

// Admission is the global rate limiter.
type Admission interface {
	CanSend(ctx context.Context, ch domain.Channel, perMinute, perHour, perDay int) (bool, error)
	RecordSend(ctx context.Context, ch domain.Channel) error
}

type CredentialResolver interface {
	ResolveDefault(ctx context.Context, tenantID string, ch domain.Channel) (*domain.Credential, error)
	Decrypt(c domain.Credential) credentials.Fields
}

type WhatsAppSender interface {
	SendWhatsApp(ctx context.Context, cfg twilio.Config, req twilio.SendRequest) (twilio.SendResponse, int, []byte, error)
}

// MailerFactory builds a mail driver from a per-send config value.
type MailerFactory func(cfg mail.Config) (mail.Sender, error)

type Processor struct {
	Store       Store
	Limiter     Admission
	Credentials CredentialResolver

	Mailers        MailerFactory
	SystemMail     mail.Config
	WhatsApp       WhatsAppSender
	SystemWhatsApp twilio.Config

	// Pod-local smoothing and provider protection, keyed by channel. Both
	// are optional.
	Local    map[domain.Channel]*rate.Limiter
	Breakers map[domain.Channel]*gobreaker.CircuitBreaker

	RetryDelay      time.Duration
	EmailTimeout    time.Duration
	WhatsAppTimeout time.Duration

	Now func() time.Time
}

// Handle runs one attempt of a send job. A nil return means the message is
// done (sent, or terminally failed); a *sqsqueue.ReleaseError asks for a
// delayed retry; any other error is retried by the queue.
func (p *Processor) Handle(ctx context.Context, job sqsqueue.Job, attempt int) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout(job.Channel))
	defer cancel()

	log := slog.With("envio_id", job.DeliveryID, "channel", job.Channel, "tenant_id", job.TenantID, "attempt", attempt)

	cfg, found, err := p.Store.GetRateLimitConfig(ctx, job.Channel)
	if err != nil {
		return fmt.Errorf("load rate limit config: %w", err)
	}
	if !found || !cfg.Active {
		log.Warn("rate limit configuration missing or inactive, stopping job")
		p.failConfigMissing(ctx, job)
		return nil
	}

	ok, err := p.Limiter.CanSend(ctx, job.Channel, cfg.PerMinute, cfg.PerHour, cfg.PerDay)
	if err != nil {
		return fmt.Errorf("rate limit check: %w", err)
	}
	if !ok {
		observability.RateLimited.WithLabelValues(string(job.Channel)).Inc()
		log.Warn("global rate limit reached, releasing job", "delay", p.retryDelay())
		return sqsqueue.Release(p.retryDelay(), "global rate limit")
	}

	rec, found, err := p.Store.GetDelivery(ctx, job.DeliveryID)
	if err != nil {
		return fmt.Errorf("load delivery: %w", err)
	}
	if !found {
		log.Error("delivery record not found")
		return nil
	}
	// Redelivered after a successful attempt whose ack was lost, or after the
	// provider reported the message failed.
	if !domain.MayResend(rec.Status, rec.Additional) {
		log.Info("delivery not resendable, skipping", "status", rec.Status, "origen_fallo", rec.Additional[domain.FailureOriginKey])
		return nil
	}

	if err := p.Limiter.RecordSend(ctx, job.Channel); err != nil {
		log.Warn("rate limit record failed", "err", err)
	}

	out, meta, err := p.outboundFor(ctx, job)
	if err != nil {
		return p.attemptFailed(ctx, log, rec, err)
	}

	if err := p.waitLocal(ctx, job.Channel); err != nil {
		observability.ProviderSend.WithLabelValues(string(job.Channel), "rate_limited_local").Inc()
		return sqsqueue.Release(p.retryDelay(), "pod rate limit")
	}

	start := time.Now()
	res, err := p.executeWithBreaker(ctx, job.Channel, out)
	observability.ProviderLatency.WithLabelValues(string(job.Channel)).Observe(time.Since(start).Seconds())

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		observability.ProviderSend.WithLabelValues(string(job.Channel), "cb_open").Inc()
		// Provider protection, not a failed send: leave the record as is.
		log.Warn("circuit open, releasing job")
		return sqsqueue.Release(p.retryDelay(), "circuit open")
	}
	if err != nil {
		observability.ProviderSend.WithLabelValues(string(job.Channel), "error").Inc()
		return p.attemptFailed(ctx, log, rec, err)
	}
	observability.ProviderSend.WithLabelValues(string(job.Channel), "ok").Inc()

	wctx, wcancel := writeContext(ctx)
	defer wcancel()
	now := p.now()
	additional := meta.fields()
	additional["enviado_en"] = now.Format(time.RFC3339)
	moved, err := p.Store.TransitionStatus(wctx, store.StatusTransition{
		ID:             rec.ID,
		To:             domain.StatusSent,
		TrackingID:     res.TrackingID,
		Additional:     additional,
		From:           domain.SendSuccessFrom,
		ResendableOnly: true,
		Now:            now,
	})
	if err != nil {
		return p.attemptFailed(ctx, log, rec, fmt.Errorf("record sent status: %w", err))
	}
	if !moved {
		log.Warn("delivery changed state during send, status left as is")
	}
	if _, err := p.Store.InsertEvent(wctx, domain.DeliveryEvent{
		DeliveryID:  rec.ID,
		Destination: out.Destination(),
		Event:       domain.EventSent,
		TrackingID:  res.TrackingID,
		Response:    res.Raw,
		OccurredAt:  now,
	}); err != nil {
		log.Error("append sent event failed", "err", err)
	}

	log.Info("message sent", "tracking_id", res.TrackingID, "fallback_id", res.Fallback, "driver", meta.Driver)
	return nil
}

// Failed is the final-failure hook. It only marks records still queued or
// sent, so it is safe to run after an attempt already recorded the failure
// and never downgrades a delivered record.
func (p *Processor) Failed(ctx context.Context, job sqsqueue.Job, cause error) {
	observability.FinalFailures.WithLabelValues(string(job.Channel)).Inc()
	log := slog.With("envio_id", job.DeliveryID, "channel", job.Channel)
	log.Error("send job failed permanently", "err", cause)

	msg := "attempts exhausted"
	if cause != nil {
		msg = cause.Error()
	}
	now := p.now()
	moved, err := p.Store.TransitionStatus(ctx, store.StatusTransition{
		ID: job.DeliveryID,
		To: domain.StatusFailed,
		Additional: map[string]any{
			"error_final":           util.Truncate(msg, 1000),
			"fallido_en":            now.Format(time.RFC3339),
			domain.FailureOriginKey: domain.FailureOriginJob,
		},
		From: domain.FailureFrom,
		Now:  now,
	})
	if err != nil {
		log.Error("mark failed", "err", err)
		return
	}
	if !moved {
		return
	}
	if _, err := p.Store.InsertEvent(ctx, domain.DeliveryEvent{
		DeliveryID:   job.DeliveryID,
		Destination:  job.To,
		Event:        domain.EventJobFailure,
		ErrorMessage: util.Truncate(msg, 1000),
		Response:     map[string]any{"error": msg},
		OccurredAt:   now,
	}); err != nil {
		log.Error("append job failure event", "err", err)
	}
}

// attemptFailed records the failure of this attempt and hands the error back
// to the queue so the attempt is retried.
func (p *Processor) attemptFailed(ctx context.Context, log *slog.Logger, rec domain.DeliveryRecord, cause error) error {
	log.Error("send attempt failed", "err", cause)

	ctx, cancel := writeContext(ctx)
	defer cancel()
	now := p.now()
	msg := util.Truncate(cause.Error(), 1000)
	if _, err := p.Store.TransitionStatus(ctx, store.StatusTransition{
		ID: rec.ID,
		To: domain.StatusFailed,
		Additional: map[string]any{
			"error_final":           msg,
			"trace":                 fmt.Sprintf("%+v", cause),
			domain.FailureOriginKey: domain.FailureOriginAttempt,
		},
		From: domain.FailureFrom,
		Now:  now,
	}); err != nil {
		log.Error("mark failed", "err", err)
	}
	ev := domain.DeliveryEvent{
		DeliveryID:   rec.ID,
		Destination:  rec.Destination,
		Event:        domain.EventFailed,
		ErrorMessage: msg,
		Response:     failureResponse(cause),
		OccurredAt:   now,
	}
	var ae *twilio.APIError
	if errors.As(cause, &ae) && ae.Code != 0 {
		ev.ErrorCode = fmt.Sprint(ae.Code)
	}
	if _, err := p.Store.InsertEvent(ctx, ev); err != nil {
		log.Error("append failure event", "err", err)
	}
	return cause
}

func (p *Processor) failConfigMissing(ctx context.Context, job sqsqueue.Job) {
	ctx, cancel := writeContext(ctx)
	defer cancel()
	now := p.now()
	moved, err := p.Store.TransitionStatus(ctx, store.StatusTransition{
		ID: job.DeliveryID,
		To: domain.StatusFailed,
		Additional: map[string]any{
			"mensaje_sistema":       domain.ErrConfigMissing.Error(),
			domain.FailureOriginKey: domain.FailureOriginJob,
		},
		From: domain.FailureFrom,
		Now:  now,
	})
	if err != nil {
		slog.Error("mark failed", "err", err, "envio_id", job.DeliveryID)
		return
	}
	if !moved {
		return
	}
	if _, err := p.Store.InsertEvent(ctx, domain.DeliveryEvent{
		DeliveryID:   job.DeliveryID,
		Destination:  job.To,
		Event:        domain.EventConfigMissing,
		ErrorMessage: domain.ErrConfigMissing.Error(),
		OccurredAt:   now,
	}); err != nil {
		slog.Error("append config event", "err", err, "envio_id", job.DeliveryID)
	}
}

func (p *Processor) executeWithBreaker(ctx context.Context, ch domain.Channel, out Outbound) (Sent, error) {
	call := func() (any, error) {
		return out.Send(ctx)
	}

	cb := p.Breakers[ch]
	var (
		v   any
		err error
	)
	if cb == nil {
		v, err = call()
	} else {
		v, err = cb.Execute(call)
	}
	if err != nil {
		return Sent{}, err
	}
	return v.(Sent), nil
}

func (p *Processor) waitLocal(ctx context.Context, ch domain.Channel) error {
	l := p.Local[ch]
	if l == nil {
		return nil
	}
	waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return l.Wait(waitCtx)
}

func (p *Processor) timeout(ch domain.Channel) time.Duration {
	switch {
	case ch == domain.ChannelEmail && p.EmailTimeout > 0:
		return p.EmailTimeout
	case ch == domain.ChannelWhatsApp && p.WhatsAppTimeout > 0:
		return p.WhatsAppTimeout
	case ch == domain.ChannelEmail:
		return 300 * time.Second
	}
	return 60 * time.Second
}

func (p *Processor) retryDelay() time.Duration {
	if p.RetryDelay <= 0 {
		return 10 * time.Second
	}
	return p.RetryDelay
}

func (p *Processor) now() time.Time {
	if p.Now != nil {
		return p.Now().UTC()
	}
	return util.NowUTC()
}

// writeContext outlives the attempt deadline so the outcome of an attempt
// that ran out of time is still persisted.
func writeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
}

func failureResponse(err error) map[string]any {
	out := map[string]any{"error": err.Error()}
	var tce *callError
	if errors.As(err, &tce) {
		if tce.httpStatus != 0 {
			out["http_status"] = tce.httpStatus
		}
		if len(tce.raw) > 0 {
			out["raw"] = util.Truncate(string(tce.raw), 2000)
		}
	}
	return out
}
