// Package reconcile applies provider delivery webhooks to delivery records.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"dispatch/internal/domain"
	"dispatch/internal/observability"
	"dispatch/internal/providers/mail"
	"dispatch/internal/providers/twilio"
	"dispatch/internal/store"
	"dispatch/internal/util"
)

type Store interface {
	FindByTracking(ctx context.Context, in store.TrackingLookup) (domain.DeliveryRecord, bool, error)
	TransitionStatus(ctx context.Context, in store.StatusTransition) (bool, error)
	InsertEvent(ctx context.Context, ev domain.DeliveryEvent) (int64, error)
}

type Reconciler struct {
	Store Store
	Now   func() time.Time
}

// Outcome of one webhook event.
type Outcome int

const (
	Applied Outcome = iota
	// Recorded: the event was logged but the record's status was kept
	// (unmapped event type, or the record is in a failure state).
	Recorded
	Orphan
	Errored
)

type Summary struct {
	Applied  int `json:"applied"`
	Recorded int `json:"recorded"`
	Orphans  int `json:"orphans"`
	Errors   int `json:"errors"`
}

func (s *Summary) add(o Outcome) {
	switch o {
	case Applied:
		s.Applied++
	case Recorded:
		s.Recorded++
	case Orphan:
		s.Orphans++
	default:
		s.Errors++
	}
}

// TrimTransportID strips the angle brackets and spaces around an SMTP id.
func TrimTransportID(id string) string {
	return strings.Trim(strings.TrimSpace(id), "<>")
}

// TrackingKey derives the key a webhook is correlated by. A dotted provider
// message id contributes its first segment; a bare one, or one starting with
// a dot, is used as is. The
// transport id is only used when it does not look like an address.
func TrackingKey(messageID, transportID string) string {
	messageID = strings.TrimSpace(messageID)
	if messageID != "" {
		if i := strings.Index(messageID, "."); i > 0 {
			return messageID[:i]
		}
		return messageID
	}
	t := TrimTransportID(transportID)
	if t != "" && !strings.Contains(t, "@") {
		return t
	}
	return ""
}

// HandleEmail applies a batch of SendGrid events. Every event is processed on
// its own; a failing event is logged with its payload and the batch goes on.
func (r *Reconciler) HandleEmail(ctx context.Context, events []mail.Event) Summary {
	var sum Summary
	for _, ev := range events {
		sum.add(r.emailEvent(ctx, ev))
	}
	return sum
}

func (r *Reconciler) emailEvent(ctx context.Context, ev mail.Event) (out Outcome) {
	defer func() {
		if p := recover(); p != nil {
			slog.Error("email webhook event panicked", "panic", fmt.Sprint(p), "event", ev.Raw)
			out = Errored
		}
	}()

	key := TrackingKey(ev.SGMessageID, ev.SMTPID)
	transport := TrimTransportID(ev.SMTPID)
	log := slog.With("channel", domain.ChannelEmail, "tracking_key", key, "event", ev.Event)

	if key == "" && transport == "" {
		return r.orphan(log, domain.ChannelEmail, ev.Raw)
	}
	rec, found, err := r.Store.FindByTracking(ctx, store.TrackingLookup{
		Channel:     domain.ChannelEmail,
		Key:         key,
		TransportID: transport,
	})
	if err != nil {
		log.Error("webhook lookup failed", "err", err, "event_data", ev.Raw)
		return Errored
	}
	if !found {
		return r.orphan(log.With("message_id_full", ev.SGMessageID), domain.ChannelEmail, ev.Raw)
	}

	observability.WebhookEvents.WithLabelValues(string(domain.ChannelEmail), ev.Event).Inc()
	now := r.now()
	out = Recorded
	if status, ok := domain.MapEmailEvent(ev.Event); ok {
		moved, err := r.Store.TransitionStatus(ctx, store.StatusTransition{
			ID:         rec.ID,
			To:         status,
			TrackingID: ev.SGMessageID,
			Additional: failureOrigin(status),
			NotFrom:    failureStates,
			Now:        now,
		})
		if err != nil {
			log.Error("webhook status update failed", "err", err, "envio_id", rec.ID, "event_data", ev.Raw)
			return Errored
		}
		if moved {
			out = Applied
		} else {
			log.Info("record in failure state, status kept", "envio_id", rec.ID, "status", rec.Status)
		}
	}

	errMsg := ev.Reason
	if errMsg == "" && hasSMTPResponse(ev) {
		errMsg = ev.Response
	}
	if _, err := r.Store.InsertEvent(ctx, domain.DeliveryEvent{
		DeliveryID:   rec.ID,
		Destination:  firstNonEmpty(ev.Email, rec.Destination),
		Event:        ev.Event,
		TrackingID:   key,
		Response:     ev.Raw,
		ErrorCode:    ev.Status,
		ErrorMessage: util.Truncate(errMsg, 1000),
		Additional:   ev.Raw,
		OccurredAt:   eventTime(ev.Timestamp, now),
	}); err != nil {
		log.Error("webhook event insert failed", "err", err, "envio_id", rec.ID, "event_data", ev.Raw)
		return Errored
	}
	return out
}

// HandleWhatsApp applies one Twilio status callback.
func (r *Reconciler) HandleWhatsApp(ctx context.Context, cb twilio.StatusCallback) Outcome {
	sid := strings.TrimSpace(cb.MessageSid)
	log := slog.With("channel", domain.ChannelWhatsApp, "tracking_key", sid, "raw_status", cb.Status)
	if sid == "" {
		return r.orphan(log, domain.ChannelWhatsApp, cb)
	}

	rec, found, err := r.Store.FindByTracking(ctx, store.TrackingLookup{
		Channel:     domain.ChannelWhatsApp,
		Key:         sid,
		TransportID: sid,
	})
	if err != nil {
		log.Error("webhook lookup failed", "err", err)
		return Errored
	}
	if !found {
		return r.orphan(log, domain.ChannelWhatsApp, cb)
	}

	status := domain.MapWhatsAppStatus(cb.Status)
	observability.WebhookEvents.WithLabelValues(string(domain.ChannelWhatsApp), string(status)).Inc()
	now := r.now()

	out := Recorded
	if status != "" {
		moved, err := r.Store.TransitionStatus(ctx, store.StatusTransition{
			ID:         rec.ID,
			To:         status,
			TrackingID: sid,
			Additional: failureOrigin(status),
			NotFrom:    failureStates,
			Now:        now,
		})
		if err != nil {
			log.Error("webhook status update failed", "err", err, "envio_id", rec.ID)
			return Errored
		}
		if moved {
			out = Applied
		}
	}

	if _, err := r.Store.InsertEvent(ctx, domain.DeliveryEvent{
		DeliveryID:   rec.ID,
		Destination:  firstNonEmpty(cb.To, rec.Destination),
		Event:        string(status),
		TrackingID:   sid,
		Response:     cb.Raw,
		ErrorCode:    cb.ErrorCode,
		ErrorMessage: cb.ErrorMessage,
		Additional: map[string]any{
			"account_sid": cb.AccountSid,
			"from":        cb.From,
			"raw_status":  cb.Status,
		},
		OccurredAt: now,
	}); err != nil {
		log.Error("webhook event insert failed", "err", err, "envio_id", rec.ID)
		return Errored
	}
	return out
}

var failureStates = []domain.Status{domain.StatusFailed, domain.StatusRejected}

// failureOrigin marks a provider-reported failure so a redelivered send job
// leaves the record alone.
func failureOrigin(s domain.Status) map[string]any {
	if !s.IsFailure() {
		return nil
	}
	return map[string]any{domain.FailureOriginKey: domain.FailureOriginProvider}
}

func (r *Reconciler) orphan(log *slog.Logger, ch domain.Channel, payload any) Outcome {
	observability.WebhookOrphans.WithLabelValues(string(ch)).Inc()
	log.Warn("webhook: no delivery matches event", "event_data", payload)
	return Orphan
}

func (r *Reconciler) now() time.Time {
	if r.Now != nil {
		return r.Now().UTC()
	}
	return util.NowUTC()
}

// hasSMTPResponse reports whether the event carries an SMTP response worth
// keeping as the error message.
func hasSMTPResponse(ev mail.Event) bool {
	return ev.Event == "deferred" || ev.Event == "bounce" || ev.Event == "blocked"
}

func eventTime(ts int64, fallback time.Time) time.Time {
	if ts <= 0 {
		return fallback
	}
	return time.Unix(ts, 0).UTC()
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
