package httpserver

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/gorilla/mux"

	"dispatch/internal/providers/mail"
	"dispatch/internal/providers/twilio"
	"dispatch/internal/reconcile"
)

type Reconciler interface {
	HandleEmail(ctx context.Context, events []mail.Event) reconcile.Summary
	HandleWhatsApp(ctx context.Context, cb twilio.StatusCallback) reconcile.Outcome
}

// TokenSource returns the Twilio auth token of the account that sent a
// status callback.
type TokenSource interface {
	AuthToken(ctx context.Context, accountSID string) (string, error)
}

// Webhook receives provider delivery callbacks. Processing problems are
// logged and answered with 200 so providers do not redeliver; only a bad
// Twilio signature is refused when verification is on.
type Webhook struct {
	Reconciler      Reconciler
	VerifySignature func(authToken, fullURL, provided string, form url.Values) bool
	Tokens          TokenSource
	PublicURL       string
}

func (w *Webhook) Register(m *mux.Router) {
	m.HandleFunc("/v1/webhooks/email", w.handleEmail).Methods(http.MethodPost)
	m.HandleFunc("/v1/webhooks/whatsapp", w.handleWhatsApp).Methods(http.MethodPost)
}

var webhookOK = map[string]string{"status": "ok"}

func (w *Webhook) handleEmail(rw http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		slog.Error("email webhook read failed", "err", err)
		writeJSON(rw, http.StatusOK, webhookOK)
		return
	}
	events, err := mail.ParseEvents(body)
	if err != nil {
		slog.Error("email webhook payload rejected", "err", err, "body", string(body))
		writeJSON(rw, http.StatusOK, webhookOK)
		return
	}
	sum := w.Reconciler.HandleEmail(r.Context(), events)
	slog.Info("email webhook processed", "events", len(events), "applied", sum.Applied,
		"recorded", sum.Recorded, "orphans", sum.Orphans, "errors", sum.Errors)
	writeJSON(rw, http.StatusOK, webhookOK)
}

func (w *Webhook) handleWhatsApp(rw http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		slog.Error("whatsapp webhook bad form", "err", err)
		writeJSON(rw, http.StatusOK, webhookOK)
		return
	}
	if w.VerifySignature != nil && !w.signedByAccount(r) {
		writeError(rw, http.StatusUnauthorized, ErrInvalidSignature)
		return
	}
	w.Reconciler.HandleWhatsApp(r.Context(), twilio.ParseStatusCallback(r.PostForm))
	writeJSON(rw, http.StatusOK, webhookOK)
}

func (w *Webhook) signedByAccount(r *http.Request) bool {
	sid := r.PostForm.Get("AccountSid")
	token, err := w.Tokens.AuthToken(r.Context(), sid)
	if err != nil || token == "" {
		slog.Warn("whatsapp webhook: no auth token for account", "account_sid", sid, "err", err)
		return false
	}
	return w.VerifySignature(token, w.PublicURL, r.Header.Get("X-Twilio-Signature"), r.PostForm)
}
