// Command mock-provider fakes the Twilio Messages API and SendGrid's mail
// send endpoint for local runs and load tests. Accepted sends are followed
// by status callbacks to the webhook service.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"github.com/kelseyhightower/envconfig"

	"dispatch/internal/httpserver"
	"dispatch/internal/logging"
	"dispatch/internal/providers/twilio"
	"dispatch/internal/util"
)

type config struct {
	Port      string `envconfig:"PORT" default:"8080"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"text"`

	AccountSID string `envconfig:"TWILIO_ACCOUNT_SID" default:"mock_sid"`
	AuthToken  string `envconfig:"TWILIO_AUTH_TOKEN" default:"mock_token"`
	APIKey     string `envconfig:"SENDGRID_API_KEY" default:"mock_key"`

	OutcomeMode string `envconfig:"MOCK_OUTCOME_MODE" default:"fixed"`
	Outcomes    string `envconfig:"MOCK_OUTCOMES" default:"ok"`
	Seed        int64  `envconfig:"MOCK_SEED" default:"1"`

	Delay        time.Duration `envconfig:"MOCK_DELAY" default:"0s"`
	TimeoutDelay time.Duration `envconfig:"MOCK_TIMEOUT_DELAY" default:"12s"`

	WhatsAppWebhookURL string        `envconfig:"MOCK_WHATSAPP_WEBHOOK_URL"`
	EmailWebhookURL    string        `envconfig:"MOCK_EMAIL_WEBHOOK_URL"`
	CallbackDelay      time.Duration `envconfig:"MOCK_CALLBACK_DELAY" default:"300ms"`
	CallbackRetries    int           `envconfig:"MOCK_CALLBACK_RETRIES" default:"5"`
	RetryBase          time.Duration `envconfig:"MOCK_RETRY_BASE" default:"250ms"`
	RetryMax           time.Duration `envconfig:"MOCK_RETRY_MAX" default:"10s"`
}

type server struct {
	cfg    config
	client *http.Client

	mu     sync.Mutex
	picker *picker
	seq    atomic.Uint64
}

func main() {
	var cfg config
	if err := envconfig.Process("", &cfg); err != nil {
		panic(err)
	}
	logging.Setup("mock-provider", cfg.LogFormat, "")

	s := &server{
		cfg:    cfg,
		client: &http.Client{Timeout: 5 * time.Second},
		picker: newPicker(cfg.OutcomeMode, parseCSV(cfg.Outcomes), cfg.Seed),
	}

	m := httpserver.New().Mux
	s.register(m)
	m.HandleFunc("/healthz", httpserver.Healthz())

	slog.Info("mock provider listening", "port", cfg.Port, "mode", cfg.OutcomeMode, "outcomes", cfg.Outcomes)
	srv := &http.Server{Addr: ":" + cfg.Port, Handler: httpserver.Logging(m), ReadHeaderTimeout: 5 * time.Second}
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("mock provider failed", "err", err)
		os.Exit(1)
	}
}

func (s *server) register(m *mux.Router) {
	m.HandleFunc("/2010-04-01/Accounts/{AccountSid}/Messages.json", s.handleTwilio).Methods(http.MethodPost)
	m.HandleFunc("/v3/mail/send", s.handleSendGrid).Methods(http.MethodPost)
}

func (s *server) nextOutcome(channel string) outcome {
	s.mu.Lock()
	token := s.picker.pick()
	s.mu.Unlock()
	return parseOutcome(channel, token)
}

func (s *server) handleTwilio(w http.ResponseWriter, r *http.Request) {
	user, pass, ok := r.BasicAuth()
	if !ok || user != s.cfg.AccountSID || pass != s.cfg.AuthToken || mux.Vars(r)["AccountSid"] != s.cfg.AccountSID {
		twilioError(w, http.StatusUnauthorized, 20003, "Authentication Error")
		return
	}
	if err := r.ParseForm(); err != nil {
		twilioError(w, http.StatusBadRequest, 21620, "Invalid form data")
		return
	}
	if r.PostForm.Get("To") == "" || r.PostForm.Get("From") == "" {
		twilioError(w, http.StatusBadRequest, 21604, "A 'To' and 'From' phone number is required")
		return
	}
	if r.PostForm.Get("ContentSid") == "" {
		twilioError(w, http.StatusBadRequest, 21619, "A text message body or media url or content sid is required")
		return
	}

	o := s.nextOutcome(channelWhatsApp)
	if !s.wait(r.Context(), o) {
		return
	}
	if !o.accepted() {
		twilioError(w, o.HTTPStatus, o.Code, o.Message)
		return
	}
	if o.NoID {
		writeJSON(w, o.HTTPStatus, map[string]any{"status": "queued"})
		return
	}

	sid := fmt.Sprintf("SM%032d", s.seq.Add(1))
	writeJSON(w, o.HTTPStatus, map[string]any{"sid": sid, "status": "queued", "to": r.PostForm.Get("To")})

	from, to := r.PostForm.Get("From"), r.PostForm.Get("To")
	callback := r.PostForm.Get("StatusCallback")
	if callback == "" {
		callback = s.cfg.WhatsAppWebhookURL
	}
	if callback == "" {
		return
	}
	go func() {
		for i, status := range o.Callbacks {
			time.Sleep(s.cfg.CallbackDelay)
			form := url.Values{
				"MessageSid":    {sid},
				"MessageStatus": {status},
				"AccountSid":    {s.cfg.AccountSID},
				"From":          {from},
				"To":            {to},
			}
			if i == len(o.Callbacks)-1 && o.Code != 0 {
				form.Set("ErrorCode", strconv.Itoa(o.Code))
			}
			s.post(callback, "application/x-www-form-urlencoded", []byte(form.Encode()), map[string]string{
				"X-Twilio-Signature": twilio.Signature(s.cfg.AuthToken, callback, form),
			})
		}
	}()
}

type sendGridRequest struct {
	Personalizations []struct {
		To []struct {
			Email string `json:"email"`
		} `json:"to"`
	} `json:"personalizations"`
	Subject string `json:"subject"`
}

func (s *server) handleSendGrid(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Authorization") != "Bearer "+s.cfg.APIKey {
		sendGridError(w, http.StatusUnauthorized, "The provided authorization grant is invalid, expired, or revoked")
		return
	}
	var req sendGridRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Personalizations) == 0 || len(req.Personalizations[0].To) == 0 {
		sendGridError(w, http.StatusBadRequest, "The to array is required for all personalization objects")
		return
	}
	rcpt := req.Personalizations[0].To[0].Email

	o := s.nextOutcome(channelEmail)
	if !s.wait(r.Context(), o) {
		return
	}
	if !o.accepted() {
		sendGridError(w, o.HTTPStatus, o.Message)
		return
	}

	id := ""
	if !o.NoID {
		id = util.NewULID()
		w.Header().Set("X-Message-Id", id)
	}
	w.WriteHeader(o.HTTPStatus)

	if id == "" || s.cfg.EmailWebhookURL == "" {
		return
	}
	go func() {
		for _, name := range o.Callbacks {
			time.Sleep(s.cfg.CallbackDelay)
			ev := map[string]any{
				"event":         name,
				"email":         rcpt,
				"timestamp":     time.Now().Unix(),
				"sg_message_id": id + ".filter0001.mock.0",
				"smtp-id":       "<" + id + "@mock.sendgrid>",
			}
			switch name {
			case "bounce", "blocked":
				ev["reason"] = "550 5.1.1 mailbox unavailable"
				ev["status"] = "5.1.1"
				ev["type"] = name
			case "deferred":
				ev["response"] = "421 try again later"
			case "dropped":
				ev["reason"] = "Bounced Address"
			}
			body, _ := json.Marshal([]any{ev})
			s.post(s.cfg.EmailWebhookURL, "application/json", body, nil)
		}
	}()
}

// wait applies the configured latency. It reports false when the caller gave
// up first.
func (s *server) wait(ctx context.Context, o outcome) bool {
	d := s.cfg.Delay
	if o.Hang {
		d = s.cfg.TimeoutDelay
	}
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (s *server) post(target, contentType string, body []byte, headers map[string]string) {
	attempts := s.cfg.CallbackRetries + 1
	for attempt := 0; attempt < attempts; attempt++ {
		req, err := http.NewRequest(http.MethodPost, target, bytes.NewReader(body))
		if err != nil {
			slog.Error("mock callback request invalid", "url", target, "err", err)
			return
		}
		req.Header.Set("Content-Type", contentType)
		for k, v := range headers {
			req.Header.Set(k, v)
		}

		resp, err := s.client.Do(req)
		status := 0
		if resp != nil {
			status = resp.StatusCode
			_ = resp.Body.Close()
		}
		if err == nil && status >= 200 && status < 300 {
			return
		}
		if err == nil && !isRetryableStatus(status) {
			slog.Error("mock callback rejected", "url", target, "status", status)
			return
		}
		if attempt == attempts-1 {
			break
		}
		wait := backoff(attempt, s.cfg.RetryBase, s.cfg.RetryMax)
		slog.Warn("mock callback retrying", "url", target, "attempt", attempt+1, "status", status, "err", err, "wait_ms", wait.Milliseconds())
		time.Sleep(wait)
	}
	slog.Error("mock callback gave up", "url", target, "attempts", attempts)
}

func twilioError(w http.ResponseWriter, status, code int, msg string) {
	writeJSON(w, status, map[string]any{
		"code":      code,
		"message":   msg,
		"more_info": "https://www.twilio.com/docs/errors/" + strconv.Itoa(code),
		"status":    status,
	})
}

func sendGridError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"errors": []map[string]any{{"message": strings.TrimSpace(msg)}}})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
