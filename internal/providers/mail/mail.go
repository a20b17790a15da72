// Package mail sends email through a driver chosen per send: SMTP, SendGrid
// or the log driver used for local runs.
package mail

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"dispatch/internal/util"
)

const (
	DriverSMTP     = "smtp"
	DriverSendGrid = "sendgrid"
	DriverLog      = "log"
)

// Config describes one mailer. It is a value built per send from a tenant
// credential (FromCredential) or from the system settings.
type Config struct {
	Transport string

	Host       string
	Port       int
	Username   string
	Password   string
	Encryption string

	APIKey  string
	BaseURL string

	FromAddress string
	FromName    string
}

// FromCredential maps decrypted credential fields onto a Config. "driver" is
// accepted as an alias of "transport"; "address"/"name" are the sender.
func FromCredential(provider string, f map[string]string) Config {
	transport := firstNonEmpty(f["transport"], f["driver"], provider, DriverSMTP)
	port, _ := strconv.Atoi(f["port"])
	return Config{
		Transport:   strings.ToLower(transport),
		Host:        f["host"],
		Port:        port,
		Username:    f["username"],
		Password:    f["password"],
		Encryption:  f["encryption"],
		APIKey:      f["api_key"],
		BaseURL:     f["base_url"],
		FromAddress: firstNonEmpty(f["address"], f["from_address"], f["username"]),
		FromName:    firstNonEmpty(f["name"], f["from_name"]),
	}
}

type Attachment struct {
	Name string
	Mime string
	Data []byte
}

type Message struct {
	To          string
	Subject     string
	HTML        string
	FromName    string
	Attachments []Attachment
}

type Sender interface {
	Send(ctx context.Context, msg Message) (Result, error)
}

// Options carries the process level dependencies of the drivers.
type Options struct {
	HTTP   *http.Client
	Dialer Dialer
}

// New returns the driver for cfg.Transport.
func New(cfg Config, opts Options) (Sender, error) {
	switch cfg.Transport {
	case DriverSMTP, "":
		return NewSMTP(cfg, opts.Dialer)
	case DriverSendGrid:
		return NewSendGrid(cfg, opts.HTTP)
	case DriverLog:
		return LogSender{From: cfg.FromAddress}, nil
	}
	return nil, fmt.Errorf("mail: unsupported transport %q", cfg.Transport)
}

// ResultKind tags the shape of a provider acceptance.
type ResultKind int

const (
	// WithID: the provider returned a usable message id.
	WithID ResultKind = iota
	// WithoutID: accepted, but nothing to correlate webhooks with.
	WithoutID
	// Unrecognized: accepted with a response we do not understand.
	Unrecognized
)

type Result struct {
	Kind      ResultKind
	MessageID string
	Raw       any
}

const (
	fallbackLocalPrefix   = "SUCCESS_SENT_LOCAL-"
	fallbackUnknownPrefix = "UNKNOWN_RESPONSE-"
)

// TrackingID always yields a token to store on the record. Only results
// without a usable id get a generated one.
func (r Result) TrackingID() string {
	switch {
	case r.Kind == WithID && r.MessageID != "":
		return r.MessageID
	case r.Kind == Unrecognized:
		return fallbackUnknownPrefix + util.NewULID()
	default:
		return fallbackLocalPrefix + util.NewULID()
	}
}

func (r Result) Fallback() bool {
	return r.Kind != WithID || r.MessageID == ""
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func now() time.Time { return time.Now().UTC() }
