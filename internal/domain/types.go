package domain

import (
	"errors"
	"time"
)

type Channel string

const (
	ChannelEmail    Channel = "email"
	ChannelWhatsApp Channel = "whatsapp"
	ChannelSMS      Channel = "sms"
)

func (c Channel) Valid() bool {
	switch c {
	case ChannelEmail, ChannelWhatsApp, ChannelSMS:
		return true
	}
	return false
}

// Providers a credential can target.
const (
	ProviderTwilio   = "twilio"
	ProviderSMTP     = "smtp"
	ProviderSendGrid = "sendgrid"
)

// Credential verification states.
const (
	VerificationPending  = "pendiente"
	VerificationVerified = "verificado"
	VerificationError    = "error"
)

var (
	ErrMissingFields      = errors.New("missing required fields")
	ErrRecordNotFound     = errors.New("delivery record not found")
	ErrConfigMissing      = errors.New("rate limit configuration missing or inactive")
	ErrCredentialNotFound = errors.New("credential not found")
)

type DeliveryRecord struct {
	ID             string         `json:"id"`
	TenantID       string         `json:"tenant_id"`
	Channel        Channel        `json:"channel"`
	Destination    string         `json:"destination"`
	TemplateRef    string         `json:"template_ref,omitempty"`
	Context        string         `json:"contexto,omitempty"`
	Status         Status         `json:"status"`
	TrackingID     string         `json:"message_id,omitempty"`
	Payload        map[string]any `json:"payload,omitempty"`
	Additional     map[string]any `json:"campos_adicionales,omitempty"`
	FilterMetadata map[string]any `json:"filter_metadata,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

type DeliveryEvent struct {
	ID           int64          `json:"id"`
	DeliveryID   string         `json:"delivery_id"`
	Destination  string         `json:"destination"`
	Event        string         `json:"event"`
	TrackingID   string         `json:"message_id,omitempty"`
	Response     any            `json:"response,omitempty"`
	ErrorCode    string         `json:"error_code,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
	Additional   map[string]any `json:"campos_adicionales,omitempty"`
	OccurredAt   time.Time      `json:"timestamp"`
}

type Credential struct {
	ID                  int64
	TenantID            string
	Channel             Channel
	Provider            string
	Secret              []byte // encrypted blob
	Active              bool
	IsDefault           bool
	VerificationState   string
	VerificationMessage string
	VerifiedAt          *time.Time
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// RateLimitConfig holds the global per-channel admission limits.
type RateLimitConfig struct {
	Channel   Channel
	PerMinute int
	PerHour   int
	PerDay    int
	Active    bool
}

type Limits struct {
	PerMinute int `json:"por_minuto"`
	PerHour   int `json:"por_hora"`
	PerDay    int `json:"por_dia"`
}
