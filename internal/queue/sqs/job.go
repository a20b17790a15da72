package sqsqueue

import (
	"errors"
	"fmt"
	"time"

	"dispatch/internal/domain"
)

// Job is the queued unit of work for one delivery record. Email jobs carry
// the rendered content; WhatsApp jobs carry the content template and its
// variables.
type Job struct {
	Channel     domain.Channel `json:"channel"`
	DeliveryID  string         `json:"envioId"`
	TenantID    string         `json:"tenantId"`
	To          string         `json:"to"`
	Application string         `json:"aplicacion,omitempty"`

	Subject     string              `json:"subject,omitempty"`
	HTML        string              `json:"html,omitempty"`
	FromName    string              `json:"fromName,omitempty"`
	Attachments []domain.Attachment `json:"attachments,omitempty"`

	TemplateID string            `json:"templateId,omitempty"`
	Vars       map[string]string `json:"vars,omitempty"`
	Context    string            `json:"contexto,omitempty"`

	// OwnCredentials records what the API told the caller; the worker
	// resolves credentials again at send time.
	OwnCredentials bool `json:"ownCredentials"`
}

func (j Job) Validate() error {
	if !j.Channel.Valid() || j.DeliveryID == "" || j.To == "" {
		return fmt.Errorf("%w: channel=%q envio=%q", domain.ErrMissingFields, j.Channel, j.DeliveryID)
	}
	return nil
}

// ReleaseError asks the consumer to make the message visible again after
// Delay instead of treating the attempt as failed.
type ReleaseError struct {
	Delay  time.Duration
	Reason string
}

func (e *ReleaseError) Error() string {
	return fmt.Sprintf("released for %s: %s", e.Delay, e.Reason)
}

func Release(d time.Duration, reason string) error {
	return &ReleaseError{Delay: d, Reason: reason}
}

func IsRelease(err error) (*ReleaseError, bool) {
	var re *ReleaseError
	if errors.As(err, &re) {
		return re, true
	}
	return nil, false
}
