package worker

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/sony/gobreaker"

	"dispatch/internal/domain"
	"dispatch/internal/providers/mail"
	"dispatch/internal/providers/twilio"
)

// NewBreaker trips after five consecutive transient provider failures and
// half-opens after 30s. Client errors (bad address, unknown template) do
// not count against the provider.
func NewBreaker(ch domain.Channel) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "provider-" + string(ch),
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !Transient(err)
		},
	})
}

// Transient reports whether a provider error is worth retrying against the
// same provider: timeouts, throttling, 5xx and transport errors.
func Transient(err error) bool {
	var ae *mail.APIError
	if errors.As(err, &ae) {
		return ae.HTTPStatus == 429 || ae.HTTPStatus >= 500
	}
	return twilio.ShouldRetry(err)
}

func rawJSON(raw []byte, fallback any) any {
	var v any
	if len(raw) > 0 && json.Unmarshal(raw, &v) == nil {
		return v
	}
	return fallback
}
