package domain

// Status is the wire value stored on a delivery record.
type Status string

const (
	StatusQueued    Status = "en_cola"
	StatusSent      Status = "enviado"
	StatusDelivered Status = "entregado"
	StatusRead      Status = "leido"
	StatusOpened    Status = "abierto"
	StatusDeferred  Status = "diferido"
	StatusRejected  Status = "rechazado"
	StatusFailed    Status = "fallido"
)

// IsFailure reports whether s is a failure state. Failure states are sticky
// for webhook-driven updates.
func (s Status) IsFailure() bool {
	return s == StatusFailed || s == StatusRejected
}

// Event labels written by the dispatch pipeline itself. Provider webhooks
// append their own vocabulary.
const (
	EventQueued          = "en_cola"
	EventSent            = "enviado"
	EventFailed          = "fallido"
	EventJobFailure      = "JOB_FAILURE"
	EventConfigMissing   = "CONFIG_MISSING"
	EventValidationError = "Error API (Validación)"
	EventFatalError      = "Error API (Fatal)"
)

// SendSuccessFrom lists the states a Send Job may move to "sent" from. A
// later attempt may succeed after an earlier attempt marked the record failed;
// MayResend narrows the failed case to failures recorded by an attempt.
var SendSuccessFrom = []Status{StatusQueued, StatusFailed}

// FailureOriginKey is the additional field naming who marked a record failed.
const (
	FailureOriginKey      = "origen_fallo"
	FailureOriginAttempt  = "intento"
	FailureOriginJob      = "trabajo"
	FailureOriginProvider = "proveedor"
)

// MayResend reports whether a send job may send a record that is in status s
// with the given additional fields. A record failed by the provider, or by the
// job as a whole, stays failed.
func MayResend(s Status, additional map[string]any) bool {
	switch s {
	case StatusQueued:
		return true
	case StatusFailed:
		return additional[FailureOriginKey] == FailureOriginAttempt
	}
	return false
}

// FailureFrom lists the states that may be moved to "failed" by the Send Job
// or its final-failure handler. Delivered/read records are never downgraded.
var FailureFrom = []Status{StatusQueued, StatusSent}

// WebhookMayUpdate reports whether a provider callback may overwrite current.
// Any non-failure state accepts last-write-wins updates.
func WebhookMayUpdate(current Status) bool {
	return !current.IsFailure()
}

// MapEmailEvent maps a SendGrid event type onto a status. ok is false when the
// event carries no status change (processed, click, ...).
func MapEmailEvent(event string) (Status, bool) {
	switch event {
	case "delivered":
		return StatusDelivered, true
	case "open":
		return StatusRead, true
	case "deferred":
		return StatusDeferred, true
	case "bounce", "dropped", "spamreport", "blocked":
		return StatusFailed, true
	}
	return "", false
}

// MapWhatsAppStatus maps a Twilio delivery receipt status onto a status.
// Unknown values pass through as their raw label.
func MapWhatsAppStatus(raw string) Status {
	switch raw {
	case "sent":
		return StatusSent
	case "delivered":
		return StatusDelivered
	case "read":
		return StatusOpened
	case "failed", "undelivered":
		return StatusRejected
	}
	return Status(raw)
}
