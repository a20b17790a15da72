package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"dispatch/internal/domain"
	"dispatch/internal/observability"
	sqsqueue "dispatch/internal/queue/sqs"
	"dispatch/internal/store"
	"dispatch/internal/util"
)

type Store interface {
	InsertDelivery(ctx context.Context, r domain.DeliveryRecord) error
	GetDelivery(ctx context.Context, id string) (domain.DeliveryRecord, bool, error)
	TransitionStatus(ctx context.Context, in store.StatusTransition) (bool, error)
	InsertEvent(ctx context.Context, ev domain.DeliveryEvent) (int64, error)
	ListEvents(ctx context.Context, deliveryID string) ([]domain.DeliveryEvent, error)
	GetRateLimitConfig(ctx context.Context, ch domain.Channel) (domain.RateLimitConfig, bool, error)
}

type Queue interface {
	Enqueue(ctx context.Context, job sqsqueue.Job) error
}

type CredentialLookup interface {
	ResolveDefault(ctx context.Context, tenantID string, ch domain.Channel) (*domain.Credential, error)
}

// Placeholder stored for fields the caller did not send, so a rejected
// request still leaves a readable record.
const missingValue = "FALLO_VALIDACION"

// DispatchService accepts send requests: it always records the attempt,
// validates it, and queues a send job for valid requests.
type DispatchService struct {
	Store       Store
	Queue       Queue
	Credentials CredentialLookup
	Validate    *validator.Validate
	IDGen       func() string
	Now         func() time.Time
}

// FatalError is an unexpected failure after the delivery record was created.
type FatalError struct {
	DeliveryID string
	Err        error
}

func (e *FatalError) Error() string { return "dispatch failed: " + e.Err.Error() }
func (e *FatalError) Unwrap() error { return e.Err }

type DeliveryDetail struct {
	domain.DeliveryRecord
	Events []domain.DeliveryEvent `json:"detalles"`
}

// SendEmail records and queues an email. raw is the request body as
// received and is kept on the record for audit.
func (s *DispatchService) SendEmail(ctx context.Context, tenantID string, req domain.SendEmailRequest, raw map[string]any) (domain.SendResponse, error) {
	cred := s.lookupCredential(ctx, tenantID, domain.ChannelEmail)

	subject := util.RenderTemplate(req.Subject, req.Variables)
	html := util.RenderTemplate(req.HTML, req.Variables)

	contexto := firstString(req.Metadata["contexto"], req.Application, "email.api")
	names := make([]string, 0, len(req.Attachments))
	for _, a := range req.Attachments {
		names = append(names, a.Name)
	}
	rec := s.newRecord(tenantID, domain.ChannelEmail, orMissing(req.Email), "", contexto, req.FilterMetadata)
	rec.Additional = map[string]any{
		"asunto":                   orMissing(subject),
		"aplicacion":               firstString(req.Application, "api"),
		"metadata":                 orEmptyMap(req.Metadata),
		"usa_credenciales_propias": cred != nil,
		"credencial_id":            credentialID(cred),
		"html_preview":             util.Truncate(html, 500) + "...",
		"archivos":                 names,
		"raw_request":              stripAttachmentContent(raw),
	}

	job := sqsqueue.Job{
		Channel:        domain.ChannelEmail,
		DeliveryID:     rec.ID,
		TenantID:       tenantID,
		To:             req.Email,
		Application:    req.Application,
		Subject:        subject,
		HTML:           html,
		FromName:       req.FromName,
		Attachments:    req.Attachments,
		OwnCredentials: cred != nil,
	}
	return s.dispatch(ctx, rec, &req, raw, job)
}

// SendWhatsApp records and queues a WhatsApp content template message.
func (s *DispatchService) SendWhatsApp(ctx context.Context, tenantID string, req domain.SendWhatsAppRequest, raw map[string]any) (domain.SendResponse, error) {
	cred := s.lookupCredential(ctx, tenantID, domain.ChannelWhatsApp)

	rec := s.newRecord(tenantID, domain.ChannelWhatsApp, orMissing(req.Phone), orMissing(req.TemplateID),
		firstString(req.Context, "whatsapp.api_template"), req.FilterMetadata)
	rec.Additional = map[string]any{
		"parameters":               req.Parameters,
		"aplicacion":               firstString(req.Application, "api"),
		"usa_credenciales_propias": cred != nil,
		"credencial_id":            credentialID(cred),
		"raw_request":              raw,
	}

	job := sqsqueue.Job{
		Channel:        domain.ChannelWhatsApp,
		DeliveryID:     rec.ID,
		TenantID:       tenantID,
		To:             req.Phone,
		Application:    req.Application,
		TemplateID:     req.TemplateID,
		Vars:           req.Parameters,
		Context:        req.Context,
		OwnCredentials: cred != nil,
	}
	return s.dispatch(ctx, rec, &req, raw, job)
}

func (s *DispatchService) dispatch(ctx context.Context, rec domain.DeliveryRecord, req any, raw map[string]any, job sqsqueue.Job) (domain.SendResponse, error) {
	log := slog.With("envio_id", rec.ID, "tenant_id", rec.TenantID, "channel", rec.Channel)

	if err := s.Store.InsertDelivery(ctx, rec); err != nil {
		log.Error("create delivery record failed", "err", err)
		return domain.SendResponse{}, fmt.Errorf("create delivery record: %w", err)
	}

	if verr := FieldErrors(s.validator().Struct(req)); verr != nil {
		s.recordValidationFailure(ctx, rec, verr, raw)
		return domain.SendResponse{}, verr
	}

	if err := s.Queue.Enqueue(ctx, job); err != nil {
		observability.Enqueues.WithLabelValues(string(rec.Channel), "error").Inc()
		log.Error("enqueue failed", "err", err, "request", raw)
		s.recordFatal(ctx, rec, err, raw)
		return domain.SendResponse{}, &FatalError{DeliveryID: rec.ID, Err: err}
	}
	observability.Enqueues.WithLabelValues(string(rec.Channel), "ok").Inc()

	if _, err := s.Store.InsertEvent(ctx, domain.DeliveryEvent{
		DeliveryID:  rec.ID,
		Destination: rec.Destination,
		Event:       domain.EventQueued,
		OccurredAt:  s.now(),
	}); err != nil {
		log.Error("append queued event failed", "err", err)
	}

	credsUsed := domain.CredentialsSystem
	if job.OwnCredentials {
		credsUsed = domain.CredentialsOwn
	}
	return domain.SendResponse{
		Success:         true,
		Message:         queuedMessage(rec.Channel),
		DeliveryID:      rec.ID,
		Status:          domain.StatusQueued,
		CredentialsUsed: credsUsed,
		Limits:          s.limits(ctx, rec.Channel),
	}, nil
}

// Detail returns a tenant's delivery record with its event history.
func (s *DispatchService) Detail(ctx context.Context, tenantID, id string) (DeliveryDetail, bool, error) {
	rec, found, err := s.Store.GetDelivery(ctx, id)
	if err != nil || !found {
		return DeliveryDetail{}, false, err
	}
	if rec.TenantID != tenantID {
		return DeliveryDetail{}, false, nil
	}
	events, err := s.Store.ListEvents(ctx, id)
	if err != nil {
		return DeliveryDetail{}, false, err
	}
	return DeliveryDetail{DeliveryRecord: rec, Events: events}, true, nil
}

func (s *DispatchService) recordValidationFailure(ctx context.Context, rec domain.DeliveryRecord, verr *ValidationError, raw map[string]any) {
	now := s.now()
	msgs := verr.Messages()
	s.markFailed(ctx, rec.ID, now)
	if _, err := s.Store.InsertEvent(ctx, domain.DeliveryEvent{
		DeliveryID:   rec.ID,
		Destination:  firstString(rec.Destination, "validation_error"),
		Event:        domain.EventValidationError,
		Response:     map[string]any{"errors": msgs},
		ErrorMessage: util.Truncate("request validation failed: "+strings.Join(msgs, "; "), 1000),
		Additional:   map[string]any{"request_data": raw},
		OccurredAt:   now,
	}); err != nil {
		slog.Error("append validation event failed", "err", err, "envio_id", rec.ID)
	}
}

func (s *DispatchService) recordFatal(ctx context.Context, rec domain.DeliveryRecord, cause error, raw map[string]any) {
	now := s.now()
	s.markFailed(ctx, rec.ID, now)
	if _, err := s.Store.InsertEvent(ctx, domain.DeliveryEvent{
		DeliveryID:   rec.ID,
		Destination:  rec.Destination,
		Event:        domain.EventFatalError,
		Response:     map[string]any{"error_interno": cause.Error()},
		ErrorMessage: "internal failure, the send could not be processed",
		Additional:   map[string]any{"request_data": raw},
		OccurredAt:   now,
	}); err != nil {
		slog.Error("append fatal event failed", "err", err, "envio_id", rec.ID)
	}
}

func (s *DispatchService) markFailed(ctx context.Context, id string, now time.Time) {
	if _, err := s.Store.TransitionStatus(ctx, store.StatusTransition{
		ID:   id,
		To:   domain.StatusFailed,
		From: []domain.Status{domain.StatusQueued},
		Now:  now,
	}); err != nil {
		slog.Error("mark delivery failed", "err", err, "envio_id", id)
	}
}

// lookupCredential only informs the response; the worker resolves the
// credential again at send time, so a lookup error is not fatal here.
func (s *DispatchService) lookupCredential(ctx context.Context, tenantID string, ch domain.Channel) *domain.Credential {
	if s.Credentials == nil {
		return nil
	}
	c, err := s.Credentials.ResolveDefault(ctx, tenantID, ch)
	if err != nil {
		slog.Warn("credential lookup failed", "err", err, "tenant_id", tenantID, "channel", ch)
		return nil
	}
	return c
}

func (s *DispatchService) limits(ctx context.Context, ch domain.Channel) *domain.Limits {
	cfg, found, err := s.Store.GetRateLimitConfig(ctx, ch)
	if err != nil {
		slog.Warn("load rate limit config failed", "err", err, "channel", ch)
		return nil
	}
	if !found {
		return nil
	}
	return &domain.Limits{PerMinute: cfg.PerMinute, PerHour: cfg.PerHour, PerDay: cfg.PerDay}
}

func (s *DispatchService) newRecord(tenantID string, ch domain.Channel, dest, templateRef, contexto string, filter map[string]any) domain.DeliveryRecord {
	now := s.now()
	return domain.DeliveryRecord{
		ID:             s.newID(),
		TenantID:       tenantID,
		Channel:        ch,
		Destination:    dest,
		TemplateRef:    templateRef,
		Context:        contexto,
		Status:         domain.StatusQueued,
		FilterMetadata: orEmptyMap(filter),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func (s *DispatchService) validator() *validator.Validate {
	if s.Validate == nil {
		s.Validate = NewValidator()
	}
	return s.Validate
}

func (s *DispatchService) newID() string {
	if s.IDGen != nil {
		return s.IDGen()
	}
	return util.NewDeliveryID()
}

func (s *DispatchService) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return util.NowUTC()
}

func queuedMessage(ch domain.Channel) string {
	if ch == domain.ChannelWhatsApp {
		return "WhatsApp message queued"
	}
	return "Email queued for sending"
}

func credentialID(c *domain.Credential) any {
	if c == nil {
		return nil
	}
	return c.ID
}

func orMissing(v string) string {
	if strings.TrimSpace(v) == "" {
		return missingValue
	}
	return v
}

func orEmptyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

// firstString returns the first non-empty string among vals. Non-string
// values are skipped.
func firstString(vals ...any) string {
	for _, v := range vals {
		if s, ok := v.(string); ok && strings.TrimSpace(s) != "" {
			return s
		}
	}
	return ""
}

// stripAttachmentContent keeps the attachment names and drops their base64
// bodies from the stored request echo.
func stripAttachmentContent(raw map[string]any) map[string]any {
	files, ok := raw["archivos"].([]any)
	if !ok {
		return raw
	}
	out := make(map[string]any, len(raw))
	for k, v := range raw {
		out[k] = v
	}
	slim := make([]any, 0, len(files))
	for _, f := range files {
		m, ok := f.(map[string]any)
		if !ok {
			continue
		}
		c := make(map[string]any, len(m))
		for k, v := range m {
			if k != "contenido" {
				c[k] = v
			}
		}
		slim = append(slim, c)
	}
	out["archivos"] = slim
	return out
}
