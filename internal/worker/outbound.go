package worker

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"

	"dispatch/internal/domain"
	"dispatch/internal/providers/mail"
	"dispatch/internal/providers/twilio"
	sqsqueue "dispatch/internal/queue/sqs"
	"dispatch/internal/util"
)

// Outbound is one message bound to a resolved provider configuration.
type Outbound interface {
	Destination() string
	ContentRef() string
	SenderIdentity() string
	Send(ctx context.Context) (Sent, error)
}

// Sent is an accepted send. TrackingID is never empty.
type Sent struct {
	TrackingID string
	Fallback   bool
	Raw        any
}

// sendMeta describes where the sender configuration came from. It is merged
// into the record's additional fields on success.
type sendMeta struct {
	CredentialID   int64
	OwnCredentials bool
	Driver         string
}

func (m sendMeta) fields() map[string]any {
	f := map[string]any{
		"usa_credenciales_propias": m.OwnCredentials,
		"driver_usado":             m.Driver,
	}
	if m.OwnCredentials {
		f["credencial_id"] = m.CredentialID
	} else {
		f["credencial_id"] = nil
	}
	return f
}

// outboundFor resolves the tenant's default credential for the job's channel
// and binds the message to it, or to the system configuration when the
// tenant has none usable.
func (p *Processor) outboundFor(ctx context.Context, job sqsqueue.Job) (Outbound, sendMeta, error) {
	fields, meta, err := p.resolve(ctx, job)
	if err != nil {
		return nil, meta, err
	}

	switch job.Channel {
	case domain.ChannelEmail:
		cfg := p.SystemMail
		if meta.OwnCredentials {
			cfg = mail.FromCredential(meta.Driver, fields)
		}
		meta.Driver = cfg.Transport
		if meta.Driver == "" {
			meta.Driver = mail.DriverSMTP
		}
		if p.Mailers == nil {
			return nil, meta, errors.New("no mailer factory configured")
		}
		sender, err := p.Mailers(cfg)
		if err != nil {
			return nil, meta, fmt.Errorf("configure mailer: %w", err)
		}
		msg, err := emailMessage(job)
		if err != nil {
			return nil, meta, err
		}
		return &emailOutbound{sender: sender, from: cfg.FromAddress, msg: msg}, meta, nil

	case domain.ChannelWhatsApp:
		cfg := p.SystemWhatsApp
		if meta.OwnCredentials {
			cfg = twilio.ConfigFromFields(fields)
		}
		meta.Driver = domain.ProviderTwilio
		if !cfg.Complete() {
			return nil, meta, errors.New("twilio configuration incomplete")
		}
		return &whatsappOutbound{client: p.WhatsApp, cfg: cfg, req: twilio.SendRequest{
			To:         job.To,
			ContentSID: job.TemplateID,
			Variables:  job.Vars,
		}}, meta, nil
	}
	return nil, meta, fmt.Errorf("unsupported channel %q", job.Channel)
}

func (p *Processor) resolve(ctx context.Context, job sqsqueue.Job) (map[string]string, sendMeta, error) {
	if p.Credentials == nil {
		return nil, sendMeta{}, nil
	}
	cred, err := p.Credentials.ResolveDefault(ctx, job.TenantID, job.Channel)
	if err != nil {
		return nil, sendMeta{}, fmt.Errorf("resolve credential: %w", err)
	}
	if cred == nil {
		return nil, sendMeta{}, nil
	}
	fields := p.Credentials.Decrypt(*cred)
	if len(fields) == 0 {
		return nil, sendMeta{}, nil
	}
	slog.Info("using tenant credential", "envio_id", job.DeliveryID, "tenant_id", job.TenantID, "credencial_id", cred.ID)
	return fields, sendMeta{CredentialID: cred.ID, OwnCredentials: true, Driver: cred.Provider}, nil
}

func emailMessage(job sqsqueue.Job) (mail.Message, error) {
	msg := mail.Message{
		To:       job.To,
		Subject:  job.Subject,
		HTML:     job.HTML,
		FromName: job.FromName,
	}
	for _, a := range job.Attachments {
		data, err := base64.StdEncoding.DecodeString(a.Content)
		if err != nil {
			return mail.Message{}, fmt.Errorf("attachment %q: %w", a.Name, err)
		}
		msg.Attachments = append(msg.Attachments, mail.Attachment{Name: a.Name, Mime: a.Mime, Data: data})
	}
	return msg, nil
}

type emailOutbound struct {
	sender mail.Sender
	from   string
	msg    mail.Message
}

func (o *emailOutbound) Destination() string    { return o.msg.To }
func (o *emailOutbound) ContentRef() string     { return o.msg.Subject }
func (o *emailOutbound) SenderIdentity() string { return o.from }

func (o *emailOutbound) Send(ctx context.Context) (Sent, error) {
	res, err := o.sender.Send(ctx, o.msg)
	if err != nil {
		var ae *mail.APIError
		if errors.As(err, &ae) {
			return Sent{}, &callError{err: err, httpStatus: ae.HTTPStatus, raw: []byte(ae.Body)}
		}
		return Sent{}, err
	}
	return Sent{TrackingID: res.TrackingID(), Fallback: res.Fallback(), Raw: res.Raw}, nil
}

type whatsappOutbound struct {
	client WhatsAppSender
	cfg    twilio.Config
	req    twilio.SendRequest
}

func (o *whatsappOutbound) Destination() string    { return o.req.To }
func (o *whatsappOutbound) ContentRef() string     { return o.req.ContentSID }
func (o *whatsappOutbound) SenderIdentity() string { return o.cfg.From }

func (o *whatsappOutbound) Send(ctx context.Context) (Sent, error) {
	resp, status, raw, err := o.client.SendWhatsApp(ctx, o.cfg, o.req)
	if err != nil {
		return Sent{}, &callError{err: err, httpStatus: status, raw: raw}
	}
	out := Sent{TrackingID: resp.Sid, Raw: rawJSON(raw, resp)}
	if out.TrackingID == "" {
		out.TrackingID = "UNKNOWN_RESPONSE-" + util.NewULID()
		out.Fallback = true
	}
	return out, nil
}

// callError keeps the provider's HTTP status and body next to the error so
// the failure event can carry them.
type callError struct {
	err        error
	httpStatus int
	raw        []byte
}

func (e *callError) Error() string { return e.err.Error() }
func (e *callError) Unwrap() error { return e.err }
