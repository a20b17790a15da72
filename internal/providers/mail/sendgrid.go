package mail

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const defaultSendGridURL = "https://api.sendgrid.com"

// SendGridSender posts to the v3 mail send API. SendGrid answers 202 with the
// message id in X-Message-Id; event webhooks carry it as the first segment
// of sg_message_id.
type SendGridSender struct {
	apiKey   string
	baseURL  string
	from     string
	fromName string
	http     *http.Client
}

func NewSendGrid(cfg Config, hc *http.Client) (*SendGridSender, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("sendgrid: api key is required")
	}
	if cfg.FromAddress == "" {
		return nil, errors.New("sendgrid: from address is required")
	}
	if hc == nil {
		hc = http.DefaultClient
	}
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = defaultSendGridURL
	}
	return &SendGridSender{apiKey: cfg.APIKey, baseURL: base, from: cfg.FromAddress, fromName: cfg.FromName, http: hc}, nil
}

type sgAddress struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

type sgContent struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

type sgAttachment struct {
	Content     string `json:"content"`
	Filename    string `json:"filename"`
	Type        string `json:"type,omitempty"`
	Disposition string `json:"disposition"`
}

type sgRequest struct {
	Personalizations []struct {
		To []sgAddress `json:"to"`
	} `json:"personalizations"`
	From        sgAddress      `json:"from"`
	Subject     string         `json:"subject"`
	Content     []sgContent    `json:"content"`
	Attachments []sgAttachment `json:"attachments,omitempty"`
}

// APIError is a non-2xx answer from SendGrid.
type APIError struct {
	HTTPStatus int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("sendgrid: http %d: %s", e.HTTPStatus, e.Body)
}

func (s *SendGridSender) Send(ctx context.Context, msg Message) (Result, error) {
	req := sgRequest{
		From:    sgAddress{Email: s.from, Name: firstNonEmpty(msg.FromName, s.fromName)},
		Subject: msg.Subject,
		Content: []sgContent{{Type: "text/html", Value: msg.HTML}},
	}
	req.Personalizations = make([]struct {
		To []sgAddress `json:"to"`
	}, 1)
	req.Personalizations[0].To = []sgAddress{{Email: msg.To}}
	for _, a := range msg.Attachments {
		req.Attachments = append(req.Attachments, sgAttachment{
			Content:     base64.StdEncoding.EncodeToString(a.Data),
			Filename:    a.Name,
			Type:        a.Mime,
			Disposition: "attachment",
		})
	}

	body, err := json.Marshal(req)
	if err != nil {
		return Result{}, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/v3/mail/send", bytes.NewReader(body))
	if err != nil {
		return Result{}, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+s.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := s.http.Do(httpReq)
	if err != nil {
		return Result{}, fmt.Errorf("sendgrid: %w", err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Result{}, &APIError{HTTPStatus: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}

	info := map[string]any{"driver": DriverSendGrid, "status": resp.StatusCode}
	if len(raw) > 0 {
		info["body"] = string(raw)
	}
	id := resp.Header.Get("X-Message-Id")
	switch {
	case id != "":
		info["x_message_id"] = id
		return Result{Kind: WithID, MessageID: id, Raw: info}, nil
	case resp.StatusCode == http.StatusAccepted || resp.StatusCode == http.StatusOK:
		return Result{Kind: WithoutID, Raw: info}, nil
	default:
		return Result{Kind: Unrecognized, Raw: info}, nil
	}
}
