package twilio

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"

	"dispatch/internal/util"
)

const defaultBaseURL = "https://api.twilio.com"

// Config is the sender configuration for one send. It is built per job from
// the tenant's credential or from the system settings and never shared.
type Config struct {
	AccountSID string
	AuthToken  string
	From       string
	BaseURL    string
}

// ConfigFromFields maps stored credential fields onto a Config.
func ConfigFromFields(f map[string]string) Config {
	return Config{
		AccountSID: f["account_sid"],
		AuthToken:  f["auth_token"],
		From:       f["from"],
		BaseURL:    f["base_url"],
	}
}

func (c Config) Complete() bool {
	return c.AccountSID != "" && c.AuthToken != "" && c.From != ""
}

type Client struct {
	HTTP *http.Client

	// StatusCallbackURL is sent with every message when set.
	StatusCallbackURL string
}

// SendRequest addresses a Content API template. To is the recipient number
// in any common format.
type SendRequest struct {
	To         string
	ContentSID string
	Variables  map[string]string
}

type SendResponse struct {
	Sid       string `json:"sid"`
	Status    string `json:"status"`
	ErrorCode *int   `json:"error_code"`
	Message   string `json:"message"`
	Code      int    `json:"code"`
}

// APIError is a non-2xx answer from the Messages API.
type APIError struct {
	HTTPStatus int
	Code       int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("twilio send failed: http %d", e.HTTPStatus)
	}
	return fmt.Sprintf("twilio send failed: http %d code %d: %s", e.HTTPStatus, e.Code, e.Message)
}

func (c *Client) SendWhatsApp(ctx context.Context, cfg Config, req SendRequest) (SendResponse, int, []byte, error) {
	if !cfg.Complete() {
		return SendResponse{}, 0, nil, errors.New("twilio config incomplete")
	}
	vars, err := json.Marshal(req.Variables)
	if err != nil {
		return SendResponse{}, 0, nil, err
	}

	form := url.Values{}
	form.Set("To", WhatsAppAddress(req.To))
	form.Set("From", WhatsAppAddress(cfg.From))
	form.Set("ContentSid", req.ContentSID)
	form.Set("ContentVariables", string(vars))
	if c.StatusCallbackURL != "" {
		form.Set("StatusCallback", c.StatusCallbackURL)
	}

	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	endpoint := baseURL + "/2010-04-01/Accounts/" + cfg.AccountSID + "/Messages.json"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return SendResponse{}, 0, nil, err
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	httpReq.SetBasicAuth(cfg.AccountSID, cfg.AuthToken)

	resp, err := c.httpClient().Do(httpReq)
	if err != nil {
		return SendResponse{}, 0, nil, err
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)

	var out SendResponse
	_ = json.Unmarshal(b, &out)

	// Twilio returns 201 for created; treat 2xx as success
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return out, resp.StatusCode, b, &APIError{HTTPStatus: resp.StatusCode, Code: out.Code, Message: out.Message}
	}
	return out, resp.StatusCode, b, nil
}

func (c *Client) httpClient() *http.Client {
	if c.HTTP == nil {
		return http.DefaultClient
	}
	return c.HTTP
}

// WhatsAppAddress renders a number as "whatsapp:+<digits>".
func WhatsAppAddress(n string) string {
	n = strings.TrimPrefix(strings.TrimSpace(n), "whatsapp:")
	return "whatsapp:+" + util.NormalizePhone(n)
}

// ShouldRetry reports whether err is transient: timeouts, throttling and
// provider 5xx. Client errors (bad number, unknown template) are not.
func ShouldRetry(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	var ae *APIError
	if errors.As(err, &ae) {
		s := ae.HTTPStatus
		return s == 429 || s == 408 || (s >= 500 && s <= 599)
	}
	return true
}
