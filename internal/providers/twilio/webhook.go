package twilio

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"net/url"
	"sort"
	"strings"
)

// Signature computes X-Twilio-Signature for a form POST to fullURL.
func Signature(authToken, fullURL string, form url.Values) string {
	// Build: fullURL + concatenated sorted key + value
	keys := make([]string, 0, len(form))
	for k := range form {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(fullURL)
	for _, k := range keys {
		b.WriteString(k)
		b.WriteString(form.Get(k))
	}

	mac := hmac.New(sha1.New, []byte(authToken))
	mac.Write([]byte(b.String()))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func VerifySignature(authToken, fullURL, provided string, form url.Values) bool {
	expected := Signature(authToken, fullURL, form)
	return hmac.Equal([]byte(expected), []byte(provided))
}

// StatusCallback is a delivery receipt posted to the status callback URL.
type StatusCallback struct {
	MessageSid   string
	Status       string
	To           string
	From         string
	AccountSid   string
	ErrorCode    string
	ErrorMessage string

	// Raw is the whole form, first value per key.
	Raw map[string]string
}

// ParseStatusCallback reads a receipt form. SmsStatus wins over
// MessageStatus when both are present.
func ParseStatusCallback(form url.Values) StatusCallback {
	status := form.Get("SmsStatus")
	if status == "" {
		status = form.Get("MessageStatus")
	}
	raw := make(map[string]string, len(form))
	for k := range form {
		raw[k] = form.Get(k)
	}
	return StatusCallback{
		MessageSid:   form.Get("MessageSid"),
		Status:       status,
		To:           form.Get("To"),
		From:         form.Get("From"),
		AccountSid:   form.Get("AccountSid"),
		ErrorCode:    form.Get("ErrorCode"),
		ErrorMessage: form.Get("ErrorMessage"),
		Raw:          raw,
	}
}
