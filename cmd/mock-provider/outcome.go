package main

import (
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	channelWhatsApp = "whatsapp"
	channelEmail    = "email"
)

// outcome is what the mock does with one send: the synchronous answer and
// the callbacks that follow an accepted send.
type outcome struct {
	HTTPStatus int
	Code       int
	Message    string
	// Accepted without an id the dispatcher can correlate.
	NoID bool
	Hang bool
	// Callback statuses (Twilio) or event names (SendGrid), in order.
	Callbacks []string
}

func (o outcome) accepted() bool { return o.HTTPStatus >= 200 && o.HTTPStatus < 300 }

// parseOutcome reads tokens such as "ok", "undelivered:63016", "bounce" or
// "rate_limit". Unknown tokens become provider errors.
func parseOutcome(channel, raw string) outcome {
	token := strings.TrimSpace(raw)
	if token == "" {
		token = "ok"
	}
	kind, codeRaw, _ := strings.Cut(token, ":")
	code, _ := strconv.Atoi(codeRaw)
	withCode := func(def int) int {
		if code != 0 {
			return code
		}
		return def
	}
	accepted := func(cbs ...string) outcome {
		status := http.StatusCreated
		if channel == channelEmail {
			status = http.StatusAccepted
		}
		return outcome{HTTPStatus: status, Code: code, Callbacks: cbs}
	}

	switch kind {
	case "rate_limit", "429":
		return outcome{HTTPStatus: http.StatusTooManyRequests, Code: withCode(20429), Message: "Too Many Requests"}
	case "bad_request", "400":
		return outcome{HTTPStatus: http.StatusBadRequest, Code: withCode(21211), Message: "Invalid 'To' Phone Number"}
	case "unauthorized", "401":
		return outcome{HTTPStatus: http.StatusUnauthorized, Code: withCode(20003), Message: "Authentication Error"}
	case "server_error", "500":
		return outcome{HTTPStatus: http.StatusInternalServerError, Code: withCode(20500), Message: "Internal Server Error"}
	case "timeout":
		return outcome{HTTPStatus: http.StatusGatewayTimeout, Code: withCode(20429), Message: "Request timed out", Hang: true}
	case "no_id":
		o := accepted()
		o.NoID = true
		return o
	}

	if channel == channelEmail {
		switch kind {
		case "ok", "success":
			return accepted("processed", "delivered")
		case "open":
			return accepted("processed", "delivered", "open")
		case "deferred":
			return accepted("processed", "deferred", "delivered")
		case "bounce", "dropped", "blocked":
			return accepted("processed", kind)
		}
	} else {
		switch kind {
		case "ok", "success":
			return accepted("queued", "sent", "delivered")
		case "read":
			return accepted("queued", "sent", "delivered", "read")
		case "undelivered":
			o := accepted("queued", "sent", "undelivered")
			o.Code = withCode(63016)
			return o
		case "failed":
			o := accepted("queued", "failed")
			o.Code = withCode(30008)
			return o
		}
	}
	return outcome{HTTPStatus: http.StatusInternalServerError, Code: withCode(30008), Message: "mock error: " + kind}
}

// picker selects the next outcome token.
type picker struct {
	mode   string
	tokens []string
	next   func() int
	rng    func(n int) int
}

func newPicker(mode string, tokens []string, seed int64) *picker {
	if len(tokens) == 0 {
		tokens = []string{"ok"}
	}
	var i uint64
	r := rand.New(rand.NewSource(seed))
	return &picker{
		mode:   mode,
		tokens: tokens,
		next: func() int {
			i++
			return int((i - 1) % uint64(len(tokens)))
		},
		rng: r.Intn,
	}
}

// pick is not safe for concurrent use; the server serializes calls.
func (p *picker) pick() string {
	switch p.mode {
	case "round_robin":
		return p.tokens[p.next()]
	case "random":
		return p.tokens[p.rng(len(p.tokens))]
	default:
		return p.tokens[0]
	}
}

func parseCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if v := strings.TrimSpace(part); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// backoff is base*2^attempt capped at max.
func backoff(attempt int, base, max time.Duration) time.Duration {
	if base <= 0 {
		base = 250 * time.Millisecond
	}
	if max <= 0 {
		max = 10 * time.Second
	}
	wait := base << attempt
	if wait <= 0 || wait > max {
		return max
	}
	return wait
}

func isRetryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= 500
}
