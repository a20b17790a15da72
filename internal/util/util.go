package util

import (
	"crypto/rand"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/oklog/ulid/v2"
)

// NormalizePhone strips spaces, dashes and a leading "+" so numbers compare
// as bare digits.
func NormalizePhone(p string) string {
	p = strings.TrimSpace(p)
	p = strings.NewReplacer(" ", "", "-", "", "(", "", ")", "").Replace(p)
	return strings.TrimPrefix(p, "+")
}

// RenderTemplate does a simple {var} replacement.
func RenderTemplate(body string, vars map[string]string) string {
	out := body
	for k, v := range vars {
		out = strings.ReplaceAll(out, "{"+k+"}", v)
	}
	return out
}

func NewDeliveryID() string {
	return "env_" + NewULID()
}

// NewULID is sortable (nice for DB indexes and dashboards).
func NewULID() string {
	return ulid.MustNew(ulid.Timestamp(time.Now().UTC()), rand.Reader).String()
}

func NowUTC() time.Time {
	return time.Now().UTC()
}

// Truncate cuts s to at most n bytes without splitting a rune.
func Truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
