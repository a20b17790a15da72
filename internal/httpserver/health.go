package httpserver

import (
	"context"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"dispatch/internal/domain"
)

// Check is one named readiness dependency (database, redis, ...).
type Check struct {
	Name string
	Fn   func(ctx context.Context) error
}

// QueueChecks returns one readiness check per channel queue, named
// "sqs_<channel>", in a stable order.
func QueueChecks(reachable func(ctx context.Context, url string) error, queues map[domain.Channel]string) []Check {
	chans := make([]string, 0, len(queues))
	for ch := range queues {
		chans = append(chans, string(ch))
	}
	sort.Strings(chans)
	out := make([]Check, 0, len(chans))
	for _, ch := range chans {
		url := queues[domain.Channel(ch)]
		out = append(out, Check{Name: "sqs_" + ch, Fn: func(ctx context.Context) error {
			return reachable(ctx, url)
		}})
	}
	return out
}

func Healthz() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

// Readyz runs every check under one timeout and reports the failing ones.
func Readyz(timeout time.Duration, checks ...Check) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		failed := map[string]string{}
		for _, c := range checks {
			if err := c.Fn(ctx); err != nil {
				slog.Warn("readiness check failed", "check", c.Name, "err", err)
				failed[c.Name] = err.Error()
			}
		}
		if len(failed) > 0 {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "not ready", "failed": failed})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	}
}
