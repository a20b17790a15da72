package observability

import "github.com/prometheus/client_golang/prometheus"

var (
	APIRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "dispatch_api_requests_total", Help: "API requests"},
		[]string{"endpoint", "status"},
	)
	Enqueues = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "dispatch_enqueue_total", Help: "SQS enqueue results"},
		[]string{"channel", "result"},
	)
	ProviderSend = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "dispatch_provider_send_total", Help: "Provider send outcomes"},
		[]string{"channel", "result"},
	)
	ProviderLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "dispatch_provider_send_latency_seconds", Help: "Provider send latency"},
		[]string{"channel"},
	)
	RateLimited = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "dispatch_rate_limited_total", Help: "Jobs released by the global rate limit"},
		[]string{"channel"},
	)
	FinalFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "dispatch_job_final_failures_total", Help: "Jobs that used up their attempts"},
		[]string{"channel"},
	)
	WebhookEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "dispatch_webhook_events_total", Help: "Webhook events"},
		[]string{"channel", "event"},
	)
	WebhookOrphans = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "dispatch_webhook_orphans_total", Help: "Webhook events with no matching delivery"},
		[]string{"channel"},
	)
)

func Register(reg prometheus.Registerer) {
	reg.MustRegister(APIRequests, Enqueues, ProviderSend, ProviderLatency, RateLimited, FinalFailures,
		WebhookEvents, WebhookOrphans)
}
