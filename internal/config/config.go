package config

import (
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Common struct {
	DBDSN       string `envconfig:"DB_DSN" required:"true"`
	Port        string `envconfig:"PORT" default:"8080"`
	MetricsPort string `envconfig:"METRICS_PORT" default:"9090"`
	LogFormat   string `envconfig:"LOG_FORMAT" default:"json"`
	LogFile     string `envconfig:"LOG_FILE"`

	DBPoolMaxConns          int32  `envconfig:"DB_POOL_MAX_CONNS" default:"10"`
	DBPoolMinConns          int32  `envconfig:"DB_POOL_MIN_CONNS" default:"0"`
	DBPoolMaxConnLifetime   string `envconfig:"DB_POOL_MAX_CONN_LIFETIME" default:"30m"`
	DBPoolMaxConnIdleTime   string `envconfig:"DB_POOL_MAX_CONN_IDLE_TIME" default:"5m"`
	DBPoolHealthCheckPeriod string `envconfig:"DB_POOL_HEALTH_CHECK_PERIOD" default:"30s"`
}

type Queues struct {
	AWSRegion           string `envconfig:"AWS_REGION" required:"true"`
	SQSEmailQueueURL    string `envconfig:"SQS_EMAIL_QUEUE_URL" required:"true"`
	SQSWhatsAppQueueURL string `envconfig:"SQS_WHATSAPP_QUEUE_URL" required:"true"`
	LocalstackEndpoint  string `envconfig:"LOCALSTACK_ENDPOINT"`
}

type Credentials struct {
	// 32 byte key, hex or base64.
	CredentialsKey string `envconfig:"CREDENTIALS_KEY" required:"true"`
	MasterTenantID string `envconfig:"MASTER_TENANT_ID" default:"1"`
}

type Redis struct {
	RedisURL string `envconfig:"REDIS_URL" default:"redis://localhost:6379/0"`
	RedisDB  int    `envconfig:"REDIS_DB" default:"-1"`
}

type APIConfig struct {
	Common
	Queues
	Credentials
}

type WorkerConfig struct {
	Common
	Queues
	Credentials
	Redis

	SQSWaitTime   int32 `envconfig:"SQS_WAIT_TIME" default:"20"`
	SQSMaxMsgs    int32 `envconfig:"SQS_MAX_MSGS" default:"10"`
	SQSVizTimeout int32 `envconfig:"SQS_VISIBILITY_TIMEOUT" default:"360"`

	WorkerConcurrency   int           `envconfig:"WORKER_CONCURRENCY" default:"20"`
	JobMaxAttempts      int           `envconfig:"JOB_MAX_ATTEMPTS" default:"3"`
	RateLimitRetryDelay time.Duration `envconfig:"RATE_LIMIT_RETRY_DELAY" default:"10s"`
	EmailJobTimeout     time.Duration `envconfig:"EMAIL_JOB_TIMEOUT" default:"300s"`
	WhatsAppJobTimeout  time.Duration `envconfig:"WHATSAPP_JOB_TIMEOUT" default:"60s"`

	// System Twilio sender, used when a tenant has no credential.
	TwilioAccountSID   string `envconfig:"TWILIO_ACCOUNT_SID"`
	TwilioAuthToken    string `envconfig:"TWILIO_AUTH_TOKEN"`
	TwilioWhatsAppFrom string `envconfig:"TWILIO_WHATSAPP_FROM"`
	TwilioBaseURL      string `envconfig:"TWILIO_BASE_URL" default:"https://api.twilio.com"`
	StatusCallbackURL  string `envconfig:"PUBLIC_WEBHOOK_URL"`

	// System mailer.
	MailDriver      string `envconfig:"MAIL_DRIVER" default:"log"`
	SMTPHost        string `envconfig:"SMTP_HOST"`
	SMTPPort        int    `envconfig:"SMTP_PORT" default:"587"`
	SMTPUsername    string `envconfig:"SMTP_USERNAME"`
	SMTPPassword    string `envconfig:"SMTP_PASSWORD"`
	MailFromAddress string `envconfig:"MAIL_FROM_ADDRESS" default:"noreply@localhost"`
	MailFromName    string `envconfig:"MAIL_FROM_NAME"`
	SendGridAPIKey  string `envconfig:"SENDGRID_API_KEY"`
	SendGridBaseURL string `envconfig:"SENDGRID_BASE_URL"`

	// Pod-local smoothing in front of the global limiter.
	ProviderRPSPerPod float64 `envconfig:"PROVIDER_RPS_PER_POD" default:"5"`
	ProviderBurst     int     `envconfig:"PROVIDER_BURST" default:"10"`
}

type WebhookConfig struct {
	Common

	// Twilio signature verification. Callbacks signed by a tenant account are
	// checked with the token from that tenant's credential.
	TwilioWebhookVerify bool   `envconfig:"TWILIO_WEBHOOK_VERIFY" default:"false"`
	TwilioAccountSID    string `envconfig:"TWILIO_ACCOUNT_SID"`
	TwilioAuthToken     string `envconfig:"TWILIO_AUTH_TOKEN"`
	PublicWebhookURL    string `envconfig:"PUBLIC_WEBHOOK_URL"` // must match EXACT URL configured in Twilio
	CredentialsKey      string `envconfig:"CREDENTIALS_KEY"`
}

func LoadAPI() APIConfig {
	var cfg APIConfig
	if err := envconfig.Process("", &cfg); err != nil {
		panic(err)
	}
	return cfg
}

func LoadWorker() WorkerConfig {
	var cfg WorkerConfig
	if err := envconfig.Process("", &cfg); err != nil {
		panic(err)
	}
	return cfg
}

func LoadWebhook() WebhookConfig {
	var cfg WebhookConfig
	if err := envconfig.Process("", &cfg); err != nil {
		panic(err)
	}
	if cfg.TwilioWebhookVerify && (cfg.TwilioAuthToken == "" || cfg.PublicWebhookURL == "" || cfg.CredentialsKey == "") {
		panic("TWILIO_WEBHOOK_VERIFY requires TWILIO_AUTH_TOKEN, PUBLIC_WEBHOOK_URL and CREDENTIALS_KEY")
	}
	return cfg
}
