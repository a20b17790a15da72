package mail

import (
	"context"
	"log/slog"
)

// LogSender accepts every message and only logs it. It never has a provider
// id, so its sends get a fallback tracking token.
type LogSender struct {
	From string
}

func (l LogSender) Send(ctx context.Context, msg Message) (Result, error) {
	slog.InfoContext(ctx, "mail log driver",
		"from", l.From, "to", msg.To, "subject", msg.Subject,
		"html_bytes", len(msg.HTML), "attachments", len(msg.Attachments))
	return Result{Kind: WithoutID, Raw: map[string]any{"driver": DriverLog, "accepted": true}}, nil
}
