package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Init sets a JSON (default) or text slog handler based on the provided format.
// Supported: "json" (default), "text". A non-empty file also writes every
// record to a size-rotated log file.
func Init(service, format, file string) *slog.Logger {
	return slog.New(NewHandler(os.Stdout, format, file)).With("service", service)
}

// Setup is Init plus slog.SetDefault; binaries call it once at startup.
func Setup(service, format, file string) *slog.Logger {
	logger := Init(service, format, file)
	slog.SetDefault(logger)

	format = strings.ToLower(strings.TrimSpace(format))
	if format != "" && format != "json" && format != "text" {
		logger.Warn("unknown log format, defaulting to json", "format", format)
	}
	return logger
}

func NewHandler(stdout io.Writer, format, file string) slog.Handler {
	w := stdout
	if file != "" {
		w = io.MultiWriter(stdout, &lumberjack.Logger{
			Filename:   file,
			MaxSize:    100, // MB
			MaxBackups: 5,
			MaxAge:     14, // days
			Compress:   true,
		})
	}

	opts := &slog.HandlerOptions{}
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "text":
		return slog.NewTextHandler(w, opts)
	default:
		return slog.NewJSONHandler(w, opts)
	}
}
