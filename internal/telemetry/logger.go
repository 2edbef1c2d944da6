package telemetry

import (
	"log/slog"
	"os"
)

// NewLogger returns the structured logger a service hands to its components.
// Non-dev environments log JSON.
func NewLogger(service, env string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	var h slog.Handler
	if env == "dev" {
		opts.Level = slog.LevelDebug
		h = slog.NewTextHandler(os.Stderr, opts)
	} else {
		h = slog.NewJSONHandler(os.Stderr, opts)
	}
	return slog.New(h).With(slog.String("service", service), slog.String("env", env))
}
