// Package logging configures the process-wide slog default. Every
// binary calls Init once at startup and logs through the package-level
// slog functions after that; the service attribute tells the five
// dispatch binaries apart in aggregated output.
package logging

import (
	"log/slog"
	"os"
	"strings"
)

// Init installs a JSON (default) or text handler as the slog default
// and returns the logger. Unknown formats fall back to JSON with a
// warning rather than failing startup.
func Init(service, format string) *slog.Logger {
	format = strings.ToLower(strings.TrimSpace(format))

	var handler slog.Handler
	if format == "text" {
		handler = slog.NewTextHandler(os.Stdout, nil)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, nil)
	}

	logger := slog.New(handler).With("service", service)
	slog.SetDefault(logger)

	if format != "" && format != "json" && format != "text" {
		logger.Warn("unknown log format, using json", "format", format)
	}
	return logger
}
