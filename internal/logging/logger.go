// Package logging builds the JSON loggers the ride-feeds processes write.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// ServiceName tags every record written by the API process.
const ServiceName = "ride-feeds"

// NewLogger returns a JSON logger on stdout for service at the given level.
func NewLogger(service, level string) *slog.Logger {
	return New(os.Stdout, service, level)
}

// New writes JSON records to w. Every record carries the service name;
// components add their own "component" attribute with With.
func New(w io.Writer, service, level string) *slog.Logger {
	h := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level:     ParseLevel(level),
		AddSource: true,
	})
	return slog.New(h).With("service", service)
}

// ParseLevel maps LOG_LEVEL values onto slog levels; unknown values are info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
