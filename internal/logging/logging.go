// Package logging builds the JSON slog logger shared by the binaries.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

func ParseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// New returns a logger writing JSON to stdout and installs it as the default.
func New(service, level string) *slog.Logger {
	l := NewWriter(os.Stdout, service, level)
	slog.SetDefault(l)
	return l
}

func NewWriter(w io.Writer, service, level string) *slog.Logger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: ParseLevel(level),
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				a.Key = "timestamp"
			}
			return a
		},
	}).WithAttrs([]slog.Attr{
		slog.String("service", service),
		slog.String("hostname", hostname()),
	})
	return slog.New(handler)
}

// Err renders err as a log group, or nothing when err is nil.
func Err(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.Group("error", "msg", err.Error())
}

func hostname() string {
	name, _ := os.Hostname()
	return name
}
