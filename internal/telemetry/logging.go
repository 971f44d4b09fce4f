// Package telemetry builds the process logger.
package telemetry

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/basket/flowrt/internal/shared"
)

const (
	logFile  = "system.jsonl"
	redacted = "[REDACTED]"
)

// NewLogger writes JSON records to <homeDir>/logs/system.jsonl and, unless
// quiet, to stdout. Every record carries component and trace_id; the closer
// releases the log file.
func NewLogger(homeDir, level string, quiet bool) (*slog.Logger, io.Closer, error) {
	f, err := openLogFile(filepath.Join(homeDir, "logs"))
	if err != nil {
		return nil, nil, err
	}
	var out io.Writer = f
	if !quiet {
		out = io.MultiWriter(os.Stdout, f)
	}
	h := slog.NewJSONHandler(out, &slog.HandlerOptions{
		Level:       ParseLevel(level),
		ReplaceAttr: replaceAttr,
	})
	return slog.New(h).With("component", "runtime", "trace_id", "-"), f, nil
}

func openLogFile(dir string) (*os.File, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return os.OpenFile(filepath.Join(dir, logFile), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
}

// replaceAttr renames the time key, normalizes it to UTC and masks secrets
// both by key and by value.
func replaceAttr(groups []string, a slog.Attr) slog.Attr {
	switch {
	case len(groups) == 0 && a.Key == slog.TimeKey && a.Value.Kind() == slog.KindTime:
		return slog.Time("timestamp", a.Value.Time().UTC())
	case shared.IsSensitiveKey(a.Key):
		return slog.String(a.Key, redacted)
	case a.Value.Kind() == slog.KindString:
		if v, ok := redactValue(a.Value.String()); ok {
			return slog.String(a.Key, v)
		}
	}
	return a
}

// redactValue masks whole header lines and falls back to pattern masking.
func redactValue(v string) (string, bool) {
	lower := strings.ToLower(v)
	if strings.Contains(lower, "authorization:") || strings.Contains(lower, "bearer ") {
		return redacted, true
	}
	if r := shared.Redact(v); r != v {
		return r, true
	}
	return v, false
}

// ParseLevel maps a config log level to slog; unknown values mean info.
func ParseLevel(level string) slog.Level {
	var l slog.Level
	switch s := strings.ToLower(strings.TrimSpace(level)); s {
	case "warning":
		return slog.LevelWarn
	case "":
		return slog.LevelInfo
	default:
		if err := l.UnmarshalText([]byte(s)); err != nil {
			return slog.LevelInfo
		}
	}
	return l
}

// ForCommand returns a logger scoped to one protocol command, carrying the
// trace and client ids from ctx.
func ForCommand(ctx context.Context, logger *slog.Logger, protocol, command string) *slog.Logger {
	if logger == nil {
		logger = slog.Default()
	}
	l := logger.With("trace_id", shared.TraceID(ctx), "protocol", protocol, "command", command)
	if clientID := shared.ClientID(ctx); clientID != "" {
		l = l.With("client_id", clientID)
	}
	if graphID := shared.GraphID(ctx); graphID != "" {
		l = l.With("graph", graphID)
	}
	return l
}
