// Package telemetry builds the gateway's structured logger, redacting
// secret-shaped values before they reach stdout.
package telemetry

import (
	"log/slog"
	"os"
	"strings"

	"github.com/basket/angrav-gateway/internal/shared"
)

// NewLogger builds a text-handler slog.Logger at level, with a
// ReplaceAttr hook that redacts any attribute whose key looks
// secret-bearing, or whose string value matches shared.Redact's
// patterns (bearer tokens, API keys, auth headers).
func NewLogger(level string) *slog.Logger {
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLevel(level),
		ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
			if shouldRedactKey(a.Key) {
				return slog.String(a.Key, "[REDACTED]")
			}
			if a.Value.Kind() == slog.KindString {
				if redacted := shared.Redact(a.Value.String()); redacted != a.Value.String() {
					return slog.String(a.Key, redacted)
				}
			}
			return a
		},
	})
	return slog.New(handler)
}

func shouldRedactKey(key string) bool {
	lower := strings.ToLower(strings.TrimSpace(key))
	if lower == "" {
		return false
	}
	sensitiveTokens := []string{"token", "secret", "password", "authorization", "api_key", "apikey", "bearer"}
	for _, t := range sensitiveTokens {
		if strings.Contains(lower, t) {
			return true
		}
	}
	return false
}

func parseLevel(level string) slog.Level {
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
