package logging

import (
	"log"
	"log/slog"
	"os"
	"strings"
)

// LevelEnv names the environment variable that overrides the log level.
const LevelEnv = "AGENTLEDGER_LOG_LEVEL"

// Setup configures the standard library logger to emit structured JSON and
// returns the underlying slog.Logger for richer logging within the process.
// All log lines include the component name and environment when provided.
// The minimum level comes from AGENTLEDGER_LOG_LEVEL when set, otherwise
// dev environments log at debug and everything else at info.
func Setup(component, env string) *slog.Logger {
	env = strings.TrimSpace(env)
	level := resolveLevel(os.Getenv(LevelEnv), env)
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		AddSource: false,
		Level:     level,
		ReplaceAttr: func(groups []string, attr slog.Attr) slog.Attr {
			if attr.Key == slog.TimeKey {
				return slog.Attr{Key: "timestamp", Value: attr.Value}
			}
			if attr.Key == slog.LevelKey {
				return slog.String("severity", strings.ToUpper(attr.Value.String()))
			}
			if attr.Key == slog.MessageKey {
				return slog.Attr{Key: "message", Value: attr.Value}
			}
			return attr
		},
	})

	attrs := []slog.Attr{
		slog.String("component", strings.TrimSpace(component)),
	}
	if env != "" {
		attrs = append(attrs, slog.String("env", env))
	}

	withArgs := make([]any, 0, len(attrs))
	for _, attr := range attrs {
		withArgs = append(withArgs, attr)
	}

	base := slog.New(handler).With(withArgs...)
	slog.SetDefault(base)

	// Bridge the standard library logger so existing packages keep working.
	// Bridged lines land at the resolved level's floor, never below info.
	bridgeLevel := slog.LevelInfo
	if level > bridgeLevel {
		bridgeLevel = level
	}
	stdBridge := slog.NewLogLogger(handler.WithAttrs(attrs), bridgeLevel)
	stdBridge.SetFlags(0)
	log.SetOutput(stdBridge.Writer())
	log.SetFlags(0)
	log.SetPrefix("")

	return base
}

// resolveLevel maps the override string to a slog level, falling back to the
// environment default when the override is empty or unknown.
func resolveLevel(override, env string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(override)) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	if strings.EqualFold(env, "dev") {
		return slog.LevelDebug
	}
	return slog.LevelInfo
}
