package telemetry

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// redactedKeyLength is how much of an API key may appear in logs.
const redactedKeyLength = 9

// secretAttrKeys are log attribute names whose values are truncated before output.
var secretAttrKeys = map[string]bool{
	"api_key": true,
}

// SetupLogger configures the global slog default logger from configuration.
//
// format: "json" → JSONHandler (recommended for production), anything else → TextHandler.
// level: "debug", "info", "warn", "error" (case-insensitive); defaults to "info".
//
// The logger is installed as the default so slog.Info/Warn/Error calls elsewhere
// use it without carrying a *slog.Logger around.
func SetupLogger(format, level string) {
	logger := NewLogger(os.Stdout, format, level)
	slog.SetDefault(logger)
	slog.Info("logger initialised", "format", format, "level", parseLevel(level).String())
}

// NewLogger builds a logger writing to w. Attributes named api_key are
// cut to their first nine characters, which is enough to identify a key
// without making it usable.
func NewLogger(w io.Writer, format, level string) *slog.Logger {
	lvl := parseLevel(level)
	opts := &slog.HandlerOptions{
		Level:       lvl,
		AddSource:   lvl == slog.LevelDebug,
		ReplaceAttr: redactSecrets,
	}

	var handler slog.Handler
	if strings.ToLower(format) == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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

func redactSecrets(_ []string, a slog.Attr) slog.Attr {
	if !secretAttrKeys[a.Key] || a.Value.Kind() != slog.KindString {
		return a
	}
	v := a.Value.String()
	if len(v) > redactedKeyLength {
		a.Value = slog.StringValue(v[:redactedKeyLength] + "…")
	}
	return a
}
