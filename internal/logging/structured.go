package logging

import (
	"io"
	"log/slog"
	"os"
)

// InitStructured reconfigures the operational logger.
// format: "text" (default) or "json"
// level: "debug", "info", "warn", "error"
func InitStructured(format, level string) {
	initStructured(os.Stderr, format, level)
}

func initStructured(w io.Writer, format, level string) {
	SetLevelFromString(level)

	opts := &slog.HandlerOptions{
		Level: logLevel,
	}

	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
	}

	opLogger.Store(slog.New(handler))
}

// OpWithRequest returns the operational logger carrying a request id,
// and a trace id when one is known.
func OpWithRequest(requestID, traceID string) *slog.Logger {
	l := opLogger.Load()
	args := make([]any, 0, 4)
	if requestID != "" {
		args = append(args, "request_id", requestID)
	}
	if traceID != "" {
		args = append(args, "trace_id", traceID)
	}
	if len(args) == 0 {
		return l
	}
	return l.With(args...)
}
