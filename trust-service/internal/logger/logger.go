package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/go-chi/chi/v5/middleware"
)

// Init builds the process logger and installs it as the slog default.
// Development gets a text handler; every other env gets JSON.
func Init(env, level string) *slog.Logger {
	return New(os.Stdout, env, level)
}

func New(w io.Writer, env, level string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}

	var handler slog.Handler
	if env == "development" || env == "dev" {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}

	l := slog.New(handler)
	slog.SetDefault(l)
	return l
}

func ParseLevel(level string) slog.Level {
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

// FromContext returns the default logger annotated with the chi request id,
// when the request carries one.
func FromContext(ctx context.Context) *slog.Logger {
	l := slog.Default()
	if id := middleware.GetReqID(ctx); id != "" {
		l = l.With("request_id", id)
	}
	return l
}
