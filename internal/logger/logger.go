// Package logger configures the process-wide slog JSON logger and carries
// per-request trace ids (one per history fetch) through contexts.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"
)

type ctxKey struct{}

// Init installs a JSON logger tagged with service as the slog default.
// A nil w writes to stdout.
func Init(service string, level slog.Level, w io.Writer) *slog.Logger {
	if w == nil {
		w = os.Stdout
	}
	l := slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})).
		With(slog.String("service", service))
	slog.SetDefault(l)
	return l
}

// ParseLevel maps "debug", "info", "warn" and "error" to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.ToUpper(strings.TrimSpace(s)))); err != nil {
		return slog.LevelInfo, fmt.Errorf("logger: invalid level %q", s)
	}
	return l, nil
}

// WithTrace tags ctx with the trace id "{symbol}-{unixNano}".
func WithTrace(ctx context.Context, symbol string, ts time.Time) context.Context {
	return context.WithValue(ctx, ctxKey{}, fmt.Sprintf("%s-%d", symbol, ts.UnixNano()))
}

// TraceID returns the id set by WithTrace, or "".
func TraceID(ctx context.Context) string {
	tid, _ := ctx.Value(ctxKey{}).(string)
	return tid
}

// Attrs prefixes args with the context's trace id, if any:
//
//	slog.Warn("fetch failed", logger.Attrs(ctx, "symbol", sym)...)
func Attrs(ctx context.Context, args ...any) []any {
	tid := TraceID(ctx)
	if tid == "" {
		return args
	}
	return append([]any{slog.String("trace_id", tid)}, args...)
}
