// Package busctx carries per-invocation switches through a context.
package busctx

import (
	"context"
	"encoding/hex"
	"log/slog"
)

type ctxIndex int

const (
	ctxIndexVerbose ctxIndex = iota
	ctxIndexTrace
)

func IsVerbose(ctx context.Context) bool {
	val, _ := ctx.Value(ctxIndexVerbose).(bool)
	return val
}

func SetVerbose(ctx context.Context, value bool) context.Context {
	return context.WithValue(ctx, ctxIndexVerbose, value)
}

// Trace returns the label attached with SetTrace, or "".
func Trace(ctx context.Context) string {
	val, _ := ctx.Value(ctxIndexTrace).(string)
	return val
}

// SetTrace attaches a label that is added to every Dump.
func SetTrace(ctx context.Context, label string) context.Context {
	return context.WithValue(ctx, ctxIndexTrace, label)
}

// Dump logs a hex dump of data at debug level when ctx is verbose.
func Dump(ctx context.Context, logger *slog.Logger, msg string, data []byte) {
	if !IsVerbose(ctx) {
		return
	}
	if logger == nil {
		logger = slog.Default()
	}
	attrs := []any{"len", len(data), "data", hex.EncodeToString(data)}
	if label := Trace(ctx); label != "" {
		attrs = append(attrs, "trace", label)
	}
	logger.DebugContext(ctx, msg, attrs...)
}
