// Package logger exposes a package-level *zap.Logger plus thin level
// helpers, using the Laisky/zap fork rather than stdlib log or a bare
// uber-go/zap import.
package logger

import (
	"context"

	"github.com/Laisky/zap"
)

// Logger is the process-wide structured logger. Replaced in tests via Init.
var Logger *zap.Logger

func init() {
	l, err := zap.NewProduction()
	if err != nil {
		l = zap.NewExample()
	}
	Logger = l
}

// Init replaces the package logger, used by cmd/gateway to switch to a
// development encoder or a different level outside tests.
func Init(l *zap.Logger) {
	Logger = l
}

type ctxKey struct{}

// WithContext attaches a request-scoped logger (e.g. one carrying the
// request_id field) to ctx.
func WithContext(ctx context.Context, l *zap.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, l)
}

// FromContext returns the request-scoped logger if present, else the
// package default.
func FromContext(ctx context.Context) *zap.Logger {
	if l, ok := ctx.Value(ctxKey{}).(*zap.Logger); ok && l != nil {
		return l
	}
	return Logger
}

// Debug logs at debug level on the package logger.
func Debug(msg string, fields...zap.Field) { Logger.Debug(msg, fields...) }

// Info logs at info level on the package logger.
func Info(msg string, fields...zap.Field) { Logger.Info(msg, fields...) }

// Warn logs at warn level on the package logger.
func Warn(msg string, fields...zap.Field) { Logger.Warn(msg, fields...) }

// Error logs at error level on the package logger.
func Error(msg string, fields...zap.Field) { Logger.Error(msg, fields...) }

// SysLog logs an info-level operational message, used for boot and
// administrative notices.
func SysLog(msg string) { Logger.Info(msg) }
