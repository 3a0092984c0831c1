package logutil

import (
	"context"
	"sync/atomic"

	"go.uber.org/zap"
)

type ctxKeyType int

const ctxLogKey ctxKeyType = iota

var (
	_globalLogger atomic.Value
)

func init() {
	lg, err := zap.NewProduction()
	if err != nil {
		lg = zap.NewNop()
	}
	_globalLogger.Store(lg)
}

// SetLogger replaces the process logger.
func SetLogger(l *zap.Logger) {
	if l == nil {
		return
	}
	_globalLogger.Store(l)
}

func global() *zap.Logger {
	return _globalLogger.Load().(*zap.Logger)
}

// Logger returns the logger bound to ctx, or the process logger.
func Logger(ctx context.Context) *zap.Logger {
	if ctx != nil {
		if ctxlogger, ok := ctx.Value(ctxLogKey).(*zap.Logger); ok {
			return ctxlogger
		}
	}
	return global()
}

// WithGtid binds a logger carrying the transaction group id to ctx.
func WithGtid(ctx context.Context, gtid string) context.Context {
	return context.WithValue(ctx, ctxLogKey, Logger(ctx).With(zap.String("gtid", gtid)))
}

func Sync() error {
	return global().Sync()
}
