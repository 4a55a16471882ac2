// Package zaplog bridges diagnostic events onto a zap logger.
package zaplog

import (
	"context"

	"github.com/goliatone/go-formpersist/pkg/diagnostic"
	"go.uber.org/zap"
)

// Hook emits diagnostic events through a zap logger. Events carrying an
// error log at warn level, the rest at debug; persistence failures are
// recovered conditions, never operational errors.
type Hook struct {
	Logger *zap.Logger
}

// New constructs a Hook around logger.
func New(logger *zap.Logger) Hook {
	return Hook{Logger: logger}
}

// Notify implements diagnostic.Hook.
func (h Hook) Notify(_ context.Context, event diagnostic.Event) error {
	if h.Logger == nil {
		return nil
	}

	fields := []zap.Field{
		zap.String("op", event.Op),
		zap.String("form", event.Form),
		zap.Time("occurred_at", event.OccurredAt),
	}
	if event.Key != "" {
		fields = append(fields, zap.String("key", event.Key))
	}
	if event.Channel != "" {
		fields = append(fields, zap.String("channel", event.Channel))
	}
	if event.Detail != "" {
		fields = append(fields, zap.String("detail", event.Detail))
	}
	if len(event.Metadata) > 0 {
		fields = append(fields, zap.Any("metadata", event.Metadata))
	}

	if event.Err != nil {
		fields = append(fields, zap.Error(event.Err))
		h.Logger.Warn("form persistence recovered", fields...)
		return nil
	}
	h.Logger.Debug("form persistence event", fields...)
	return nil
}
