package usersink

import (
	"context"
	"strings"
	"time"

	"github.com/goliatone/go-formpersist/pkg/diagnostic"
	usertypes "github.com/goliatone/go-users/pkg/types"
	"github.com/google/uuid"
)

// Hook adapts diagnostic events to a go-users ActivitySink, producing an
// audit trail of persistence failures and lifecycle events. Actor, user, and
// tenant identifiers are read from event metadata when present.
type Hook struct {
	Sink usertypes.ActivitySink
}

// Notify maps the event into an ActivityRecord and forwards it to the sink.
func (h Hook) Notify(ctx context.Context, event diagnostic.Event) error {
	if h.Sink == nil {
		return nil
	}

	normalized := diagnostic.NormalizeEvent(event)
	if normalized.Op == "" || normalized.Form == "" {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}

	record := usertypes.ActivityRecord{
		ActorID:    metadataUUID(normalized.Metadata, "actor_id"),
		UserID:     metadataUUID(normalized.Metadata, "user_id"),
		TenantID:   metadataUUID(normalized.Metadata, "tenant_id"),
		Verb:       normalized.Op,
		ObjectType: "form",
		ObjectID:   normalized.Form,
		Channel:    normalized.Channel,
		Data:       cloneMap(normalized.Metadata),
		OccurredAt: normalized.OccurredAt,
	}
	if record.OccurredAt.IsZero() {
		record.OccurredAt = time.Now()
	}
	if normalized.Key != "" {
		if record.Data == nil {
			record.Data = map[string]any{}
		}
		record.Data["storage_key"] = normalized.Key
	}
	if normalized.Detail != "" {
		if record.Data == nil {
			record.Data = map[string]any{}
		}
		record.Data["detail"] = normalized.Detail
	}
	if normalized.Err != nil {
		if record.Data == nil {
			record.Data = map[string]any{}
		}
		record.Data["error"] = normalized.Err.Error()
	}

	return h.Sink.Log(ctx, record)
}

func metadataUUID(metadata map[string]any, key string) uuid.UUID {
	raw, ok := metadata[key]
	if !ok {
		return uuid.Nil
	}
	value, ok := raw.(string)
	if !ok {
		return uuid.Nil
	}
	id, err := uuid.Parse(strings.TrimSpace(value))
	if err != nil {
		return uuid.Nil
	}
	return id
}

func cloneMap(src map[string]any) map[string]any {
	if len(src) == 0 {
		return nil
	}
	dst := make(map[string]any, len(src))
	for key, value := range src {
		dst[key] = value
	}
	return dst
}
