package usersink_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/goliatone/go-formpersist/pkg/diagnostic"
	"github.com/goliatone/go-formpersist/pkg/diagnostic/usersink"
	usertypes "github.com/goliatone/go-users/pkg/types"
	"github.com/google/uuid"
)

type recordingSink struct {
	records []usertypes.ActivityRecord
	err     error
}

func (s *recordingSink) Log(_ context.Context, record usertypes.ActivityRecord) error {
	s.records = append(s.records, record)
	return s.err
}

func TestHookNotifyMapsEvent(t *testing.T) {
	sink := &recordingSink{}
	hook := usersink.Hook{Sink: sink}

	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	actorID := uuid.New()
	userID := uuid.New()
	tenantID := uuid.New()

	event := diagnostic.Event{
		Op:      "write",
		Form:    "signup",
		Key:     "signup_123",
		Channel: "persist",
		Detail:  "storage rejected payload",
		Metadata: map[string]any{
			"actor_id":  actorID.String(),
			"user_id":   userID.String(),
			"tenant_id": tenantID.String(),
			"attempt":   2,
		},
		Err:        errors.New("backend down"),
		OccurredAt: now,
	}

	if err := hook.Notify(context.Background(), event); err != nil {
		t.Fatalf("notify: %v", err)
	}

	if len(sink.records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(sink.records))
	}
	record := sink.records[0]
	if record.ActorID != actorID {
		t.Fatalf("expected actor %s got %s", actorID, record.ActorID)
	}
	if record.UserID != userID {
		t.Fatalf("expected user %s got %s", userID, record.UserID)
	}
	if record.TenantID != tenantID {
		t.Fatalf("expected tenant %s got %s", tenantID, record.TenantID)
	}
	if record.Verb != "write" || record.ObjectType != "form" || record.ObjectID != "signup" {
		t.Fatalf("unexpected record payload: %+v", record)
	}
	if record.Channel != "persist" {
		t.Fatalf("expected channel persist got %q", record.Channel)
	}
	if !record.OccurredAt.Equal(now) {
		t.Fatalf("expected occurred_at %v got %v", now, record.OccurredAt)
	}
	if record.Data["storage_key"] != "signup_123" {
		t.Fatalf("expected storage_key metadata got %v", record.Data["storage_key"])
	}
	if record.Data["detail"] != "storage rejected payload" {
		t.Fatalf("expected detail metadata got %v", record.Data["detail"])
	}
	if record.Data["error"] != "backend down" {
		t.Fatalf("expected error metadata got %v", record.Data["error"])
	}
	if record.Data["attempt"] != 2 {
		t.Fatalf("expected metadata passthrough got %v", record.Data["attempt"])
	}
}

func TestHookNotifySkipsMissingFields(t *testing.T) {
	sink := &recordingSink{}
	hook := usersink.Hook{Sink: sink}

	_ = hook.Notify(context.Background(), diagnostic.Event{})

	if len(sink.records) != 0 {
		t.Fatalf("expected no records for empty event, got %d", len(sink.records))
	}
}

func TestHookNotifyDefaultsTimestampAndIDs(t *testing.T) {
	sink := &recordingSink{}
	hook := usersink.Hook{Sink: sink}

	err := hook.Notify(context.Background(), diagnostic.Event{
		Op:   "read",
		Form: "signup",
	})
	if err != nil {
		t.Fatalf("notify: %v", err)
	}
	if len(sink.records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(sink.records))
	}
	record := sink.records[0]
	if record.OccurredAt.IsZero() {
		t.Fatalf("expected occurred_at to be defaulted")
	}
	if record.ActorID != uuid.Nil || record.UserID != uuid.Nil || record.TenantID != uuid.Nil {
		t.Fatalf("expected nil ids without metadata: %+v", record)
	}
}
