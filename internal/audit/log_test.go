package audit

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"tenantry.org/internal/auth"
	"tenantry.org/internal/obs"
)

func TestLogActivity(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	l := NewLogger(zap.New(core))

	ctx := WithRequestID(context.Background(), "req-123")
	err := l.LogActivity(ctx, auth.Activity{
		TenantID:   "t1",
		ActorID:    "admin-1",
		Action:     "role_assigned",
		TargetType: "user",
		TargetID:   "u1",
		Metadata:   map[string]any{"role_id": "r1"},
		OccurredAt: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("LogActivity: %v", err)
	}
	if logs.Len() != 1 {
		t.Fatalf("expected one entry, got %d", logs.Len())
	}
	entry := logs.All()[0].ContextMap()
	if entry["type"] != "audit" || entry["event"] != "role_assigned" {
		t.Fatalf("unexpected entry: %v", entry)
	}
	if entry["request_id"] != "req-123" || entry["actor_id"] != "admin-1" || entry["target_id"] != "u1" {
		t.Fatalf("missing context fields: %v", entry)
	}
	fields, ok := entry["fields"].(map[string]any)
	if !ok || fields["role_id"] != "r1" {
		t.Fatalf("fields missing or incorrect: %v", entry["fields"])
	}
}

func TestLogActivityRequiresAction(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	if err := NewLogger(zap.New(core)).LogActivity(context.Background(), auth.Activity{}); err == nil {
		t.Fatalf("expected error for empty action")
	}
	if logs.Len() != 0 {
		t.Fatalf("nothing should be logged")
	}
}

func TestLogEventUsesPrincipal(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	prev := obs.SetLogger(zap.New(core))
	defer obs.SetLogger(prev)

	ctx := auth.WithPrincipal(context.Background(), auth.Principal{TenantID: "t1", UserID: "user-42"})
	if err := LogEvent(ctx, "access_denied", map[string]any{"resource": "roles"}); err != nil {
		t.Fatalf("LogEvent: %v", err)
	}
	entries := logs.FilterField(zap.String("actor_id", "user-42")).All()
	if len(entries) != 1 || entries[0].ContextMap()["tenant_id"] != "t1" {
		t.Fatalf("expected one entry for the principal, got %v", logs.All())
	}
}
