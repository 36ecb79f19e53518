// Package audit writes the activity trail as structured JSON log lines with type=audit.
package audit

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"tenantry.org/internal/auth"
	"tenantry.org/internal/obs"
)

type ctxKey string

const requestIDKey ctxKey = "audit_request_id"

// WithRequestID attaches the request identifier to the context for audit logging.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestIDFrom extracts the audit request id from context if present.
func RequestIDFrom(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

var _ auth.ActivityLogger = (*Logger)(nil)

// Logger implements auth.ActivityLogger on top of zap. A nil *zap.Logger uses obs.Logger().
type Logger struct {
	log *zap.Logger
}

func NewLogger(l *zap.Logger) *Logger {
	return &Logger{log: l}
}

func (l *Logger) logger() *zap.Logger {
	if l == nil || l.log == nil {
		return obs.Logger()
	}
	return l.log
}

// LogActivity writes one activity entry.
func (l *Logger) LogActivity(ctx context.Context, a auth.Activity) error {
	if strings.TrimSpace(a.Action) == "" {
		return errors.New("audit: action is required")
	}
	fields := []zap.Field{
		zap.String("type", "audit"),
		zap.String("event", a.Action),
		zap.String("tenant_id", a.TenantID),
		zap.String("target_type", a.TargetType),
		zap.String("target_id", a.TargetID),
		zap.Time("occurred_at", a.OccurredAt),
	}
	if a.ActorID != "" {
		fields = append(fields, zap.String("actor_id", a.ActorID))
	}
	if rid := RequestIDFrom(ctx); rid != "" {
		fields = append(fields, zap.String("request_id", rid))
	}
	fields = append(fields, zap.Any("fields", copyFields(a.Metadata)))
	l.logger().Info("audit", fields...)
	return nil
}

// LogEvent writes an audit entry for something that is not a state change, such as a
// denied request. The principal in ctx, if any, is recorded as the actor.
func LogEvent(ctx context.Context, event string, fields map[string]any) error {
	event = strings.TrimSpace(event)
	if event == "" {
		return errors.New("event name is required")
	}
	a := auth.Activity{Action: event, Metadata: fields, OccurredAt: time.Now().UTC()}
	if p, ok := auth.PrincipalFrom(ctx); ok {
		a.TenantID = p.TenantID
		a.ActorID = p.UserID
	}
	return (*Logger)(nil).LogActivity(ctx, a)
}

func copyFields(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
