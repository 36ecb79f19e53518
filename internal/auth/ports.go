package auth

import (
	"context"
	"time"

	"go.uber.org/zap"

	"tenantry.org/internal/obs"
)

// Event types published after a state change commits.
const (
	EventUserCreated = "user.created"
	EventUserUpdated = "user.updated"
	EventUserDeleted = "user.deleted"
	EventUserLogin   = "user.login"
	EventUserLogout  = "user.logout"
)

// Event is a fire-and-forget domain notification.
type Event struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	TenantID   string         `json:"tenant_id"`
	UserID     string         `json:"user_id"`
	OccurredAt time.Time      `json:"occurred_at"`
	Data       map[string]any `json:"data,omitempty"`
}

// EventPublisher delivers domain events to other services.
type EventPublisher interface {
	Publish(ctx context.Context, evt Event) error
}

// Notifier asks an external worker to send email. Implementations enqueue and return.
type Notifier interface {
	SendVerificationEmail(ctx context.Context, tenantID, userID string) error
	SendPasswordResetEmail(ctx context.Context, tenantID, userID, token string) error
}

// Activity is one audit trail entry.
type Activity struct {
	TenantID   string         `json:"tenant_id"`
	ActorID    string         `json:"actor_id,omitempty"`
	Action     string         `json:"action"`
	TargetType string         `json:"target_type"`
	TargetID   string         `json:"target_id"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
}

// ActivityLogger records audit activity. Best effort.
type ActivityLogger interface {
	LogActivity(ctx context.Context, a Activity) error
}

// Runner executes side-effect jobs. Implementations must not propagate job failures
// back into the operation that scheduled them.
type Runner interface {
	Go(name string, job func(ctx context.Context) error)
}

// InlineRunner runs jobs synchronously on the caller's goroutine and logs failures.
type InlineRunner struct{}

// Go runs job immediately with a background context.
func (InlineRunner) Go(name string, job func(ctx context.Context) error) {
	if err := job(context.Background()); err != nil {
		obs.Logger().Warn("side effect failed", zap.String("job", name), zap.Error(err))
	}
}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, Event) error { return nil }

type nopNotifier struct{}

func (nopNotifier) SendVerificationEmail(context.Context, string, string) error { return nil }

func (nopNotifier) SendPasswordResetEmail(context.Context, string, string, string) error {
	return nil
}

type nopActivityLogger struct{}

func (nopActivityLogger) LogActivity(context.Context, Activity) error { return nil }

// publish schedules evt on the runner. Failures are logged by the runner.
func (o options) publish(evt Event) {
	o.runner.Go("event."+evt.Type, func(ctx context.Context) error {
		return o.events.Publish(ctx, evt)
	})
}

// logActivity schedules an audit write on the runner.
func (o options) logActivity(a Activity) {
	o.runner.Go("activity."+a.Action, func(ctx context.Context) error {
		return o.activity.LogActivity(ctx, a)
	})
}
