// Package notify hands email requests to an external mail worker through a Redis list.
// The worker pops JSON commands with BRPOP; this service only enqueues.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"tenantry.org/internal/auth"
)

var _ auth.Notifier = (*RedisQueue)(nil)

// Command kinds understood by the mail worker.
const (
	KindVerifyEmail   = "verify_email"
	KindPasswordReset = "password_reset"
)

// Command is one queued email request. Token is only set for password resets.
type Command struct {
	Kind       string    `json:"kind"`
	TenantID   string    `json:"tenant_id"`
	UserID     string    `json:"user_id"`
	Token      string    `json:"token,omitempty"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// Pusher is the part of a redis client the queue needs.
type Pusher interface {
	LPush(ctx context.Context, key string, values ...any) *redis.IntCmd
}

// Config configures Dial.
type Config struct {
	Addr     string
	Password string
	DB       int
	PoolSize int
	Queue    string
}

// RedisQueue implements auth.Notifier.
type RedisQueue struct {
	client Pusher
	queue  string
	now    func() time.Time
}

// Dial connects, pings within three seconds and returns the queue with its client so
// the caller can close it.
func Dial(ctx context.Context, cfg Config) (*RedisQueue, *redis.Client, error) {
	if cfg.Addr == "" {
		return nil, nil, errors.New("notify: redis addr missing")
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, nil, fmt.Errorf("notify: ping redis: %w", err)
	}
	return NewRedisQueue(rdb, cfg.Queue), rdb, nil
}

// NewRedisQueue wraps a client. An empty queue name falls back to tenantry:notifications.
func NewRedisQueue(client Pusher, queue string) *RedisQueue {
	if queue == "" {
		queue = "tenantry:notifications"
	}
	return &RedisQueue{client: client, queue: queue, now: func() time.Time { return time.Now().UTC() }}
}

func (q *RedisQueue) SendVerificationEmail(ctx context.Context, tenantID, userID string) error {
	return q.push(ctx, Command{Kind: KindVerifyEmail, TenantID: tenantID, UserID: userID})
}

func (q *RedisQueue) SendPasswordResetEmail(ctx context.Context, tenantID, userID, token string) error {
	return q.push(ctx, Command{Kind: KindPasswordReset, TenantID: tenantID, UserID: userID, Token: token})
}

func (q *RedisQueue) push(ctx context.Context, cmd Command) error {
	cmd.EnqueuedAt = q.now()
	payload, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("notify: encode %s: %w", cmd.Kind, err)
	}
	if err := q.client.LPush(ctx, q.queue, payload).Err(); err != nil {
		return fmt.Errorf("notify: enqueue %s: %w", cmd.Kind, err)
	}
	return nil
}
