// Package bootstrap turns a config.Config into the store and authenticator the
// binaries share.
package bootstrap

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"tenantry.org/internal/audit"
	"tenantry.org/internal/auth"
	"tenantry.org/internal/config"
	"tenantry.org/internal/obs"
	"tenantry.org/internal/store/memory"
	"tenantry.org/internal/store/pg"
)

// Store is an auth.Store that may hold a connection the caller must release.
type Store interface {
	auth.Store
	Ping(ctx context.Context) error
	Close() error
}

type memoryStore struct{ *memory.Store }

func (memoryStore) Ping(context.Context) error { return nil }
func (memoryStore) Close() error               { return nil }

// OpenStore opens PostgreSQL when database.driver is "postgres" and an in-memory
// store otherwise.
func OpenStore(ctx context.Context, cfg *config.Config) (Store, error) {
	if cfg.Database.Driver != "postgres" {
		obs.Logger().Warn("using in-memory store; data is lost on restart")
		return memoryStore{memory.New()}, nil
	}
	st, err := pg.Open(cfg.Database.DSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := st.Ping(ctx); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return st, nil
}

// AuthOptions maps the auth section of cfg onto authenticator options. Extra options
// (publishers, notifier, runner) are appended by the caller.
func AuthOptions(cfg *config.Config) []auth.Option {
	policy := auth.DefaultPasswordPolicy
	if cfg.Auth.PasswordMinLength > 0 {
		policy.MinLength = cfg.Auth.PasswordMinLength
	}
	opts := []auth.Option{
		auth.WithPasswordPolicy(policy),
		auth.WithLockout(cfg.Auth.LockoutThreshold, cfg.Auth.LockoutDuration),
		auth.WithSessionTTL(cfg.Auth.SessionTTL),
		auth.WithResetTokenTTL(cfg.Auth.ResetTokenTTL),
		auth.WithActivityLogger(audit.NewLogger(obs.Logger())),
	}
	if cfg.Auth.PasswordMaxAge > 0 {
		opts = append(opts, auth.WithPasswordMaxAge(cfg.Auth.PasswordMaxAge))
	}
	if cfg.Auth.MFAIssuer != "" {
		opts = append(opts, auth.WithMFAIssuer(cfg.Auth.MFAIssuer))
	}
	return opts
}

// NewAuthenticator builds the authenticator over store and makes sure the permission
// catalog is present.
func NewAuthenticator(ctx context.Context, cfg *config.Config, store auth.Store, extra ...auth.Option) (*auth.Authenticator, error) {
	opts := append(AuthOptions(cfg), extra...)
	authn, err := auth.NewAuthenticator(store, auth.TokenConfig{
		SigningKey: cfg.Auth.SigningKey,
		Issuer:     cfg.Auth.Issuer,
		Audience:   cfg.Auth.Audience,
		AccessTTL:  cfg.Auth.AccessTTL,
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("build authenticator: %w", err)
	}
	added, err := authn.RBAC().EnsureCatalog(ctx)
	if err != nil {
		return nil, fmt.Errorf("ensure permission catalog: %w", err)
	}
	if added > 0 {
		obs.Logger().Info("permission catalog updated", zap.Int("added", added))
	}
	return authn, nil
}
