package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"tenantry.org/internal/ids"
	"tenantry.org/internal/obs"
)

// IssueResetToken revokes the user's outstanding tokens and issues a new one. The raw
// secret is returned once; only its SHA-256 is stored.
func (l *SessionLedger) IssueResetToken(ctx context.Context, u User, ip, userAgent string) (string, PasswordResetToken, error) {
	raw, err := ids.Token(resetTokenBytes)
	if err != nil {
		return "", PasswordResetToken{}, err
	}
	now := l.opts.now()
	t, err := l.store.ResetTokens(ctx).Issue(ctx, PasswordResetToken{
		ID:        ids.NewAt(now),
		TenantID:  u.TenantID,
		UserID:    u.ID,
		TokenHash: hashSecret(raw),
		CreatedAt: now,
		ExpiresAt: now.Add(l.opts.resetTokenTTL),
		IPAddress: ip,
		UserAgent: userAgent,
	})
	if err != nil {
		return "", PasswordResetToken{}, fmt.Errorf("issue reset token: %w", err)
	}
	obs.ResetTokens.WithLabelValues("issued").Inc()
	return raw, t, nil
}

// ConsumeResetToken sets newPassword for the token's user and burns the token. Of two
// concurrent calls with the same token at most one succeeds.
func (l *SessionLedger) ConsumeResetToken(ctx context.Context, tenantID, raw, newPassword string) (User, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return User{}, ErrInvalidToken
	}
	hash := hashSecret(raw)
	tokens := l.store.ResetTokens(ctx)
	t, err := tokens.Find(ctx, tenantID, hash)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return User{}, l.rejectReset()
		}
		return User{}, err
	}
	if !t.IsValid(l.opts.now()) {
		return User{}, l.rejectReset()
	}
	u, err := l.users.Get(ctx, tenantID, t.UserID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return User{}, l.rejectReset()
		}
		return User{}, err
	}
	change, err := l.users.preparePasswordChange(u, newPassword)
	if err != nil {
		return User{}, err
	}
	u, err = tokens.Consume(ctx, tenantID, hash, change.ChangedAt, change)
	if err != nil {
		if errors.Is(err, ErrInvalidToken) {
			return User{}, l.rejectReset()
		}
		return User{}, err
	}
	obs.ResetTokens.WithLabelValues("consumed").Inc()
	return u, nil
}

func (l *SessionLedger) rejectReset() error {
	obs.ResetTokens.WithLabelValues("rejected").Inc()
	return ErrInvalidToken
}
