package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"tenantry.org/internal/ids"
	"tenantry.org/internal/obs"
)

// SessionLedger owns sessions, login history and password reset tokens.
type SessionLedger struct {
	store Store
	users *CredentialStore
	opts  options
}

// NewSessionLedger constructs a SessionLedger.
func NewSessionLedger(store Store, users *CredentialStore, opts ...Option) (*SessionLedger, error) {
	if store == nil || users == nil {
		return nil, fmt.Errorf("%w: store and credential store are required", ErrInvalidInput)
	}
	o, err := newOptions(opts)
	if err != nil {
		return nil, err
	}
	return &SessionLedger{store: store, users: users, opts: o}, nil
}

type sessionParams struct {
	ip          string
	userAgent   string
	fingerprint string
	ttl         time.Duration
	refreshHash string
	suspicious  bool
}

// CreateSession opens a session for u that expires after ttl (the configured session
// lifetime when ttl is zero) and records it in the user's bounded session history.
func (l *SessionLedger) CreateSession(ctx context.Context, u User, ip, userAgent string, ttl time.Duration) (Session, error) {
	return l.createSession(ctx, u, sessionParams{ip: ip, userAgent: userAgent, ttl: ttl})
}

func (l *SessionLedger) createSession(ctx context.Context, u User, p sessionParams) (Session, error) {
	if p.ttl <= 0 {
		p.ttl = l.opts.sessionTTL
	}
	key, err := ids.Token(sessionKeyBytes)
	if err != nil {
		return Session{}, err
	}
	now := l.opts.now()
	s, err := l.store.Sessions(ctx).Create(ctx, Session{
		ID:                ids.NewAt(now),
		TenantID:          u.TenantID,
		UserID:            u.ID,
		SessionKey:        key,
		JWTID:             uuid.NewString(),
		RefreshHash:       p.refreshHash,
		IPAddress:         p.ip,
		UserAgent:         p.userAgent,
		DeviceFingerprint: p.fingerprint,
		CreatedAt:         now,
		LastActivity:      now,
		ExpiresAt:         now.Add(p.ttl),
		IsActive:          true,
		IsSuspicious:      p.suspicious,
	})
	if err != nil {
		return Session{}, fmt.Errorf("create session: %w", err)
	}
	_, err = l.store.Users(ctx).Update(ctx, u.TenantID, u.ID, func(u *User) error {
		u.pushSession(SessionSummary{
			ID:        s.ID,
			IPAddress: s.IPAddress,
			UserAgent: s.UserAgent,
			CreatedAt: s.CreatedAt,
		}, l.opts.sessionHistory)
		return nil
	})
	if err != nil {
		return Session{}, fmt.Errorf("record session history: %w", err)
	}
	return s, nil
}

// Validate returns the session when it can still authorize requests. An expired session
// is deactivated on the spot.
func (l *SessionLedger) Validate(ctx context.Context, tenantID, sessionID string) (Session, error) {
	s, err := l.store.Sessions(ctx).Get(ctx, tenantID, sessionID)
	if err != nil {
		return Session{}, ErrInvalidToken
	}
	now := l.opts.now()
	if s.IsValid(now) {
		return s, nil
	}
	if s.IsActive && !s.ExpiresAt.After(now) {
		_, err := l.store.Sessions(ctx).Update(ctx, tenantID, sessionID, func(s *Session) error {
			s.IsActive = false
			return nil
		})
		if err != nil {
			obs.Logger().Warn("deactivate expired session failed",
				zap.String("session_id", sessionID), zap.Error(err))
		}
	}
	return Session{}, ErrInvalidToken
}

// Touch stamps last activity on a valid session.
func (l *SessionLedger) Touch(ctx context.Context, tenantID, sessionID string) (Session, error) {
	return l.store.Sessions(ctx).Update(ctx, tenantID, sessionID, func(s *Session) error {
		now := l.opts.now()
		if !s.IsValid(now) {
			return ErrInvalidToken
		}
		s.LastActivity = now
		return nil
	})
}

// Revoke deactivates one session. Revoking an already revoked session is a no-op.
func (l *SessionLedger) Revoke(ctx context.Context, tenantID, sessionID string) (Session, error) {
	var revoked bool
	s, err := l.store.Sessions(ctx).Update(ctx, tenantID, sessionID, func(s *Session) error {
		if s.RevokedAt != nil {
			return nil
		}
		now := l.opts.now()
		s.IsActive = false
		s.RevokedAt = &now
		revoked = true
		return nil
	})
	if err != nil {
		return Session{}, err
	}
	if revoked {
		obs.SessionsRevoked.Inc()
	}
	return s, nil
}

// RevokeAll deactivates every active session of the user except exceptID.
func (l *SessionLedger) RevokeAll(ctx context.Context, tenantID, userID, exceptID string) (int, error) {
	n, err := l.store.Sessions(ctx).RevokeAll(ctx, tenantID, userID, exceptID, l.opts.now())
	if err != nil {
		return 0, fmt.Errorf("revoke sessions: %w", err)
	}
	obs.SessionsRevoked.Add(float64(n))
	return n, nil
}

// ListActive returns the sessions of the user that are valid now.
func (l *SessionLedger) ListActive(ctx context.Context, tenantID, userID string) ([]Session, error) {
	all, err := l.store.Sessions(ctx).ListByUser(ctx, tenantID, userID)
	if err != nil {
		return nil, err
	}
	now := l.opts.now()
	out := make([]Session, 0, len(all))
	for _, s := range all {
		if s.IsValid(now) {
			out = append(out, s)
		}
	}
	return out, nil
}

// RotateRefresh checks secret against the session's refresh hash and replaces it with a
// new one. A mismatch revokes the session since the credential may have leaked.
func (l *SessionLedger) RotateRefresh(ctx context.Context, tenantID, sessionID, secret string) (string, Session, error) {
	next, err := ids.Token(refreshSecretBytes)
	if err != nil {
		return "", Session{}, err
	}
	var mismatch bool
	s, err := l.store.Sessions(ctx).Update(ctx, tenantID, sessionID, func(s *Session) error {
		now := l.opts.now()
		if !s.IsValid(now) {
			return ErrInvalidToken
		}
		if s.RefreshHash == "" || !compareHash(s.RefreshHash, hashSecret(secret)) {
			s.IsActive = false
			s.RevokedAt = &now
			mismatch = true
			return nil
		}
		s.RefreshHash = hashSecret(next)
		s.JWTID = uuid.NewString()
		s.LastActivity = now
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return "", Session{}, ErrInvalidToken
		}
		return "", Session{}, err
	}
	if mismatch {
		obs.SessionsRevoked.Inc()
		return "", Session{}, ErrInvalidToken
	}
	return next, s, nil
}

// Reap deletes expired sessions and reset tokens older than before.
func (l *SessionLedger) Reap(ctx context.Context, before time.Time) (sessions, tokens int, err error) {
	sessions, err = l.store.Sessions(ctx).DeleteExpired(ctx, before)
	if err != nil {
		return 0, 0, fmt.Errorf("reap sessions: %w", err)
	}
	tokens, err = l.store.ResetTokens(ctx).DeleteExpired(ctx, before)
	if err != nil {
		return sessions, 0, fmt.Errorf("reap reset tokens: %w", err)
	}
	return sessions, tokens, nil
}

func compareHash(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
