package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	defaultIssuer    = "tenantry"
	defaultAudience  = "tenantry-platform"
	defaultAccessTTL = time.Hour
	minSigningKeyLen = 32
	clockSkew        = 5 * time.Second
)

// Claims are the access token claims. TenantID and SessionID bind the token to a session
// that is checked on every request.
type Claims struct {
	TenantID  string `json:"tid"`
	SessionID string `json:"sid"`
	Email     string `json:"email,omitempty"`
	Admin     bool   `json:"adm,omitempty"`
	jwt.RegisteredClaims
}

// TokenConfig configures access token signing.
type TokenConfig struct {
	SigningKey string
	Issuer     string
	Audience   string
	AccessTTL  time.Duration
}

// TokenIssuer signs and verifies HS256 access tokens.
type TokenIssuer struct {
	key       []byte
	issuer    string
	audience  string
	accessTTL time.Duration
	now       func() time.Time
	parser    *jwt.Parser
}

// NewTokenIssuer validates cfg and constructs a TokenIssuer.
func NewTokenIssuer(cfg TokenConfig, opts ...Option) (*TokenIssuer, error) {
	key := strings.TrimSpace(cfg.SigningKey)
	if len(key) < minSigningKeyLen {
		return nil, fmt.Errorf("%w: signing key must be at least %d bytes", ErrInvalidInput, minSigningKeyLen)
	}
	o, err := newOptions(opts)
	if err != nil {
		return nil, err
	}
	t := &TokenIssuer{
		key:       []byte(key),
		issuer:    cfg.Issuer,
		audience:  cfg.Audience,
		accessTTL: cfg.AccessTTL,
		now:       o.now,
	}
	if t.issuer == "" {
		t.issuer = defaultIssuer
	}
	if t.audience == "" {
		t.audience = defaultAudience
	}
	if t.accessTTL <= 0 {
		t.accessTTL = defaultAccessTTL
	}
	t.parser = jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(t.issuer),
		jwt.WithAudience(t.audience),
		jwt.WithTimeFunc(t.now),
		jwt.WithLeeway(clockSkew),
		jwt.WithExpirationRequired(),
	)
	return t, nil
}

// AccessTTL reports the lifetime of issued access tokens.
func (t *TokenIssuer) AccessTTL() time.Duration { return t.accessTTL }

// Issue signs an access token for u bound to session s.
func (t *TokenIssuer) Issue(u User, s Session) (string, time.Time, error) {
	if u.ID == "" || s.ID == "" {
		return "", time.Time{}, errors.New("user and session are required")
	}
	now := t.now()
	exp := now.Add(t.accessTTL)
	if s.ExpiresAt.Before(exp) {
		exp = s.ExpiresAt
	}
	claims := Claims{
		TenantID:  u.TenantID,
		SessionID: s.ID,
		Email:     u.Email,
		Admin:     u.IsTenantAdmin,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    t.issuer,
			Subject:   u.ID,
			Audience:  jwt.ClaimStrings{t.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        s.JWTID,
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.key)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, exp, nil
}

// Parse verifies the signature and registered claims of token.
func (t *TokenIssuer) Parse(token string) (*Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrInvalidToken
	}
	parsed, err := t.parser.ParseWithClaims(token, &Claims{}, func(*jwt.Token) (any, error) {
		return t.key, nil
	})
	if err != nil {
		return nil, ErrInvalidToken
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if err := t.validateClaims(claims); err != nil {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

func (t *TokenIssuer) validateClaims(claims *Claims) error {
	if strings.TrimSpace(claims.Subject) == "" {
		return errors.New("subject missing")
	}
	if claims.TenantID == "" || claims.SessionID == "" {
		return errors.New("tenant or session missing")
	}
	if claims.IssuedAt == nil {
		return errors.New("issued-at missing")
	}
	if claims.IssuedAt.Time.After(t.now().Add(clockSkew)) {
		return errors.New("token issued in the future")
	}
	if claims.ExpiresAt.Time.Before(claims.IssuedAt.Time) {
		return errors.New("token expiry precedes issued-at")
	}
	return nil
}

// refreshToken joins the session id and secret into the opaque credential handed out.
func refreshToken(sessionID, secret string) string {
	return sessionID + "." + secret
}

func splitRefreshToken(raw string) (sessionID, secret string, err error) {
	parts := strings.Split(strings.TrimSpace(raw), ".")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", errors.New("invalid refresh token format")
	}
	return parts[0], parts[1], nil
}
