package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const testKey = "0123456789abcdef0123456789abcdef"

func newTestIssuer(t *testing.T, now *time.Time, cfg TokenConfig) *TokenIssuer {
	t.Helper()
	if cfg.SigningKey == "" {
		cfg.SigningKey = testKey
	}
	issuer, err := NewTokenIssuer(cfg, WithClock(func() time.Time { return *now }))
	if err != nil {
		t.Fatalf("NewTokenIssuer: %v", err)
	}
	return issuer
}

func TestTokenIssueAndParse(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	issuer := newTestIssuer(t, &now, TokenConfig{})

	u := User{ID: "user-1", TenantID: "tenant-1", Email: "a@b.test", IsTenantAdmin: true}
	s := Session{ID: "session-1", JWTID: "jti-1", ExpiresAt: now.Add(24 * time.Hour)}
	token, exp, err := issuer.Issue(u, s)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if !exp.Equal(now.Add(time.Hour)) {
		t.Fatalf("unexpected expiry %v", exp)
	}

	claims, err := issuer.Parse(token)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if claims.Subject != "user-1" || claims.TenantID != "tenant-1" || claims.SessionID != "session-1" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
	if claims.Issuer != "tenantry" || claims.ID != "jti-1" || !claims.Admin {
		t.Fatalf("unexpected registered claims: %+v", claims)
	}

	now = now.Add(2 * time.Hour)
	if _, err := issuer.Parse(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected expired token to be rejected, got %v", err)
	}
}

func TestTokenExpiryNeverOutlivesSession(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	issuer := newTestIssuer(t, &now, TokenConfig{})
	s := Session{ID: "s", ExpiresAt: now.Add(10 * time.Minute)}
	_, exp, err := issuer.Issue(User{ID: "u", TenantID: "t"}, s)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if !exp.Equal(s.ExpiresAt) {
		t.Fatalf("token expiry %v should be clamped to session expiry %v", exp, s.ExpiresAt)
	}
}

func TestTokenRejections(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	issuer := newTestIssuer(t, &now, TokenConfig{})
	other := newTestIssuer(t, &now, TokenConfig{Audience: "someone-else"})
	otherKey := newTestIssuer(t, &now, TokenConfig{SigningKey: "ffffffffffffffffffffffffffffffff"})

	u := User{ID: "u", TenantID: "t"}
	s := Session{ID: "s", ExpiresAt: now.Add(time.Hour)}
	foreignAudience, _, err := other.Issue(u, s)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	foreignKey, _, err := otherKey.Issue(u, s)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{TenantID: "t", SessionID: "s"}).
		SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("sign none: %v", err)
	}

	for name, token := range map[string]string{
		"empty":          "",
		"garbage":        "not.a.jwt",
		"wrong audience": foreignAudience,
		"wrong key":      foreignKey,
		"unsigned":       none,
	} {
		if _, err := issuer.Parse(token); !errors.Is(err, ErrInvalidToken) {
			t.Fatalf("%s: expected ErrInvalidToken, got %v", name, err)
		}
	}
}

func TestNewTokenIssuerRequiresLongKey(t *testing.T) {
	if _, err := NewTokenIssuer(TokenConfig{SigningKey: "short"}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestSplitRefreshToken(t *testing.T) {
	id, secret, err := splitRefreshToken(refreshToken("01HX", "c2VjcmV0"))
	if err != nil || id != "01HX" || secret != "c2VjcmV0" {
		t.Fatalf("round trip failed: %q %q %v", id, secret, err)
	}
	for _, bad := range []string{"", "nodot", ".secret", "id.", "a.b.c"} {
		if _, _, err := splitRefreshToken(bad); err == nil {
			t.Fatalf("expected %q to be rejected", bad)
		}
	}
}
