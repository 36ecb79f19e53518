package auth_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"tenantry.org/internal/auth"
)

func TestSessionExpiryIsLazy(t *testing.T) {
	f := newFixture(t)
	reg := f.register(t, "Acme", "owner@acme.test")
	ctx := context.Background()
	ledger := f.auth.Sessions()

	s, err := ledger.CreateSession(ctx, reg.User, "198.51.100.4", "curl", time.Minute)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if _, err := ledger.Validate(ctx, reg.Tenant.ID, s.ID); err != nil {
		t.Fatalf("fresh session rejected: %v", err)
	}

	f.clock.Advance(2 * time.Minute)
	if _, err := ledger.Validate(ctx, reg.Tenant.ID, s.ID); !errors.Is(err, auth.ErrInvalidToken) {
		t.Fatalf("expected expired session to be rejected, got %v", err)
	}
	stored, err := f.store.Sessions(ctx).Get(ctx, reg.Tenant.ID, s.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if stored.IsActive {
		t.Fatalf("expired session should be deactivated on validation")
	}
	if stored.RevokedAt != nil {
		t.Fatalf("expiry is not a revocation")
	}
}

func TestRevokeAllKeepsCurrentSession(t *testing.T) {
	f := newFixture(t)
	reg := f.register(t, "Acme", "owner@acme.test")
	ctx := context.Background()
	ledger := f.auth.Sessions()

	var created []auth.Session
	for i := 0; i < 3; i++ {
		s, err := ledger.CreateSession(ctx, reg.User, "", "", 0)
		if err != nil {
			t.Fatalf("CreateSession: %v", err)
		}
		created = append(created, s)
	}
	n, err := ledger.RevokeAll(ctx, reg.Tenant.ID, reg.User.ID, created[0].ID)
	if err != nil {
		t.Fatalf("RevokeAll: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 revoked, got %d", n)
	}
	active, err := ledger.ListActive(ctx, reg.Tenant.ID, reg.User.ID)
	if err != nil {
		t.Fatalf("ListActive: %v", err)
	}
	if len(active) != 1 || active[0].ID != created[0].ID {
		t.Fatalf("unexpected active sessions: %+v", active)
	}

	revoked, err := ledger.Revoke(ctx, reg.Tenant.ID, created[1].ID)
	if err != nil {
		t.Fatalf("Revoke of revoked session: %v", err)
	}
	if revoked.RevokedAt == nil || revoked.IsActive {
		t.Fatalf("revoked session state wrong: %+v", revoked)
	}
}

func TestSessionHistoryIsBounded(t *testing.T) {
	f := newFixture(t)
	reg := f.register(t, "Acme", "owner@acme.test")
	ctx := context.Background()

	var ids []string
	for i := 0; i < 12; i++ {
		s, err := f.auth.Sessions().CreateSession(ctx, reg.User, "", "", 0)
		if err != nil {
			t.Fatalf("CreateSession: %v", err)
		}
		ids = append(ids, s.ID)
		f.clock.Advance(time.Second)
	}
	u, err := f.auth.Credentials().Get(ctx, reg.Tenant.ID, reg.User.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(u.SessionHistory) != 10 {
		t.Fatalf("expected 10 summaries, got %d", len(u.SessionHistory))
	}
	if u.SessionHistory[0].ID != ids[2] || u.SessionHistory[9].ID != ids[11] {
		t.Fatalf("oldest summaries should be evicted first")
	}
}

func TestCrossTenantSessionIsNotFound(t *testing.T) {
	f := newFixture(t)
	acme := f.register(t, "Acme", "owner@acme.test")
	globex := f.register(t, "Globex", "owner@globex.test")
	ctx := context.Background()

	s, err := f.auth.Sessions().CreateSession(ctx, acme.User, "", "", 0)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if _, err := f.auth.Sessions().Validate(ctx, globex.Tenant.ID, s.ID); !errors.Is(err, auth.ErrInvalidToken) {
		t.Fatalf("expected rejection across tenants, got %v", err)
	}
	if _, err := f.auth.Sessions().Revoke(ctx, globex.Tenant.ID, s.ID); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expected ErrNotFound across tenants, got %v", err)
	}
}

func TestLoginFromNewAddressAfterFailuresIsSuspicious(t *testing.T) {
	f := newFixture(t)
	reg := f.register(t, "Acme", "owner@acme.test")

	if _, err := f.login(t, reg.Tenant.ID, "owner@acme.test", strongPassword); err != nil {
		t.Fatalf("login: %v", err)
	}
	for i := 0; i < 3; i++ {
		_, _ = f.login(t, reg.Tenant.ID, "owner@acme.test", "Wrong-Password-1")
	}
	res, err := f.auth.Login(context.Background(), auth.LoginRequest{
		TenantID:  reg.Tenant.ID,
		Email:     "owner@acme.test",
		Password:  strongPassword,
		IPAddress: "192.0.2.99",
	})
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	// new_ip 30 + three recent failures 30
	if res.RiskScore != 60 {
		t.Fatalf("expected risk 60, got %d", res.RiskScore)
	}
	if !res.Session.IsSuspicious {
		t.Fatalf("session should be flagged suspicious")
	}
}

func TestReapDeletesExpiredRows(t *testing.T) {
	f := newFixture(t)
	reg := f.register(t, "Acme", "owner@acme.test")
	ctx := context.Background()
	ledger := f.auth.Sessions()

	if _, err := ledger.CreateSession(ctx, reg.User, "", "", time.Minute); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if _, err := ledger.CreateSession(ctx, reg.User, "", "", 48*time.Hour); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if _, _, err := ledger.IssueResetToken(ctx, reg.User, "", ""); err != nil {
		t.Fatalf("IssueResetToken: %v", err)
	}

	f.clock.Advance(2 * time.Hour)
	sessions, tokens, err := ledger.Reap(ctx, f.clock.Now())
	if err != nil {
		t.Fatalf("Reap: %v", err)
	}
	if sessions != 1 || tokens != 1 {
		t.Fatalf("expected 1 session and 1 token reaped, got %d and %d", sessions, tokens)
	}
}
