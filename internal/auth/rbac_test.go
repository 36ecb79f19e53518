package auth_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"tenantry.org/internal/auth"
)

type rbacFixture struct {
	*fixture
	tenantID string
	userID   string
	engine   *auth.RBACEngine
}

func newRBACFixture(t *testing.T) rbacFixture {
	t.Helper()
	f := newFixture(t)
	reg := f.register(t, "Acme", "owner@acme.test")
	admin := auth.Principal{TenantID: reg.Tenant.ID, UserID: reg.User.ID}
	u, err := f.auth.CreateUser(context.Background(), admin, auth.NewUser{Email: "dev@acme.test", Password: strongPassword})
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	// Start from a user without the default member role.
	roles, err := f.auth.RBAC().UserRoles(context.Background(), reg.Tenant.ID, u.ID)
	if err != nil {
		t.Fatalf("UserRoles: %v", err)
	}
	for _, ur := range roles {
		if err := f.auth.RBAC().RemoveRole(context.Background(), reg.Tenant.ID, u.ID, ur.RoleID); err != nil {
			t.Fatalf("RemoveRole: %v", err)
		}
	}
	return rbacFixture{fixture: f, tenantID: reg.Tenant.ID, userID: u.ID, engine: f.auth.RBAC()}
}

func (f rbacFixture) role(t *testing.T, name string, perms ...string) auth.Role {
	t.Helper()
	r, err := f.engine.CreateRole(context.Background(), f.tenantID, auth.NewRole{Name: name, PermissionIDs: perms})
	if err != nil {
		t.Fatalf("CreateRole(%s): %v", name, err)
	}
	return r
}

func (f rbacFixture) keys(t *testing.T, scope auth.Scope) map[string]bool {
	t.Helper()
	perms, err := f.engine.EffectivePermissions(context.Background(), f.tenantID, f.userID, scope)
	if err != nil {
		t.Fatalf("EffectivePermissions: %v", err)
	}
	out := make(map[string]bool, len(perms))
	for _, p := range perms {
		out[p.ID] = true
	}
	return out
}

func TestEffectivePermissionsFollowParentChain(t *testing.T) {
	f := newRBACFixture(t)
	ctx := context.Background()
	base := f.role(t, "viewer", "users.read.tenant")
	mid := f.role(t, "editor", "users.update.tenant")
	top := f.role(t, "lead", "roles.assign.tenant")

	if _, err := f.engine.SetParent(ctx, f.tenantID, mid.ID, base.ID); err != nil {
		t.Fatalf("SetParent: %v", err)
	}
	if _, err := f.engine.SetParent(ctx, f.tenantID, top.ID, mid.ID); err != nil {
		t.Fatalf("SetParent: %v", err)
	}
	if _, err := f.engine.AssignRole(ctx, f.tenantID, f.userID, top.ID, "", "", auth.AssignOptions{}); err != nil {
		t.Fatalf("AssignRole: %v", err)
	}

	got := f.keys(t, auth.Scope{})
	for _, want := range []string{"users.read.tenant", "users.update.tenant", "roles.assign.tenant"} {
		if !got[want] {
			t.Fatalf("missing inherited permission %s in %v", want, got)
		}
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 permissions, got %v", got)
	}
}

func TestEffectivePermissionsTerminateOnCycle(t *testing.T) {
	f := newRBACFixture(t)
	ctx := context.Background()
	a := f.role(t, "a", "users.read.tenant")
	b := f.role(t, "b", "roles.read.tenant")
	if _, err := f.engine.SetParent(ctx, f.tenantID, a.ID, b.ID); err != nil {
		t.Fatalf("SetParent: %v", err)
	}
	if _, err := f.engine.SetParent(ctx, f.tenantID, b.ID, a.ID); err != nil {
		t.Fatalf("SetParent: %v", err)
	}
	if _, err := f.engine.AssignRole(ctx, f.tenantID, f.userID, a.ID, "", "", auth.AssignOptions{}); err != nil {
		t.Fatalf("AssignRole: %v", err)
	}
	got := f.keys(t, auth.Scope{})
	if !got["users.read.tenant"] || !got["roles.read.tenant"] || len(got) != 2 {
		t.Fatalf("unexpected permissions under cycle: %v", got)
	}

	if _, err := f.engine.SetParent(ctx, f.tenantID, a.ID, a.ID); !errors.Is(err, auth.ErrInvalidInput) {
		t.Fatalf("expected self-parent rejection, got %v", err)
	}
}

func TestEffectivePermissionsHonourValidityWindow(t *testing.T) {
	f := newRBACFixture(t)
	ctx := context.Background()
	r := f.role(t, "temp", "audit.read.tenant")
	now := f.clock.Now()
	until := now.Add(time.Hour)
	_, err := f.engine.AssignRole(ctx, f.tenantID, f.userID, r.ID, "", "on call", auth.AssignOptions{
		ValidFrom:  now.Add(10 * time.Minute),
		ValidUntil: &until,
	})
	if err != nil {
		t.Fatalf("AssignRole: %v", err)
	}

	if got := f.keys(t, auth.Scope{}); len(got) != 0 {
		t.Fatalf("assignment not yet valid, got %v", got)
	}
	f.clock.Advance(15 * time.Minute)
	if got := f.keys(t, auth.Scope{}); !got["audit.read.tenant"] {
		t.Fatalf("assignment should be valid, got %v", got)
	}
	f.clock.Advance(time.Hour)
	if got := f.keys(t, auth.Scope{}); len(got) != 0 {
		t.Fatalf("assignment expired, got %v", got)
	}
}

func TestEffectivePermissionsRespectScope(t *testing.T) {
	f := newRBACFixture(t)
	ctx := context.Background()
	r := f.role(t, "team-lead", "teams.update.team")
	_, err := f.engine.AssignRole(ctx, f.tenantID, f.userID, r.ID, "", "", auth.AssignOptions{
		Scope: auth.Scope{OrganizationID: "org-1", TeamID: "team-1"},
	})
	if err != nil {
		t.Fatalf("AssignRole: %v", err)
	}

	cases := []struct {
		name  string
		scope auth.Scope
		want  bool
	}{
		{"exact scope", auth.Scope{OrganizationID: "org-1", TeamID: "team-1"}, true},
		{"other team", auth.Scope{OrganizationID: "org-1", TeamID: "team-2"}, false},
		{"other org", auth.Scope{OrganizationID: "org-2", TeamID: "team-1"}, false},
		{"unscoped query", auth.Scope{}, false},
	}
	for _, tc := range cases {
		ok, err := f.engine.CheckPermission(ctx, f.tenantID, f.userID, "teams", "update", tc.scope)
		if err != nil {
			t.Fatalf("%s: CheckPermission: %v", tc.name, err)
		}
		if ok != tc.want {
			t.Fatalf("%s: got %v, want %v", tc.name, ok, tc.want)
		}
	}
}

func TestInactiveRoleGrantsNothing(t *testing.T) {
	f := newRBACFixture(t)
	ctx := context.Background()
	parent := f.role(t, "parent", "users.read.tenant")
	child := f.role(t, "child", "roles.read.tenant")
	if _, err := f.engine.SetParent(ctx, f.tenantID, child.ID, parent.ID); err != nil {
		t.Fatalf("SetParent: %v", err)
	}
	if _, err := f.engine.AssignRole(ctx, f.tenantID, f.userID, child.ID, "", "", auth.AssignOptions{}); err != nil {
		t.Fatalf("AssignRole: %v", err)
	}
	if _, err := f.engine.SetRoleActive(ctx, f.tenantID, child.ID, false); err != nil {
		t.Fatalf("SetRoleActive: %v", err)
	}
	if got := f.keys(t, auth.Scope{}); len(got) != 0 {
		t.Fatalf("inactive role leaked permissions: %v", got)
	}
}

func TestAssignRoleTwiceFails(t *testing.T) {
	f := newRBACFixture(t)
	ctx := context.Background()
	r := f.role(t, "ops")
	if _, err := f.engine.AssignRole(ctx, f.tenantID, f.userID, r.ID, "", "", auth.AssignOptions{}); err != nil {
		t.Fatalf("AssignRole: %v", err)
	}
	_, err := f.engine.AssignRole(ctx, f.tenantID, f.userID, r.ID, "", "", auth.AssignOptions{})
	if !errors.Is(err, auth.ErrAlreadyAssigned) {
		t.Fatalf("expected ErrAlreadyAssigned, got %v", err)
	}
	// A different scope is a different assignment.
	_, err = f.engine.AssignRole(ctx, f.tenantID, f.userID, r.ID, "", "", auth.AssignOptions{Scope: auth.Scope{TeamID: "t"}})
	if err != nil {
		t.Fatalf("scoped AssignRole: %v", err)
	}

	if err := f.engine.RemoveRole(ctx, f.tenantID, f.userID, r.ID); err != nil {
		t.Fatalf("RemoveRole: %v", err)
	}
	if err := f.engine.RemoveRole(ctx, f.tenantID, f.userID, r.ID); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second remove, got %v", err)
	}
}

func TestRBACIsTenantScoped(t *testing.T) {
	f := newRBACFixture(t)
	ctx := context.Background()
	other := f.register(t, "Globex", "owner@globex.test")
	foreign := f.role(t, "local")

	_, err := f.engine.AssignRole(ctx, other.Tenant.ID, other.User.ID, foreign.ID, "", "", auth.AssignOptions{})
	if !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for a role of another tenant, got %v", err)
	}
	_, err = f.engine.EffectivePermissions(ctx, other.Tenant.ID, f.userID, auth.Scope{})
	if !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for a user of another tenant, got %v", err)
	}

	otherRoles, err := f.engine.ListRoles(ctx, other.Tenant.ID)
	if err != nil {
		t.Fatalf("ListRoles: %v", err)
	}
	_, err = f.engine.SetParent(ctx, f.tenantID, foreign.ID, otherRoles[0].ID)
	if !errors.Is(err, auth.ErrInvalidInput) {
		t.Fatalf("expected cross-tenant parent rejection, got %v", err)
	}
}

func TestRoleNamesAreUniquePerTenant(t *testing.T) {
	f := newRBACFixture(t)
	f.role(t, "auditor")
	_, err := f.engine.CreateRole(context.Background(), f.tenantID, auth.NewRole{Name: "Auditor"})
	if !errors.Is(err, auth.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	_, err = f.engine.CreateRole(context.Background(), f.tenantID, auth.NewRole{Name: "x", PermissionIDs: []string{"nope"}})
	if !errors.Is(err, auth.ErrInvalidInput) {
		t.Fatalf("expected unknown permission rejection, got %v", err)
	}
}

func TestPermissionsByResource(t *testing.T) {
	f := newRBACFixture(t)
	ctx := context.Background()
	r := f.role(t, "mixed", "users.read.tenant", "users.update.tenant", "roles.read.tenant")
	if _, err := f.engine.AssignRole(ctx, f.tenantID, f.userID, r.ID, "", "", auth.AssignOptions{}); err != nil {
		t.Fatalf("AssignRole: %v", err)
	}
	got, err := f.engine.PermissionsByResource(ctx, f.tenantID, f.userID, auth.Scope{})
	if err != nil {
		t.Fatalf("PermissionsByResource: %v", err)
	}
	if len(got["users"]) != 2 || len(got["roles"]) != 1 {
		t.Fatalf("unexpected grouping: %v", got)
	}
}

func TestRequireHonoursPermissionBreadth(t *testing.T) {
	f := newRBACFixture(t)
	ctx := context.Background()
	p := auth.Principal{TenantID: f.tenantID, UserID: f.userID}
	r := f.role(t, "self-service", "users.update.self")
	if _, err := f.engine.AssignRole(ctx, f.tenantID, f.userID, r.ID, "", "", auth.AssignOptions{}); err != nil {
		t.Fatalf("AssignRole: %v", err)
	}

	if err := f.engine.Require(ctx, p, "users", "update", auth.ScopeSelf, auth.Scope{}); err != nil {
		t.Fatalf("self grant should satisfy a self requirement: %v", err)
	}
	err := f.engine.Require(ctx, p, "users", "update", auth.ScopeTenant, auth.Scope{})
	if !errors.Is(err, auth.ErrUnauthorized) {
		t.Fatalf("self grant must not satisfy a tenant requirement, got %v", err)
	}
}
