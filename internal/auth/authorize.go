package auth

import (
	"context"
	"fmt"
)

// Principal is the authenticated caller of a request.
type Principal struct {
	TenantID      string     `json:"tenant_id"`
	UserID        string     `json:"user_id"`
	SessionID     string     `json:"session_id,omitempty"`
	Email         string     `json:"email"`
	IsTenantAdmin bool       `json:"is_tenant_admin"`
	Method        AuthMethod `json:"auth_method"`
}

// Require fails with ErrUnauthorized unless the principal holds resource:action with a
// permission scope at least as broad as breadth, evaluated within scope.
func (e *RBACEngine) Require(ctx context.Context, p Principal, resource, action string, breadth PermissionScope, scope Scope) error {
	perms, err := e.EffectivePermissions(ctx, p.TenantID, p.UserID, scope)
	if err != nil {
		return err
	}
	for _, perm := range perms {
		if perm.Resource == resource && perm.Action == action && perm.Scope.Covers(breadth) {
			return nil
		}
	}
	return fmt.Errorf("%w: %s:%s:%s", ErrUnauthorized, resource, action, breadth)
}

type ctxKey int

const (
	principalKey ctxKey = iota
	bearerKey
)

// WithPrincipal attaches the authenticated caller to ctx.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// PrincipalFrom returns the caller attached by WithPrincipal.
func PrincipalFrom(ctx context.Context) (Principal, bool) {
	if ctx == nil {
		return Principal{}, false
	}
	p, ok := ctx.Value(principalKey).(Principal)
	if !ok || p.UserID == "" {
		return Principal{}, false
	}
	return p, true
}

// WithBearer keeps the raw access token so handlers can log out the current session.
func WithBearer(ctx context.Context, token string) context.Context {
	if token == "" {
		return ctx
	}
	return context.WithValue(ctx, bearerKey, token)
}

// BearerFrom returns the token stored by WithBearer.
func BearerFrom(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	v, ok := ctx.Value(bearerKey).(string)
	return v, ok && v != ""
}
