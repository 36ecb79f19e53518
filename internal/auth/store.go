package auth

import (
	"context"
	"time"
)

// Store describes persistence operations required by the identity core.
// Every lookup except the global permission catalog is scoped by tenant id; a row owned by
// another tenant is reported as ErrNotFound.
type Store interface {
	Tenants(ctx context.Context) TenantStore
	Users(ctx context.Context) UserStore
	Roles(ctx context.Context) RoleStore
	Sessions(ctx context.Context) SessionStore
	LoginHistory(ctx context.Context) LoginHistoryStore
	ResetTokens(ctx context.Context) ResetTokenStore
}

// TenantStore manages tenants and invites.
type TenantStore interface {
	Create(ctx context.Context, t Tenant) (Tenant, error)
	Get(ctx context.Context, id string) (Tenant, error)
	GetBySlug(ctx context.Context, slug string) (Tenant, error)
	// SetActive flips the soft-disable flag.
	SetActive(ctx context.Context, id string, active bool, at time.Time) (Tenant, error)
	// Delete removes a tenant outright. It only backs out a signup whose first user
	// could not be created.
	Delete(ctx context.Context, id string) error
	CountActiveUsers(ctx context.Context, tenantID string) (int, error)
	CreateInvite(ctx context.Context, inv TenantInvite) (TenantInvite, error)
	// RedeemInvite marks an unused, unexpired invite as used. Fails with ErrInvalidToken
	// when no such invite exists; at most one concurrent caller succeeds.
	RedeemInvite(ctx context.Context, code string, at time.Time) (TenantInvite, error)
}

// UserMutation edits a user in place while the store holds the row lock.
type UserMutation func(u *User) error

// UserStore manages users. Soft-deleted users are invisible to Get and Find*.
type UserStore interface {
	Create(ctx context.Context, u User) (User, error)
	Get(ctx context.Context, tenantID, id string) (User, error)
	FindByEmail(ctx context.Context, tenantID, email string) (User, error)
	FindByAPIKey(ctx context.Context, tenantID, keyHash string) (User, error)
	// List returns the tenant's live users matching filter, ordered by email.
	List(ctx context.Context, tenantID string, filter UserFilter) ([]User, error)
	// Update performs an atomic read-modify-write of one user row.
	Update(ctx context.Context, tenantID, id string, fn UserMutation) (User, error)
}

// RoleStore manages roles, the permission catalog and role assignments.
type RoleStore interface {
	CreateRole(ctx context.Context, r Role) (Role, error)
	UpdateRole(ctx context.Context, tenantID, id string, fn func(r *Role) error) (Role, error)
	GetRole(ctx context.Context, tenantID, id string) (Role, error)
	FindRoleByName(ctx context.Context, tenantID, name string) (Role, error)
	// ListRoles returns every role of the tenant with its permission ids in one batch.
	ListRoles(ctx context.Context, tenantID string) ([]Role, error)

	CreatePermission(ctx context.Context, p Permission) (Permission, error)
	ListPermissions(ctx context.Context) ([]Permission, error)

	// CreateAssignment fails with ErrAlreadyAssigned when the (user, role, organization,
	// team) tuple already exists.
	CreateAssignment(ctx context.Context, ur UserRole) (UserRole, error)
	ListAssignments(ctx context.Context, tenantID, userID string) ([]UserRole, error)
	DeleteAssignments(ctx context.Context, tenantID, userID, roleID string) (int, error)
}

// SessionStore manages user sessions.
type SessionStore interface {
	Create(ctx context.Context, s Session) (Session, error)
	Get(ctx context.Context, tenantID, id string) (Session, error)
	Update(ctx context.Context, tenantID, id string, fn func(s *Session) error) (Session, error)
	// RevokeAll deactivates every active session of the user except exceptID in one
	// atomic step and returns how many were revoked.
	RevokeAll(ctx context.Context, tenantID, userID, exceptID string, at time.Time) (int, error)
	ListByUser(ctx context.Context, tenantID, userID string) ([]Session, error)
	DeleteExpired(ctx context.Context, before time.Time) (int, error)
}

// LoginHistoryStore appends login attempts. Rows are never updated.
type LoginHistoryStore interface {
	Append(ctx context.Context, h LoginHistory) (LoginHistory, error)
	// Recent returns up to limit attempts for email, newest first.
	Recent(ctx context.Context, tenantID, email string, limit int) ([]LoginHistory, error)
}

// PasswordChange describes a new password to be stored together with its bookkeeping.
type PasswordChange struct {
	Hash         string
	ChangedAt    time.Time
	ExpiresAt    *time.Time
	HistoryLimit int
}

// Apply moves the current hash into history and installs the new one.
func (c PasswordChange) Apply(u *User) {
	if u.PasswordHash != "" && c.HistoryLimit > 0 {
		history := append([]string{u.PasswordHash}, u.PasswordHistory...)
		if len(history) > c.HistoryLimit {
			history = history[:c.HistoryLimit]
		}
		u.PasswordHistory = history
	}
	u.PasswordHash = c.Hash
	changed := c.ChangedAt
	u.PasswordChangedAt = &changed
	u.PasswordExpiresAt = c.ExpiresAt
	u.MustChangePassword = false
}

// ResetTokenStore manages password reset tokens.
type ResetTokenStore interface {
	// Issue revokes every unused token of the user and stores t, atomically. Concurrent
	// issues for one user are serialized so at most one token stays live.
	Issue(ctx context.Context, t PasswordResetToken) (PasswordResetToken, error)
	Find(ctx context.Context, tenantID, tokenHash string) (PasswordResetToken, error)
	// Consume flips is_used on a valid token and applies change to its user in one
	// transaction. Fails with ErrInvalidToken when the token is unknown, used, revoked or
	// expired at the given time.
	Consume(ctx context.Context, tenantID, tokenHash string, at time.Time, change PasswordChange) (User, error)
	DeleteExpired(ctx context.Context, before time.Time) (int, error)
}
