package memory

import (
	"maps"
	"slices"
	"time"

	"tenantry.org/internal/auth"
)

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func cloneTenant(t auth.Tenant) auth.Tenant {
	t.Features = maps.Clone(t.Features)
	t.Settings = maps.Clone(t.Settings)
	t.AllowedIPRanges = slices.Clone(t.AllowedIPRanges)
	t.SubscriptionExpiresAt = cloneTime(t.SubscriptionExpiresAt)
	return t
}

func cloneUser(u auth.User) auth.User {
	u.PasswordHistory = slices.Clone(u.PasswordHistory)
	u.BackupCodes = slices.Clone(u.BackupCodes)
	u.SessionHistory = slices.Clone(u.SessionHistory)
	u.Metadata = maps.Clone(u.Metadata)
	u.LockedUntil = cloneTime(u.LockedUntil)
	u.APIKeyCreatedAt = cloneTime(u.APIKeyCreatedAt)
	u.PasswordChangedAt = cloneTime(u.PasswordChangedAt)
	u.PasswordExpiresAt = cloneTime(u.PasswordExpiresAt)
	u.LastLoginAt = cloneTime(u.LastLoginAt)
	u.DeletedAt = cloneTime(u.DeletedAt)
	return u
}

func cloneRole(r auth.Role) auth.Role {
	r.PermissionIDs = slices.Clone(r.PermissionIDs)
	r.Metadata = maps.Clone(r.Metadata)
	return r
}

func cloneAssignment(ur auth.UserRole) auth.UserRole {
	ur.ValidUntil = cloneTime(ur.ValidUntil)
	return ur
}

func cloneSession(s auth.Session) auth.Session {
	s.RevokedAt = cloneTime(s.RevokedAt)
	return s
}
