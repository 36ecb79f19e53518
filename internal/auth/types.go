package auth

import (
	"strings"
	"time"
)

// SubscriptionTier is the billing plan of a tenant.
type SubscriptionTier string

const (
	TierFree         SubscriptionTier = "free"
	TierStarter      SubscriptionTier = "starter"
	TierProfessional SubscriptionTier = "professional"
	TierEnterprise   SubscriptionTier = "enterprise"
)

// SubscriptionStatus is maintained by billing; this service only reads it.
type SubscriptionStatus string

const (
	SubscriptionActive    SubscriptionStatus = "active"
	SubscriptionSuspended SubscriptionStatus = "suspended"
	SubscriptionCancelled SubscriptionStatus = "cancelled"
	SubscriptionExpired   SubscriptionStatus = "expired"
)

// Tenant is an isolated customer organization. Users, roles and sessions belong to exactly one.
type Tenant struct {
	ID                    string             `json:"id"`
	Name                  string             `json:"name"`
	Slug                  string             `json:"slug"`
	CompanyName           string             `json:"company_name"`
	CompanyEmail          string             `json:"company_email"`
	SubscriptionTier      SubscriptionTier   `json:"subscription_tier"`
	SubscriptionStatus    SubscriptionStatus `json:"subscription_status"`
	SubscriptionExpiresAt *time.Time         `json:"subscription_expires_at,omitempty"`
	MaxUsers              int                `json:"max_users"`
	MaxStorageGB          int                `json:"max_storage_gb"`
	MaxAPICallsPerMonth   int                `json:"max_api_calls_per_month"`
	Features              map[string]any     `json:"features"`
	Settings              map[string]any     `json:"settings"`
	IsActive              bool               `json:"is_active"`
	IsVerified            bool               `json:"is_verified"`
	Requires2FA           bool               `json:"requires_2fa"`
	AllowedIPRanges       []string           `json:"allowed_ip_ranges"`
	CreatedBy             string             `json:"created_by,omitempty"`
	CreatedAt             time.Time          `json:"created_at"`
	UpdatedAt             time.Time          `json:"updated_at"`
}

// TenantInvite lets a new user join an existing tenant. Redeemable once.
type TenantInvite struct {
	Code      string     `json:"code"`
	TenantID  string     `json:"tenant_id"`
	CreatedBy string     `json:"created_by"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt time.Time  `json:"expires_at"`
	IsUsed    bool       `json:"is_used"`
	UsedAt    *time.Time `json:"used_at,omitempty"`
}

// SessionSummary is the compact record kept on the user for the most recent sessions.
type SessionSummary struct {
	ID        string    `json:"id"`
	IPAddress string    `json:"ip_address"`
	UserAgent string    `json:"user_agent"`
	CreatedAt time.Time `json:"created_at"`
}

// User is a tenant-scoped identity. Secrets never leave the process in JSON.
type User struct {
	ID                 string           `json:"id"`
	TenantID           string           `json:"tenant_id"`
	Email              string           `json:"email"`
	Username           string           `json:"username"`
	FirstName          string           `json:"first_name"`
	LastName           string           `json:"last_name"`
	PasswordHash       string           `json:"-"`
	PasswordHistory    []string         `json:"-"`
	FailedLogins       int              `json:"failed_login_attempts"`
	LockedUntil        *time.Time       `json:"locked_until,omitempty"`
	MFAEnabled         bool             `json:"mfa_enabled"`
	MFASecret          string           `json:"-"`
	MFALastStep        int64            `json:"-"`
	BackupCodes        []string         `json:"-"`
	APIKeyHash         string           `json:"-"`
	APIKeyCreatedAt    *time.Time       `json:"api_key_created_at,omitempty"`
	APIRateLimit       int              `json:"api_rate_limit"`
	PasswordChangedAt  *time.Time       `json:"password_changed_at,omitempty"`
	PasswordExpiresAt  *time.Time       `json:"password_expires_at,omitempty"`
	MustChangePassword bool             `json:"must_change_password"`
	SessionHistory     []SessionSummary `json:"active_sessions"`
	IsActive           bool             `json:"is_active"`
	IsVerified         bool             `json:"is_verified"`
	IsTenantAdmin      bool             `json:"is_tenant_admin"`
	LastLoginAt        *time.Time       `json:"last_login_at,omitempty"`
	LastLoginIP        string           `json:"last_login_ip,omitempty"`
	LastLoginUserAgent string           `json:"last_login_user_agent,omitempty"`
	Metadata           map[string]any   `json:"metadata"`
	CreatedAt          time.Time        `json:"created_at"`
	UpdatedAt          time.Time        `json:"updated_at"`
	DeletedAt          *time.Time       `json:"deleted_at,omitempty"`
}

// UserFilter narrows a user listing. Nil flags match both values; Search matches a
// substring of email, username or name, case-insensitively.
type UserFilter struct {
	IsActive      *bool
	IsVerified    *bool
	IsTenantAdmin *bool
	Search        string
}

// Matches reports whether u passes every set criterion of f.
func (f UserFilter) Matches(u User) bool {
	if f.IsActive != nil && u.IsActive != *f.IsActive {
		return false
	}
	if f.IsVerified != nil && u.IsVerified != *f.IsVerified {
		return false
	}
	if f.IsTenantAdmin != nil && u.IsTenantAdmin != *f.IsTenantAdmin {
		return false
	}
	if q := strings.ToLower(strings.TrimSpace(f.Search)); q != "" {
		hay := strings.ToLower(u.Email + " " + u.Username + " " + u.FirstName + " " + u.LastName)
		return strings.Contains(hay, q)
	}
	return true
}

// UserStats summarises a tenant's users.
type UserStats struct {
	Total    int `json:"total_users"`
	Active   int `json:"active_users"`
	Verified int `json:"verified_users"`
	Admins   int `json:"admin_users"`
}

// IsLocked reports whether the lockout window is still open at now.
func (u User) IsLocked(now time.Time) bool {
	return u.LockedUntil != nil && u.LockedUntil.After(now)
}

// HasAPIKey reports whether an API key is currently issued.
func (u User) HasAPIKey() bool {
	return u.APIKeyHash != "" && u.APIKeyCreatedAt != nil
}

// pushSession appends s and keeps at most limit entries, evicting the oldest.
func (u *User) pushSession(s SessionSummary, limit int) {
	u.SessionHistory = append(u.SessionHistory, s)
	if over := len(u.SessionHistory) - limit; over > 0 {
		u.SessionHistory = append([]SessionSummary(nil), u.SessionHistory[over:]...)
	}
}

// RoleType distinguishes seeded roles from tenant-defined ones.
type RoleType string

const (
	RoleSystem RoleType = "system"
	RoleCustom RoleType = "custom"
)

// Role groups permissions. ParentID links to a single parent role in the same tenant.
type Role struct {
	ID            string         `json:"id"`
	TenantID      string         `json:"tenant_id"`
	Name          string         `json:"name"`
	DisplayName   string         `json:"display_name"`
	Description   string         `json:"description"`
	Type          RoleType       `json:"role_type"`
	ParentID      string         `json:"parent_role_id,omitempty"`
	PermissionIDs []string       `json:"permission_ids"`
	IsActive      bool           `json:"is_active"`
	IsDefault     bool           `json:"is_default"`
	Metadata      map[string]any `json:"metadata"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// PermissionScope is the breadth a permission applies to.
type PermissionScope string

const (
	ScopeGlobal       PermissionScope = "global"
	ScopeTenant       PermissionScope = "tenant"
	ScopeOrganization PermissionScope = "organization"
	ScopeTeam         PermissionScope = "team"
	ScopeSelf         PermissionScope = "self"
)

// Valid reports whether s is one of the known scopes.
func (s PermissionScope) Valid() bool {
	switch s {
	case ScopeGlobal, ScopeTenant, ScopeOrganization, ScopeTeam, ScopeSelf:
		return true
	}
	return false
}

var scopeRank = map[PermissionScope]int{
	ScopeSelf:         1,
	ScopeTeam:         2,
	ScopeOrganization: 3,
	ScopeTenant:       4,
	ScopeGlobal:       5,
}

// Covers reports whether a grant of scope s reaches as far as other.
func (s PermissionScope) Covers(other PermissionScope) bool {
	rs, ok := scopeRank[s]
	return ok && rs >= scopeRank[other]
}

// Permission is a catalog entry identified by (resource, action, scope).
type Permission struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	DisplayName string          `json:"display_name"`
	Description string          `json:"description"`
	Resource    string          `json:"resource"`
	Action      string          `json:"action"`
	Scope       PermissionScope `json:"scope"`
	IsActive    bool            `json:"is_active"`
	CreatedAt   time.Time       `json:"created_at"`
}

// Key is the composite identity of the permission.
func (p Permission) Key() string {
	return p.Resource + ":" + p.Action + ":" + string(p.Scope)
}

// Scope narrows a permission query or a role assignment to an organization and/or team.
// Empty fields mean unscoped.
type Scope struct {
	OrganizationID string `json:"organization_id,omitempty"`
	TeamID         string `json:"team_id,omitempty"`
}

func (s Scope) normalized() Scope {
	return Scope{
		OrganizationID: strings.TrimSpace(s.OrganizationID),
		TeamID:         strings.TrimSpace(s.TeamID),
	}
}

// UserRole assigns a role to a user for a time window and optional scope.
type UserRole struct {
	ID             string     `json:"id"`
	TenantID       string     `json:"tenant_id"`
	UserID         string     `json:"user_id"`
	RoleID         string     `json:"role_id"`
	ValidFrom      time.Time  `json:"valid_from"`
	ValidUntil     *time.Time `json:"valid_until,omitempty"`
	AssignedBy     string     `json:"assigned_by,omitempty"`
	Reason         string     `json:"assignment_reason,omitempty"`
	OrganizationID string     `json:"organization_id,omitempty"`
	TeamID         string     `json:"team_id,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// IsValid is evaluated against now on every call; validity is never cached.
func (ur UserRole) IsValid(now time.Time) bool {
	if now.Before(ur.ValidFrom) {
		return false
	}
	return ur.ValidUntil == nil || now.Before(*ur.ValidUntil)
}

// Matches reports whether the assignment applies in the requested scope.
// Each dimension matches when the assignment is unscoped on it or names the same id.
func (ur UserRole) Matches(scope Scope) bool {
	if ur.OrganizationID != "" && ur.OrganizationID != scope.OrganizationID {
		return false
	}
	if ur.TeamID != "" && ur.TeamID != scope.TeamID {
		return false
	}
	return true
}

// Session is one authenticated login. RefreshHash holds the sha256 of the refresh secret.
type Session struct {
	ID                string     `json:"id"`
	TenantID          string     `json:"tenant_id"`
	UserID            string     `json:"user_id"`
	SessionKey        string     `json:"-"`
	JWTID             string     `json:"jwt_token_id,omitempty"`
	RefreshHash       string     `json:"-"`
	IPAddress         string     `json:"ip_address"`
	UserAgent         string     `json:"user_agent"`
	DeviceFingerprint string     `json:"device_fingerprint,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	LastActivity      time.Time  `json:"last_activity"`
	ExpiresAt         time.Time  `json:"expires_at"`
	RevokedAt         *time.Time `json:"revoked_at,omitempty"`
	IsActive          bool       `json:"is_active"`
	IsSuspicious      bool       `json:"is_suspicious"`
}

// IsValid reports whether the session may still authorize requests at now.
func (s Session) IsValid(now time.Time) bool {
	return s.IsActive && s.RevokedAt == nil && s.ExpiresAt.After(now)
}

// AuthMethod is how an attempt authenticated.
type AuthMethod string

const (
	MethodPassword AuthMethod = "password"
	MethodSSO      AuthMethod = "sso"
	MethodAPIKey   AuthMethod = "api_key"
	MethodOAuth    AuthMethod = "oauth"
	MethodSAML     AuthMethod = "saml"
)

// Failure reasons recorded in login history.
const (
	ReasonAccountLocked      = "account_locked"
	ReasonInvalidCredentials = "invalid_credentials"
	ReasonInactiveAccount    = "inactive_account"
	ReasonUnknownUser        = "unknown_user"
	ReasonMFARequired        = "mfa_required"
	ReasonInvalidMFACode     = "invalid_mfa_code"
)

// LoginHistory is an append-only record of one authentication attempt.
type LoginHistory struct {
	ID            string     `json:"id"`
	TenantID      string     `json:"tenant_id"`
	UserID        string     `json:"user_id,omitempty"`
	Email         string     `json:"email"`
	Success       bool       `json:"success"`
	FailureReason string     `json:"failure_reason,omitempty"`
	AuthMethod    AuthMethod `json:"auth_method"`
	IPAddress     string     `json:"ip_address"`
	UserAgent     string     `json:"user_agent"`
	AttemptedAt   time.Time  `json:"attempted_at"`
	RiskScore     int        `json:"risk_score"`
	RiskFactors   []string   `json:"risk_factors"`
}

// PasswordResetToken is a single-use, time-boxed reset secret. Only its hash is stored.
type PasswordResetToken struct {
	ID        string     `json:"id"`
	TenantID  string     `json:"tenant_id"`
	UserID    string     `json:"user_id"`
	TokenHash string     `json:"-"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt time.Time  `json:"expires_at"`
	UsedAt    *time.Time `json:"used_at,omitempty"`
	IPAddress string     `json:"ip_address"`
	UserAgent string     `json:"user_agent"`
	IsUsed    bool       `json:"is_used"`
	IsRevoked bool       `json:"is_revoked"`
}

// IsValid reports whether the token can still be consumed at now.
func (t PasswordResetToken) IsValid(now time.Time) bool {
	return !t.IsUsed && !t.IsRevoked && t.ExpiresAt.After(now)
}
