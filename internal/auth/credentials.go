package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"tenantry.org/internal/ids"
	"tenantry.org/internal/obs"
)

// NewUser carries the fields accepted when a user is created.
type NewUser struct {
	Email              string
	Username           string
	Password           string
	FirstName          string
	LastName           string
	IsTenantAdmin      bool
	MustChangePassword bool
	APIRateLimit       int
	Metadata           map[string]any
}

// ProfileUpdate changes non-credential user attributes. Nil fields are left untouched.
type ProfileUpdate struct {
	FirstName *string
	LastName  *string
	Metadata  map[string]any
}

// UserUpdate is an administrator's change to another user. Role-like flags sit next
// to the profile fields; nil leaves a field untouched.
type UserUpdate struct {
	ProfileUpdate
	IsVerified    *bool
	IsTenantAdmin *bool
	APIRateLimit  *int
}

// Fields names the attributes the update sets, for the activity trail.
func (upd UserUpdate) Fields() []string {
	var out []string
	for _, f := range []struct {
		name string
		set  bool
	}{
		{"first_name", upd.FirstName != nil},
		{"last_name", upd.LastName != nil},
		{"metadata", upd.Metadata != nil},
		{"is_verified", upd.IsVerified != nil},
		{"is_tenant_admin", upd.IsTenantAdmin != nil},
		{"api_rate_limit", upd.APIRateLimit != nil},
	} {
		if f.set {
			out = append(out, f.name)
		}
	}
	return out
}

// CredentialStore owns user identity, password hashes, lockout state and API keys.
type CredentialStore struct {
	store   Store
	tenants *TenantDirectory
	opts    options

	dummyOnce sync.Once
	dummyHash string
}

// NewCredentialStore constructs a CredentialStore.
func NewCredentialStore(store Store, tenants *TenantDirectory, opts ...Option) (*CredentialStore, error) {
	if store == nil || tenants == nil {
		return nil, fmt.Errorf("%w: store and tenant directory are required", ErrInvalidInput)
	}
	o, err := newOptions(opts)
	if err != nil {
		return nil, err
	}
	return &CredentialStore{store: store, tenants: tenants, opts: o}, nil
}

// CreateUser validates, hashes and stores a new user after the tenant quota check.
func (c *CredentialStore) CreateUser(ctx context.Context, tenantID string, in NewUser) (User, error) {
	email := normalizeEmail(in.Email)
	if email == "" || !strings.Contains(email, "@") {
		return User{}, fmt.Errorf("%w: a valid email is required", ErrInvalidInput)
	}
	username := strings.TrimSpace(in.Username)
	if username == "" {
		username = email
	}
	if err := c.opts.policy.Validate(in.Password); err != nil {
		return User{}, err
	}
	tenant, err := c.tenants.Get(ctx, tenantID)
	if err != nil {
		return User{}, err
	}
	if !tenant.IsActive {
		return User{}, fmt.Errorf("%w: tenant %s", ErrNotFound, tenantID)
	}
	if err := c.tenants.CheckUserQuota(ctx, tenant); err != nil {
		return User{}, err
	}
	hash, err := c.opts.hasher.Hash(in.Password)
	if err != nil {
		return User{}, fmt.Errorf("hash password: %w", err)
	}
	rateLimit := in.APIRateLimit
	if rateLimit <= 0 {
		rateLimit = defaultAPIRateLimit
	}
	now := c.opts.now()
	u := User{
		ID:                 ids.NewAt(now),
		TenantID:           tenant.ID,
		Email:              email,
		Username:           username,
		FirstName:          strings.TrimSpace(in.FirstName),
		LastName:           strings.TrimSpace(in.LastName),
		PasswordHash:       hash,
		PasswordChangedAt:  &now,
		PasswordExpiresAt:  c.passwordExpiry(now),
		MustChangePassword: in.MustChangePassword,
		APIRateLimit:       rateLimit,
		IsActive:           true,
		IsTenantAdmin:      in.IsTenantAdmin,
		Metadata:           copyMap(in.Metadata),
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	return c.store.Users(ctx).Create(ctx, u)
}

// Get returns a user of the tenant.
func (c *CredentialStore) Get(ctx context.Context, tenantID, userID string) (User, error) {
	if strings.TrimSpace(tenantID) == "" || strings.TrimSpace(userID) == "" {
		return User{}, fmt.Errorf("%w: tenant id and user id are required", ErrInvalidInput)
	}
	return c.store.Users(ctx).Get(ctx, tenantID, userID)
}

// FindByEmail resolves a user of the tenant by email.
func (c *CredentialStore) FindByEmail(ctx context.Context, tenantID, email string) (User, error) {
	return c.store.Users(ctx).FindByEmail(ctx, tenantID, normalizeEmail(email))
}

// VerifyPassword compares raw against the stored hash in constant time.
func (c *CredentialStore) VerifyPassword(u User, raw string) bool {
	if u.PasswordHash == "" {
		c.burnVerification(raw)
		return false
	}
	return c.opts.hasher.Verify(u.PasswordHash, raw)
}

// burnVerification spends the same work as a real verification so that unknown users
// take as long to reject as known ones.
func (c *CredentialStore) burnVerification(raw string) {
	c.dummyOnce.Do(func() {
		c.dummyHash, _ = c.opts.hasher.Hash("tenantry-timing-equalizer")
	})
	_ = c.opts.hasher.Verify(c.dummyHash, raw)
}

// RecordFailedLogin increments the failure counter and locks the account at the threshold.
// An expired lock is cleared first so a new window starts counting from zero.
func (c *CredentialStore) RecordFailedLogin(ctx context.Context, tenantID, userID string) (User, error) {
	var locked bool
	u, err := c.store.Users(ctx).Update(ctx, tenantID, userID, func(u *User) error {
		now := c.opts.now()
		if u.LockedUntil != nil && !u.LockedUntil.After(now) {
			u.LockedUntil = nil
			u.FailedLogins = 0
		}
		u.FailedLogins++
		if u.FailedLogins >= c.opts.lockoutThreshold && u.LockedUntil == nil {
			until := now.Add(c.opts.lockoutDuration)
			u.LockedUntil = &until
			locked = true
		}
		u.UpdatedAt = now
		return nil
	})
	if err != nil {
		return User{}, err
	}
	if locked {
		obs.AccountLockouts.Inc()
	}
	return u, nil
}

// RecordSuccessfulLogin resets the failure counter, clears the lock and stamps the login.
func (c *CredentialStore) RecordSuccessfulLogin(ctx context.Context, tenantID, userID, ip, userAgent string) (User, error) {
	return c.store.Users(ctx).Update(ctx, tenantID, userID, func(u *User) error {
		now := c.opts.now()
		u.FailedLogins = 0
		u.LockedUntil = nil
		u.LastLoginAt = &now
		u.LastLoginIP = ip
		u.LastLoginUserAgent = userAgent
		u.UpdatedAt = now
		return nil
	})
}

// Unlock clears the lockout without recording a login.
func (c *CredentialStore) Unlock(ctx context.Context, tenantID, userID string) (User, error) {
	return c.store.Users(ctx).Update(ctx, tenantID, userID, func(u *User) error {
		u.FailedLogins = 0
		u.LockedUntil = nil
		u.UpdatedAt = c.opts.now()
		return nil
	})
}

// SetPassword enforces the policy, rejects recently used passwords and stores a new hash.
func (c *CredentialStore) SetPassword(ctx context.Context, tenantID, userID, raw string) (User, error) {
	u, err := c.Get(ctx, tenantID, userID)
	if err != nil {
		return User{}, err
	}
	change, err := c.preparePasswordChange(u, raw)
	if err != nil {
		return User{}, err
	}
	return c.store.Users(ctx).Update(ctx, tenantID, userID, func(u *User) error {
		change.Apply(u)
		u.UpdatedAt = change.ChangedAt
		return nil
	})
}

// preparePasswordChange does the CPU-bound hashing before any row lock is taken.
func (c *CredentialStore) preparePasswordChange(u User, raw string) (PasswordChange, error) {
	if err := c.opts.policy.Validate(raw); err != nil {
		return PasswordChange{}, err
	}
	if c.wasUsedRecently(u, raw) {
		return PasswordChange{}, fmt.Errorf("%w: password was used recently", ErrWeakPassword)
	}
	hash, err := c.opts.hasher.Hash(raw)
	if err != nil {
		return PasswordChange{}, fmt.Errorf("hash password: %w", err)
	}
	now := c.opts.now()
	return PasswordChange{
		Hash:         hash,
		ChangedAt:    now,
		ExpiresAt:    c.passwordExpiry(now),
		HistoryLimit: c.opts.passwordHistory,
	}, nil
}

func (c *CredentialStore) wasUsedRecently(u User, raw string) bool {
	if u.PasswordHash != "" && c.opts.hasher.Verify(u.PasswordHash, raw) {
		return true
	}
	for _, old := range u.PasswordHistory {
		if c.opts.hasher.Verify(old, raw) {
			return true
		}
	}
	return false
}

// IssueAPIKey generates a new API key, replacing any existing one. The raw key is
// returned once; only its hash is stored.
func (c *CredentialStore) IssueAPIKey(ctx context.Context, tenantID, userID string) (string, User, error) {
	key, err := ids.Token(apiKeyBytes)
	if err != nil {
		return "", User{}, err
	}
	u, err := c.store.Users(ctx).Update(ctx, tenantID, userID, func(u *User) error {
		now := c.opts.now()
		u.APIKeyHash = hashSecret(key)
		u.APIKeyCreatedAt = &now
		u.UpdatedAt = now
		return nil
	})
	if err != nil {
		return "", User{}, err
	}
	return key, u, nil
}

// RevokeAPIKey clears the stored key and its issuance time.
func (c *CredentialStore) RevokeAPIKey(ctx context.Context, tenantID, userID string) (User, error) {
	return c.store.Users(ctx).Update(ctx, tenantID, userID, func(u *User) error {
		u.APIKeyHash = ""
		u.APIKeyCreatedAt = nil
		u.UpdatedAt = c.opts.now()
		return nil
	})
}

// AuthenticateAPIKey resolves the user holding key.
func (c *CredentialStore) AuthenticateAPIKey(ctx context.Context, tenantID, key string) (User, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return User{}, ErrInvalidCredentials
	}
	u, err := c.store.Users(ctx).FindByAPIKey(ctx, tenantID, hashSecret(key))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return User{}, ErrInvalidCredentials
		}
		return User{}, err
	}
	if !u.HasAPIKey() {
		return User{}, ErrInvalidCredentials
	}
	if u.IsLocked(c.opts.now()) {
		return User{}, ErrAccountLocked
	}
	if !u.IsActive {
		return User{}, ErrInactiveAccount
	}
	return u, nil
}

// SetActive activates or deactivates the user.
func (c *CredentialStore) SetActive(ctx context.Context, tenantID, userID string, active bool) (User, error) {
	return c.store.Users(ctx).Update(ctx, tenantID, userID, func(u *User) error {
		u.IsActive = active
		u.UpdatedAt = c.opts.now()
		return nil
	})
}

// MarkVerified records that the user confirmed their email address.
func (c *CredentialStore) MarkVerified(ctx context.Context, tenantID, userID string) (User, error) {
	return c.store.Users(ctx).Update(ctx, tenantID, userID, func(u *User) error {
		u.IsVerified = true
		u.UpdatedAt = c.opts.now()
		return nil
	})
}

// UpdateProfile applies non-credential attribute changes.
func (c *CredentialStore) UpdateProfile(ctx context.Context, tenantID, userID string, upd ProfileUpdate) (User, error) {
	return c.store.Users(ctx).Update(ctx, tenantID, userID, func(u *User) error {
		upd.apply(u)
		u.UpdatedAt = c.opts.now()
		return nil
	})
}

func (upd ProfileUpdate) apply(u *User) {
	if upd.FirstName != nil {
		u.FirstName = strings.TrimSpace(*upd.FirstName)
	}
	if upd.LastName != nil {
		u.LastName = strings.TrimSpace(*upd.LastName)
	}
	if upd.Metadata != nil {
		u.Metadata = copyMap(upd.Metadata)
	}
}

// UpdateUser applies an administrator's change to a user.
func (c *CredentialStore) UpdateUser(ctx context.Context, tenantID, userID string, upd UserUpdate) (User, error) {
	if upd.APIRateLimit != nil && *upd.APIRateLimit < 0 {
		return User{}, fmt.Errorf("%w: api_rate_limit must not be negative", ErrInvalidInput)
	}
	return c.store.Users(ctx).Update(ctx, tenantID, userID, func(u *User) error {
		upd.ProfileUpdate.apply(u)
		if upd.IsVerified != nil {
			u.IsVerified = *upd.IsVerified
		}
		if upd.IsTenantAdmin != nil {
			u.IsTenantAdmin = *upd.IsTenantAdmin
		}
		if upd.APIRateLimit != nil {
			u.APIRateLimit = *upd.APIRateLimit
		}
		u.UpdatedAt = c.opts.now()
		return nil
	})
}

// List returns the tenant's users matching filter together with counts over them.
func (c *CredentialStore) List(ctx context.Context, tenantID string, filter UserFilter) ([]User, UserStats, error) {
	users, err := c.store.Users(ctx).List(ctx, tenantID, filter)
	if err != nil {
		return nil, UserStats{}, fmt.Errorf("list users: %w", err)
	}
	stats := UserStats{Total: len(users)}
	for _, u := range users {
		if u.IsActive {
			stats.Active++
		}
		if u.IsVerified {
			stats.Verified++
		}
		if u.IsTenantAdmin {
			stats.Admins++
		}
	}
	return users, stats, nil
}

// SoftDelete flags the user as deleted, deactivates it and drops its API key.
// The row is kept so the identity stays reserved.
func (c *CredentialStore) SoftDelete(ctx context.Context, tenantID, userID string) (User, error) {
	return c.store.Users(ctx).Update(ctx, tenantID, userID, func(u *User) error {
		now := c.opts.now()
		u.DeletedAt = &now
		u.IsActive = false
		u.APIKeyHash = ""
		u.APIKeyCreatedAt = nil
		u.UpdatedAt = now
		return nil
	})
}

func (c *CredentialStore) passwordExpiry(now time.Time) *time.Time {
	if c.opts.passwordMaxAge <= 0 {
		return nil
	}
	exp := now.Add(c.opts.passwordMaxAge)
	return &exp
}

func hashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}
