package auth

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"tenantry.org/internal/ids"
)

const (
	defaultMaxUsers            = 10
	defaultMaxStorageGB        = 10
	defaultMaxAPICallsPerMonth = 10000
)

var slugPattern = regexp.MustCompile(`^[a-z0-9]+(?:-[a-z0-9]+)*$`)

// NewTenant carries the fields accepted when a tenant signs up.
type NewTenant struct {
	Name         string
	Slug         string
	CompanyName  string
	CompanyEmail string
	Tier         SubscriptionTier
	MaxUsers     int
	Features     map[string]any
	Settings     map[string]any
	Requires2FA  bool
	CreatedBy    string
}

// TenantDirectory answers tenant identity, quota and subscription questions.
type TenantDirectory struct {
	store Store
	opts  options
}

// NewTenantDirectory constructs a TenantDirectory.
func NewTenantDirectory(store Store, opts ...Option) (*TenantDirectory, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store is required", ErrInvalidInput)
	}
	o, err := newOptions(opts)
	if err != nil {
		return nil, err
	}
	return &TenantDirectory{store: store, opts: o}, nil
}

// Get returns the tenant or ErrNotFound.
func (d *TenantDirectory) Get(ctx context.Context, tenantID string) (Tenant, error) {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return Tenant{}, fmt.Errorf("%w: tenant id is required", ErrInvalidInput)
	}
	return d.store.Tenants(ctx).Get(ctx, tenantID)
}

// SetActive soft-enables or soft-disables a tenant. Credentials of a disabled tenant
// stop working on their next use.
func (d *TenantDirectory) SetActive(ctx context.Context, tenantID string, active bool) (Tenant, error) {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return Tenant{}, fmt.Errorf("%w: tenant id is required", ErrInvalidInput)
	}
	return d.store.Tenants(ctx).SetActive(ctx, tenantID, active, d.opts.now())
}

// requireActive fails with ErrInactiveAccount for a disabled tenant and with
// ErrInvalidToken for one that no longer exists.
func (d *TenantDirectory) requireActive(ctx context.Context, tenantID string) error {
	t, err := d.Get(ctx, tenantID)
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrInvalidInput):
		return ErrInvalidToken
	case err != nil:
		return err
	case !t.IsActive:
		return ErrInactiveAccount
	}
	return nil
}

// GetBySlug resolves a tenant by its public slug.
func (d *TenantDirectory) GetBySlug(ctx context.Context, slug string) (Tenant, error) {
	return d.store.Tenants(ctx).GetBySlug(ctx, normalizeSlug(slug))
}

// IsSubscriptionActive is true only for status active with no expiry or a future one.
func (d *TenantDirectory) IsSubscriptionActive(t Tenant) bool {
	if t.SubscriptionStatus != SubscriptionActive {
		return false
	}
	return t.SubscriptionExpiresAt == nil || t.SubscriptionExpiresAt.After(d.opts.now())
}

// CheckUserQuota fails with ErrQuotaExceeded once active users reach max_users.
// A non-positive max_users means unlimited.
func (d *TenantDirectory) CheckUserQuota(ctx context.Context, t Tenant) error {
	if t.MaxUsers <= 0 {
		return nil
	}
	count, err := d.store.Tenants(ctx).CountActiveUsers(ctx, t.ID)
	if err != nil {
		return fmt.Errorf("count active users: %w", err)
	}
	if count >= t.MaxUsers {
		return fmt.Errorf("%w: tenant %s allows %d active users", ErrQuotaExceeded, t.Slug, t.MaxUsers)
	}
	return nil
}

// Create registers a tenant with free-tier defaults.
func (d *TenantDirectory) Create(ctx context.Context, in NewTenant) (Tenant, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return Tenant{}, fmt.Errorf("%w: tenant name is required", ErrInvalidInput)
	}
	slug := normalizeSlug(in.Slug)
	if slug == "" {
		slug = normalizeSlug(name)
	}
	if !slugPattern.MatchString(slug) {
		return Tenant{}, fmt.Errorf("%w: slug %q is not valid", ErrInvalidInput, slug)
	}
	tier := in.Tier
	if tier == "" {
		tier = TierFree
	}
	maxUsers := in.MaxUsers
	if maxUsers == 0 {
		maxUsers = defaultMaxUsers
	}
	company := strings.TrimSpace(in.CompanyName)
	if company == "" {
		company = name
	}
	now := d.opts.now()
	t := Tenant{
		ID:                  ids.NewAt(now),
		Name:                name,
		Slug:                slug,
		CompanyName:         company,
		CompanyEmail:        normalizeEmail(in.CompanyEmail),
		SubscriptionTier:    tier,
		SubscriptionStatus:  SubscriptionActive,
		MaxUsers:            maxUsers,
		MaxStorageGB:        defaultMaxStorageGB,
		MaxAPICallsPerMonth: defaultMaxAPICallsPerMonth,
		Features:            copyMap(in.Features),
		Settings:            copyMap(in.Settings),
		IsActive:            true,
		Requires2FA:         in.Requires2FA,
		CreatedBy:           in.CreatedBy,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	return d.store.Tenants(ctx).Create(ctx, t)
}

// Feature returns the tenant feature flag value or def.
func (d *TenantDirectory) Feature(t Tenant, name string, def bool) bool {
	if v, ok := t.Features[name].(bool); ok {
		return v
	}
	return def
}

// Setting returns a tenant setting or def.
func (d *TenantDirectory) Setting(t Tenant, name string, def any) any {
	if v, ok := t.Settings[name]; ok {
		return v
	}
	return def
}

// CreateInvite issues a join code for the tenant.
func (d *TenantDirectory) CreateInvite(ctx context.Context, tenantID, createdBy string, ttl time.Duration) (TenantInvite, error) {
	if _, err := d.Get(ctx, tenantID); err != nil {
		return TenantInvite{}, err
	}
	if ttl <= 0 {
		ttl = defaultInviteTTL
	}
	code, err := ids.Token(inviteCodeBytes)
	if err != nil {
		return TenantInvite{}, err
	}
	now := d.opts.now()
	return d.store.Tenants(ctx).CreateInvite(ctx, TenantInvite{
		Code:      code,
		TenantID:  tenantID,
		CreatedBy: createdBy,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	})
}

// RedeemInvite consumes an invite code once and returns it.
func (d *TenantDirectory) RedeemInvite(ctx context.Context, code string) (TenantInvite, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return TenantInvite{}, ErrInvalidToken
	}
	return d.store.Tenants(ctx).RedeemInvite(ctx, code, d.opts.now())
}

func normalizeSlug(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	var b strings.Builder
	dash := false
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			dash = false
		case !dash && b.Len() > 0:
			b.WriteByte('-')
			dash = true
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func copyMap(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
