package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"tenantry.org/internal/auth"
)

const tenantColumns = `id, name, slug, company_name, company_email, subscription_tier, subscription_status,
	subscription_expires_at, max_users, max_storage_gb, max_api_calls_per_month, features, settings,
	is_active, is_verified, requires_2fa, allowed_ip_ranges, created_by, created_at, updated_at`

type tenantStore struct{ db *sql.DB }

func scanTenant(row scanner) (auth.Tenant, error) {
	var (
		t                            auth.Tenant
		expires                      sql.NullTime
		features, settings, ipRanges []byte
	)
	err := row.Scan(&t.ID, &t.Name, &t.Slug, &t.CompanyName, &t.CompanyEmail, &t.SubscriptionTier,
		&t.SubscriptionStatus, &expires, &t.MaxUsers, &t.MaxStorageGB, &t.MaxAPICallsPerMonth,
		&features, &settings, &t.IsActive, &t.IsVerified, &t.Requires2FA, &ipRanges, &t.CreatedBy,
		&t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return auth.Tenant{}, err
	}
	t.SubscriptionExpiresAt = timePtr(expires)
	t.Features = map[string]any{}
	t.Settings = map[string]any{}
	if err := decodeJSON(features, &t.Features); err != nil {
		return auth.Tenant{}, fmt.Errorf("decode features: %w", err)
	}
	if err := decodeJSON(settings, &t.Settings); err != nil {
		return auth.Tenant{}, fmt.Errorf("decode settings: %w", err)
	}
	if err := decodeJSON(ipRanges, &t.AllowedIPRanges); err != nil {
		return auth.Tenant{}, fmt.Errorf("decode allowed_ip_ranges: %w", err)
	}
	return t, nil
}

func (ts tenantStore) Create(ctx context.Context, t auth.Tenant) (auth.Tenant, error) {
	features, err := encodeJSON(t.Features, "{}")
	if err != nil {
		return auth.Tenant{}, fmt.Errorf("marshal features: %w", err)
	}
	settings, err := encodeJSON(t.Settings, "{}")
	if err != nil {
		return auth.Tenant{}, fmt.Errorf("marshal settings: %w", err)
	}
	ipRanges, err := encodeJSON(t.AllowedIPRanges, "[]")
	if err != nil {
		return auth.Tenant{}, fmt.Errorf("marshal allowed_ip_ranges: %w", err)
	}
	_, err = ts.db.ExecContext(ctx, `
		insert into tenants (`+tenantColumns+`)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20)
	`, t.ID, t.Name, t.Slug, t.CompanyName, t.CompanyEmail, t.SubscriptionTier, t.SubscriptionStatus,
		nullTime(t.SubscriptionExpiresAt), t.MaxUsers, t.MaxStorageGB, t.MaxAPICallsPerMonth,
		features, settings, t.IsActive, t.IsVerified, t.Requires2FA, ipRanges, t.CreatedBy,
		t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return auth.Tenant{}, classify(err, auth.ErrDuplicateIdentity, "tenant slug "+t.Slug)
	}
	return t, nil
}

func (ts tenantStore) Get(ctx context.Context, id string) (auth.Tenant, error) {
	t, err := scanTenant(ts.db.QueryRowContext(ctx, `select `+tenantColumns+` from tenants where id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return auth.Tenant{}, notFound("tenant", id)
	}
	return t, err
}

func (ts tenantStore) GetBySlug(ctx context.Context, slug string) (auth.Tenant, error) {
	t, err := scanTenant(ts.db.QueryRowContext(ctx, `select `+tenantColumns+` from tenants where slug = $1`, slug))
	if errors.Is(err, sql.ErrNoRows) {
		return auth.Tenant{}, notFound("tenant", slug)
	}
	return t, err
}

func (ts tenantStore) Delete(ctx context.Context, id string) error {
	res, err := ts.db.ExecContext(ctx, `delete from tenants where id = $1`, id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return notFound("tenant", id)
	}
	return nil
}

func (ts tenantStore) SetActive(ctx context.Context, id string, active bool, at time.Time) (auth.Tenant, error) {
	t, err := scanTenant(ts.db.QueryRowContext(ctx, `
		update tenants set is_active = $2, updated_at = $3 where id = $1
		returning `+tenantColumns, id, active, at))
	if errors.Is(err, sql.ErrNoRows) {
		return auth.Tenant{}, notFound("tenant", id)
	}
	return t, err
}

func (ts tenantStore) CountActiveUsers(ctx context.Context, tenantID string) (int, error) {
	var n int
	err := ts.db.QueryRowContext(ctx, `
		select count(*) from users
		where tenant_id = $1 and is_active and deleted_at is null
	`, tenantID).Scan(&n)
	return n, err
}

func (ts tenantStore) CreateInvite(ctx context.Context, inv auth.TenantInvite) (auth.TenantInvite, error) {
	_, err := ts.db.ExecContext(ctx, `
		insert into tenant_invites (code, tenant_id, created_by, created_at, expires_at)
		values ($1, $2, $3, $4, $5)
	`, inv.Code, inv.TenantID, inv.CreatedBy, inv.CreatedAt, inv.ExpiresAt)
	if err != nil {
		return auth.TenantInvite{}, classify(err, auth.ErrConflict, "invite code")
	}
	return inv, nil
}

// RedeemInvite flips is_used in a single conditional update; a concurrent loser sees no row.
func (ts tenantStore) RedeemInvite(ctx context.Context, code string, at time.Time) (auth.TenantInvite, error) {
	inv := auth.TenantInvite{Code: code, IsUsed: true}
	var usedAt time.Time
	err := ts.db.QueryRowContext(ctx, `
		update tenant_invites set is_used = true, used_at = $2
		where code = $1 and not is_used and expires_at > $2
		returning tenant_id, created_by, created_at, expires_at, used_at
	`, code, at).Scan(&inv.TenantID, &inv.CreatedBy, &inv.CreatedAt, &inv.ExpiresAt, &usedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.TenantInvite{}, auth.ErrInvalidToken
	}
	if err != nil {
		return auth.TenantInvite{}, err
	}
	inv.UsedAt = &usedAt
	return inv, nil
}
