package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"tenantry.org/internal/auth"
)

const userColumns = `id, tenant_id, email, username, first_name, last_name, password_hash, password_history,
	failed_login_attempts, locked_until, mfa_enabled, mfa_secret, backup_codes, api_key_hash,
	api_key_created_at, api_rate_limit, password_changed_at, password_expires_at, must_change_password,
	session_history, is_active, is_verified, is_tenant_admin, last_login_at, last_login_ip,
	last_login_user_agent, metadata, created_at, updated_at, deleted_at, mfa_last_step`

type userStore struct{ db *sql.DB }

func scanUser(row scanner) (auth.User, error) {
	var (
		u                                              auth.User
		lockedUntil, keyCreated, changed, expires      sql.NullTime
		lastLogin, deleted                             sql.NullTime
		history, backupCodes, sessionHistory, metadata []byte
	)
	err := row.Scan(&u.ID, &u.TenantID, &u.Email, &u.Username, &u.FirstName, &u.LastName, &u.PasswordHash,
		&history, &u.FailedLogins, &lockedUntil, &u.MFAEnabled, &u.MFASecret, &backupCodes, &u.APIKeyHash,
		&keyCreated, &u.APIRateLimit, &changed, &expires, &u.MustChangePassword,
		&sessionHistory, &u.IsActive, &u.IsVerified, &u.IsTenantAdmin, &lastLogin, &u.LastLoginIP,
		&u.LastLoginUserAgent, &metadata, &u.CreatedAt, &u.UpdatedAt, &deleted, &u.MFALastStep)
	if err != nil {
		return auth.User{}, err
	}
	u.LockedUntil = timePtr(lockedUntil)
	u.APIKeyCreatedAt = timePtr(keyCreated)
	u.PasswordChangedAt = timePtr(changed)
	u.PasswordExpiresAt = timePtr(expires)
	u.LastLoginAt = timePtr(lastLogin)
	u.DeletedAt = timePtr(deleted)
	u.Metadata = map[string]any{}
	for _, f := range []struct {
		name string
		raw  []byte
		dst  any
	}{
		{"password_history", history, &u.PasswordHistory},
		{"backup_codes", backupCodes, &u.BackupCodes},
		{"session_history", sessionHistory, &u.SessionHistory},
		{"metadata", metadata, &u.Metadata},
	} {
		if err := decodeJSON(f.raw, f.dst); err != nil {
			return auth.User{}, fmt.Errorf("decode %s: %w", f.name, err)
		}
	}
	return u, nil
}

// userJSON holds the jsonb encodings of a user's list and map fields.
type userJSON struct {
	history, backupCodes, sessionHistory, metadata []byte
}

func encodeUser(u auth.User) (userJSON, error) {
	var (
		out userJSON
		err error
	)
	if out.history, err = encodeJSON(u.PasswordHistory, "[]"); err != nil {
		return userJSON{}, fmt.Errorf("marshal password_history: %w", err)
	}
	if out.backupCodes, err = encodeJSON(u.BackupCodes, "[]"); err != nil {
		return userJSON{}, fmt.Errorf("marshal backup_codes: %w", err)
	}
	if out.sessionHistory, err = encodeJSON(u.SessionHistory, "[]"); err != nil {
		return userJSON{}, fmt.Errorf("marshal session_history: %w", err)
	}
	if out.metadata, err = encodeJSON(u.Metadata, "{}"); err != nil {
		return userJSON{}, fmt.Errorf("marshal metadata: %w", err)
	}
	return out, nil
}

func (us userStore) Create(ctx context.Context, u auth.User) (auth.User, error) {
	j, err := encodeUser(u)
	if err != nil {
		return auth.User{}, err
	}
	_, err = us.db.ExecContext(ctx, `
		insert into users (`+userColumns+`)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,
			$21,$22,$23,$24,$25,$26,$27,$28,$29,$30,$31)
	`, u.ID, u.TenantID, u.Email, u.Username, u.FirstName, u.LastName, u.PasswordHash, j.history,
		u.FailedLogins, nullTime(u.LockedUntil), u.MFAEnabled, u.MFASecret, j.backupCodes, u.APIKeyHash,
		nullTime(u.APIKeyCreatedAt), u.APIRateLimit, nullTime(u.PasswordChangedAt), nullTime(u.PasswordExpiresAt),
		u.MustChangePassword, j.sessionHistory, u.IsActive, u.IsVerified, u.IsTenantAdmin,
		nullTime(u.LastLoginAt), u.LastLoginIP, u.LastLoginUserAgent, j.metadata, u.CreatedAt, u.UpdatedAt,
		nullTime(u.DeletedAt), u.MFALastStep)
	if err != nil {
		return auth.User{}, classify(err, auth.ErrDuplicateIdentity, "email or username "+u.Email)
	}
	return u, nil
}

func (us userStore) Get(ctx context.Context, tenantID, id string) (auth.User, error) {
	u, err := scanUser(us.db.QueryRowContext(ctx, `
		select `+userColumns+` from users
		where tenant_id = $1 and id = $2 and deleted_at is null
	`, tenantID, id))
	if errors.Is(err, sql.ErrNoRows) {
		return auth.User{}, notFound("user", id)
	}
	return u, err
}

func (us userStore) FindByEmail(ctx context.Context, tenantID, email string) (auth.User, error) {
	u, err := scanUser(us.db.QueryRowContext(ctx, `
		select `+userColumns+` from users
		where tenant_id = $1 and lower(email) = lower($2) and deleted_at is null
	`, tenantID, email))
	if errors.Is(err, sql.ErrNoRows) {
		return auth.User{}, notFound("user", email)
	}
	return u, err
}

func (us userStore) FindByAPIKey(ctx context.Context, tenantID, keyHash string) (auth.User, error) {
	if keyHash == "" {
		return auth.User{}, notFound("user", "api key")
	}
	u, err := scanUser(us.db.QueryRowContext(ctx, `
		select `+userColumns+` from users
		where tenant_id = $1 and api_key_hash = $2 and deleted_at is null
	`, tenantID, keyHash))
	if errors.Is(err, sql.ErrNoRows) {
		return auth.User{}, notFound("user", "api key")
	}
	return u, err
}

// List builds its where clause from the set filter fields.
func (us userStore) List(ctx context.Context, tenantID string, filter auth.UserFilter) ([]auth.User, error) {
	where := []string{"tenant_id = $1", "deleted_at is null"}
	args := []any{tenantID}
	add := func(clause string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if filter.IsActive != nil {
		add("is_active = $%d", *filter.IsActive)
	}
	if filter.IsVerified != nil {
		add("is_verified = $%d", *filter.IsVerified)
	}
	if filter.IsTenantAdmin != nil {
		add("is_tenant_admin = $%d", *filter.IsTenantAdmin)
	}
	if q := strings.TrimSpace(filter.Search); q != "" {
		add("(email || ' ' || username || ' ' || first_name || ' ' || last_name) ilike $%d", "%"+escapeLike(q)+"%")
	}
	rows, err := us.db.QueryContext(ctx, `select `+userColumns+` from users where `+
		strings.Join(where, " and ")+` order by email`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []auth.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

// Update locks the row with select ... for update, applies fn and writes every mutable column back.
func (us userStore) Update(ctx context.Context, tenantID, id string, fn auth.UserMutation) (auth.User, error) {
	var out auth.User
	err := inTx(ctx, us.db, func(tx *sql.Tx) error {
		u, err := lockUser(ctx, tx, tenantID, id)
		if err != nil {
			return err
		}
		if err := fn(&u); err != nil {
			return err
		}
		if err := writeUser(ctx, tx, u); err != nil {
			return err
		}
		out = u
		return nil
	})
	if err != nil {
		return auth.User{}, err
	}
	return out, nil
}

func lockUser(ctx context.Context, tx *sql.Tx, tenantID, id string) (auth.User, error) {
	u, err := scanUser(tx.QueryRowContext(ctx, `
		select `+userColumns+` from users
		where tenant_id = $1 and id = $2 and deleted_at is null
		for update
	`, tenantID, id))
	if errors.Is(err, sql.ErrNoRows) {
		return auth.User{}, notFound("user", id)
	}
	return u, err
}

func writeUser(ctx context.Context, tx *sql.Tx, u auth.User) error {
	j, err := encodeUser(u)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		update users set
			first_name = $3, last_name = $4, password_hash = $5, password_history = $6,
			failed_login_attempts = $7, locked_until = $8, mfa_enabled = $9, mfa_secret = $10,
			backup_codes = $11, api_key_hash = $12, api_key_created_at = $13, api_rate_limit = $14,
			password_changed_at = $15, password_expires_at = $16, must_change_password = $17,
			session_history = $18, is_active = $19, is_verified = $20, is_tenant_admin = $21,
			last_login_at = $22, last_login_ip = $23, last_login_user_agent = $24, metadata = $25,
			updated_at = $26, deleted_at = $27, mfa_last_step = $28
		where tenant_id = $1 and id = $2
	`, u.TenantID, u.ID, u.FirstName, u.LastName, u.PasswordHash, j.history,
		u.FailedLogins, nullTime(u.LockedUntil), u.MFAEnabled, u.MFASecret,
		j.backupCodes, u.APIKeyHash, nullTime(u.APIKeyCreatedAt), u.APIRateLimit,
		nullTime(u.PasswordChangedAt), nullTime(u.PasswordExpiresAt), u.MustChangePassword,
		j.sessionHistory, u.IsActive, u.IsVerified, u.IsTenantAdmin,
		nullTime(u.LastLoginAt), u.LastLoginIP, u.LastLoginUserAgent, j.metadata,
		u.UpdatedAt, nullTime(u.DeletedAt), u.MFALastStep)
	if err != nil {
		return classify(err, auth.ErrDuplicateIdentity, "user "+u.ID)
	}
	return nil
}
