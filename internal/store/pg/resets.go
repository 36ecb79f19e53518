package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"tenantry.org/internal/auth"
)

const resetColumns = `id, tenant_id, user_id, token_hash, created_at, expires_at, used_at, ip_address,
	user_agent, is_used, is_revoked`

type resetStore struct{ db *sql.DB }

// Issue revokes the user's outstanding tokens and inserts t in one transaction. The
// user row lock serializes concurrent issues, so the revoke always sees the other
// transaction's committed insert.
func (rs resetStore) Issue(ctx context.Context, t auth.PasswordResetToken) (auth.PasswordResetToken, error) {
	err := inTx(ctx, rs.db, func(tx *sql.Tx) error {
		var one int
		err := tx.QueryRowContext(ctx, `
			select 1 from users where tenant_id = $1 and id = $2 and deleted_at is null for update
		`, t.TenantID, t.UserID).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return notFound("user", t.UserID)
		}
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			update password_reset_tokens set is_revoked = true
			where tenant_id = $1 and user_id = $2 and not is_used and not is_revoked
		`, t.TenantID, t.UserID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			insert into password_reset_tokens (`+resetColumns+`)
			values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		`, t.ID, t.TenantID, t.UserID, t.TokenHash, t.CreatedAt, t.ExpiresAt, nullTime(t.UsedAt),
			t.IPAddress, t.UserAgent, t.IsUsed, t.IsRevoked); err != nil {
			return classify(err, auth.ErrConflict, "reset token")
		}
		return nil
	})
	if err != nil {
		return auth.PasswordResetToken{}, err
	}
	return t, nil
}

func (rs resetStore) Find(ctx context.Context, tenantID, tokenHash string) (auth.PasswordResetToken, error) {
	var (
		t    auth.PasswordResetToken
		used sql.NullTime
	)
	err := rs.db.QueryRowContext(ctx, `
		select `+resetColumns+` from password_reset_tokens where tenant_id = $1 and token_hash = $2
	`, tenantID, tokenHash).Scan(&t.ID, &t.TenantID, &t.UserID, &t.TokenHash, &t.CreatedAt, &t.ExpiresAt,
		&used, &t.IPAddress, &t.UserAgent, &t.IsUsed, &t.IsRevoked)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.PasswordResetToken{}, notFound("reset token", "")
	}
	if err != nil {
		return auth.PasswordResetToken{}, err
	}
	t.UsedAt = timePtr(used)
	return t, nil
}

// Consume marks the token used with a conditional update and applies change to the
// owner in the same transaction. Of concurrent callers exactly one sees the row.
func (rs resetStore) Consume(ctx context.Context, tenantID, tokenHash string, at time.Time, change auth.PasswordChange) (auth.User, error) {
	var out auth.User
	err := inTx(ctx, rs.db, func(tx *sql.Tx) error {
		var userID string
		err := tx.QueryRowContext(ctx, `
			update password_reset_tokens set is_used = true, used_at = $3
			where tenant_id = $1 and token_hash = $2 and not is_used and not is_revoked and expires_at > $3
			returning user_id
		`, tenantID, tokenHash, at).Scan(&userID)
		if errors.Is(err, sql.ErrNoRows) {
			return auth.ErrInvalidToken
		}
		if err != nil {
			return err
		}
		u, err := lockUser(ctx, tx, tenantID, userID)
		if errors.Is(err, auth.ErrNotFound) {
			return auth.ErrInvalidToken
		}
		if err != nil {
			return err
		}
		change.Apply(&u)
		u.UpdatedAt = at
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

func (rs resetStore) DeleteExpired(ctx context.Context, before time.Time) (int, error) {
	res, err := rs.db.ExecContext(ctx, `delete from password_reset_tokens where expires_at < $1`, before)
	if err != nil {
		return 0, err
	}
	return rowsAffected(res)
}
