package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"tenantry.org/internal/auth"
)

const sessionColumns = `id, tenant_id, user_id, session_key, jwt_token_id, refresh_hash, ip_address, user_agent,
	device_fingerprint, created_at, last_activity, expires_at, revoked_at, is_active, is_suspicious`

type sessionStore struct{ db *sql.DB }

func scanSession(row scanner) (auth.Session, error) {
	var (
		s       auth.Session
		revoked sql.NullTime
	)
	if err := row.Scan(&s.ID, &s.TenantID, &s.UserID, &s.SessionKey, &s.JWTID, &s.RefreshHash, &s.IPAddress,
		&s.UserAgent, &s.DeviceFingerprint, &s.CreatedAt, &s.LastActivity, &s.ExpiresAt, &revoked,
		&s.IsActive, &s.IsSuspicious); err != nil {
		return auth.Session{}, err
	}
	s.RevokedAt = timePtr(revoked)
	return s, nil
}

func (ss sessionStore) Create(ctx context.Context, s auth.Session) (auth.Session, error) {
	_, err := ss.db.ExecContext(ctx, `
		insert into user_sessions (`+sessionColumns+`)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
	`, s.ID, s.TenantID, s.UserID, s.SessionKey, s.JWTID, s.RefreshHash, s.IPAddress, s.UserAgent,
		s.DeviceFingerprint, s.CreatedAt, s.LastActivity, s.ExpiresAt, nullTime(s.RevokedAt),
		s.IsActive, s.IsSuspicious)
	if err != nil {
		return auth.Session{}, classify(err, auth.ErrConflict, "session key")
	}
	return s, nil
}

func (ss sessionStore) Get(ctx context.Context, tenantID, id string) (auth.Session, error) {
	s, err := scanSession(ss.db.QueryRowContext(ctx, `
		select `+sessionColumns+` from user_sessions where tenant_id = $1 and id = $2
	`, tenantID, id))
	if errors.Is(err, sql.ErrNoRows) {
		return auth.Session{}, notFound("session", id)
	}
	return s, err
}

func (ss sessionStore) Update(ctx context.Context, tenantID, id string, fn func(s *auth.Session) error) (auth.Session, error) {
	var out auth.Session
	err := inTx(ctx, ss.db, func(tx *sql.Tx) error {
		s, err := scanSession(tx.QueryRowContext(ctx, `
			select `+sessionColumns+` from user_sessions where tenant_id = $1 and id = $2 for update
		`, tenantID, id))
		if errors.Is(err, sql.ErrNoRows) {
			return notFound("session", id)
		}
		if err != nil {
			return err
		}
		if err := fn(&s); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			update user_sessions set
				jwt_token_id = $3, refresh_hash = $4, last_activity = $5, expires_at = $6,
				revoked_at = $7, is_active = $8, is_suspicious = $9
			where tenant_id = $1 and id = $2
		`, tenantID, id, s.JWTID, s.RefreshHash, s.LastActivity, s.ExpiresAt, nullTime(s.RevokedAt),
			s.IsActive, s.IsSuspicious); err != nil {
			return err
		}
		out = s
		return nil
	})
	if err != nil {
		return auth.Session{}, err
	}
	return out, nil
}

// RevokeAll is one statement, so a concurrent login either lands before it and is
// revoked or after it and survives.
func (ss sessionStore) RevokeAll(ctx context.Context, tenantID, userID, exceptID string, at time.Time) (int, error) {
	res, err := ss.db.ExecContext(ctx, `
		update user_sessions set is_active = false, revoked_at = $4
		where tenant_id = $1 and user_id = $2 and id <> $3 and is_active
	`, tenantID, userID, exceptID, at)
	if err != nil {
		return 0, err
	}
	return rowsAffected(res)
}

func (ss sessionStore) ListByUser(ctx context.Context, tenantID, userID string) ([]auth.Session, error) {
	rows, err := ss.db.QueryContext(ctx, `
		select `+sessionColumns+` from user_sessions
		where tenant_id = $1 and user_id = $2
		order by created_at desc
	`, tenantID, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []auth.Session{}
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (ss sessionStore) DeleteExpired(ctx context.Context, before time.Time) (int, error) {
	res, err := ss.db.ExecContext(ctx, `delete from user_sessions where expires_at < $1`, before)
	if err != nil {
		return 0, err
	}
	return rowsAffected(res)
}
