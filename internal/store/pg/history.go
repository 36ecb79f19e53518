package pg

import (
	"context"
	"database/sql"
	"fmt"

	"tenantry.org/internal/auth"
)

type historyStore struct{ db *sql.DB }

func (hs historyStore) Append(ctx context.Context, h auth.LoginHistory) (auth.LoginHistory, error) {
	factors, err := encodeJSON(h.RiskFactors, "[]")
	if err != nil {
		return auth.LoginHistory{}, fmt.Errorf("marshal risk_factors: %w", err)
	}
	_, err = hs.db.ExecContext(ctx, `
		insert into login_history (id, tenant_id, user_id, email, success, failure_reason, auth_method,
			ip_address, user_agent, attempted_at, risk_score, risk_factors)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
	`, h.ID, h.TenantID, h.UserID, h.Email, h.Success, h.FailureReason, h.AuthMethod,
		h.IPAddress, h.UserAgent, h.AttemptedAt, h.RiskScore, factors)
	if err != nil {
		return auth.LoginHistory{}, err
	}
	return h, nil
}

func (hs historyStore) Recent(ctx context.Context, tenantID, email string, limit int) ([]auth.LoginHistory, error) {
	rows, err := hs.db.QueryContext(ctx, `
		select id, tenant_id, user_id, email, success, failure_reason, auth_method,
			ip_address, user_agent, attempted_at, risk_score, risk_factors
		from login_history
		where tenant_id = $1 and lower(email) = lower($2)
		order by attempted_at desc
		limit $3
	`, tenantID, email, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []auth.LoginHistory{}
	for rows.Next() {
		var (
			h       auth.LoginHistory
			factors []byte
		)
		if err := rows.Scan(&h.ID, &h.TenantID, &h.UserID, &h.Email, &h.Success, &h.FailureReason,
			&h.AuthMethod, &h.IPAddress, &h.UserAgent, &h.AttemptedAt, &h.RiskScore, &factors); err != nil {
			return nil, err
		}
		h.RiskFactors = []string{}
		if err := decodeJSON(factors, &h.RiskFactors); err != nil {
			return nil, fmt.Errorf("decode risk_factors: %w", err)
		}
		out = append(out, h)
	}
	return out, rows.Err()
}
