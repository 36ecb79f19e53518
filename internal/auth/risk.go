package auth

import (
	"context"
	"fmt"
	"strings"
	"time"

	"tenantry.org/internal/ids"
	"tenantry.org/internal/obs"
)

// Risk factor names recorded with every attempt.
const (
	RiskNewIP            = "new_ip"
	RiskUnusualHour      = "unusual_hour"
	RiskRepeatedFailures = "repeated_failures"
	RiskUnknownUser      = "unknown_user"
)

const (
	riskNewIPPoints       = 30
	riskUnusualHourPoints = 15
	riskFailurePoints     = 10
	riskFailureCap        = 40
	riskUnknownUserPoints = 15
	riskMax               = 100
	riskFailureWindow     = 15 * time.Minute

	// SuspiciousRiskScore flags sessions created from attempts scoring at least this much.
	SuspiciousRiskScore = 50
)

// Attempt describes one authentication attempt to be appended to login history.
type Attempt struct {
	TenantID      string
	UserID        string
	Email         string
	Success       bool
	FailureReason string
	Method        AuthMethod
	IPAddress     string
	UserAgent     string
}

// RecordAttempt scores the attempt against recent history for the same email and appends it.
func (l *SessionLedger) RecordAttempt(ctx context.Context, a Attempt) (LoginHistory, error) {
	email := normalizeEmail(a.Email)
	now := l.opts.now()
	recent, err := l.store.LoginHistory(ctx).Recent(ctx, a.TenantID, email, recentAttemptsForScoring)
	if err != nil {
		return LoginHistory{}, fmt.Errorf("load recent attempts: %w", err)
	}
	score, factors := scoreRisk(a, recent, now)
	method := a.Method
	if method == "" {
		method = MethodPassword
	}
	h, err := l.store.LoginHistory(ctx).Append(ctx, LoginHistory{
		ID:            ids.NewAt(now),
		TenantID:      a.TenantID,
		UserID:        a.UserID,
		Email:         email,
		Success:       a.Success,
		FailureReason: a.FailureReason,
		AuthMethod:    method,
		IPAddress:     a.IPAddress,
		UserAgent:     a.UserAgent,
		AttemptedAt:   now,
		RiskScore:     score,
		RiskFactors:   factors,
	})
	if err != nil {
		return LoginHistory{}, fmt.Errorf("append login history: %w", err)
	}
	result := "success"
	if !a.Success {
		result = a.FailureReason
	}
	obs.LoginAttempts.WithLabelValues(result).Inc()
	return h, nil
}

// scoreRisk is a pure function of the attempt, the recent history (newest first) and now.
func scoreRisk(a Attempt, history []LoginHistory, now time.Time) (int, []string) {
	score := 0
	factors := []string{}

	if len(history) > 0 && a.IPAddress != "" {
		seen := false
		for _, h := range history {
			if h.Success && strings.EqualFold(h.IPAddress, a.IPAddress) {
				seen = true
				break
			}
		}
		if !seen {
			score += riskNewIPPoints
			factors = append(factors, RiskNewIP)
		}
	}

	if now.UTC().Hour() < 6 {
		score += riskUnusualHourPoints
		factors = append(factors, RiskUnusualHour)
	}

	failures := 0
	cutoff := now.Add(-riskFailureWindow)
	for _, h := range history {
		if !h.Success && h.AttemptedAt.After(cutoff) {
			failures++
		}
	}
	if failures > 0 {
		points := failures * riskFailurePoints
		if points > riskFailureCap {
			points = riskFailureCap
		}
		score += points
		factors = append(factors, RiskRepeatedFailures)
	}

	if a.UserID == "" {
		score += riskUnknownUserPoints
		factors = append(factors, RiskUnknownUser)
	}

	if score > riskMax {
		score = riskMax
	}
	return score, factors
}
