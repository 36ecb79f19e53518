package auth

import (
	"slices"
	"testing"
	"time"
)

func TestScoreRisk(t *testing.T) {
	noon := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	failure := func(ago time.Duration) LoginHistory {
		return LoginHistory{Success: false, IPAddress: "10.0.0.1", AttemptedAt: noon.Add(-ago)}
	}
	night := time.Date(2024, 5, 1, 2, 0, 0, 0, time.UTC)
	nightFailure := LoginHistory{Success: false, AttemptedAt: night.Add(-time.Minute)}
	success := LoginHistory{Success: true, IPAddress: "10.0.0.1", AttemptedAt: noon.Add(-24 * time.Hour)}

	cases := []struct {
		name    string
		attempt Attempt
		history []LoginHistory
		now     time.Time
		score   int
		factors []string
	}{
		{
			name:    "first attempt ever",
			attempt: Attempt{UserID: "u", IPAddress: "10.0.0.1"},
			now:     noon,
			score:   0,
			factors: []string{},
		},
		{
			name:    "known address",
			attempt: Attempt{UserID: "u", IPAddress: "10.0.0.1"},
			history: []LoginHistory{success},
			now:     noon,
			score:   0,
			factors: []string{},
		},
		{
			name:    "new address",
			attempt: Attempt{UserID: "u", IPAddress: "10.9.9.9"},
			history: []LoginHistory{success},
			now:     noon,
			score:   30,
			factors: []string{RiskNewIP},
		},
		{
			name:    "small hours",
			attempt: Attempt{UserID: "u"},
			now:     time.Date(2024, 5, 1, 3, 30, 0, 0, time.UTC),
			score:   15,
			factors: []string{RiskUnusualHour},
		},
		{
			name:    "failures capped and old ones ignored",
			attempt: Attempt{UserID: "u", IPAddress: "10.0.0.1"},
			history: []LoginHistory{
				failure(time.Minute), failure(2 * time.Minute), failure(3 * time.Minute),
				failure(4 * time.Minute), failure(5 * time.Minute), failure(time.Hour), success,
			},
			now:     noon,
			score:   40,
			factors: []string{RiskRepeatedFailures},
		},
		{
			name:    "every factor",
			attempt: Attempt{IPAddress: "10.9.9.9"},
			history: []LoginHistory{nightFailure, nightFailure, nightFailure, nightFailure, nightFailure},
			now:     night,
			score:   100,
			factors: []string{RiskNewIP, RiskUnusualHour, RiskRepeatedFailures, RiskUnknownUser},
		},
	}

	for _, tc := range cases {
		score, factors := scoreRisk(tc.attempt, tc.history, tc.now)
		if score != tc.score {
			t.Fatalf("%s: score %d, want %d", tc.name, score, tc.score)
		}
		if !slices.Equal(factors, tc.factors) {
			t.Fatalf("%s: factors %v, want %v", tc.name, factors, tc.factors)
		}
	}
}
