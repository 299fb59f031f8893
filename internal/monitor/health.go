package monitor

import agate "github.com/cascadelabs/agate/internal"

// HealthScore rates an account 0..100 for auto-switch decisions. Quota
// contributes 60% of the weight; status contributes a fixed bonus. Accounts
// whose quota was never fetched, or in a failed state, score zero; a fetched
// quota with no models averages to 0 and scores on status alone.
func HealthScore(a *agate.Account) float64 {
	if a == nil || a.Quota == nil {
		return 0
	}
	switch a.Status {
	case agate.StatusRateLimited, agate.StatusError:
		return 0
	}

	score := 0.6 * a.Quota.AvgPercent()
	switch a.Status {
	case agate.StatusActive:
		score += 40
	case agate.StatusRefreshing:
		score += 20
	}
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}
