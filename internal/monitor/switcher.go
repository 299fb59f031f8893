package monitor

import (
	"context"
	"fmt"
	"log/slog"

	agate "github.com/cascadelabs/agate/internal"
)

// Hysteresis thresholds. The active account must be genuinely unhealthy
// before a switch is considered, and the candidate must be clearly better,
// so the switcher cannot flap between two borderline accounts.
const (
	unhealthyScore   = 10
	switchHysteresis = 5
)

// autoSwitch promotes the healthiest standby account when the active one
// has degraded. Controlled by the auto_switch_enabled setting.
func (p *Poller) autoSwitch(ctx context.Context) {
	enabled, err := p.store.GetSetting(ctx, agate.SettingAutoSwitch, "false")
	if err != nil || enabled != "true" {
		return
	}

	accounts, err := p.store.List(ctx)
	if err != nil {
		p.log.LogAttrs(ctx, slog.LevelError, "switcher: list accounts failed", slog.Any("error", err))
		return
	}

	var active *agate.Account
	for _, a := range accounts {
		if a.IsActive {
			active = a
			break
		}
	}
	if active == nil {
		return
	}

	activeScore := HealthScore(active)
	degraded := activeScore < unhealthyScore ||
		active.Status == agate.StatusRateLimited ||
		active.Status == agate.StatusError
	if !degraded {
		return
	}

	var best *agate.Account
	bestScore := 0.0
	for _, a := range accounts {
		if a.IsActive || a.Status != agate.StatusActive {
			continue
		}
		if score := HealthScore(a); score > bestScore {
			best, bestScore = a, score
		}
	}
	if best == nil || bestScore <= activeScore+switchHysteresis {
		return
	}

	if err := p.store.SetActive(ctx, best.ID); err != nil {
		p.log.LogAttrs(ctx, slog.LevelError, "switcher: activate failed",
			slog.String("account", best.Email), slog.Any("error", err))
		return
	}
	if err := p.tokens.Load(ctx); err != nil {
		p.log.LogAttrs(ctx, slog.LevelWarn, "switcher: reload accounts failed", slog.Any("error", err))
	}

	p.log.LogAttrs(ctx, slog.LevelInfo, "switched active account",
		slog.String("from", active.Email),
		slog.String("to", best.Email),
		slog.Float64("from_score", activeScore),
		slog.Float64("to_score", bestScore))
	if p.notify != nil {
		p.notify.Notify(ctx, "Account switched",
			fmt.Sprintf("Switched from %s to %s (health %.0f -> %.0f)",
				active.Email, best.Email, activeScore, bestScore))
	}
}
