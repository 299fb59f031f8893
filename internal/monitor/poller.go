// Package monitor implements the background quota poller and the
// auto-switcher that promotes a healthier account when the active one
// degrades.
package monitor

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	agate "github.com/cascadelabs/agate/internal"
	"github.com/cascadelabs/agate/internal/storage"
	"github.com/cascadelabs/agate/internal/token"
	"github.com/cascadelabs/agate/internal/upstream"
)

const (
	pollInterval = 5 * time.Minute

	// maxConcurrentPolls bounds simultaneous per-account polls.
	maxConcurrentPolls = 3

	// monitorRefreshWindow is the monitor's own refresh horizon, wider than
	// the per-request one so tokens are usually fresh before requests need
	// them.
	monitorRefreshWindow = 600 * time.Second

	fetchAttempts = 3
)

// QuotaClient is the upstream surface the monitor needs.
type QuotaClient interface {
	Refresh(ctx context.Context, tok *agate.Token) (*agate.Token, error)
	FetchQuota(ctx context.Context, accessToken string) (*agate.Quota, error)
}

// Notifier delivers user-visible notices. The desktop shell supplies the
// real implementation.
type Notifier interface {
	Notify(ctx context.Context, title, message string)
}

// Poller is the quota monitor worker.
type Poller struct {
	store  storage.Store
	tokens *token.Manager
	cloud  QuotaClient
	notify Notifier
	log    *slog.Logger
	clock  func() time.Time

	sem   *semaphore.Weighted
	force chan struct{}
}

// New creates a Poller. notify may be nil.
func New(store storage.Store, tokens *token.Manager, cloud QuotaClient, notify Notifier, log *slog.Logger) *Poller {
	if log == nil {
		log = slog.Default()
	}
	return &Poller{
		store:  store,
		tokens: tokens,
		cloud:  cloud,
		notify: notify,
		log:    log,
		clock:  time.Now,
		sem:    semaphore.NewWeighted(maxConcurrentPolls),
		force:  make(chan struct{}, 1),
	}
}

// Name implements worker.Worker.
func (p *Poller) Name() string { return "quota_monitor" }

// ForcePoll schedules an immediate poll pass. Coalesces if one is pending.
func (p *Poller) ForcePoll() {
	select {
	case p.force <- struct{}{}:
	default:
	}
}

// Run polls immediately, then on every tick and every ForcePoll, until ctx
// is cancelled. Per-account errors never stop the loop.
func (p *Poller) Run(ctx context.Context) error {
	p.poll(ctx)

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.poll(ctx)
		case <-p.force:
			p.poll(ctx)
		case <-ctx.Done():
			return nil
		}
	}
}

// poll runs one full pass: every cloud account through the semaphore, then
// the auto-switch decision.
func (p *Poller) poll(ctx context.Context) {
	accounts, err := p.store.List(ctx)
	if err != nil {
		p.log.LogAttrs(ctx, slog.LevelError, "monitor: list accounts failed", slog.Any("error", err))
		return
	}

	var wg sync.WaitGroup
	for _, a := range accounts {
		if a.IsLocal() {
			continue
		}
		if err := p.sem.Acquire(ctx, 1); err != nil {
			return
		}
		wg.Add(1)
		go func(a *agate.Account) {
			defer wg.Done()
			defer p.sem.Release(1)
			p.pollAccount(ctx, a)
		}(a)
	}
	wg.Wait()

	p.autoSwitch(ctx)
}

// pollAccount refreshes one account's token and quota. Rate-limit shaped
// errors mark the account rate_limited with no retries; anything else gets
// bounded retries with backoff before the account is marked errored.
func (p *Poller) pollAccount(ctx context.Context, a *agate.Account) {
	p.setStatus(ctx, a, agate.StatusRefreshing)

	if a.Token != nil && a.Token.ExpiryTimestamp < p.clock().Add(monitorRefreshWindow).Unix() {
		fresh, err := p.cloud.Refresh(ctx, a.Token)
		if err != nil {
			p.log.LogAttrs(ctx, slog.LevelWarn, "monitor: token refresh failed",
				slog.String("account", a.Email), slog.Any("error", err))
		} else {
			a.Token = fresh
			if err := p.store.UpdateToken(ctx, a.ID, fresh); err != nil {
				p.log.LogAttrs(ctx, slog.LevelWarn, "monitor: persist token failed",
					slog.String("account", a.Email), slog.Any("error", err))
			}
		}
	}

	var accessToken string
	if a.Token != nil {
		accessToken = a.Token.AccessToken
	}

	var quota *agate.Quota
	var err error
	for attempt := 0; attempt < fetchAttempts; attempt++ {
		if attempt > 0 {
			delay := time.Second<<(attempt-1) + time.Duration(rand.Int63n(int64(500*time.Millisecond)))
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return
			}
		}
		quota, err = p.cloud.FetchQuota(ctx, accessToken)
		if err == nil {
			break
		}
		if errors.Is(upstream.Classify(err), agate.ErrRateLimited) {
			p.setStatus(ctx, a, agate.StatusRateLimited)
			return
		}
		p.log.LogAttrs(ctx, slog.LevelWarn, "monitor: quota fetch failed",
			slog.String("account", a.Email),
			slog.Int("attempt", attempt+1),
			slog.Any("error", err))
	}
	if err != nil {
		p.setStatus(ctx, a, agate.StatusError)
		return
	}

	a.Quota = mergeQuota(a.Quota, quota)
	if err := p.store.UpdateQuota(ctx, a.ID, a.Quota); err != nil {
		p.log.LogAttrs(ctx, slog.LevelWarn, "monitor: persist quota failed",
			slog.String("account", a.Email), slog.Any("error", err))
	}
	p.setStatus(ctx, a, agate.StatusActive)
}

func (p *Poller) setStatus(ctx context.Context, a *agate.Account, status string) {
	a.Status = status
	if err := p.store.UpdateStatus(ctx, a.ID, status); err != nil {
		p.log.LogAttrs(ctx, slog.LevelWarn, "monitor: update status failed",
			slog.String("account", a.Email), slog.Any("error", err))
	}
	p.tokens.UpdateAccount(a)
}

// mergeQuota overlays freshly fetched entries onto the existing quota so
// models the fetch omitted keep their last known state.
func mergeQuota(old, fresh *agate.Quota) *agate.Quota {
	if fresh == nil {
		return old
	}
	if old == nil || len(old.Models) == 0 {
		return fresh
	}
	merged := &agate.Quota{Models: make(map[string]agate.ModelQuota, len(old.Models)+len(fresh.Models))}
	for k, v := range old.Models {
		merged.Models[k] = v
	}
	for k, v := range fresh.Models {
		merged.Models[k] = v
	}
	return merged
}
