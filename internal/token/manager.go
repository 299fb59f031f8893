// Package token implements the in-memory routing layer that hands each
// request a ready-to-use account: fresh access token, known project id,
// cooldowns applied.
package token

import (
	"context"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	agate "github.com/cascadelabs/agate/internal"
	"github.com/cascadelabs/agate/internal/storage"
)

const (
	// refreshWindow is how close to expiry a token may get before selection
	// refreshes it.
	refreshWindow = 300 * time.Second

	// cooldownDuration is the fixed rate-limit cooldown per account.
	cooldownDuration = 5 * time.Minute
)

// Refresher exchanges a refresh token for fresh token material.
type Refresher interface {
	Refresh(ctx context.Context, tok *agate.Token) (*agate.Token, error)
}

// ProjectResolver discovers the cloud-code project id for an access token.
type ProjectResolver interface {
	FetchProjectID(ctx context.Context, accessToken string) (string, error)
}

// Manager selects accounts for requests. All shared state (the account map,
// the round-robin index, the cooldown map) is guarded by one mutex; the
// slow work (refresh, project discovery) happens outside the lock on a
// snapshot.
type Manager struct {
	store    storage.AccountStore
	refresh  Refresher
	projects ProjectResolver
	log      *slog.Logger
	clock    func() time.Time

	mu        sync.Mutex
	accounts  map[string]*agate.Account // keyed by account id
	order     []string                  // stable candidate order
	rrIndex   int
	cooldowns map[string]time.Time // keyed by email
}

// New creates a Manager. refresh and projects may be nil in tests; selection
// then skips the corresponding step.
func New(store storage.AccountStore, refresh Refresher, projects ProjectResolver, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		store:     store,
		refresh:   refresh,
		projects:  projects,
		log:       log,
		clock:     time.Now,
		accounts:  make(map[string]*agate.Account),
		cooldowns: make(map[string]time.Time),
	}
}

// Load bulk-loads all accounts from the store into the in-memory map.
// Called at startup and lazily when the map is empty.
func (m *Manager) Load(ctx context.Context) error {
	accounts, err := m.store.List(ctx)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.accounts = make(map[string]*agate.Account, len(accounts))
	m.order = m.order[:0]
	for _, a := range accounts {
		m.accounts[a.ID] = a
		m.order = append(m.order, a.ID)
	}
	return nil
}

// Count returns the number of loaded accounts.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.accounts)
}

// MarkRateLimited applies the fixed cooldown to the account with the given
// email. A cooldown only suppresses selection; the account stays loaded.
func (m *Manager) MarkRateLimited(email string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cooldowns[email] = m.clock().Add(cooldownDuration)
	m.log.LogAttrs(context.Background(), slog.LevelWarn, "account cooling down",
		slog.String("email", email),
		slog.Duration("duration", cooldownDuration))
}

// ResetCooldown clears the cooldown for the given email.
func (m *Manager) ResetCooldown(email string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.cooldowns, email)
}

// GetNext returns the next usable account for the requested model, or
// ErrNoAccount when nothing qualifies. The returned account is a snapshot;
// its token has been refreshed if it was about to expire and its project id
// resolved if it was missing.
func (m *Manager) GetNext(ctx context.Context, requestedModel string) (*agate.Account, error) {
	if m.Count() == 0 {
		if err := m.Load(ctx); err != nil {
			return nil, err
		}
	}

	picked := m.pick(requestedModel)
	if picked == nil {
		return nil, agate.ErrNoAccount
	}

	if !picked.IsLocal() {
		m.ensureFresh(ctx, picked)
		m.ensureProjectID(ctx, picked)
	}

	if err := m.store.UpdateLastUsed(ctx, picked.ID); err != nil {
		m.log.LogAttrs(ctx, slog.LevelWarn, "update last_used failed",
			slog.String("account", picked.ID), slog.Any("error", err))
	}
	return picked, nil
}

// pick runs the candidate filter and round-robin under the lock and returns
// a deep-enough snapshot of the chosen account.
func (m *Manager) pick(requestedModel string) *agate.Account {
	normalized := agate.NormalizeModel(requestedModel)

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock()
	var candidates []*agate.Account
	for _, id := range m.order {
		a := m.accounts[id]
		if until, ok := m.cooldowns[a.Email]; ok && until.After(now) {
			continue
		}
		if normalized != "" && len(a.SelectedModels) > 0 && !modelSelected(a.SelectedModels, normalized) {
			continue
		}
		candidates = append(candidates, a)
	}
	if len(candidates) == 0 {
		return nil
	}

	// An active local account preempts rotation: a client that pinned a
	// local model must never be silently routed to cloud.
	for _, a := range candidates {
		if a.IsActive && a.IsLocal() {
			return snapshot(a)
		}
	}

	chosen := candidates[m.rrIndex%len(candidates)]
	m.rrIndex++
	return snapshot(chosen)
}

func modelSelected(selected []string, normalized string) bool {
	return slices.ContainsFunc(selected, func(s string) bool {
		return agate.NormalizeModel(s) == normalized
	})
}

func snapshot(a *agate.Account) *agate.Account {
	out := *a
	out.Token = a.Token.Clone()
	return &out
}

// ensureFresh refreshes the token when it expires inside the refresh
// window. Refresh failure degrades: the expiring token is returned anyway
// and the proxy surfaces whatever the upstream says.
func (m *Manager) ensureFresh(ctx context.Context, a *agate.Account) {
	if m.refresh == nil || a.Token == nil {
		return
	}
	if a.Token.ExpiryTimestamp >= m.clock().Add(refreshWindow).Unix() {
		return
	}

	fresh, err := m.refresh.Refresh(ctx, a.Token)
	if err != nil {
		m.log.LogAttrs(ctx, slog.LevelWarn, "token refresh failed",
			slog.String("account", a.ID), slog.Any("error", err))
		return
	}
	a.Token = fresh
	m.storeToken(ctx, a)
}

// ensureProjectID resolves a missing project id, falling back to a
// deterministic guess derived from the email. The guess is persisted and
// not retried per request.
func (m *Manager) ensureProjectID(ctx context.Context, a *agate.Account) {
	if a.Token == nil || a.Token.ProjectID != "" {
		return
	}
	if a.Provider != agate.ProviderGoogle && a.Provider != agate.ProviderAnthropic {
		return
	}

	if m.projects != nil {
		id, err := m.projects.FetchProjectID(ctx, a.Token.AccessToken)
		if err == nil && id != "" {
			a.Token.ProjectID = id
			a.Token.ProjectIDGuessed = false
			m.storeToken(ctx, a)
			return
		}
		m.log.LogAttrs(ctx, slog.LevelWarn, "project discovery failed",
			slog.String("account", a.ID), slog.Any("error", err))
	}

	a.Token.ProjectID = FallbackProjectID(a.Email)
	a.Token.ProjectIDGuessed = true
	m.storeToken(ctx, a)
}

// FallbackProjectID derives the synthetic project id used when upstream
// discovery fails: "cloud-code-" plus the local part of the email.
func FallbackProjectID(email string) string {
	local, _, _ := strings.Cut(email, "@")
	return "cloud-code-" + local
}

// storeToken persists updated token material and refreshes the in-memory
// copy under the lock.
func (m *Manager) storeToken(ctx context.Context, a *agate.Account) {
	if err := m.store.UpdateToken(ctx, a.ID, a.Token); err != nil {
		m.log.LogAttrs(ctx, slog.LevelWarn, "persist token failed",
			slog.String("account", a.ID), slog.Any("error", err))
		return
	}
	m.mu.Lock()
	if cur, ok := m.accounts[a.ID]; ok {
		cur.Token = a.Token.Clone()
	}
	m.mu.Unlock()
}

// UpdateAccount replaces or inserts one account in the in-memory map.
// The monitor calls this after writing quota or status changes.
func (m *Manager) UpdateAccount(a *agate.Account) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.accounts[a.ID]; !ok {
		m.order = append(m.order, a.ID)
	}
	m.accounts[a.ID] = snapshot(a)
}

// Active returns the account currently flagged active, or nil.
func (m *Manager) Active() *agate.Account {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.accounts {
		if a.IsActive {
			return snapshot(a)
		}
	}
	return nil
}
