// Package storage defines persistence interfaces for the gateway.
package storage

import (
	"context"

	agate "github.com/cascadelabs/agate/internal"
)

// AccountStore manages durable account records. Token and quota fields are
// encrypted at rest; implementations decrypt on read.
type AccountStore interface {
	// Init ensures the schema exists and heals any row whose token or quota
	// column is still plaintext JSON from a pre-encryption version. Idempotent.
	Init(ctx context.Context) error
	// Add upserts an account by ID. When the account is active, all other
	// rows are demoted in the same transaction.
	Add(ctx context.Context, a *agate.Account) error
	// List returns all accounts ordered by last_used descending.
	List(ctx context.Context) ([]*agate.Account, error)
	Get(ctx context.Context, id string) (*agate.Account, error)
	Remove(ctx context.Context, id string) error
	// UpdateToken persists new token material. A token whose expiry moves
	// backward is rejected; expiry is monotonic per account.
	UpdateToken(ctx context.Context, id string, t *agate.Token) error
	UpdateQuota(ctx context.Context, id string, q *agate.Quota) error
	UpdateSelectedModels(ctx context.Context, id string, models []string) error
	UpdateStatus(ctx context.Context, id, status string) error
	UpdateLastUsed(ctx context.Context, id string) error
	// SetActive transactionally demotes all accounts and promotes id.
	SetActive(ctx context.Context, id string) error
}

// SettingsStore manages simple string-keyed JSON settings.
type SettingsStore interface {
	GetSetting(ctx context.Context, key, fallback string) (string, error)
	SetSetting(ctx context.Context, key, value string) error
}

// CacheStore manages semantic cache rows.
type CacheStore interface {
	// FindExact returns the cached response for an exact prompt-hash match.
	FindExact(ctx context.Context, prompt string) (string, bool, error)
	// FindSemantic scans stored embeddings and returns the first response
	// whose dot product with query meets threshold. Vectors are assumed
	// unit-normalised.
	FindSemantic(ctx context.Context, query []float32, threshold float64) (string, bool, error)
	SaveEntry(ctx context.Context, e *agate.CacheEntry) error
	PurgeCache(ctx context.Context) error
}

// Store combines all storage interfaces.
type Store interface {
	AccountStore
	SettingsStore
	CacheStore
	Ping(ctx context.Context) error
	Close() error
}
