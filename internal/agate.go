// Package agate defines domain types for the agate gateway.
// This package has no project imports -- it is the dependency root.
package agate

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
)

// Provider identifiers. Providers whose name starts with "local-" run on the
// user's own hardware; everything else is a cloud credential.
const (
	ProviderGoogle        = "google"
	ProviderAnthropic     = "anthropic"
	ProviderLocalOllama   = "local-ollama"
	ProviderLocalLMStudio = "local-lmstudio"
)

// Account status values.
const (
	StatusActive      = "active"
	StatusRefreshing  = "refreshing"
	StatusRateLimited = "rate_limited"
	StatusError       = "error"
)

// Account is a durable upstream credential record.
// At most one account system-wide has IsActive set (the active-singleton
// invariant, enforced transactionally by the store).
type Account struct {
	ID             string   `json:"id"`
	Provider       string   `json:"provider"`
	Email          string   `json:"email"`
	Name           string   `json:"name,omitempty"`
	AvatarURL      string   `json:"avatar_url,omitempty"`
	Token          *Token   `json:"token,omitempty"`
	Quota          *Quota   `json:"quota,omitempty"`
	CreatedAt      int64    `json:"created_at"` // Unix seconds
	LastUsed       int64    `json:"last_used"`  // Unix seconds
	Status         string   `json:"status"`
	IsActive       bool     `json:"is_active"`
	SelectedModels []string `json:"selected_models,omitempty"`
}

// IsLocal reports whether the account targets a user-run inference server.
func (a *Account) IsLocal() bool { return IsLocalProvider(a.Provider) }

// IsLocalProvider reports whether the provider name denotes a local backend.
func IsLocalProvider(provider string) bool {
	return strings.HasPrefix(provider, "local-")
}

// Token holds OAuth token material for an account.
//
// For local-provider accounts two fields are overloaded (the persisted shape
// is load-bearing and must round-trip against existing databases):
// RefreshToken carries the upstream base URL and ProjectID carries the model
// identifier.
type Token struct {
	AccessToken     string `json:"access_token"`
	RefreshToken    string `json:"refresh_token,omitempty"`
	ExpiresIn       int64  `json:"expires_in,omitempty"`
	ExpiryTimestamp int64  `json:"expiry_timestamp,omitempty"` // Unix seconds
	TokenType       string `json:"token_type,omitempty"`
	ProjectID       string `json:"project_id,omitempty"`
	SessionID       string `json:"session_id,omitempty"`
	// ProjectIDGuessed marks a deterministic fallback project id that could
	// not be confirmed upstream. It is not re-resolved per request.
	ProjectIDGuessed bool `json:"project_id_guessed,omitempty"`
	// Extra carries provider-specific overflow fields verbatim.
	Extra map[string]json.RawMessage `json:"extra,omitempty"`
}

// BaseURL returns the local upstream base URL for a local-provider token.
func (t *Token) BaseURL() string { return t.RefreshToken }

// LocalModel returns the model identifier for a local-provider token.
func (t *Token) LocalModel() string { return t.ProjectID }

// Clone returns a deep copy of the token.
func (t *Token) Clone() *Token {
	if t == nil {
		return nil
	}
	out := *t
	if t.Extra != nil {
		out.Extra = make(map[string]json.RawMessage, len(t.Extra))
		for k, v := range t.Extra {
			out.Extra[k] = v
		}
	}
	return &out
}

// Quota maps canonical model identifiers to per-model quota state.
type Quota struct {
	Models map[string]ModelQuota `json:"models"`
}

// ModelQuota is the quota state for a single model.
type ModelQuota struct {
	Percentage          float64 `json:"percentage"` // 0..100 remaining
	ResetTime           string  `json:"resetTime"`
	DisplayName         string  `json:"displayName,omitempty"`
	MaxTokenAllowed     int     `json:"maxTokenAllowed,omitempty"`
	MaxCompletionTokens int     `json:"maxCompletionTokens,omitempty"`
}

// AvgPercent returns the mean remaining percentage over the models present.
// Absent entries carry zero weight; an empty quota averages to 0.
func (q *Quota) AvgPercent() float64 {
	if q == nil || len(q.Models) == 0 {
		return 0
	}
	var sum float64
	for _, m := range q.Models {
		sum += m.Percentage
	}
	return sum / float64(len(q.Models))
}

// CacheEntry is a persisted semantic-cache row, keyed by (ID, PromptHash).
type CacheEntry struct {
	ID           string    `json:"id"`
	PromptHash   string    `json:"prompt_hash"`
	PromptText   string    `json:"prompt_text"`
	Embedding    []float32 `json:"embedding,omitempty"` // unit-normalised
	ResponseText string    `json:"response_text"`
	Model        string    `json:"model"`
	CreatedAt    int64     `json:"created_at"`
}

// SettingAutoSwitch is the settings key enabling the quota auto-switcher.
const SettingAutoSwitch = "auto_switch_enabled"

// NormalizeModel canonicalises a model identifier for comparison:
// an optional "models/" prefix is stripped and the result is case-folded.
func NormalizeModel(model string) string {
	model = strings.TrimPrefix(model, "models/")
	return strings.ToLower(model)
}

// HashPrompt returns the hex SHA-256 of the trimmed prompt text, the exact
// cache key used by the semantic cache's fast path.
func HashPrompt(prompt string) string {
	h := sha256.Sum256([]byte(strings.TrimSpace(prompt)))
	return hex.EncodeToString(h[:])
}

// StreamFrame is a single server-sent event emitted toward the client.
// Event is empty for OpenAI-style streams (data-only frames).
type StreamFrame struct {
	Event string
	Data  []byte
	Done  bool
	Err   error
}

// --- Context keys ---

type contextKey int

const ctxKeyRequestID contextKey = 0

// ContextWithRequestID returns a context carrying the given request ID.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyRequestID, id)
}

// RequestIDFromContext extracts the request ID from context, or "".
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(ctxKeyRequestID).(string)
	return id
}
