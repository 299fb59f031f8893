// Package cache implements the semantic response cache: an exact
// prompt-hash index with a vector-similarity fallback, persisted in the
// store and fronted by an in-memory layer.
package cache

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	agate "github.com/cascadelabs/agate/internal"
	"github.com/cascadelabs/agate/internal/storage"
)

// Embedder produces unit-normalised embedding vectors for prompt text.
type Embedder interface {
	EmbedText(ctx context.Context, accessToken, text string) ([]float32, error)
}

// Service is the semantic cache. Lookup tries the in-memory layer, then the
// exact hash index, then a vector scan. All failures degrade to a miss.
type Service struct {
	store     storage.CacheStore
	embedder  Embedder
	memory    *memoryLayer
	threshold float64
	log       *slog.Logger
}

// Options tunes the cache service.
type Options struct {
	Threshold        float64 // similarity cutoff, default 0.97
	MaxMemoryEntries int
	MemoryTTL        time.Duration
}

// New creates a cache Service. embedder may be nil; semantic lookup is then
// skipped and only exact matches hit.
func New(store storage.CacheStore, embedder Embedder, opts Options, log *slog.Logger) (*Service, error) {
	if opts.Threshold == 0 {
		opts.Threshold = 0.97
	}
	if opts.MaxMemoryEntries == 0 {
		opts.MaxMemoryEntries = 1024
	}
	if opts.MemoryTTL == 0 {
		opts.MemoryTTL = 10 * time.Minute
	}
	if log == nil {
		log = slog.Default()
	}
	mem, err := newMemoryLayer(opts.MaxMemoryEntries, opts.MemoryTTL)
	if err != nil {
		return nil, err
	}
	return &Service{
		store:     store,
		embedder:  embedder,
		memory:    mem,
		threshold: opts.Threshold,
		log:       log,
	}, nil
}

// Lookup returns the cached response for prompt, if any. accessToken is
// used for the embedding call on the semantic path; an embedding failure
// skips that path rather than failing the lookup.
func (s *Service) Lookup(ctx context.Context, accessToken, prompt string) (string, bool) {
	hash := agate.HashPrompt(prompt)
	if resp, ok := s.memory.get(hash); ok {
		return resp, true
	}

	resp, ok, err := s.store.FindExact(ctx, prompt)
	if err != nil {
		s.log.LogAttrs(ctx, slog.LevelWarn, "cache exact lookup failed", slog.Any("error", err))
	} else if ok {
		s.memory.set(hash, resp)
		return resp, true
	}

	if s.embedder == nil {
		return "", false
	}
	vec, err := s.embedder.EmbedText(ctx, accessToken, prompt)
	if err != nil {
		s.log.LogAttrs(ctx, slog.LevelDebug, "embedding failed, skipping semantic lookup",
			slog.Any("error", err))
		return "", false
	}
	resp, ok, err = s.store.FindSemantic(ctx, vec, s.threshold)
	if err != nil {
		s.log.LogAttrs(ctx, slog.LevelWarn, "cache semantic lookup failed", slog.Any("error", err))
		return "", false
	}
	if ok {
		s.memory.set(hash, resp)
	}
	return resp, ok
}

// Save persists a realised response asynchronously. A cache-write failure
// must never fail the client request, so errors are logged and dropped.
// The write uses its own context: the request's context is usually being
// cancelled right as the response finishes.
func (s *Service) Save(accessToken, prompt, response, model string) {
	hash := agate.HashPrompt(prompt)
	s.memory.set(hash, response)

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		entry := &agate.CacheEntry{
			ID:           uuid.NewString(),
			PromptHash:   hash,
			PromptText:   prompt,
			ResponseText: response,
			Model:        model,
			CreatedAt:    time.Now().Unix(),
		}
		if s.embedder != nil {
			if vec, err := s.embedder.EmbedText(ctx, accessToken, prompt); err == nil {
				entry.Embedding = vec
			}
		}
		if err := s.store.SaveEntry(ctx, entry); err != nil {
			s.log.LogAttrs(ctx, slog.LevelWarn, "cache save failed", slog.Any("error", err))
		}
	}()
}

// Purge drops every cached entry, memory and persistent.
func (s *Service) Purge(ctx context.Context) error {
	s.memory.purge()
	return s.store.PurgeCache(ctx)
}
