package cache

import (
	"fmt"
	"time"

	"github.com/maypok86/otter/v2"
)

// memoryLayer is a W-TinyLFU front cache over the persistent store, keyed
// by prompt hash. It absorbs repeat lookups without touching SQLite.
type memoryLayer struct {
	cache *otter.Cache[string, string]
}

func newMemoryLayer(maxSize int, ttl time.Duration) (*memoryLayer, error) {
	c, err := otter.New[string, string](&otter.Options[string, string]{
		MaximumSize:      maxSize,
		ExpiryCalculator: otter.ExpiryWriting[string, string](ttl),
	})
	if err != nil {
		return nil, fmt.Errorf("create memory cache: %w", err)
	}
	return &memoryLayer{cache: c}, nil
}

func (m *memoryLayer) get(hash string) (string, bool) {
	return m.cache.GetIfPresent(hash)
}

func (m *memoryLayer) set(hash, response string) {
	m.cache.Set(hash, response)
}

func (m *memoryLayer) purge() {
	m.cache.InvalidateAll()
}
