// Package testutil provides in-memory fakes for the gateway's interfaces.
package testutil

import (
	"context"
	"sync"
	"time"

	agate "github.com/cascadelabs/agate/internal"
)

// FakeStore is an in-memory implementation of storage.Store. It mirrors the
// SQLite store's behavioral contracts: Add demotes other rows when the new
// account is active, SetActive is a demote-all-then-promote, and UpdateToken
// rejects an expiry that moves backward.
type FakeStore struct {
	mu       sync.RWMutex
	accounts map[string]*agate.Account
	order    []string
	settings map[string]string
	cache    []*agate.CacheEntry

	// Err, when set, is returned by every method. Simulates storage failure.
	Err error
}

// NewFakeStore returns a FakeStore with empty collections.
func NewFakeStore() *FakeStore {
	return &FakeStore{
		accounts: make(map[string]*agate.Account),
		settings: make(map[string]string),
	}
}

func (s *FakeStore) Init(context.Context) error { return s.Err }

func (s *FakeStore) Add(_ context.Context, a *agate.Account) error {
	if s.Err != nil {
		return s.Err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if a.IsActive {
		for _, other := range s.accounts {
			other.IsActive = false
		}
	}
	if _, ok := s.accounts[a.ID]; !ok {
		s.order = append(s.order, a.ID)
	}
	cp := cloneAccount(a)
	if cp.CreatedAt == 0 {
		cp.CreatedAt = time.Now().Unix()
	}
	s.accounts[a.ID] = cp
	return nil
}

func (s *FakeStore) List(context.Context) ([]*agate.Account, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*agate.Account, 0, len(s.accounts))
	for _, id := range s.order {
		out = append(out, cloneAccount(s.accounts[id]))
	}
	return out, nil
}

func (s *FakeStore) Get(_ context.Context, id string) (*agate.Account, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.accounts[id]
	if !ok {
		return nil, agate.ErrNotFound
	}
	return cloneAccount(a), nil
}

func (s *FakeStore) Remove(_ context.Context, id string) error {
	if s.Err != nil {
		return s.Err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.accounts[id]; !ok {
		return agate.ErrNotFound
	}
	delete(s.accounts, id)
	for i, oid := range s.order {
		if oid == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return nil
}

func (s *FakeStore) UpdateToken(_ context.Context, id string, t *agate.Token) error {
	if s.Err != nil {
		return s.Err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok {
		return agate.ErrNotFound
	}
	if a.Token != nil && t.ExpiryTimestamp < a.Token.ExpiryTimestamp {
		return agate.ErrStorage
	}
	a.Token = t.Clone()
	return nil
}

func (s *FakeStore) UpdateQuota(_ context.Context, id string, q *agate.Quota) error {
	if s.Err != nil {
		return s.Err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok {
		return agate.ErrNotFound
	}
	a.Quota = q
	return nil
}

func (s *FakeStore) UpdateSelectedModels(_ context.Context, id string, models []string) error {
	if s.Err != nil {
		return s.Err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok {
		return agate.ErrNotFound
	}
	a.SelectedModels = append([]string(nil), models...)
	return nil
}

func (s *FakeStore) UpdateStatus(_ context.Context, id, status string) error {
	if s.Err != nil {
		return s.Err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok {
		return agate.ErrNotFound
	}
	a.Status = status
	return nil
}

func (s *FakeStore) UpdateLastUsed(_ context.Context, id string) error {
	if s.Err != nil {
		return s.Err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok {
		return agate.ErrNotFound
	}
	a.LastUsed = time.Now().Unix()
	return nil
}

func (s *FakeStore) SetActive(_ context.Context, id string) error {
	if s.Err != nil {
		return s.Err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	target, ok := s.accounts[id]
	if !ok {
		return agate.ErrNotFound
	}
	for _, a := range s.accounts {
		a.IsActive = false
	}
	target.IsActive = true
	return nil
}

// --- SettingsStore ---

func (s *FakeStore) GetSetting(_ context.Context, key, fallback string) (string, error) {
	if s.Err != nil {
		return "", s.Err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if v, ok := s.settings[key]; ok {
		return v, nil
	}
	return fallback, nil
}

func (s *FakeStore) SetSetting(_ context.Context, key, value string) error {
	if s.Err != nil {
		return s.Err
	}
	s.mu.Lock()
	s.settings[key] = value
	s.mu.Unlock()
	return nil
}

// --- CacheStore ---

func (s *FakeStore) FindExact(_ context.Context, prompt string) (string, bool, error) {
	if s.Err != nil {
		return "", false, s.Err
	}
	hash := agate.HashPrompt(prompt)
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, e := range s.cache {
		if e.PromptHash == hash {
			return e.ResponseText, true, nil
		}
	}
	return "", false, nil
}

func (s *FakeStore) FindSemantic(_ context.Context, query []float32, threshold float64) (string, bool, error) {
	if s.Err != nil {
		return "", false, s.Err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, e := range s.cache {
		if len(e.Embedding) != len(query) {
			continue
		}
		var dot float64
		for i, v := range e.Embedding {
			dot += float64(v) * float64(query[i])
		}
		if dot >= threshold {
			return e.ResponseText, true, nil
		}
	}
	return "", false, nil
}

func (s *FakeStore) SaveEntry(_ context.Context, e *agate.CacheEntry) error {
	if s.Err != nil {
		return s.Err
	}
	s.mu.Lock()
	s.cache = append(s.cache, e)
	s.mu.Unlock()
	return nil
}

func (s *FakeStore) PurgeCache(context.Context) error {
	if s.Err != nil {
		return s.Err
	}
	s.mu.Lock()
	s.cache = nil
	s.mu.Unlock()
	return nil
}

// CacheLen returns the number of stored cache entries.
func (s *FakeStore) CacheLen() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.cache)
}

func (s *FakeStore) Ping(context.Context) error { return s.Err }
func (s *FakeStore) Close() error               { return nil }

func cloneAccount(a *agate.Account) *agate.Account {
	out := *a
	out.Token = a.Token.Clone()
	out.SelectedModels = append([]string(nil), a.SelectedModels...)
	return &out
}
