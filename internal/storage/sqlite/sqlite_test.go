package sqlite

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	agate "github.com/cascadelabs/agate/internal"
	"github.com/cascadelabs/agate/internal/secrets"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	// Use a unique file-based temp DB for each test to avoid shared :memory: races
	path := t.TempDir() + "/test.db"
	s, err := New(context.Background(), path, secrets.Static("test-master-key"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testAccount(id string) *agate.Account {
	return &agate.Account{
		ID:       id,
		Provider: agate.ProviderGoogle,
		Email:    id + "@example.com",
		Name:     "Test User",
		Token: &agate.Token{
			AccessToken:     "ya29.secret-" + id,
			RefreshToken:    "1//refresh-" + id,
			ExpiryTimestamp: time.Now().Add(time.Hour).Unix(),
		},
		CreatedAt: time.Now().Unix(),
		Status:    agate.StatusActive,
	}
}

func TestAccountRoundTrip(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	a := testAccount("acc-1")
	a.SelectedModels = []string{"gemini-3-pro-preview"}
	if err := s.Add(ctx, a); err != nil {
		t.Fatal("add:", err)
	}

	got, err := s.Get(ctx, "acc-1")
	if err != nil {
		t.Fatal("get:", err)
	}
	if got.Email != a.Email {
		t.Errorf("email = %q, want %q", got.Email, a.Email)
	}
	if got.Token == nil || got.Token.AccessToken != a.Token.AccessToken {
		t.Errorf("token did not round-trip: %+v", got.Token)
	}
	if len(got.SelectedModels) != 1 || got.SelectedModels[0] != "gemini-3-pro-preview" {
		t.Errorf("selected_models = %v", got.SelectedModels)
	}

	if err := s.UpdateStatus(ctx, "acc-1", agate.StatusRateLimited); err != nil {
		t.Fatal("status:", err)
	}
	if err := s.UpdateQuota(ctx, "acc-1", &agate.Quota{
		Models: map[string]agate.ModelQuota{"gemini-3-pro-preview": {Percentage: 42}},
	}); err != nil {
		t.Fatal("quota:", err)
	}

	got, err = s.Get(ctx, "acc-1")
	if err != nil {
		t.Fatal("get:", err)
	}
	if got.Status != agate.StatusRateLimited {
		t.Errorf("status = %q, want rate_limited", got.Status)
	}
	if got.Quota == nil || got.Quota.Models["gemini-3-pro-preview"].Percentage != 42 {
		t.Errorf("quota did not round-trip: %+v", got.Quota)
	}

	if err := s.Remove(ctx, "acc-1"); err != nil {
		t.Fatal("remove:", err)
	}
	if _, err := s.Get(ctx, "acc-1"); !errors.Is(err, agate.ErrNotFound) {
		t.Errorf("after remove err = %v, want ErrNotFound", err)
	}
	if err := s.Remove(ctx, "acc-1"); !errors.Is(err, agate.ErrNotFound) {
		t.Errorf("double remove err = %v, want ErrNotFound", err)
	}
}

func TestActiveSingleton(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	a := testAccount("acc-1")
	a.IsActive = true
	b := testAccount("acc-2")
	b.IsActive = true

	if err := s.Add(ctx, a); err != nil {
		t.Fatal("add a:", err)
	}
	if err := s.Add(ctx, b); err != nil {
		t.Fatal("add b:", err)
	}

	assertSingleActive := func(wantID string) {
		t.Helper()
		accounts, err := s.List(ctx)
		if err != nil {
			t.Fatal("list:", err)
		}
		var active []string
		for _, acc := range accounts {
			if acc.IsActive {
				active = append(active, acc.ID)
			}
		}
		if len(active) != 1 || active[0] != wantID {
			t.Errorf("active = %v, want [%s]", active, wantID)
		}
	}

	// Adding an active account demotes the previous one.
	assertSingleActive("acc-2")

	if err := s.SetActive(ctx, "acc-1"); err != nil {
		t.Fatal("activate:", err)
	}
	assertSingleActive("acc-1")

	if err := s.SetActive(ctx, "nope"); !errors.Is(err, agate.ErrNotFound) {
		t.Errorf("activate missing err = %v, want ErrNotFound", err)
	}
}

func TestTokenExpiryMonotonic(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	a := testAccount("acc-1")
	a.Token.ExpiryTimestamp = 2000
	if err := s.Add(ctx, a); err != nil {
		t.Fatal("add:", err)
	}

	// Earlier expiry is rejected.
	stale := &agate.Token{AccessToken: "stale", ExpiryTimestamp: 1000}
	if err := s.UpdateToken(ctx, "acc-1", stale); err == nil {
		t.Fatal("expected expiry regression to be rejected")
	}
	got, _ := s.Get(ctx, "acc-1")
	if got.Token.AccessToken != a.Token.AccessToken {
		t.Errorf("rejected update overwrote token: %q", got.Token.AccessToken)
	}

	// Equal and later expiries are accepted.
	same := &agate.Token{AccessToken: "same", ExpiryTimestamp: 2000}
	if err := s.UpdateToken(ctx, "acc-1", same); err != nil {
		t.Fatal("equal expiry:", err)
	}
	fresh := &agate.Token{AccessToken: "fresh", ExpiryTimestamp: 3000}
	if err := s.UpdateToken(ctx, "acc-1", fresh); err != nil {
		t.Fatal("later expiry:", err)
	}
	got, _ = s.Get(ctx, "acc-1")
	if got.Token.AccessToken != "fresh" {
		t.Errorf("access token = %q, want fresh", got.Token.AccessToken)
	}

	if err := s.UpdateToken(ctx, "nope", fresh); !errors.Is(err, agate.ErrNotFound) {
		t.Errorf("update missing err = %v, want ErrNotFound", err)
	}
}

func TestTokenEncryptedAtRest(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	a := testAccount("acc-1")
	if err := s.Add(ctx, a); err != nil {
		t.Fatal("add:", err)
	}

	var col string
	if err := s.read.QueryRowContext(ctx,
		`SELECT token FROM accounts WHERE id='acc-1'`).Scan(&col); err != nil {
		t.Fatal("raw read:", err)
	}
	if strings.Contains(col, a.Token.AccessToken) {
		t.Error("access token stored in plaintext")
	}
	if strings.HasPrefix(col, "{") {
		t.Error("token column is plaintext JSON")
	}
}

func TestInitHealsPlaintextRows(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	// Simulate a row written by a pre-encryption version.
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO accounts (id, provider, email, token, created_at, last_used, status, is_active)
		 VALUES ('legacy', 'google', 'legacy@example.com',
		   '{"access_token":"plain-secret","expiry_timestamp":5000}', 0, 0, 'active', 0)`)
	if err != nil {
		t.Fatal("insert legacy:", err)
	}

	if err := s.Init(ctx); err != nil {
		t.Fatal("init:", err)
	}

	var col string
	if err := s.read.QueryRowContext(ctx,
		`SELECT token FROM accounts WHERE id='legacy'`).Scan(&col); err != nil {
		t.Fatal("raw read:", err)
	}
	if strings.HasPrefix(col, "{") {
		t.Error("legacy row still plaintext after Init")
	}

	got, err := s.Get(ctx, "legacy")
	if err != nil {
		t.Fatal("get:", err)
	}
	if got.Token.AccessToken != "plain-secret" {
		t.Errorf("healed token = %q, want plain-secret", got.Token.AccessToken)
	}

	// Running Init again must be a no-op.
	if err := s.Init(ctx); err != nil {
		t.Fatal("second init:", err)
	}
}

func TestListSkipsUndecryptableRows(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Add(ctx, testAccount("good")); err != nil {
		t.Fatal("add:", err)
	}
	// Not plaintext JSON and not a valid sealed blob.
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO accounts (id, provider, email, token, created_at, last_used, status, is_active)
		 VALUES ('bad', 'google', 'bad@example.com', 'AAAAnotsealed', 0, 0, 'active', 0)`)
	if err != nil {
		t.Fatal("insert bad:", err)
	}

	accounts, err := s.List(ctx)
	if err != nil {
		t.Fatal("list:", err)
	}
	if len(accounts) != 1 || accounts[0].ID != "good" {
		t.Errorf("list = %d accounts, want only the good row", len(accounts))
	}
}

func TestSettings(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	v, err := s.GetSetting(ctx, agate.SettingAutoSwitch, "false")
	if err != nil {
		t.Fatal("get:", err)
	}
	if v != "false" {
		t.Errorf("fallback = %q, want false", v)
	}

	if err := s.SetSetting(ctx, agate.SettingAutoSwitch, "true"); err != nil {
		t.Fatal("set:", err)
	}
	if err := s.SetSetting(ctx, agate.SettingAutoSwitch, "false"); err != nil {
		t.Fatal("overwrite:", err)
	}
	v, _ = s.GetSetting(ctx, agate.SettingAutoSwitch, "true")
	if v != "false" {
		t.Errorf("value = %q, want false", v)
	}
}

func TestSemanticCache(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	entry := &agate.CacheEntry{
		ID:           "e1",
		PromptHash:   agate.HashPrompt("what is go"),
		PromptText:   "what is go",
		Embedding:    []float32{1, 0, 0},
		ResponseText: "a programming language",
		Model:        "gemini-3-pro-preview",
		CreatedAt:    time.Now().Unix(),
	}
	if err := s.SaveEntry(ctx, entry); err != nil {
		t.Fatal("save:", err)
	}

	resp, ok, err := s.FindExact(ctx, "what is go")
	if err != nil || !ok {
		t.Fatalf("exact: ok=%v err=%v", ok, err)
	}
	if resp != entry.ResponseText {
		t.Errorf("exact resp = %q", resp)
	}
	// Hashing trims whitespace, so padded prompts still hit.
	if _, ok, _ := s.FindExact(ctx, "  what is go  "); !ok {
		t.Error("trimmed prompt should hit")
	}
	if _, ok, _ := s.FindExact(ctx, "what is rust"); ok {
		t.Error("different prompt should miss")
	}

	// Dot product at the threshold hits; below it misses.
	if _, ok, _ := s.FindSemantic(ctx, []float32{1, 0, 0}, 0.97); !ok {
		t.Error("identical vector should hit at 0.97")
	}
	if _, ok, _ := s.FindSemantic(ctx, []float32{0.9, 0.1, 0}, 0.97); ok {
		t.Error("dissimilar vector should miss at 0.97")
	}
	if _, ok, _ := s.FindSemantic(ctx, nil, 0.97); ok {
		t.Error("empty query should miss")
	}

	if err := s.PurgeCache(ctx); err != nil {
		t.Fatal("purge:", err)
	}
	if _, ok, _ := s.FindExact(ctx, "what is go"); ok {
		t.Error("cache should be empty after purge")
	}
}
