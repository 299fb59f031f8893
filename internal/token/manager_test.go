package token

import (
	"context"
	"errors"
	"testing"
	"time"

	agate "github.com/cascadelabs/agate/internal"
	"github.com/cascadelabs/agate/internal/testutil"
)

func cloudAccount(id string) *agate.Account {
	return &agate.Account{
		ID:       id,
		Provider: agate.ProviderGoogle,
		Email:    id + "@example.com",
		Status:   agate.StatusActive,
		Token: &agate.Token{
			AccessToken:     "tok-" + id,
			RefreshToken:    "refresh-" + id,
			ProjectID:       "proj-" + id,
			ExpiryTimestamp: time.Now().Add(24 * time.Hour).Unix(),
		},
	}
}

func newTestManager(t *testing.T, cloud *testutil.FakeCloud, accounts ...*agate.Account) (*Manager, *testutil.FakeStore) {
	t.Helper()
	store := testutil.NewFakeStore()
	ctx := context.Background()
	for _, a := range accounts {
		if err := store.Add(ctx, a); err != nil {
			t.Fatal("seed:", err)
		}
	}
	m := New(store, cloud, cloud, nil)
	if err := m.Load(ctx); err != nil {
		t.Fatal("load:", err)
	}
	return m, store
}

func TestGetNextRoundRobin(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(t, &testutil.FakeCloud{},
		cloudAccount("a"), cloudAccount("b"), cloudAccount("c"))
	ctx := context.Background()

	var got []string
	for i := 0; i < 6; i++ {
		acct, err := m.GetNext(ctx, "gemini-3-pro-preview")
		if err != nil {
			t.Fatal("get next:", err)
		}
		got = append(got, acct.ID)
	}
	want := []string{"a", "b", "c", "a", "b", "c"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("rotation = %v, want %v", got, want)
		}
	}
}

func TestGetNextNoAccount(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(t, &testutil.FakeCloud{})
	if _, err := m.GetNext(context.Background(), "gemini-3-pro-preview"); !errors.Is(err, agate.ErrNoAccount) {
		t.Errorf("err = %v, want ErrNoAccount", err)
	}
}

func TestSelectedModelsFilter(t *testing.T) {
	t.Parallel()
	pro := cloudAccount("pro-only")
	pro.SelectedModels = []string{"gemini-3-pro-preview"}
	open := cloudAccount("open")
	m, _ := newTestManager(t, &testutil.FakeCloud{}, pro, open)
	ctx := context.Background()

	// A model outside pro-only's selection always lands on the open account.
	for i := 0; i < 4; i++ {
		acct, err := m.GetNext(ctx, "gemini-2.0-flash-exp")
		if err != nil {
			t.Fatal("get next:", err)
		}
		if acct.ID != "open" {
			t.Fatalf("attempt %d picked %q, want open", i, acct.ID)
		}
	}

	// Selection comparison is normalised: prefix and case are ignored.
	seen := map[string]bool{}
	for i := 0; i < 4; i++ {
		acct, err := m.GetNext(ctx, "models/GEMINI-3-PRO-PREVIEW")
		if err != nil {
			t.Fatal("get next:", err)
		}
		seen[acct.ID] = true
	}
	if !seen["pro-only"] || !seen["open"] {
		t.Errorf("normalised model should rotate both accounts, saw %v", seen)
	}
}

func TestCooldown(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(t, &testutil.FakeCloud{},
		cloudAccount("a"), cloudAccount("b"))
	ctx := context.Background()

	now := time.Now()
	m.clock = func() time.Time { return now }

	m.MarkRateLimited("a@example.com")
	for i := 0; i < 3; i++ {
		acct, err := m.GetNext(ctx, "")
		if err != nil {
			t.Fatal("get next:", err)
		}
		if acct.ID != "b" {
			t.Fatalf("cooling account selected: %q", acct.ID)
		}
	}

	// The cooldown is inclusive of its deadline: at exactly until the
	// account is selectable again.
	now = now.Add(5 * time.Minute)
	seen := map[string]bool{}
	for i := 0; i < 4; i++ {
		acct, err := m.GetNext(ctx, "")
		if err != nil {
			t.Fatal("get next:", err)
		}
		seen[acct.ID] = true
	}
	if !seen["a"] {
		t.Error("account should rejoin rotation after cooldown expires")
	}

	m.MarkRateLimited("b@example.com")
	m.ResetCooldown("b@example.com")
	seen = map[string]bool{}
	for i := 0; i < 4; i++ {
		acct, _ := m.GetNext(ctx, "")
		seen[acct.ID] = true
	}
	if !seen["b"] {
		t.Error("reset cooldown should restore the account immediately")
	}
}

func TestActiveLocalPinPreemptsRotation(t *testing.T) {
	t.Parallel()
	local := &agate.Account{
		ID:       "loc",
		Provider: agate.ProviderLocalOllama,
		Email:    "local-ollama@local",
		Status:   agate.StatusActive,
		IsActive: true,
		Token:    &agate.Token{RefreshToken: "http://localhost:11434/v1", ProjectID: "llama3"},
	}
	m, _ := newTestManager(t, &testutil.FakeCloud{}, cloudAccount("a"), local)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		acct, err := m.GetNext(ctx, "llama3")
		if err != nil {
			t.Fatal("get next:", err)
		}
		if acct.ID != "loc" {
			t.Fatalf("attempt %d routed to %q, want pinned local account", i, acct.ID)
		}
	}
}

func TestEnsureFreshRefreshesExpiringToken(t *testing.T) {
	t.Parallel()
	a := cloudAccount("a")
	a.Token.ExpiryTimestamp = time.Now().Add(time.Minute).Unix() // inside the window
	cloud := &testutil.FakeCloud{
		RefreshResp: &agate.Token{
			AccessToken:     "fresh",
			RefreshToken:    a.Token.RefreshToken,
			ProjectID:       a.Token.ProjectID,
			ExpiryTimestamp: time.Now().Add(time.Hour).Unix(),
		},
	}
	m, store := newTestManager(t, cloud, a)

	acct, err := m.GetNext(context.Background(), "")
	if err != nil {
		t.Fatal("get next:", err)
	}
	if acct.Token.AccessToken != "fresh" {
		t.Errorf("access token = %q, want fresh", acct.Token.AccessToken)
	}
	if cloud.RefreshCalls != 1 {
		t.Errorf("refresh calls = %d, want 1", cloud.RefreshCalls)
	}

	// The refreshed token is persisted.
	stored, err := store.Get(context.Background(), "a")
	if err != nil {
		t.Fatal("get stored:", err)
	}
	if stored.Token.AccessToken != "fresh" {
		t.Errorf("stored token = %q, want fresh", stored.Token.AccessToken)
	}
}

func TestRefreshFailureDegrades(t *testing.T) {
	t.Parallel()
	a := cloudAccount("a")
	a.Token.ExpiryTimestamp = time.Now().Add(time.Minute).Unix()
	cloud := &testutil.FakeCloud{RefreshErr: agate.ErrTransient}
	m, _ := newTestManager(t, cloud, a)

	acct, err := m.GetNext(context.Background(), "")
	if err != nil {
		t.Fatal("get next:", err)
	}
	if acct.Token.AccessToken != "tok-a" {
		t.Errorf("degraded selection should keep the old token, got %q", acct.Token.AccessToken)
	}
}

func TestProjectIDDiscoveryAndFallback(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	a := cloudAccount("a")
	a.Token.ProjectID = ""
	cloud := &testutil.FakeCloud{ProjectID: "companion-123"}
	m, _ := newTestManager(t, cloud, a)

	acct, err := m.GetNext(ctx, "")
	if err != nil {
		t.Fatal("get next:", err)
	}
	if acct.Token.ProjectID != "companion-123" || acct.Token.ProjectIDGuessed {
		t.Errorf("project = %q guessed=%v, want discovered id", acct.Token.ProjectID, acct.Token.ProjectIDGuessed)
	}

	b := cloudAccount("b")
	b.Token.ProjectID = ""
	failing := &testutil.FakeCloud{ProjectErr: agate.ErrTransient}
	m2, store := newTestManager(t, failing, b)

	acct, err = m2.GetNext(ctx, "")
	if err != nil {
		t.Fatal("get next:", err)
	}
	if acct.Token.ProjectID != "cloud-code-b" || !acct.Token.ProjectIDGuessed {
		t.Errorf("project = %q guessed=%v, want cloud-code-b guess", acct.Token.ProjectID, acct.Token.ProjectIDGuessed)
	}

	// The guess is persisted and not re-resolved on the next request.
	stored, _ := store.Get(ctx, "b")
	if stored.Token.ProjectID != "cloud-code-b" {
		t.Errorf("stored project = %q", stored.Token.ProjectID)
	}
	if _, err := m2.GetNext(ctx, ""); err != nil {
		t.Fatal("second get next:", err)
	}
	if failing.ProjectCalls != 1 {
		t.Errorf("project discovery calls = %d, want 1", failing.ProjectCalls)
	}
}

func TestFallbackProjectID(t *testing.T) {
	t.Parallel()
	if got := FallbackProjectID("jane.doe@gmail.com"); got != "cloud-code-jane.doe" {
		t.Errorf("fallback = %q", got)
	}
	if got := FallbackProjectID("no-at-sign"); got != "cloud-code-no-at-sign" {
		t.Errorf("fallback = %q", got)
	}
}
