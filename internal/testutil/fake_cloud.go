package testutil

import (
	"context"
	"encoding/json"
	"sync"

	agate "github.com/cascadelabs/agate/internal"
	"github.com/cascadelabs/agate/internal/upstream/sseutil"
)

// FakeCloud stands in for the cloud-code client across every consumer:
// proxy dispatch, token refresh, project discovery, quota polling, and
// embedding. Each surface has a response field and an error field; errors
// win. Call counts are recorded under the mutex.
type FakeCloud struct {
	mu sync.Mutex

	GenerateResp  []byte
	GenerateErr   error
	GenerateCalls int

	// StreamEvents is replayed, one sseutil.Event per element, on each
	// GenerateStream call.
	StreamEvents []sseutil.Event
	StreamErr    error
	StreamCalls  int

	RefreshResp  *agate.Token
	RefreshErr   error
	RefreshCalls int

	ProjectID    string
	ProjectErr   error
	ProjectCalls int

	QuotaResp  *agate.Quota
	QuotaErr   error
	QuotaCalls int
	// QuotaErrs, when non-empty, is consumed one error per call before
	// QuotaResp applies. A nil element means that call succeeds.
	QuotaErrs []error

	Embedding  []float32
	EmbedErr   error
	EmbedCalls int
}

func (f *FakeCloud) Generate(_ context.Context, _, _, _ string, _ json.RawMessage) ([]byte, error) {
	f.mu.Lock()
	f.GenerateCalls++
	f.mu.Unlock()
	if f.GenerateErr != nil {
		return nil, f.GenerateErr
	}
	return f.GenerateResp, nil
}

func (f *FakeCloud) GenerateStream(_ context.Context, _, _, _ string, _ json.RawMessage) (<-chan sseutil.Event, error) {
	f.mu.Lock()
	f.StreamCalls++
	f.mu.Unlock()
	if f.StreamErr != nil {
		return nil, f.StreamErr
	}
	out := make(chan sseutil.Event, len(f.StreamEvents))
	for _, ev := range f.StreamEvents {
		out <- ev
	}
	close(out)
	return out, nil
}

func (f *FakeCloud) Refresh(_ context.Context, tok *agate.Token) (*agate.Token, error) {
	f.mu.Lock()
	f.RefreshCalls++
	f.mu.Unlock()
	if f.RefreshErr != nil {
		return nil, f.RefreshErr
	}
	if f.RefreshResp != nil {
		return f.RefreshResp.Clone(), nil
	}
	return tok.Clone(), nil
}

func (f *FakeCloud) FetchProjectID(context.Context, string) (string, error) {
	f.mu.Lock()
	f.ProjectCalls++
	f.mu.Unlock()
	if f.ProjectErr != nil {
		return "", f.ProjectErr
	}
	return f.ProjectID, nil
}

func (f *FakeCloud) FetchQuota(context.Context, string) (*agate.Quota, error) {
	f.mu.Lock()
	f.QuotaCalls++
	var next error
	if len(f.QuotaErrs) > 0 {
		next = f.QuotaErrs[0]
		f.QuotaErrs = f.QuotaErrs[1:]
	} else {
		next = f.QuotaErr
	}
	f.mu.Unlock()
	if next != nil {
		return nil, next
	}
	return f.QuotaResp, nil
}

func (f *FakeCloud) EmbedText(context.Context, string, string) ([]float32, error) {
	f.mu.Lock()
	f.EmbedCalls++
	f.mu.Unlock()
	if f.EmbedErr != nil {
		return nil, f.EmbedErr
	}
	return f.Embedding, nil
}

// Calls returns the per-surface call counts in a stable order for assertions.
func (f *FakeCloud) Calls() (generate, stream, refresh, project, quota, embed int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.GenerateCalls, f.StreamCalls, f.RefreshCalls, f.ProjectCalls, f.QuotaCalls, f.EmbedCalls
}
