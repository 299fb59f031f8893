package app

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/tidwall/gjson"

	agate "github.com/cascadelabs/agate/internal"
	"github.com/cascadelabs/agate/internal/cache"
	"github.com/cascadelabs/agate/internal/testutil"
	"github.com/cascadelabs/agate/internal/token"
	"github.com/cascadelabs/agate/internal/translate"
	"github.com/cascadelabs/agate/internal/upstream/sseutil"
)

const geminiOK = `{
	"candidates": [{"content": {"parts": [{"text": "pong"}]}, "finishReason": "STOP"}],
	"usageMetadata": {"promptTokenCount": 1, "candidatesTokenCount": 1}
}`

func seedAccounts(t *testing.T, accounts ...*agate.Account) *testutil.FakeStore {
	t.Helper()
	store := testutil.NewFakeStore()
	for _, a := range accounts {
		if err := store.Add(context.Background(), a); err != nil {
			t.Fatal("seed:", err)
		}
	}
	return store
}

func cloudAccount(id string) *agate.Account {
	return &agate.Account{
		ID:       id,
		Provider: agate.ProviderGoogle,
		Email:    id + "@example.com",
		Status:   agate.StatusActive,
		Token: &agate.Token{
			AccessToken:     "tok-" + id,
			ProjectID:       "proj-" + id,
			ExpiryTimestamp: time.Now().Add(24 * time.Hour).Unix(),
		},
	}
}

func newProxy(t *testing.T, cloud *testutil.FakeCloud, c *cache.Service, accounts ...*agate.Account) (*ProxyService, *token.Manager) {
	t.Helper()
	store := seedAccounts(t, accounts...)
	tokens := token.New(store, cloud, cloud, nil)
	if err := tokens.Load(context.Background()); err != nil {
		t.Fatal("load:", err)
	}
	return NewProxyService(tokens, cloud, nil, c, nil), tokens
}

func chatReq(stream bool) *translate.ChatRequest {
	content, _ := json.Marshal("ping")
	return &translate.ChatRequest{
		Model:    "claude-sonnet-4",
		Stream:   stream,
		Messages: []translate.ChatMessage{{Role: "user", Content: content}},
	}
}

func TestChatCompletionCloud(t *testing.T) {
	t.Parallel()
	cloud := &testutil.FakeCloud{GenerateResp: []byte(geminiOK)}
	p, _ := newProxy(t, cloud, nil, cloudAccount("a"))

	res, err := p.ChatCompletion(context.Background(), chatReq(false))
	if err != nil {
		t.Fatal(err)
	}
	if got := gjson.GetBytes(res.Body, "choices.0.message.content").String(); got != "pong" {
		t.Errorf("content = %q", got)
	}
	if got := gjson.GetBytes(res.Body, "model").String(); got != "claude-sonnet-4" {
		t.Errorf("model echoed = %q", got)
	}
}

func TestRateLimitRotatesAccounts(t *testing.T) {
	t.Parallel()
	cloud := &testutil.FakeCloud{GenerateErr: errors.New("googleapi: Error 429: RESOURCE_EXHAUSTED")}
	p, tokens := newProxy(t, cloud, nil, cloudAccount("a"), cloudAccount("b"), cloudAccount("c"))

	_, err := p.ChatCompletion(context.Background(), chatReq(false))
	if !errors.Is(err, agate.ErrRateLimited) {
		t.Fatalf("err = %v, want ErrRateLimited", err)
	}
	if cloud.GenerateCalls != 3 {
		t.Errorf("attempts = %d, want 3", cloud.GenerateCalls)
	}

	// Every attempted account went into cooldown; nothing is selectable.
	if _, err := tokens.GetNext(context.Background(), ""); !errors.Is(err, agate.ErrNoAccount) {
		t.Errorf("post-retry GetNext err = %v, want ErrNoAccount", err)
	}
}

func TestNoAccountErrorNamesModel(t *testing.T) {
	t.Parallel()
	p, _ := newProxy(t, &testutil.FakeCloud{}, nil)

	req := chatReq(false)
	req.Model = "gpt-4"
	_, err := p.ChatCompletion(context.Background(), req)
	if !errors.Is(err, agate.ErrNoAccount) {
		t.Fatalf("err = %v, want ErrNoAccount", err)
	}
	// The client-facing message must say which model had no account.
	if !strings.Contains(err.Error(), `"gpt-4"`) {
		t.Errorf("err = %q, want the requested model named", err)
	}
}

func TestNonRetriableErrorTerminates(t *testing.T) {
	t.Parallel()
	cloud := &testutil.FakeCloud{GenerateErr: errors.New("invalid argument")}
	p, _ := newProxy(t, cloud, nil, cloudAccount("a"), cloudAccount("b"))

	if _, err := p.ChatCompletion(context.Background(), chatReq(false)); err == nil {
		t.Fatal("want error")
	}
	if cloud.GenerateCalls != 1 {
		t.Errorf("attempts = %d, want 1 for non-retriable error", cloud.GenerateCalls)
	}
}

func TestEmptyStreamRetries(t *testing.T) {
	t.Parallel()
	// Every stream closes without data; the proxy should burn all attempts.
	cloud := &testutil.FakeCloud{}
	p, _ := newProxy(t, cloud, nil, cloudAccount("a"))

	_, err := p.ChatCompletion(context.Background(), chatReq(true))
	if !errors.Is(err, agate.ErrEmptyStream) {
		t.Fatalf("err = %v, want ErrEmptyStream", err)
	}
	if cloud.StreamCalls != 3 {
		t.Errorf("attempts = %d, want 3", cloud.StreamCalls)
	}
}

func TestStreamingChatCompletion(t *testing.T) {
	t.Parallel()
	cloud := &testutil.FakeCloud{StreamEvents: []sseutil.Event{
		{Data: []byte(`{"candidates":[{"content":{"parts":[{"text":"pong"}]},"finishReason":"STOP"}]}`)},
	}}
	p, _ := newProxy(t, cloud, nil, cloudAccount("a"))

	res, err := p.ChatCompletion(context.Background(), chatReq(true))
	if err != nil {
		t.Fatal(err)
	}
	var frames []agate.StreamFrame
	for f := range res.Frames {
		frames = append(frames, f)
	}
	if len(frames) != 3 {
		t.Fatalf("frame count = %d, want 3", len(frames))
	}
	if got := gjson.GetBytes(frames[0].Data, "choices.0.delta.content").String(); got != "pong" {
		t.Errorf("delta = %q", got)
	}
	if !frames[2].Done {
		t.Error("want trailing Done")
	}
}

func TestMessagesLocalAccount(t *testing.T) {
	t.Parallel()
	local := &agate.Account{
		ID:       "loc",
		Provider: agate.ProviderLocalOllama,
		Email:    "local-ollama@local",
		Status:   agate.StatusActive,
		IsActive: true,
		Token:    &agate.Token{RefreshToken: "http://localhost:11434/v1", ProjectID: "llama3"},
	}
	store := seedAccounts(t, local)
	tokens := token.New(store, nil, nil, nil)
	if err := tokens.Load(context.Background()); err != nil {
		t.Fatal("load:", err)
	}

	fl := &fakeLocal{resp: []byte(`{
		"choices": [{"message": {"role": "assistant", "content": "from llama"}, "finish_reason": "stop"}],
		"usage": {"prompt_tokens": 2, "completion_tokens": 4}
	}`)}
	p := NewProxyService(tokens, nil, func(string) LocalClient { return fl }, nil, nil)

	content, _ := json.Marshal("hi")
	res, err := p.Messages(context.Background(), &translate.MessagesRequest{
		Model:     "claude-sonnet-4",
		MaxTokens: 100,
		System:    json.RawMessage(`"be nice"`),
		Messages:  []translate.AnthropicMsg{{Role: "user", Content: content}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if got := gjson.GetBytes(res.Body, "content.0.text").String(); got != "from llama" {
		t.Errorf("content = %q", got)
	}
	// The local server sees the account's model and an OpenAI-shaped body.
	sent := gjson.ParseBytes(fl.lastBody)
	if sent.Get("model").String() != "llama3" {
		t.Errorf("dispatched model = %q", sent.Get("model").String())
	}
	if sent.Get("messages.0.role").String() != "system" || sent.Get("messages.0.content").String() != "be nice" {
		t.Errorf("system turn = %s", sent.Get("messages.0").Raw)
	}
	if sent.Get("max_tokens").Int() != 100 {
		t.Errorf("max_tokens = %d", sent.Get("max_tokens").Int())
	}
	// Reported usage passes through unchanged.
	if got := gjson.GetBytes(res.Body, "usage.input_tokens").Int(); got != 2 {
		t.Errorf("input_tokens = %d, want reported value", got)
	}
}

func TestMessagesLocalEstimatesMissingUsage(t *testing.T) {
	t.Parallel()
	local := &agate.Account{
		ID:       "loc",
		Provider: agate.ProviderLocalOllama,
		Email:    "local-ollama@local",
		Status:   agate.StatusActive,
		IsActive: true,
		Token:    &agate.Token{RefreshToken: "http://localhost:11434/v1", ProjectID: "llama3"},
	}
	store := seedAccounts(t, local)
	tokens := token.New(store, nil, nil, nil)
	if err := tokens.Load(context.Background()); err != nil {
		t.Fatal("load:", err)
	}

	// No usage object at all: both counts get estimated.
	fl := &fakeLocal{resp: []byte(`{
		"choices": [{"message": {"role": "assistant", "content": "from llama"}, "finish_reason": "stop"}]
	}`)}
	p := NewProxyService(tokens, nil, func(string) LocalClient { return fl }, nil, nil)

	content, _ := json.Marshal("hi")
	res, err := p.Messages(context.Background(), &translate.MessagesRequest{
		Model:    "claude-sonnet-4",
		System:   json.RawMessage(`"be nice"`),
		Messages: []translate.AnthropicMsg{{Role: "user", Content: content}},
	})
	if err != nil {
		t.Fatal(err)
	}
	// "be nice" (2 tokens) and "hi" (1 token) plus per-message framing.
	if got := gjson.GetBytes(res.Body, "usage.input_tokens").Int(); got != 14 {
		t.Errorf("estimated input_tokens = %d, want 14", got)
	}
	if gjson.GetBytes(res.Body, "usage.output_tokens").Int() == 0 {
		t.Error("output_tokens should be estimated from the content")
	}
}

func TestCacheHitServesSyntheticResponse(t *testing.T) {
	t.Parallel()
	store := testutil.NewFakeStore()
	cloud := &testutil.FakeCloud{EmbedErr: agate.ErrTransient} // force exact-match only
	svc, err := cache.New(store, cloud, cache.Options{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	store.SaveEntry(context.Background(), &agate.CacheEntry{
		ID:           "e1",
		PromptHash:   agate.HashPrompt("ping"),
		PromptText:   "ping",
		ResponseText: "cached pong",
	})

	p, _ := newProxy(t, cloud, svc, cloudAccount("a"))

	res, err := p.ChatCompletion(context.Background(), chatReq(false))
	if err != nil {
		t.Fatal(err)
	}
	if got := gjson.GetBytes(res.Body, "choices.0.message.content").String(); got != "cached pong" {
		t.Errorf("content = %q, want cached response", got)
	}
	if cloud.GenerateCalls != 0 {
		t.Errorf("upstream calls = %d, want 0 on cache hit", cloud.GenerateCalls)
	}
}

func TestPeekStream(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	// Closed without data.
	empty := make(chan agate.StreamFrame)
	close(empty)
	if _, err := peekStream(ctx, empty); !errors.Is(err, agate.ErrEmptyStream) {
		t.Errorf("empty err = %v", err)
	}

	// Error-first.
	failed := make(chan agate.StreamFrame, 1)
	failed <- agate.StreamFrame{Err: agate.ErrTransient}
	close(failed)
	if _, err := peekStream(ctx, failed); !errors.Is(err, agate.ErrTransient) {
		t.Errorf("error-first err = %v", err)
	}

	// Healthy stream: the peeked frame is replayed.
	ok := make(chan agate.StreamFrame, 2)
	ok <- agate.StreamFrame{Data: []byte("one")}
	ok <- agate.StreamFrame{Done: true}
	close(ok)
	out, err := peekStream(ctx, ok)
	if err != nil {
		t.Fatal(err)
	}
	first := <-out
	if string(first.Data) != "one" {
		t.Errorf("first frame = %q", first.Data)
	}
	second := <-out
	if !second.Done {
		t.Error("second frame should be the Done frame")
	}
}

// fakeLocal records the last dispatched body.
type fakeLocal struct {
	resp     []byte
	lastBody []byte
}

func (f *fakeLocal) ChatCompletion(_ context.Context, body json.RawMessage) ([]byte, error) {
	f.lastBody = body
	return f.resp, nil
}

func (f *fakeLocal) ChatCompletionStream(_ context.Context, body json.RawMessage) (<-chan sseutil.Event, error) {
	f.lastBody = body
	ch := make(chan sseutil.Event)
	close(ch)
	return ch, nil
}
