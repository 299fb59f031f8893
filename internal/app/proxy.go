// Package app wires the gateway's services together: account selection,
// upstream dispatch, protocol translation, retries, and caching.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/tidwall/gjson"

	agate "github.com/cascadelabs/agate/internal"
	"github.com/cascadelabs/agate/internal/cache"
	"github.com/cascadelabs/agate/internal/telemetry"
	"github.com/cascadelabs/agate/internal/token"
	"github.com/cascadelabs/agate/internal/tokencount"
	"github.com/cascadelabs/agate/internal/translate"
	"github.com/cascadelabs/agate/internal/upstream"
	"github.com/cascadelabs/agate/internal/upstream/sseutil"
)

const maxAttempts = 3

// CloudClient is the cloud-code surface the proxy dispatches to.
type CloudClient interface {
	Generate(ctx context.Context, accessToken, projectID, model string, request json.RawMessage) ([]byte, error)
	GenerateStream(ctx context.Context, accessToken, projectID, model string, request json.RawMessage) (<-chan sseutil.Event, error)
}

// LocalClient is one OpenAI-compatible local server.
type LocalClient interface {
	ChatCompletion(ctx context.Context, body json.RawMessage) ([]byte, error)
	ChatCompletionStream(ctx context.Context, body json.RawMessage) (<-chan sseutil.Event, error)
}

// LocalDialer returns a client for a local account's base URL.
type LocalDialer func(baseURL string) LocalClient

// Result is one realised proxy response: Body for non-streaming calls,
// Frames for streaming ones. Exactly one is set.
type Result struct {
	Body   []byte
	Frames <-chan agate.StreamFrame
}

// ProxyService runs the per-request algorithm: select an account, consult
// the cache, dispatch, translate, and retry on rate-limit or transient
// failures with backoff.
type ProxyService struct {
	tokens  *token.Manager
	cloud   CloudClient
	local   LocalDialer
	cache   *cache.Service // nil disables caching
	log     *slog.Logger
	metrics *telemetry.Metrics // nil disables instrumentation
}

// NewProxyService wires a ProxyService. cache may be nil.
func NewProxyService(tokens *token.Manager, cloud CloudClient, local LocalDialer, c *cache.Service, log *slog.Logger) *ProxyService {
	if log == nil {
		log = slog.Default()
	}
	return &ProxyService{tokens: tokens, cloud: cloud, local: local, cache: c, log: log}
}

// SetMetrics attaches Prometheus collectors. Call before serving traffic.
func (p *ProxyService) SetMetrics(m *telemetry.Metrics) { p.metrics = m }

func (p *ProxyService) countCache(hit bool) {
	if p.metrics == nil {
		return
	}
	if hit {
		p.metrics.CacheHits.Inc()
	} else {
		p.metrics.CacheMisses.Inc()
	}
}

// ChatCompletion serves one OpenAI-protocol request.
func (p *ProxyService) ChatCompletion(ctx context.Context, req *translate.ChatRequest) (*Result, error) {
	return p.withRetry(ctx, req.Model, func(ctx context.Context, acct *agate.Account) (*Result, error) {
		if acct.IsLocal() {
			return p.localOpenAI(ctx, acct, req)
		}
		return p.cloudOpenAI(ctx, acct, req)
	})
}

// Messages serves one Anthropic-protocol request.
func (p *ProxyService) Messages(ctx context.Context, req *translate.MessagesRequest) (*Result, error) {
	return p.withRetry(ctx, req.Model, func(ctx context.Context, acct *agate.Account) (*Result, error) {
		if acct.IsLocal() {
			return p.localAnthropic(ctx, acct, req)
		}
		return p.cloudAnthropic(ctx, acct, req)
	})
}

// withRetry runs attempt up to maxAttempts times. Rate-limit shaped errors
// cool the account down and rotate to the next; transient errors and empty
// streams back off and retry; anything else terminates immediately.
func (p *ProxyService) withRetry(ctx context.Context, requestedModel string, attempt func(context.Context, *agate.Account) (*Result, error)) (*Result, error) {
	var lastErr error
	for i := 0; i < maxAttempts; i++ {
		if i > 0 {
			select {
			case <-time.After(backoff(i)):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		acct, err := p.tokens.GetNext(ctx, requestedModel)
		if err != nil {
			if errors.Is(err, agate.ErrNoAccount) {
				return nil, fmt.Errorf("%w for model %q", agate.ErrNoAccount, requestedModel)
			}
			return nil, err
		}

		res, err := attempt(ctx, acct)
		if err == nil {
			return res, nil
		}

		err = upstream.Classify(err)
		if errors.Is(err, agate.ErrRateLimited) {
			p.tokens.MarkRateLimited(acct.Email)
			if p.metrics != nil {
				p.metrics.Cooldowns.WithLabelValues(acct.Email).Inc()
			}
		}
		if p.metrics != nil {
			p.metrics.UpstreamErrors.WithLabelValues(errorKind(err)).Inc()
		}
		if !upstream.Retriable(err) {
			return nil, err
		}
		p.log.LogAttrs(ctx, slog.LevelWarn, "attempt failed, retrying",
			slog.Int("attempt", i+1),
			slog.String("account", acct.Email),
			slog.Any("error", err))
		lastErr = err
	}
	return nil, lastErr
}

func errorKind(err error) string {
	switch {
	case errors.Is(err, agate.ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, agate.ErrUpstreamAuth):
		return "auth"
	case errors.Is(err, agate.ErrEmptyStream):
		return "empty_stream"
	case errors.Is(err, agate.ErrTransient):
		return "transient"
	default:
		return "other"
	}
}

// backoff returns the inter-attempt delay before attempt i: exponential
// with up to 50% jitter.
func backoff(i int) time.Duration {
	base := 500 * time.Millisecond << (i - 1)
	return base + time.Duration(rand.Int63n(int64(base/2)+1))
}

func (p *ProxyService) cloudOpenAI(ctx context.Context, acct *agate.Account, req *translate.ChatRequest) (*Result, error) {
	prompt, hasPrompt := translate.LastUserText(req.Messages)
	accessToken := acct.Token.AccessToken

	if p.cache != nil && hasPrompt {
		resp, ok := p.cache.Lookup(ctx, accessToken, prompt)
		p.countCache(ok)
		if ok {
			if req.Stream {
				return &Result{Frames: translate.CachedOpenAIStream(resp, req.Model)}, nil
			}
			return &Result{Body: translate.CachedOpenAIResponse(resp, req.Model)}, nil
		}
	}

	gemReq, err := translate.OpenAIToGemini(req)
	if err != nil {
		return nil, err
	}
	model := translate.MapUpstreamModel(req.Model)

	if req.Stream {
		events, err := p.cloud.GenerateStream(ctx, accessToken, acct.Token.ProjectID, model, gemReq)
		if err != nil {
			return nil, err
		}
		frames, err := peekStream(ctx, translate.OpenAIStream(ctx, req.Model, events))
		if err != nil {
			return nil, err
		}
		frames = p.collectOpenAI(ctx, frames, accessToken, prompt, hasPrompt, req.Model)
		return &Result{Frames: frames}, nil
	}

	raw, err := p.cloud.Generate(ctx, accessToken, acct.Token.ProjectID, model, gemReq)
	if err != nil {
		return nil, err
	}
	body, err := translate.GeminiToOpenAI(raw, req.Model)
	if err != nil {
		return nil, err
	}
	p.saveCache(accessToken, prompt, hasPrompt, translate.ResponseText(body), req.Model)
	return &Result{Body: body}, nil
}

func (p *ProxyService) cloudAnthropic(ctx context.Context, acct *agate.Account, req *translate.MessagesRequest) (*Result, error) {
	prompt, hasPrompt := translate.LastUserTextAnthropic(req.Messages)
	accessToken := acct.Token.AccessToken

	if p.cache != nil && hasPrompt {
		resp, ok := p.cache.Lookup(ctx, accessToken, prompt)
		p.countCache(ok)
		if ok {
			if req.Stream {
				return &Result{Frames: translate.CachedAnthropicStream(resp, req.Model)}, nil
			}
			return &Result{Body: translate.CachedAnthropicResponse(resp, req.Model)}, nil
		}
	}

	gemReq, err := translate.AnthropicToGemini(req)
	if err != nil {
		return nil, err
	}
	model := translate.MapUpstreamModel(req.Model)

	if req.Stream {
		events, err := p.cloud.GenerateStream(ctx, accessToken, acct.Token.ProjectID, model, gemReq)
		if err != nil {
			return nil, err
		}
		frames, err := peekStream(ctx, translate.AnthropicStream(ctx, req.Model, events))
		if err != nil {
			return nil, err
		}
		frames = p.collectAnthropic(ctx, frames, accessToken, prompt, hasPrompt, req.Model)
		return &Result{Frames: frames}, nil
	}

	raw, err := p.cloud.Generate(ctx, accessToken, acct.Token.ProjectID, model, gemReq)
	if err != nil {
		return nil, err
	}
	body, err := translate.GeminiToAnthropic(raw, req.Model)
	if err != nil {
		return nil, err
	}
	p.saveCache(accessToken, prompt, hasPrompt, translate.ResponseText(body), req.Model)
	return &Result{Body: body}, nil
}

func (p *ProxyService) localOpenAI(ctx context.Context, acct *agate.Account, req *translate.ChatRequest) (*Result, error) {
	client := p.local(acct.Token.BaseURL())

	out := *req
	out.Model = acct.Token.LocalModel()
	body, err := json.Marshal(&out)
	if err != nil {
		return nil, err
	}

	if req.Stream {
		events, err := client.ChatCompletionStream(ctx, body)
		if err != nil {
			return nil, err
		}
		frames, err := peekStream(ctx, translate.LocalOpenAIStream(ctx, events))
		if err != nil {
			return nil, err
		}
		return &Result{Frames: frames}, nil
	}

	raw, err := client.ChatCompletion(ctx, body)
	if err != nil {
		return nil, err
	}
	return &Result{Body: raw}, nil
}

func (p *ProxyService) localAnthropic(ctx context.Context, acct *agate.Account, req *translate.MessagesRequest) (*Result, error) {
	client := p.local(acct.Token.BaseURL())

	// Re-shape the Anthropic request into the OpenAI form the local server
	// understands.
	out := translate.ChatRequest{
		Model:       acct.Token.LocalModel(),
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stream:      req.Stream,
	}
	if req.MaxTokens > 0 {
		mt := req.MaxTokens
		out.MaxTokens = &mt
	}
	var texts []string
	if len(req.System) > 0 {
		text := translate.SystemText(req.System)
		texts = append(texts, text)
		sys, _ := json.Marshal(text)
		out.Messages = append(out.Messages, translate.ChatMessage{Role: "system", Content: sys})
	}
	for _, m := range req.Messages {
		text := translate.ContentText(m.Content)
		texts = append(texts, text)
		content, _ := json.Marshal(text)
		out.Messages = append(out.Messages, translate.ChatMessage{Role: m.Role, Content: content})
	}
	body, err := json.Marshal(&out)
	if err != nil {
		return nil, err
	}
	inputEstimate := tokencount.EstimateMessages(texts)

	if req.Stream {
		events, err := client.ChatCompletionStream(ctx, body)
		if err != nil {
			return nil, err
		}
		frames, err := peekStream(ctx, translate.LocalAnthropicStream(ctx, req.Model, inputEstimate, events))
		if err != nil {
			return nil, err
		}
		return &Result{Frames: frames}, nil
	}

	raw, err := client.ChatCompletion(ctx, body)
	if err != nil {
		return nil, err
	}
	wrapped, err := translate.OpenAIToAnthropicResponse(raw, req.Model, inputEstimate)
	if err != nil {
		return nil, err
	}
	return &Result{Body: wrapped}, nil
}

func (p *ProxyService) saveCache(accessToken, prompt string, hasPrompt bool, response, model string) {
	if p.cache == nil || !hasPrompt || response == "" {
		return
	}
	p.cache.Save(accessToken, prompt, response, model)
}

// peekStream waits for the first frame so empty or failed streams surface
// as errors to the retry loop instead of half-started responses to the
// client. The first frame is replayed on the returned channel.
func peekStream(ctx context.Context, frames <-chan agate.StreamFrame) (<-chan agate.StreamFrame, error) {
	select {
	case first, ok := <-frames:
		if !ok {
			return nil, agate.ErrEmptyStream
		}
		if first.Err != nil {
			return nil, first.Err
		}
		out := make(chan agate.StreamFrame, 1)
		out <- first
		go func() {
			defer close(out)
			for f := range frames {
				select {
				case out <- f:
				case <-ctx.Done():
					return
				}
			}
		}()
		return out, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// collectOpenAI tees text deltas out of an OpenAI stream and saves the
// accumulated response to the cache once the stream finishes cleanly.
// Abandoned streams save nothing.
func (p *ProxyService) collectOpenAI(ctx context.Context, frames <-chan agate.StreamFrame, accessToken, prompt string, hasPrompt bool, model string) <-chan agate.StreamFrame {
	if p.cache == nil || !hasPrompt {
		return frames
	}
	return p.collect(ctx, frames, accessToken, prompt, model, func(f agate.StreamFrame) string {
		return gjson.GetBytes(f.Data, "choices.0.delta.content").String()
	})
}

// collectAnthropic does the same for Anthropic streams.
func (p *ProxyService) collectAnthropic(ctx context.Context, frames <-chan agate.StreamFrame, accessToken, prompt string, hasPrompt bool, model string) <-chan agate.StreamFrame {
	if p.cache == nil || !hasPrompt {
		return frames
	}
	return p.collect(ctx, frames, accessToken, prompt, model, func(f agate.StreamFrame) string {
		if f.Event != "content_block_delta" {
			return ""
		}
		d := gjson.GetBytes(f.Data, "delta")
		if d.Get("type").String() != "text_delta" {
			return ""
		}
		return d.Get("text").String()
	})
}

func (p *ProxyService) collect(ctx context.Context, frames <-chan agate.StreamFrame, accessToken, prompt, model string, extract func(agate.StreamFrame) string) <-chan agate.StreamFrame {
	out := make(chan agate.StreamFrame, 8)
	go func() {
		defer close(out)
		var text []byte
		done := false
		for f := range frames {
			if f.Done {
				done = true
			}
			text = append(text, extract(f)...)
			select {
			case out <- f:
			case <-ctx.Done():
				return
			}
		}
		if done && len(text) > 0 {
			p.cache.Save(accessToken, prompt, string(text), model)
		}
	}()
	return out
}
