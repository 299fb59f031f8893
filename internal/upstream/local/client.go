// Package local is the client for OpenAI-compatible inference servers
// running on the user's own hardware (Ollama, LM Studio, and the like).
package local

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/cascadelabs/agate/internal/upstream"
	"github.com/cascadelabs/agate/internal/upstream/sseutil"
)

const upstreamName = "local"

// Local models can be slow to first token on cold load, so the
// non-streaming timeout is far looser than for cloud upstreams.
const requestTimeout = 120 * time.Second

// Client talks to one OpenAI-compatible server. baseURL includes the API
// prefix (e.g. "http://localhost:11434/v1").
type Client struct {
	baseURL    string
	http       *http.Client
	streamHTTP *http.Client
}

// New creates a Client for the given base URL. Local servers speak HTTP/1.1.
func New(baseURL string) *Client {
	transport := upstream.NewTransport(nil, nil, false)
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		http:       &http.Client{Transport: transport, Timeout: requestTimeout},
		streamHTTP: &http.Client{Transport: transport},
	}
}

// BaseURL returns the configured upstream base URL.
func (c *Client) BaseURL() string { return c.baseURL }

// ChatCompletion sends a non-streaming OpenAI chat-completions request.
// body must already be a chat-completions JSON object; the response is the
// raw upstream completion.
func (c *Client) ChatCompletion(ctx context.Context, body json.RawMessage) ([]byte, error) {
	resp, err := c.post(ctx, c.http, body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("local: read response: %w", err)
	}
	return raw, nil
}

// ChatCompletionStream sends a streaming request and returns a channel of
// SSE data frames (chat.completion.chunk objects). The "[DONE]" sentinel is
// consumed; the channel simply closes.
func (c *Client) ChatCompletionStream(ctx context.Context, body json.RawMessage) (<-chan sseutil.Event, error) {
	resp, err := c.post(ctx, c.streamHTTP, body)
	if err != nil {
		return nil, err
	}

	ch := make(chan sseutil.Event, 8)
	go sseutil.ReadDataLines(ctx, resp.Body, ch)
	return ch, nil
}

func (c *Client) post(ctx context.Context, hc *http.Client, body json.RawMessage) (*http.Response, error) {
	u := c.baseURL + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("local: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := hc.Do(req)
	if err != nil {
		return nil, upstream.Classify(fmt.Errorf("local: do request: %w", err))
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, upstream.Classify(upstream.ParseAPIError(upstreamName, resp))
	}
	return resp, nil
}

// ListModels returns the model IDs the server reports.
func (c *Client) ListModels(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/models", nil)
	if err != nil {
		return nil, fmt.Errorf("local: create request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("local: list models: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, upstream.ParseAPIError(upstreamName, resp)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("local: read models response: %w", err)
	}

	var ids []string
	gjson.ParseBytes(raw).Get("data").ForEach(func(_, m gjson.Result) bool {
		if id := m.Get("id").String(); id != "" {
			ids = append(ids, id)
		}
		return true
	})
	return ids, nil
}
