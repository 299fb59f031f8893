package cloudcode

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/cascadelabs/agate/internal/upstream"
	"github.com/cascadelabs/agate/internal/upstream/sseutil"
)

// generateEnvelope is the v1internal request wrapper: the Gemini request
// proper travels under "request", alongside the model and billing project.
type generateEnvelope struct {
	Model   string          `json:"model"`
	Project string          `json:"project"`
	Request json.RawMessage `json:"request"`
}

// Generate sends a non-streaming generateContent call. request is a Gemini
// GenerateContentRequest body; the returned bytes are the raw
// GenerateContentResponse.
func (c *Client) Generate(ctx context.Context, accessToken, projectID, model string, request json.RawMessage) ([]byte, error) {
	resp, err := c.doGenerate(ctx, c.http, accessToken, projectID, model, request, "v1internal:generateContent")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := readBounded(resp)
	if err != nil {
		return nil, fmt.Errorf("cloudcode: read generate response: %w", err)
	}
	return raw, nil
}

// GenerateStream sends a streaming generateContent call and returns a channel
// of SSE data frames. Each frame's Data is one GenerateContentResponse chunk.
// The channel closes when the upstream stream ends or ctx is cancelled.
func (c *Client) GenerateStream(ctx context.Context, accessToken, projectID, model string, request json.RawMessage) (<-chan sseutil.Event, error) {
	resp, err := c.doGenerate(ctx, c.streamHTTP, accessToken, projectID, model, request,
		"v1internal:streamGenerateContent?alt=sse")
	if err != nil {
		return nil, err
	}

	ch := make(chan sseutil.Event, 8)
	go sseutil.ReadDataLines(ctx, resp.Body, ch)
	return ch, nil
}

func (c *Client) doGenerate(ctx context.Context, hc *http.Client, accessToken, projectID, model string, request json.RawMessage, path string) (*http.Response, error) {
	body, err := json.Marshal(generateEnvelope{
		Model:   model,
		Project: projectID,
		Request: request,
	})
	if err != nil {
		return nil, fmt.Errorf("cloudcode: marshal generate request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/"+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("cloudcode: create generate request: %w", err)
	}
	c.setIDEHeaders(req.Header, accessToken)

	resp, err := hc.Do(req)
	if err != nil {
		return nil, upstream.Classify(fmt.Errorf("cloudcode: generate: %w", err))
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, upstream.Classify(upstream.ParseAPIError(upstreamName, resp))
	}
	return resp, nil
}
