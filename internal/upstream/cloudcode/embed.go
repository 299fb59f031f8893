package cloudcode

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"

	"github.com/tidwall/gjson"

	"github.com/cascadelabs/agate/internal/upstream"
)

const embeddingModel = "text-embedding-004"

// EmbedText returns a unit-normalised embedding vector for text, produced by
// the text-embedding-004 model on the generativelanguage API.
func (c *Client) EmbedText(ctx context.Context, accessToken, text string) ([]float32, error) {
	body, _ := json.Marshal(map[string]any{
		"model": "models/" + embeddingModel,
		"content": map[string]any{
			"parts": []map[string]any{{"text": text}},
		},
	})

	u := fmt.Sprintf("%s/v1beta/models/%s:embedContent", c.genLangURL, embeddingModel)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("cloudcode: create embed request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("User-Agent", userAgent())

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("cloudcode: embed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, upstream.Classify(upstream.ParseAPIError(upstreamName, resp))
	}

	raw, err := readBounded(resp)
	if err != nil {
		return nil, fmt.Errorf("cloudcode: read embed response: %w", err)
	}

	values := gjson.ParseBytes(raw).Get("embedding.values")
	if !values.Exists() {
		return nil, fmt.Errorf("cloudcode: embed response missing values")
	}
	var vec []float32
	values.ForEach(func(_, v gjson.Result) bool {
		vec = append(vec, float32(v.Float()))
		return true
	})
	return normalize(vec), nil
}

// normalize scales vec to unit length so lookups can use a plain dot product.
func normalize(vec []float32) []float32 {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if sum == 0 {
		return vec
	}
	inv := 1 / math.Sqrt(sum)
	for i := range vec {
		vec[i] = float32(float64(vec[i]) * inv)
	}
	return vec
}
