package cloudcode

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/tidwall/gjson"

	"github.com/cascadelabs/agate/internal/upstream"
)

// FetchProjectID discovers the cloud-code companion project for the account
// behind accessToken via the loadCodeAssist endpoint. Callers fall back to a
// synthesised project id when this fails; the error is classified so they
// can tell auth problems from transient ones.
func (c *Client) FetchProjectID(ctx context.Context, accessToken string) (string, error) {
	body, _ := json.Marshal(map[string]any{
		"metadata": map[string]any{"ideType": "ANTIGRAVITY"},
	})

	u := c.baseURL + "/v1internal:loadCodeAssist"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("cloudcode: create loadCodeAssist request: %w", err)
	}
	c.setIDEHeaders(req.Header, accessToken)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("cloudcode: loadCodeAssist: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", upstream.Classify(upstream.ParseAPIError(upstreamName, resp))
	}

	raw, err := readBounded(resp)
	if err != nil {
		return "", fmt.Errorf("cloudcode: read loadCodeAssist response: %w", err)
	}

	r := gjson.ParseBytes(raw)
	if id := r.Get("cloudaicompanionProject").String(); id != "" {
		return id, nil
	}
	// Some accounts report the project nested under an allowed tier.
	if id := r.Get("allowedTiers.0.cloudaicompanionProject").String(); id != "" {
		return id, nil
	}
	return "", fmt.Errorf("cloudcode: loadCodeAssist returned no project id")
}
