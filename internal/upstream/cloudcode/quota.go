package cloudcode

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"

	agate "github.com/cascadelabs/agate/internal"
	"github.com/cascadelabs/agate/internal/upstream"
)

// FetchQuota assembles per-model quota state for the account behind
// accessToken. The fetchAvailableModels telemetry endpoint supplies
// remaining fractions and reset times; the v1 and v1beta model catalogues
// fill in display names and token limits for models the telemetry omits.
// Catalogue failures degrade to telemetry-only data; a telemetry failure
// fails the call.
func (c *Client) FetchQuota(ctx context.Context, accessToken string) (*agate.Quota, error) {
	quota, err := c.fetchAvailableModels(ctx, accessToken)
	if err != nil {
		return nil, err
	}

	for _, version := range []string{"v1", "v1beta"} {
		if err := c.mergeCatalogue(ctx, accessToken, version, quota); err != nil {
			continue
		}
	}
	return quota, nil
}

// fetchAvailableModels calls the cloud-code telemetry endpoint. Fractions
// are scaled to 0..100 percentages.
func (c *Client) fetchAvailableModels(ctx context.Context, accessToken string) (*agate.Quota, error) {
	u := c.baseURL + "/v1internal:fetchAvailableModels"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader([]byte("{}")))
	if err != nil {
		return nil, fmt.Errorf("cloudcode: create fetchAvailableModels request: %w", err)
	}
	c.setIDEHeaders(req.Header, accessToken)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, upstream.Classify(fmt.Errorf("cloudcode: fetchAvailableModels: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, upstream.Classify(upstream.ParseAPIError(upstreamName, resp))
	}

	raw, err := readBounded(resp)
	if err != nil {
		return nil, fmt.Errorf("cloudcode: read fetchAvailableModels response: %w", err)
	}

	quota := &agate.Quota{Models: make(map[string]agate.ModelQuota)}
	gjson.ParseBytes(raw).Get("models").ForEach(func(name, info gjson.Result) bool {
		id := agate.NormalizeModel(name.String())
		if id == "" {
			return true
		}
		mq := agate.ModelQuota{Percentage: 100}
		if f := info.Get("quotaInfo.remainingFraction"); f.Exists() {
			mq.Percentage = clampPercent(f.Float() * 100)
		}
		mq.ResetTime = info.Get("quotaInfo.resetTime").String()
		mq.DisplayName = info.Get("displayName").String()
		quota.Models[id] = mq
		return true
	})
	return quota, nil
}

// mergeCatalogue lists the generativelanguage model catalogue for one API
// version and folds display names and token limits into quota. Models absent
// from the telemetry are added as unknown-but-healthy entries.
func (c *Client) mergeCatalogue(ctx context.Context, accessToken, version string, quota *agate.Quota) error {
	u := fmt.Sprintf("%s/%s/models?pageSize=1000", c.genLangURL, version)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("cloudcode: create catalogue request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("User-Agent", userAgent())

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("cloudcode: catalogue %s: %w", version, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return upstream.ParseAPIError(upstreamName, resp)
	}

	raw, err := readBounded(resp)
	if err != nil {
		return fmt.Errorf("cloudcode: read catalogue response: %w", err)
	}

	gjson.ParseBytes(raw).Get("models").ForEach(func(_, model gjson.Result) bool {
		name := model.Get("name").String()
		id := agate.NormalizeModel(name)
		// Catalogue lists embeddings and legacy aliases too; only generation
		// models matter for routing.
		if id == "" || strings.Contains(id, "embedding") {
			return true
		}
		mq, ok := quota.Models[id]
		if !ok {
			mq = agate.ModelQuota{Percentage: 100}
		}
		if mq.DisplayName == "" {
			mq.DisplayName = model.Get("displayName").String()
		}
		if mq.MaxTokenAllowed == 0 {
			mq.MaxTokenAllowed = int(model.Get("inputTokenLimit").Int())
		}
		if mq.MaxCompletionTokens == 0 {
			mq.MaxCompletionTokens = int(model.Get("outputTokenLimit").Int())
		}
		quota.Models[id] = mq
		return true
	})
	return nil
}

func clampPercent(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
