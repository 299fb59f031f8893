package cloudcode

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/tidwall/gjson"

	agate "github.com/cascadelabs/agate/internal"
)

func testClient(srv *httptest.Server) *Client {
	return New(Options{
		BaseURL:    srv.URL,
		GenLangURL: srv.URL,
		TokenURL:   srv.URL + "/token",
	})
}

func TestGenerateEnvelopeAndHeaders(t *testing.T) {
	t.Parallel()
	var gotPath string
	var gotBody []byte
	var gotHeader http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotBody, _ = io.ReadAll(r.Body)
		gotHeader = r.Header.Clone()
		w.Write([]byte(`{"candidates":[]}`))
	}))
	defer srv.Close()

	c := testClient(srv)
	raw, err := c.Generate(context.Background(), "at-123", "proj-1", "gemini-3-pro-preview",
		json.RawMessage(`{"contents":[]}`))
	if err != nil {
		t.Fatal(err)
	}
	if string(raw) != `{"candidates":[]}` {
		t.Errorf("response = %s", raw)
	}

	if gotPath != "/v1internal:generateContent" {
		t.Errorf("path = %q", gotPath)
	}
	body := gjson.ParseBytes(gotBody)
	if body.Get("model").String() != "gemini-3-pro-preview" {
		t.Errorf("envelope model = %q", body.Get("model").String())
	}
	if body.Get("project").String() != "proj-1" {
		t.Errorf("envelope project = %q", body.Get("project").String())
	}
	if !body.Get("request.contents").IsArray() {
		t.Errorf("envelope request = %s", body.Get("request").Raw)
	}

	if got := gotHeader.Get("Authorization"); got != "Bearer at-123" {
		t.Errorf("authorization = %q", got)
	}
	if got := gotHeader.Get("User-Agent"); !strings.HasPrefix(got, "antigravity/") {
		t.Errorf("user-agent = %q", got)
	}
	if gotHeader.Get("X-Goog-Api-Client") == "" {
		t.Error("missing X-Goog-Api-Client")
	}
	meta := gjson.Parse(gotHeader.Get("Client-Metadata"))
	if meta.Get("ideType").Int() != 6 || meta.Get("pluginType").Int() != 2 {
		t.Errorf("client metadata = %q", gotHeader.Get("Client-Metadata"))
	}
}

func TestGenerateErrorClassification(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":{"status":"RESOURCE_EXHAUSTED"}}`))
	}))
	defer srv.Close()

	c := testClient(srv)
	_, err := c.Generate(context.Background(), "at", "p", "m", json.RawMessage(`{}`))
	if !errors.Is(err, agate.ErrRateLimited) {
		t.Errorf("err = %v, want ErrRateLimited", err)
	}
}

func TestGenerateStream(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1internal:streamGenerateContent" || r.URL.Query().Get("alt") != "sse" {
			t.Errorf("stream url = %s", r.URL.String())
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte("data: {\"candidates\":[{\"content\":{\"parts\":[{\"text\":\"hi\"}]}}]}\n\n"))
	}))
	defer srv.Close()

	c := testClient(srv)
	ch, err := c.GenerateStream(context.Background(), "at", "p", "m", json.RawMessage(`{}`))
	if err != nil {
		t.Fatal(err)
	}
	var events int
	for e := range ch {
		if e.Err != nil {
			t.Fatal("event err:", e.Err)
		}
		if got := gjson.GetBytes(e.Data, "candidates.0.content.parts.0.text").String(); got != "hi" {
			t.Errorf("chunk = %s", e.Data)
		}
		events++
	}
	if events != 1 {
		t.Errorf("events = %d, want 1", events)
	}
}

func TestFetchProjectID(t *testing.T) {
	t.Parallel()
	responses := map[string]string{
		"top":    `{"cloudaicompanionProject": "proj-top"}`,
		"tiered": `{"allowedTiers": [{"cloudaicompanionProject": "proj-tier"}]}`,
		"none":   `{}`,
	}
	var mode string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1internal:loadCodeAssist" {
			t.Errorf("path = %q", r.URL.Path)
		}
		w.Write([]byte(responses[mode]))
	}))
	defer srv.Close()
	c := testClient(srv)

	mode = "top"
	if id, err := c.FetchProjectID(context.Background(), "at"); err != nil || id != "proj-top" {
		t.Errorf("top-level = %q, %v", id, err)
	}
	mode = "tiered"
	if id, err := c.FetchProjectID(context.Background(), "at"); err != nil || id != "proj-tier" {
		t.Errorf("tier fallback = %q, %v", id, err)
	}
	mode = "none"
	if _, err := c.FetchProjectID(context.Background(), "at"); err == nil {
		t.Error("missing project id should error")
	}
}

func TestFetchQuota(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/v1internal:fetchAvailableModels":
			w.Write([]byte(`{"models": {
				"models/gemini-3-pro-preview": {
					"displayName": "Gemini 3 Pro",
					"quotaInfo": {"remainingFraction": 0.5, "resetTime": "2026-08-25T00:00:00Z"}
				}
			}}`))
		case r.URL.Path == "/v1/models":
			w.Write([]byte(`{"models": [
				{"name": "models/gemini-2.5-flash-thinking", "displayName": "Flash", "inputTokenLimit": 1000000, "outputTokenLimit": 64000},
				{"name": "models/text-embedding-004"}
			]}`))
		default:
			// v1beta catalogue failures degrade silently.
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := testClient(srv)
	quota, err := c.FetchQuota(context.Background(), "at")
	if err != nil {
		t.Fatal(err)
	}

	pro := quota.Models["gemini-3-pro-preview"]
	if pro.Percentage != 50 {
		t.Errorf("pro percentage = %v, want 50", pro.Percentage)
	}
	if pro.ResetTime != "2026-08-25T00:00:00Z" {
		t.Errorf("pro resetTime = %q", pro.ResetTime)
	}

	// Catalogue-only models come in healthy, with token limits.
	flash := quota.Models["gemini-2.5-flash-thinking"]
	if flash.Percentage != 100 || flash.MaxTokenAllowed != 1000000 || flash.MaxCompletionTokens != 64000 {
		t.Errorf("flash = %+v", flash)
	}

	if _, ok := quota.Models["text-embedding-004"]; ok {
		t.Error("embedding models do not belong in the routing quota")
	}
}

func TestFetchQuotaTelemetryFailureFatal(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := testClient(srv)
	if _, err := c.FetchQuota(context.Background(), "at"); !errors.Is(err, agate.ErrTransient) {
		t.Errorf("err = %v, want ErrTransient", err)
	}
}

func TestRefresh(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/token" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if err := r.ParseForm(); err != nil {
			t.Error(err)
		}
		if r.Form.Get("refresh_token") != "rt-1" {
			t.Errorf("refresh_token = %q", r.Form.Get("refresh_token"))
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token": "fresh", "token_type": "Bearer", "expires_in": 3600}`))
	}))
	defer srv.Close()

	c := testClient(srv)
	old := &agate.Token{
		AccessToken:     "stale",
		RefreshToken:    "rt-1",
		ProjectID:       "proj-1",
		ExpiryTimestamp: time.Now().Unix(),
	}
	got, err := c.Refresh(context.Background(), old)
	if err != nil {
		t.Fatal(err)
	}
	if got.AccessToken != "fresh" {
		t.Errorf("access token = %q", got.AccessToken)
	}
	if got.RefreshToken != "rt-1" || got.ProjectID != "proj-1" {
		t.Errorf("refresh token / project must survive: %+v", got)
	}
	if got.ExpiryTimestamp <= old.ExpiryTimestamp {
		t.Errorf("expiry = %d, want later than %d", got.ExpiryTimestamp, old.ExpiryTimestamp)
	}
}

func TestRefreshRejected(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error": "invalid_grant"}`))
	}))
	defer srv.Close()

	c := testClient(srv)
	_, err := c.Refresh(context.Background(), &agate.Token{RefreshToken: "revoked"})
	if !errors.Is(err, agate.ErrUpstreamAuth) {
		t.Errorf("err = %v, want ErrUpstreamAuth", err)
	}

	if _, err := c.Refresh(context.Background(), nil); !errors.Is(err, agate.ErrUpstreamAuth) {
		t.Errorf("nil token err = %v, want ErrUpstreamAuth", err)
	}
}

func TestEmbedText(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, ":embedContent") {
			t.Errorf("path = %q", r.URL.Path)
		}
		w.Write([]byte(`{"embedding": {"values": [3, 4]}}`))
	}))
	defer srv.Close()

	c := testClient(srv)
	vec, err := c.EmbedText(context.Background(), "at", "hello")
	if err != nil {
		t.Fatal(err)
	}
	// [3,4] normalises to [0.6,0.8].
	if len(vec) != 2 || vec[0] != 0.6 || vec[1] != 0.8 {
		t.Errorf("vec = %v", vec)
	}
}
