// Package cloudcode is the client for Google's internal cloud-code API
// surface, which fronts Gemini for IDE integrations. It covers token
// refresh, project discovery, generation, quota telemetry, and embeddings.
package cloudcode

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"runtime"
	"strings"
	"time"

	"github.com/rs/dnscache"

	"github.com/cascadelabs/agate/internal/upstream"
)

const (
	defaultBaseURL     = "https://cloudcode-pa.googleapis.com"
	defaultGenLangURL  = "https://generativelanguage.googleapis.com"
	defaultTokenURL    = "https://oauth2.googleapis.com/token"
	defaultUserInfoURL = "https://www.googleapis.com/oauth2/v2/userinfo"

	upstreamName = "cloudcode"

	// ideVersion is the IDE build the API expects to see in User-Agent.
	ideVersion = "1.16.5"

	requestTimeout = 30 * time.Second
)

// Client talks to the cloud-code and generativelanguage endpoints on behalf
// of one or more Google accounts. It is stateless with respect to accounts;
// every call takes the access token it should present.
type Client struct {
	baseURL     string
	genLangURL  string
	tokenURL    string
	userInfoURL string

	clientID     string
	clientSecret string

	// http carries the 30s request timeout; streamHTTP has none so that
	// long generations are bounded only by the caller's context.
	http       *http.Client
	streamHTTP *http.Client
}

// Options configures a Client. Zero values select production defaults.
type Options struct {
	BaseURL     string // cloud-code endpoint
	GenLangURL  string // generativelanguage endpoint
	TokenURL    string // OAuth token endpoint
	UserInfoURL string // OAuth userinfo endpoint

	ClientID     string
	ClientSecret string

	Resolver *dnscache.Resolver
	ProxyURL *url.URL
}

// New creates a cloud-code Client with tuned transports.
func New(opts Options) *Client {
	c := &Client{
		baseURL:      strings.TrimRight(orDefault(opts.BaseURL, defaultBaseURL), "/"),
		genLangURL:   strings.TrimRight(orDefault(opts.GenLangURL, defaultGenLangURL), "/"),
		tokenURL:     orDefault(opts.TokenURL, defaultTokenURL),
		userInfoURL:  orDefault(opts.UserInfoURL, defaultUserInfoURL),
		clientID:     orDefault(opts.ClientID, oauthClientID),
		clientSecret: orDefault(opts.ClientSecret, oauthClientSecret),
	}
	transport := upstream.NewTransport(opts.Resolver, opts.ProxyURL, true)
	c.http = &http.Client{Transport: transport, Timeout: requestTimeout}
	c.streamHTTP = &http.Client{Transport: transport}
	return c
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// readBounded reads at most 1MB of the response body.
func readBounded(resp *http.Response) ([]byte, error) {
	return io.ReadAll(io.LimitReader(resp.Body, 1<<20))
}

// decodeJSON decodes a bounded response body into v.
func decodeJSON(resp *http.Response, v any) error {
	body, err := readBounded(resp)
	if err != nil {
		return err
	}
	return json.Unmarshal(body, v)
}

// setIDEHeaders stamps the headers the cloud-code API requires before it
// will serve an IDE-class client.
func (c *Client) setIDEHeaders(h http.Header, accessToken string) {
	h.Set("Content-Type", "application/json")
	h.Set("Authorization", "Bearer "+accessToken)
	h.Set("User-Agent", userAgent())
	h.Set("X-Goog-Api-Client", "google-cloud-sdk vscode_cloudshelleditor/0.1")
	h.Set("Client-Metadata", clientMetadata())
}

func userAgent() string {
	return fmt.Sprintf("antigravity/%s %s/%s", ideVersion, runtime.GOOS, runtime.GOARCH)
}

// IDE type and platform enums as the v1internal ClientMetadata proto
// defines them.
const (
	ideTypeAntigravity = 6
	pluginTypeGemini   = 2

	platformWindows = 1
	platformLinux   = 2
	platformMacOS   = 3
)

func clientMetadata() string {
	platform := 0
	switch runtime.GOOS {
	case "windows":
		platform = platformWindows
	case "linux":
		platform = platformLinux
	case "darwin":
		platform = platformMacOS
	}
	data, _ := json.Marshal(map[string]int{
		"ideType":    ideTypeAntigravity,
		"platform":   platform,
		"pluginType": pluginTypeGemini,
	})
	return string(data)
}
