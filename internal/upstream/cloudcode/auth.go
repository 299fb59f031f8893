package cloudcode

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/oauth2"

	agate "github.com/cascadelabs/agate/internal"
	"github.com/cascadelabs/agate/internal/upstream"
)

// OAuth client identity of the IDE this gateway stands in for. These are
// public installed-app credentials, not secrets in the confidential sense.
const (
	oauthClientID     = "1071006060591-tmhssin2h21lcre235vtolojh4g403ep.apps.googleusercontent.com"
	oauthClientSecret = "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"
)

var oauthScopes = []string{
	"https://www.googleapis.com/auth/cloud-platform",
	"https://www.googleapis.com/auth/userinfo.email",
	"https://www.googleapis.com/auth/userinfo.profile",
}

func (c *Client) oauthConfig() *oauth2.Config {
	return &oauth2.Config{
		ClientID:     c.clientID,
		ClientSecret: c.clientSecret,
		Scopes:       oauthScopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:  "https://accounts.google.com/o/oauth2/v2/auth",
			TokenURL: c.tokenURL,
		},
	}
}

// Refresh exchanges the refresh token for a fresh access token. The returned
// token keeps the original refresh token and project id; only the access
// token and expiry fields change. ExpiryTimestamp never moves backwards.
func (c *Client) Refresh(ctx context.Context, tok *agate.Token) (*agate.Token, error) {
	if tok == nil || tok.RefreshToken == "" {
		return nil, fmt.Errorf("%w: no refresh token", agate.ErrUpstreamAuth)
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.http)

	src := c.oauthConfig().TokenSource(ctx, &oauth2.Token{RefreshToken: tok.RefreshToken})
	fresh, err := src.Token()
	if err != nil {
		var rerr *oauth2.RetrieveError
		if errors.As(err, &rerr) && (rerr.Response.StatusCode == http.StatusUnauthorized ||
			rerr.Response.StatusCode == http.StatusBadRequest ||
			rerr.Response.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("%w: refresh rejected: %v", agate.ErrUpstreamAuth, err)
		}
		return nil, fmt.Errorf("%w: token refresh: %v", agate.ErrTransient, err)
	}

	out := tok.Clone()
	out.AccessToken = fresh.AccessToken
	out.TokenType = fresh.TokenType
	expiresIn := int64(time.Until(fresh.Expiry).Seconds())
	if expiresIn > 0 {
		out.ExpiresIn = expiresIn
	}
	if exp := fresh.Expiry.Unix(); exp > out.ExpiryTimestamp {
		out.ExpiryTimestamp = exp
	}
	if fresh.RefreshToken != "" {
		out.RefreshToken = fresh.RefreshToken
	}
	return out, nil
}

// Exchange trades an OAuth authorization code for a token.
func (c *Client) Exchange(ctx context.Context, code, redirectURI string) (*agate.Token, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.http)

	cfg := c.oauthConfig()
	cfg.RedirectURL = redirectURI
	tok, err := cfg.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("%w: code exchange: %v", agate.ErrUpstreamAuth, err)
	}
	return &agate.Token{
		AccessToken:     tok.AccessToken,
		RefreshToken:    tok.RefreshToken,
		TokenType:       tok.TokenType,
		ExpiresIn:       int64(time.Until(tok.Expiry).Seconds()),
		ExpiryTimestamp: tok.Expiry.Unix(),
	}, nil
}

// UserProfile is the subset of the Google userinfo payload the gateway keeps.
type UserProfile struct {
	ID      string `json:"id"`
	Email   string `json:"email"`
	Name    string `json:"name"`
	Picture string `json:"picture"`
}

// UserInfo fetches the profile of the token's owner.
func (c *Client) UserInfo(ctx context.Context, accessToken string) (*UserProfile, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.userInfoURL, nil)
	if err != nil {
		return nil, fmt.Errorf("cloudcode: create userinfo request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("cloudcode: userinfo: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, upstream.ParseAPIError(upstreamName, resp)
	}

	var p UserProfile
	if err := decodeJSON(resp, &p); err != nil {
		return nil, fmt.Errorf("cloudcode: decode userinfo: %w", err)
	}
	return &p, nil
}
