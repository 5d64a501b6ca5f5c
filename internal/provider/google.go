// Package provider implements the Google OAuth2 and Search Console HTTP
// surface the link service depends on. Every endpoint response is modelled
// as an explicit structure validated at the boundary; raw provider error
// bodies are logged at debug level only.
package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/TheHypedge/riviso-sub001/internal/errs"
	"github.com/TheHypedge/riviso-sub001/internal/model"
)

// Google endpoint defaults; overridable for tests.
const (
	defaultAuthURL     = "https://accounts.google.com/o/oauth2/v2/auth"
	defaultTokenURL    = "https://oauth2.googleapis.com/token"
	defaultUserinfoURL = "https://openidconnect.googleapis.com/v1/userinfo"
	defaultSitesURL    = "https://www.googleapis.com/webmasters/v3/sites"

	tokenTimeout    = 15 * time.Second
	identityTimeout = 5 * time.Second
)

// Scopes requested for a Search Console link.
var Scopes = []string{
	"https://www.googleapis.com/auth/webmasters.readonly",
	"openid",
	"email",
}

// API is the provider surface consumed by the link service.
type API interface {
	// AuthCodeURL builds the browser authorization URL carrying state.
	AuthCodeURL(state string) string
	// Exchange trades an authorization code for a token pair.
	Exchange(ctx context.Context, code string) (*model.Token, error)
	// Refresh obtains a fresh access token using refreshToken.
	Refresh(ctx context.Context, refreshToken string) (*model.Token, error)
	// Identity fetches the authorized account's e-mail. Best effort.
	Identity(ctx context.Context, accessToken string) (string, error)
	// ListProperties returns the Search Console properties visible to the token.
	ListProperties(ctx context.Context, accessToken string) ([]model.ExternalProperty, error)
}

// Config holds the OAuth client registration.
type Config struct {
	ClientID     string
	ClientSecret string
	RedirectURI  string

	// Endpoint overrides for tests; empty means Google defaults.
	AuthURL     string
	TokenURL    string
	UserinfoURL string
	SitesURL    string
}

// Client implements API against Google.
type Client struct {
	cfg    Config
	http   *http.Client
	idHTTP *http.Client
	log    *zap.Logger
}

var _ API = (*Client)(nil)

// New constructs a Google provider client.
func New(cfg Config, log *zap.Logger) *Client {
	if cfg.AuthURL == "" {
		cfg.AuthURL = defaultAuthURL
	}
	if cfg.TokenURL == "" {
		cfg.TokenURL = defaultTokenURL
	}
	if cfg.UserinfoURL == "" {
		cfg.UserinfoURL = defaultUserinfoURL
	}
	if cfg.SitesURL == "" {
		cfg.SitesURL = defaultSitesURL
	}
	return &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: tokenTimeout},
		idHTTP: &http.Client{Timeout: identityTimeout},
		log:    log,
	}
}

// tokenResponse is the provider token endpoint body.
type tokenResponse struct {
	AccessToken      string `json:"access_token"`
	TokenType        string `json:"token_type"`
	ExpiresIn        int64  `json:"expires_in"`
	RefreshToken     string `json:"refresh_token,omitempty"`
	Scope            string `json:"scope,omitempty"`
	Error            string `json:"error,omitempty"`
	ErrorDescription string `json:"error_description,omitempty"`
}

// AuthCodeURL builds the authorization URL. prompt=consent forces Google to
// reissue a refresh token even on re-consent.
func (c *Client) AuthCodeURL(state string) string {
	u, _ := url.Parse(c.cfg.AuthURL)
	q := u.Query()
	q.Set("client_id", c.cfg.ClientID)
	q.Set("redirect_uri", c.cfg.RedirectURI)
	q.Set("response_type", "code")
	q.Set("scope", strings.Join(Scopes, " "))
	q.Set("access_type", "offline")
	q.Set("prompt", "consent")
	q.Set("include_granted_scopes", "true")
	q.Set("state", state)
	u.RawQuery = q.Encode()
	return u.String()
}

// Exchange trades the authorization code for tokens. A declined consent maps
// to ErrAccessDenied; every other failure is ErrExchange and may be retried
// by restarting the flow.
func (c *Client) Exchange(ctx context.Context, code string) (*model.Token, error) {
	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("redirect_uri", c.cfg.RedirectURI)
	form.Set("client_id", c.cfg.ClientID)
	form.Set("client_secret", c.cfg.ClientSecret)

	tr, err := c.postToken(ctx, form)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrExchange, err)
	}
	if tr.Error != "" {
		c.log.Debug("token exchange rejected",
			zap.String("error", tr.Error),
			zap.String("description", tr.ErrorDescription),
		)
		if tr.Error == "access_denied" {
			return nil, errs.ErrAccessDenied
		}
		return nil, fmt.Errorf("%w: provider rejected code", errs.ErrExchange)
	}
	if tr.AccessToken == "" {
		return nil, fmt.Errorf("%w: empty access token", errs.ErrExchange)
	}
	return c.toToken(tr), nil
}

// Refresh obtains a new access token. invalid_grant means the refresh token
// was revoked or rotated away — permanent until re-link. Anything else
// (network, 5xx, malformed body) is transient and mutates nothing.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*model.Token, error) {
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)
	form.Set("client_id", c.cfg.ClientID)
	form.Set("client_secret", c.cfg.ClientSecret)

	tr, err := c.postToken(ctx, form)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrRefreshTransient, err)
	}
	if tr.Error != "" {
		c.log.Debug("token refresh rejected",
			zap.String("error", tr.Error),
			zap.String("description", tr.ErrorDescription),
		)
		if tr.Error == "invalid_grant" {
			return nil, errs.ErrRefreshPermanent
		}
		return nil, fmt.Errorf("%w: provider error %q", errs.ErrRefreshTransient, tr.Error)
	}
	if tr.AccessToken == "" {
		return nil, fmt.Errorf("%w: empty access token", errs.ErrRefreshTransient)
	}
	return c.toToken(tr), nil
}

// postToken performs a form-encoded call against the token endpoint and
// decodes the body even on 4xx, where Google reports the OAuth error code.
func (c *Client) postToken(ctx context.Context, form url.Values) (*tokenResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= http.StatusInternalServerError {
		return nil, fmt.Errorf("token endpoint status %d", resp.StatusCode)
	}

	var tr tokenResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&tr); err != nil {
		return nil, fmt.Errorf("decode token response: %v", err)
	}
	if resp.StatusCode != http.StatusOK && tr.Error == "" {
		return nil, fmt.Errorf("token endpoint status %d", resp.StatusCode)
	}
	return &tr, nil
}

func (c *Client) toToken(tr *tokenResponse) *model.Token {
	t := &model.Token{
		AccessToken:  tr.AccessToken,
		RefreshToken: tr.RefreshToken,
		Scope:        tr.Scope,
	}
	if tr.ExpiresIn > 0 {
		t.ExpiresAt = time.Now().Add(time.Duration(tr.ExpiresIn) * time.Second)
	}
	return t
}

// userinfoResponse is the OIDC userinfo body; only e-mail is consumed.
type userinfoResponse struct {
	Email string `json:"email"`
}

// Identity returns the account e-mail, or an error the caller may ignore:
// identity is optional metadata and must never abort a link.
func (c *Client) Identity(ctx context.Context, accessToken string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.UserinfoURL, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := c.idHTTP.Do(req)
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("userinfo status %d", resp.StatusCode)
	}

	var ui userinfoResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&ui); err != nil {
		return "", err
	}
	return ui.Email, nil
}

// sitesResponse is the Search Console sites list body.
type sitesResponse struct {
	SiteEntry []struct {
		SiteURL         string `json:"siteUrl"`
		PermissionLevel string `json:"permissionLevel"`
	} `json:"siteEntry"`
}

// ListProperties returns every property visible to the access token.
func (c *Client) ListProperties(ctx context.Context, accessToken string) ([]model.ExternalProperty, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.SitesURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		c.log.Debug("sites list failed",
			zap.Int("status", resp.StatusCode),
			zap.ByteString("body", body),
		)
		return nil, fmt.Errorf("sites list status %d", resp.StatusCode)
	}

	var sr sitesResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4<<20)).Decode(&sr); err != nil {
		return nil, err
	}
	props := make([]model.ExternalProperty, 0, len(sr.SiteEntry))
	for _, e := range sr.SiteEntry {
		if e.SiteURL == "" {
			continue
		}
		props = append(props, model.ExternalProperty{
			Identifier:      e.SiteURL,
			PermissionLevel: e.PermissionLevel,
		})
	}
	return props, nil
}
