// Package oauth implements the Google OAuth code/token exchange through the
// first-party token proxy, so the client secret never leaves the backend.
package oauth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/imobcrm/agendasync/internal/errs"
	"github.com/imobcrm/agendasync/internal/token"
)

const (
	googleAuthURL   = "https://accounts.google.com/o/oauth2/auth"
	googleRevokeURL = "https://oauth2.googleapis.com/revoke"

	actionExchangeCode = "exchange_code"
	actionRefreshToken = "refresh_token"
)

// Config holds the client-side OAuth settings. The client secret is absent
// on purpose: it lives behind ProxyURL.
type Config struct {
	ClientID    string
	RedirectURL string
	Scopes      []string
	// ProxyURL is the first-party token exchange route, e.g.
	// "https://crm.example.com/api/google-oauth".
	ProxyURL string
	// AuthURL and RevokeURL default to the Google endpoints.
	AuthURL   string
	RevokeURL string
}

// ExchangeError is returned when the token proxy (or the provider behind
// it) rejects an exchange or refresh request.
type ExchangeError struct {
	Action     string
	StatusCode int
	Message    string
}

func (e *ExchangeError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("oauth %s failed (status %d): %s", e.Action, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("oauth %s failed (status %d)", e.Action, e.StatusCode)
}

// Client handles the code↔token exchange and the token lifecycle. It is
// explicitly constructed; tests create isolated instances with a
// MemoryStore.
type Client struct {
	cfg   Config
	store token.Store
	http  *http.Client
	log   *zap.Logger

	// now is swappable in tests.
	now func() time.Time

	// mu serializes refreshes within this process. Concurrent refreshes
	// from other processes are an accepted race.
	mu sync.Mutex
}

// NewClient validates the configuration and builds a Client.
func NewClient(cfg Config, store token.Store, httpClient *http.Client, log *zap.Logger) (*Client, error) {
	if cfg.ClientID == "" {
		return nil, fmt.Errorf("%w: missing Google client id", errs.ErrNotConfigured)
	}
	if cfg.ProxyURL == "" {
		return nil, fmt.Errorf("%w: missing token proxy URL", errs.ErrNotConfigured)
	}
	if cfg.AuthURL == "" {
		cfg.AuthURL = googleAuthURL
	}
	if cfg.RevokeURL == "" {
		cfg.RevokeURL = googleRevokeURL
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		cfg:   cfg,
		store: store,
		http:  httpClient,
		log:   log,
		now:   time.Now,
	}, nil
}

// AuthorizationURL builds the provider consent URL. access_type=offline and
// prompt=consent force a refresh token to be issued on every connect. When
// state is empty a random CSRF token is generated. Returns the URL and the
// state actually used.
func (c *Client) AuthorizationURL(state string) (string, string) {
	return c.AuthorizationURLWithRedirect(c.cfg.RedirectURL, state)
}

// AuthorizationURLWithRedirect is AuthorizationURL with an explicit
// redirect URI, used by flows that bind a loopback port at runtime.
func (c *Client) AuthorizationURLWithRedirect(redirectURL, state string) (string, string) {
	if state == "" {
		state = uuid.NewString()
	}
	conf := &oauth2.Config{
		ClientID:    c.cfg.ClientID,
		RedirectURL: redirectURL,
		Scopes:      c.cfg.Scopes,
		Endpoint:    oauth2.Endpoint{AuthURL: c.cfg.AuthURL},
	}
	authURL := conf.AuthCodeURL(state,
		oauth2.AccessTypeOffline,
		oauth2.SetAuthURLParam("prompt", "consent"),
		oauth2.SetAuthURLParam("include_granted_scopes", "true"),
	)
	return authURL, state
}

// proxyRequest is the wire shape sent to the token proxy.
type proxyRequest struct {
	Action       string `json:"action"`
	Code         string `json:"code,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
	RedirectURI  string `json:"redirect_uri,omitempty"`
}

// proxyResponse is the wire shape returned by the token proxy.
type proxyResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	ExpiresIn    int64  `json:"expires_in"`
	Scope        string `json:"scope,omitempty"`
	TokenType    string `json:"token_type,omitempty"`
	Error        string `json:"error,omitempty"`
	ErrorDesc    string `json:"error_description,omitempty"`
}

// ExchangeCode trades an authorization code for credentials via the proxy
// and persists them. redirectURL must be the redirect URI the code was
// obtained with; the provider rejects the grant when the two disagree. An
// empty redirectURL falls back to the configured one.
func (c *Client) ExchangeCode(ctx context.Context, code, redirectURL string) (*token.Credentials, error) {
	if redirectURL == "" {
		redirectURL = c.cfg.RedirectURL
	}
	resp, err := c.callProxy(ctx, proxyRequest{
		Action:      actionExchangeCode,
		Code:        code,
		RedirectURI: redirectURL,
	})
	if err != nil {
		return nil, err
	}

	creds := c.credentialsFromResponse(resp, "")
	if err := c.store.Save(creds); err != nil {
		return nil, fmt.Errorf("failed to save credentials: %w", err)
	}
	c.log.Info("google account connected", zap.Time("expiry", creds.Expiry))
	return creds, nil
}

// Refresh trades a refresh token for fresh credentials via the proxy and
// persists them. If the provider does not rotate the refresh token, the
// original one is kept in the result.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*token.Credentials, error) {
	resp, err := c.callProxy(ctx, proxyRequest{
		Action:       actionRefreshToken,
		RefreshToken: refreshToken,
	})
	if err != nil {
		return nil, err
	}

	creds := c.credentialsFromResponse(resp, refreshToken)
	if err := c.store.Save(creds); err != nil {
		return nil, fmt.Errorf("failed to save refreshed credentials: %w", err)
	}
	c.log.Debug("access token refreshed", zap.Time("expiry", creds.Expiry))
	return creds, nil
}

// ValidAccessToken is the single integration point for obtaining a usable
// access token. A valid stored token is returned as-is; an expired token
// with a refresh token triggers exactly one refresh; anything else clears
// the store and reports errs.ErrNotConnected.
func (c *Client) ValidAccessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	creds, err := c.store.Load()
	if err != nil {
		return "", fmt.Errorf("failed to load credentials: %w", err)
	}
	if creds == nil {
		return "", errs.ErrNotConnected
	}
	if creds.Valid(c.now()) {
		return creds.AccessToken, nil
	}
	return c.refreshLocked(ctx, creds)
}

// ForceRefresh refreshes the stored credentials regardless of their
// recorded expiry. The gateway uses it after a 401 tells us the recorded
// expiry was a lie.
func (c *Client) ForceRefresh(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	creds, err := c.store.Load()
	if err != nil {
		return "", fmt.Errorf("failed to load credentials: %w", err)
	}
	if creds == nil {
		return "", errs.ErrNotConnected
	}
	return c.refreshLocked(ctx, creds)
}

func (c *Client) refreshLocked(ctx context.Context, creds *token.Credentials) (string, error) {
	if creds.RefreshToken == "" {
		if err := c.store.Clear(); err != nil {
			c.log.Warn("failed to clear credentials", zap.Error(err))
		}
		return "", errs.ErrNotConnected
	}

	fresh, err := c.Refresh(ctx, creds.RefreshToken)
	if err != nil {
		// A failed refresh must never leave an ambiguous half-connected
		// session behind.
		if cerr := c.store.Clear(); cerr != nil {
			c.log.Warn("failed to clear credentials after refresh failure", zap.Error(cerr))
		}
		c.log.Warn("token refresh failed, session cleared", zap.Error(err))
		return "", fmt.Errorf("%w: %v", errs.ErrNotConnected, err)
	}
	return fresh.AccessToken, nil
}

// Revoke calls the provider revocation endpoint and clears the store.
// Local state never stays connected after an explicit disconnect, even if
// the revocation call fails.
func (c *Client) Revoke(ctx context.Context) error {
	creds, err := c.store.Load()
	if err == nil && creds != nil {
		revokeURL := c.cfg.RevokeURL + "?token=" + url.QueryEscape(creds.AccessToken)
		req, rerr := http.NewRequestWithContext(ctx, http.MethodPost, revokeURL, nil)
		if rerr == nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
			if resp, derr := c.http.Do(req); derr != nil {
				c.log.Warn("revocation request failed", zap.Error(derr))
			} else {
				io.Copy(io.Discard, resp.Body)
				resp.Body.Close()
				if resp.StatusCode >= 300 {
					c.log.Warn("revocation rejected", zap.Int("status", resp.StatusCode))
				}
			}
		}
	}

	if err := c.store.Clear(); err != nil {
		return fmt.Errorf("failed to clear credentials: %w", err)
	}
	c.log.Info("google account disconnected")
	return nil
}

// Connected reports whether credentials are stored, valid or not.
func (c *Client) Connected() bool {
	creds, err := c.store.Load()
	return err == nil && creds != nil
}

// callProxy posts the request to the token proxy. Network errors and 5xx
// responses are retried with capped exponential backoff; 4xx responses are
// final and surface the upstream error message.
func (c *Client) callProxy(ctx context.Context, reqBody proxyRequest) (*proxyResponse, error) {
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, err
	}

	var out *proxyResponse
	backoff := retry.WithMaxRetries(2, retry.NewExponential(200*time.Millisecond))
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.ProxyURL, bytes.NewReader(payload))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			return retry.RetryableError(err)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return retry.RetryableError(err)
		}

		var parsed proxyResponse
		if jerr := json.Unmarshal(body, &parsed); jerr != nil && resp.StatusCode < 300 {
			return fmt.Errorf("failed to parse proxy response: %w", jerr)
		}

		if resp.StatusCode >= 500 {
			return retry.RetryableError(&ExchangeError{
				Action:     reqBody.Action,
				StatusCode: resp.StatusCode,
				Message:    upstreamMessage(&parsed),
			})
		}
		if resp.StatusCode >= 300 {
			return &ExchangeError{
				Action:     reqBody.Action,
				StatusCode: resp.StatusCode,
				Message:    upstreamMessage(&parsed),
			}
		}
		if parsed.AccessToken == "" {
			return &ExchangeError{
				Action:     reqBody.Action,
				StatusCode: resp.StatusCode,
				Message:    "proxy returned no access token",
			}
		}
		out = &parsed
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func upstreamMessage(resp *proxyResponse) string {
	if resp.ErrorDesc != "" {
		return resp.ErrorDesc
	}
	return resp.Error
}

func (c *Client) credentialsFromResponse(resp *proxyResponse, previousRefreshToken string) *token.Credentials {
	refresh := resp.RefreshToken
	if refresh == "" {
		refresh = previousRefreshToken
	}
	var scopes []string
	if resp.Scope != "" {
		scopes = strings.Fields(resp.Scope)
	}
	tokenType := resp.TokenType
	if tokenType == "" {
		tokenType = "Bearer"
	}
	return &token.Credentials{
		AccessToken:  resp.AccessToken,
		RefreshToken: refresh,
		Expiry:       c.now().Add(time.Duration(resp.ExpiresIn) * time.Second),
		Scope:        scopes,
		TokenType:    tokenType,
	}
}
