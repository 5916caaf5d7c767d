package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/imobcrm/agendasync/internal/errs"
	"github.com/imobcrm/agendasync/internal/token"
)

// fakeProxy is a scripted token proxy. Each incoming action is recorded;
// responses come from the queue for that action.
type fakeProxy struct {
	t *testing.T

	exchangeCalls atomic.Int64
	refreshCalls  atomic.Int64
	// lastRedirectURI records the redirect_uri of the latest exchange.
	lastRedirectURI atomic.Value

	exchangeStatus int
	refreshStatus  int
	response       map[string]any
	// failuresBeforeSuccess makes the first N requests return 500.
	failuresBeforeSuccess atomic.Int64
}

func (p *fakeProxy) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Action       string `json:"action"`
			Code         string `json:"code"`
			RefreshToken string `json:"refresh_token"`
			RedirectURI  string `json:"redirect_uri"`
		}
		require.NoError(p.t, json.NewDecoder(r.Body).Decode(&req))
		if req.Action == "exchange_code" {
			p.lastRedirectURI.Store(req.RedirectURI)
		}

		if p.failuresBeforeSuccess.Load() > 0 {
			p.failuresBeforeSuccess.Add(-1)
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

		status := http.StatusOK
		switch req.Action {
		case "exchange_code":
			p.exchangeCalls.Add(1)
			if p.exchangeStatus != 0 {
				status = p.exchangeStatus
			}
		case "refresh_token":
			p.refreshCalls.Add(1)
			if p.refreshStatus != 0 {
				status = p.refreshStatus
			}
		default:
			status = http.StatusBadRequest
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		body := p.response
		if body == nil {
			body = map[string]any{
				"access_token":  "AT1",
				"refresh_token": "RT1",
				"expires_in":    3600,
				"scope":         "https://www.googleapis.com/auth/calendar",
				"token_type":    "Bearer",
			}
		}
		json.NewEncoder(w).Encode(body)
	}
}

func newTestClient(t *testing.T, proxyURL string, store token.Store) *Client {
	t.Helper()
	client, err := NewClient(Config{
		ClientID:    "client-id",
		RedirectURL: "http://127.0.0.1:8080",
		Scopes:      []string{"https://www.googleapis.com/auth/calendar"},
		ProxyURL:    proxyURL,
	}, store, nil, nil)
	require.NoError(t, err)
	return client
}

func TestNewClient_RequiresConfiguration(t *testing.T) {
	_, err := NewClient(Config{ProxyURL: "http://proxy"}, token.NewMemoryStore(), nil, nil)
	require.ErrorIs(t, err, errs.ErrNotConfigured)

	_, err = NewClient(Config{ClientID: "id"}, token.NewMemoryStore(), nil, nil)
	require.ErrorIs(t, err, errs.ErrNotConfigured)
}

func TestAuthorizationURL(t *testing.T) {
	client := newTestClient(t, "http://proxy", token.NewMemoryStore())

	authURL, state := client.AuthorizationURL("")
	require.NotEmpty(t, state)

	parsed, err := url.Parse(authURL)
	require.NoError(t, err)
	query := parsed.Query()
	require.Equal(t, "client-id", query.Get("client_id"))
	require.Equal(t, "code", query.Get("response_type"))
	require.Equal(t, "offline", query.Get("access_type"))
	require.Equal(t, "consent", query.Get("prompt"))
	require.Equal(t, "true", query.Get("include_granted_scopes"))
	require.Equal(t, state, query.Get("state"))

	// An explicit state is used verbatim.
	_, state2 := client.AuthorizationURL("my-state")
	require.Equal(t, "my-state", state2)

	// Generated states are unique per call.
	_, state3 := client.AuthorizationURL("")
	require.NotEqual(t, state, state3)
}

func TestExchangeCode_PersistsCredentials(t *testing.T) {
	proxy := &fakeProxy{t: t}
	server := httptest.NewServer(proxy.handler())
	defer server.Close()

	store := token.NewMemoryStore()
	client := newTestClient(t, server.URL, store)

	before := time.Now()
	creds, err := client.ExchangeCode(context.Background(), "abc123", "http://127.0.0.1:8080")
	require.NoError(t, err)
	require.Equal(t, "AT1", creds.AccessToken)
	require.Equal(t, "RT1", creds.RefreshToken)
	require.Equal(t, "Bearer", creds.TokenType)
	require.Equal(t, []string{"https://www.googleapis.com/auth/calendar"}, creds.Scope)
	require.WithinDuration(t, before.Add(time.Hour), creds.Expiry, 5*time.Second)
	require.True(t, creds.Valid(time.Now()))

	loaded, err := store.Load()
	require.NoError(t, err)
	require.NotNil(t, loaded)
	require.Equal(t, "AT1", loaded.AccessToken)
}

func TestExchangeCode_UpstreamErrorSurfaced(t *testing.T) {
	proxy := &fakeProxy{
		t:              t,
		exchangeStatus: http.StatusBadRequest,
		response:       map[string]any{"error": "invalid_grant", "error_description": "code expired"},
	}
	server := httptest.NewServer(proxy.handler())
	defer server.Close()

	store := token.NewMemoryStore()
	client := newTestClient(t, server.URL, store)

	_, err := client.ExchangeCode(context.Background(), "stale-code", "")
	var exchangeErr *ExchangeError
	require.ErrorAs(t, err, &exchangeErr)
	require.Equal(t, "exchange_code", exchangeErr.Action)
	require.Equal(t, http.StatusBadRequest, exchangeErr.StatusCode)
	require.Contains(t, exchangeErr.Message, "code expired")

	// A 4xx is final: no retries.
	require.Equal(t, int64(1), proxy.exchangeCalls.Load())

	loaded, err := store.Load()
	require.NoError(t, err)
	require.Nil(t, loaded)
}

func TestCallProxy_RetriesServerErrors(t *testing.T) {
	proxy := &fakeProxy{t: t}
	proxy.failuresBeforeSuccess.Store(1)
	server := httptest.NewServer(proxy.handler())
	defer server.Close()

	client := newTestClient(t, server.URL, token.NewMemoryStore())

	creds, err := client.ExchangeCode(context.Background(), "abc123", "http://127.0.0.1:8080")
	require.NoError(t, err)
	require.Equal(t, "AT1", creds.AccessToken)
}

func TestRefresh_KeepsUnrotatedRefreshToken(t *testing.T) {
	proxy := &fakeProxy{
		t: t,
		response: map[string]any{
			"access_token": "AT2",
			"expires_in":   3600,
			"token_type":   "Bearer",
		},
	}
	server := httptest.NewServer(proxy.handler())
	defer server.Close()

	store := token.NewMemoryStore()
	client := newTestClient(t, server.URL, store)

	creds, err := client.Refresh(context.Background(), "RT-original")
	require.NoError(t, err)
	require.Equal(t, "AT2", creds.AccessToken)
	require.Equal(t, "RT-original", creds.RefreshToken)
}

func TestValidAccessToken_ValidTokenNeverRefreshes(t *testing.T) {
	proxy := &fakeProxy{t: t}
	server := httptest.NewServer(proxy.handler())
	defer server.Close()

	store := token.NewMemoryStore()
	require.NoError(t, store.Save(&token.Credentials{
		AccessToken:  "fresh",
		RefreshToken: "RT1",
		Expiry:       time.Now().Add(time.Hour),
	}))
	client := newTestClient(t, server.URL, store)

	for i := 0; i < 2; i++ {
		accessToken, err := client.ValidAccessToken(context.Background())
		require.NoError(t, err)
		require.Equal(t, "fresh", accessToken)
	}
	require.Equal(t, int64(0), proxy.refreshCalls.Load())
}

func TestValidAccessToken_ExpiredTriggersSingleRefresh(t *testing.T) {
	proxy := &fakeProxy{
		t: t,
		response: map[string]any{
			"access_token": "AT-new",
			"expires_in":   3600,
		},
	}
	server := httptest.NewServer(proxy.handler())
	defer server.Close()

	store := token.NewMemoryStore()
	require.NoError(t, store.Save(&token.Credentials{
		AccessToken:  "AT-old",
		RefreshToken: "RT1",
		Expiry:       time.Now().Add(-time.Second),
	}))
	client := newTestClient(t, server.URL, store)

	accessToken, err := client.ValidAccessToken(context.Background())
	require.NoError(t, err)
	require.Equal(t, "AT-new", accessToken)
	require.Equal(t, int64(1), proxy.refreshCalls.Load())

	// The refreshed token is now valid; a second call must not refresh.
	accessToken, err = client.ValidAccessToken(context.Background())
	require.NoError(t, err)
	require.Equal(t, "AT-new", accessToken)
	require.Equal(t, int64(1), proxy.refreshCalls.Load())
}

func TestValidAccessToken_NoCredentials(t *testing.T) {
	client := newTestClient(t, "http://proxy.invalid", token.NewMemoryStore())

	_, err := client.ValidAccessToken(context.Background())
	require.ErrorIs(t, err, errs.ErrNotConnected)
}

func TestValidAccessToken_ExpiredWithoutRefreshTokenClears(t *testing.T) {
	store := token.NewMemoryStore()
	require.NoError(t, store.Save(&token.Credentials{
		AccessToken: "AT-old",
		Expiry:      time.Now().Add(-time.Second),
	}))
	client := newTestClient(t, "http://proxy.invalid", store)

	_, err := client.ValidAccessToken(context.Background())
	require.ErrorIs(t, err, errs.ErrNotConnected)

	loaded, err := store.Load()
	require.NoError(t, err)
	require.Nil(t, loaded)
}

func TestValidAccessToken_RefreshFailureClearsSession(t *testing.T) {
	proxy := &fakeProxy{
		t:             t,
		refreshStatus: http.StatusUnauthorized,
		response:      map[string]any{"error": "invalid_grant"},
	}
	server := httptest.NewServer(proxy.handler())
	defer server.Close()

	store := token.NewMemoryStore()
	require.NoError(t, store.Save(&token.Credentials{
		AccessToken:  "AT-old",
		RefreshToken: "RT-revoked",
		Expiry:       time.Now().Add(-time.Second),
	}))
	client := newTestClient(t, server.URL, store)

	_, err := client.ValidAccessToken(context.Background())
	require.ErrorIs(t, err, errs.ErrNotConnected)

	loaded, err := store.Load()
	require.NoError(t, err)
	require.Nil(t, loaded)
}

func TestRevoke_ClearsEvenWhenEndpointFails(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	store := token.NewMemoryStore()
	require.NoError(t, store.Save(&token.Credentials{
		AccessToken: "AT1",
		Expiry:      time.Now().Add(time.Hour),
	}))

	client, err := NewClient(Config{
		ClientID:  "client-id",
		ProxyURL:  "http://proxy.invalid",
		RevokeURL: server.URL,
	}, store, nil, nil)
	require.NoError(t, err)

	require.NoError(t, client.Revoke(context.Background()))

	loaded, err := store.Load()
	require.NoError(t, err)
	require.Nil(t, loaded)
}

func TestRevoke_ClearsWhenEndpointUnreachable(t *testing.T) {
	store := token.NewMemoryStore()
	require.NoError(t, store.Save(&token.Credentials{
		AccessToken: "AT1",
		Expiry:      time.Now().Add(time.Hour),
	}))

	client, err := NewClient(Config{
		ClientID:  "client-id",
		ProxyURL:  "http://proxy.invalid",
		RevokeURL: "http://127.0.0.1:1", // nothing listens here
	}, store, &http.Client{Timeout: 100 * time.Millisecond}, nil)
	require.NoError(t, err)

	require.NoError(t, client.Revoke(context.Background()))

	loaded, err := store.Load()
	require.NoError(t, err)
	require.Nil(t, loaded)
}

func TestConnected(t *testing.T) {
	store := token.NewMemoryStore()
	client := newTestClient(t, "http://proxy.invalid", store)
	require.False(t, client.Connected())

	require.NoError(t, store.Save(&token.Credentials{
		AccessToken: "AT1",
		Expiry:      time.Now().Add(-time.Hour), // expired still counts as connected
	}))
	require.True(t, client.Connected())
}

func TestExchangeError_Message(t *testing.T) {
	err := &ExchangeError{Action: "refresh_token", StatusCode: 400, Message: "bad"}
	require.Contains(t, err.Error(), "refresh_token")
	require.Contains(t, err.Error(), "bad")

	var asErr *ExchangeError
	require.True(t, errors.As(err, &asErr))
}
