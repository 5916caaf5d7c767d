// Package proxy implements the first-party token exchange route. It is the
// only place the Google client secret lives; untrusted clients post
// authorization codes and refresh tokens here instead of talking to the
// provider directly.
package proxy

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/imobcrm/agendasync/internal/errs"
)

const googleTokenURL = "https://oauth2.googleapis.com/token"

// Config holds the server-side OAuth settings.
type Config struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	// TokenURL defaults to the Google token endpoint; tests override it.
	TokenURL string
}

// Handler is the http.Handler for POST /api/google-oauth.
type Handler struct {
	conf *oauth2.Config
	log  *zap.Logger
}

// NewHandler validates the configuration and builds the proxy handler.
// Missing client credentials fail fast here, before any request is served.
func NewHandler(cfg Config, log *zap.Logger) (*Handler, error) {
	if cfg.ClientID == "" || cfg.ClientSecret == "" {
		return nil, fmt.Errorf("%w: missing Google client credentials", errs.ErrNotConfigured)
	}
	if cfg.TokenURL == "" {
		cfg.TokenURL = googleTokenURL
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{
		conf: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Endpoint:     oauth2.Endpoint{TokenURL: cfg.TokenURL},
		},
		log: log,
	}, nil
}

type request struct {
	Action       string `json:"action"`
	Code         string `json:"code,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
	RedirectURI  string `json:"redirect_uri,omitempty"`
}

type response struct {
	AccessToken  string `json:"access_token,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
	ExpiresIn    int64  `json:"expires_in,omitempty"`
	Scope        string `json:"scope,omitempty"`
	TokenType    string `json:"token_type,omitempty"`
	Error        string `json:"error,omitempty"`
	ErrorDesc    string `json:"error_description,omitempty"`
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, response{Error: "method_not_allowed"})
		return
	}

	var req request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, response{Error: "invalid_request", ErrorDesc: "malformed JSON body"})
		return
	}

	switch req.Action {
	case "exchange_code":
		h.exchangeCode(w, r, req)
	case "refresh_token":
		h.refreshToken(w, r, req)
	default:
		writeJSON(w, http.StatusBadRequest, response{Error: "invalid_request", ErrorDesc: "unknown action"})
	}
}

func (h *Handler) exchangeCode(w http.ResponseWriter, r *http.Request, req request) {
	if req.Code == "" {
		writeJSON(w, http.StatusBadRequest, response{Error: "invalid_request", ErrorDesc: "missing code"})
		return
	}

	conf := h.conf
	if req.RedirectURI != "" {
		cpy := *h.conf
		cpy.RedirectURL = req.RedirectURI
		conf = &cpy
	}

	tok, err := conf.Exchange(r.Context(), req.Code)
	if err != nil {
		h.writeUpstreamError(w, "exchange_code", err)
		return
	}
	h.log.Info("authorization code exchanged")
	writeJSON(w, http.StatusOK, tokenResponse(tok))
}

func (h *Handler) refreshToken(w http.ResponseWriter, r *http.Request, req request) {
	if req.RefreshToken == "" {
		writeJSON(w, http.StatusBadRequest, response{Error: "invalid_request", ErrorDesc: "missing refresh_token"})
		return
	}

	src := h.conf.TokenSource(r.Context(), &oauth2.Token{RefreshToken: req.RefreshToken})
	tok, err := src.Token()
	if err != nil {
		h.writeUpstreamError(w, "refresh_token", err)
		return
	}
	writeJSON(w, http.StatusOK, tokenResponse(tok))
}

func tokenResponse(tok *oauth2.Token) response {
	expiresIn := int64(time.Until(tok.Expiry).Seconds())
	if expiresIn < 0 {
		expiresIn = 0
	}
	scope, _ := tok.Extra("scope").(string)
	return response{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresIn:    expiresIn,
		Scope:        scope,
		TokenType:    tok.TokenType,
	}
}

// writeUpstreamError maps provider failures onto the wire shape, keeping
// the upstream message so the client can surface it.
func (h *Handler) writeUpstreamError(w http.ResponseWriter, action string, err error) {
	status := http.StatusBadGateway
	desc := err.Error()

	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		if retrieveErr.Response != nil && retrieveErr.Response.StatusCode >= 400 && retrieveErr.Response.StatusCode < 500 {
			status = retrieveErr.Response.StatusCode
		}
		if msg := strings.TrimSpace(string(retrieveErr.Body)); msg != "" {
			desc = msg
		}
	}

	h.log.Warn("provider rejected token request", zap.String("action", action), zap.Int("status", status), zap.Error(err))
	writeJSON(w, status, response{Error: "provider_error", ErrorDesc: desc})
}

func writeJSON(w http.ResponseWriter, status int, body response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
