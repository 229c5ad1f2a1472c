package flow

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/oauth2"
)

const maxProfileBytes = 1 << 20

// Provider represents the behaviour the flow requires from one upstream OAuth2 provider.
type Provider interface {
	Name() string
	AuthorizationURL() (AuthRequest, error)
	Exchange(ctx context.Context, req ExchangeRequest) (*TokenResponse, []byte, error)
	CookiePolicy() CookiePolicy
}

// ProviderConfig describes one upstream provider.
type ProviderConfig struct {
	Name         string
	ClientID     string
	ClientSecret string
	Issuer       string
	AuthURL      string
	TokenURL     string
	ProfileURL   string
	RedirectURL  string
	Scopes       []string
	PKCE         bool
	Cookie       CookiePolicy
}

// AuthRequest is a freshly built authorization redirect and the values the caller must bind
// to the visitor session.
type AuthRequest struct {
	URL      string
	State    string
	Verifier string
}

// ExchangeRequest carries the untrusted callback values and the session-bound expectations.
type ExchangeRequest struct {
	Code          string
	State         string
	ExpectedState string
	Verifier      string
}

// TokenResponse is the subset of the provider token payload kept by the gateway.
type TokenResponse struct {
	AccessToken  string    `json:"access_token"`
	TokenType    string    `json:"token_type,omitempty"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	Expiry       time.Time `json:"expiry"`
	Scope        string    `json:"scope,omitempty"`
	IDToken      string    `json:"id_token,omitempty"`
}

// AuthorizationCodeClient wraps a single provider's oauth2 configuration. It holds no
// per-exchange state and is shared by all requests for that provider.
type AuthorizationCodeClient struct {
	name       string
	oauth      *oauth2.Config
	profileURL string
	pkce       bool
	httpClient *http.Client
	cookie     CookiePolicy
}

// NewAuthorizationCodeClient validates cfg and builds the client.
func NewAuthorizationCodeClient(cfg ProviderConfig, httpClient *http.Client) (*AuthorizationCodeClient, error) {
	switch {
	case cfg.Name == "":
		return nil, errors.New("provider name required")
	case cfg.ClientID == "":
		return nil, fmt.Errorf("client_id required for provider %s", cfg.Name)
	case cfg.AuthURL == "" || cfg.TokenURL == "":
		return nil, fmt.Errorf("auth_url and token_url required for provider %s", cfg.Name)
	case cfg.ProfileURL == "":
		return nil, fmt.Errorf("profile_url required for provider %s", cfg.Name)
	case cfg.RedirectURL == "":
		return nil, fmt.Errorf("redirect_url required for provider %s", cfg.Name)
	}

	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}

	endpoint := oauth2.Endpoint{AuthURL: cfg.AuthURL, TokenURL: cfg.TokenURL}
	if cfg.ClientSecret == "" {
		endpoint.AuthStyle = oauth2.AuthStyleInParams
	}

	return &AuthorizationCodeClient{
		name: cfg.Name,
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Endpoint:     endpoint,
			Scopes:       append([]string(nil), cfg.Scopes...),
		},
		profileURL: cfg.ProfileURL,
		pkce:       cfg.PKCE,
		httpClient: httpClient,
		cookie:     cfg.Cookie.withDefaults(),
	}, nil
}

// Name returns the provider name.
func (c *AuthorizationCodeClient) Name() string { return c.name }

// CookiePolicy returns the credential cookie settings for this provider.
func (c *AuthorizationCodeClient) CookiePolicy() CookiePolicy { return c.cookie }

// AuthorizationURL builds the authorize redirect with a new state, and a PKCE challenge when
// the provider requires one.
func (c *AuthorizationCodeClient) AuthorizationURL() (AuthRequest, error) {
	state, err := randomToken(32)
	if err != nil {
		return AuthRequest{}, fmt.Errorf("generate state: %w", err)
	}

	req := AuthRequest{State: state}
	var opts []oauth2.AuthCodeOption
	if c.pkce {
		req.Verifier = oauth2.GenerateVerifier()
		opts = append(opts, oauth2.S256ChallengeOption(req.Verifier))
	}
	req.URL = c.oauth.AuthCodeURL(state, opts...)
	return req, nil
}

// Exchange trades the authorization code for a token, then fetches the remote profile with
// it. Codes are single use upstream, so failures are never retried here.
func (c *AuthorizationCodeClient) Exchange(ctx context.Context, req ExchangeRequest) (*TokenResponse, []byte, error) {
	if req.Code == "" || req.State == "" {
		return nil, nil, ErrMissingParams
	}
	if subtle.ConstantTimeCompare([]byte(req.State), []byte(req.ExpectedState)) != 1 {
		return nil, nil, ErrCSRFMismatch
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)

	var opts []oauth2.AuthCodeOption
	if req.Verifier != "" {
		opts = append(opts, oauth2.VerifierOption(req.Verifier))
	}

	tok, err := c.oauth.Exchange(ctx, req.Code, opts...)
	if err != nil {
		return nil, nil, classifyExchangeError(err)
	}

	raw, err := c.fetchProfile(ctx, tok)
	if err != nil {
		return nil, nil, err
	}
	return tokenResponse(tok), raw, nil
}

func (c *AuthorizationCodeClient) fetchProfile(ctx context.Context, tok *oauth2.Token) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.profileURL, nil)
	if err != nil {
		return nil, wrapKind(ErrProfileFetch, err)
	}
	req.Header.Set("Accept", "application/json")
	tok.SetAuthHeader(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, wrapKind(ErrProfileFetch, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))
		return nil, wrapKind(ErrProfileFetch, fmt.Errorf("profile endpoint returned %d", resp.StatusCode))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxProfileBytes))
	if err != nil {
		return nil, wrapKind(ErrProfileFetch, err)
	}
	return body, nil
}

func classifyExchangeError(err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		if re.ErrorCode == "invalid_grant" {
			return wrapKind(ErrInvalidGrant, err)
		}
		if re.Response != nil && re.Response.StatusCode >= 400 && re.Response.StatusCode < 500 {
			return wrapKind(ErrInvalidGrant, err)
		}
	}
	return wrapKind(ErrNetwork, err)
}

func tokenResponse(tok *oauth2.Token) *TokenResponse {
	resp := &TokenResponse{
		AccessToken:  tok.AccessToken,
		TokenType:    tok.Type(),
		RefreshToken: tok.RefreshToken,
		Expiry:       tok.Expiry,
	}
	if scope, ok := tok.Extra("scope").(string); ok {
		resp.Scope = scope
	}
	if idToken, ok := tok.Extra("id_token").(string); ok {
		resp.IDToken = idToken
	}
	return resp
}
