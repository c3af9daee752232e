package oauth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/tskulbru/kvile/internal/errdef"
)

const (
	stateBytes    = 16
	discoveryPath = "/.well-known/openid-configuration"
)

// AuthStart is the prepared authorization request of one login attempt.
type AuthStart struct {
	URL         string
	State       string
	Verifier    string
	RedirectURL string
}

// Transport performs the network and browser side of the OIDC flow.
type Transport interface {
	StartAuth(ctx context.Context, cfg OIDCConfig) (AuthStart, error)
	WaitForCallback(ctx context.Context, redirectURL, state string) (string, error)
	ExchangeCode(ctx context.Context, cfg OIDCConfig, code, verifier string) (TokenResponse, error)
	RefreshToken(ctx context.Context, cfg OIDCConfig, refreshToken string) (TokenResponse, error)
	OpenBrowser(url string) error
}

type endpoints struct {
	AuthorizationEndpoint string `json:"authorization_endpoint"`
	TokenEndpoint         string `json:"token_endpoint"`
}

// HTTPTransport is the default Transport: discovery and token calls over
// HTTP, a loopback listener for the redirect and the OS browser opener.
type HTTPTransport struct {
	client *http.Client
	open   func(string) error

	mu         sync.Mutex
	discovered map[string]endpoints
}

func NewHTTPTransport(client *http.Client) *HTTPTransport {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPTransport{
		client:     client,
		open:       launchBrowser,
		discovered: make(map[string]endpoints),
	}
}

func (t *HTTPTransport) StartAuth(ctx context.Context, cfg OIDCConfig) (AuthStart, error) {
	ep, err := t.endpoints(ctx, cfg)
	if err != nil {
		return AuthStart{}, err
	}
	state, err := randString(stateBytes)
	if err != nil {
		return AuthStart{}, err
	}
	verifier := oauth2.GenerateVerifier()

	opts := []oauth2.AuthCodeOption{oauth2.S256ChallengeOption(verifier)}
	for k, v := range cfg.ExtraParams {
		if strings.TrimSpace(k) != "" {
			opts = append(opts, oauth2.SetAuthURLParam(k, v))
		}
	}
	return AuthStart{
		URL:         t.config(cfg, ep).AuthCodeURL(state, opts...),
		State:       state,
		Verifier:    verifier,
		RedirectURL: cfg.redirect(),
	}, nil
}

func (t *HTTPTransport) WaitForCallback(ctx context.Context, redirectURL, state string) (string, error) {
	redirect, ln, err := prepareRedirect(redirectURL)
	if err != nil {
		return "", err
	}
	defer func() {
		_ = ln.Close()
	}()

	srv := newCodeServer(redirect, state)
	srv.serve(ln)
	defer srv.shutdown(context.Background())
	return srv.wait(ctx)
}

func (t *HTTPTransport) ExchangeCode(
	ctx context.Context,
	cfg OIDCConfig,
	code, verifier string,
) (TokenResponse, error) {
	ep, err := t.endpoints(ctx, cfg)
	if err != nil {
		return TokenResponse{}, err
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, t.client)
	tok, err := t.config(cfg, ep).Exchange(ctx, code, oauth2.VerifierOption(verifier))
	if err != nil {
		return TokenResponse{}, errdef.Wrap(errdef.CodeAuth, err, "token exchange")
	}
	return toResponse(tok), nil
}

func (t *HTTPTransport) RefreshToken(
	ctx context.Context,
	cfg OIDCConfig,
	refreshToken string,
) (TokenResponse, error) {
	ep, err := t.endpoints(ctx, cfg)
	if err != nil {
		return TokenResponse{}, err
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, t.client)
	tok, err := t.config(cfg, ep).TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		return TokenResponse{}, errdef.Wrap(errdef.CodeAuth, err, "token refresh")
	}
	return toResponse(tok), nil
}

func (t *HTTPTransport) OpenBrowser(url string) error {
	return t.open(url)
}

func (t *HTTPTransport) config(cfg OIDCConfig, ep endpoints) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURL:  cfg.redirect(),
		Scopes:       cfg.scopes(),
		Endpoint: oauth2.Endpoint{
			AuthURL:   ep.AuthorizationEndpoint,
			TokenURL:  ep.TokenEndpoint,
			AuthStyle: authStyle(cfg.ClientSecret),
		},
	}
}

// endpoints prefers explicit endpoints and discovers the rest from the
// issuer. Discovery results are cached per issuer.
func (t *HTTPTransport) endpoints(ctx context.Context, cfg OIDCConfig) (endpoints, error) {
	ep := endpoints{
		AuthorizationEndpoint: strings.TrimSpace(cfg.AuthorizationEndpoint),
		TokenEndpoint:         strings.TrimSpace(cfg.TokenEndpoint),
	}
	if ep.AuthorizationEndpoint != "" && ep.TokenEndpoint != "" {
		return ep, nil
	}
	issuer := strings.TrimRight(strings.TrimSpace(cfg.Issuer), "/")
	if issuer == "" {
		return endpoints{}, errdef.New(errdef.CodeAuth, "oidc needs an issuer or both endpoints")
	}
	found, err := t.discover(ctx, issuer)
	if err != nil {
		return endpoints{}, err
	}
	if ep.AuthorizationEndpoint == "" {
		ep.AuthorizationEndpoint = found.AuthorizationEndpoint
	}
	if ep.TokenEndpoint == "" {
		ep.TokenEndpoint = found.TokenEndpoint
	}
	return ep, nil
}

func (t *HTTPTransport) discover(ctx context.Context, issuer string) (endpoints, error) {
	t.mu.Lock()
	if ep, ok := t.discovered[issuer]; ok {
		t.mu.Unlock()
		return ep, nil
	}
	t.mu.Unlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, issuer+discoveryPath, nil)
	if err != nil {
		return endpoints{}, errdef.Wrap(errdef.CodeAuth, err, "build discovery request")
	}
	req.Header.Set("Accept", "application/json")
	resp, err := t.client.Do(req)
	if err != nil {
		return endpoints{}, errdef.Wrap(errdef.CodeAuth, err, "oidc discovery")
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return endpoints{}, errdef.New(errdef.CodeAuth, "oidc discovery failed: %s", resp.Status)
	}
	var ep endpoints
	if err := json.NewDecoder(resp.Body).Decode(&ep); err != nil {
		return endpoints{}, errdef.Wrap(errdef.CodeAuth, err, "decode discovery document")
	}
	if ep.AuthorizationEndpoint == "" || ep.TokenEndpoint == "" {
		return endpoints{}, errdef.New(errdef.CodeAuth, "discovery document for %s lacks endpoints", issuer)
	}

	t.mu.Lock()
	t.discovered[issuer] = ep
	t.mu.Unlock()
	return ep, nil
}

func toResponse(tok *oauth2.Token) TokenResponse {
	resp := TokenResponse{
		AccessToken:  tok.AccessToken,
		TokenType:    tok.TokenType,
		RefreshToken: tok.RefreshToken,
		ExpiresIn:    tok.ExpiresIn,
	}
	if s, ok := tok.Extra("id_token").(string); ok {
		resp.IDToken = s
	}
	if s, ok := tok.Extra("scope").(string); ok {
		resp.Scope = s
	}
	if resp.ExpiresIn == 0 && !tok.Expiry.IsZero() {
		resp.ExpiresIn = int64(time.Until(tok.Expiry).Round(time.Second) / time.Second)
	}
	return resp
}

func randString(size int) (string, error) {
	buf := make([]byte, size)
	if _, err := rand.Read(buf); err != nil {
		return "", errdef.Wrap(errdef.CodeAuth, err, "generate random string")
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
