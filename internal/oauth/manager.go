package oauth

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/tskulbru/kvile/internal/errdef"
)

// ErrLoginInProgress is returned when an interactive login is already
// waiting for the user.
var ErrLoginInProgress = errdef.New(errdef.CodeAuth, "OIDC login already in progress")

// Persister stores cache entries across runs.
type Persister interface {
	SaveToken(key string, tok Token) error
	DeleteToken(key string) error
	LoadTokens() (map[string]Token, error)
}

type Manager struct {
	client    *http.Client
	transport Transport
	persister Persister
	now       func() time.Time
	// notice receives the authorization URL when no browser can be opened.
	notice io.Writer

	mu       sync.Mutex
	cache    map[string]Token
	inflight map[string]*call

	loginActive  atomic.Bool
	loginTimeout time.Duration
}

type call struct {
	done  chan struct{}
	token Token
	err   error
}

func NewManager(client *http.Client) *Manager {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Manager{
		client:    client,
		transport: NewHTTPTransport(client),
		now:       time.Now,
		notice:    os.Stderr,
		cache:     make(map[string]Token),
		inflight:  make(map[string]*call),
	}
}

func (m *Manager) SetTransport(t Transport) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t == nil {
		t = NewHTTPTransport(m.client)
	}
	m.transport = t
}

// SetLoginTimeout bounds how long an interactive login may wait.
func (m *Manager) SetLoginTimeout(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loginTimeout = d
}

// SetPersister loads stored entries and mirrors every later write.
func (m *Manager) SetPersister(p Persister) error {
	tokens, err := p.LoadTokens()
	if err != nil {
		return errdef.Wrap(errdef.CodeStorage, err, "load cached tokens")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, tok := range tokens {
		m.cache[key] = tok
	}
	m.persister = p
	return nil
}

// Token returns an access token for cfg, reusing the cache, refreshing an
// expired entry once, or acquiring a new one. Concurrent callers for the
// same fingerprint share one request.
func (m *Manager) Token(ctx context.Context, cfg OAuth2Config) (string, error) {
	if strings.TrimSpace(cfg.TokenURL) == "" || strings.TrimSpace(cfg.ClientID) == "" {
		return "", errdef.New(errdef.CodeAuth, "oauth2 requires a token URL and client id")
	}
	key := cfg.Fingerprint()
	if tok, ok := m.cached(key); ok && tok.validAt(m.now()) {
		return tok.AccessToken, nil
	}

	m.mu.Lock()
	if c, ok := m.inflight[key]; ok {
		m.mu.Unlock()
		select {
		case <-ctx.Done():
			return "", errdef.Wrap(errdef.CodeAuth, ctx.Err(), "waiting for oauth2 token")
		case <-c.done:
			if c.err != nil {
				return "", c.err
			}
			return c.token.AccessToken, nil
		}
	}
	c := &call{done: make(chan struct{})}
	m.inflight[key] = c
	m.mu.Unlock()

	tok, err := m.obtainOAuth2(ctx, key, cfg)
	c.token, c.err = tok, err
	close(c.done)

	m.mu.Lock()
	delete(m.inflight, key)
	m.mu.Unlock()

	if err != nil {
		return "", err
	}
	return tok.AccessToken, nil
}

func (m *Manager) obtainOAuth2(ctx context.Context, key string, cfg OAuth2Config) (Token, error) {
	if entry, ok := m.cached(key); ok && entry.RefreshToken != "" {
		refreshed, err := m.refreshOAuth2(ctx, cfg, entry.RefreshToken)
		if err == nil {
			m.store(key, refreshed)
			return refreshed, nil
		}
		log.Debug().Err(err).Str("key", key).Msg("oauth2 refresh failed, acquiring new token")
	}

	var (
		tok *oauth2.Token
		err error
	)
	ctx = context.WithValue(ctx, oauth2.HTTPClient, m.client)
	switch cfg.grant() {
	case GrantClientCredentials:
		cc := clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     cfg.TokenURL,
			Scopes:       cfg.Scopes,
			AuthStyle:    authStyle(cfg.ClientSecret),
		}
		tok, err = cc.Token(ctx)
	case GrantPassword:
		tok, err = m.oauth2Config(cfg).PasswordCredentialsToken(ctx, cfg.Username, cfg.Password)
	case GrantRefreshToken:
		if cfg.RefreshToken == "" {
			return Token{}, errdef.New(errdef.CodeAuth, "refresh_token grant requires a refresh token")
		}
		tok, err = m.oauth2Config(cfg).TokenSource(ctx, &oauth2.Token{RefreshToken: cfg.RefreshToken}).Token()
	default:
		return Token{}, errdef.New(errdef.CodeAuth, "unsupported oauth2 grant type %q", cfg.GrantType)
	}
	if err != nil {
		return Token{}, errdef.Wrap(errdef.CodeAuth, err, "oauth2 %s token request", cfg.grant())
	}
	out := fromOAuth2(tok, m.now(), "")
	m.store(key, out)
	log.Debug().Str("key", key).Time("expires_at", out.ExpiresAt).Msg("oauth2 token acquired")
	return out, nil
}

func (m *Manager) refreshOAuth2(ctx context.Context, cfg OAuth2Config, refresh string) (Token, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, m.client)
	tok, err := m.oauth2Config(cfg).TokenSource(ctx, &oauth2.Token{RefreshToken: refresh}).Token()
	if err != nil {
		return Token{}, err
	}
	return fromOAuth2(tok, m.now(), refresh), nil
}

func (m *Manager) oauth2Config(cfg OAuth2Config) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Scopes:       cfg.Scopes,
		Endpoint: oauth2.Endpoint{
			TokenURL:  cfg.TokenURL,
			AuthStyle: authStyle(cfg.ClientSecret),
		},
	}
}

// OIDCToken is Token for the interactive flow. A missing or unrefreshable
// entry starts a browser login.
func (m *Manager) OIDCToken(ctx context.Context, cfg OIDCConfig) (string, error) {
	key := cfg.Fingerprint()
	entry, ok := m.cached(key)
	if ok && entry.validAt(m.now()) {
		return entry.AccessToken, nil
	}
	if ok && entry.RefreshToken != "" {
		resp, err := m.currentTransport().RefreshToken(ctx, cfg, entry.RefreshToken)
		if err == nil && resp.AccessToken != "" {
			tok := resp.token(m.now(), entry.RefreshToken)
			m.store(key, tok)
			return tok.AccessToken, nil
		}
		log.Debug().Err(err).Str("key", key).Msg("oidc refresh failed, starting login")
	}
	tok, err := m.PerformOIDCLogin(ctx, cfg)
	if err != nil {
		return "", err
	}
	return tok.AccessToken, nil
}

// PerformOIDCLogin runs the authorization code flow with PKCE. Only one
// login may run at a time; a concurrent call fails with
// ErrLoginInProgress instead of waiting.
func (m *Manager) PerformOIDCLogin(ctx context.Context, cfg OIDCConfig) (Token, error) {
	if !m.loginActive.CompareAndSwap(false, true) {
		return Token{}, ErrLoginInProgress
	}
	defer m.loginActive.Store(false)

	m.mu.Lock()
	timeout := m.loginTimeout
	transport := m.transport
	m.mu.Unlock()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	start, err := transport.StartAuth(ctx, cfg)
	if err != nil {
		return Token{}, errdef.Wrap(errdef.CodeAuth, err, "start oidc login")
	}

	type waitResult struct {
		code string
		err  error
	}
	waitCh := make(chan waitResult, 1)
	go func() {
		code, err := transport.WaitForCallback(ctx, start.RedirectURL, start.State)
		waitCh <- waitResult{code: code, err: err}
	}()

	if err := transport.OpenBrowser(start.URL); err != nil {
		log.Warn().Err(err).Msg("could not open browser for oidc login")
		if m.notice != nil {
			fmt.Fprintf(m.notice, "Open this URL to complete the login: %s\n", start.URL)
		}
	}

	var res waitResult
	select {
	case res = <-waitCh:
	case <-ctx.Done():
		return Token{}, errdef.Wrap(errdef.CodeAuth, ctx.Err(), "waiting for oidc callback")
	}
	if res.err != nil {
		return Token{}, errdef.Wrap(errdef.CodeAuth, res.err, "oidc callback")
	}

	resp, err := transport.ExchangeCode(ctx, cfg, res.code, start.Verifier)
	if err != nil {
		return Token{}, errdef.Wrap(errdef.CodeAuth, err, "exchange authorization code")
	}
	if resp.AccessToken == "" {
		return Token{}, errdef.New(errdef.CodeAuth, "token response missing access_token")
	}
	tok := resp.token(m.now(), "")
	m.store(cfg.Fingerprint(), tok)
	log.Info().Str("client", cfg.ClientID).Msg("oidc login complete")
	return tok, nil
}

// LoginInProgress reports whether an interactive login is waiting.
func (m *Manager) LoginInProgress() bool { return m.loginActive.Load() }

func (m *Manager) Invalidate(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.cache, key)
	if m.persister != nil {
		if err := m.persister.DeleteToken(key); err != nil {
			log.Warn().Err(err).Str("key", key).Msg("delete persisted token")
		}
	}
}

func (m *Manager) currentTransport() Transport {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transport
}

func (m *Manager) cached(key string) (Token, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tok, ok := m.cache[key]
	return tok, ok
}

// store replaces the entry whole.
func (m *Manager) store(key string, tok Token) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cache[key] = tok
	if m.persister != nil {
		if err := m.persister.SaveToken(key, tok); err != nil {
			log.Warn().Err(err).Str("key", key).Msg("persist token")
		}
	}
}

func fromOAuth2(tok *oauth2.Token, now time.Time, previousRefresh string) Token {
	return toResponse(tok).token(now, previousRefresh)
}

func authStyle(secret string) oauth2.AuthStyle {
	if secret != "" {
		return oauth2.AuthStyleInHeader
	}
	return oauth2.AuthStyleInParams
}
