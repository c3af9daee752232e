package oauth

import (
	"sort"
	"strings"
	"time"
)

type GrantType string

const (
	GrantClientCredentials GrantType = "client_credentials"
	GrantPassword          GrantType = "password"
	GrantRefreshToken      GrantType = "refresh_token"
	grantAuthorizationCode GrantType = "authorization_code"
)

const (
	DefaultOIDCRedirectURL = "http://localhost:8080/callback"
	defaultCallbackPort    = "8080"
	// expiryMargin is subtracted from expires_in so tokens are renewed early.
	expiryMargin = 60 * time.Second
)

var DefaultOIDCScopes = []string{"openid", "profile"}

type OAuth2Config struct {
	TokenURL     string
	ClientID     string
	ClientSecret string
	GrantType    GrantType
	Scopes       []string
	Username     string
	Password     string
	RefreshToken string
	// CacheID pins the cache entry regardless of the other fields.
	CacheID string
}

func (c OAuth2Config) grant() GrantType {
	g := GrantType(strings.ToLower(strings.TrimSpace(string(c.GrantType))))
	if g == "" {
		return GrantClientCredentials
	}
	return g
}

// Fingerprint identifies configs that may share one token.
func (c OAuth2Config) Fingerprint() string {
	if id := strings.TrimSpace(c.CacheID); id != "" {
		return "id:" + id
	}
	parts := []string{
		"oauth2",
		strings.TrimSpace(c.TokenURL),
		strings.TrimSpace(c.ClientID),
		string(c.grant()),
		joinScopes(c.Scopes),
	}
	if c.grant() == GrantPassword {
		parts = append(parts, strings.TrimSpace(c.Username))
	}
	return strings.Join(parts, "|")
}

type OIDCConfig struct {
	Issuer                string
	AuthorizationEndpoint string
	TokenEndpoint         string
	ClientID              string
	ClientSecret          string
	RedirectURL           string
	Scopes                []string
	ExtraParams           map[string]string
	CacheID               string
}

func (c OIDCConfig) Fingerprint() string {
	if id := strings.TrimSpace(c.CacheID); id != "" {
		return "id:" + id
	}
	endpoint := strings.TrimSpace(c.Issuer)
	if endpoint == "" {
		endpoint = strings.TrimSpace(c.AuthorizationEndpoint)
	}
	return strings.Join([]string{
		"oidc",
		endpoint,
		strings.TrimSpace(c.ClientID),
		string(grantAuthorizationCode),
		joinScopes(c.Scopes),
	}, "|")
}

func (c OIDCConfig) redirect() string {
	if r := strings.TrimSpace(c.RedirectURL); r != "" {
		return r
	}
	return DefaultOIDCRedirectURL
}

func (c OIDCConfig) scopes() []string {
	if len(c.Scopes) == 0 {
		return DefaultOIDCScopes
	}
	return c.Scopes
}

// Token is one cache entry. A zero ExpiresAt never expires.
type Token struct {
	AccessToken  string
	RefreshToken string
	TokenType    string
	Scope        string
	IDToken      string
	ExpiresAt    time.Time
}

func (t Token) validAt(now time.Time) bool {
	if t.AccessToken == "" {
		return false
	}
	return t.ExpiresAt.IsZero() || now.Before(t.ExpiresAt)
}

// TokenResponse is the token endpoint payload as returned by a Transport.
type TokenResponse struct {
	AccessToken  string
	TokenType    string
	ExpiresIn    int64
	RefreshToken string
	IDToken      string
	Scope        string
}

func (r TokenResponse) token(now time.Time, previousRefresh string) Token {
	tok := Token{
		AccessToken:  r.AccessToken,
		RefreshToken: r.RefreshToken,
		TokenType:    r.TokenType,
		Scope:        r.Scope,
		IDToken:      r.IDToken,
	}
	if tok.RefreshToken == "" {
		tok.RefreshToken = previousRefresh
	}
	if tok.TokenType == "" {
		tok.TokenType = "Bearer"
	}
	if r.ExpiresIn > 0 {
		tok.ExpiresAt = now.Add(time.Duration(r.ExpiresIn)*time.Second - expiryMargin)
	}
	return tok
}

func joinScopes(scopes []string) string {
	sorted := make([]string, 0, len(scopes))
	for _, s := range scopes {
		if s = strings.TrimSpace(s); s != "" {
			sorted = append(sorted, s)
		}
	}
	sort.Strings(sorted)
	return strings.Join(sorted, " ")
}
