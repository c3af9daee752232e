// Package auth turns request metadata into credentials and applies them to
// outgoing requests.
package auth

import (
	"context"
	"net/url"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/tskulbru/kvile/internal/errdef"
	"github.com/tskulbru/kvile/internal/oauth"
	"github.com/tskulbru/kvile/internal/restfile"
	"github.com/tskulbru/kvile/internal/vars"
)

const (
	DefaultAPIKeyHeader = "X-API-Key"
	oidcParamPrefix     = "oidc.param."
)

type Placement string

const (
	InHeader Placement = "header"
	InQuery  Placement = "query"
)

// Config is one of Basic, Bearer, APIKey, OAuth2 or OIDC.
type Config interface {
	Type() string
	sealed()
}

type Basic struct {
	Username string
	Password string
}

type Bearer struct {
	Token string
}

type APIKey struct {
	Header string
	Value  string
	In     Placement
}

type OAuth2 struct {
	oauth.OAuth2Config
}

type OIDC struct {
	oauth.OIDCConfig
}

func (Basic) Type() string  { return "basic" }
func (Bearer) Type() string { return "bearer" }
func (APIKey) Type() string { return "apikey" }
func (OAuth2) Type() string { return "oauth2" }
func (OIDC) Type() string   { return "oidc" }

func (Basic) sealed()  {}
func (Bearer) sealed() {}
func (APIKey) sealed() {}
func (OAuth2) sealed() {}
func (OIDC) sealed()   {}

// TokenSource hands out access tokens for the token based schemes.
type TokenSource interface {
	Token(ctx context.Context, cfg oauth.OAuth2Config) (string, error)
	OIDCToken(ctx context.Context, cfg oauth.OIDCConfig) (string, error)
}

// ParseFromMetadata reads the auth directive of a request. It returns nil
// when no usable configuration is present; problems are logged, never
// returned.
func ParseFromMetadata(meta map[string]string) Config {
	kind, ok := restfile.Lookup(meta, "auth")
	if !ok {
		return nil
	}
	get := func(key string) string {
		v, _ := restfile.Lookup(meta, key)
		return strings.TrimSpace(v)
	}

	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "", "none":
		return nil
	case "basic":
		user := get("auth.username")
		if user == "" {
			return invalid(kind, "auth.username")
		}
		pass, _ := restfile.Lookup(meta, "auth.password")
		return Basic{Username: user, Password: pass}
	case "bearer":
		token := get("auth.token")
		if token == "" {
			return invalid(kind, "auth.token")
		}
		return Bearer{Token: token}
	case "apikey", "api-key", "api_key":
		value := get("auth.value")
		if value == "" {
			return invalid(kind, "auth.value")
		}
		cfg := APIKey{Header: get("auth.header"), Value: value, In: InHeader}
		if cfg.Header == "" {
			cfg.Header = DefaultAPIKeyHeader
		}
		if strings.EqualFold(get("auth.in"), string(InQuery)) {
			cfg.In = InQuery
		}
		return cfg
	case "oauth2", "oauth":
		cfg := oauth.OAuth2Config{
			TokenURL:     get("oauth.tokenUrl"),
			ClientID:     get("oauth.clientId"),
			ClientSecret: get("oauth.clientSecret"),
			GrantType:    oauth.GrantType(get("oauth.grantType")),
			Scopes:       strings.Fields(get("oauth.scope")),
			Username:     get("oauth.username"),
			Password:     get("oauth.password"),
			RefreshToken: get("oauth.refreshToken"),
			CacheID:      get("oauth.id"),
		}
		if cfg.TokenURL == "" {
			return invalid(kind, "oauth.tokenUrl")
		}
		if cfg.ClientID == "" {
			return invalid(kind, "oauth.clientId")
		}
		if cfg.GrantType == "" {
			cfg.GrantType = oauth.GrantClientCredentials
		}
		return OAuth2{cfg}
	case "oidc", "openid", "openid-connect":
		cfg := oauth.OIDCConfig{
			Issuer:                get("oidc.issuer"),
			AuthorizationEndpoint: get("oidc.authorizationEndpoint"),
			TokenEndpoint:         get("oidc.tokenEndpoint"),
			ClientID:              get("oidc.clientId"),
			ClientSecret:          get("oidc.clientSecret"),
			RedirectURL:           get("oidc.redirectUrl"),
			Scopes:                strings.Fields(get("oidc.scope")),
			CacheID:               get("oidc.id"),
			ExtraParams:           extraParams(meta),
		}
		if cfg.ClientID == "" {
			return invalid(kind, "oidc.clientId")
		}
		if cfg.Issuer == "" && cfg.AuthorizationEndpoint == "" {
			return invalid(kind, "oidc.issuer")
		}
		if len(cfg.Scopes) == 0 {
			cfg.Scopes = append([]string(nil), oauth.DefaultOIDCScopes...)
		}
		if cfg.RedirectURL == "" {
			cfg.RedirectURL = oauth.DefaultOIDCRedirectURL
		}
		return OIDC{cfg}
	default:
		log.Warn().Str("auth", kind).Msg("unknown auth type, sending without credentials")
		return nil
	}
}

func invalid(kind, field string) Config {
	log.Warn().Str("auth", kind).Str("field", field).Msg("incomplete auth configuration, sending without credentials")
	return nil
}

func extraParams(meta map[string]string) map[string]string {
	var out map[string]string
	keys := make([]string, 0, len(meta))
	for k := range meta {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if len(k) <= len(oidcParamPrefix) || !strings.EqualFold(k[:len(oidcParamPrefix)], oidcParamPrefix) {
			continue
		}
		if out == nil {
			out = make(map[string]string)
		}
		out[k[len(oidcParamPrefix):]] = strings.TrimSpace(meta[k])
	}
	return out
}

// Apply writes the credentials of cfg into headers. Token based schemes
// block on tokens; their failures are returned as auth errors.
func Apply(ctx context.Context, headers map[string]string, cfg Config, tokens TokenSource) error {
	switch c := cfg.(type) {
	case nil:
		return nil
	case Basic:
		restfile.SetHeader(headers, "Authorization", vars.BasicAuth(c.Username, c.Password))
	case Bearer:
		restfile.SetHeader(headers, "Authorization", "Bearer "+c.Token)
	case APIKey:
		if c.In == InHeader {
			restfile.SetHeader(headers, c.Header, c.Value)
		}
	case OAuth2:
		if tokens == nil {
			return errdef.New(errdef.CodeAuth, "no token source for oauth2")
		}
		token, err := tokens.Token(ctx, c.OAuth2Config)
		if err != nil {
			return errdef.Wrap(errdef.CodeAuth, err, "")
		}
		restfile.SetHeader(headers, "Authorization", "Bearer "+token)
	case OIDC:
		if tokens == nil {
			return errdef.New(errdef.CodeAuth, "no token source for oidc")
		}
		token, err := tokens.OIDCToken(ctx, c.OIDCConfig)
		if err != nil {
			return errdef.Wrap(errdef.CodeAuth, err, "")
		}
		restfile.SetHeader(headers, "Authorization", "Bearer "+token)
	}
	return nil
}

// ApplyToURL adds a query placed API key to rawURL. Other configs leave the
// URL untouched.
func ApplyToURL(rawURL string, cfg Config) (string, error) {
	key, ok := cfg.(APIKey)
	if !ok || key.In != InQuery {
		return rawURL, nil
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", errdef.Wrap(errdef.CodeAuth, err, "add api key to url")
	}
	q := u.Query()
	q.Set(key.Header, key.Value)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
