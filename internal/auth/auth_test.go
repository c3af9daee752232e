package auth

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/tskulbru/kvile/internal/errdef"
	"github.com/tskulbru/kvile/internal/oauth"
)

type stubTokens struct {
	token string
	err   error
	oauth []oauth.OAuth2Config
	oidc  []oauth.OIDCConfig
}

func (s *stubTokens) Token(_ context.Context, cfg oauth.OAuth2Config) (string, error) {
	s.oauth = append(s.oauth, cfg)
	return s.token, s.err
}

func (s *stubTokens) OIDCToken(_ context.Context, cfg oauth.OIDCConfig) (string, error) {
	s.oidc = append(s.oidc, cfg)
	return s.token, s.err
}

func TestParseFromMetadata(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		meta map[string]string
		want Config
	}{
		{name: "absent", meta: map[string]string{"name": "x"}, want: nil},
		{name: "none", meta: map[string]string{"auth": "none"}, want: nil},
		{
			name: "basic without password",
			meta: map[string]string{"auth": "Basic", "auth.username": "ada"},
			want: Basic{Username: "ada"},
		},
		{name: "basic missing username", meta: map[string]string{"auth": "basic"}, want: nil},
		{
			name: "bearer",
			meta: map[string]string{"auth": "bearer", "auth.token": "t0k"},
			want: Bearer{Token: "t0k"},
		},
		{name: "bearer missing token", meta: map[string]string{"auth": "bearer"}, want: nil},
		{
			name: "api key defaults",
			meta: map[string]string{"auth": "api-key", "auth.value": "k"},
			want: APIKey{Header: DefaultAPIKeyHeader, Value: "k", In: InHeader},
		},
		{
			name: "api key in query",
			meta: map[string]string{"auth": "api_key", "auth.value": "k", "auth.header": "key", "auth.in": "QUERY"},
			want: APIKey{Header: "key", Value: "k", In: InQuery},
		},
		{
			name: "oauth2 defaults grant",
			meta: map[string]string{
				"auth":               "oauth2",
				"oauth.tokenUrl":     "https://idp/token",
				"oauth.clientId":     "cli",
				"oauth.scope":        "read  write",
				"oauth.id":           "shared",
				"oauth.clientsecret": "s",
			},
			want: OAuth2{oauth.OAuth2Config{
				TokenURL:     "https://idp/token",
				ClientID:     "cli",
				ClientSecret: "s",
				GrantType:    oauth.GrantClientCredentials,
				Scopes:       []string{"read", "write"},
				CacheID:      "shared",
			}},
		},
		{name: "oauth2 missing client", meta: map[string]string{"auth": "oauth", "oauth.tokenUrl": "u"}, want: nil},
		{
			name: "oidc defaults",
			meta: map[string]string{
				"auth":              "openid-connect",
				"oidc.issuer":       "https://idp",
				"oidc.clientId":     "cli",
				"oidc.param.prompt": "consent",
			},
			want: OIDC{oauth.OIDCConfig{
				Issuer:      "https://idp",
				ClientID:    "cli",
				RedirectURL: oauth.DefaultOIDCRedirectURL,
				Scopes:      []string{"openid", "profile"},
				ExtraParams: map[string]string{"prompt": "consent"},
			}},
		},
		{name: "oidc missing issuer", meta: map[string]string{"auth": "oidc", "oidc.clientId": "cli"}, want: nil},
		{name: "unknown", meta: map[string]string{"auth": "kerberos"}, want: nil},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := ParseFromMetadata(tc.meta)
			if !reflect.DeepEqual(got, tc.want) {
				t.Fatalf("expected %#v, got %#v", tc.want, got)
			}
		})
	}
}

func TestApplyStaticSchemes(t *testing.T) {
	t.Parallel()

	headers := map[string]string{"authorization": "stale", "Accept": "*/*"}
	if err := Apply(context.Background(), headers, Basic{Username: "user", Password: "pass"}, nil); err != nil {
		t.Fatalf("apply basic: %v", err)
	}
	want := map[string]string{"Authorization": "Basic dXNlcjpwYXNz", "Accept": "*/*"}
	if !reflect.DeepEqual(headers, want) {
		t.Fatalf("expected %v, got %v", want, headers)
	}

	if err := Apply(context.Background(), headers, Bearer{Token: "abc"}, nil); err != nil {
		t.Fatalf("apply bearer: %v", err)
	}
	if headers["Authorization"] != "Bearer abc" {
		t.Fatalf("unexpected bearer header %q", headers["Authorization"])
	}

	key := map[string]string{}
	if err := Apply(context.Background(), key, APIKey{Header: "X-Key", Value: "v", In: InHeader}, nil); err != nil {
		t.Fatalf("apply api key: %v", err)
	}
	if key["X-Key"] != "v" {
		t.Fatalf("expected api key header, got %v", key)
	}

	query := map[string]string{}
	if err := Apply(context.Background(), query, APIKey{Header: "key", Value: "v", In: InQuery}, nil); err != nil {
		t.Fatalf("apply query api key: %v", err)
	}
	if len(query) != 0 {
		t.Fatalf("query api key must not touch headers, got %v", query)
	}
}

func TestApplyTokenSchemes(t *testing.T) {
	t.Parallel()

	tokens := &stubTokens{token: "issued"}
	headers := map[string]string{}
	cfg := OAuth2{oauth.OAuth2Config{TokenURL: "https://idp/token", ClientID: "cli"}}
	if err := Apply(context.Background(), headers, cfg, tokens); err != nil {
		t.Fatalf("apply oauth2: %v", err)
	}
	if headers["Authorization"] != "Bearer issued" || len(tokens.oauth) != 1 {
		t.Fatalf("unexpected oauth2 result %v (%d calls)", headers, len(tokens.oauth))
	}

	if err := Apply(context.Background(), headers, OIDC{oauth.OIDCConfig{Issuer: "https://idp", ClientID: "cli"}}, tokens); err != nil {
		t.Fatalf("apply oidc: %v", err)
	}
	if len(tokens.oidc) != 1 {
		t.Fatalf("expected one oidc call")
	}
}

func TestApplyTokenFailureIsAuthError(t *testing.T) {
	t.Parallel()

	boom := errors.New("idp down")
	err := Apply(context.Background(), map[string]string{}, OAuth2{oauth.OAuth2Config{TokenURL: "u", ClientID: "c"}}, &stubTokens{err: boom})
	if !errors.Is(err, boom) {
		t.Fatalf("expected wrapped cause, got %v", err)
	}
	if !errdef.Is(err, errdef.CodeAuth) {
		t.Fatalf("expected auth code, got %v", errdef.CodeOf(err))
	}
}

func TestApplyToURL(t *testing.T) {
	t.Parallel()

	got, err := ApplyToURL("https://api.example.com/items?page=2", APIKey{Header: "key", Value: "a b", In: InQuery})
	if err != nil {
		t.Fatalf("ApplyToURL: %v", err)
	}
	if got != "https://api.example.com/items?key=a+b&page=2" {
		t.Fatalf("unexpected url %q", got)
	}

	same, err := ApplyToURL("https://api.example.com/items", Bearer{Token: "x"})
	if err != nil || same != "https://api.example.com/items" {
		t.Fatalf("expected url unchanged, got %q (%v)", same, err)
	}
}
