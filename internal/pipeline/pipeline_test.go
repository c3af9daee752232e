package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/MakeNowJust/heredoc"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/tskulbru/kvile/internal/errdef"
	"github.com/tskulbru/kvile/internal/httpclient"
	"github.com/tskulbru/kvile/internal/oauth"
	"github.com/tskulbru/kvile/internal/telemetry"
	"github.com/tskulbru/kvile/internal/vars"
)

type sent struct {
	Method  string
	URL     string
	Headers map[string]string
	Body    string
}

type fakeDispatcher struct {
	calls []sent
	resp  *httpclient.Response
	err   error
}

func (f *fakeDispatcher) Send(
	_ context.Context,
	method, url string,
	headers map[string]string,
	body *string,
) (*httpclient.Response, error) {
	call := sent{Method: method, URL: url, Headers: map[string]string{}}
	for k, v := range headers {
		call.Headers[k] = v
	}
	if body != nil {
		call.Body = *body
	}
	f.calls = append(f.calls, call)
	if f.err != nil {
		return nil, f.err
	}
	if f.resp != nil {
		return f.resp, nil
	}
	return &httpclient.Response{Status: 200, StatusText: "OK", Headers: map[string]string{}, Body: "{}"}, nil
}

type stubTokens struct {
	token string
	err   error
}

func (s stubTokens) Token(context.Context, oauth.OAuth2Config) (string, error) {
	return s.token, s.err
}

func (s stubTokens) OIDCToken(context.Context, oauth.OIDCConfig) (string, error) {
	return s.token, s.err
}

func (f *fakeDispatcher) only(t *testing.T) sent {
	t.Helper()
	if len(f.calls) != 1 {
		t.Fatalf("expected 1 dispatch, got %d", len(f.calls))
	}
	return f.calls[0]
}

func TestCompileAndSendLayersVariables(t *testing.T) {
	doc := heredoc.Doc(`
		@host = {{base}}/v1

		### create
		POST {{host}}/users?team={{team}}
		Content-Type: application/json
		X-Trace: {{trace}}

		{"name": "{{user}}"}
	`)
	store := vars.NewCaptureStore(10)
	store.Set(vars.ResponseVariable{Name: "trace", Value: "captured"})

	d := &fakeDispatcher{}
	res, err := New(d).CompileAndSend(context.Background(), doc, Selector{Name: "create"}, Sources{
		Environment: map[string]string{"base": "https://env.example", "team": "env", "trace": "env"},
		Shared:      map[string]string{"team": "shared", "user": "ada"},
		Captured:    store,
	})
	if err != nil {
		t.Fatalf("CompileAndSend: %v", err)
	}
	call := d.only(t)
	if call.Method != "POST" || call.URL != "https://env.example/v1/users?team=shared" {
		t.Fatalf("unexpected request line %s %s", call.Method, call.URL)
	}
	if call.Headers["X-Trace"] != "captured" {
		t.Fatalf("expected captured value to win, got %#v", call.Headers)
	}
	if call.Body != `{"name": "ada"}` {
		t.Fatalf("unexpected body %q", call.Body)
	}
	if len(res.MissingVariables) != 0 {
		t.Fatalf("unexpected missing variables %v", res.MissingVariables)
	}
	if res.Request.URL != call.URL || res.Response == nil {
		t.Fatalf("result does not reflect the compiled request: %#v", res)
	}
}

func TestCompileAndSendReportsMissingVariables(t *testing.T) {
	doc := heredoc.Doc(`
		GET https://example.com/{{a}}/{{b}}/{{a}}
		X-Key: {{c}}
	`)
	d := &fakeDispatcher{}
	res, err := New(d).CompileAndSend(context.Background(), doc, Selector{Line: 1}, Sources{})
	if err != nil {
		t.Fatalf("CompileAndSend: %v", err)
	}
	got := strings.Join(res.MissingVariables, ",")
	if got != "a,b,c" {
		t.Fatalf("expected missing a,b,c, got %q", got)
	}
	if call := d.only(t); call.URL != "https://example.com/{{a}}/{{b}}/{{a}}" {
		t.Fatalf("unresolved tokens should be sent verbatim, got %q", call.URL)
	}
}

func TestCompileAndSendExpandsInlineValuesAgainstCaptures(t *testing.T) {
	doc := heredoc.Doc(`
		@auth = Bearer {{token}}
		@trace = {{nope}}

		### me
		GET https://example.com/me
		Authorization: {{auth}}
		X-Trace: {{trace}}
	`)
	store := vars.NewCaptureStore(10)
	store.Set(vars.ResponseVariable{Name: "token", Value: "abc"})

	d := &fakeDispatcher{}
	res, err := New(d).CompileAndSend(context.Background(), doc, Selector{Name: "me"}, Sources{Captured: store})
	if err != nil {
		t.Fatalf("CompileAndSend: %v", err)
	}
	call := d.only(t)
	if call.Headers["Authorization"] != "Bearer abc" {
		t.Fatalf("inline value not expanded against captures: %#v", call.Headers)
	}
	if got := strings.Join(res.MissingVariables, ","); got != "nope" {
		t.Fatalf("expected missing nope, got %q", got)
	}
}

func TestPreScriptRewritesRequest(t *testing.T) {
	doc := heredoc.Doc(`
		### signed
		< {%
		client.global.set("id", 7);
		request.setHeader("X-Sig", "abc");
		request.setMethod("put");
		%}
		GET https://example.com/items/{{id}}
	`)
	store := vars.NewCaptureStore(10)
	d := &fakeDispatcher{}
	_, err := New(d).CompileAndSend(context.Background(), doc, Selector{Name: "signed"}, Sources{Captured: store})
	if err != nil {
		t.Fatalf("CompileAndSend: %v", err)
	}
	call := d.only(t)
	if call.Method != "PUT" || call.URL != "https://example.com/items/7" || call.Headers["X-Sig"] != "abc" {
		t.Fatalf("pre-script changes not applied: %#v", call)
	}
	if store.Len() != 0 {
		t.Fatalf("pre-script variables must not be captured, store has %d", store.Len())
	}
}

func TestPreScriptErrorAbortsDispatch(t *testing.T) {
	doc := heredoc.Doc(`
		< {%
		client.log("before");
		throw new Error("boom");
		%}
		GET https://example.com
	`)
	d := &fakeDispatcher{}
	res, err := New(d).CompileAndSend(context.Background(), doc, Selector{Line: 1}, Sources{})
	if !errdef.Is(err, errdef.CodeScript) {
		t.Fatalf("expected script error, got %v", err)
	}
	if len(d.calls) != 0 {
		t.Fatalf("request must not be sent after a pre-script error")
	}
	if res == nil || !strings.Contains(res.PreScriptError, "boom") {
		t.Fatalf("expected pre-script error in result, got %#v", res)
	}
	if len(res.Logs) != 1 || res.Logs[0].Message != "before" {
		t.Fatalf("expected logs to survive the abort, got %#v", res.Logs)
	}
}

func TestPostScriptErrorKeepsResponse(t *testing.T) {
	doc := heredoc.Doc(`
		GET https://example.com

		> {%
		client.test("status", function () {
		  client.assert(response.status === 200, "status");
		});
		throw new Error("bad");
		%}
	`)
	d := &fakeDispatcher{}
	res, err := New(d).CompileAndSend(context.Background(), doc, Selector{Line: 1}, Sources{})
	if err != nil {
		t.Fatalf("post-script failure must not fail the send: %v", err)
	}
	if res.Response == nil || res.Response.Status != 200 {
		t.Fatalf("expected response to be kept, got %#v", res.Response)
	}
	if !strings.Contains(res.PostScriptError, "bad") {
		t.Fatalf("expected post-script error, got %q", res.PostScriptError)
	}
	if len(res.Tests) != 1 || !res.Tests[0].Passed {
		t.Fatalf("expected one passing test, got %#v", res.Tests)
	}
}

func TestPostScriptCapturesAndClears(t *testing.T) {
	doc := heredoc.Doc(`
		### login
		POST https://example.com/login

		> {%
		client.global.set("token", response.body.token);
		client.global.clear("stale");
		%}
	`)
	store := vars.NewCaptureStore(10)
	store.Set(vars.ResponseVariable{Name: "stale", Value: "x"})
	d := &fakeDispatcher{resp: &httpclient.Response{
		Status:  200,
		Headers: map[string]string{"content-type": "application/json"},
		Body:    `{"token":"t-1"}`,
	}}

	if _, err := New(d).CompileAndSend(context.Background(), doc, Selector{Name: "login"}, Sources{Captured: store}); err != nil {
		t.Fatalf("CompileAndSend: %v", err)
	}
	got, ok := store.Get("token")
	if !ok || got.String() != "t-1" || got.Source != "login" {
		t.Fatalf("unexpected captured token %#v (ok=%v)", got, ok)
	}
	if got.Timestamp.IsZero() {
		t.Fatalf("captured variable should carry a timestamp")
	}
	if _, ok := store.Get("stale"); ok {
		t.Fatalf("cleared variable should be removed from the store")
	}
}

func TestSelectRequest(t *testing.T) {
	doc := heredoc.Doc(`
		### first
		GET https://example.com/1

		### second
		GET https://example.com/2

		### third
		GET https://example.com/3
	`)
	cases := []struct {
		name string
		sel  Selector
		want string
	}{
		{name: "inside first", sel: Selector{Line: 2}, want: "/1"},
		{name: "gap after first", sel: Selector{Line: 3}, want: "/1"},
		{name: "separator line", sel: Selector{Line: 4}, want: "/2"},
		{name: "last line", sel: Selector{Line: 8}, want: "/3"},
		{name: "past the end", sel: Selector{Line: 100}, want: "/3"},
		{name: "above all", sel: Selector{Line: 0}, want: "/1"},
		{name: "by name", sel: Selector{Name: "second", Line: 8}, want: "/2"},
		{name: "name ignores case", sel: Selector{Name: "THIRD"}, want: "/3"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := &fakeDispatcher{}
			if _, err := New(d).CompileAndSend(context.Background(), doc, tc.sel, Sources{}); err != nil {
				t.Fatalf("CompileAndSend: %v", err)
			}
			if call := d.only(t); !strings.HasSuffix(call.URL, tc.want) {
				t.Fatalf("expected request ending in %s, got %s", tc.want, call.URL)
			}
		})
	}
}

func TestCompileAndSendParseErrors(t *testing.T) {
	d := &fakeDispatcher{}
	p := New(d)

	if _, err := p.CompileAndSend(context.Background(), "# nothing here\n", Selector{Line: 1}, Sources{}); !errdef.Is(err, errdef.CodeParse) {
		t.Fatalf("expected parse error for empty document, got %v", err)
	}
	if _, err := p.CompileAndSend(context.Background(), "GET https://example.com\n", Selector{Name: "missing"}, Sources{}); !errdef.Is(err, errdef.CodeParse) {
		t.Fatalf("expected parse error for unknown name, got %v", err)
	}
	if len(d.calls) != 0 {
		t.Fatalf("nothing should be sent")
	}
}

func TestCompileAndSendAppliesAuth(t *testing.T) {
	doc := heredoc.Doc(`
		### static
		# @auth bearer
		# @auth.token {{token}}
		GET https://example.com/me

		### query
		# @auth apikey
		# @auth.header key
		# @auth.value secret
		# @auth.in query
		GET https://example.com/search?q=go

		### oauth
		# @auth oauth2
		# @oauth.tokenUrl https://idp.example/token
		# @oauth.clientId cli
		GET https://example.com/orders
	`)
	d := &fakeDispatcher{}
	p := New(d, WithTokens(stubTokens{token: "from-idp"}))
	src := Sources{Environment: map[string]string{"token": "abc"}}

	for _, name := range []string{"static", "query", "oauth"} {
		if _, err := p.CompileAndSend(context.Background(), doc, Selector{Name: name}, src); err != nil {
			t.Fatalf("%s: %v", name, err)
		}
	}
	if got := d.calls[0].Headers["Authorization"]; got != "Bearer abc" {
		t.Fatalf("bearer header not applied, got %q", got)
	}
	if got := d.calls[1].URL; got != "https://example.com/search?key=secret&q=go" {
		t.Fatalf("api key not added to query, got %q", got)
	}
	if got := d.calls[2].Headers["Authorization"]; got != "Bearer from-idp" {
		t.Fatalf("oauth2 token not applied, got %q", got)
	}
}

func TestCompileAndSendTokenFailureAborts(t *testing.T) {
	doc := heredoc.Doc(`
		# @auth oauth2
		# @oauth.tokenUrl https://idp.example/token
		# @oauth.clientId cli
		GET https://example.com/orders
	`)
	d := &fakeDispatcher{}
	p := New(d, WithTokens(stubTokens{err: errors.New("invalid_client")}))
	_, err := p.CompileAndSend(context.Background(), doc, Selector{Line: 4}, Sources{})
	if !errdef.Is(err, errdef.CodeAuth) {
		t.Fatalf("expected auth error, got %v", err)
	}
	if len(d.calls) != 0 {
		t.Fatalf("request must not be sent without a token")
	}
}

func TestCompileAndSendDispatchFailure(t *testing.T) {
	d := &fakeDispatcher{err: errors.New("connection refused")}
	res, err := New(d).CompileAndSend(context.Background(), "GET https://example.com\n", Selector{Line: 1}, Sources{})
	if !errdef.Is(err, errdef.CodeHTTP) {
		t.Fatalf("expected http error, got %v", err)
	}
	if res == nil || res.Response != nil {
		t.Fatalf("expected result without response, got %#v", res)
	}
}

func TestRunAllChainsCaptures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/login":
			_ = json.NewEncoder(w).Encode(map[string]string{"token": "t-1"})
		case "/me":
			if r.Header.Get("Authorization") != "Bearer t-1" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			_ = json.NewEncoder(w).Encode(map[string]string{"user": "ada"})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	client, err := httpclient.NewClient(httpclient.Options{FollowRedirects: true})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	doc := heredoc.Doc(`
		### login
		POST {{base}}/login

		> {%
		client.global.set("token", response.body.token);
		%}

		### me
		GET {{base}}/me
		Authorization: Bearer {{token}}

		> {%
		client.test("authorized", function () {
		  client.assert(response.status === 200, "status " + response.status);
		});
		%}

		### broken
		GET ::not a url
	`)
	store := vars.NewCaptureStore(10)
	items := New(client).RunAll(context.Background(), doc, Sources{
		Environment: map[string]string{"base": srv.URL},
		Captured:    store,
	})
	if len(items) != 3 {
		t.Fatalf("expected 3 batch items, got %d", len(items))
	}
	for i, item := range items[:2] {
		if item.Err != nil {
			t.Fatalf("item %d: %v", i, item.Err)
		}
	}
	me := items[1].Result
	if me.Response.Status != http.StatusOK || me.FailedTests() != 0 {
		t.Fatalf("second request did not see the captured token: %d %#v", me.Response.Status, me.Tests)
	}
	if !errdef.Is(items[2].Err, errdef.CodeHTTP) {
		t.Fatalf("expected third item to fail with an http error, got %v", items[2].Err)
	}
}

func TestCompileAndSendEmitsSpan(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	inst, err := telemetry.New(telemetry.Config{ServiceName: "kvile-test"}, telemetry.WithSpanProcessor(recorder))
	if err != nil {
		t.Fatalf("telemetry.New: %v", err)
	}
	t.Cleanup(func() { _ = inst.Shutdown(context.Background()) })

	doc := heredoc.Doc(`
		### ping
		GET https://example.com/ping

		> {%
		client.test("ok", function () {});
		%}
	`)
	d := &fakeDispatcher{}
	if _, err := New(d, WithTelemetry(inst)).CompileAndSend(context.Background(), doc, Selector{Name: "ping"}, Sources{}); err != nil {
		t.Fatalf("CompileAndSend: %v", err)
	}
	spans := recorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	phases := map[string]bool{}
	for _, ev := range spans[0].Events() {
		for _, attr := range ev.Attributes {
			if attr.Key == "kvile.phase" {
				phases[attr.Value.AsString()] = true
			}
		}
	}
	for _, want := range []string{"auth", "dispatch", "post-script"} {
		if !phases[want] {
			t.Fatalf("missing phase %q in %v", want, phases)
		}
	}
}
