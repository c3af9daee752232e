package main

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/MakeNowJust/heredoc"

	"github.com/tskulbru/kvile/internal/errdef"
	"github.com/tskulbru/kvile/internal/parser"
	"github.com/tskulbru/kvile/internal/pipeline"
	"github.com/tskulbru/kvile/internal/vars"
)

var editSample = heredoc.Doc(`
	### first
	GET https://example.com/1

	### second
	POST https://example.com/2
	Content-Type: application/json

	{"a": 1}
`)

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv("KVILE_CONFIG_DIR", t.TempDir())
	t.Setenv("KVILE_OTEL_ENDPOINT", "")
	var out, errOut bytes.Buffer
	root := newRootCommand()
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestApplyEditsRewritesSelectedRequest(t *testing.T) {
	updated, line, err := applyEdits(editSample, pipeline.Selector{Name: "second"}, requestEdits{
		headers:       []string{"X-Trace: 1"},
		removeHeaders: []string{"content-type"},
	})
	if err != nil {
		t.Fatalf("applyEdits: %v", err)
	}
	if line != 5 {
		t.Fatalf("expected method line 5, got %d", line)
	}
	if !strings.HasPrefix(updated, "### first\nGET https://example.com/1\n\n") {
		t.Fatalf("first request should be untouched:\n%s", updated)
	}
	reqs := parser.Parse(updated)
	if len(reqs) != 2 {
		t.Fatalf("expected 2 requests after edit, got %d", len(reqs))
	}
	second := reqs[1]
	if second.Headers["X-Trace"] != "1" || len(second.Headers) != 1 {
		t.Fatalf("unexpected headers %#v", second.Headers)
	}
	if second.BodyText() != `{"a": 1}` {
		t.Fatalf("body should survive the edit, got %q", second.BodyText())
	}
}

func TestApplyEditsReplacesRequestLineAndBody(t *testing.T) {
	updated, _, err := applyEdits(editSample, pipeline.Selector{Line: 2}, requestEdits{
		method:  "put",
		url:     "https://example.com/v2/1",
		body:    "hello",
		setBody: true,
	})
	if err != nil {
		t.Fatalf("applyEdits: %v", err)
	}
	first := parser.Parse(updated)[0]
	if first.Method != "PUT" || first.URL != "https://example.com/v2/1" || first.BodyText() != "hello" {
		t.Fatalf("unexpected first request %#v", first)
	}
}

func TestApplyEditsErrors(t *testing.T) {
	if _, _, err := applyEdits(editSample, pipeline.Selector{Line: 1}, requestEdits{headers: []string{"broken"}}); !errdef.Is(err, errdef.CodeParse) {
		t.Fatalf("expected parse error for bad header, got %v", err)
	}
	if _, _, err := applyEdits("# empty\n", pipeline.Selector{Line: 1}, requestEdits{}); !errdef.Is(err, errdef.CodeParse) {
		t.Fatalf("expected parse error for empty document, got %v", err)
	}
}

func TestEditDryRunPrintsDiff(t *testing.T) {
	path := writeFile(t, t.TempDir(), "api.http", editSample)
	out, err := runCLI(t, "edit", path, "--name", "second", "--header", "X-Trace: 1", "--dry-run")
	if err != nil {
		t.Fatalf("edit: %v", err)
	}
	if !strings.Contains(out, "+X-Trace: 1") {
		t.Fatalf("expected diff to add the header, got:\n%s", out)
	}
	data, _ := os.ReadFile(path)
	if string(data) != editSample {
		t.Fatalf("dry run must not write the file")
	}
}

func TestEditWritesFile(t *testing.T) {
	path := writeFile(t, t.TempDir(), "api.http", editSample)
	out, err := runCLI(t, "edit", path, "--line", "5", "--url", "https://example.com/3")
	if err != nil {
		t.Fatalf("edit: %v", err)
	}
	if !strings.Contains(out, "line 5") {
		t.Fatalf("unexpected output %q", out)
	}
	data, _ := os.ReadFile(path)
	if reqs := parser.Parse(string(data)); reqs[1].URL != "https://example.com/3" {
		t.Fatalf("edit not written, got %q", reqs[1].URL)
	}
}

func TestListCommand(t *testing.T) {
	path := writeFile(t, t.TempDir(), "api.http", editSample)
	out, err := runCLI(t, "list", path)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	for _, want := range []string{"GET https://example.com/1", "second", "POST https://example.com/2"} {
		if !strings.Contains(out, want) {
			t.Fatalf("list output missing %q:\n%s", want, out)
		}
	}
}

func TestSendCommand(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"pong":true}`))
	}))
	defer srv.Close()

	dir := t.TempDir()
	writeFile(t, dir, vars.EnvFileName, `{"dev": {"base": "`+srv.URL+`"}}`)
	path := writeFile(t, dir, "api.http", heredoc.Doc(`
		### ping
		GET {{base}}/ping

		> {%
		client.test("pong", function () {
		  client.assert(response.body.pong === true, "no pong");
		});
		%}
	`))

	out, err := runCLI(t, "send", path, "--name", "ping")
	if err != nil {
		t.Fatalf("send: %v\n%s", err, out)
	}
	for _, want := range []string{"GET " + srv.URL + "/ping", "200 OK", "✓ pong"} {
		if !strings.Contains(out, want) {
			t.Fatalf("send output missing %q:\n%s", want, out)
		}
	}
}

func TestSendCommandFailsOnFailedTest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	path := writeFile(t, t.TempDir(), "api.http", heredoc.Doc(`
		GET `+srv.URL+`

		> {%
		client.test("ok", function () {
		  client.assert(response.status === 200, "status");
		});
		%}
	`))
	out, err := runCLI(t, "send", path)
	if err == nil {
		t.Fatalf("expected failed test to fail the command")
	}
	if !strings.Contains(out, "✗ ok") {
		t.Fatalf("expected failed test in output:\n%s", out)
	}
}

func TestSelectDefaultEnvironment(t *testing.T) {
	set := vars.EnvironmentSet{Environments: []vars.Environment{{Name: "prod"}, {Name: "dev"}}}
	if got := selectDefaultEnvironment(set); got != "dev" {
		t.Fatalf("expected dev, got %q", got)
	}
	set = vars.EnvironmentSet{Environments: []vars.Environment{{Name: "staging"}, {Name: "prod"}}}
	if got := selectDefaultEnvironment(set); got != "prod" {
		t.Fatalf("expected first sorted name, got %q", got)
	}
	if got := selectDefaultEnvironment(vars.EnvironmentSet{}); got != "" {
		t.Fatalf("expected no environment, got %q", got)
	}
}

func TestListCommandDirectory(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.http", "GET https://example.com/a\n")
	writeFile(t, dir, "b.rest", "### b\nDELETE https://example.com/b\n")
	writeFile(t, dir, "notes.md", "GET https://example.com/ignored\n")

	out, err := runCLI(t, "list", dir)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if !strings.Contains(out, "GET https://example.com/a") || !strings.Contains(out, "DELETE https://example.com/b") {
		t.Fatalf("expected both request files listed:\n%s", out)
	}
	if strings.Contains(out, "ignored") {
		t.Fatalf("non request files must be skipped:\n%s", out)
	}
}

func TestInvalidLogLevelIsConfigError(t *testing.T) {
	if err := setLogLevel("loud"); !errdef.Is(err, errdef.CodeConfig) {
		t.Fatalf("expected config error, got %v", err)
	}
	_, err := runCLI(t, "--log-level", "loud", "version")
	if !errdef.Is(err, errdef.CodeConfig) || !strings.Contains(err.Error(), `"loud"`) {
		t.Fatalf("expected config error from the command, got %v", err)
	}
}

func TestImportCurlPrintsRequest(t *testing.T) {
	out, err := runCLI(t, "import-curl", "--name", "create", `curl -X POST https://example.com/items -H 'Content-Type: application/json' -d '{"a":1}'`)
	if err != nil {
		t.Fatalf("import-curl: %v", err)
	}
	reqs := parser.Parse(out)
	if len(reqs) != 1 {
		t.Fatalf("expected one request, got %d in:\n%s", len(reqs), out)
	}
	if reqs[0].Name != "create" || reqs[0].Method != "POST" || reqs[0].Headers["Content-Type"] != "application/json" {
		t.Fatalf("unexpected request %+v", reqs[0])
	}
}

func TestImportCurlAppendsToFile(t *testing.T) {
	path := writeFile(t, t.TempDir(), "api.http", editSample)
	out, err := runCLI(t, "import-curl", "--out", path, "--", "-u", "ada:pw", "https://example.com/me")
	if err != nil {
		t.Fatalf("import-curl: %v", err)
	}
	if !strings.Contains(out, "appended GET https://example.com/me") {
		t.Fatalf("unexpected output %q", out)
	}
	data, _ := os.ReadFile(path)
	if !strings.HasPrefix(string(data), strings.TrimRight(editSample, "\n")+"\n\n###\n") {
		t.Fatalf("existing requests changed:\n%s", data)
	}
	reqs := parser.Parse(string(data))
	if len(reqs) != 3 || reqs[2].URL != "https://example.com/me" || reqs[2].Metadata["auth"] != "basic" {
		t.Fatalf("appended request not parsed: %d requests", len(reqs))
	}
	if reqs[1].Body == nil || *reqs[1].Body != `{"a": 1}` {
		t.Fatalf("previous request body changed: %v", reqs[1].Body)
	}
}

func TestImportCurlReadsStdin(t *testing.T) {
	t.Setenv("KVILE_CONFIG_DIR", t.TempDir())
	var out bytes.Buffer
	root := newRootCommand()
	root.SetIn(strings.NewReader("curl \\\n  -I https://example.com/health\n"))
	root.SetOut(&out)
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"import-curl"})
	if err := root.Execute(); err != nil {
		t.Fatalf("import-curl: %v", err)
	}
	if !strings.Contains(out.String(), "HEAD https://example.com/health\n") {
		t.Fatalf("unexpected output %q", out.String())
	}

	_, err := runCLI(t, "import-curl", "curl -X POST")
	if !errdef.Is(err, errdef.CodeParse) {
		t.Fatalf("expected parse error, got %v", err)
	}
}
