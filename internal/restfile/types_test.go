package restfile

import "testing"

func TestCloneIsDeep(t *testing.T) {
	t.Parallel()
	body := `{"a":1}`
	req := &Request{
		Method:   "POST",
		URL:      "https://example.com",
		Headers:  map[string]string{"Content-Type": "application/json"},
		Metadata: map[string]string{"auth": "bearer"},
		Body:     &body,
	}
	clone := req.Clone()
	clone.Headers["Content-Type"] = "text/plain"
	clone.Metadata["auth"] = "basic"
	*clone.Body = "changed"
	if req.Headers["Content-Type"] != "application/json" {
		t.Fatalf("headers shared between clone and original")
	}
	if req.Metadata["auth"] != "bearer" {
		t.Fatalf("metadata shared between clone and original")
	}
	if *req.Body != `{"a":1}` {
		t.Fatalf("body shared between clone and original")
	}
}

func TestSetHeaderReplacesCaseVariants(t *testing.T) {
	t.Parallel()
	headers := map[string]string{"authorization": "old", "Accept": "*/*"}
	SetHeader(headers, "Authorization", "Bearer x")
	if len(headers) != 2 {
		t.Fatalf("expected 2 headers, got %v", headers)
	}
	if headers["Authorization"] != "Bearer x" {
		t.Fatalf("unexpected headers %v", headers)
	}
	req := &Request{Headers: headers}
	if v, ok := req.Header("AUTHORIZATION"); !ok || v != "Bearer x" {
		t.Fatalf("case-insensitive lookup failed: %q %v", v, ok)
	}
}

func TestLabel(t *testing.T) {
	t.Parallel()
	if got := (&Request{Method: "GET", URL: "/a"}).Label(); got != "GET /a" {
		t.Fatalf("unexpected label %q", got)
	}
	if got := (&Request{Name: "login", Method: "GET"}).Label(); got != "login" {
		t.Fatalf("unexpected label %q", got)
	}
}
