package restfile

import (
	"sort"
	"strings"
)

// Request is one request block of a .http document.
type Request struct {
	Name        string
	Method      string
	URL         string
	HTTPVersion string
	Headers     map[string]string
	Body        *string
	// LineNumber is the 1-based line of the method line.
	LineNumber int
	Metadata   map[string]string
	PreScript  string
	PostScript string
}

// Boundaries is an inclusive, 0-indexed line span.
type Boundaries struct {
	Start int
	End   int
}

func (b Boundaries) Contains(line int) bool {
	return line >= b.Start && line <= b.End
}

func (r *Request) Clone() *Request {
	if r == nil {
		return nil
	}
	out := *r
	out.Headers = cloneMap(r.Headers)
	out.Metadata = cloneMap(r.Metadata)
	if r.Body != nil {
		body := *r.Body
		out.Body = &body
	}
	return &out
}

// Label names the request for logs and capture sources.
func (r *Request) Label() string {
	if r == nil {
		return ""
	}
	if name := strings.TrimSpace(r.Name); name != "" {
		return name
	}
	return strings.TrimSpace(r.Method + " " + r.URL)
}

func (r *Request) BodyText() string {
	if r == nil || r.Body == nil {
		return ""
	}
	return *r.Body
}

// Header returns the value of name, matched case-insensitively.
func (r *Request) Header(name string) (string, bool) {
	return Lookup(r.Headers, name)
}

func (r *Request) Meta(key string) (string, bool) {
	return Lookup(r.Metadata, key)
}

// Lookup finds key in m ignoring case; an exact match wins.
func Lookup(m map[string]string, key string) (string, bool) {
	if m == nil {
		return "", false
	}
	if v, ok := m[key]; ok {
		return v, true
	}
	for k, v := range m {
		if strings.EqualFold(k, key) {
			return v, true
		}
	}
	return "", false
}

// SetHeader replaces any case variant of name.
func SetHeader(headers map[string]string, name, value string) {
	DelHeader(headers, name)
	headers[name] = value
}

func DelHeader(headers map[string]string, name string) {
	for k := range headers {
		if strings.EqualFold(k, name) {
			delete(headers, k)
		}
	}
}

func SortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func cloneMap(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
