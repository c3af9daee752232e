// Package curl converts curl command lines into .http requests.
package curl

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/tskulbru/kvile/internal/errdef"
	"github.com/tskulbru/kvile/internal/restfile"
	"github.com/tskulbru/kvile/internal/restwriter"
)

const acceptEncodingDefault = "gzip, deflate"

// wrappers may precede curl on a pasted command line.
var wrappers = map[string]bool{"sudo": true, "env": true, "command": true, "time": true, "noglob": true}

var promptPrefixes = []string{"$", "%", ">", "!"}

// Command is a converted curl invocation. Notes list options that have no
// .http equivalent.
type Command struct {
	Request *restfile.Request
	Notes   []string
}

// Parse converts a full curl command line.
func Parse(command string) (*Command, error) {
	words, err := splitWords(command)
	if err != nil {
		return nil, err
	}
	return ParseWords(words)
}

// ParseWords converts an already split command. The leading "curl" word
// is optional.
func ParseWords(words []string) (*Command, error) {
	if len(words) == 0 {
		return nil, errdef.New(errdef.CodeParse, "empty curl command")
	}
	if idx, ok := curlIndex(words); ok {
		words = words[idx+1:]
	}

	b := &builder{headers: make(map[string]string)}
	for i := 0; i < len(words); i++ {
		word := words[i]
		next := func(flag string) (string, error) {
			i++
			if i >= len(words) {
				return "", errdef.New(errdef.CodeParse, "missing argument for %s", flag)
			}
			return words[i], nil
		}

		var err error
		switch {
		case word == "--":
			for _, rest := range words[i+1:] {
				b.positional(rest)
			}
			i = len(words)
		case strings.HasPrefix(word, "--"):
			err = b.long(word, next)
		case strings.HasPrefix(word, "-") && len(word) > 1:
			err = b.short(word, next)
		default:
			b.positional(word)
		}
		if err != nil {
			return nil, err
		}
	}
	return b.build()
}

// Convert renders command as a .http request block.
func Convert(command, name string) (string, error) {
	cmd, err := Parse(command)
	if err != nil {
		return "", err
	}
	cmd.Request.Name = name
	return cmd.Render(), nil
}

// Render writes the request with notes as comments under the separator.
func (c *Command) Render() string {
	rendered := restwriter.RenderRequest(c.Request)
	if len(c.Notes) == 0 {
		return rendered
	}
	head, rest, _ := strings.Cut(rendered, "\n")
	var sb strings.Builder
	sb.WriteString(head)
	sb.WriteString("\n")
	for _, note := range c.Notes {
		sb.WriteString("# Note: ")
		sb.WriteString(note)
		sb.WriteString("\n")
	}
	sb.WriteString(rest)
	return sb.String()
}

func curlIndex(words []string) (int, bool) {
	for i, word := range words {
		w := strings.ToLower(stripPrompt(word))
		switch {
		case w == "":
		case w == "curl" || strings.HasSuffix(w, "/curl"):
			return i, true
		case wrappers[w]:
		default:
			return 0, false
		}
	}
	return 0, false
}

func stripPrompt(word string) string {
	trimmed := strings.TrimSpace(word)
	for _, prefix := range promptPrefixes {
		trimmed = strings.TrimSpace(strings.TrimPrefix(trimmed, prefix))
	}
	return trimmed
}

type builder struct {
	method   string
	head     bool
	get      bool
	url      string
	headers  map[string]string
	data     []string
	json     bool
	user     *string
	notes    []string
	extraURL []string
}

func (b *builder) positional(word string) {
	if b.url == "" {
		b.url = strings.Trim(word, `"'`)
		return
	}
	b.extraURL = append(b.extraURL, word)
}

func (b *builder) long(word string, next func(string) (string, error)) error {
	name, value, inline := strings.Cut(word[2:], "=")
	opt, ok := longOptions[name]
	if !ok {
		b.note("option --%s was ignored", name)
		return nil
	}
	if opt.takesValue && !inline {
		v, err := next(word)
		if err != nil {
			return err
		}
		value = v
	}
	return opt.apply(b, "--"+name, value)
}

// short handles bundled flags such as -sSL and attached values like -XPUT.
func (b *builder) short(word string, next func(string) (string, error)) error {
	for j := 1; j < len(word); j++ {
		flag := word[j : j+1]
		name, ok := shortOptions[word[j]]
		if !ok {
			b.note("option -%s was ignored", flag)
			continue
		}
		opt := longOptions[name]
		if !opt.takesValue {
			if err := opt.apply(b, "-"+flag, ""); err != nil {
				return err
			}
			continue
		}
		value := word[j+1:]
		if value == "" {
			v, err := next("-" + flag)
			if err != nil {
				return err
			}
			value = v
		}
		return opt.apply(b, "-"+flag, value)
	}
	return nil
}

func (b *builder) note(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	for _, existing := range b.notes {
		if existing == msg {
			return
		}
	}
	b.notes = append(b.notes, msg)
}

func (b *builder) setHeader(name, value string) {
	for k := range b.headers {
		if strings.EqualFold(k, name) {
			delete(b.headers, k)
		}
	}
	b.headers[name] = value
}

func (b *builder) hasHeader(name string) bool {
	for k := range b.headers {
		if strings.EqualFold(k, name) {
			return true
		}
	}
	return false
}

func (b *builder) build() (*Command, error) {
	if strings.TrimSpace(b.url) == "" {
		return nil, errdef.New(errdef.CodeParse, "curl command missing URL")
	}
	for _, extra := range b.extraURL {
		b.note("additional URL %s was ignored", extra)
	}

	req := &restfile.Request{
		URL:      b.url,
		Headers:  b.headers,
		Metadata: make(map[string]string),
	}

	body := strings.Join(b.data, "&")
	switch {
	case b.get && len(b.data) > 0:
		sep := "?"
		if strings.Contains(req.URL, "?") {
			sep = "&"
		}
		req.URL += sep + body
	case len(b.data) > 0:
		text := prettyJSON(body)
		req.Body = &text
	}

	switch {
	case b.method != "":
		req.Method = b.method
	case b.head:
		req.Method = "HEAD"
	case len(b.data) > 0 && !b.get:
		req.Method = "POST"
	default:
		req.Method = "GET"
	}

	if b.json {
		if !b.hasHeader("Content-Type") {
			b.headers["Content-Type"] = "application/json"
		}
		if !b.hasHeader("Accept") {
			b.headers["Accept"] = "application/json"
		}
	}

	if b.user != nil {
		user, pass, _ := strings.Cut(*b.user, ":")
		req.Metadata["auth"] = "basic"
		req.Metadata["auth.username"] = user
		req.Metadata["auth.password"] = pass
	}

	sort.Strings(b.notes)
	return &Command{Request: req, Notes: b.notes}, nil
}

func prettyJSON(body string) string {
	trimmed := strings.TrimSpace(body)
	if !strings.HasPrefix(trimmed, "{") && !strings.HasPrefix(trimmed, "[") {
		return body
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, []byte(trimmed), "", "  "); err != nil {
		return body
	}
	return buf.String()
}

func splitHeader(raw string) (string, string, bool) {
	name, value, found := strings.Cut(raw, ":")
	if !found {
		// "Name;" sends the header with an empty value
		if n, ok := strings.CutSuffix(strings.TrimSpace(raw), ";"); ok && n != "" {
			return strings.TrimSpace(n), "", true
		}
		return "", "", false
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return "", "", false
	}
	return name, strings.TrimSpace(value), true
}

func fileBody(value string) (string, bool) {
	path, ok := strings.CutPrefix(value, "@")
	if !ok || path == "" || path == "-" {
		return "", false
	}
	return "< " + path, true
}

func urlEncodeField(value string) string {
	name, content, found := strings.Cut(value, "=")
	if !found {
		return url.QueryEscape(value)
	}
	if name == "" {
		return url.QueryEscape(content)
	}
	return name + "=" + url.QueryEscape(content)
}
