package parser

import (
	"regexp"
	"strings"

	"github.com/tskulbru/kvile/internal/restfile"
)

var (
	separatorRe = regexp.MustCompile(`^###\s*(.*)$`)
	methodLineRe = regexp.MustCompile(
		`^(GET|POST|PUT|DELETE|PATCH|HEAD|OPTIONS|TRACE|CONNECT)\s+(.+?)(?:\s+(HTTP/[\d.]+))?$`,
	)
	headerRe     = regexp.MustCompile(`^([\w-]+):\s*(.*)$`)
	directiveRe  = regexp.MustCompile(`^(?:#|//)\s*@([\w.-]+)(?:\s+(.*))?$`)
	preScriptRe  = regexp.MustCompile(`^<\s*\{%`)
	postScriptRe = regexp.MustCompile(`^>\s*\{%`)
	inlineVarRe  = regexp.MustCompile(`^@([\w.-]+)\s*=\s*(.*)$`)
)

const scriptClose = "%}"

type state int

const (
	stateIdle state = iota
	stateHeaders
	stateBody
	stateAfterScript
)

// Parser satisfies the pipeline's parser collaborator.
type Parser struct{}

func New() *Parser { return &Parser{} }

func (*Parser) Parse(text string) []*restfile.Request { return Parse(text) }

// Parse splits a .http document into requests. Blocks without a method
// line are dropped.
func Parse(text string) []*restfile.Request {
	lines := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")
	b := &documentBuilder{}
	for i, line := range lines {
		b.processLine(i+1, line)
	}
	b.finish()
	return b.requests
}

type documentBuilder struct {
	requests []*restfile.Request
	pending  *requestBuilder
	state    state
	script   *scriptBuffer
}

type requestBuilder struct {
	req       restfile.Request
	hasMethod bool
	body      []string
}

type scriptBuffer struct {
	post  bool
	lines []string
}

func (b *documentBuilder) current() *requestBuilder {
	if b.pending == nil {
		b.pending = &requestBuilder{}
	}
	return b.pending
}

func (b *documentBuilder) processLine(lineNumber int, line string) {
	trimmed := strings.TrimSpace(line)

	if b.script != nil {
		b.scriptLine(line)
		return
	}

	if m := separatorRe.FindStringSubmatch(trimmed); m != nil {
		b.flush()
		rb := b.current()
		rb.req.Name = strings.TrimSpace(m[1])
		return
	}

	if postScriptRe.MatchString(trimmed) {
		if b.pending != nil && b.pending.hasMethod {
			b.openScript(true, postScriptRe.ReplaceAllString(trimmed, ""))
		}
		return
	}

	if b.state != stateIdle && inlineVarRe.MatchString(trimmed) {
		// file variables are read by the resolver, never part of a request
		return
	}

	switch b.state {
	case stateBody:
		b.current().body = append(b.current().body, line)
		return
	case stateAfterScript:
		return
	case stateHeaders:
		if trimmed == "" {
			b.state = stateBody
			return
		}
		if isComment(trimmed) {
			return
		}
		if m := headerRe.FindStringSubmatch(trimmed); m != nil {
			rb := b.current()
			if rb.req.Headers == nil {
				rb.req.Headers = make(map[string]string)
			}
			rb.req.Headers[m[1]] = strings.TrimSpace(m[2])
			return
		}
		// no blank line before the body
		b.state = stateBody
		b.current().body = append(b.current().body, line)
		return
	}

	switch {
	case trimmed == "":
	case preScriptRe.MatchString(trimmed):
		b.openScript(false, preScriptRe.ReplaceAllString(trimmed, ""))
	case directiveRe.MatchString(trimmed):
		m := directiveRe.FindStringSubmatch(trimmed)
		rb := b.current()
		if rb.req.Metadata == nil {
			rb.req.Metadata = make(map[string]string)
		}
		value := strings.TrimSpace(m[2])
		rb.req.Metadata[m[1]] = value
		if strings.EqualFold(m[1], "name") && rb.req.Name == "" {
			rb.req.Name = value
		}
	case isComment(trimmed), inlineVarRe.MatchString(trimmed):
	default:
		if m := methodLineRe.FindStringSubmatch(trimmed); m != nil {
			rb := b.current()
			rb.hasMethod = true
			rb.req.Method = m[1]
			rb.req.URL = strings.TrimSpace(m[2])
			rb.req.HTTPVersion = m[3]
			rb.req.LineNumber = lineNumber
			b.state = stateHeaders
		}
	}
}

func (b *documentBuilder) openScript(post bool, rest string) {
	b.script = &scriptBuffer{post: post}
	rest = strings.TrimSpace(rest)
	if rest == "" {
		return
	}
	b.scriptLine(rest)
}

func (b *documentBuilder) scriptLine(line string) {
	trimmed := strings.TrimSpace(line)
	if strings.HasSuffix(trimmed, scriptClose) {
		content := strings.TrimSuffix(strings.TrimRight(line, " \t"), scriptClose)
		if strings.TrimSpace(content) != "" {
			b.script.lines = append(b.script.lines, content)
		}
		b.closeScript()
		return
	}
	b.script.lines = append(b.script.lines, line)
}

func (b *documentBuilder) closeScript() {
	buf := b.script
	b.script = nil
	body := strings.TrimSpace(strings.Join(buf.lines, "\n"))
	rb := b.current()
	if buf.post {
		rb.req.PostScript = body
		b.state = stateAfterScript
		return
	}
	rb.req.PreScript = body
}

func (b *documentBuilder) flush() {
	if b.script != nil {
		b.closeScript()
	}
	rb := b.pending
	b.pending = nil
	b.state = stateIdle
	if rb == nil || !rb.hasMethod {
		return
	}
	body := strings.TrimSpace(strings.Join(rb.body, "\n"))
	if body != "" {
		rb.req.Body = &body
	}
	if rb.req.Headers == nil {
		rb.req.Headers = make(map[string]string)
	}
	if rb.req.Metadata == nil {
		rb.req.Metadata = make(map[string]string)
	}
	req := rb.req
	b.requests = append(b.requests, &req)
}

func (b *documentBuilder) finish() { b.flush() }

func isComment(trimmed string) bool {
	return strings.HasPrefix(trimmed, "#") || strings.HasPrefix(trimmed, "//")
}
