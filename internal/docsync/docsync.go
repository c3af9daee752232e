// Package docsync maps parsed requests back onto their source text and
// splices edited requests into a document without touching anything else.
package docsync

import (
	"regexp"
	"strings"

	"github.com/tskulbru/kvile/internal/restfile"
	"github.com/tskulbru/kvile/internal/restwriter"
)

var (
	directiveLineRe = regexp.MustCompile(`^(?:#|//)\s*@`)
	preScriptOpenRe = regexp.MustCompile(`^<\s*\{%`)
	anyScriptOpenRe = regexp.MustCompile(`^[<>]\s*\{%`)
)

// arena holds the document split into lines. Raw lines keep a trailing
// carriage return so untouched lines are written back byte for byte.
type arena struct {
	raw  []string
	crlf bool
}

func newArena(document string) *arena {
	return &arena{
		raw:  strings.Split(document, "\n"),
		crlf: strings.Contains(document, "\r\n"),
	}
}

func (a *arena) text(i int) string {
	return strings.TrimSpace(a.raw[i])
}

func (a *arena) blank(i int) bool { return a.text(i) == "" }

func (a *arena) clamp(i int) int {
	if i < 0 {
		return 0
	}
	if i >= len(a.raw) {
		return len(a.raw) - 1
	}
	return i
}

// span is a request block. Lead marks where the block proper starts;
// lines in [Start, Lead) are the leading comment run of the first request.
type span struct {
	Start  int
	Lead   int
	End    int
	Method int
}

// FindRequestBoundaries returns the inclusive 0-indexed line span of req.
// Line numbers outside the document are clamped.
func FindRequestBoundaries(document string, req *restfile.Request, all []*restfile.Request) restfile.Boundaries {
	s := locate(newArena(document), req, all)
	return restfile.Boundaries{Start: s.Start, End: s.End}
}

// UpdateRequestInContent replaces the block of original with the serialized
// form of updated. It returns the new document and the 1-based line of the
// new method line.
func UpdateRequestInContent(
	document string,
	original, updated *restfile.Request,
	all []*restfile.Request,
) (string, int) {
	a := newArena(document)
	s := locate(a, original, all)

	rendered := strings.Split(strings.TrimSuffix(restwriter.RenderRequest(updated), "\n"), "\n")
	methodOffset := 0
	target := restwriter.RequestLine(updated)
	for i, line := range rendered {
		if line == target {
			methodOffset = i
			break
		}
	}
	if a.crlf {
		for i := range rendered {
			rendered[i] += "\r"
		}
	}

	out := make([]string, 0, len(a.raw)-(s.End-s.Start+1)+len(rendered)+(s.Lead-s.Start))
	out = append(out, a.raw[:s.Lead]...)
	out = append(out, rendered...)
	out = append(out, a.raw[s.End+1:]...)

	return strings.Join(out, "\n"), s.Lead + methodOffset + 1
}

func locate(a *arena, req *restfile.Request, all []*restfile.Request) span {
	method := a.clamp(req.LineNumber - 1)
	s := span{Method: method}
	s.Lead = blockStart(a, method)
	s.Start = s.Lead
	if isFirst(req, all) {
		for s.Start > 0 && leadingLine(a.text(s.Start-1)) {
			s.Start--
		}
	}

	s.End = len(a.raw) - 1
	if next := nextRequest(req, all); next != nil {
		nextMethod := a.clamp(next.LineNumber - 1)
		if nextMethod > method {
			s.End = blockStart(a, nextMethod) - 1
		}
	}
	for s.End > method && a.blank(s.End) {
		s.End--
	}
	if s.End < s.Lead {
		s.End = s.Lead
	}
	return s
}

// blockStart walks up from the method line over separators, directives, a
// pre-request script and comments sitting under a separator.
func blockStart(a *arena, method int) int {
	i := method - 1
	for i >= 0 {
		t := a.text(i)
		switch {
		case strings.HasPrefix(t, "###"), directiveLineRe.MatchString(t):
			i--
		case t == "":
			if i > 0 && strings.HasPrefix(a.text(i-1), "###") {
				i--
				continue
			}
			return i + 1
		case isPlainComment(t):
			sep := commentRunSeparator(a, i)
			if sep < 0 {
				return i + 1
			}
			i = sep
		case strings.HasSuffix(t, "%}"):
			open := scriptOpen(a, i)
			if open < 0 {
				return i + 1
			}
			i = open - 1
		default:
			return i + 1
		}
	}
	return 0
}

// scriptOpen finds the pre-request script opening that closes at line end.
// It returns -1 for post-request scripts and unmatched closes.
func scriptOpen(a *arena, end int) int {
	for i := end; i >= 0; i-- {
		t := a.text(i)
		if anyScriptOpenRe.MatchString(t) {
			if preScriptOpenRe.MatchString(t) {
				return i
			}
			return -1
		}
		if i != end && strings.HasSuffix(t, "%}") {
			return -1
		}
	}
	return -1
}

// commentRunSeparator walks up a run of comments and directives starting at
// i and returns the index of the ### line heading it, or -1.
func commentRunSeparator(a *arena, i int) int {
	for ; i >= 0; i-- {
		t := a.text(i)
		switch {
		case strings.HasPrefix(t, "###"):
			return i
		case isPlainComment(t), directiveLineRe.MatchString(t):
		default:
			return -1
		}
	}
	return -1
}

func isPlainComment(t string) bool {
	return !strings.HasPrefix(t, "###") && (strings.HasPrefix(t, "#") || strings.HasPrefix(t, "//"))
}

func leadingLine(t string) bool {
	return t == "" || strings.HasPrefix(t, "#") || strings.HasPrefix(t, "//")
}

func isFirst(req *restfile.Request, all []*restfile.Request) bool {
	for _, other := range all {
		if other != nil && other.LineNumber < req.LineNumber {
			return false
		}
	}
	return true
}

func nextRequest(req *restfile.Request, all []*restfile.Request) *restfile.Request {
	var next *restfile.Request
	for _, other := range all {
		if other == nil || other.LineNumber <= req.LineNumber {
			continue
		}
		if next == nil || other.LineNumber < next.LineNumber {
			next = other
		}
	}
	return next
}
