package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/alecthomas/chroma/quick"
	"github.com/fatih/color"

	"github.com/tskulbru/kvile/internal/pipeline"
)

var (
	successColor   = color.New(color.FgGreen, color.Bold)
	redirectColor  = color.New(color.FgYellow, color.Bold)
	clientErrColor = color.New(color.FgRed, color.Bold)
	serverErrColor = color.New(color.FgRed, color.Bold, color.BgWhite)
	headerKeyColor = color.New(color.FgCyan)
	methodColor    = color.New(color.FgMagenta, color.Bold)
	dimColor       = color.New(color.Faint)
	passColor      = color.New(color.FgGreen)
	failColor      = color.New(color.FgRed)
)

type printer struct {
	out     io.Writer
	verbose bool
}

func newPrinter(out io.Writer, verbose bool) *printer {
	return &printer{out: out, verbose: verbose}
}

func (p *printer) heading(label string) {
	fmt.Fprintln(p.out)
	methodColor.Fprintf(p.out, "### %s\n", label)
}

func (p *printer) failure(err error) {
	failColor.Fprintf(p.out, "error: %v\n", err)
}

func (p *printer) result(res *pipeline.Result) {
	if res.Request != nil {
		methodColor.Fprintf(p.out, "%s ", res.Request.Method)
		fmt.Fprintln(p.out, res.Request.URL)
	}
	if len(res.MissingVariables) > 0 {
		redirectColor.Fprintf(p.out, "unresolved: %s\n", strings.Join(res.MissingVariables, ", "))
	}
	if res.PreScriptError != "" {
		failColor.Fprintf(p.out, "pre-request script: %s\n", res.PreScriptError)
	}
	if resp := res.Response; resp != nil {
		statusColor(resp.Status).Fprintf(p.out, "%d %s\n", resp.Status, resp.StatusText)
		dimColor.Fprintf(p.out, "  Time: %dms  Size: %dB\n\n", resp.ElapsedMs, resp.SizeBytes)
		if p.verbose {
			p.headers(resp.Headers)
		}
		p.body(resp.Body)
	}
	if res.PostScriptError != "" {
		failColor.Fprintf(p.out, "post-request script: %s\n", res.PostScriptError)
	}
	for _, t := range res.Tests {
		if t.Passed {
			passColor.Fprintf(p.out, "  ✓ %s\n", t.Name)
			continue
		}
		failColor.Fprintf(p.out, "  ✗ %s", t.Name)
		if t.Error != "" {
			fmt.Fprintf(p.out, ": %s", t.Error)
		}
		fmt.Fprintln(p.out)
	}
	if p.verbose {
		for _, entry := range res.Logs {
			dimColor.Fprintf(p.out, "  [%s] %s\n", entry.Level, entry.Message)
		}
	}
}

func statusColor(code int) *color.Color {
	switch {
	case code >= 200 && code < 300:
		return successColor
	case code >= 300 && code < 400:
		return redirectColor
	case code >= 400 && code < 500:
		return clientErrColor
	default:
		return serverErrColor
	}
}

func (p *printer) headers(headers map[string]string) {
	keys := make([]string, 0, len(headers))
	for k := range headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, key := range keys {
		headerKeyColor.Fprintf(p.out, "%s: ", key)
		fmt.Fprintln(p.out, headers[key])
	}
	if len(keys) > 0 {
		fmt.Fprintln(p.out)
	}
}

func (p *printer) body(body string) {
	if body == "" {
		dimColor.Fprintln(p.out, "(empty body)")
		return
	}
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, []byte(body), "", "  "); err != nil {
		fmt.Fprintln(p.out, body)
		return
	}
	pretty.WriteByte('\n')
	if !color.NoColor {
		if err := quick.Highlight(p.out, pretty.String(), "json", "terminal256", "monokai"); err == nil {
			return
		}
	}
	_, _ = p.out.Write(pretty.Bytes())
}
