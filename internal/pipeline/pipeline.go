// Package pipeline compiles a request out of a document and sends it:
// variable resolution, scripts, auth and dispatch in one ordered pass.
package pipeline

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tskulbru/kvile/internal/auth"
	"github.com/tskulbru/kvile/internal/docsync"
	"github.com/tskulbru/kvile/internal/errdef"
	"github.com/tskulbru/kvile/internal/httpclient"
	"github.com/tskulbru/kvile/internal/parser"
	"github.com/tskulbru/kvile/internal/restfile"
	"github.com/tskulbru/kvile/internal/scripts"
	"github.com/tskulbru/kvile/internal/telemetry"
	"github.com/tskulbru/kvile/internal/vars"
)

type Parser interface {
	Parse(text string) []*restfile.Request
}

type Dispatcher interface {
	Send(
		ctx context.Context,
		method, url string,
		headers map[string]string,
		body *string,
	) (*httpclient.Response, error)
}

// Selector picks the request to send. Name wins when set; otherwise Line
// is a 1-based cursor line.
type Selector struct {
	Line int
	Name string
}

// Sources are the caller owned variable inputs of a send. Captured may be
// nil, in which case nothing is read or written back.
type Sources struct {
	Environment map[string]string
	Shared      map[string]string
	Captured    *vars.CaptureStore
}

type Result struct {
	// Request is the compiled request as dispatched.
	Request          *restfile.Request
	Response         *httpclient.Response
	Tests            []scripts.TestResult
	Logs             []scripts.LogEntry
	MissingVariables []string
	PreScriptError   string
	PostScriptError  string
}

// FailedTests counts failed post-request tests.
func (r *Result) FailedTests() int {
	n := 0
	for _, t := range r.Tests {
		if !t.Passed {
			n++
		}
	}
	return n
}

type Pipeline struct {
	parser     Parser
	dispatcher Dispatcher
	runner     *scripts.Runner
	tokens     auth.TokenSource
	telemetry  telemetry.Instrumenter
	now        func() time.Time
}

type Option func(*Pipeline)

func WithParser(p Parser) Option {
	return func(pl *Pipeline) {
		if p != nil {
			pl.parser = p
		}
	}
}

func WithRunner(r *scripts.Runner) Option {
	return func(pl *Pipeline) {
		if r != nil {
			pl.runner = r
		}
	}
}

func WithTokens(t auth.TokenSource) Option {
	return func(pl *Pipeline) { pl.tokens = t }
}

func WithTelemetry(t telemetry.Instrumenter) Option {
	return func(pl *Pipeline) {
		if t != nil {
			pl.telemetry = t
		}
	}
}

func New(dispatcher Dispatcher, opts ...Option) *Pipeline {
	p := &Pipeline{
		parser:     parser.New(),
		dispatcher: dispatcher,
		runner:     scripts.NewRunner(0),
		telemetry:  telemetry.Noop(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// CompileAndSend sends the selected request of document. A non-nil Result
// is returned whenever a step past selection ran, also alongside an error,
// so logs and tests gathered so far are kept.
func (p *Pipeline) CompileAndSend(
	ctx context.Context,
	document string,
	sel Selector,
	src Sources,
) (*Result, error) {
	reqs := p.parser.Parse(document)
	if len(reqs) == 0 {
		return nil, errdef.New(errdef.CodeParse, "document contains no requests")
	}
	req, err := SelectRequest(document, reqs, sel)
	if err != nil {
		return nil, err
	}
	return p.send(ctx, document, req, src)
}

// BatchItem is the outcome of one request of RunAll.
type BatchItem struct {
	Request *restfile.Request
	Result  *Result
	Err     error
}

// RunAll sends every request in document order. Each send sees the
// captures written by the ones before it; a failure is recorded and the
// batch continues.
func (p *Pipeline) RunAll(ctx context.Context, document string, src Sources) []BatchItem {
	reqs := p.parser.Parse(document)
	out := make([]BatchItem, 0, len(reqs))
	for _, req := range reqs {
		if err := ctx.Err(); err != nil {
			out = append(out, BatchItem{Request: req, Err: errdef.Wrap(errdef.CodeHTTP, err, "batch cancelled")})
			continue
		}
		res, err := p.send(ctx, document, req, src)
		out = append(out, BatchItem{Request: req, Result: res, Err: err})
	}
	return out
}

func (p *Pipeline) send(ctx context.Context, document string, req *restfile.Request, src Sources) (res *Result, err error) {
	label := req.Label()
	authKind, _ := req.Meta("auth")
	ctx, span := p.telemetry.Start(ctx, telemetry.RequestStart{
		Name:   label,
		Method: req.Method,
		URL:    req.URL,
		Auth:   strings.ToLower(strings.TrimSpace(authKind)),
	})
	res = &Result{}
	defer func() {
		outcome := telemetry.RequestResult{
			Err:         err,
			TestsPassed: len(res.Tests) - res.FailedTests(),
			TestsFailed: res.FailedTests(),
			Missing:     res.MissingVariables,
		}
		if res.Response != nil {
			outcome.StatusCode = res.Response.Status
			outcome.SizeBytes = res.Response.SizeBytes
			outcome.Elapsed = time.Duration(res.Response.ElapsedMs) * time.Millisecond
		}
		span.End(outcome)
	}()

	table := vars.BuildTable(src.Environment, src.Shared)
	table.Merge(vars.ResolveInline(document, table))
	if src.Captured != nil {
		table.Merge(src.Captured.Values())
	}

	compiled := req.Clone()

	if strings.TrimSpace(req.PreScript) != "" {
		started := p.now()
		pre := p.runner.RunPreRequest(ctx, req.PreScript, scripts.RequestContext{
			Name:    label,
			Method:  compiled.Method,
			URL:     compiled.URL,
			Headers: compiled.Headers,
			Body:    compiled.Body,
		}, table)
		res.Logs = append(res.Logs, pre.Logs...)
		res.Tests = append(res.Tests, pre.Tests...)
		if !pre.Success {
			res.PreScriptError = pre.Error
			err = errdef.New(errdef.CodeScript, "pre-request script failed: %s", pre.Error)
			span.Phase("pre-script", p.now().Sub(started), err)
			log.Warn().Str("request", label).Str("error", pre.Error).Msg("pre-request script failed")
			return res, err
		}
		span.Phase("pre-script", p.now().Sub(started), nil)
		if pre.Request != nil {
			compiled.Method = pre.Request.Method
			compiled.URL = pre.Request.URL
			compiled.Headers = pre.Request.Headers
			compiled.Body = pre.Request.Body
		}
		for _, name := range pre.Cleared {
			delete(table, name)
		}
		for name, value := range pre.Updated {
			table[name] = vars.Stringify(value)
		}
	}

	res.MissingVariables = substituteRequest(compiled, table)
	res.Request = compiled
	if len(res.MissingVariables) > 0 {
		log.Warn().Str("request", label).Strs("missing", res.MissingVariables).Msg("unresolved variables")
	}

	started := p.now()
	cfg := auth.ParseFromMetadata(compiled.Metadata)
	if err = auth.Apply(ctx, compiled.Headers, cfg, p.tokens); err == nil {
		compiled.URL, err = auth.ApplyToURL(compiled.URL, cfg)
	}
	span.Phase("auth", p.now().Sub(started), err)
	if err != nil {
		log.Warn().Err(err).Str("request", label).Msg("auth failed")
		return res, err
	}

	started = p.now()
	resp, sendErr := p.dispatcher.Send(ctx, compiled.Method, compiled.URL, compiled.Headers, compiled.Body)
	if sendErr != nil {
		err = sendErr
		if errdef.CodeOf(err) != errdef.CodeHTTP {
			err = errdef.Wrap(errdef.CodeHTTP, sendErr, "send %s", label)
		}
		span.Phase("dispatch", p.now().Sub(started), err)
		log.Warn().Err(err).Str("request", label).Msg("request failed")
		return res, err
	}
	span.Phase("dispatch", p.now().Sub(started), nil)
	res.Response = resp

	if strings.TrimSpace(req.PostScript) != "" {
		started = p.now()
		post := p.runner.RunPostRequest(ctx, req.PostScript, scripts.ResponseContext{
			Status:     resp.Status,
			StatusText: resp.StatusText,
			Headers:    resp.Headers,
			Body:       resp.Body,
			ElapsedMs:  resp.ElapsedMs,
			Size:       resp.SizeBytes,
		}, table)
		res.Logs = append(res.Logs, post.Logs...)
		res.Tests = append(res.Tests, post.Tests...)
		var postErr error
		if !post.Success {
			res.PostScriptError = post.Error
			postErr = errdef.New(errdef.CodeScript, "%s", post.Error)
			log.Warn().Str("request", label).Str("error", post.Error).Msg("post-request script failed")
		}
		span.Phase("post-script", p.now().Sub(started), postErr)
		p.capture(src.Captured, label, post)
	}

	log.Info().
		Str("request", label).
		Str("method", compiled.Method).
		Int("status", resp.Status).
		Int64("elapsed_ms", resp.ElapsedMs).
		Int("tests", len(res.Tests)).
		Int("failed", res.FailedTests()).
		Msg("request complete")
	return res, nil
}

// capture writes post-request variables back in name order so eviction
// order does not depend on map iteration.
func (p *Pipeline) capture(store *vars.CaptureStore, source string, post scripts.ExecutionResult) {
	if store == nil {
		return
	}
	for _, name := range post.Cleared {
		store.Delete(name)
	}
	names := make([]string, 0, len(post.Updated))
	for name := range post.Updated {
		names = append(names, name)
	}
	sort.Strings(names)
	now := p.now()
	for _, name := range names {
		store.Set(vars.ResponseVariable{
			Name:      name,
			Value:     post.Updated[name],
			Source:    source,
			Timestamp: now,
		})
	}
}

// substituteRequest resolves placeholders in place and returns the
// unresolved names in order of first appearance.
func substituteRequest(req *restfile.Request, table vars.Table) []string {
	var (
		missing []string
		seen    = make(map[string]struct{})
	)
	sub := func(text string) string {
		out, miss := vars.Expand(text, table)
		for _, name := range miss {
			if _, ok := seen[name]; ok {
				continue
			}
			seen[name] = struct{}{}
			missing = append(missing, name)
		}
		return out
	}

	req.URL = sub(req.URL)
	for _, name := range restfile.SortedKeys(req.Headers) {
		req.Headers[name] = sub(req.Headers[name])
	}
	if req.Body != nil {
		body := sub(*req.Body)
		req.Body = &body
	}
	for _, key := range restfile.SortedKeys(req.Metadata) {
		req.Metadata[key] = sub(req.Metadata[key])
	}
	return missing
}

// SelectRequest resolves sel against the parsed requests of document.
func SelectRequest(document string, reqs []*restfile.Request, sel Selector) (*restfile.Request, error) {
	if name := strings.TrimSpace(sel.Name); name != "" {
		for _, r := range reqs {
			if r.Name == name {
				return r, nil
			}
		}
		for _, r := range reqs {
			if strings.EqualFold(r.Name, name) {
				return r, nil
			}
		}
		return nil, errdef.New(errdef.CodeParse, "no request named %q", name)
	}

	cursor := sel.Line - 1
	var preceding *restfile.Request
	for _, r := range reqs {
		span := docsync.FindRequestBoundaries(document, r, reqs)
		if span.Contains(cursor) {
			return r, nil
		}
		if span.Start <= cursor {
			preceding = r
		}
	}
	if preceding != nil {
		return preceding, nil
	}
	return reqs[0], nil
}
