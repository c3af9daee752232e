package scripts

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dop251/goja"
	"github.com/rs/zerolog/log"
)

type Phase string

const (
	PhasePreRequest  Phase = "pre-request"
	PhasePostRequest Phase = "post-request"
)

type TestResult struct {
	Name   string
	Passed bool
	Error  string
}

type LogEntry struct {
	Level     string
	Message   string
	Timestamp time.Time
}

// RequestContext is what a pre-request script sees and may rewrite.
type RequestContext struct {
	Name    string
	Method  string
	URL     string
	Headers map[string]string
	Body    *string
}

func (r RequestContext) clone() RequestContext {
	out := r
	out.Headers = make(map[string]string, len(r.Headers))
	for k, v := range r.Headers {
		out.Headers[k] = v
	}
	if r.Body != nil {
		body := *r.Body
		out.Body = &body
	}
	return out
}

type ResponseContext struct {
	Status     int
	StatusText string
	Headers    map[string]string
	Body       string
	ElapsedMs  int64
	Size       int
}

// ExecutionResult describes one script run. A failed test does not make
// the run unsuccessful; only an uncaught error does.
type ExecutionResult struct {
	Success bool
	Error   string
	Tests   []TestResult
	Logs    []LogEntry
	// Variables is every variable visible when the script ended.
	Variables map[string]any
	// Updated holds the names set during this run with their final values.
	Updated map[string]any
	Cleared []string
	// Request is the rewritten request; pre-request runs only.
	Request *RequestContext
}

func (r ExecutionResult) FailedTests() int {
	n := 0
	for _, t := range r.Tests {
		if !t.Passed {
			n++
		}
	}
	return n
}

type Runner struct {
	timeout time.Duration
	now     func() time.Time
}

// NewRunner returns a runner that bounds each script by timeout; zero
// leaves the caller's context as the only limit.
func NewRunner(timeout time.Duration) *Runner {
	return &Runner{timeout: timeout, now: time.Now}
}

func (r *Runner) RunPreRequest(
	ctx context.Context,
	script string,
	req RequestContext,
	variables map[string]string,
) ExecutionResult {
	env := r.newEnv(PhasePreRequest, variables)
	working := req.clone()
	env.request = &working
	res := r.run(ctx, script, env)
	res.Request = &working
	return res
}

func (r *Runner) RunPostRequest(
	ctx context.Context,
	script string,
	resp ResponseContext,
	variables map[string]string,
) ExecutionResult {
	env := r.newEnv(PhasePostRequest, variables)
	env.response = &resp
	return r.run(ctx, script, env)
}

// bindings are passed as parameters so they stay out of the global scope.
var bindingNames = []string{
	"client", "request", "response", "log", "console",
	"$uuid", "$timestamp", "$isoTimestamp", "$randomInt", "$randomFloat",
	"$randomString", "$randomHex", "$btoa", "$atob",
}

func wrapScript(script string) string {
	return "(function (" + strings.Join(bindingNames, ", ") + ") {\n" + script + "\n})"
}

func (r *Runner) run(ctx context.Context, script string, env *scriptEnv) (res ExecutionResult) {
	if ctx == nil {
		ctx = context.Background()
	}
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	defer func() {
		if p := recover(); p != nil {
			res = env.result(false, fmt.Sprintf("panic: %v", p))
		}
		log.Debug().
			Str("phase", string(env.phase)).
			Bool("success", res.Success).
			Int("tests", len(res.Tests)).
			Msg("script finished")
	}()

	if err := ctx.Err(); err != nil {
		return env.result(false, err.Error())
	}
	if strings.TrimSpace(script) == "" {
		return env.result(true, "")
	}

	vm := goja.New()
	env.vm = vm
	stop := context.AfterFunc(ctx, func() { vm.Interrupt(ctx.Err()) })
	defer stop()

	wrapped, err := vm.RunString(wrapScript(script))
	if err != nil {
		return env.result(false, errorMessage(err))
	}
	fn, ok := goja.AssertFunction(wrapped)
	if !ok {
		return env.result(false, "script did not compile to a function")
	}
	args, err := env.bindings()
	if err != nil {
		return env.result(false, err.Error())
	}
	if _, err := fn(goja.Undefined(), args...); err != nil {
		var interrupted *goja.InterruptedError
		if errors.As(err, &interrupted) && ctx.Err() != nil {
			return env.result(false, ctx.Err().Error())
		}
		return env.result(false, errorMessage(err))
	}
	return env.result(true, "")
}

func (r *Runner) newEnv(phase Phase, variables map[string]string) *scriptEnv {
	vars := make(map[string]any, len(variables))
	for k, v := range variables {
		vars[k] = v
	}
	return &scriptEnv{
		phase:   phase,
		now:     r.now,
		vars:    vars,
		updated: make(map[string]any),
	}
}

// errorMessage unwraps a thrown JS value into its message.
func errorMessage(err error) string {
	var exc *goja.Exception
	if !errors.As(err, &exc) || exc.Value() == nil {
		return err.Error()
	}
	val := exc.Value()
	obj, ok := val.(*goja.Object)
	if !ok {
		return val.String()
	}
	msg := obj.Get("message")
	if msg == nil || goja.IsUndefined(msg) {
		return val.String()
	}
	name := obj.Get("name")
	if name != nil && !goja.IsUndefined(name) && name.String() != "Error" {
		return name.String() + ": " + msg.String()
	}
	return msg.String()
}
