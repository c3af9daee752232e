package scripts

import (
	"encoding/base64"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/dop251/goja"
	"github.com/google/uuid"

	"github.com/tskulbru/kvile/internal/vars"
)

const (
	defaultRandomIntMax = 1000
	defaultStringLen    = 10
	defaultHexLen       = 16
	alnum               = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	hexDigits           = "0123456789abcdef"
)

type scriptEnv struct {
	phase    Phase
	vm       *goja.Runtime
	now      func() time.Time
	request  *RequestContext
	response *ResponseContext

	vars    map[string]any
	updated map[string]any
	cleared []string
	tests   []TestResult
	logs    []LogEntry
}

func (e *scriptEnv) result(success bool, msg string) ExecutionResult {
	snapshot := make(map[string]any, len(e.vars))
	for k, v := range e.vars {
		snapshot[k] = v
	}
	updated := make(map[string]any, len(e.updated))
	for k, v := range e.updated {
		updated[k] = v
	}
	return ExecutionResult{
		Success:   success,
		Error:     msg,
		Tests:     append([]TestResult(nil), e.tests...),
		Logs:      append([]LogEntry(nil), e.logs...),
		Variables: snapshot,
		Updated:   updated,
		Cleared:   append([]string(nil), e.cleared...),
	}
}

func (e *scriptEnv) bindings() ([]goja.Value, error) {
	vm := e.vm
	logFn := func(call goja.FunctionCall) goja.Value {
		e.appendLog("log", call.Arguments)
		return goja.Undefined()
	}
	console := map[string]any{
		"log":   logFn,
		"info":  e.logger("info"),
		"warn":  e.logger("warn"),
		"error": e.logger("error"),
	}

	values := map[string]any{
		"client":        e.clientAPI(),
		"request":       goja.Undefined(),
		"response":      goja.Undefined(),
		"log":           logFn,
		"console":       console,
		"$uuid":         func() string { return uuid.NewString() },
		"$timestamp":    func() int64 { return e.now().Unix() },
		"$isoTimestamp": func() string { return e.now().UTC().Format("2006-01-02T15:04:05.000Z07:00") },
		"$randomInt": func(call goja.FunctionCall) goja.Value {
			lo := intArg(call, 0, 0)
			hi := intArg(call, 1, defaultRandomIntMax)
			return vm.ToValue(vars.RandomInt(lo, hi))
		},
		"$randomFloat": func(call goja.FunctionCall) goja.Value {
			lo := floatArg(call, 0, 0)
			hi := floatArg(call, 1, 1)
			return vm.ToValue(vars.RandomFloat(lo, hi))
		},
		"$randomString": func(call goja.FunctionCall) goja.Value {
			return vm.ToValue(vars.RandomString(alnum, int(intArg(call, 0, defaultStringLen))))
		},
		"$randomHex": func(call goja.FunctionCall) goja.Value {
			return vm.ToValue(vars.RandomString(hexDigits, int(intArg(call, 0, defaultHexLen))))
		},
		"$btoa": func(s string) string { return base64.StdEncoding.EncodeToString([]byte(s)) },
		"$atob": func(s string) string {
			out, err := base64.StdEncoding.DecodeString(s)
			if err != nil {
				e.throw("invalid base64 input")
			}
			return string(out)
		},
	}
	if e.request != nil {
		values["request"] = e.requestAPI()
	}
	if e.response != nil {
		values["response"] = e.responseAPI()
	}

	args := make([]goja.Value, len(bindingNames))
	for i, name := range bindingNames {
		v, ok := values[name]
		if !ok {
			return nil, fmt.Errorf("missing binding %s", name)
		}
		if gv, ok := v.(goja.Value); ok {
			args[i] = gv
			continue
		}
		args[i] = vm.ToValue(v)
	}
	return args, nil
}

func (e *scriptEnv) clientAPI() map[string]any {
	global := map[string]any{
		"get": func(name string) goja.Value {
			v, ok := e.vars[name]
			if !ok {
				return goja.Undefined()
			}
			return e.vm.ToValue(v)
		},
		"set":      e.setVar,
		"clear":    e.clearVar,
		"clearAll": e.clearAll,
		"isEmpty":  func() bool { return len(e.vars) == 0 },
	}
	client := map[string]any{
		"global": global,
		"log": func(call goja.FunctionCall) goja.Value {
			e.appendLog("log", call.Arguments)
			return goja.Undefined()
		},
		"assert": func(call goja.FunctionCall) goja.Value {
			if !call.Argument(0).ToBoolean() {
				msg := "Assertion failed"
				if m := call.Argument(1); !goja.IsUndefined(m) && !goja.IsNull(m) {
					msg = m.String()
				}
				e.throw(msg)
			}
			return goja.Undefined()
		},
	}
	if e.phase == PhasePostRequest {
		client["test"] = e.namedTest
	}
	return client
}

func (e *scriptEnv) setVar(name string, value goja.Value) {
	var v any
	if value != nil && !goja.IsUndefined(value) && !goja.IsNull(value) {
		v = value.Export()
	}
	e.vars[name] = v
	e.updated[name] = v
	e.cleared = removeString(e.cleared, name)
}

func (e *scriptEnv) clearVar(name string) {
	delete(e.vars, name)
	delete(e.updated, name)
	if !containsString(e.cleared, name) {
		e.cleared = append(e.cleared, name)
	}
}

func (e *scriptEnv) clearAll() {
	names := make([]string, 0, len(e.vars))
	for name := range e.vars {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		e.clearVar(name)
	}
}

// namedTest records the outcome and never propagates the failure.
func (e *scriptEnv) namedTest(name string, fn goja.Value) {
	callable, ok := goja.AssertFunction(fn)
	if !ok {
		e.tests = append(e.tests, TestResult{Name: name, Error: "client.test requires a function argument"})
		return
	}
	if _, err := callable(goja.Undefined()); err != nil {
		e.tests = append(e.tests, TestResult{Name: name, Error: errorMessage(err)})
		return
	}
	e.tests = append(e.tests, TestResult{Name: name, Passed: true})
}

func (e *scriptEnv) requestAPI() *goja.Object {
	vm := e.vm
	req := e.request
	obj := vm.NewObject()
	_ = obj.Set("name", req.Name)
	_ = obj.Set("method", req.Method)
	_ = obj.Set("url", req.URL)
	_ = obj.Set("headers", vm.NewDynamicObject(&headerMap{vm: vm, headers: req.Headers}))
	if req.Body != nil {
		_ = obj.Set("body", e.parseBody(*req.Body))
	} else {
		_ = obj.Set("body", goja.Null())
	}
	_ = obj.Set("variables", map[string]any{
		"get": func(name string) goja.Value {
			v, ok := e.vars[name]
			if !ok {
				return goja.Undefined()
			}
			return vm.ToValue(v)
		},
		"set": e.setVar,
	})
	_ = obj.Set("getHeader", func(name string) goja.Value {
		for k, v := range req.Headers {
			if strings.EqualFold(k, name) {
				return vm.ToValue(v)
			}
		}
		return goja.Undefined()
	})
	_ = obj.Set("setHeader", func(name, value string) {
		deleteHeader(req.Headers, name)
		req.Headers[name] = value
	})
	_ = obj.Set("removeHeader", func(name string) { deleteHeader(req.Headers, name) })
	_ = obj.Set("setUrl", func(url string) { req.URL = url })
	_ = obj.Set("setMethod", func(method string) { req.Method = strings.ToUpper(strings.TrimSpace(method)) })
	_ = obj.Set("setBody", func(body goja.Value) {
		if body == nil || goja.IsUndefined(body) || goja.IsNull(body) {
			req.Body = nil
			return
		}
		text := body.String()
		if _, isObj := body.(*goja.Object); isObj {
			text = e.stringify(body)
		}
		req.Body = &text
	})
	return obj
}

func (e *scriptEnv) responseAPI() *goja.Object {
	vm := e.vm
	resp := e.response
	obj := vm.NewObject()
	_ = obj.Set("status", resp.Status)
	_ = obj.Set("statusText", resp.StatusText)
	_ = obj.Set("headers", copyHeaders(resp.Headers))
	_ = obj.Set("body", e.parseBody(resp.Body))
	_ = obj.Set("elapsedMs", resp.ElapsedMs)
	_ = obj.Set("size", resp.Size)
	contentType := ""
	for k, v := range resp.Headers {
		if strings.EqualFold(k, "Content-Type") {
			contentType = v
		}
	}
	_ = obj.Set("contentType", contentType)
	_ = obj.Set("getHeader", func(name string) goja.Value {
		for k, v := range resp.Headers {
			if strings.EqualFold(k, name) {
				return vm.ToValue(v)
			}
		}
		return goja.Undefined()
	})
	return obj
}

// parseBody hands JSON bodies to scripts as objects and everything else
// as the raw string.
func (e *scriptEnv) parseBody(raw string) goja.Value {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" || (trimmed[0] != '{' && trimmed[0] != '[') {
		return e.vm.ToValue(raw)
	}
	parse, ok := goja.AssertFunction(e.vm.Get("JSON").ToObject(e.vm).Get("parse"))
	if !ok {
		return e.vm.ToValue(raw)
	}
	v, err := parse(goja.Undefined(), e.vm.ToValue(trimmed))
	if err != nil {
		return e.vm.ToValue(raw)
	}
	return v
}

func (e *scriptEnv) stringify(v goja.Value) string {
	stringifyFn, ok := goja.AssertFunction(e.vm.Get("JSON").ToObject(e.vm).Get("stringify"))
	if !ok {
		return v.String()
	}
	out, err := stringifyFn(goja.Undefined(), v)
	if err != nil || out == nil || goja.IsUndefined(out) {
		return v.String()
	}
	return out.String()
}

func (e *scriptEnv) logger(level string) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		e.appendLog(level, call.Arguments)
		return goja.Undefined()
	}
}

func (e *scriptEnv) appendLog(level string, args []goja.Value) {
	parts := make([]string, 0, len(args))
	for _, arg := range args {
		switch {
		case arg == nil || goja.IsUndefined(arg):
			parts = append(parts, "undefined")
		case goja.IsNull(arg):
			parts = append(parts, "null")
		default:
			if _, isObj := arg.(*goja.Object); isObj {
				if _, isFn := goja.AssertFunction(arg); !isFn {
					parts = append(parts, e.stringify(arg))
					continue
				}
			}
			parts = append(parts, arg.String())
		}
	}
	e.logs = append(e.logs, LogEntry{
		Level:     level,
		Message:   strings.Join(parts, " "),
		Timestamp: e.now(),
	})
}

// throw raises a JS Error carrying msg.
func (e *scriptEnv) throw(msg string) {
	ctor := e.vm.Get("Error")
	errObj, err := e.vm.New(ctor, e.vm.ToValue(msg))
	if err != nil {
		panic(e.vm.NewGoError(fmt.Errorf("%s", msg)))
	}
	panic(errObj)
}

// headerMap exposes the outgoing headers to scripts. Writes land on the
// request; names match case-insensitively.
type headerMap struct {
	vm      *goja.Runtime
	headers map[string]string
}

func (h *headerMap) find(name string) (string, bool) {
	if _, ok := h.headers[name]; ok {
		return name, true
	}
	for k := range h.headers {
		if strings.EqualFold(k, name) {
			return k, true
		}
	}
	return "", false
}

func (h *headerMap) Get(name string) goja.Value {
	if k, ok := h.find(name); ok {
		return h.vm.ToValue(h.headers[k])
	}
	return nil
}

func (h *headerMap) Set(name string, val goja.Value) bool {
	deleteHeader(h.headers, name)
	if val == nil || goja.IsUndefined(val) || goja.IsNull(val) {
		return true
	}
	h.headers[name] = val.String()
	return true
}

func (h *headerMap) Has(name string) bool {
	_, ok := h.find(name)
	return ok
}

func (h *headerMap) Delete(name string) bool {
	deleteHeader(h.headers, name)
	return true
}

func (h *headerMap) Keys() []string {
	keys := make([]string, 0, len(h.headers))
	for k := range h.headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func copyHeaders(in map[string]string) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func deleteHeader(headers map[string]string, name string) {
	for k := range headers {
		if strings.EqualFold(k, name) {
			delete(headers, k)
		}
	}
}

func intArg(call goja.FunctionCall, idx int, def int64) int64 {
	v := call.Argument(idx)
	if goja.IsUndefined(v) || goja.IsNull(v) {
		return def
	}
	return v.ToInteger()
}

func floatArg(call goja.FunctionCall, idx int, def float64) float64 {
	v := call.Argument(idx)
	if goja.IsUndefined(v) || goja.IsNull(v) {
		return def
	}
	return v.ToFloat()
}

func containsString(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}

func removeString(list []string, s string) []string {
	out := list[:0]
	for _, item := range list {
		if item != s {
			out = append(out, item)
		}
	}
	return out
}
