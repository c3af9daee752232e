package telemetry

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/tskulbru/kvile/internal/errdef"
)

var (
	tracerName  = "github.com/tskulbru/kvile/internal/telemetry"
	httpHostKey = attribute.Key("http.host")
)

type Instrumenter interface {
	Start(ctx context.Context, info RequestStart) (context.Context, RequestSpan)
	Shutdown(ctx context.Context) error
}

// RequestStart describes a compiled request about to be sent.
type RequestStart struct {
	Name   string
	Method string
	URL    string
	Auth   string
}

type RequestResult struct {
	Err         error
	StatusCode  int
	SizeBytes   int
	Elapsed     time.Duration
	TestsPassed int
	TestsFailed int
	Missing     []string
}

type RequestSpan interface {
	// Phase records one pipeline stage as a span event.
	Phase(name string, elapsed time.Duration, err error)
	End(result RequestResult)
}

type providerOptions struct {
	exporter       sdktrace.SpanExporter
	spanProcessors []sdktrace.SpanProcessor
}

type Option func(*providerOptions)

func WithSpanProcessor(proc sdktrace.SpanProcessor) Option {
	return func(opts *providerOptions) {
		if proc != nil {
			opts.spanProcessors = append(opts.spanProcessors, proc)
		}
	}
}

func WithExporter(exp sdktrace.SpanExporter) Option {
	return func(opts *providerOptions) {
		if exp != nil {
			opts.exporter = exp
		}
	}
}

type manager struct {
	tracer   trace.Tracer
	provider *sdktrace.TracerProvider
	shutdown sync.Once
}

func New(cfg Config, opts ...Option) (Instrumenter, error) {
	builder := providerOptions{}
	for _, opt := range opts {
		opt(&builder)
	}

	if !cfg.Enabled() && builder.exporter == nil && len(builder.spanProcessors) == 0 {
		return Noop(), nil
	}

	res, err := resource.New(
		context.Background(),
		resource.WithSchemaURL(semconv.SchemaURL),
		resource.WithAttributes(buildResourceAttributes(cfg)...),
	)
	if err != nil {
		return nil, errdef.Wrap(errdef.CodeConfig, err, "telemetry resource")
	}

	exporter := builder.exporter
	if exporter == nil && cfg.Enabled() {
		exporter, err = newExporter(cfg)
		if err != nil {
			return nil, err
		}
	}

	var tpOpts []sdktrace.TracerProviderOption
	tpOpts = append(tpOpts, sdktrace.WithResource(res))
	if exporter != nil {
		tpOpts = append(tpOpts, sdktrace.WithBatcher(exporter))
	}
	for _, proc := range builder.spanProcessors {
		tpOpts = append(tpOpts, sdktrace.WithSpanProcessor(proc))
	}

	tp := sdktrace.NewTracerProvider(tpOpts...)
	return &manager{tracer: tp.Tracer(tracerName), provider: tp}, nil
}

func (m *manager) Start(ctx context.Context, info RequestStart) (context.Context, RequestSpan) {
	ctx, span := m.tracer.Start(
		ctx,
		spanNameFor(info),
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(buildSpanAttributes(info)...),
	)
	return ctx, &requestSpan{span: span}
}

func (m *manager) Shutdown(ctx context.Context) error {
	if m == nil || m.provider == nil {
		return nil
	}
	var shutdownErr error
	m.shutdown.Do(func() {
		shutdownErr = m.provider.Shutdown(ctx)
	})
	return shutdownErr
}

type requestSpan struct {
	span trace.Span
}

func (rs *requestSpan) Phase(name string, elapsed time.Duration, err error) {
	if rs == nil || rs.span == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("kvile.phase", name),
		attribute.Int64("kvile.phase.duration_ms", elapsed.Milliseconds()),
	}
	if err != nil {
		attrs = append(attrs,
			attribute.String("kvile.phase.error", err.Error()),
			attribute.String("kvile.phase.error_code", string(errdef.CodeOf(err))),
		)
	}
	rs.span.AddEvent("kvile.phase", trace.WithAttributes(attrs...))
}

func (rs *requestSpan) End(result RequestResult) {
	if rs == nil || rs.span == nil {
		return
	}

	if result.StatusCode > 0 {
		rs.span.SetAttributes(semconv.HTTPStatusCodeKey.Int(result.StatusCode))
	}
	rs.span.SetAttributes(
		attribute.Int("kvile.response.size", result.SizeBytes),
		attribute.Int64("kvile.response.elapsed_ms", result.Elapsed.Milliseconds()),
		attribute.Int("kvile.tests.passed", result.TestsPassed),
		attribute.Int("kvile.tests.failed", result.TestsFailed),
	)
	if len(result.Missing) > 0 {
		rs.span.SetAttributes(attribute.StringSlice("kvile.variables.missing", result.Missing))
	}

	statusCode := codes.Ok
	statusMsg := "OK"
	switch {
	case result.Err != nil:
		rs.span.RecordError(result.Err)
		statusCode = codes.Error
		statusMsg = result.Err.Error()
	case result.StatusCode >= 400:
		statusCode = codes.Error
		statusMsg = fmt.Sprintf("HTTP %d", result.StatusCode)
	case result.TestsFailed > 0:
		statusCode = codes.Error
		statusMsg = fmt.Sprintf("%d test(s) failed", result.TestsFailed)
	}

	rs.span.SetStatus(statusCode, statusMsg)
	rs.span.End()
}

func Noop() Instrumenter {
	return noopInstrumenter{}
}

type noopInstrumenter struct{}

type noopSpan struct{}

func (noopInstrumenter) Start(ctx context.Context, _ RequestStart) (context.Context, RequestSpan) {
	return ctx, noopSpan{}
}

func (noopInstrumenter) Shutdown(context.Context) error { return nil }

func (noopSpan) Phase(string, time.Duration, error) {}

func (noopSpan) End(RequestResult) {}

func newExporter(cfg Config) (sdktrace.SpanExporter, error) {
	timeout := cfg.DialTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	clientOpts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(cfg.Endpoint),
	}
	if cfg.Insecure {
		clientOpts = append(clientOpts, otlptracegrpc.WithInsecure())
	}
	if len(cfg.Headers) > 0 {
		clientOpts = append(clientOpts, otlptracegrpc.WithHeaders(cfg.Headers))
	}

	exp, err := otlptrace.New(ctx, otlptracegrpc.NewClient(clientOpts...))
	if err != nil {
		return nil, errdef.Wrap(errdef.CodeConfig, err, "telemetry exporter")
	}
	return exp, nil
}

func buildResourceAttributes(cfg Config) []attribute.KeyValue {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = defaultServiceName
	}
	attrs := []attribute.KeyValue{semconv.ServiceName(name)}
	if strings.TrimSpace(cfg.Version) != "" {
		attrs = append(attrs, semconv.ServiceVersion(cfg.Version))
	}
	return attrs
}

func buildSpanAttributes(info RequestStart) []attribute.KeyValue {
	var attrs []attribute.KeyValue
	if info.Method != "" {
		attrs = append(attrs, semconv.HTTPMethodKey.String(strings.ToUpper(info.Method)))
	}
	if info.URL != "" {
		attrs = append(attrs, semconv.HTTPURLKey.String(info.URL))
		if u, err := url.Parse(info.URL); err == nil && u.Host != "" {
			attrs = append(attrs, httpHostKey.String(u.Host))
		}
	}
	if name := strings.TrimSpace(info.Name); name != "" {
		attrs = append(attrs, attribute.String("kvile.request.name", name))
	}
	if info.Auth != "" {
		attrs = append(attrs, attribute.String("kvile.request.auth", info.Auth))
	}
	return attrs
}

func spanNameFor(info RequestStart) string {
	if name := strings.TrimSpace(info.Name); name != "" {
		return name
	}
	if info.Method != "" {
		if u, err := url.Parse(info.URL); err == nil && u.Host != "" {
			return fmt.Sprintf("%s %s", strings.ToUpper(info.Method), u.Host)
		}
		return strings.ToUpper(info.Method)
	}
	return "kvile.send"
}
