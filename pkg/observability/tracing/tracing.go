package tracing

import (
    "context"
    "sync/atomic"

    "go.opentelemetry.io/otel"
    "go.opentelemetry.io/otel/attribute"
    "go.opentelemetry.io/otel/codes"
    "go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
    sdktrace "go.opentelemetry.io/otel/sdk/trace"
    "go.opentelemetry.io/otel/trace"
)

const tracerName = "go-tribes"

var enabled atomic.Bool

// Setup installs a stdout tracer provider when enable is true and returns
// its shutdown function, which should be deferred.
func Setup(enable bool) (func(context.Context) error, error) {
    enabled.Store(enable)
    if !enable {
        return func(context.Context) error { return nil }, nil
    }
    exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
    if err != nil {
        enabled.Store(false)
        return nil, err
    }
    tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp))
    otel.SetTracerProvider(tp)
    return tp.Shutdown, nil
}

// Span wraps an optional span. Its methods are no-ops when tracing is off.
type Span struct{ s trace.Span }

// End finishes the span.
func (s Span) End() {
    if s.s != nil { s.s.End() }
}

// Fail records err on the span, if any.
func (s Span) Fail(err error) {
    if s.s == nil || err == nil { return }
    s.s.RecordError(err)
    s.s.SetStatus(codes.Error, err.Error())
}

// StartSpan starts a span named name when tracing is enabled.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, Span) {
    if !enabled.Load() {
        return ctx, Span{}
    }
    ctx, span := otel.Tracer(tracerName).Start(ctx, name, trace.WithAttributes(attrs...))
    return ctx, Span{s: span}
}
