package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// scrubbingExporter sanitizes string attribute values before spans leave the
// process. Provider API keys must never reach a telemetry backend, even when
// an SDK error message embeds one. Scrubbing happens in the batch export
// goroutine, off the request path.
type scrubbingExporter struct {
	wrapped sdktrace.SpanExporter
}

func newScrubbingExporter(wrapped sdktrace.SpanExporter) sdktrace.SpanExporter {
	return &scrubbingExporter{wrapped: wrapped}
}

// ExportSpans scrubs credential patterns from span attributes, event
// attributes, and status descriptions, then delegates to the wrapped
// exporter. Clean spans pass through untouched.
func (e *scrubbingExporter) ExportSpans(ctx context.Context, spans []sdktrace.ReadOnlySpan) error {
	scrubbed := make([]sdktrace.ReadOnlySpan, len(spans))
	for i, span := range spans {
		scrubbed[i] = scrubSpan(span)
	}
	return e.wrapped.ExportSpans(ctx, scrubbed)
}

func (e *scrubbingExporter) Shutdown(ctx context.Context) error {
	return e.wrapped.Shutdown(ctx)
}

func scrubSpan(span sdktrace.ReadOnlySpan) sdktrace.ReadOnlySpan {
	if !spanNeedsScrubbing(span) {
		return span
	}

	stub := tracetest.SpanStubFromReadOnlySpan(span)
	stub.Attributes = scrubAttributes(stub.Attributes)
	for i, event := range stub.Events {
		stub.Events[i].Attributes = scrubAttributes(event.Attributes)
	}
	if ContainsCredential(stub.Status.Description) {
		stub.Status.Description = ScrubCredentials(stub.Status.Description)
	}
	return stub.Snapshot()
}

// spanNeedsScrubbing keeps the common case allocation-free: most spans carry
// no credential material and are exported as-is.
func spanNeedsScrubbing(span sdktrace.ReadOnlySpan) bool {
	for _, attr := range span.Attributes() {
		if attr.Value.Type() == attribute.STRING && ContainsCredential(attr.Value.AsString()) {
			return true
		}
	}
	for _, event := range span.Events() {
		for _, attr := range event.Attributes {
			if attr.Value.Type() == attribute.STRING && ContainsCredential(attr.Value.AsString()) {
				return true
			}
		}
	}
	return ContainsCredential(span.Status().Description)
}

func scrubAttributes(attrs []attribute.KeyValue) []attribute.KeyValue {
	result := make([]attribute.KeyValue, len(attrs))
	for i, attr := range attrs {
		if attr.Value.Type() == attribute.STRING {
			value := attr.Value.AsString()
			if ContainsCredential(value) {
				result[i] = attribute.String(string(attr.Key), ScrubCredentials(value))
				continue
			}
		}
		result[i] = attr
	}
	return result
}
