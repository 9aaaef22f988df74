package httpclient

import (
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// SensitiveHeaders are never copied verbatim into span attributes.
var SensitiveHeaders = map[string]bool{
	"Authorization": true,
	"Cookie":        true,
	"X-Api-Key":     true,
}

const redactedValue = "[redacted]"

// TracingTransport wraps a RoundTripper, stamping every request with a
// correlation id header and the trace-context headers of the globally
// registered otel propagator, and recording a sanitized form of the request
// on the active span per spec §4.8.
type TracingTransport struct {
	Next          http.RoundTripper
	CorrelationID func(*http.Request) string
}

// RoundTrip implements http.RoundTripper.
func (t *TracingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	next := t.Next
	if next == nil {
		next = http.DefaultTransport
	}

	req = req.Clone(req.Context())
	if t.CorrelationID != nil {
		if id := t.CorrelationID(req); id != "" {
			req.Header.Set("X-Correlation-Id", id)
		}
	}
	otel.GetTextMapPropagator().Inject(req.Context(), propagation.HeaderCarrier(req.Header))

	span := trace.SpanFromContext(req.Context())
	if span.IsRecording() {
		span.SetAttributes(
			attribute.String("http.method", req.Method),
			attribute.String("http.url", req.URL.String()),
		)
		for k, vs := range req.Header {
			if len(vs) == 0 {
				continue
			}
			v := vs[0]
			if SensitiveHeaders[http.CanonicalHeaderKey(k)] {
				v = redactedValue
			}
			span.SetAttributes(attribute.String("http.request.header."+k, v))
		}
	}

	return next.RoundTrip(req)
}

// WithTracing wraps client's transport with a TracingTransport.
func WithTracing(client *http.Client, correlationID func(*http.Request) string) *http.Client {
	base := client.Transport
	wrapped := *client
	wrapped.Transport = &TracingTransport{Next: base, CorrelationID: correlationID}
	return &wrapped
}
