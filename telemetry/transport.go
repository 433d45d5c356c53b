package telemetry

import (
	"context"
	"io"
	"net/http"
	"time"
)

// InstrumentedTransport wraps an http.RoundTripper with outbound request metrics.
type InstrumentedTransport struct {
	base   http.RoundTripper
	target string
}

// NewInstrumentedTransport creates a new instrumented transport for a target
// ("peer" or "directory"). If base is nil, http.DefaultTransport is used.
func NewInstrumentedTransport(base http.RoundTripper, target string) *InstrumentedTransport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &InstrumentedTransport{base: base, target: target}
}

// RoundTrip implements http.RoundTripper with metrics recording.
func (t *InstrumentedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	start := time.Now()

	resp, err := t.base.RoundTrip(req)
	duration := time.Since(start)

	if err != nil {
		outcome := "error"
		if req.Context().Err() != nil {
			outcome = "canceled"
		}
		RecordOutbound(req.Context(), t.target, req.Method, duration, 0, outcome)
		return nil, err
	}

	outcome := "success"
	switch {
	case resp.StatusCode >= 500:
		outcome = "5xx"
	case resp.StatusCode >= 400:
		outcome = "4xx"
	case resp.StatusCode >= 300:
		outcome = "redirect"
	}

	resp.Body = &instrumentedBody{
		ReadCloser: resp.Body,
		ctx:        req.Context(),
		target:     t.target,
		method:     req.Method,
		start:      start,
		outcome:    outcome,
	}

	return resp, nil
}

// instrumentedBody wraps a response body to record bytes read on close.
type instrumentedBody struct {
	io.ReadCloser
	ctx      context.Context
	target   string
	method   string
	start    time.Time
	bytes    int64
	outcome  string
	recorded bool
}

func (b *instrumentedBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	b.bytes += int64(n)
	return n, err
}

func (b *instrumentedBody) Close() error {
	if !b.recorded {
		b.recorded = true
		RecordOutbound(b.ctx, b.target, b.method, time.Since(b.start), b.bytes, b.outcome)
	}
	return b.ReadCloser.Close()
}
