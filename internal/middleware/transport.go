package middleware

import (
	"net/http"
	"strings"
	"time"
)

// Transport is an http.RoundTripper that reports each completed request.
// Requests that fail without a response are passed through unreported.
type Transport struct {
	reporter Reporter
	base     http.RoundTripper
	now      func() time.Time
}

// NewTransport wraps base, or http.DefaultTransport when base is nil.
func NewTransport(r Reporter, base http.RoundTripper) *Transport {
	if base == nil {
		base = http.DefaultTransport
	}

	return &Transport{
		reporter: r,
		base:     base,
		now:      time.Now,
	}
}

// RoundTrip implements http.RoundTripper.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	start := t.now()

	resp, err := t.base.RoundTrip(req)
	if err != nil {
		return resp, err
	}

	labels := map[string]string{
		"method": strings.ToLower(req.Method),
		"host":   req.URL.Hostname(),
	}

	t.reporter.Counter(
		"http_client_requests_total",
		"The total number of HTTP requests sent by the client",
		1,
		withCode(labels, resp.StatusCode),
	)

	t.reporter.Histogram(
		"http_client_request_duration_seconds",
		"The HTTP response duration",
		t.now().Sub(start).Seconds(),
		nil,
		labels,
	)

	return resp, nil
}
