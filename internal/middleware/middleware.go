// Package middleware reports HTTP request counts and latencies through a
// metrics Reporter.
//
// Handler instruments an http.Handler on the server side:
//
//	c := client.New(exp)
//	http.ListenAndServe(":8080", middleware.Handler(c)(mux))
//
// NewTransport instruments outgoing requests:
//
//	httpClient := &http.Client{Transport: middleware.NewTransport(c, nil)}
package middleware

import (
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"github.com/felixge/httpsnoop"
)

// Reporter receives request metrics. *client.Client satisfies it.
type Reporter interface {
	Counter(name, help string, value float64, labels map[string]string)
	Histogram(name, help string, value float64, buckets []float64, labels map[string]string)
}

var (
	innerID    = regexp.MustCompile(`/\d+/`)
	trailingID = regexp.MustCompile(`/\d+$`)
)

// Handler returns middleware that counts and times every request served by
// the wrapped handler.
func Handler(r Reporter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			m := httpsnoop.CaptureMetrics(next, w, req)

			labels := map[string]string{
				"method": strings.ToLower(req.Method),
				"path":   CleanPath(req.URL.Path),
			}

			r.Counter(
				"http_server_requests_total",
				"The total number of HTTP requests handled by the server",
				1,
				withCode(labels, m.Code),
			)

			r.Histogram(
				"http_server_request_duration_seconds",
				"The HTTP response duration of the server",
				m.Duration.Seconds(),
				nil,
				labels,
			)
		})
	}
}

// CleanPath collapses numeric path segments into ":id" so that resource
// IDs do not explode label cardinality.
func CleanPath(path string) string {
	// Adjacent IDs share a slash, so the inner pass runs until stable.
	for {
		cleaned := innerID.ReplaceAllString(path, "/:id/")
		if cleaned == path {
			break
		}

		path = cleaned
	}

	return trailingID.ReplaceAllString(path, "/:id")
}

func withCode(labels map[string]string, code int) map[string]string {
	out := make(map[string]string, len(labels)+1)
	for k, v := range labels {
		out[k] = v
	}

	out["code"] = strconv.Itoa(code)

	return out
}
