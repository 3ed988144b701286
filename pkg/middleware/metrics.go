// Package middleware wraps the scan API: request ids, Prometheus metrics,
// per-client rate limiting and request timeouts.
package middleware

import (
	"encoding/json"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/Adithya-Monish-Kumar-K/Marker-Scan-Platform/pkg/metrics"
)

const scanPrefix = "/api/v1/scans/"

// knownRoutes are used verbatim as the path label. Everything else, crawlers
// hitting random paths included, is labelled "other".
var knownRoutes = []string{
	"/api/v1/scans",
	"/api/v1/cache/stats",
	"/api/v1/cache/invalidate",
	"/health/live",
	"/health/ready",
}

// Metrics records request count, latency and in-flight requests.
func Metrics(m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			m.HTTPRequestsInFlight.Inc()
			defer m.HTTPRequestsInFlight.Dec()

			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w}
			next.ServeHTTP(rec, r)

			route := routeLabel(r.URL.Path)
			m.HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(rec.Status())).Inc()
			m.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
		})
	}
}

func routeLabel(path string) string {
	if id, ok := strings.CutPrefix(path, scanPrefix); ok && id != "" && !strings.Contains(id, "/") {
		return scanPrefix + "{id}"
	}
	if slices.Contains(knownRoutes, path) {
		return path
	}
	return "other"
}

// statusRecorder remembers the first status written. A handler that only
// calls Write has answered 200.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	if s.status == 0 {
		s.status = code
	}
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	if s.status == 0 {
		s.status = http.StatusOK
	}
	return s.ResponseWriter.Write(b)
}

func (s *statusRecorder) Status() int {
	if s.status == 0 {
		return http.StatusOK
	}
	return s.status
}

// writeError answers in the API's error shape, tagged with the request id
// when one is set.
func writeError(w http.ResponseWriter, r *http.Request, status int, message string) {
	body := map[string]string{"error": message}
	if id := GetRequestID(r.Context()); id != "" {
		body["requestId"] = id
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
