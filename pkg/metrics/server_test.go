package metrics

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSummarize(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewWithRegisterer(reg)
	m.ScanRunsTotal.WithLabelValues("ok").Add(3)
	m.ScanRunsTotal.WithLabelValues("error").Inc()
	m.ScansInFlight.Set(2)
	m.ScanMatchesTotal.WithLabelValues("type").Add(5)
	m.ScanMatchesTotal.WithLabelValues("method").Add(7)
	m.EventsPublishedTotal.WithLabelValues("published").Add(12)

	got, err := Summarize(reg)
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{"ok": 3, "error": 1}, got.Runs)
	assert.Equal(t, 2.0, got.InFlight)
	assert.Equal(t, 12.0, got.Matches)
	assert.Equal(t, map[string]float64{"published": 12}, got.EventsPublished)
}

func TestLandingPage(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewWithRegisterer(reg)
	m.ScanRunsTotal.WithLabelValues("ok").Inc()
	mux := newServeMux(ServerConfig{
		Service:  "Marker Scan API",
		Links:    []Link{{Port: 8080, Path: "/api/v1/scans", Label: "recent scans"}},
		Gatherer: reg,
	})

	req := httptest.NewRequest(http.MethodGet, "http://scan-host:9090/", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "<h1>Marker Scan API</h1>")
	assert.Contains(t, body, `href="http://scan-host:8080/api/v1/scans"`)
	assert.Contains(t, body, "scans ok")

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/summary", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var summary ScanSummary
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&summary))
	assert.Equal(t, 1.0, summary.Runs["ok"])

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/nope", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
