package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"html/template"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// Link points the landing page at an endpoint the service serves on its
// own port.
type Link struct {
	Port  int
	Path  string
	Label string
}

type ServerConfig struct {
	Port    int
	Service string
	Links   []Link
	// Gatherer defaults to the Prometheus default registry.
	Gatherer prometheus.Gatherer
}

// ScanSummary is the landing page's view of the scan collectors.
type ScanSummary struct {
	Runs            map[string]float64 `json:"runs"`
	InFlight        float64            `json:"inFlight"`
	Matches         float64            `json:"matches"`
	EventsPublished map[string]float64 `json:"eventsPublished"`
}

var landing = template.Must(template.New("landing").Parse(`<html><body>
<h1>{{.Service}}</h1>
<table>
<tr><td>scans running</td><td>{{.Summary.InFlight}}</td></tr>
{{range $status, $n := .Summary.Runs}}<tr><td>scans {{$status}}</td><td>{{$n}}</td></tr>
{{end}}<tr><td>matches reported</td><td>{{.Summary.Matches}}</td></tr>
{{range $status, $n := .Summary.EventsPublished}}<tr><td>match events {{$status}}</td><td>{{$n}}</td></tr>
{{end}}</table>
<ul>
<li><a href="/metrics">/metrics</a></li>
<li><a href="/summary">/summary</a></li>
{{range .Links}}<li><a href="{{.Href}}">{{.Label}}</a></li>
{{end}}</ul>
</body></html>
`))

func StartServer(cfg ServerConfig) (shutdown func(context.Context) error) {
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      newServeMux(cfg),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		slog.Info("metrics server listening", "addr", server.Addr, "service", cfg.Service)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("metrics server error", "error", err)
		}
	}()

	return server.Shutdown
}

func newServeMux(cfg ServerConfig) *http.ServeMux {
	gatherer := cfg.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	mux.HandleFunc("GET /summary", func(w http.ResponseWriter, r *http.Request) {
		summary, err := Summarize(gatherer)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(summary)
	})
	mux.HandleFunc("GET /{$}", func(w http.ResponseWriter, r *http.Request) {
		summary, err := Summarize(gatherer)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		host := r.Host
		if h, _, err := net.SplitHostPort(r.Host); err == nil {
			host = h
		}
		type link struct{ Href, Label string }
		links := make([]link, 0, len(cfg.Links))
		for _, l := range cfg.Links {
			links = append(links, link{
				Href:  fmt.Sprintf("http://%s%s", net.JoinHostPort(host, fmt.Sprint(l.Port)), l.Path),
				Label: l.Label,
			})
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if err := landing.Execute(w, map[string]any{
			"Service": cfg.Service,
			"Summary": summary,
			"Links":   links,
		}); err != nil {
			slog.Error("rendering metrics landing page", "error", err)
		}
	})
	return mux
}

// Summarize reads the scan collectors out of g.
func Summarize(g prometheus.Gatherer) (ScanSummary, error) {
	families, err := g.Gather()
	if err != nil {
		return ScanSummary{}, fmt.Errorf("gathering metrics: %w", err)
	}
	summary := ScanSummary{
		Runs:            map[string]float64{},
		EventsPublished: map[string]float64{},
	}
	for _, mf := range families {
		switch mf.GetName() {
		case "scan_runs_total":
			sumByLabel(mf, "status", summary.Runs)
		case "match_events_published_total":
			sumByLabel(mf, "status", summary.EventsPublished)
		case "scans_in_flight":
			for _, m := range mf.GetMetric() {
				summary.InFlight += m.GetGauge().GetValue()
			}
		case "scan_matches_total":
			for _, m := range mf.GetMetric() {
				summary.Matches += m.GetCounter().GetValue()
			}
		}
	}
	return summary, nil
}

func sumByLabel(mf *dto.MetricFamily, label string, into map[string]float64) {
	for _, m := range mf.GetMetric() {
		for _, lp := range m.GetLabel() {
			if lp.GetName() == label {
				into[lp.GetValue()] += m.GetCounter().GetValue()
			}
		}
	}
}
