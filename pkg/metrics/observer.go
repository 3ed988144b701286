package metrics

import (
	"github.com/Adithya-Monish-Kumar-K/Marker-Scan-Platform/internal/scanner"
	"github.com/Adithya-Monish-Kumar-K/Marker-Scan-Platform/internal/scanner/resource"
	"github.com/Adithya-Monish-Kumar-K/Marker-Scan-Platform/internal/scanner/unit"
)

// ScanObserver feeds scanner progress into the scan collectors.
type ScanObserver struct {
	m *Metrics
}

func (m *Metrics) ScanObserver() *ScanObserver {
	return &ScanObserver{m: m}
}

func (o *ScanObserver) ResourceScanned(_ *resource.Resource, outcome scanner.Outcome) {
	o.m.ScanResourcesTotal.WithLabelValues(outcome.String()).Inc()
}

func (o *ScanObserver) MatchReported(m unit.Match) {
	o.m.ScanMatchesTotal.WithLabelValues(m.Kind.String()).Inc()
}

func (o *ScanObserver) ScanFinished(stats scanner.Stats, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	o.m.ScanRunsTotal.WithLabelValues(status).Inc()
	o.m.ScanDuration.Observe(stats.Duration.Seconds())
}
