package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"math"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Adithya-Monish-Kumar-K/Marker-Scan-Platform/internal/scanner"
	"github.com/Adithya-Monish-Kumar-K/Marker-Scan-Platform/internal/scanner/synth"
	"github.com/Adithya-Monish-Kumar-K/Marker-Scan-Platform/internal/scanner/unit"
)

const loadMarker = "loadtest.Marked"

type Config struct {
	Mode        string
	BaseURL     string
	Concurrency int
	Duration    time.Duration
	Units       int
	Workers     int
}

type Stats struct {
	totalScans   atomic.Int64
	successCount atomic.Int64
	errorCount   atomic.Int64
	cacheHits    atomic.Int64
	unitsScanned atomic.Int64
	latencies    []time.Duration
	latenciesMu  sync.Mutex
	outcomes     map[string]*atomic.Int64
	outcomesMu   sync.Mutex
}

func NewStats() *Stats {
	return &Stats{
		latencies: make([]time.Duration, 0, 100000),
		outcomes:  make(map[string]*atomic.Int64),
	}
}

func (s *Stats) RecordScan(duration time.Duration, outcome string, units int, cached bool, err error) {
	s.totalScans.Add(1)
	if err != nil {
		s.errorCount.Add(1)
		s.count("error")
		return
	}
	if outcome != "ok" {
		s.errorCount.Add(1)
		s.count(outcome)
		return
	}
	s.successCount.Add(1)
	s.unitsScanned.Add(int64(units))
	if cached {
		s.cacheHits.Add(1)
	}
	s.count(outcome)

	s.latenciesMu.Lock()
	s.latencies = append(s.latencies, duration)
	s.latenciesMu.Unlock()
}

func (s *Stats) count(outcome string) {
	s.outcomesMu.Lock()
	defer s.outcomesMu.Unlock()
	if _, ok := s.outcomes[outcome]; !ok {
		s.outcomes[outcome] = &atomic.Int64{}
	}
	s.outcomes[outcome].Add(1)
}

func main() {
	mode := flag.String("mode", "local", "local scans an in-process synthetic jar, api posts to a running scan api")
	baseURL := flag.String("url", "http://localhost:8080", "base URL of the scan api")
	concurrency := flag.Int("concurrency", 4, "number of concurrent scanners")
	duration := flag.Duration("duration", 30*time.Second, "test duration")
	units := flag.Int("units", 2000, "units in the synthetic jar")
	workers := flag.Int("workers", 1, "decode workers per scan")
	flag.Parse()

	cfg := Config{
		Mode:        *mode,
		BaseURL:     *baseURL,
		Concurrency: *concurrency,
		Duration:    *duration,
		Units:       *units,
		Workers:     *workers,
	}

	dir, err := os.MkdirTemp("", "markerscan-load")
	if err != nil {
		fmt.Fprintf(os.Stderr, "creating temp dir: %v\n", err)
		os.Exit(1)
	}
	defer os.RemoveAll(dir)
	jar := filepath.Join(dir, "load.jar")
	if err := writeJar(jar, cfg.Units); err != nil {
		fmt.Fprintf(os.Stderr, "writing synthetic jar: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("=== Marker Scan Load Test ===")
	fmt.Printf("Mode:        %s\n", cfg.Mode)
	if cfg.Mode == "api" {
		fmt.Printf("Target:      %s\n", cfg.BaseURL)
	}
	fmt.Printf("Concurrency: %d\n", cfg.Concurrency)
	fmt.Printf("Workers:     %d\n", cfg.Workers)
	fmt.Printf("Duration:    %s\n", cfg.Duration)
	fmt.Printf("Units:       %d\n", cfg.Units)
	fmt.Println()

	var scan scanFunc
	switch cfg.Mode {
	case "local":
		scan = localScan(jar, cfg.Workers)
	case "api":
		scan = apiScan(cfg, jar)
	default:
		fmt.Fprintf(os.Stderr, "unknown mode %q\n", cfg.Mode)
		os.Exit(1)
	}

	stats := runLoadTest(cfg, scan)
	printReport(stats, cfg.Duration)
}

// writeJar builds a jar in which every tenth unit carries the load marker on
// one method.
func writeJar(path string, n int) error {
	entries := make([]synth.Entry, 0, n)
	for i := 0; i < n; i++ {
		u := synth.NewUnit(fmt.Sprintf("loadtest.pkg%02d.Unit%05d", i%50, i)).
			Field("id", "J").
			Constructor("()V").
			Method("run", "()V")
		if i%10 == 0 {
			u.Mark(synth.M(loadMarker)).Method("handle", "(Ljava/lang/String;)V", synth.M(loadMarker))
		}
		entries = append(entries, synth.UnitEntry(u))
	}
	return synth.WriteArchiveFile(path, entries)
}

type scanFunc func(ctx context.Context) (outcome string, units int, cached bool, err error)

func localScan(jar string, workers int) scanFunc {
	return func(ctx context.Context) (string, int, bool, error) {
		s, err := scanner.New(scanner.Options{
			Roots:   []string{jar},
			Markers: []string{loadMarker},
			Kinds:   []unit.ElementKind{unit.KindType, unit.KindMethod},
			Workers: workers,
		})
		if err != nil {
			return "", 0, false, err
		}
		if _, err := scanner.Collect(ctx, s, func(m unit.Match) string { return m.TypeName }); err != nil {
			return "", 0, false, err
		}
		return "ok", s.Stats().Units, false, nil
	}
}

func apiScan(cfg Config, jar string) scanFunc {
	client := &http.Client{
		Timeout: 60 * time.Second,
		Transport: &http.Transport{
			MaxIdleConns:        cfg.Concurrency * 2,
			MaxIdleConnsPerHost: cfg.Concurrency * 2,
			IdleConnTimeout:     90 * time.Second,
		},
	}
	body, _ := json.Marshal(map[string]any{
		"roots":   []string{jar},
		"markers": []string{loadMarker},
		"kinds":   []string{"type", "method"},
	})
	return func(ctx context.Context) (string, int, bool, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.BaseURL+"/api/v1/scans", bytes.NewReader(body))
		if err != nil {
			return "", 0, false, err
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := client.Do(req)
		if err != nil {
			return "", 0, false, err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			io.Copy(io.Discard, resp.Body)
			return fmt.Sprintf("http_%d", resp.StatusCode), 0, false, nil
		}
		var out struct {
			Cached bool `json:"cached"`
			Stats  struct {
				Units int `json:"units"`
			} `json:"stats"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return "", 0, false, err
		}
		return "ok", out.Stats.Units, out.Cached, nil
	}
}

func runLoadTest(cfg Config, scan scanFunc) *Stats {
	stats := NewStats()
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Duration)
	defer cancel()

	var wg sync.WaitGroup
	fmt.Print("Running")

	for w := 0; w < cfg.Concurrency; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				default:
				}
				start := time.Now()
				outcome, units, cached, err := scan(ctx)
				if ctx.Err() != nil {
					return
				}
				stats.RecordScan(time.Since(start), outcome, units, cached, err)
			}
		}()
	}

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				fmt.Print(".")
			}
		}
	}()

	wg.Wait()
	fmt.Println(" done!")
	fmt.Println()
	return stats
}

func printReport(stats *Stats, duration time.Duration) {
	total := stats.totalScans.Load()
	success := stats.successCount.Load()
	errors := stats.errorCount.Load()

	fmt.Println("=== Results ===")
	fmt.Printf("Total Scans:     %d\n", total)
	fmt.Printf("Successful:      %d\n", success)
	fmt.Printf("Errors:          %d\n", errors)
	fmt.Printf("Cache Hits:      %d\n", stats.cacheHits.Load())

	if total > 0 {
		errorRate := float64(errors) / float64(total) * 100
		fmt.Printf("Error Rate:      %.2f%%\n", errorRate)
		fmt.Printf("Scans/sec:       %.2f\n", float64(total)/duration.Seconds())
		fmt.Printf("Units/sec:       %.0f\n", float64(stats.unitsScanned.Load())/duration.Seconds())
	}

	stats.latenciesMu.Lock()
	latencies := make([]time.Duration, len(stats.latencies))
	copy(latencies, stats.latencies)
	stats.latenciesMu.Unlock()

	if len(latencies) > 0 {
		sort.Slice(latencies, func(i, j int) bool {
			return latencies[i] < latencies[j]
		})

		var sum time.Duration
		for _, l := range latencies {
			sum += l
		}
		avg := sum / time.Duration(len(latencies))

		fmt.Println()
		fmt.Println("=== Scan Latency ===")
		fmt.Printf("Min:    %s\n", latencies[0])
		fmt.Printf("Avg:    %s\n", avg)
		fmt.Printf("P50:    %s\n", percentile(latencies, 50))
		fmt.Printf("P90:    %s\n", percentile(latencies, 90))
		fmt.Printf("P99:    %s\n", percentile(latencies, 99))
		fmt.Printf("Max:    %s\n", latencies[len(latencies)-1])

		var sumSquared float64
		avgFloat := float64(avg)
		for _, l := range latencies {
			diff := float64(l) - avgFloat
			sumSquared += diff * diff
		}
		fmt.Printf("StdDev: %s\n", time.Duration(math.Sqrt(sumSquared/float64(len(latencies)))))
	}

	fmt.Println()
	fmt.Println("=== Outcomes ===")
	stats.outcomesMu.Lock()
	names := make([]string, 0, len(stats.outcomes))
	for name := range stats.outcomes {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Printf("  %s: %d\n", name, stats.outcomes[name].Load())
	}
	stats.outcomesMu.Unlock()

	if total == 0 {
		fmt.Println()
		fmt.Println("WARNING: No scans completed. Is the service running?")
		os.Exit(1)
	}
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(math.Ceil(p/100*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
