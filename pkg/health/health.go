// Package health reports whether a scan service can take work. The scan
// roots must be readable and the stores a scan writes to must answer.
// Required components take the service down when they fail; optional ones
// only degrade it.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/Adithya-Monish-Kumar-K/Marker-Scan-Platform/pkg/resilience"
)

type Status string

const (
	StatusUp       Status = "up"
	StatusDown     Status = "down"
	StatusDegraded Status = "degraded"
)

// Requirement says how a failing component affects the service.
type Requirement int

const (
	Required Requirement = iota
	Optional
)

// Check tests one component. A nil Check means the component is not
// configured, which counts as a failure.
type Check func(ctx context.Context) error

var errNotConfigured = errors.New("not configured")

type ComponentHealth struct {
	Status   Status `json:"status"`
	Required bool   `json:"required"`
	Message  string `json:"message,omitempty"`
	Latency  string `json:"latency,omitempty"`
}

type Report struct {
	Status     Status                     `json:"status"`
	Components map[string]ComponentHealth `json:"components"`
	Timestamp  string                     `json:"timestamp"`
}

type component struct {
	check Check
	req   Requirement
}

// Checker holds the checks of one service and runs them concurrently.
type Checker struct {
	mu           sync.RWMutex
	components   map[string]component
	checkTimeout time.Duration
	last         Status
	logger       *slog.Logger
}

func NewChecker() *Checker {
	return &Checker{
		components:   make(map[string]component),
		checkTimeout: 2 * time.Second,
		logger:       slog.Default().With("component", "health"),
	}
}

// Register adds or replaces the check for name.
func (c *Checker) Register(name string, req Requirement, check Check) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.components[name] = component{check: check, req: req}
}

// RegisterRoots adds the "scan_roots" component. With no roots configured
// requests may name any root, so the component is optional and degraded.
func (c *Checker) RegisterRoots(roots []string) {
	if len(roots) == 0 {
		c.Register("scan_roots", Optional, func(context.Context) error {
			return errors.New("no allowed roots configured, any root is accepted")
		})
		return
	}
	c.Register("scan_roots", Required, func(ctx context.Context) error {
		for _, root := range roots {
			if err := ctx.Err(); err != nil {
				return err
			}
			f, err := os.Open(root)
			if err != nil {
				return err
			}
			f.Close()
		}
		return nil
	})
}

// RegisterBreaker adds an optional component that is degraded while the
// circuit breaker reported by state is not closed.
func (c *Checker) RegisterBreaker(name string, state func() resilience.State) {
	c.Register(name, Optional, func(context.Context) error {
		if s := state(); s != resilience.StateClosed {
			return fmt.Errorf("circuit %s", s)
		}
		return nil
	})
}

// Run checks every component and returns the aggregate report. Overall
// status changes are logged.
func (c *Checker) Run(ctx context.Context) Report {
	c.mu.RLock()
	components := make(map[string]component, len(c.components))
	for name, comp := range c.components {
		components[name] = comp
	}
	c.mu.RUnlock()

	report := Report{
		Status:     StatusUp,
		Components: make(map[string]ComponentHealth, len(components)),
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
	}
	var wg sync.WaitGroup
	var mu sync.Mutex
	for name, comp := range components {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result := c.checkOne(ctx, comp)
			mu.Lock()
			report.Components[name] = result
			mu.Unlock()
		}()
	}
	wg.Wait()

	for _, comp := range report.Components {
		switch {
		case comp.Status == StatusDown:
			report.Status = StatusDown
		case comp.Status == StatusDegraded && report.Status == StatusUp:
			report.Status = StatusDegraded
		}
	}

	c.mu.Lock()
	if report.Status != c.last {
		c.logger.Info("service health changed", "from", c.last, "to", report.Status)
		c.last = report.Status
	}
	c.mu.Unlock()
	return report
}

func (c *Checker) checkOne(ctx context.Context, comp component) ComponentHealth {
	result := ComponentHealth{Status: StatusUp, Required: comp.req == Required}
	start := time.Now()
	err := errNotConfigured
	if comp.check != nil {
		checkCtx, cancel := context.WithTimeout(ctx, c.checkTimeout)
		err = comp.check(checkCtx)
		cancel()
	}
	result.Latency = time.Since(start).Round(time.Millisecond).String()
	if err != nil {
		result.Status = StatusDegraded
		if comp.req == Required {
			result.Status = StatusDown
		}
		result.Message = err.Error()
	}
	return result
}

// LiveHandler answers liveness requests. It never runs the checks.
func (c *Checker) LiveHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]string{"status": "alive"})
	}
}

// ReadyHandler answers readiness requests: 503 when a required component is
// down, 200 otherwise.
func (c *Checker) ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		report := c.Run(ctx)
		w.Header().Set("Content-Type", "application/json")
		if report.Status == StatusDown {
			w.WriteHeader(http.StatusServiceUnavailable)
		} else {
			w.WriteHeader(http.StatusOK)
		}
		json.NewEncoder(w).Encode(report)
	}
}
