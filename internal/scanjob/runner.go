// Package scanjob turns scan requests into scanner runs and fans the results
// out to the optional run store and match publisher. It is shared by the CLI,
// the HTTP API and the Kafka worker.
package scanjob

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/Adithya-Monish-Kumar-K/Marker-Scan-Platform/internal/scanner"
	"github.com/Adithya-Monish-Kumar-K/Marker-Scan-Platform/internal/scanner/resource"
	"github.com/Adithya-Monish-Kumar-K/Marker-Scan-Platform/internal/scanner/unit"
	"github.com/Adithya-Monish-Kumar-K/Marker-Scan-Platform/internal/store"
	"github.com/Adithya-Monish-Kumar-K/Marker-Scan-Platform/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/Marker-Scan-Platform/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/Marker-Scan-Platform/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/Marker-Scan-Platform/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/Marker-Scan-Platform/pkg/resilience"
	"github.com/Adithya-Monish-Kumar-K/Marker-Scan-Platform/pkg/tracing"
)

const persistTimeout = 30 * time.Second

// RunStore persists finished runs.
type RunStore interface {
	SaveRun(ctx context.Context, run store.Run, matches []unit.Match) error
}

// MatchPublisher streams matches as they are reported.
type MatchPublisher interface {
	Reporter(scanID string) scanner.Reporter
	Flush(ctx context.Context) error
}

// Result is a finished scan. Warnings collect side-channel failures
// (publishing, persisting) that did not invalidate the matches.
type Result struct {
	ScanID    string        `json:"scanId"`
	Request   Request       `json:"request"`
	Matches   []unit.Match  `json:"matches"`
	Stats     scanner.Stats `json:"stats"`
	StartedAt time.Time     `json:"startedAt"`
	Warnings  []string      `json:"warnings,omitempty"`
}

type Runner struct {
	cfg       config.ScanConfig
	runs      RunStore
	publisher MatchPublisher
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// NewRunner creates a Runner. runs, publisher and m are optional.
func NewRunner(cfg config.ScanConfig, runs RunStore, publisher MatchPublisher, m *metrics.Metrics) *Runner {
	return &Runner{
		cfg:       cfg,
		runs:      runs,
		publisher: publisher,
		metrics:   m,
		logger:    slog.Default().With("component", "scan-runner"),
	}
}

// Prepare normalizes req, fills configured defaults and checks it. The
// result is what Run would scan, so it also serves as a cache key.
func (r *Runner) Prepare(req Request) (Request, error) {
	if len(req.Roots) == 0 {
		req.Roots = r.cfg.Roots
	}
	if len(req.Markers) == 0 {
		req.Markers = r.cfg.Markers
	}
	if len(req.Kinds) == 0 {
		req.Kinds = r.cfg.Kinds
	}
	if len(req.Packages) == 0 {
		req.Packages = r.cfg.Packages
	}
	req.Exclude = append(append([]string(nil), r.cfg.Exclude...), req.Exclude...)

	prepared, err := req.Normalize()
	if err != nil {
		return Request{}, err
	}
	if len(prepared.Roots) == 0 {
		return Request{}, apperrors.New(apperrors.ErrInvalidInput, http.StatusBadRequest, "no scan roots given")
	}
	if len(prepared.Markers) == 0 {
		return Request{}, apperrors.New(apperrors.ErrInvalidInput, http.StatusBadRequest, "no markers requested")
	}
	if err := prepared.Validate(); err != nil {
		return Request{}, err
	}
	if err := confine(prepared.Roots, r.cfg.AllowedRoots); err != nil {
		return Request{}, err
	}
	return prepared, nil
}

// Run executes one scan. Scan failures are returned as *apperrors.AppError;
// failures to publish or persist only add warnings to the result.
func (r *Runner) Run(ctx context.Context, req Request) (*Result, error) {
	prepared, err := r.Prepare(req)
	if err != nil {
		return nil, err
	}
	scanID := prepared.ID
	if scanID == "" {
		scanID = uuid.NewString()
		prepared.ID = scanID
	}
	ctx = logger.WithScanID(ctx, scanID)
	log := logger.FromContext(ctx).With("component", "scan-runner")
	ctx, span := tracing.StartSpan(ctx, "scan", scanID)
	defer func() {
		span.End()
		span.Log(ctx, log)
	}()

	opts := scanner.Options{
		Roots:       prepared.Roots,
		Packages:    prepared.Packages,
		Markers:     prepared.Markers,
		Kinds:       prepared.ParsedKinds(),
		Workers:     r.cfg.Workers,
		MaxUnitSize: r.cfg.MaxUnitSize,
		Logger:      log,
	}
	if len(prepared.Exclude) > 0 {
		opts.Filter = resource.ExcludeSubstrings(prepared.Exclude...)
	}
	if r.metrics != nil {
		opts.Observer = r.metrics.ScanObserver()
		r.metrics.ScansInFlight.Inc()
		defer r.metrics.ScansInFlight.Dec()
	}
	s, err := scanner.New(opts)
	if err != nil {
		return nil, apperrors.Newf(apperrors.ErrInvalidInput, http.StatusBadRequest, "%v", err)
	}

	var forward scanner.Reporter
	if r.publisher != nil {
		forward = r.publisher.Reporter(scanID)
	}
	matches := []unit.Match{}
	collect := scanner.ReporterFunc(func(m unit.Match) {
		matches = append(matches, m)
		if forward != nil {
			forward.Report(m)
		}
	})

	log.Info("scan started", "roots", prepared.Roots, "markers", prepared.Markers, "kinds", prepared.Kinds)
	started := time.Now().UTC()
	scanCtx := ctx
	if r.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		scanCtx, cancel = context.WithTimeout(ctx, r.cfg.Timeout)
		defer cancel()
	}
	_, walkSpan := tracing.StartChildSpan(scanCtx, "walk")
	scanErr := s.Report(scanCtx, collect)
	walkSpan.SetAttr("units", s.Stats().Units)
	walkSpan.SetAttr("matches", len(matches))
	walkSpan.End()
	if scanErr != nil && errors.Is(scanErr, context.DeadlineExceeded) && ctx.Err() == nil {
		scanErr = apperrors.Newf(apperrors.ErrTimeout, http.StatusGatewayTimeout, "scan exceeded %v", r.cfg.Timeout)
	}

	result := &Result{
		ScanID:    scanID,
		Request:   prepared,
		Matches:   matches,
		Stats:     s.Stats(),
		StartedAt: started,
	}
	if r.publisher != nil {
		_, flushSpan := tracing.StartChildSpan(ctx, "publish")
		err := r.publisher.Flush(ctx)
		flushSpan.End()
		if err != nil {
			log.Warn("publishing matches failed", "error", err)
			result.Warnings = append(result.Warnings, fmt.Sprintf("publishing matches: %v", err))
		}
	}
	if r.runs != nil {
		_, persistSpan := tracing.StartChildSpan(ctx, "persist")
		err := r.persist(ctx, result, scanErr)
		persistSpan.End()
		if err != nil {
			log.Warn("persisting scan run failed", "error", err)
			result.Warnings = append(result.Warnings, fmt.Sprintf("persisting run: %v", err))
		}
	}

	if scanErr != nil {
		log.Error("scan failed", "error", scanErr, "resources", result.Stats.Resources)
		var appErr *apperrors.AppError
		if errors.As(scanErr, &appErr) || errors.Is(scanErr, context.Canceled) {
			return nil, scanErr
		}
		return nil, apperrors.Newf(apperrors.ErrInternal, http.StatusInternalServerError, "scan failed: %v", scanErr)
	}

	log.Info("scan completed",
		"resources", result.Stats.Resources,
		"units", result.Stats.Units,
		"matches", len(matches),
		"failures", result.Stats.Failures(),
		"duration", result.Stats.Duration,
	)
	return result, nil
}

func (r *Runner) persist(ctx context.Context, result *Result, scanErr error) error {
	request, err := json.Marshal(result.Request)
	if err != nil {
		return fmt.Errorf("marshaling request: %w", err)
	}
	run := store.Run{
		ID:         result.ScanID,
		Request:    request,
		Stats:      result.Stats,
		StartedAt:  result.StartedAt,
		FinishedAt: result.StartedAt.Add(result.Stats.Duration),
	}
	matches := result.Matches
	if scanErr != nil {
		run.Error = scanErr.Error()
		matches = nil
	}
	// A cancelled scan is still recorded, so the save ignores the caller's
	// cancellation and is bounded on its own.
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	err = resilience.Retry(saveCtx, "save-scan-run", resilience.RetryConfig{}, func() error {
		return r.runs.SaveRun(saveCtx, run, matches)
	})
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("saving scan run: %w (limit: %v)", err, persistTimeout)
	}
	return err
}
