// Package scanner runs marker scans: it enumerates candidate unit files from a
// resource.Source, decodes each one and reports every requested marker found
// on a requested element kind. Results are delivered in enumeration order
// whether the scan runs on one goroutine or on a worker pool.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/Adithya-Monish-Kumar-K/Marker-Scan-Platform/internal/scanner/cursor"
	"github.com/Adithya-Monish-Kumar-K/Marker-Scan-Platform/internal/scanner/resource"
	"github.com/Adithya-Monish-Kumar-K/Marker-Scan-Platform/internal/scanner/unit"
)

// DefaultMaxUnitSize caps how many bytes are read from a single entry.
const DefaultMaxUnitSize int64 = 64 << 20

var (
	ErrNoMarkers      = errors.New("no markers requested")
	ErrNoRoots        = errors.New("no scan roots given")
	ErrRootNotFound   = resource.ErrRootNotFound
	ErrInvalidKind    = errors.New("invalid element kind")
	ErrScanInProgress = errors.New("scan already in progress on this scanner")
	errUnitTooLarge   = errors.New("unit exceeds size limit")
)

// Reporter receives matches in push mode.
type Reporter interface {
	Report(m unit.Match)
}

// ReporterFunc adapts a function to a Reporter.
type ReporterFunc func(m unit.Match)

func (f ReporterFunc) Report(m unit.Match) { f(m) }

type Options struct {
	// Roots are filesystem roots. Ignored when Source is set.
	Roots  []string
	Source resource.Source
	// Packages are dotted package prefixes that narrow enumeration.
	Packages []string
	Markers  []string
	// Kinds defaults to type-level markers only.
	Kinds  []unit.ElementKind
	Filter resource.Filter
	// Workers above 1 decode on a worker pool.
	Workers     int
	MaxUnitSize int64
	Observer    Observer
	Logger      *slog.Logger
}

type Scanner struct {
	source      resource.Source
	selection   resource.Selection
	markers     unit.MarkerSet
	kinds       unit.KindSet
	workers     int
	maxUnitSize int64
	observer    Observer
	logger      *slog.Logger

	decoder *unit.Decoder
	running atomic.Bool
	stats   Stats
}

// New validates opts and prepares a scanner. Configuration problems are
// reported here, before any resource is touched.
func New(opts Options) (*Scanner, error) {
	if len(opts.Markers) == 0 {
		return nil, ErrNoMarkers
	}
	markers, err := unit.NewMarkerSet(opts.Markers...)
	if err != nil {
		return nil, fmt.Errorf("parsing markers: %w", err)
	}
	kinds := unit.NewKindSet(unit.KindType)
	if len(opts.Kinds) > 0 {
		kinds = 0
		for _, k := range opts.Kinds {
			if k > unit.KindConstructor {
				return nil, fmt.Errorf("%w: %d", ErrInvalidKind, k)
			}
			kinds |= unit.NewKindSet(k)
		}
	}
	source := opts.Source
	if source == nil {
		if len(opts.Roots) == 0 {
			return nil, ErrNoRoots
		}
		roots := resource.Roots(opts.Roots)
		if err := roots.Check(); err != nil {
			return nil, err
		}
		source = roots
	}
	maxSize := opts.MaxUnitSize
	if maxSize <= 0 {
		maxSize = DefaultMaxUnitSize
	}
	workers := opts.Workers
	if workers < 1 {
		workers = 1
	}
	observer := opts.Observer
	if observer == nil {
		observer = nopObserver{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scanner{
		source:      source,
		selection:   resource.Selection{Packages: opts.Packages, Filter: opts.Filter},
		markers:     markers,
		kinds:       kinds,
		workers:     workers,
		maxUnitSize: maxSize,
		observer:    observer,
		logger:      logger.With("component", "scanner"),
		decoder:     unit.NewDecoder(markers, kinds),
	}, nil
}

// Markers returns the dotted names of the requested markers.
func (s *Scanner) Markers() []string {
	return s.markers.Names()
}

// Kinds returns the requested element kinds.
func (s *Scanner) Kinds() []unit.ElementKind {
	return s.kinds.Kinds()
}

// Stats returns the counters of the most recent run.
func (s *Scanner) Stats() Stats {
	return s.stats
}

// Report scans every resource and pushes each match to r as soon as it is
// found. Malformed or unreadable units are logged and skipped; the returned
// error is either a configuration problem met while opening a root, a
// container failure, or the context's error.
func (s *Scanner) Report(ctx context.Context, r Reporter) error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrScanInProgress
	}
	defer s.running.Store(false)

	s.stats = Stats{}
	start := time.Now()
	it, err := s.source.Iterate(s.selection)
	if err != nil {
		return fmt.Errorf("opening resources: %w", err)
	}
	defer it.Close()

	emit := func(m unit.Match) {
		s.stats.Matches++
		s.observer.MatchReported(m)
		r.Report(m)
	}
	if s.workers > 1 {
		err = s.runParallel(ctx, it, emit)
	} else {
		err = s.runSequential(ctx, it, emit)
	}
	s.stats.Duration = time.Since(start)
	s.observer.ScanFinished(s.stats, err)
	s.logger.Debug("scan finished",
		"resources", s.stats.Resources,
		"units", s.stats.Units,
		"matches", s.stats.Matches,
		"failures", s.stats.Failures(),
		"duration", s.stats.Duration,
		"error", err,
	)
	return err
}

func (s *Scanner) runSequential(ctx context.Context, it resource.Iterator, emit unit.EmitFunc) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		res, err := it.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("enumerating resources: %w", err)
		}
		outcome, cause := s.scanOne(res, emit)
		s.record(res, outcome, cause)
	}
}

func (s *Scanner) scanOne(res *resource.Resource, emit unit.EmitFunc) (Outcome, error) {
	rc, err := res.Open()
	if err != nil {
		return OutcomeUnreadable, err
	}
	n, err := s.decoder.ReadFrom(io.LimitReader(rc, s.maxUnitSize+1))
	closeErr := rc.Close()
	if err != nil {
		return OutcomeUnreadable, err
	}
	if closeErr != nil {
		return OutcomeUnreadable, closeErr
	}
	if n > s.maxUnitSize {
		return OutcomeUnreadable, fmt.Errorf("%w: more than %d bytes", errUnitTooLarge, s.maxUnitSize)
	}
	ok, err := s.decoder.Decode(emit)
	return classify(ok, err), err
}

func classify(isUnit bool, err error) Outcome {
	switch {
	case !isUnit:
		return OutcomeNotUnit
	case err == nil:
		return OutcomeDecoded
	case errors.Is(err, cursor.ErrEndOfData):
		return OutcomeTruncated
	default:
		return OutcomeMalformed
	}
}

func (s *Scanner) record(res *resource.Resource, outcome Outcome, cause error) {
	s.stats.add(outcome)
	s.observer.ResourceScanned(res, outcome)
	switch outcome {
	case OutcomeDecoded, OutcomeNotUnit:
		return
	case OutcomeUnreadable:
		s.logger.Warn("skipping unreadable resource",
			"resource", res.Path(),
			"error", cause,
		)
	default:
		s.logger.Warn("skipping malformed unit",
			"resource", res.Path(),
			"outcome", outcome.String(),
			"error", cause,
		)
	}
}
