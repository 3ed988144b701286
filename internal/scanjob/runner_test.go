package scanjob

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Adithya-Monish-Kumar-K/Marker-Scan-Platform/internal/scanner"
	"github.com/Adithya-Monish-Kumar-K/Marker-Scan-Platform/internal/scanner/synth"
	"github.com/Adithya-Monish-Kumar-K/Marker-Scan-Platform/internal/scanner/unit"
	"github.com/Adithya-Monish-Kumar-K/Marker-Scan-Platform/internal/store"
	"github.com/Adithya-Monish-Kumar-K/Marker-Scan-Platform/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/Marker-Scan-Platform/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/Marker-Scan-Platform/pkg/metrics"
)

type fakeStore struct {
	runs    []store.Run
	matches [][]unit.Match
	err     error

	saveCtxErr  error
	hasDeadline bool
}

func (f *fakeStore) SaveRun(ctx context.Context, run store.Run, matches []unit.Match) error {
	f.saveCtxErr = ctx.Err()
	_, f.hasDeadline = ctx.Deadline()
	if f.err != nil {
		return f.err
	}
	f.runs = append(f.runs, run)
	f.matches = append(f.matches, matches)
	return nil
}

type fakePublisher struct {
	scanID  string
	tracked []unit.Match
	err     error
}

func (f *fakePublisher) Reporter(scanID string) scanner.Reporter {
	f.scanID = scanID
	return scanner.ReporterFunc(func(m unit.Match) { f.tracked = append(f.tracked, m) })
}

func (f *fakePublisher) Flush(context.Context) error { return f.err }

func fixtureRoot(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, synth.WriteTree(root, []synth.Entry{
		synth.UnitEntry(synth.NewUnit("app.A").Mark(synth.M("app.M"))),
		synth.UnitEntry(synth.NewUnit("app.B").Method("run", "()V", synth.M("app.M"))),
		synth.UnitEntry(synth.NewUnit("app.internal.C").Mark(synth.M("app.M"))),
	}))
	return root
}

func TestNormalize(t *testing.T) {
	req, err := Request{
		Roots:   []string{" b ", "", "a"},
		Markers: []string{"x.M", " x.A ", "x.M"},
		Kinds:   []string{"METHOD", "type", "method"},
	}.Normalize()
	require.NoError(t, err)

	absB, _ := filepath.Abs("b")
	absA, _ := filepath.Abs("a")
	assert.Equal(t, []string{absB, absA}, req.Roots, "root order is kept")
	assert.Equal(t, []string{"x.A", "x.M"}, req.Markers)
	assert.Equal(t, []string{"method", "type"}, req.Kinds)
}

func TestPrepareDefaults(t *testing.T) {
	root := fixtureRoot(t)
	r := NewRunner(config.ScanConfig{Roots: []string{root}, Markers: []string{"app.M"}, Kinds: []string{"type"}}, nil, nil, nil)

	req, err := r.Prepare(Request{})
	require.NoError(t, err)
	assert.Equal(t, []string{root}, req.Roots)
	assert.Equal(t, []string{"app.M"}, req.Markers)
	assert.Equal(t, []string{"type"}, req.Kinds)
}

func TestPrepareRejects(t *testing.T) {
	root := fixtureRoot(t)
	other := t.TempDir()
	r := NewRunner(config.ScanConfig{AllowedRoots: []string{root}}, nil, nil, nil)

	tests := []struct {
		name   string
		req    Request
		want   error
		status int
	}{
		{"no roots", Request{Markers: []string{"app.M"}}, apperrors.ErrInvalidInput, 400},
		{"no markers", Request{Roots: []string{root}}, apperrors.ErrInvalidInput, 400},
		{"bad kind", Request{Roots: []string{root}, Markers: []string{"app.M"}, Kinds: []string{"package"}}, apperrors.ErrInvalidInput, 400},
		{"outside allowed", Request{Roots: []string{other}, Markers: []string{"app.M"}}, apperrors.ErrRootNotAllowed, 403},
		{"sibling prefix", Request{Roots: []string{root + "-x"}, Markers: []string{"app.M"}}, apperrors.ErrRootNotAllowed, 403},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.Prepare(tt.req)
			assert.ErrorIs(t, err, tt.want)
			assert.Equal(t, tt.status, apperrors.HTTPStatusCode(err))
		})
	}

	_, err := r.Prepare(Request{Roots: []string{filepath.Join(root, "app")}, Markers: []string{"app.M"}})
	assert.NoError(t, err, "subdirectories of an allowed root are allowed")
}

func TestRunCollectsPublishesAndPersists(t *testing.T) {
	root := fixtureRoot(t)
	runs := &fakeStore{}
	pub := &fakePublisher{}
	m := metrics.NewWithRegisterer(prometheus.NewRegistry())
	r := NewRunner(config.ScanConfig{Exclude: []string{"internal/"}}, runs, pub, m)

	res, err := r.Run(context.Background(), Request{
		Roots:   []string{root},
		Markers: []string{"app.M"},
		Kinds:   []string{"type", "method"},
	})
	require.NoError(t, err)

	require.Len(t, res.Matches, 2)
	assert.Equal(t, "app.A", res.Matches[0].TypeName)
	assert.Equal(t, unit.KindType, res.Matches[0].Kind)
	assert.Equal(t, "app.B", res.Matches[1].TypeName)
	assert.Equal(t, unit.KindMethod, res.Matches[1].Kind)
	assert.Equal(t, 2, res.Stats.Units)
	assert.Empty(t, res.Warnings)
	assert.NotEmpty(t, res.ScanID)

	assert.Equal(t, res.ScanID, pub.scanID)
	assert.Equal(t, res.Matches, pub.tracked)

	require.Len(t, runs.runs, 1)
	assert.Equal(t, res.ScanID, runs.runs[0].ID)
	assert.Equal(t, res.Matches, runs.matches[0])
	assert.Contains(t, string(runs.runs[0].Request), `"markers":["app.M"]`)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.ScanRunsTotal.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ScanMatchesTotal.WithLabelValues("method")))
}

func TestRunKeepsRequestedID(t *testing.T) {
	root := fixtureRoot(t)
	r := NewRunner(config.ScanConfig{}, nil, nil, nil)
	res, err := r.Run(context.Background(), Request{ID: "job-7", Roots: []string{root}, Markers: []string{"app.M"}})
	require.NoError(t, err)
	assert.Equal(t, "job-7", res.ScanID)
	assert.Len(t, res.Matches, 2, "type-level default finds A and C")
}

func TestRunSideChannelFailuresAreWarnings(t *testing.T) {
	root := fixtureRoot(t)
	runs := &fakeStore{err: errors.New("db down")}
	pub := &fakePublisher{err: errors.New("broker down")}
	r := NewRunner(config.ScanConfig{}, runs, pub, nil)

	res, err := r.Run(context.Background(), Request{Roots: []string{root}, Markers: []string{"app.M"}})
	require.NoError(t, err)
	assert.Len(t, res.Matches, 2)
	assert.Len(t, res.Warnings, 2)
}

func TestRunMissingRoot(t *testing.T) {
	r := NewRunner(config.ScanConfig{}, nil, nil, nil)
	_, err := r.Run(context.Background(), Request{
		Roots:   []string{filepath.Join(t.TempDir(), "missing")},
		Markers: []string{"app.M"},
	})
	assert.ErrorIs(t, err, apperrors.ErrInvalidInput)
	assert.Contains(t, err.Error(), "missing")
}

func TestRunCancelled(t *testing.T) {
	root := fixtureRoot(t)
	runs := &fakeStore{}
	r := NewRunner(config.ScanConfig{}, runs, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := r.Run(ctx, Request{Roots: []string{root}, Markers: []string{"app.M"}})
	assert.ErrorIs(t, err, context.Canceled)

	require.Len(t, runs.runs, 1, "a cancelled scan is still recorded")
	assert.Contains(t, runs.runs[0].Error, "context canceled")
	assert.Nil(t, runs.matches[0])
	assert.NoError(t, runs.saveCtxErr)
	assert.True(t, runs.hasDeadline)
}
