package scanner

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"testing/fstest"

	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Adithya-Monish-Kumar-K/Marker-Scan-Platform/internal/scanner/resource"
	"github.com/Adithya-Monish-Kumar-K/Marker-Scan-Platform/internal/scanner/synth"
	"github.com/Adithya-Monish-Kumar-K/Marker-Scan-Platform/internal/scanner/unit"
)

const (
	m1 = "com.example.M1"
	m2 = "com.example.M2"
)

func typeName(m unit.Match) string { return m.TypeName }

func writeTree(t *testing.T, units ...*synth.Unit) string {
	t.Helper()
	root := t.TempDir()
	entries := make([]synth.Entry, 0, len(units))
	for _, u := range units {
		entries = append(entries, synth.UnitEntry(u))
	}
	require.NoError(t, synth.WriteTree(root, entries))
	return root
}

func hundredUnitArchive(t *testing.T) string {
	t.Helper()
	entries := make([]synth.Entry, 0, 100)
	for i := 0; i < 100; i++ {
		u := synth.NewUnit(fmt.Sprintf("app.gen.Unit%03d", i)).Field("id", "J").Method("run", "()V")
		if i%33 == 7 {
			u.Method("handle", "(Ljava/lang/String;)V", synth.M("app.M"))
		}
		entries = append(entries, synth.UnitEntry(u))
	}
	jar := filepath.Join(t.TempDir(), "app.jar")
	require.NoError(t, synth.WriteArchiveFile(jar, entries))
	return jar
}

func TestNewValidation(t *testing.T) {
	root := t.TempDir()
	tests := []struct {
		name string
		opts Options
		want error
	}{
		{"no markers", Options{Roots: []string{root}}, ErrNoMarkers},
		{"no roots", Options{Markers: []string{m1}}, ErrNoRoots},
		{"missing root", Options{Markers: []string{m1}, Roots: []string{filepath.Join(root, "missing")}}, ErrRootNotFound},
		{"bad kind", Options{Markers: []string{m1}, Roots: []string{root}, Kinds: []unit.ElementKind{9}}, ErrInvalidKind},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := New(tt.opts)
			assert.Nil(t, s)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	_, err := New(Options{Markers: []string{"  "}, Roots: []string{root}})
	assert.Error(t, err)

	s, err := New(Options{Markers: []string{m2, m1}, Roots: []string{root}})
	require.NoError(t, err)
	assert.Equal(t, []unit.ElementKind{unit.KindType}, s.Kinds(), "type-level is the default kind")
	assert.Equal(t, []string{m1, m2}, s.Markers())
}

func TestCollectTypeNamesFromDirectory(t *testing.T) {
	root := writeTree(t,
		synth.NewUnit("com.example.Both").Mark(synth.M(m1), synth.M(m2)),
		synth.NewUnit("com.example.OnlySecond").Mark(synth.M(m2)),
		synth.NewUnit("com.example.Plain"),
	)
	s, err := New(Options{Roots: []string{root}, Markers: []string{m1}})
	require.NoError(t, err)

	names, err := Collect(context.Background(), s, typeName)
	require.NoError(t, err)
	assert.Equal(t, []string{"com.example.Both"}, names)

	stats := s.Stats()
	assert.Equal(t, 3, stats.Resources)
	assert.Equal(t, 3, stats.Units)
	assert.Equal(t, 1, stats.Matches)
	assert.Zero(t, stats.Failures())
}

func TestPushSinkOverArchive(t *testing.T) {
	jar := hundredUnitArchive(t)
	s, err := New(Options{Roots: []string{jar}, Markers: []string{"app.M"}, Kinds: []unit.ElementKind{unit.KindMethod}})
	require.NoError(t, err)

	var calls []unit.Match
	err = s.Report(context.Background(), ReporterFunc(func(m unit.Match) { calls = append(calls, m) }))
	require.NoError(t, err)
	require.Len(t, calls, 3)
	for _, m := range calls {
		assert.Equal(t, unit.KindMethod, m.Kind)
		assert.Equal(t, "handle", m.MemberName)
		assert.Equal(t, "(Ljava/lang/String;)V", m.Descriptor)
		assert.Equal(t, "app.M", m.Marker)
	}
	assert.Equal(t, []string{"app.gen.Unit007", "app.gen.Unit040", "app.gen.Unit073"},
		[]string{calls[0].TypeName, calls[1].TypeName, calls[2].TypeName})
	assert.Equal(t, 100, s.Stats().Units)
}

func TestFilterRejectsMatchingUnits(t *testing.T) {
	root := writeTree(t,
		synth.NewUnit("gen.FooProxy").Mark(synth.M(m1)),
		synth.NewUnit("gen.Bar").Mark(synth.M(m1)),
	)
	s, err := New(Options{Roots: []string{root}, Markers: []string{m1}, Filter: resource.ExcludeSubstrings("Proxy")})
	require.NoError(t, err)

	got, err := Collect(context.Background(), s, typeName)
	require.NoError(t, err)
	assert.Equal(t, []string{"gen.Bar"}, got)
	assert.Equal(t, 1, s.Stats().Resources, "filtered entries are never read")

	s, err = New(Options{Roots: []string{root}, Markers: []string{m1}, Filter: resource.ExcludeSubstrings("gen/")})
	require.NoError(t, err)
	got, err = Collect(context.Background(), s, typeName)
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.NotNil(t, got)
}

func TestZeroMarkersAttached(t *testing.T) {
	root := writeTree(t, synth.NewUnit("a.A").Field("x", "I"), synth.NewUnit("a.B").Method("m", "()V"))
	s, err := New(Options{Roots: []string{root}, Markers: []string{m1}, Kinds: []unit.ElementKind{unit.KindType, unit.KindField, unit.KindMethod}})
	require.NoError(t, err)
	got, err := Collect(context.Background(), s, typeName)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestScanIsIdempotent(t *testing.T) {
	root := writeTree(t,
		synth.NewUnit("x.A").Mark(synth.M(m1)).Method("m", "()V", synth.M(m1)),
		synth.NewUnit("x.B").Field("f", "I", synth.M(m1)),
	)
	s, err := New(Options{Roots: []string{root}, Markers: []string{m1}, Kinds: []unit.ElementKind{unit.KindType, unit.KindField, unit.KindMethod}})
	require.NoError(t, err)

	identity := func(m unit.Match) unit.Match { return m }
	first, err := Collect(context.Background(), s, identity)
	require.NoError(t, err)
	second, err := Collect(context.Background(), s, identity)
	require.NoError(t, err)
	assert.Len(t, first, 3)
	assert.Equal(t, first, second)
}

func TestMalformedUnitsDoNotStopTheScan(t *testing.T) {
	root := writeTree(t,
		synth.NewUnit("a.First").Mark(synth.M(m1)),
		synth.NewUnit("a.Last").Mark(synth.M(m1)),
	)
	good := synth.NewUnit("a.Broken").Mark(synth.M(m1)).Bytes()
	require.NoError(t, os.WriteFile(filepath.Join(root, "a", "Broken.class"), good[:len(good)-3], 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "a", "Fake.class"), []byte("not a unit"), 0o644))
	bad := synth.NewUnit("a.BadTag").Mark(synth.M(m2, synth.P("v", synth.Raw('!', 0, 0)))).Bytes()
	require.NoError(t, os.WriteFile(filepath.Join(root, "a", "BadTag.class"), bad, 0o644))

	s, err := New(Options{Roots: []string{root}, Markers: []string{m1}})
	require.NoError(t, err)
	got, err := Collect(context.Background(), s, typeName)
	require.NoError(t, err)
	assert.Equal(t, []string{"a.First", "a.Last"}, got)

	stats := s.Stats()
	assert.Equal(t, 5, stats.Resources)
	assert.Equal(t, 2, stats.Units)
	assert.Equal(t, 1, stats.NotUnits)
	assert.Equal(t, 1, stats.Truncated)
	assert.Equal(t, 1, stats.Malformed)
}

func TestParallelMatchesSequential(t *testing.T) {
	jar := hundredUnitArchive(t)
	var units []*synth.Unit
	for i := 0; i < 40; i++ {
		u := synth.NewUnit(fmt.Sprintf("tree.p%d.T%02d", i%4, i))
		if i%3 == 0 {
			u.Mark(synth.M("app.M"))
		}
		u.Method("handle", "()V", synth.M("app.M"))
		units = append(units, u)
	}
	root := writeTree(t, units...)
	require.NoError(t, os.WriteFile(filepath.Join(root, "Junk.class"), []byte{0xCA, 0xFE, 0xBA, 0xBE, 0, 0}, 0o644))

	run := func(workers int) ([]string, Stats) {
		s, err := New(Options{
			Roots:   []string{root, jar},
			Markers: []string{"app.M"},
			Kinds:   []unit.ElementKind{unit.KindType, unit.KindMethod},
			Workers: workers,
		})
		require.NoError(t, err)
		got, err := Collect(context.Background(), s, func(m unit.Match) string { return m.String() })
		require.NoError(t, err)
		return got, s.Stats()
	}

	want, wantStats := run(1)
	assert.Len(t, want, 40+14+3)
	for _, workers := range []int{2, 4, 16} {
		got, stats := run(workers)
		assert.Equal(t, want, got, "workers=%d", workers)
		wantStats.Duration, stats.Duration = 0, 0
		assert.Equal(t, wantStats, stats, "workers=%d", workers)
	}
}

func TestContextCancellation(t *testing.T) {
	jar := hundredUnitArchive(t)
	for _, workers := range []int{1, 4} {
		s, err := New(Options{Roots: []string{jar}, Markers: []string{"app.M"}, Workers: workers})
		require.NoError(t, err)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		got, err := Collect(ctx, s, typeName)
		assert.ErrorIs(t, err, context.Canceled)
		assert.Nil(t, got)
	}
}

func TestCollectReturnsNothingOnFatalError(t *testing.T) {
	dir := t.TempDir()
	root := writeTree(t, synth.NewUnit("a.Found").Mark(synth.M(m1)))
	broken := filepath.Join(dir, "broken.jar")
	require.NoError(t, os.WriteFile(broken, []byte("not a zip"), 0o644))

	s, err := New(Options{Roots: []string{root, broken}, Markers: []string{m1}})
	require.NoError(t, err)

	var pushed []string
	err = s.Report(context.Background(), ReporterFunc(func(m unit.Match) { pushed = append(pushed, m.TypeName) }))
	require.Error(t, err)
	assert.Equal(t, []string{"a.Found"}, pushed, "matches pushed before the failure stand")

	got, err := Collect(context.Background(), s, typeName)
	require.Error(t, err)
	assert.Nil(t, got)
}

func TestReentrantReportRejected(t *testing.T) {
	root := writeTree(t, synth.NewUnit("a.A").Mark(synth.M(m1)))
	s, err := New(Options{Roots: []string{root}, Markers: []string{m1}})
	require.NoError(t, err)

	var inner error
	err = s.Report(context.Background(), ReporterFunc(func(unit.Match) {
		inner = s.Report(context.Background(), ReporterFunc(func(unit.Match) {}))
	}))
	require.NoError(t, err)
	assert.ErrorIs(t, inner, ErrScanInProgress)
}

func TestMaxUnitSize(t *testing.T) {
	root := writeTree(t, synth.NewUnit("a.Big").Mark(synth.M(m1)).Attribute("Padding", make([]byte, 4096)))
	for _, workers := range []int{1, 2} {
		s, err := New(Options{Roots: []string{root}, Markers: []string{m1}, MaxUnitSize: 1024, Workers: workers})
		require.NoError(t, err)
		got, err := Collect(context.Background(), s, typeName)
		require.NoError(t, err)
		assert.Empty(t, got)
		assert.Equal(t, 1, s.Stats().Unreadable)
	}
}

// damagedArchive writes a jar of a.A, a.B and a.C whose a/B.class entry has
// an invalid deflate block header.
func damagedArchive(t *testing.T) string {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, synth.WriteArchive(&buf, []synth.Entry{
		synth.UnitEntry(synth.NewUnit("a.A").Mark(synth.M(m1))),
		synth.UnitEntry(synth.NewUnit("a.B").Mark(synth.M(m1))),
		synth.UnitEntry(synth.NewUnit("a.C").Mark(synth.M(m1))),
	}))
	data := buf.Bytes()
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	damaged := false
	for _, f := range zr.File {
		if f.Name != "a/B.class" {
			continue
		}
		require.Equal(t, zip.Deflate, f.Method)
		offset, err := f.DataOffset()
		require.NoError(t, err)
		// BFINAL set with the reserved block type 3.
		data[offset] = 0x07
		damaged = true
	}
	require.True(t, damaged)

	jar := filepath.Join(t.TempDir(), "damaged.jar")
	require.NoError(t, os.WriteFile(jar, data, 0o644))
	return jar
}

func TestCorruptArchiveMemberSkipped(t *testing.T) {
	jar := damagedArchive(t)
	for _, workers := range []int{1, 3} {
		t.Run(fmt.Sprintf("workers=%d", workers), func(t *testing.T) {
			s, err := New(Options{Roots: []string{jar}, Markers: []string{m1}, Workers: workers})
			require.NoError(t, err)
			got, err := Collect(context.Background(), s, typeName)
			require.NoError(t, err)
			assert.Equal(t, []string{"a.A", "a.C"}, got)
			assert.Equal(t, 1, s.Stats().Unreadable)
			assert.Equal(t, 2, s.Stats().Units)
		})
	}
}

type recordingObserver struct {
	events []string
	final  Stats
}

func (r *recordingObserver) ResourceScanned(res *resource.Resource, o Outcome) {
	r.events = append(r.events, res.Name+":"+o.String())
}

func (r *recordingObserver) MatchReported(m unit.Match) {
	r.events = append(r.events, "match:"+m.TypeName)
}

func (r *recordingObserver) ScanFinished(stats Stats, _ error) {
	r.final = stats
}

func TestObserverAndSourceBackend(t *testing.T) {
	fsys := fstest.MapFS{
		"a/One.class": {Data: synth.NewUnit("a.One").Mark(synth.M(m1)).Bytes()},
		"a/Two.class": {Data: []byte("garbage")},
	}
	obs := &recordingObserver{}
	s, err := New(Options{
		Source:   resource.FSSource{FS: fsys, Label: "mem"},
		Markers:  []string{m1},
		Observer: obs,
	})
	require.NoError(t, err)
	got, err := Collect(context.Background(), s, typeName)
	require.NoError(t, err)
	assert.Equal(t, []string{"a.One"}, got)
	assert.Equal(t, []string{"match:a.One", "a/One.class:decoded", "a/Two.class:not_unit"}, obs.events)
	assert.Equal(t, 2, obs.final.Resources)
	assert.Equal(t, 1, obs.final.Matches)
}
