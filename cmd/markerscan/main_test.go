package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Adithya-Monish-Kumar-K/Marker-Scan-Platform/internal/scanner/synth"
)

func fixture(t *testing.T) (dir, jar string) {
	t.Helper()
	dir = t.TempDir()
	require.NoError(t, synth.WriteTree(dir, []synth.Entry{
		synth.UnitEntry(synth.NewUnit("app.A").Mark(synth.M("app.M"))),
		synth.UnitEntry(synth.NewUnit("app.B").Field("name", "Ljava/lang/String;", synth.M("app.M"))),
	}))
	jar = filepath.Join(t.TempDir(), "lib.jar")
	require.NoError(t, synth.WriteArchiveFile(jar, []synth.Entry{
		synth.UnitEntry(synth.NewUnit("lib.C").Method("go", "(I)V", synth.M("app.M"))),
	}))
	return dir, jar
}

func TestParseArgs(t *testing.T) {
	opts, err := parseArgs([]string{"-m", "a.M", "--marker", "b.N,c.O", "--on", "type,method", "-p", "app", "--workers", "4", "root1", "root2"}, io.Discard)
	require.NoError(t, err)
	assert.Equal(t, []string{"a.M", "b.N", "c.O"}, opts.markers)
	assert.Equal(t, []string{"type", "method"}, opts.kinds)
	assert.Equal(t, []string{"app"}, opts.packages)
	assert.Equal(t, 4, opts.workers)
	assert.True(t, opts.workersSet)
	assert.Equal(t, []string{"root1", "root2"}, opts.roots)

	_, err = parseArgs([]string{"--format", "xml"}, io.Discard)
	assert.Error(t, err)
	_, err = parseArgs([]string{"--no-such-flag"}, io.Discard)
	assert.Error(t, err)
}

func TestRunText(t *testing.T) {
	dir, jar := fixture(t)
	var stdout, stderr bytes.Buffer
	err := run(context.Background(), []string{"-m", "app.M", "--on", "type,field,method", dir, jar}, &stdout, &stderr)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(stdout.String()), "\n")
	assert.Equal(t, []string{
		"app.A @app.M",
		"app.B.name @app.M",
		"lib.C.go(I)V @app.M",
	}, lines)
	assert.Contains(t, stderr.String(), "3 matches")
}

func TestRunJSON(t *testing.T) {
	dir, jar := fixture(t)
	var stdout bytes.Buffer
	err := run(context.Background(), []string{"-m", "app.M", "--format", "json", "--workers", "2", dir, jar}, &stdout, io.Discard)
	require.NoError(t, err)

	var out struct {
		Matches []map[string]any `json:"matches"`
		Stats   map[string]any   `json:"stats"`
	}
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &out))
	require.Len(t, out.Matches, 1, "type-level markers only by default")
	assert.Equal(t, "app.A", out.Matches[0]["typeName"])
	assert.Equal(t, float64(3), out.Stats["units"])
}

func TestRunErrors(t *testing.T) {
	dir, _ := fixture(t)
	assert.Error(t, run(context.Background(), []string{dir}, io.Discard, io.Discard), "no markers")
	assert.Error(t, run(context.Background(), []string{"-m", "app.M", "--on", "package", dir}, io.Discard, io.Discard))
	assert.Error(t, run(context.Background(), []string{"-m", "app.M", filepath.Join(dir, "missing")}, io.Discard, io.Discard))
	assert.NoError(t, run(context.Background(), []string{"--help"}, io.Discard, io.Discard))
}
