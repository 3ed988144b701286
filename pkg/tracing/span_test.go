package tracing

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSpanTree(t *testing.T) {
	ctx, root := StartSpan(context.Background(), "scan", "scan-1")
	_, walk := StartChildSpan(ctx, "walk")
	walk.SetAttr("units", 3)
	walk.End()
	_, persist := StartChildSpan(ctx, "persist")
	persist.End()
	root.End()

	children := root.Children()
	require.Len(t, children, 2)
	assert.Equal(t, "walk", children[0].Name)
	assert.Equal(t, "scan-1", children[0].TraceID)
	assert.Equal(t, "persist", children[1].Name)
	assert.Same(t, root, SpanFromContext(ctx))
}

func TestEndIsIdempotent(t *testing.T) {
	_, span := StartSpan(context.Background(), "scan", "id")
	span.End()
	first := span.Duration
	span.End()
	assert.Equal(t, first, span.Duration)
}

func TestChildWithoutParent(t *testing.T) {
	ctx, span := StartChildSpan(context.Background(), "orphan")
	assert.Empty(t, span.TraceID)
	assert.Same(t, span, SpanFromContext(ctx))
}

func TestLog(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	ctx, root := StartSpan(context.Background(), "scan", "scan-2")
	_, child := StartChildSpan(ctx, "walk")
	child.SetAttr("units", 7)
	child.End()
	root.End()
	root.Log(ctx, logger)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "span=scan")
	assert.Contains(t, lines[0], "depth=0")
	assert.Contains(t, lines[1], "span=walk")
	assert.Contains(t, lines[1], "units=7")
	assert.Contains(t, lines[1], "trace_id=scan-2")

	buf.Reset()
	quiet := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))
	root.Log(ctx, quiet)
	assert.Empty(t, buf.String())
}
