// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Level Tests
// =============================================================================

func TestLevel_String(t *testing.T) {
	tests := []struct {
		level Level
		want  string
	}{
		{LevelDebug, "DEBUG"},
		{LevelInfo, "INFO"},
		{LevelWarn, "WARN"},
		{LevelError, "ERROR"},
		{Level(42), "UNKNOWN"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.level.String())
		})
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in     string
		want   Level
		wantOK bool
	}{
		{"debug", LevelDebug, true},
		{"info", LevelInfo, true},
		{"", LevelInfo, true},
		{"warn", LevelWarn, true},
		{"error", LevelError, true},
		{"verbose", LevelInfo, false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, ok := ParseLevel(tt.in)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.wantOK, ok)
		})
	}
}

func TestLevel_toSlogLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, LevelDebug.toSlogLevel())
	assert.Equal(t, slog.LevelInfo, LevelInfo.toSlogLevel())
	assert.Equal(t, slog.LevelWarn, LevelWarn.toSlogLevel())
	assert.Equal(t, slog.LevelError, LevelError.toSlogLevel())
	assert.Equal(t, slog.LevelInfo, Level(9).toSlogLevel())
}

// =============================================================================
// Logger Tests
// =============================================================================

func TestLogger_WritesJSONWithService(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Service: "trustd", JSON: true, Writer: &buf})

	logger.Info("gate.decision", "tenant_id", "acme", "outcome", "RELEASED")

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "gate.decision", record["msg"])
	assert.Equal(t, "trustd", record["service"])
	assert.Equal(t, "acme", record["tenant_id"])
	assert.Equal(t, "RELEASED", record["outcome"])
}

func TestLogger_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: LevelWarn, Writer: &buf})

	logger.Debug("hidden-debug")
	logger.Info("hidden-info")
	logger.Warn("shown-warn")
	logger.Error("shown-error")

	out := buf.String()
	assert.NotContains(t, out, "hidden-debug")
	assert.NotContains(t, out, "hidden-info")
	assert.Contains(t, out, "shown-warn")
	assert.Contains(t, out, "shown-error")
}

func TestLogger_With(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Writer: &buf})

	child := logger.With("request_id", "req-1")
	child.Info("child")
	logger.Info("parent")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "request_id=req-1")
	assert.NotContains(t, lines[1], "request_id")
}

func TestLogger_Quiet(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Quiet: true, Writer: &buf})
	logger.Error("nothing")
	assert.Empty(t, buf.String())
	assert.NotNil(t, logger.Slog())
}

func TestLogger_DailyFile(t *testing.T) {
	dir := t.TempDir()
	logger := New(Config{Quiet: true, LogDir: dir, Service: "trustctl"})
	logger.Info("sealed", "date", "2025-01-31")
	require.NoError(t, logger.Close())

	name := "trustctl_" + time.Now().UTC().Format("2006-01-02") + ".log"
	content, err := os.ReadFile(filepath.Join(dir, name))
	require.NoError(t, err)
	assert.Contains(t, string(content), `"msg":"sealed"`)
	assert.Contains(t, string(content), `"date":"2025-01-31"`)
}

func TestLogger_ExporterReceivesEntries(t *testing.T) {
	exporter := NewBufferedExporter()
	logger := New(Config{Quiet: true, Service: "trustd", Exporter: exporter})

	logger.Error("recorder.escalation", "escalation", true)

	require.Eventually(t, func() bool { return exporter.Count() == 1 }, time.Second, 5*time.Millisecond)
	entry := exporter.Entries()[0]
	assert.Equal(t, LevelError, entry.Level)
	assert.Equal(t, "trustd", entry.Service)
	assert.Equal(t, true, entry.Attrs["escalation"])
	assert.Equal(t, []string{"recorder.escalation"}, exporter.Messages())
}

func TestLogger_ExporterRespectsLevel(t *testing.T) {
	exporter := NewBufferedExporter()
	logger := New(Config{Quiet: true, Level: LevelWarn, Exporter: exporter})

	logger.Info("skipped")
	logger.Warn("kept")

	require.Eventually(t, func() bool { return exporter.Count() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "kept", exporter.Entries()[0].Message)
}

type failingExporter struct {
	flushErr error
	closeErr error
}

func (f *failingExporter) Export(context.Context, LogEntry) error { return errors.New("drop") }
func (f *failingExporter) Flush(context.Context) error            { return f.flushErr }
func (f *failingExporter) Close() error                           { return f.closeErr }

func TestLogger_Close_ReturnsFirstError(t *testing.T) {
	logger := New(Config{Quiet: true, Exporter: &failingExporter{
		flushErr: errors.New("flush failed"),
		closeErr: errors.New("close failed"),
	}})
	err := logger.Close()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "flush failed")

	// Second close is a no-op.
	assert.NoError(t, logger.Close())
}

func TestLogger_ConcurrentUse(t *testing.T) {
	var mu sync.Mutex
	var buf bytes.Buffer
	logger := New(Config{Writer: &lockedWriter{mu: &mu, buf: &buf}})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			logger.With("worker", n).Info("tick")
		}(i)
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 20, strings.Count(buf.String(), "msg=tick"))
}

type lockedWriter struct {
	mu  *sync.Mutex
	buf *bytes.Buffer
}

func (w *lockedWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.Write(p)
}

// =============================================================================
// Helper Tests
// =============================================================================

func TestArgsToMap(t *testing.T) {
	got := argsToMap([]any{"a", 1, 2, "ignored", "b", "x", "dangling"})
	assert.Equal(t, map[string]any{"a": 1, "b": "x"}, got)
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "logs"), expandPath("~/logs"))
	assert.Equal(t, "/var/log", expandPath("/var/log"))
	assert.Equal(t, "", expandPath(""))
}

func TestMultiHandler_FansOut(t *testing.T) {
	var a, b bytes.Buffer
	h := &multiHandler{handlers: []slog.Handler{
		slog.NewTextHandler(&a, &slog.HandlerOptions{Level: slog.LevelInfo}),
		slog.NewTextHandler(&b, &slog.HandlerOptions{Level: slog.LevelError}),
	}}
	logger := slog.New(h.WithAttrs([]slog.Attr{slog.String("k", "v")}))

	logger.Info("info-only")
	logger.Error("both")

	assert.Contains(t, a.String(), "info-only")
	assert.Contains(t, a.String(), "k=v")
	assert.NotContains(t, b.String(), "info-only")
	assert.Contains(t, b.String(), "both")
	assert.True(t, h.Enabled(context.Background(), slog.LevelInfo))
	assert.False(t, h.Enabled(context.Background(), slog.LevelDebug))
}
