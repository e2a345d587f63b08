package app

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func TestSyncHandler_Handle(t *testing.T) {
	ts := time.Date(2026, 6, 15, 14, 30, 45, 0, time.UTC)

	tests := []struct {
		name    string
		runID   string
		level   slog.Level
		message string
		attrs   []slog.Attr
		want    string
	}{
		{
			name:    "basic info message",
			runID:   "run-123",
			level:   slog.LevelInfo,
			message: "file downloaded",
			want:    "2026-06-15T14:30:45Z\tINFO\trun-123\tfile downloaded\n",
		},
		{
			name:    "debug level",
			runID:   "run-456",
			level:   slog.LevelDebug,
			message: "checking journal",
			want:    "2026-06-15T14:30:45Z\tDEBUG\trun-456\tchecking journal\n",
		},
		{
			name:    "with record attrs",
			runID:   "run-789",
			level:   slog.LevelInfo,
			message: "uploaded",
			attrs:   []slog.Attr{slog.String("path", "docs/file.txt"), slog.Int("size", 42)},
			want:    "2026-06-15T14:30:45Z\tINFO\trun-789\tuploaded\tpath=docs/file.txt\tsize=42\n",
		},
		{
			name:    "values with whitespace are quoted",
			runID:   "run-789",
			level:   slog.LevelWarn,
			message: "conflict",
			attrs:   []slog.Attr{slog.String("path", "docs/team notes.txt")},
			want:    "2026-06-15T14:30:45Z\tWARN\trun-789\tconflict\tpath=\"docs/team notes.txt\"\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			h := &syncHandler{w: &buf, runID: tt.runID}

			r := slog.NewRecord(ts, tt.level, tt.message, 0)
			for _, a := range tt.attrs {
				r.AddAttrs(a)
			}

			if err := h.Handle(context.Background(), r); err != nil {
				t.Fatalf("Handle() error = %v", err)
			}

			if got := buf.String(); got != tt.want {
				t.Errorf("Handle() output =\n%q\nwant:\n%q", got, tt.want)
			}
		})
	}
}

func TestSyncHandler_WithAttrs(t *testing.T) {
	var buf bytes.Buffer
	h := &syncHandler{w: &buf, runID: "run-1"}

	// Add pre-set attrs
	h2 := h.WithAttrs([]slog.Attr{slog.String("component", "transport")}).(*syncHandler)

	ts := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	r := slog.NewRecord(ts, slog.LevelInfo, "upload", 0)
	r.AddAttrs(slog.String("key", "abc"))

	if err := h2.Handle(context.Background(), r); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	got := buf.String()
	if !strings.Contains(got, "component=transport") {
		t.Errorf("expected pre-set attr component=transport, got: %q", got)
	}
	if !strings.Contains(got, "key=abc") {
		t.Errorf("expected record attr key=abc, got: %q", got)
	}
}

func TestSyncHandler_WithAttrs_doesNotMutateOriginal(t *testing.T) {
	var buf bytes.Buffer
	h := &syncHandler{w: &buf, runID: "run-1", attrs: []slog.Attr{slog.String("a", "1")}}

	h2 := h.WithAttrs([]slog.Attr{slog.String("b", "2")}).(*syncHandler)

	if len(h.attrs) != 1 {
		t.Errorf("original handler attrs modified: got %d, want 1", len(h.attrs))
	}
	if len(h2.attrs) != 2 {
		t.Errorf("new handler attrs: got %d, want 2", len(h2.attrs))
	}
}

func TestSyncHandler_WithGroup(t *testing.T) {
	var buf bytes.Buffer
	h := &syncHandler{w: &buf, runID: "run-1"}

	g := h.WithGroup("transfer").(*syncHandler)
	g2 := g.WithAttrs([]slog.Attr{slog.String("id", "t-9")}).(*syncHandler)

	ts := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	r := slog.NewRecord(ts, slog.LevelInfo, "chunk sent", 0)
	r.AddAttrs(slog.Int("chunk", 3))

	if err := g2.Handle(context.Background(), r); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	got := buf.String()
	if !strings.Contains(got, "transfer.id=t-9") {
		t.Errorf("expected prefixed pre-set attr, got: %q", got)
	}
	if !strings.Contains(got, "transfer.chunk=3") {
		t.Errorf("expected prefixed record attr, got: %q", got)
	}
}

func TestSyncHandler_Enabled(t *testing.T) {
	h := &syncHandler{level: slog.LevelInfo}
	if h.Enabled(context.Background(), slog.LevelDebug) {
		t.Error("Enabled(DEBUG) = true at the info threshold")
	}
	for _, level := range []slog.Level{slog.LevelInfo, slog.LevelWarn, slog.LevelError} {
		if !h.Enabled(context.Background(), level) {
			t.Errorf("Enabled(%v) = false, want true", level)
		}
	}

	hd := &syncHandler{level: slog.LevelDebug}
	if !hd.Enabled(context.Background(), slog.LevelDebug) {
		t.Error("Enabled(DEBUG) = false at the debug threshold")
	}
}

func TestNewLogger(t *testing.T) {
	dir := t.TempDir()

	logger, f, err := newLogger(dir, "test-run")
	if err != nil {
		t.Fatalf("newLogger() error = %v", err)
	}
	defer f.Close()

	if logger == nil {
		t.Fatal("newLogger() returned nil logger")
	}
	if f == nil {
		t.Fatal("newLogger() returned nil file")
	}
	if logger.Enabled(context.Background(), slog.LevelDebug) {
		t.Error("debug enabled without DAVSYNC_DEBUG")
	}
}

func TestNewLogger_DebugEnv(t *testing.T) {
	t.Setenv("DAVSYNC_DEBUG", "1")

	logger, f, err := newLogger(t.TempDir(), "test-run")
	if err != nil {
		t.Fatalf("newLogger() error = %v", err)
	}
	defer f.Close()

	if !logger.Enabled(context.Background(), slog.LevelDebug) {
		t.Error("debug not enabled with DAVSYNC_DEBUG set")
	}
}
