package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// syncHandler is a custom slog.Handler that formats log records as:
//
//	<timestamp>\t<level>\t<runID>\t<message>\t<key=value ...>
//
// Values containing whitespace are quoted so the line stays splittable on
// tabs; group names become key prefixes.
type syncHandler struct {
	w      io.Writer
	runID  string
	level  slog.Level
	prefix string
	attrs  []slog.Attr
}

func (h *syncHandler) Enabled(_ context.Context, l slog.Level) bool { return l >= h.level }

func (h *syncHandler) Handle(_ context.Context, r slog.Record) error {
	ts := r.Time.UTC().Format("2006-01-02T15:04:05Z")
	level := r.Level.String()

	_, err := fmt.Fprintf(h.w, "%s\t%s\t%s\t%s", ts, level, h.runID, r.Message)
	if err != nil {
		return err
	}

	// Write pre-set attrs, already carrying their prefix.
	for _, a := range h.attrs {
		fmt.Fprintf(h.w, "\t%s", formatAttr(a.Key, a.Value))
	}

	// Write per-record attrs.
	r.Attrs(func(a slog.Attr) bool {
		fmt.Fprintf(h.w, "\t%s", formatAttr(h.prefix+a.Key, a.Value))
		return true
	})

	_, err = fmt.Fprintln(h.w)
	return err
}

func formatAttr(key string, v slog.Value) string {
	s := v.String()
	if strings.ContainsAny(s, " \t") {
		s = strconv.Quote(s)
	}
	return key + "=" + s
}

func (h *syncHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := append([]slog.Attr{}, h.attrs...)
	for _, a := range attrs {
		merged = append(merged, slog.Attr{Key: h.prefix + a.Key, Value: a.Value})
	}
	return &syncHandler{w: h.w, runID: h.runID, level: h.level, prefix: h.prefix, attrs: merged}
}

func (h *syncHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return &syncHandler{w: h.w, runID: h.runID, level: h.level, prefix: h.prefix + name + ".", attrs: h.attrs}
}

// newLogger creates a structured logger that writes to both logDir/davsync.log
// and stderr. Debug records are suppressed unless DAVSYNC_DEBUG is set. It
// returns the slog.Logger, the open log file (for cleanup), and any error.
func newLogger(logDir string, runID string) (*slog.Logger, *os.File, error) {
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, nil, fmt.Errorf("creating log directory: %w", err)
	}

	logPath := filepath.Join(logDir, "davsync.log")
	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, nil, fmt.Errorf("opening log file: %w", err)
	}

	level := slog.LevelInfo
	if os.Getenv("DAVSYNC_DEBUG") != "" {
		level = slog.LevelDebug
	}

	w := io.MultiWriter(f, os.Stderr)
	handler := &syncHandler{w: w, runID: runID, level: level}
	return slog.New(handler), f, nil
}
