// Package logging wires the two independent log sinks the service writes
// to: a colorized operator console stream, and a plain per-issue audit log
// under logs/{identifier}.log.
package logging

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/lmittmann/tint"
	colorable "github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
)

// NewConsole builds the operator-facing slog.Logger: tint-colorized when
// stderr is a terminal, level-gated by levelName (debug/info/warn/error,
// defaulting to info on an unrecognized value).
func NewConsole(levelName string) *slog.Logger {
	lv := &slog.LevelVar{}
	switch strings.ToLower(levelName) {
	case "debug":
		lv.Set(slog.LevelDebug)
	case "warn":
		lv.Set(slog.LevelWarn)
	case "error":
		lv.Set(slog.LevelError)
	default:
		lv.Set(slog.LevelInfo)
	}

	return slog.New(tint.NewHandler(colorable.NewColorable(os.Stderr), &tint.Options{
		Level:      lv,
		TimeFormat: "15:04:05.000",
		NoColor:    !isatty.IsTerminal(os.Stderr.Fd()),
	}))
}

// IssueLogger appends lines to logs/{identifier}.log in the fixed
// "[ISO-8601] [LEVEL] message {context}" format. Files are opened lazily on
// first write per identifier and kept open for the task's duration.
type IssueLogger struct {
	dir string

	mu    sync.Mutex
	files map[string]*os.File
}

// NewIssueLogger builds an IssueLogger writing under dir.
func NewIssueLogger(dir string) *IssueLogger {
	return &IssueLogger{dir: dir, files: make(map[string]*os.File)}
}

// ForIssue returns an *slog.Logger scoped to one issue's log file.
func (l *IssueLogger) ForIssue(identifier string) *slog.Logger {
	return slog.New(&issueHandler{owner: l, identifier: identifier})
}

// Close releases every open file handle. Call once on shutdown.
func (l *IssueLogger) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, f := range l.files {
		_ = f.Close()
	}
	l.files = make(map[string]*os.File)
}

func (l *IssueLogger) fileFor(identifier string) (*os.File, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if f, ok := l.files[identifier]; ok {
		return f, nil
	}
	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating log directory: %w", err)
	}
	safeName := strings.ReplaceAll(identifier, "/", "_")
	path := filepath.Join(l.dir, safeName+".log")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening issue log %s: %w", path, err)
	}
	l.files[identifier] = f
	return f, nil
}

// issueHandler is a minimal slog.Handler producing the fixed per-issue line
// format. It does not implement grouping or WithAttrs beyond flat key=value
// accumulation, which is all the agent runner needs.
type issueHandler struct {
	owner      *IssueLogger
	identifier string
	attrs      []slog.Attr
}

func (h *issueHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h *issueHandler) Handle(_ context.Context, r slog.Record) error {
	f, err := h.owner.fileFor(h.identifier)
	if err != nil {
		return err
	}

	attrs := make(map[string]any)
	for _, a := range h.attrs {
		attrs[a.Key] = a.Value.Any()
	}
	r.Attrs(func(a slog.Attr) bool {
		attrs[a.Key] = a.Value.Any()
		return true
	})

	line := fmt.Sprintf("[%s] [%s] %s", r.Time.Format(time.RFC3339), r.Level.String(), r.Message)
	if len(attrs) > 0 {
		line += " " + formatContext(attrs)
	}

	h.owner.mu.Lock()
	defer h.owner.mu.Unlock()
	_, err = fmt.Fprintln(f, line)
	return err
}

func (h *issueHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := &issueHandler{owner: h.owner, identifier: h.identifier}
	next.attrs = append(next.attrs, h.attrs...)
	next.attrs = append(next.attrs, attrs...)
	return next
}

func (h *issueHandler) WithGroup(_ string) slog.Handler { return h }

func formatContext(attrs map[string]any) string {
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	// Keys are always sorted (a small insertion sort, no sort import) so the
	// output is deterministic.
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0 && keys[j-1] > keys[j]; j-- {
			keys[j-1], keys[j] = keys[j], keys[j-1]
		}
	}
	var b strings.Builder
	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "%q: %q", k, fmt.Sprint(attrs[k]))
	}
	b.WriteByte('}')
	return b.String()
}
