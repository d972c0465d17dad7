// Package importlog writes the per-day, per-file operator logs of imports
// and reads them back.
package importlog

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// FileKey is the attribute naming the feed file an entry belongs to
const FileKey = "csv_file"

const (
	filePrefix = "import-details-"
	separator  = "--------------------------------------------------------------------------------"
)

// FileName returns the log file name for a day and feed file. An empty
// feed file yields the general log for that day.
func FileName(day time.Time, feedFile string) string {
	name := filePrefix + day.Format("2006-01-02")
	if base := strings.TrimSuffix(filepath.Base(feedFile), filepath.Ext(feedFile)); feedFile != "" && base != "" {
		name += "-" + base
	}
	return name + ".log"
}

// Handler is a slog.Handler appending entries to import-details files.
// Each entry is written as "[timestamp] [LEVEL] message | Data: {json}"
// followed by a separator line.
type Handler struct {
	dir   string
	level slog.Leveler
	now   func() time.Time
	mu    *sync.Mutex
	attrs []slog.Attr
	group string
}

// NewHandler creates a handler writing into dir
func NewHandler(dir string, level slog.Leveler) *Handler {
	if level == nil {
		level = slog.LevelDebug
	}
	return &Handler{dir: dir, level: level, now: time.Now, mu: &sync.Mutex{}}
}

// Dir returns the directory log files are written to
func (h *Handler) Dir() string {
	return h.dir
}

func (h *Handler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *Handler) Handle(_ context.Context, r slog.Record) error {
	feedFile := ""
	data := make(map[string]any)

	collect := func(a slog.Attr) {
		a.Value = a.Value.Resolve()
		if a.Key == FileKey {
			feedFile = a.Value.String()
			return
		}
		if a.Key == "" {
			return
		}
		key := a.Key
		if h.group != "" {
			key = h.group + "." + key
		}
		data[key] = attrValue(a.Value)
	}
	for _, a := range h.attrs {
		collect(a)
	}
	r.Attrs(func(a slog.Attr) bool {
		collect(a)
		return true
	})

	ts := r.Time
	if ts.IsZero() {
		ts = h.now()
	}

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "[%s] [%s] %s", ts.Format("2006-01-02 15:04:05"), r.Level.String(), r.Message)
	if len(data) > 0 {
		payload, err := json.MarshalIndent(data, "", "  ")
		if err != nil {
			payload = []byte(fmt.Sprintf("%v", data))
		}
		buf.WriteString(" | Data: ")
		buf.Write(payload)
	}
	buf.WriteString("\n")
	buf.WriteString(separator)
	buf.WriteString("\n")

	h.mu.Lock()
	defer h.mu.Unlock()

	if err := os.MkdirAll(h.dir, 0755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(h.dir, FileName(ts, feedFile)), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = f.Write(buf.Bytes())
	return err
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	c := *h
	c.attrs = append(append([]slog.Attr(nil), h.attrs...), attrs...)
	return &c
}

func (h *Handler) WithGroup(name string) slog.Handler {
	c := *h
	if c.group != "" {
		c.group += "." + name
	} else {
		c.group = name
	}
	return &c
}

func attrValue(v slog.Value) any {
	switch v.Kind() {
	case slog.KindGroup:
		m := make(map[string]any)
		for _, a := range v.Group() {
			m[a.Key] = attrValue(a.Value.Resolve())
		}
		return m
	case slog.KindTime:
		return v.Time().Format(time.RFC3339)
	case slog.KindDuration:
		return v.Duration().String()
	case slog.KindAny:
		if err, ok := v.Any().(error); ok {
			return err.Error()
		}
		if s, ok := v.Any().(fmt.Stringer); ok {
			return s.String()
		}
		return v.Any()
	default:
		return v.Any()
	}
}

// Tee fans records out to several handlers
type Tee []slog.Handler

func (t Tee) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range t {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (t Tee) Handle(ctx context.Context, r slog.Record) error {
	var first error
	for _, h := range t {
		if !h.Enabled(ctx, r.Level) {
			continue
		}
		if err := h.Handle(ctx, r.Clone()); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (t Tee) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make(Tee, len(t))
	for i, h := range t {
		out[i] = h.WithAttrs(attrs)
	}
	return out
}

func (t Tee) WithGroup(name string) slog.Handler {
	out := make(Tee, len(t))
	for i, h := range t {
		out[i] = h.WithGroup(name)
	}
	return out
}

type loggerKey struct{}

// ContextWithLogger attaches a logger to ctx
func ContextWithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// FromContext returns the logger attached to ctx, or fallback
func FromContext(ctx context.Context, fallback *slog.Logger) *slog.Logger {
	if l, ok := ctx.Value(loggerKey{}).(*slog.Logger); ok && l != nil {
		return l
	}
	return fallback
}
