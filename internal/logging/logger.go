package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Component constants for structured logging.
const (
	CompConfig  = "config"
	CompPolicy  = "policy"
	CompStore   = "store"
	CompRPC     = "rpc"
	CompMCP     = "mcp"
	CompRuntime = "runtime"
	CompCron    = "cron"
	CompSkills  = "skills"
	CompWeb     = "web"
)

// Config holds logging configuration.
type Config struct {
	// LogDir is the directory for log files (e.g. ~/.companion). Empty
	// discards all output unless Debug is set.
	LogDir string

	// Level is the minimum log level: "debug", "info", "warn", "error"
	Level string

	// Format is "json" (default) or "text"
	Format string

	// MaxSizeMB is the max size in MB before rotation (default: 10)
	MaxSizeMB int

	// MaxBackups is rotated files to keep (default: 5)
	MaxBackups int

	// MaxAgeDays is days to keep rotated files (default: 10)
	MaxAgeDays int

	// Compress rotated files
	Compress bool

	// RingBufferSize is the in-memory crash ring size in bytes (default: 1MB)
	RingBufferSize int

	// Debug logs to stderr when no LogDir is configured
	Debug bool
}

var (
	globalMu     sync.RWMutex
	globalLogger *slog.Logger
	globalRing   *crashRing
	lumberjackW  *lumberjack.Logger
)

// crashRing retains the newest log records for post-mortem dumps. Each
// handler write is kept as one whole record; once the byte budget is
// exceeded the oldest records are evicted, so a dump never cuts a record
// in half.
type crashRing struct {
	mu      sync.Mutex
	budget  int
	total   int
	records [][]byte
}

func newCrashRing(budget int) *crashRing {
	return &crashRing{budget: budget}
}

// Write implements io.Writer for the slog handler's sink.
func (r *crashRing) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	rec := make([]byte, len(p))
	copy(rec, p)

	r.mu.Lock()
	r.records = append(r.records, rec)
	r.total += len(rec)
	evict := 0
	for r.total > r.budget && evict < len(r.records)-1 {
		r.total -= len(r.records[evict])
		evict++
	}
	if evict > 0 {
		r.records = append([][]byte(nil), r.records[evict:]...)
	}
	// An oversized single record is kept whole; it is the freshest context
	// a crash dump has.
	r.mu.Unlock()
	return len(p), nil
}

// snapshot concatenates the retained records in chronological order.
func (r *crashRing) snapshot() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]byte, 0, r.total)
	for _, rec := range r.records {
		out = append(out, rec...)
	}
	return out
}

func (r *crashRing) dump(path string) error {
	return os.WriteFile(path, r.snapshot(), 0o600)
}

// Init initializes the global logging system.
func Init(cfg Config) {
	globalMu.Lock()
	defer globalMu.Unlock()

	if cfg.MaxSizeMB <= 0 {
		cfg.MaxSizeMB = 10
	}
	if cfg.MaxBackups <= 0 {
		cfg.MaxBackups = 5
	}
	if cfg.MaxAgeDays <= 0 {
		cfg.MaxAgeDays = 10
	}
	if cfg.RingBufferSize <= 0 {
		cfg.RingBufferSize = 1024 * 1024
	}

	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	if !cfg.Debug && cfg.LogDir == "" {
		globalLogger = slog.New(slog.NewJSONHandler(io.Discard, nil))
		globalRing = newCrashRing(1024)
		return
	}

	globalRing = newCrashRing(cfg.RingBufferSize)

	var sink io.Writer = globalRing
	if cfg.LogDir != "" {
		lumberjackW = &lumberjack.Logger{
			Filename:   filepath.Join(cfg.LogDir, "companion.log"),
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
		}
		sink = io.MultiWriter(lumberjackW, globalRing)
	} else {
		sink = io.MultiWriter(os.Stderr, globalRing)
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(sink, opts)
	} else {
		handler = slog.NewJSONHandler(sink, opts)
	}
	globalLogger = slog.New(handler)
}

// Logger returns the global logger. Safe to call before Init.
func Logger() *slog.Logger {
	globalMu.RLock()
	defer globalMu.RUnlock()
	if globalLogger == nil {
		return slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return globalLogger
}

// ForComponent returns a sub-logger with the component field set. The
// returned logger resolves the global handler at log time, so package-level
// loggers created before Init still emit once Init runs.
func ForComponent(name string) *slog.Logger {
	return slog.New(&dynamicHandler{component: name})
}

type dynamicHandler struct {
	component string
	attrs     []slog.Attr
	group     string
}

func (h *dynamicHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return Logger().Handler().Enabled(ctx, level)
}

func (h *dynamicHandler) Handle(ctx context.Context, r slog.Record) error {
	handler := Logger().Handler()
	handler = handler.WithAttrs([]slog.Attr{slog.String("component", h.component)})
	if len(h.attrs) > 0 {
		handler = handler.WithAttrs(h.attrs)
	}
	if h.group != "" {
		handler = handler.WithGroup(h.group)
	}
	return handler.Handle(ctx, r)
}

func (h *dynamicHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, len(h.attrs)+len(attrs))
	copy(merged, h.attrs)
	copy(merged[len(h.attrs):], attrs)
	return &dynamicHandler{component: h.component, attrs: merged, group: h.group}
}

func (h *dynamicHandler) WithGroup(name string) slog.Handler {
	return &dynamicHandler{component: h.component, attrs: h.attrs, group: name}
}

// DumpRingBuffer writes recent log output to a file for crash diagnostics.
func DumpRingBuffer(path string) error {
	globalMu.RLock()
	ring := globalRing
	globalMu.RUnlock()
	if ring == nil {
		return nil
	}
	return ring.dump(path)
}

// Shutdown closes the rotating writer.
func Shutdown() {
	globalMu.Lock()
	defer globalMu.Unlock()
	if lumberjackW != nil {
		lumberjackW.Close()
		lumberjackW = nil
	}
	globalLogger = nil
	globalRing = nil
}
