// Package store implements the durable single-file JSON stores of the
// companion daemon: runs, approvals, and cron jobs with their pending
// firings. All three share one persistence discipline: pretty-printed JSON
// written atomically through a .tmp file, debounced so bursts of mutations
// coalesce into one flush, with owner-only file modes.
package store

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/Trapezohe/companion-service/internal/logging"
)

var storeLog = logging.ForComponent(logging.CompStore)

const defaultDebounce = 250 * time.Millisecond

// persister debounces and serializes the on-disk writes of one store. The
// snapshot callback must return the marshal-ready view of the store under
// the store's own lock.
type persister struct {
	path     string
	backup   bool
	debounce time.Duration
	snapshot func() any

	mu      sync.Mutex
	timer   *time.Timer
	pending bool
}

func newPersister(path string, backup bool, snapshot func() any) *persister {
	return &persister{
		path:     path,
		backup:   backup,
		debounce: defaultDebounce,
		snapshot: snapshot,
	}
}

// markDirty schedules a debounced flush. Repeated calls inside the window
// fold into a single disk write.
func (p *persister) markDirty() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pending = true
	if p.timer != nil {
		return
	}
	p.timer = time.AfterFunc(p.debounce, func() {
		if err := p.Flush(); err != nil {
			storeLog.Warn("flush_failed", slog.String("path", p.path), slog.String("error", err.Error()))
		}
	})
}

// Flush forces any pending write synchronously. Invoked at daemon shutdown
// and by tests.
func (p *persister) Flush() error {
	p.mu.Lock()
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	if !p.pending {
		p.mu.Unlock()
		return nil
	}
	p.pending = false
	p.mu.Unlock()

	data, err := json.MarshalIndent(p.snapshot(), "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", p.path, err)
	}
	data = append(data, '\n')

	if p.backup {
		// Preserve the last good file so a crash mid-rename can be recovered.
		if prev, err := os.ReadFile(p.path); err == nil {
			if err := os.WriteFile(p.path+".bak", prev, 0o600); err != nil {
				storeLog.Warn("backup_failed", slog.String("path", p.path), slog.String("error", err.Error()))
			}
		}
	}

	tmp := p.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, p.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace %s: %w", p.path, err)
	}
	return nil
}

// loadJSON reads a store file into v. An orphaned .tmp from a prior crash is
// unlinked first. On parse failure with backup enabled, the .bak file is
// tried; when both fail the store starts empty (v is left untouched).
func loadJSON(path string, backup bool, v any) {
	os.Remove(path + ".tmp")

	data, err := os.ReadFile(path)
	if err == nil {
		if json.Unmarshal(data, v) == nil {
			return
		}
		storeLog.Warn("load_corrupt", slog.String("path", path))
	} else if !os.IsNotExist(err) {
		storeLog.Warn("load_failed", slog.String("path", path), slog.String("error", err.Error()))
	}

	if !backup {
		return
	}
	bak, err := os.ReadFile(path + ".bak")
	if err != nil {
		return
	}
	if json.Unmarshal(bak, v) == nil {
		storeLog.Info("recovered_from_backup", slog.String("path", path))
		return
	}
	storeLog.Warn("backup_corrupt", slog.String("path", path))
}

// lazyLoader shares one in-flight load between concurrent callers.
type lazyLoader struct {
	group  singleflight.Group
	loaded bool
	mu     sync.Mutex
	load   func()
}

func (l *lazyLoader) ensure() {
	l.mu.Lock()
	done := l.loaded
	l.mu.Unlock()
	if done {
		return
	}
	l.group.Do("load", func() (any, error) {
		l.load()
		l.mu.Lock()
		l.loaded = true
		l.mu.Unlock()
		return nil, nil
	})
}

// clampLimit bounds a paging limit to [1, max], substituting def when the
// caller passed nothing.
func clampLimit(limit, def, max int) int {
	if limit <= 0 {
		return def
	}
	if limit > max {
		return max
	}
	return limit
}

// trimTo bounds free-form strings persisted into store records.
func trimTo(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
