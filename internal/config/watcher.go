package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/Trapezohe/companion-service/internal/policy"
)

// PolicyWatcher watches companion.json and swaps the in-memory permission
// policy when the file changes on disk. Parse and normalization failures are
// logged and the previous policy stays in effect.
type PolicyWatcher struct {
	watcher  *fsnotify.Watcher
	path     string
	onChange func(policy.Policy)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPolicyWatcher creates a watcher for the config file. Call Start to
// begin watching.
func NewPolicyWatcher(onChange func(policy.Policy)) (*PolicyWatcher, error) {
	path, err := Path()
	if err != nil {
		return nil, err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &PolicyWatcher{
		watcher:  watcher,
		path:     path,
		onChange: onChange,
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// Start begins watching. The config directory is watched rather than the
// file itself because atomic rename replaces the inode on every save.
func (w *PolicyWatcher) Start() error {
	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		return err
	}
	w.wg.Add(1)
	go w.run()
	return nil
}

func (w *PolicyWatcher) run() {
	defer w.wg.Done()

	var debounce *time.Timer
	for {
		select {
		case <-w.ctx.Done():
			if debounce != nil {
				debounce.Stop()
			}
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != FileName {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			// Coalesce the write+rename burst from an atomic save.
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(250*time.Millisecond, w.reload)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			configLog.Warn("config_watch_error", slog.String("error", err.Error()))
		}
	}
}

func (w *PolicyWatcher) reload() {
	cfg, err := Load()
	if err != nil {
		configLog.Warn("config_reload_failed", slog.String("error", err.Error()))
		return
	}
	p, err := policy.Normalize(cfg.PermissionPolicy, false)
	if err != nil {
		configLog.Warn("policy_reload_failed", slog.String("error", err.Error()))
		return
	}
	configLog.Info("policy_reloaded", slog.String("mode", string(p.Mode)))
	w.onChange(p)
}

// Stop ends the watch and waits for the goroutine to exit.
func (w *PolicyWatcher) Stop() {
	w.cancel()
	w.watcher.Close()
	w.wg.Wait()
}
