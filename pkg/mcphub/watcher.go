package mcphub

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"
)

// SettingsWatcher observes the settings file and re-applies its contents on
// change. It also watches every configured server's watchPaths and logs a
// notice when one matches a change event; matching paths do not restart the
// server.
type SettingsWatcher struct {
	path   string
	logger *slog.Logger

	// apply receives each successfully parsed settings document. Schema
	// validation failures are logged per field, but the parsed document is
	// still applied best-effort.
	apply func(context.Context, *Settings)

	mu         sync.Mutex
	lastMod    time.Time
	watchGlobs map[string][]string // server name -> watchPaths globs
	watchBases map[string]struct{} // directories registered for watchPaths
	fw         *fsnotify.Watcher
	cancel     context.CancelFunc
	done       chan struct{}
}

// NewSettingsWatcher builds a watcher for the settings file at path. Call
// Reload for the initial load, then Start to begin observing changes.
func NewSettingsWatcher(path string, logger *slog.Logger, apply func(context.Context, *Settings)) *SettingsWatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &SettingsWatcher{
		path:       path,
		logger:     logger,
		apply:      apply,
		watchGlobs: make(map[string][]string),
		watchBases: make(map[string]struct{}),
	}
}

// Path returns the watched settings file path.
func (w *SettingsWatcher) Path() string { return w.path }

// Reload reads, parses, and applies the settings file. On schema-validation
// failure the per-field errors are logged and the raw parsed document is
// still applied.
func (w *SettingsWatcher) Reload(ctx context.Context) error {
	settings, err := LoadSettings(w.path)
	if err != nil {
		w.logger.Error("load settings failed", "path", w.path, "error", err)
		return err
	}
	if verr := ValidateSettings(settings); verr != nil {
		for _, field := range verr.Fields {
			w.logger.Error("invalid settings field", "path", field.Path, "error", field.Message)
		}
		w.logger.Warn("applying settings despite validation errors", "path", w.path)
	}
	w.updateWatchGlobs(settings)
	if w.apply != nil {
		w.apply(ctx, settings)
	}
	return nil
}

func (w *SettingsWatcher) updateWatchGlobs(settings *Settings) {
	globs := make(map[string][]string)
	bases := make(map[string]struct{})
	for name, cfg := range settings.McpServers {
		if cfg == nil || len(cfg.WatchPaths) == 0 {
			continue
		}
		globs[name] = append([]string(nil), cfg.WatchPaths...)
		for _, pattern := range cfg.WatchPaths {
			base, _ := doublestar.SplitPattern(filepath.ToSlash(pattern))
			bases[filepath.FromSlash(base)] = struct{}{}
		}
	}
	w.mu.Lock()
	w.watchGlobs = globs
	prev := w.watchBases
	w.watchBases = bases
	fw := w.fw
	w.mu.Unlock()
	if fw == nil {
		return
	}
	for base := range bases {
		// Missing directories are fine; the watch simply has no effect.
		_ = fw.Add(base)
	}
	// Drop watches on directories no watchPaths entry references anymore.
	for base := range prev {
		if _, keep := bases[base]; !keep {
			_ = fw.Remove(base)
		}
	}
}

// Start registers the filesystem watches and begins dispatching change
// events until Close is called or ctx is cancelled.
func (w *SettingsWatcher) Start(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	// Watch the containing directory: editors replace files rather than
	// writing in place, which drops watches registered on the file itself.
	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		fw.Close()
		return err
	}

	if info, err := os.Stat(w.path); err == nil {
		w.mu.Lock()
		w.lastMod = info.ModTime()
		w.mu.Unlock()
	}

	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	w.mu.Lock()
	w.fw = fw
	w.cancel = cancel
	w.done = done
	bases := w.watchBases
	w.mu.Unlock()

	for base := range bases {
		_ = fw.Add(base)
	}

	go w.loop(loopCtx, fw, done)
	return nil
}

func (w *SettingsWatcher) loop(ctx context.Context, fw *fsnotify.Watcher, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-fw.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			if sameFile(event.Name, w.path) {
				w.maybeReload(ctx)
				continue
			}
			w.noticeWatchedPath(event.Name)
		case _, ok := <-fw.Errors:
			if !ok {
				return
			}
			// Watcher errors are not fatal; the next event still arrives.
		}
	}
}

// maybeReload re-stats the settings file and reloads only when the
// modification time advanced, debouncing duplicate notifications for a
// single write.
func (w *SettingsWatcher) maybeReload(ctx context.Context) {
	info, err := os.Stat(w.path)
	if err != nil {
		return
	}
	w.mu.Lock()
	if !info.ModTime().After(w.lastMod) {
		w.mu.Unlock()
		return
	}
	w.lastMod = info.ModTime()
	w.mu.Unlock()
	if err := w.Reload(ctx); err != nil {
		w.logger.Error("reload after change failed", "path", w.path, "error", err)
	}
}

// noticeWatchedPath logs when a change event matches a server's watchPaths.
// The server is not restarted automatically.
func (w *SettingsWatcher) noticeWatchedPath(changed string) {
	slashChanged := filepath.ToSlash(changed)
	w.mu.Lock()
	globs := w.watchGlobs
	w.mu.Unlock()
	for server, patterns := range globs {
		for _, pattern := range patterns {
			matched, err := doublestar.Match(filepath.ToSlash(pattern), slashChanged)
			if err != nil || !matched {
				continue
			}
			w.logger.Info("watched path changed", "server", server, "path", changed)
			break
		}
	}
}

// Close stops the watcher and waits for the dispatch loop to exit.
func (w *SettingsWatcher) Close() error {
	w.mu.Lock()
	fw := w.fw
	cancel := w.cancel
	done := w.done
	w.fw, w.cancel, w.done = nil, nil, nil
	w.mu.Unlock()
	if fw == nil {
		return nil
	}
	cancel()
	err := fw.Close()
	<-done
	return err
}

func sameFile(a, b string) bool {
	return filepath.Clean(a) == filepath.Clean(b)
}
