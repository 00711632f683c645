package detect

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"argus/util/goroutine"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// DefaultReloadDebounce coalesces bursts of file events into one reload
const DefaultReloadDebounce = 250 * time.Millisecond

// RuleWatcher reloads rules into an engine when rule files change. A reload
// that fails keeps the previous rule set.
type RuleWatcher struct {
	path     string
	dir      string
	engine   *RuleEngine
	debounce time.Duration
	onReload func(*LoadResult)
	logger   *zap.SugaredLogger

	watcher *fsnotify.Watcher
	mu      sync.Mutex
	wg      sync.WaitGroup
	cancel  context.CancelFunc
}

// NewRuleWatcher creates a watcher for a rule file or directory
func NewRuleWatcher(path string, engine *RuleEngine, debounce time.Duration, logger *zap.SugaredLogger) (*RuleWatcher, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if debounce <= 0 {
		debounce = DefaultReloadDebounce
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat rules path: %w", err)
	}
	dir := path
	if !info.IsDir() {
		dir = filepath.Dir(path)
	}
	return &RuleWatcher{
		path:     path,
		dir:      dir,
		engine:   engine,
		debounce: debounce,
		logger:   logger,
	}, nil
}

// OnReload registers a callback invoked after every successful reload
func (w *RuleWatcher) OnReload(fn func(*LoadResult)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onReload = fn
}

// Reload loads the rules and installs them in the engine
func (w *RuleWatcher) Reload() (*LoadResult, error) {
	result, err := LoadRules(w.path, w.logger)
	if err != nil {
		return nil, err
	}
	if err := w.engine.SetRules(result.Rules); err != nil {
		return nil, fmt.Errorf("failed to install rules: %w", err)
	}

	w.mu.Lock()
	fn := w.onReload
	w.mu.Unlock()
	if fn != nil {
		fn(result)
	}
	return result, nil
}

// Start watches the rules location until ctx is done or Close is called
func (w *RuleWatcher) Start(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	if err := w.addDirs(watcher); err != nil {
		watcher.Close()
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	w.mu.Lock()
	w.watcher = watcher
	w.cancel = cancel
	w.mu.Unlock()

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer goroutine.Recover("rule-watcher", w.logger)
		w.loop(ctx, watcher)
	}()
	w.logger.Infow("Watching rules for changes", "path", w.path)
	return nil
}

// Close stops the watcher
func (w *RuleWatcher) Close() error {
	w.mu.Lock()
	cancel := w.cancel
	watcher := w.watcher
	w.cancel = nil
	w.watcher = nil
	w.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	w.wg.Wait()
	return watcher.Close()
}

func (w *RuleWatcher) addDirs(watcher *fsnotify.Watcher) error {
	if w.dir != w.path {
		return watcher.Add(w.dir)
	}
	return filepath.WalkDir(w.dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if err := watcher.Add(path); err != nil {
				return fmt.Errorf("failed to watch %s: %w", path, err)
			}
		}
		return nil
	})
}

func (w *RuleWatcher) relevant(event fsnotify.Event) bool {
	if event.Op == fsnotify.Chmod {
		return false
	}
	if w.dir != w.path {
		return filepath.Clean(event.Name) == filepath.Clean(w.path)
	}
	return isRuleFile(event.Name)
}

func (w *RuleWatcher) loop(ctx context.Context, watcher *fsnotify.Watcher) {
	var timer *time.Timer
	var fire <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op&fsnotify.Create == fsnotify.Create && w.dir == w.path {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					_ = watcher.Add(event.Name)
				}
			}
			if !w.relevant(event) {
				continue
			}
			w.logger.Debugw("Rule file changed", "file", event.Name, "op", event.Op.String())
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(w.debounce)
			}
			fire = timer.C
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warnw("Rule watcher error", "error", err)
		case <-fire:
			fire = nil
			result, err := w.Reload()
			if err != nil {
				w.logger.Errorw("Failed to reload rules, keeping previous set", "error", err)
				continue
			}
			w.logger.Infow("Rules reloaded", "rules", len(result.Rules), "problems", len(result.Problems))
		}
	}
}
