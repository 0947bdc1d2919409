package patterns

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/kirillkom/guidance-retrieval/internal/core/usecase"
)

const defaultSettle = 250 * time.Millisecond

// Watcher reloads a pattern file whenever it changes on disk. A file that
// fails to parse is logged and the previous rules stay in effect.
type Watcher struct {
	path     string
	onReload func(usecase.ClassifierRules)
	settle   time.Duration
	logger   *slog.Logger
}

func NewWatcher(path string, onReload func(usecase.ClassifierRules), logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		path:     filepath.Clean(path),
		onReload: onReload,
		settle:   defaultSettle,
		logger:   logger,
	}
}

// Run blocks until ctx is done. The parent directory is watched so that
// editors and config managers replacing the file by rename are seen too.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create pattern watcher: %w", err)
	}
	defer fw.Close()

	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("watch %s: %w", w.path, err)
	}

	var (
		timer   *time.Timer
		timerCh <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != w.path || !relevant(event.Op) {
				continue
			}
			// Writes arrive in bursts; reload once they stop.
			if timer == nil {
				timer = time.NewTimer(w.settle)
			} else {
				timer.Reset(w.settle)
			}
			timerCh = timer.C
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("classifier_patterns_watch_error", "path", w.path, "error", err)
		case <-timerCh:
			timerCh = nil
			w.reload()
		}
	}
}

func (w *Watcher) reload() {
	rules, err := Load(w.path)
	if err != nil {
		w.logger.Error("classifier_patterns_reload_failed", "path", w.path, "error", err)
		return
	}
	w.onReload(rules)
	w.logger.Info("classifier_patterns_reloaded", "path", w.path, "identifiers", len(rules.Identifiers))
}

func relevant(op fsnotify.Op) bool {
	return op.Has(fsnotify.Write) || op.Has(fsnotify.Create) || op.Has(fsnotify.Rename)
}
