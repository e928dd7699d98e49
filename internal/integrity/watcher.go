package integrity

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// fileWatcher turns filesystem events on watched files into debounced scan
// triggers. Parent directories are watched so atomic replace-by-rename is seen.
type fileWatcher struct {
	watcher  *fsnotify.Watcher
	paths    map[string]struct{}
	debounce time.Duration
	trigger  chan<- struct{}
	logger   *zap.Logger

	mu     sync.Mutex
	timer  *time.Timer
	closed bool
	done   chan struct{}
}

// newFileWatcher returns nil when no resource is file backed.
func newFileWatcher(resources []Resource, debounce time.Duration, trigger chan<- struct{}, logger *zap.Logger) (*fileWatcher, error) {
	paths := make(map[string]struct{})
	dirs := make(map[string]struct{})
	for _, r := range resources {
		fr, ok := r.Reader.(*FileReader)
		if !ok {
			continue
		}
		p, err := filepath.Abs(fr.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve %s: %w", fr.Path, err)
		}
		paths[p] = struct{}{}
		dirs[filepath.Dir(p)] = struct{}{}
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("no file-backed resources to watch")
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	for dir := range dirs {
		if err := w.Add(dir); err != nil {
			w.Close()
			return nil, fmt.Errorf("failed to watch directory %s: %w", dir, err)
		}
	}

	fw := &fileWatcher{
		watcher:  w,
		paths:    paths,
		debounce: debounce,
		trigger:  trigger,
		logger:   logger,
		done:     make(chan struct{}),
	}
	go fw.run()
	return fw, nil
}

func (fw *fileWatcher) run() {
	defer close(fw.done)
	for {
		select {
		case event, ok := <-fw.watcher.Events:
			if !ok {
				return
			}
			if _, watched := fw.paths[filepath.Clean(event.Name)]; !watched {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			fw.logger.Debug("Watched file changed",
				zap.String("path", event.Name),
				zap.String("op", event.Op.String()))
			fw.schedule()
		case err, ok := <-fw.watcher.Errors:
			if !ok {
				return
			}
			fw.logger.Warn("File watcher error", zap.Error(err))
		}
	}
}

func (fw *fileWatcher) schedule() {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	if fw.closed {
		return
	}
	if fw.timer != nil {
		fw.timer.Stop()
	}
	fw.timer = time.AfterFunc(fw.debounce, func() {
		select {
		case fw.trigger <- struct{}{}:
		default:
		}
	})
}

func (fw *fileWatcher) close() {
	fw.mu.Lock()
	fw.closed = true
	if fw.timer != nil {
		fw.timer.Stop()
	}
	fw.mu.Unlock()

	if err := fw.watcher.Close(); err != nil {
		fw.logger.Warn("Failed to close file watcher", zap.Error(err))
	}
	<-fw.done
}
