package listener

import (
	"context"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"engine/internal/async"
	"engine/internal/logging"
	"engine/internal/trigger"
	"engine/internal/utils"
)

// DefaultDebounce absorbs editor save storms before a change fires.
const DefaultDebounce = 500 * time.Millisecond

// FileWatchListener watches paths recursively and emits one debounced
// message per burst of matching changes.
type FileWatchListener struct {
	paths    []string
	patterns []string
	debounce *utils.Debouncer
	handler  MessageHandler
	logger   logging.Logger

	mu      sync.Mutex
	pending []string

	watcher *fsnotify.Watcher
	cancel  context.CancelFunc
}

// NewFileWatchListener builds a watcher from the trigger config.
func NewFileWatchListener(cfg *trigger.FileWatchConfig, handler MessageHandler, logger logging.Logger) *FileWatchListener {
	debounce := cfg.Debounce.D()
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &FileWatchListener{
		paths:    cfg.Paths,
		patterns: cfg.Patterns,
		debounce: utils.NewDebouncer(debounce),
		handler:  handler,
		logger:   logging.OrNop(logger),
	}
}

func (l *FileWatchListener) Name() string { return "filewatch" }

// Start registers the watch roots (directories recursively) and launches
// the event loop.
func (l *FileWatchListener) Start(ctx context.Context) error {
	if len(l.paths) == 0 {
		return fmt.Errorf("filewatch listener: at least one path is required")
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("filewatch listener: %w", err)
	}
	l.watcher = watcher

	for _, root := range l.paths {
		if err := l.addRecursive(root); err != nil {
			watcher.Close()
			return err
		}
	}

	loopCtx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	async.Go(l.logger, "filewatch", func() { l.loop(loopCtx) })
	l.logger.Info("filewatch listener on %s", strings.Join(l.paths, ", "))
	return nil
}

func (l *FileWatchListener) addRecursive(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return fmt.Errorf("filewatch listener: %w", err)
		}
		if d.IsDir() || path == root {
			return l.watcher.Add(path)
		}
		return nil
	})
}

// Stop halts the loop and releases the watcher.
func (l *FileWatchListener) Stop() error {
	if l.cancel != nil {
		l.cancel()
	}
	l.debounce.Stop()
	if l.watcher != nil {
		return l.watcher.Close()
	}
	return nil
}

// SendResponse is a no-op: the file system has no reply channel.
func (l *FileWatchListener) SendResponse(*trigger.IncomingMessage, string) error { return nil }

func (l *FileWatchListener) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-l.watcher.Events:
			if !ok {
				return
			}
			l.onEvent(event)
		case err, ok := <-l.watcher.Errors:
			if !ok {
				return
			}
			l.logger.Warn("filewatch: %v", err)
		}
	}
}

func (l *FileWatchListener) onEvent(event fsnotify.Event) {
	if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
		return
	}
	// New directories join the watch so nested changes keep arriving.
	if event.Op&fsnotify.Create != 0 {
		if err := l.watcher.Add(event.Name); err == nil {
			l.logger.Debug("filewatch: watching %s", event.Name)
		}
	}
	if !utils.MatchAnyGlob(l.patterns, event.Name) {
		return
	}

	l.mu.Lock()
	l.pending = append(l.pending, event.Name)
	l.mu.Unlock()

	l.debounce.Trigger(l.flush)
}

// flush delivers one message for the accumulated burst.
func (l *FileWatchListener) flush() {
	l.mu.Lock()
	changed := l.pending
	l.pending = nil
	l.mu.Unlock()
	if len(changed) == 0 {
		return
	}

	l.handler(&trigger.IncomingMessage{
		MessageID:  fmt.Sprintf("fswatch-%d", time.Now().UnixNano()),
		Source:     trigger.SourceFileWatch,
		Text:       strings.Join(changed, "\n"),
		ReceivedAt: time.Now().UTC(),
		Metadata: map[string]string{
			"path":  changed[len(changed)-1],
			"count": fmt.Sprintf("%d", len(changed)),
		},
	})
}
