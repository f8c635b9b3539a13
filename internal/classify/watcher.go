package classify

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads a lexicon file into a Classifier whenever it changes.
// A file that fails to parse is logged and the previous lexicon kept.
type Watcher struct {
	path       string
	classifier *Classifier
	logger     *slog.Logger
	watcher    *fsnotify.Watcher
	debounce   time.Duration
	done       chan struct{}
	wg         sync.WaitGroup
	closeOnce  sync.Once

	// reloaded is signalled after each reload attempt; tests wait on it.
	reloaded chan error
}

// Watch starts watching path. The parent directory is watched so editors
// that replace the file atomically are still seen.
func Watch(path string, classifier *Classifier, logger *slog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create lexicon watcher: %w", err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		fw.Close()
		return nil, err
	}
	if err := fw.Add(filepath.Dir(abs)); err != nil {
		fw.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", filepath.Dir(abs), err)
	}

	w := &Watcher{
		path:       abs,
		classifier: classifier,
		logger:     logger,
		watcher:    fw,
		debounce:   100 * time.Millisecond,
		done:       make(chan struct{}),
		reloaded:   make(chan error, 1),
	}
	w.wg.Add(1)
	go w.loop()
	return w, nil
}

// Close stops watching.
func (w *Watcher) Close() error {
	var err error
	w.closeOnce.Do(func() {
		close(w.done)
		err = w.watcher.Close()
		w.wg.Wait()
	})
	return err
}

func (w *Watcher) loop() {
	defer w.wg.Done()

	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-w.done:
			if timer != nil {
				timer.Stop()
			}
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			// Editors emit several events per save.
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C
		case <-fire:
			fire = nil
			w.reload()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("lexicon watcher error", "error", err)
		}
	}
}

func (w *Watcher) reload() {
	lex, err := LoadLexicon(w.path)
	if err != nil {
		w.logger.Warn("lexicon reload failed, keeping previous lexicon", "path", w.path, "error", err)
	} else {
		w.classifier.SetLexicon(lex)
		w.logger.Info("lexicon reloaded", "path", w.path)
	}
	select {
	case w.reloaded <- err:
	default:
	}
}
