package settings

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/moltbunker/fasset/internal/logging"
	"github.com/moltbunker/fasset/internal/util"
)

// Watcher re-applies a settings file through the Manager whenever it changes on disk.
type Watcher struct {
	path     string
	manager  *Manager
	now      func() time.Time
	debounce time.Duration

	// OnReload is called after every reload attempt with the rejected changes.
	OnReload func(errs []error)

	watcher *fsnotify.Watcher
	wg      sync.WaitGroup
}

// NewWatcher creates a watcher for path. Start must be called to begin watching.
func NewWatcher(path string, m *Manager) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	return &Watcher{
		path:     filepath.Clean(path),
		manager:  m,
		now:      time.Now,
		debounce: 200 * time.Millisecond,
		watcher:  fw,
	}, nil
}

// Start watches the directory of the settings file so that editors replacing the file are seen.
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", w.path, err)
	}
	w.wg.Add(1)
	util.SafeGoWithName("settings-watcher", func() {
		defer w.wg.Done()
		w.run(ctx)
	})
	return nil
}

// Close stops the watcher and waits for the watch loop to exit.
func (w *Watcher) Close() error {
	err := w.watcher.Close()
	w.wg.Wait()
	return err
}

func (w *Watcher) run(ctx context.Context) {
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
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
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
			logging.Warn("settings watcher error", logging.Component("settings"), logging.Err(err))
		}
	}
}

func (w *Watcher) reload() {
	f, err := Load(w.path)
	var errs []error
	if err != nil {
		errs = []error{err}
	} else {
		errs = w.manager.Apply(f, uint64(w.now().Unix()))
	}
	for _, e := range errs {
		logging.Warn("settings change rejected", logging.Component("settings"), logging.Err(e))
	}
	if len(errs) == 0 {
		logging.Info("settings reloaded", logging.Component("settings"), "path", w.path)
	}
	if w.OnReload != nil {
		w.OnReload(errs)
	}
}
