package config

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/koatty/serve/internal/logging"
)

// watchDebounce coalesces the burst of filesystem events an editor or
// config-management tool emits for a single save.
const watchDebounce = 250 * time.Millisecond

// Watcher reloads the config file on change and hands validated snapshots to
// a callback. A snapshot that fails to load or validate is logged and
// dropped; the active configuration stays untouched.
type Watcher struct {
	path     string
	fw       *fsnotify.Watcher
	log      *logging.Logger
	onChange func(*Config)

	closeOnce sync.Once
	done      chan struct{}
}

// Watch starts watching the config file at path. The containing directory is
// watched rather than the file itself, so atomic-rename saves keep working.
func Watch(path string, log *logging.Logger, onChange func(*Config)) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("config: resolve watch path %q: %w", path, err)
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: create watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(abs)); err != nil {
		fw.Close()
		return nil, fmt.Errorf("config: watch %q: %w", filepath.Dir(abs), err)
	}

	w := &Watcher{
		path:     abs,
		fw:       fw,
		log:      log.Child(logging.Context{Module: "config"}),
		onChange: onChange,
		done:     make(chan struct{}),
	}
	go w.loop()

	w.log.Info("watch", fmt.Sprintf("watching %s for changes", abs), nil)
	return w, nil
}

func (w *Watcher) loop() {
	var (
		debounce *time.Timer
		fire     <-chan time.Time
	)

	for {
		select {
		case <-w.done:
			return

		case ev, ok := <-w.fw.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if debounce == nil {
				debounce = time.NewTimer(watchDebounce)
			} else {
				if !debounce.Stop() {
					select {
					case <-debounce.C:
					default:
					}
				}
				debounce.Reset(watchDebounce)
			}
			fire = debounce.C

		case <-fire:
			fire = nil
			w.reload()

		case err, ok := <-w.fw.Errors:
			if !ok {
				return
			}
			w.log.Warn("watch", "watcher error", err)
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		w.log.Warn("reload", "config reload failed; keeping active snapshot", err)
		return
	}
	w.log.Info("reload", "config file changed; applying new snapshot", nil)
	w.onChange(cfg)
}

// Close stops the watcher. Safe to call more than once.
func (w *Watcher) Close() error {
	var err error
	w.closeOnce.Do(func() {
		close(w.done)
		err = w.fw.Close()
	})
	return err
}
