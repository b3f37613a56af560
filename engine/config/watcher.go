package config

import (
	"path/filepath"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/fsnotify/fsnotify"

	"github.com/spaghettifunk/fencepost/engine/core"
)

// Watcher reloads a config file whenever it is written and publishes every
// successfully parsed version on Updates.
type Watcher struct {
	path     string
	fsnotify *fsnotify.Watcher
	updates  chan *Config
	done     chan struct{}
	wg       sync.WaitGroup
	once     sync.Once
}

func NewWatcher(path string) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, errors.Wrapf(err, "resolving %s", path)
	}
	fsWatch, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "creating fsnotify watcher")
	}
	// Editors replace files on save, so the directory is watched rather than
	// the file itself.
	if err := fsWatch.Add(filepath.Dir(abs)); err != nil {
		fsWatch.Close()
		return nil, errors.Wrapf(err, "watching %s", filepath.Dir(abs))
	}

	w := &Watcher{
		path:     abs,
		fsnotify: fsWatch,
		updates:  make(chan *Config, 1),
		done:     make(chan struct{}),
	}
	w.wg.Add(1)
	go w.start()
	return w, nil
}

// Updates is closed once the watcher stops.
func (w *Watcher) Updates() <-chan *Config {
	return w.updates
}

func (w *Watcher) Close() error {
	w.once.Do(func() {
		close(w.done)
	})
	w.wg.Wait()
	return nil
}

func (w *Watcher) start() {
	defer w.wg.Done()
	for {
		select {

		case e, ok := <-w.fsnotify.Events:
			if !ok {
				w.shutdown()
				return
			}
			if filepath.Clean(e.Name) != w.path {
				continue
			}
			if e.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			cfg, err := Load(w.path)
			if err != nil {
				core.LogWarn("ignoring config change in %s: %s", w.path, err)
				continue
			}
			core.LogInfo("config %s reloaded", w.path)
			// Keep only the newest config if nobody consumed the previous one.
			select {
			case <-w.updates:
			default:
			}
			w.updates <- cfg

		case err, ok := <-w.fsnotify.Errors:
			if !ok {
				w.shutdown()
				return
			}
			core.LogError(err.Error())

		case <-w.done:
			w.shutdown()
			return
		}
	}
}

func (w *Watcher) shutdown() {
	w.fsnotify.Close()
	close(w.updates)
}
