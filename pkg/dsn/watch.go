package dsn

import (
	"github.com/fsnotify/fsnotify"

	"github.com/ha1tch/tdsgo/pkg/tdslog"
	"github.com/ha1tch/tdsgo/tds"
)

// ChangeHandler receives a freshly-reloaded Config after the watched
// file changes on disk, or an error if the reload failed (the previous
// Config is left untouched in that case).
type ChangeHandler func(tds.Config, error)

// Watcher reloads a JSON config file on change, for long-running
// processes (a connection pool, a proxy) that want rotated credentials
// or an updated server list picked up without a restart.
type Watcher struct {
	path string
	fw   *fsnotify.Watcher
	log  *tdslog.Logger
}

// Watch starts watching path for writes/renames (the usual editor/
// config-management save pattern) and returns a Watcher the caller
// must Close when done. Fires an initial onChange with the file's
// current contents before returning.
func Watch(path string, logger *tdslog.Logger, onChange ChangeHandler) (*Watcher, error) {
	if logger == nil {
		logger = tdslog.Discard()
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(path); err != nil {
		fw.Close()
		return nil, err
	}

	w := &Watcher{path: path, fw: fw, log: logger}

	cfg, loadErr := Load(path, "")
	onChange(cfg, loadErr)

	go w.run(onChange)
	return w, nil
}

func (w *Watcher) run(onChange ChangeHandler) {
	for {
		select {
		case ev, ok := <-w.fw.Events:
			if !ok {
				return
			}
			// Editors commonly replace a file via rename-into-place, which
			// drops the original inode from the watch list; re-add it so
			// subsequent saves keep firing.
			if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				w.reload(onChange)
			}
			if ev.Op&fsnotify.Remove != 0 || ev.Op&fsnotify.Rename != 0 {
				w.fw.Add(w.path)
			}
		case err, ok := <-w.fw.Errors:
			if !ok {
				return
			}
			w.log.Warn(tdslog.CategoryConfig, "config watch error", "error", err)
		}
	}
}

func (w *Watcher) reload(onChange ChangeHandler) {
	cfg, err := Load(w.path, "")
	if err != nil {
		w.log.Warn(tdslog.CategoryConfig, "config reload failed", "path", w.path, "error", err)
	} else {
		w.log.Info(tdslog.CategoryConfig, "config reloaded", "path", w.path)
	}
	onChange(cfg, err)
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	return w.fw.Close()
}
