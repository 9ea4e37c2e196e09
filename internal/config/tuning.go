package config

import (
	"os"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Tunables is the live-reloadable subset of Config. These three knobs are
// the ones operators need to adjust without a restart; everything else in
// Config stays fixed for the life of the process.
type Tunables struct {
	AIConfidenceThreshold  float64  `yaml:"ai_confidence_threshold"`
	MedicalAPIRateLimitMax int      `yaml:"medical_api_rate_limit_max"`
	SupportedImageFormats  []string `yaml:"supported_image_formats"`
}

// TuningWatcher watches a YAML file for changes to Tunables and makes the
// latest parsed value available via Current. The watched file is optional:
// if it does not exist at NewTuningWatcher time, the watcher falls back to
// the seed value and keeps watching the parent directory for its creation.
type TuningWatcher struct {
	path    string
	current atomic.Pointer[Tunables]
	watcher *fsnotify.Watcher
	onLoad  func(Tunables)

	stopOnce sync.Once
	done     chan struct{}
}

// NewTuningWatcher creates a watcher over path, seeded with seed. It does
// not start watching until Start is called. onLoad, if non-nil, is invoked
// once synchronously with the seed (or the file's contents, if the file
// already exists) and again on every subsequent successful reload.
func NewTuningWatcher(path string, seed Tunables, onLoad func(Tunables)) (*TuningWatcher, error) {
	w := &TuningWatcher{path: path, onLoad: onLoad, done: make(chan struct{})}
	w.current.Store(&seed)

	if loaded, err := loadTunables(path); err == nil {
		w.current.Store(loaded)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w.watcher = fsw

	if w.onLoad != nil {
		w.onLoad(*w.current.Load())
	}
	return w, nil
}

// Current returns the most recently loaded Tunables. Safe for concurrent
// use from any number of goroutines.
func (w *TuningWatcher) Current() Tunables {
	return *w.current.Load()
}

// Start watches path's parent directory for create/write events targeting
// the tuning file and reloads on each one. It blocks until Stop is called;
// run it in a goroutine. warn receives non-fatal diagnostics (reload
// failures, fsnotify errors) and may be nil. A missing file at startup, or
// a file removed later, is not an error: the watcher keeps the last good
// Tunables.
func (w *TuningWatcher) Start(warn func(msg string, args ...any)) {
	dir := parentDir(w.path)
	if err := w.watcher.Add(dir); err != nil {
		if warn != nil {
			warn("tuning watcher: failed to watch directory", "dir", dir, "error", err)
		}
		return
	}

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Name != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			loaded, err := loadTunables(w.path)
			if err != nil {
				if warn != nil {
					warn("tuning watcher: reload failed, keeping previous values", "error", err)
				}
				continue
			}
			w.current.Store(loaded)
			if w.onLoad != nil {
				w.onLoad(*loaded)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			if warn != nil {
				warn("tuning watcher: fsnotify error", "error", err)
			}
		case <-w.done:
			return
		}
	}
}

// Stop releases the underlying fsnotify watcher. Safe to call more than
// once and safe to call before Start returns.
func (w *TuningWatcher) Stop() error {
	var err error
	w.stopOnce.Do(func() {
		close(w.done)
		err = w.watcher.Close()
	})
	return err
}

func loadTunables(path string) (*Tunables, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var t Tunables
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

func parentDir(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[:i]
		}
	}
	return "."
}
