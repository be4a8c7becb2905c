package config

import (
	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Watcher reloads Config from path whenever the file changes on disk,
// invoking onReload with the freshly loaded and defaulted Config. A
// config parse error on reload is logged and the previous Config keeps
// running — per spec.md §7, ConfigInvalid is always recoverable, never
// fatal to an already-running node.
type Watcher struct {
	watcher *fsnotify.Watcher
	log     *zerolog.Logger
}

// NewWatcher starts watching path for changes. Call Close to stop.
func NewWatcher(path string, logger *zerolog.Logger, onReload func(Config)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(path); err != nil {
		fw.Close()
		return nil, err
	}

	w := &Watcher{watcher: fw, log: logger}
	go w.loop(path, onReload)
	return w, nil
}

func (w *Watcher) loop(path string, onReload func(Config)) {
	for event := range w.watcher.Events {
		if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
			continue
		}
		cfg, err := Load(path)
		if err != nil {
			if w.log != nil {
				w.log.Warn().Str("path", path).Err(err).Msg("config reload failed, keeping previous config")
			}
			continue
		}
		cfg, defaulted := ApplyDefaults(cfg)
		if w.log != nil && len(defaulted) > 0 {
			w.log.Warn().Strs("fields", defaulted).Msg("config reload applied defaults for missing fields")
		}
		onReload(cfg)
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	return w.watcher.Close()
}
