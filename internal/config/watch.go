// SPDX-FileCopyrightText: 2025 夕月霞
// SPDX-License-Identifier: AGPL-3.0-or-later
package config

import (
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"grblhost/internal/hosterr"
)

// Watcher reloads the configuration whenever its file changes on
// disk, using fsnotify directly (rather than viper's bundled
// WatchConfig) so editors that replace the file via rename+create are
// handled the same as an in-place write: both events arrive on the
// containing directory, not the file itself.
type Watcher struct {
	w    *fsnotify.Watcher
	path string
	done chan struct{}
}

// Watch starts watching path's directory and invokes onChange with
// the freshly decoded Config every time the file is written or
// replaced. onChange is called from the watcher's own goroutine; a
// decode error is passed with a nil Config so the caller can decide
// whether to keep running on the last-good configuration.
func Watch(v *viper.Viper, path string, onChange func(*Config, error)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, hosterr.Wrap(hosterr.KindConfig, "create config watcher", err)
	}
	dir := filepath.Dir(path)
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, hosterr.Wrap(hosterr.KindConfig, "watch config directory", err)
	}

	watcher := &Watcher{w: fw, path: path, done: make(chan struct{})}
	go watcher.loop(v, path, onChange)
	return watcher, nil
}

func (cw *Watcher) loop(v *viper.Viper, path string, onChange func(*Config, error)) {
	target := filepath.Clean(path)
	for {
		select {
		case ev, ok := <-cw.w.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if err := v.ReadInConfig(); err != nil {
				onChange(nil, hosterr.Wrap(hosterr.KindConfig, "reload config file", err))
				continue
			}
			cfg, err := decode(v)
			onChange(cfg, err)
		case err, ok := <-cw.w.Errors:
			if !ok {
				return
			}
			onChange(nil, hosterr.Wrap(hosterr.KindConfig, "config watcher", err))
		case <-cw.done:
			return
		}
	}
}

// Close stops the watcher. Idempotent.
func (cw *Watcher) Close() error {
	select {
	case <-cw.done:
	default:
		close(cw.done)
	}
	return cw.w.Close()
}
