package config

import (
	"context"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("config")

// Watch reloads the config file on every write and calls onChange with the
// new value. Invalid intermediate saves are logged and skipped. The watcher
// stops when ctx is cancelled.
//
// Editors typically replace files via rename, so the parent directory is
// watched rather than the file itself.
func Watch(ctx context.Context, path string, onChange func(Config)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := w.Add(dir); err != nil {
		w.Close()
		return err
	}

	go func() {
		defer w.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != filepath.Clean(path) {
					continue
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
					continue
				}
				cfg, err := Load(path)
				if err != nil {
					log.Warnf("config reload skipped: %v", err)
					continue
				}
				log.Infof("config reloaded from %s", path)
				onChange(cfg)
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				log.Warnf("config watcher: %v", err)
			}
		}
	}()

	return nil
}
