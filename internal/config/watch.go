package config

import (
	"context"

	"github.com/fsnotify/fsnotify"

	"github.com/syncroom/pod/internal/logger"
)

// WatchHot watches filePath for changes and invokes onChange with the
// reloaded Hot config whenever it changes. It never touches the fixed
// fields (PodID, ListenAddr, EdgeTokenSecret, StreamURL, OpStoreURL) — those
// require a restart, per §6.5. Does nothing if filePath is empty; logged and
// ignored if the watch cannot be established; hot-reload is a convenience, not load-bearing.
func WatchHot(ctx context.Context, filePath string, onChange func(Hot)) {
	if filePath == "" {
		return
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Warn("config hot-reload disabled", "err", err)
		return
	}
	if err := watcher.Add(filePath); err != nil {
		logger.Warn("config hot-reload disabled", "path", filePath, "err", err)
		watcher.Close()
		return
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				cfg, err := Load(filePath)
				if err != nil {
					logger.Warn("config reload failed, keeping previous values", "err", err)
					continue
				}
				onChange(cfg.Hot)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("config watch error", "err", err)
			}
		}
	}()
}
