package archive

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/codyssey-ltd/telegram-mcp-server/pkg/store"
)

// SessionFileName is the client's session artifact inside the store
// directory. The archive never reads it, it only watches for changes.
const SessionFileName = "session.json"

const sessionDebounce = 2 * time.Second

// storeWatcher watches the store directory. Session artifact changes are
// debounced and reported through onSessionChange, and removal of the lock
// marker while the archive holds it is logged.
type storeWatcher struct {
	dir             string
	debounce        time.Duration
	onSessionChange func(ctx context.Context)
	log             zerolog.Logger
}

func (sw *storeWatcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()
	if err = watcher.Add(sw.dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", sw.dir, err)
	}
	sw.log.Debug().Str("path", sw.dir).Msg("Watching store directory")

	var debounceTimer *time.Timer
	var debounceCh <-chan time.Time
	defer func() {
		if debounceTimer != nil {
			debounceTimer.Stop()
		}
	}()

	for {
		select {
		case evt, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			switch filepath.Base(evt.Name) {
			case SessionFileName:
				if evt.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if debounceTimer == nil {
					debounceTimer = time.NewTimer(sw.debounce)
					debounceCh = debounceTimer.C
				} else {
					debounceTimer.Reset(sw.debounce)
				}
			case store.LockFileName:
				if evt.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
					sw.log.Warn().Str("path", evt.Name).Msg("Lock marker was removed while the archive is running")
				}
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			sw.log.Warn().Err(err).Msg("Store watcher error")
		case <-debounceCh:
			debounceTimer = nil
			debounceCh = nil
			sw.onSessionChange(ctx)
		case <-ctx.Done():
			return nil
		}
	}
}
