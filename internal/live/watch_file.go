package live

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce coalesces bursts of file events into one publish.
const DefaultDebounce = 250 * time.Millisecond

// WatchFile publishes an OpExternal change on topics whenever the database
// file at path (or its -wal / -journal companions) is written by anyone,
// including other processes. It blocks until ctx is done.
func (h *Hub) WatchFile(ctx context.Context, path string, debounce time.Duration, topics ...Topic) error {
	if strings.TrimSpace(path) == "" {
		return fmt.Errorf("watch path is required")
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	var (
		mu    sync.Mutex
		timer *time.Timer
	)
	publish := func() {
		for _, topic := range topics {
			h.Publish(Change{Topic: topic, Op: OpExternal})
		}
	}
	defer func() {
		mu.Lock()
		if timer != nil {
			timer.Stop()
		}
		mu.Unlock()
	}()

	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !strings.HasPrefix(filepath.Base(event.Name), base) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Remove) {
				continue
			}
			mu.Lock()
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(debounce, publish)
			mu.Unlock()

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			h.log.Warn().Err(err).Str("path", path).Msg("file watcher error")

		case <-ctx.Done():
			return nil
		}
	}
}
