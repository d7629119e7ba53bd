package conductor

import (
	"context"
	"fmt"
	"os"

	"github.com/fsnotify/fsnotify"

	"github.com/ShayCichocki/aspen/internal/oplog"
)

// watchSignals watches a directory for signal files. Dropping any file
// into it requests a reconciliation; the file is consumed. This lets
// sessions and scripts poke the conductor without talking to the API.
func watchSignals(ctx context.Context, dir string, log *oplog.Logger) (<-chan struct{}, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create signal directory: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}

	signals := make(chan struct{}, 1)
	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
					continue
				}
				log.Log("signal file: %s", event.Name)
				os.Remove(event.Name)
				select {
				case signals <- struct{}{}:
				default:
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Log("signal watcher: %v", err)
			}
		}
	}()

	return signals, nil
}
