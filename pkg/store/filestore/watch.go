package filestore

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// Watch observes the backing directory and invokes onChange with the key of
// every payload written or created by another process, so hosts can trigger
// a restore when a draft is edited externally. The returned stop func closes
// the watcher and waits for the event loop to drain.
func (s *Store) Watch(onChange func(key string)) (stop func(), err error) {
	if onChange == nil {
		return nil, fmt.Errorf("filestore: watch callback is required")
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("filestore: create watcher: %w", err)
	}
	if err := watcher.Add(s.dir); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("filestore: watch %q: %w", s.dir, err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}
				name := filepath.Base(event.Name)
				if strings.HasSuffix(name, ".tmp") {
					continue
				}
				if key, ok := keyFromFile(name); ok {
					onChange(key)
				}
			case _, ok := <-watcher.Errors:
				if !ok {
					return
				}
			}
		}
	}()

	return func() {
		_ = watcher.Close()
		<-done
	}, nil
}
