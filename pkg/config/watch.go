package config

import (
	"github.com/fsnotify/fsnotify"

	"github.com/loxone-mcp/gateway/pkg/log"
)

// Watch reloads path whenever it changes on disk and delivers the new
// Config on the returned channel, the same "watch + reload + deliver on
// a channel" shape the teacher's configurator uses for its catalog and
// registry files. The returned stop function closes the watcher; it is
// always safe to call more than once.
func Watch(path string) (<-chan Config, func() error, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, nil, err
	}
	if err := watcher.Add(path); err != nil {
		_ = watcher.Close()
		return nil, nil, err
	}

	updates := make(chan Config, 1)
	done := make(chan struct{})

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				cfg, err := Load(path)
				if err != nil {
					log.Warnf("config reload failed after change to %s: %v", path, err)
					continue
				}
				select {
				case updates <- cfg:
				default:
					// Drop the stale pending reload in favor of the new one.
					select {
					case <-updates:
					default:
					}
					updates <- cfg
				}
			case watchErr, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Warnf("config watcher error for %s: %v", path, watchErr)
			case <-done:
				return
			}
		}
	}()

	stop := func() error {
		select {
		case <-done:
		default:
			close(done)
		}
		return watcher.Close()
	}
	return updates, stop, nil
}
