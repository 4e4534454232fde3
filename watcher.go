/* Copyright (c) 2025 Waldemar Augustyn */

package main

import (
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

/* Configuration watcher

The config file is watched for changes and file events are debounced, a
burst of writes collapses into a single timer event. A change requests a
clean exit: applying new settings in place is not viable, the launcher
restarts the daemon instead.
*/

const DEBOUNCE = time.Duration(4765 * time.Millisecond) // [s] file event debounce time

func watch_config() {

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.err("watcher: cannot watch config file: %v", err)
		return
	}
	defer watcher.Close()

	dir := filepath.Dir(cli.conf)
	if err = watcher.Add(dir); err != nil {
		log.err("watcher: cannot watch %v: %v", dir, err)
		return
	}

	timer := time.NewTimer(DEBOUNCE)
	timer.Stop()

	for {
		select {

		case event, ok := <-watcher.Events:

			if !ok {
				return
			}
			if event.Name != cli.conf {
				continue
			}
			log.debug("watcher: %v", event)
			timer.Reset(DEBOUNCE)

		case err, ok := <-watcher.Errors:

			if !ok {
				return
			}
			log.err("watcher: %v", err)

		case <-timer.C:

			request_stop("config file changed")
			return
		}
	}
}
