// Copyright 2025, Command Line Inc.
// SPDX-License-Identifier: Apache-2.0

package sockconfig

import (
	"log"
	"path/filepath"
	"sync"

	"github.com/cogniflight/cmdsock/pkg/eventbus"
	"github.com/fsnotify/fsnotify"
)

const EventConfig = "config"

// Watcher reloads the config whenever the settings file changes and emits EventConfig with the new Config
type Watcher struct {
	mutex    sync.Mutex
	opts     LoadOpts
	watcher  *fsnotify.Watcher
	events   *eventbus.Bus
	config   Config
	fileName string
}

func MakeWatcher(opts LoadOpts) (*Watcher, error) {
	if opts.SettingsPath == "" {
		opts.SettingsPath = SettingsPath()
	}
	cfg, err := Load(opts)
	if err != nil {
		return nil, err
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// watch the directory, editors replace the file instead of writing it
	dir := filepath.Dir(opts.SettingsPath)
	if err := fsw.Add(dir); err != nil {
		log.Printf("[sockconfig] failed to add path %s to watcher: %v\n", dir, err)
	}
	return &Watcher{
		opts:     opts,
		watcher:  fsw,
		events:   eventbus.MakeBus("sockconfig"),
		config:   cfg,
		fileName: filepath.Clean(opts.SettingsPath),
	}, nil
}

func (w *Watcher) Events() *eventbus.Bus {
	return w.events
}

func (w *Watcher) Start() {
	w.mutex.Lock()
	fsw := w.watcher
	w.mutex.Unlock()
	if fsw == nil {
		return
	}
	go func() {
		for {
			select {
			case event, ok := <-fsw.Events:
				if !ok {
					return
				}
				w.handleEvent(event)
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				log.Printf("[sockconfig] watcher error: %v\n", err)
			}
		}
	}()
}

func (w *Watcher) Close() {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	if w.watcher != nil {
		w.watcher.Close()
		w.watcher = nil
	}
}

func (w *Watcher) GetConfig() Config {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	return w.config
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if event.Op == fsnotify.Chmod {
		return
	}
	if filepath.Clean(event.Name) != w.fileName {
		return
	}
	cfg, err := Load(w.opts)
	if err != nil {
		log.Printf("[sockconfig] ignoring settings change: %v\n", err)
		return
	}
	w.mutex.Lock()
	w.config = cfg
	w.mutex.Unlock()
	w.events.Emit(EventConfig, cfg)
}
