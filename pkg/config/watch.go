package config

import (
	"context"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const (
	debounceDelay = 100 * time.Millisecond
	pollInterval  = 2 * time.Second
)

// Watch reloads the config file on change and hands each good parse to
// onReload. It blocks until ctx is done. The directory is watched rather
// than the file because editors and provisioning tools replace files by
// rename. When fsnotify is unavailable it degrades to mtime polling.
// A reload that fails to parse is logged and skipped; the previous config
// stays live.
func Watch(ctx context.Context, path string, onReload func(*Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.Printf("[config] fsnotify unavailable: %v (falling back to polling)", err)
		return pollLoop(ctx, path, onReload)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(path)); err != nil {
		log.Printf("[config] watch %s: %v (falling back to polling)", filepath.Dir(path), err)
		return pollLoop(ctx, path, onReload)
	}

	debounce := newStoppedTimer()
	defer debounce.Stop()

	target := filepath.Clean(path)
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return pollLoop(ctx, path, onReload)
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			resetTimer(debounce)
		case <-debounce.C:
			reload(path, onReload)
		case err, ok := <-watcher.Errors:
			if !ok {
				return pollLoop(ctx, path, onReload)
			}
			log.Printf("[config] watcher error: %v", err)
		}
	}
}

func pollLoop(ctx context.Context, path string, onReload func(*Config)) error {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	lastMod := mtime(path)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			mod := mtime(path)
			if mod.Equal(lastMod) {
				continue
			}
			lastMod = mod
			reload(path, onReload)
		}
	}
}

func reload(path string, onReload func(*Config)) {
	cfg, err := Load(path)
	if err != nil {
		log.Printf("[config] reload %s: %v (keeping previous config)", path, err)
		return
	}
	onReload(cfg)
}

func mtime(path string) time.Time {
	info, err := os.Stat(path)
	if err != nil {
		return time.Time{}
	}
	return info.ModTime()
}

func newStoppedTimer() *time.Timer {
	t := time.NewTimer(time.Hour)
	if !t.Stop() {
		<-t.C
	}
	return t
}

func resetTimer(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(debounceDelay)
}
