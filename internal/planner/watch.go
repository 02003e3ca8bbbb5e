package planner

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// reloadDelay coalesces bursts of file events from editors writing in several steps.
const reloadDelay = 200 * time.Millisecond

// Watch reloads playbooks from dir whenever a playbook file changes, until ctx is done.
// A reload that fails keeps the previous playbooks and is logged.
func (p *Planner) Watch(ctx context.Context, dir string, logger *slog.Logger) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating playbook watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watching %s: %w", dir, err)
	}

	go func() {
		defer watcher.Close()

		var timer *time.Timer
		var fire <-chan time.Time
		for {
			select {
			case <-ctx.Done():
				if timer != nil {
					timer.Stop()
				}
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !isPlaybookFile(filepath.Base(event.Name)) {
					continue
				}
				if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
					continue
				}
				if timer == nil {
					timer = time.NewTimer(reloadDelay)
				} else {
					timer.Reset(reloadDelay)
				}
				fire = timer.C
			case <-fire:
				fire = nil
				if err := p.Reload(dir); err != nil {
					logger.Error("playbook reload failed", "dir", dir, "error", err)
					continue
				}
				logger.Info("playbooks reloaded", "dir", dir, "count", len(p.Playbooks()))
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("playbook watcher error", "error", err)
			}
		}
	}()

	return nil
}
