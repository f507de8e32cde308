package config

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// debounceQuiet is the minimum quiet window before a reload fires, so an
// editor save-storm coalesces into one reload.
const debounceQuiet = 500 * time.Millisecond

// Watch observes the config file and republishes the snapshot when it
// changes. onReload is invoked with the new snapshot after a successful
// swap. It blocks until ctx is done.
//
// Hot-reload is disabled in production mode; a reload that would change the
// host mode is logged and ignored.
func (l *Loader) Watch(ctx context.Context, onReload func(*RuntimeConfig)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	// Watch the directory, not the file: editors replace files by rename
	// and the original watch descriptor dies with the inode.
	dir := filepath.Dir(l.path)
	if err := watcher.Add(dir); err != nil {
		return err
	}
	target := filepath.Base(l.path)

	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(debounceQuiet)
				timerC = timer.C
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(debounceQuiet)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			l.deps.Logger.Warn().Err(err).Msg("config watcher error")

		case <-timerC:
			timer = nil
			timerC = nil
			if cfg := l.reload(); cfg != nil && onReload != nil {
				onReload(cfg)
			}
		}
	}
}

// reload attempts one hot-reload cycle. Returns the new snapshot on success,
// nil when the reload was rejected or failed; the old snapshot stays current.
func (l *Loader) reload() *RuntimeConfig {
	old := l.current.Load()
	if old != nil && old.Runtime.Host.Mode == ModeProduction {
		l.deps.Logger.Info().Msg("config change detected but hot-reload is disabled in production mode")
		return nil
	}

	next, err := l.parse()
	if err != nil {
		l.deps.Logger.Error().Err(err).Msg("config reload failed, keeping current snapshot")
		return nil
	}
	if old != nil && next.Runtime.Host.Mode != old.Runtime.Host.Mode {
		l.deps.Logger.Warn().
			Str("from", string(old.Runtime.Host.Mode)).
			Str("to", string(next.Runtime.Host.Mode)).
			Msg("host mode change requires a restart, ignoring reload")
		return nil
	}

	next.Version = l.version.Add(1)
	l.current.Store(next)
	l.deps.Logger.Info().Uint64("version", next.Version).Int("entities", len(next.Entities)).Msg("configuration reloaded")
	return next
}
