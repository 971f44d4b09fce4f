package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// settleDelay lets an editor finish a save (truncate, write, rename) before
// the change is reported.
const settleDelay = 100 * time.Millisecond

// ReloadEvent reports that one watched file settled after a change. Op
// accumulates every operation seen during the burst.
type ReloadEvent struct {
	Path string
	Op   fsnotify.Op
}

// IsPermissions reports whether the event concerns permissions.yaml.
func (e ReloadEvent) IsPermissions() bool {
	return filepath.Base(e.Path) == "permissions.yaml"
}

// Watcher reports changes to config.yaml and permissions.yaml in the home
// directory. The directory itself is watched so that files replaced by
// rename are seen too. A burst of writes to one file yields one event.
type Watcher struct {
	homeDir string
	logger  *slog.Logger
	events  chan ReloadEvent
}

func NewWatcher(homeDir string, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		homeDir: homeDir,
		logger:  logger,
		events:  make(chan ReloadEvent, 4),
	}
}

// Events is closed when the watcher stops.
func (w *Watcher) Events() <-chan ReloadEvent {
	return w.events
}

func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsw.Add(w.homeDir); err != nil {
		_ = fsw.Close()
		return err
	}
	go w.run(ctx, fsw)
	return nil
}

func (w *Watcher) run(ctx context.Context, fsw *fsnotify.Watcher) {
	defer close(w.events)
	defer fsw.Close()

	pending := map[string]fsnotify.Op{}
	settle := time.NewTimer(settleDelay)
	settle.Stop()
	defer settle.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-fsw.Events:
			if !ok {
				return
			}
			changed := ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename)
			if !changed || !watchedFile(ev.Name) {
				continue
			}
			pending[ev.Name] |= ev.Op
			settle.Reset(settleDelay)
		case <-settle.C:
			for path, op := range pending {
				w.logger.Info("config file changed", "path", path, "op", op.String())
				select {
				case w.events <- ReloadEvent{Path: path, Op: op}:
				case <-ctx.Done():
					return
				}
			}
			clear(pending)
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.logger.Error("config watcher error", "error", err)
		}
	}
}

func watchedFile(path string) bool {
	switch filepath.Base(path) {
	case "config.yaml", "permissions.yaml":
		return true
	}
	return false
}
