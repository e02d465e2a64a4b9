package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce is how long the watcher waits for a burst of writes to
// settle before reporting it.
const DefaultDebounce = 100 * time.Millisecond

// ReloadEvent reports the last change in a settled burst.
type ReloadEvent struct {
	Path string
	Op   fsnotify.Op
	// Coalesced is the number of raw notifications folded into this event.
	Coalesced int
}

// Watcher reports changes to config.yaml and SYSTEM_PROMPT.md. It watches the
// home directory rather than the files so that editors which replace files
// on save, and files created after startup, are both seen.
type Watcher struct {
	homeDir string
	names    map[string]bool
	debounce time.Duration
	logger   *slog.Logger
	events  chan ReloadEvent
}

func NewWatcher(homeDir string, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		homeDir:  homeDir,
		names:    map[string]bool{ConfigFileName: true, SystemPromptFileName: true},
		debounce: DefaultDebounce,
		logger:   logger,
		events:   make(chan ReloadEvent, 16),
	}
}

// SetDebounce overrides DefaultDebounce. Call before Start.
func (w *Watcher) SetDebounce(d time.Duration) {
	if d > 0 {
		w.debounce = d
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
		return fmt.Errorf("watch %s: %w", w.homeDir, err)
	}

	go func() {
		defer fsw.Close()
		defer close(w.events)

		timer := time.NewTimer(w.debounce)
		if !timer.Stop() {
			<-timer.C
		}
		defer timer.Stop()
		var pending ReloadEvent

		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if !w.names[filepath.Base(ev.Name)] {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
					continue
				}
				pending = ReloadEvent{Path: ev.Name, Op: ev.Op, Coalesced: pending.Coalesced + 1}
				timer.Reset(w.debounce)
			case <-timer.C:
				select {
				case w.events <- pending:
				default:
				}
				w.logger.Info("config file changed", "path", pending.Path, "op", pending.Op.String(), "coalesced", pending.Coalesced)
				pending = ReloadEvent{}
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				w.logger.Error("config watcher error", "error", err)
			}
		}
	}()
	return nil
}
