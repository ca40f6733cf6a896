package scheduler

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sync/errgroup"

	"github.com/paulschiretz/pgl-mirror/pkg/plog"
	"github.com/paulschiretz/pgl-mirror/pkg/util"
)

// RunWatch watches root and every directory below it, and runs once per change
// event. Directories created later are watched as soon as their creation is seen.
//
// Events are queued without a bound while a run is in progress, so every event
// observed gets exactly one run in arrival order. Watcher errors are logged and
// ignored. If the watcher shuts down on its own the queued events are still run
// and ErrWatcherClosed is returned.
//
// Changes at or below an ignore path never trigger a run. This keeps files the run
// itself writes, like its lock, from retriggering the watch.
func RunWatch(ctx context.Context, root string, run RunFunc, ignore ...string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	defer watcher.Close()

	if err := watchTree(watcher, root, ignore); err != nil {
		return fmt.Errorf("failed to watch %s: %w", root, err)
	}
	plog.Info("Watching for changes", "root", root)

	onCreate := func(path string) {
		info, err := os.Lstat(path)
		if err != nil || !info.IsDir() {
			return
		}
		if err := watchTree(watcher, path, ignore); err != nil {
			plog.Warn("Failed to watch new directory", "path", path, "error", err)
		}
	}

	queue := make(chan fsnotify.Event)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return pump(gctx, watcher.Events, watcher.Errors, onCreate, queue)
	})
	g.Go(func() error {
		// Runs use the caller's context so the last queued event is still processed
		// after the pump has stopped on a closed watcher.
		for ev := range queue {
			if ignored(ev.Name, ignore) {
				continue
			}
			plog.Debug("Change detected", "path", ev.Name, "op", ev.Op.String())
			runOnce(ctx, run, "watch")
		}
		return nil
	})

	err = g.Wait()
	if ctx.Err() != nil {
		plog.Info("Watch schedule stopped")
		return nil
	}
	return err
}

// ignored reports whether path is at or below one of the ignore paths.
func ignored(path string, ignore []string) bool {
	for _, base := range ignore {
		if util.IsUnder(base, path) {
			return true
		}
	}
	return false
}

// watchTree adds root and every directory below it to the watcher, skipping ignored
// subtrees.
func watchTree(w *fsnotify.Watcher, root string, ignore []string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			plog.Warn("Skipping unreadable directory", "path", path, "error", err)
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if ignored(path, ignore) {
			return filepath.SkipDir
		}
		return w.Add(path)
	})
}

// pump moves events from the watcher into out through an unbounded FIFO queue so
// the watcher is never blocked by a slow consumer. onCreate is called for every
// Create event before it is queued. out is closed when pump returns.
func pump(ctx context.Context, events <-chan fsnotify.Event, errs <-chan error, onCreate func(string), out chan<- fsnotify.Event) error {
	defer close(out)

	var pending []fsnotify.Event
	for {
		if events == nil && len(pending) == 0 {
			return ErrWatcherClosed
		}

		// Only offer the head of the queue when there is one.
		var send chan<- fsnotify.Event
		var next fsnotify.Event
		if len(pending) > 0 {
			send = out
			next = pending[0]
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if ev.Has(fsnotify.Create) && onCreate != nil {
				onCreate(ev.Name)
			}
			pending = append(pending, ev)
		case send <- next:
			pending[0] = fsnotify.Event{}
			pending = pending[1:]
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				plog.Warn("File watcher dropped events, some changes may not trigger a run", "error", err)
				continue
			}
			plog.Warn("File watcher error", "error", err)
		}
	}
}
