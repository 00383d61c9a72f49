package orchestrator

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/qloader/internal/errkind"
	"github.com/fyrsmithlabs/qloader/internal/sources"
)

// Watch re-runs ingestion whenever files under run.WatchRoots change,
// debounced by WatchDebounce so bursts of writes collapse into one
// incremental run. It returns nil on cancellation and an error only
// for process-fatal conditions.
func (o *Orchestrator) Watch(ctx context.Context, run ProjectRun) error {
	if len(run.WatchRoots) == 0 {
		return errkind.New(errkind.Config, "orchestrator: watch needs at least one local directory")
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return errkind.New(errkind.Server, "orchestrator: start watcher: %v", err)
	}
	defer w.Close()

	for _, root := range run.WatchRoots {
		if err := watchTree(w, root); err != nil {
			return err
		}
	}
	o.log.Info(ctx, "watching for changes",
		zap.String("project_id", run.ProjectID),
		zap.Strings("roots", run.WatchRoots),
		zap.Duration("debounce", o.opts.WatchDebounce))

	timer := time.NewTimer(o.opts.WatchDebounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if ev.Op == fsnotify.Chmod {
				continue
			}
			if ev.Has(fsnotify.Create) {
				// New directories need their own watches; fsnotify is
				// not recursive.
				if info, serr := os.Stat(ev.Name); serr == nil && info.IsDir() {
					if werr := watchTree(w, ev.Name); werr != nil {
						o.log.Warn(ctx, "watch new directory failed",
							zap.String("path", ev.Name),
							zap.Error(werr))
					}
				}
			}
			resetTimer(timer, o.opts.WatchDebounce)
		case werr, ok := <-w.Errors:
			if !ok {
				return nil
			}
			o.log.Warn(ctx, "watcher error", zap.Error(werr))
		case <-timer.C:
			if _, rerr := o.RunProject(ctx, run); rerr != nil {
				switch errkind.KindOf(rerr) {
				case errkind.Cancelled:
					return nil
				case errkind.Config, errkind.State:
					return rerr
				default:
					o.log.Warn(ctx, "watch run failed", zap.Error(rerr))
				}
			}
		}
	}
}

// watchTree registers root and every subdirectory that discovery would
// not skip.
func watchTree(w *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return errkind.New(errkind.Config, "orchestrator: watch %s: %v", root, err)
		}
		if !d.IsDir() {
			return nil
		}
		if p != root {
			if _, skip := sources.SkipDirs[d.Name()]; skip {
				return filepath.SkipDir
			}
		}
		if err := w.Add(p); err != nil {
			return errkind.New(errkind.Config, "orchestrator: watch %s: %v", p, err)
		}
		return nil
	})
}

// resetTimer restarts a debounce timer that may or may not have fired.
func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}
