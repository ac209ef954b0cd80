package scanner

import (
	"context"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/ManuGH/mediasearch/internal/media"
	"github.com/ManuGH/mediasearch/internal/store"
)

// Watcher keeps one library continuously reconciled: filesystem events upsert
// assets as files appear or change, without waiting for the next full scan.
type Watcher struct {
	Store   *store.Store
	Log     zerolog.Logger
	Library *store.Library
}

// Run blocks until the context is cancelled. New directories are added to the
// watch set as they appear; events for unsupported files are ignored.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()

	root, err := filepath.Abs(w.Library.AbsolutePath)
	if err != nil {
		return err
	}
	if err := w.watchTree(fw, root); err != nil {
		return err
	}
	w.Log.Info().Str("library", w.Library.Slug).Str("root", root).Msg("watching")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			w.handleEvent(ctx, fw, root, event)
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.Log.Warn().Err(err).Msg("watch error")
		}
	}
}

func (w *Watcher) watchTree(fw *fsnotify.Watcher, dir string) error {
	if err := fw.Add(dir); err != nil {
		return err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		w.Log.Warn().Err(err).Str("dir", dir).Msg("cannot read directory")
		return nil
	}
	for _, entry := range entries {
		if entry.IsDir() {
			if err := w.watchTree(fw, filepath.Join(dir, entry.Name())); err != nil {
				return err
			}
		}
	}
	return nil
}

func (w *Watcher) handleEvent(ctx context.Context, fw *fsnotify.Watcher, root string, event fsnotify.Event) {
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
		return
	}
	info, err := os.Stat(event.Name)
	if err != nil {
		// Gone again already; the next full scan sorts it out.
		return
	}
	if info.IsDir() {
		if event.Has(fsnotify.Create) {
			if err := w.watchTree(fw, event.Name); err != nil {
				w.Log.Warn().Err(err).Str("dir", event.Name).Msg("cannot watch new directory")
			}
		}
		return
	}

	kind, ok := media.KindForPath(event.Name)
	if !ok {
		return
	}
	rel, err := filepath.Rel(root, event.Name)
	if err != nil {
		return
	}
	rel = filepath.ToSlash(rel)
	mtime := float64(info.ModTime().UnixMilli()) / 1000.0
	if err := w.Store.Assets.Upsert(ctx, w.Library.Slug, rel, kind, mtime, info.Size()); err != nil {
		w.Log.Error().Err(err).Str("rel_path", rel).Msg("watch upsert failed")
		return
	}
	w.Log.Debug().Str("rel_path", rel).Msg("watch upsert")
}
