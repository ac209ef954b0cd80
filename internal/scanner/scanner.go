// Package scanner reconciles library roots with the asset table: it walks
// the filesystem and upserts what it finds. Dirty detection lives in the
// upsert itself, so a scan is cheap to re-run and never resets clean assets.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/ManuGH/mediasearch/internal/media"
	"github.com/ManuGH/mediasearch/internal/store"
)

// statsInterval is how many upserts pass between heartbeat stats pushes.
const statsInterval = 1000

// Task claims libraries flagged for scanning and reconciles their roots.
type Task struct {
	Store    *store.Store
	WorkerID string
	Log      zerolog.Logger

	// Library restricts claims to one slug; empty claims any.
	Library string

	// ShouldStop lets the walk bail out between entries on pause/shutdown.
	// The library returns to idle either way; a re-requested scan picks up
	// the remainder through the idempotent upsert.
	ShouldStop func() bool

	filesSeen atomic.Int64
}

// Stats feeds the worker heartbeat.
func (t *Task) Stats() map[string]any {
	return map[string]any{"files_processed": t.filesSeen.Load()}
}

// SetShouldStop connects the runner's pause/shutdown signal.
func (t *Task) SetShouldStop(fn func() bool) { t.ShouldStop = fn }

// Process claims one library and scans it. Returns false when no library
// wants scanning.
func (t *Task) Process(ctx context.Context) (bool, error) {
	lib, err := t.Store.Libraries.ClaimForScan(ctx, t.Library)
	if errors.Is(err, store.ErrNoWork) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	log := t.Log.With().Str("library", lib.Slug).Logger()
	root, err := filepath.Abs(lib.AbsolutePath)
	if err == nil {
		if _, serr := os.Stat(root); serr != nil {
			err = serr
		}
	}
	if err != nil {
		log.Warn().Err(err).Msg("library root unavailable, resetting to idle")
		if serr := t.Store.Libraries.SetScanStatus(ctx, lib.Slug, store.ScanIdle); serr != nil {
			return true, serr
		}
		return true, nil
	}

	if err := t.Store.Workers.SetState(ctx, t.WorkerID, store.WorkerProcessing); err != nil {
		log.Warn().Err(err).Msg("could not set worker state")
	}
	log.Info().Str("root", root).Msg("scan started")

	t.filesSeen.Store(0)
	count, walkErr := t.scanDir(ctx, root, root, lib.Slug)

	// Idle on every exit path, cancellation included.
	resetCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := t.Store.Libraries.SetScanStatus(resetCtx, lib.Slug, store.ScanIdle); err != nil {
		log.Error().Err(err).Msg("could not reset scan status")
	}
	if err := t.Store.Workers.SetState(resetCtx, t.WorkerID, store.WorkerIdle); err != nil {
		log.Warn().Err(err).Msg("could not set worker state")
	}

	if walkErr != nil {
		return true, walkErr
	}
	log.Info().Int64("files_processed", count).Msg("scan finished")
	return true, nil
}

func (t *Task) stopped() bool {
	return t.ShouldStop != nil && t.ShouldStop()
}

// scanDir walks one directory recursively. Unreadable directories are logged
// and skipped; a scan must survive half-broken mounts.
func (t *Task) scanDir(ctx context.Context, dir, root, librarySlug string) (int64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Log.Error().Err(err).Str("dir", dir).Msg("cannot read directory")
		return 0, nil
	}

	var count int64
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return count, err
		}
		if t.stopped() {
			return count, nil
		}
		path := filepath.Join(dir, entry.Name())
		if entry.IsDir() {
			n, err := t.scanDir(ctx, path, root, librarySlug)
			count += n
			if err != nil {
				return count, err
			}
			continue
		}
		if entry.Type()&os.ModeSymlink != 0 {
			continue
		}

		kind, ok := media.KindForPath(path)
		if !ok {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			t.Log.Warn().Err(err).Str("path", path).Msg("stat failed")
			continue
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return count, fmt.Errorf("scanner: %w", err)
		}
		rel = filepath.ToSlash(rel)

		mtime := float64(info.ModTime().UnixMilli()) / 1000.0
		if err := t.Store.Assets.Upsert(ctx, librarySlug, rel, kind, mtime, info.Size()); err != nil {
			return count, err
		}
		count++
		t.filesSeen.Add(1)
		if count%statsInterval == 0 {
			t.pushStats(ctx, count)
			if t.stopped() {
				return count, nil
			}
		}
	}
	return count, nil
}

func (t *Task) pushStats(ctx context.Context, count int64) {
	stats := fmt.Appendf(nil, `{"files_processed":%d}`, count)
	if err := t.Store.Workers.Heartbeat(ctx, t.WorkerID, stats); err != nil {
		t.Log.Warn().Err(err).Msg("stats heartbeat failed")
	}
}
