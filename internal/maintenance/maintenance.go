// Package maintenance bundles the housekeeping sweeps: expired-lease reclaim,
// stale worker pruning, temp-file GC, and orphaned scene-frame cleanup. Any
// host may run it; all sweeps are idempotent.
package maintenance

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/ManuGH/mediasearch/internal/media"
	"github.com/ManuGH/mediasearch/internal/store"
)

const (
	// StaleWorkerAge is how long a silent worker row survives before pruning.
	StaleWorkerAge = 24 * time.Hour
	// TempMaxAge is how old an ephemeral transcode may grow before the GC
	// takes it, unless a live transcode runs on this host.
	TempMaxAge = 4 * time.Hour
	// orphanMinAge keeps the frame sweep away from files a scene-close
	// transaction is about to reference.
	orphanMinAge = 15 * time.Minute
)

// Sweeper runs one maintenance pass.
type Sweeper struct {
	Store    *store.Store
	Layout   media.Layout
	Log      zerolog.Logger
	Hostname string

	// Library scopes the database sweeps and the disk walks to one slug.
	Library string

	// DryRun reports what would happen without mutating anything.
	DryRun bool
}

// Report is what one pass did (or, under DryRun, would have done).
type Report struct {
	LeasesReclaimed     int64
	WorkersPruned       int64
	TempFilesRemoved    int
	OrphanFramesRemoved int
}

// Run executes all sweeps in order. Database sweeps are skipped entirely
// under DryRun; the disk sweeps walk and report but delete nothing.
func (s *Sweeper) Run(ctx context.Context) (*Report, error) {
	rep := &Report{}
	if !s.DryRun {
		n, err := s.Store.Assets.ReclaimExpired(ctx, s.Library)
		if err != nil {
			return rep, err
		}
		rep.LeasesReclaimed = n
		if n > 0 {
			s.Log.Info().Int64("count", n).Msg("reclaimed expired leases")
		}

		pruned, err := s.Store.Workers.PruneStale(ctx, StaleWorkerAge)
		if err != nil {
			return rep, err
		}
		rep.WorkersPruned = pruned
		if pruned > 0 {
			s.Log.Info().Int64("count", pruned).Msg("pruned stale workers")
		}
	}

	if err := s.sweepTemp(ctx, rep); err != nil {
		return rep, err
	}
	if err := s.sweepOrphanFrames(ctx, rep); err != nil {
		return rep, err
	}
	return rep, nil
}

// sweepTemp deletes aged ephemeral transcodes. Guarded by hostname: temp
// files are host-local, and a live transcode on this host may still be
// writing one that looks old.
func (s *Sweeper) sweepTemp(ctx context.Context, rep *Report) error {
	busy, err := s.Store.Workers.HasActiveLocalTranscode(ctx, s.Hostname)
	if err != nil {
		return err
	}
	if busy {
		s.Log.Info().Str("hostname", s.Hostname).Msg("transcode in progress, skipping temp sweep")
		return nil
	}

	root := filepath.Join(s.Layout.DataDir, "tmp")
	if s.Library != "" {
		root = filepath.Join(root, s.Library)
	}
	cutoff := time.Now().Add(-TempMaxAge)
	return s.removeWalk(root, cutoff, "stale temp file", &rep.TempFilesRemoved, nil)
}

// sweepOrphanFrames deletes scene JPEGs no database row points at, typically
// left behind by invalidated segmentations or emptied libraries.
func (s *Sweeper) sweepOrphanFrames(ctx context.Context, rep *Report) error {
	paths, err := s.Store.Scenes.RepFramePaths(ctx)
	if err != nil {
		return err
	}
	known := make(map[string]struct{}, len(paths))
	for _, p := range paths {
		known[p] = struct{}{}
	}

	root := filepath.Join(s.Layout.DataDir, "video_scenes")
	if s.Library != "" {
		root = filepath.Join(root, s.Library)
	}
	cutoff := time.Now().Add(-orphanMinAge)
	err = s.removeWalk(root, cutoff, "orphaned scene frame", &rep.OrphanFramesRemoved, func(path string) bool {
		rel, err := filepath.Rel(s.Layout.DataDir, path)
		if err != nil {
			return false
		}
		_, ok := known[filepath.ToSlash(rel)]
		return ok
	})
	if err != nil {
		return err
	}
	if !s.DryRun {
		s.pruneEmptyDirs(root)
	}
	return nil
}

// pruneEmptyDirs removes directory shards the sweeps emptied out. Deepest
// first; os.Remove refuses non-empty directories, which is the point.
func (s *Sweeper) pruneEmptyDirs(root string) {
	var dirs []string
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err == nil && d.IsDir() && path != root {
			dirs = append(dirs, path)
		}
		return nil
	})
	for i := len(dirs) - 1; i >= 0; i-- {
		if err := os.Remove(dirs[i]); err == nil {
			s.Log.Debug().Str("path", dirs[i]).Msg("removed empty directory")
		}
	}
}

// removeWalk deletes files under root older than cutoff, skipping those keep
// approves of. A missing root is fine.
func (s *Sweeper) removeWalk(root string, cutoff time.Time, what string, counter *int, keep func(path string) bool) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			s.Log.Warn().Err(err).Str("path", path).Msg("sweep walk error")
			return nil
		}
		if d.IsDir() {
			return nil
		}
		if keep != nil && keep(path) {
			return nil
		}
		info, err := d.Info()
		if err != nil || info.ModTime().After(cutoff) {
			return nil
		}
		if s.DryRun {
			s.Log.Info().Str("path", path).Msgf("would remove %s", what)
			*counter++
			return nil
		}
		if err := os.Remove(path); err != nil {
			s.Log.Warn().Err(err).Str("path", path).Msgf("could not remove %s", what)
			return nil
		}
		s.Log.Debug().Str("path", path).Msgf("removed %s", what)
		*counter++
		return nil
	})
}
