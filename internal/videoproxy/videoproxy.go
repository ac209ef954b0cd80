// Package videoproxy is the video derivative stage: claim a pending video,
// transcode it once into an ephemeral 720p mezzanine, cut thumbnail and head
// clip from that, and run scene segmentation over it.
package videoproxy

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ManuGH/mediasearch/internal/config"
	"github.com/ManuGH/mediasearch/internal/ffmpeg"
	"github.com/ManuGH/mediasearch/internal/fsutil"
	"github.com/ManuGH/mediasearch/internal/media"
	"github.com/ManuGH/mediasearch/internal/store"
	"github.com/ManuGH/mediasearch/internal/video"
	"github.com/ManuGH/mediasearch/internal/worker"
)

const (
	stageName = "video_proxy"

	// headClipSeconds is the stream-copied preview clip length.
	headClipSeconds = 10
	// thumbMaxWidth bounds the static video thumbnail.
	thumbMaxWidth = 1280

	// StageTranscode is the stats value the temp-GC sweep looks for to spare
	// a host with a live transcode.
	StageTranscode = "transcode"

	stageClaimed   = "claimed"
	stageThumbnail = "thumbnail"
	stageHeadClip  = "head_clip"
	stageIndexing  = "scene_indexing"
	stagePreview   = "preview"
)

// Task is the video proxy worker body.
type Task struct {
	Store    *store.Store
	WorkerID string
	Log      zerolog.Logger
	Layout   media.Layout

	// Library restricts claims to one slug; empty claims any.
	Library  string
	LeaseTTL time.Duration

	// ShouldStop is polled at scene closes so shutdown never waits for a
	// full-length video.
	ShouldStop func() bool

	// UseRawPreviews keeps the head clip as the preview; when false an
	// animated WebP is assembled from the scene frames instead.
	UseRawPreviews bool

	mu              sync.Mutex
	currentAssetID  int64
	currentStage    string
	currentProgress float64
	processed       int64
}

// Stats feeds the worker heartbeat. current_stage is load-bearing: the
// maintenance temp sweep spares hosts reporting a live transcode.
func (t *Task) Stats() map[string]any {
	t.mu.Lock()
	defer t.mu.Unlock()
	return map[string]any{
		"videos_proxied":         t.processed,
		"current_asset_id":       t.currentAssetID,
		"current_stage":          t.currentStage,
		"current_stage_progress": t.currentProgress,
	}
}

// SetShouldStop connects the runner's pause/shutdown signal.
func (t *Task) SetShouldStop(fn func() bool) { t.ShouldStop = fn }

func (t *Task) setStage(assetID int64, stage string) {
	t.mu.Lock()
	t.currentAssetID = assetID
	t.currentStage = stage
	t.currentProgress = 0
	t.mu.Unlock()
}

func (t *Task) setProgress(p float64) {
	t.mu.Lock()
	t.currentProgress = p
	t.mu.Unlock()
}

func (t *Task) clearStage(done bool) {
	t.mu.Lock()
	t.currentAssetID = 0
	t.currentStage = ""
	t.currentProgress = 0
	if done {
		t.processed++
	}
	t.mu.Unlock()
}

func (t *Task) leaseTTL() time.Duration {
	if t.LeaseTTL > 0 {
		return t.LeaseTTL
	}
	return config.DefaultLeaseTTL
}

func (t *Task) stop() bool {
	return t.ShouldStop != nil && t.ShouldStop()
}

func (t *Task) claim(ctx context.Context) (*store.Asset, error) {
	for _, status := range []store.AssetStatus{store.StatusPending, store.StatusFailed} {
		asset, err := t.Store.Assets.Claim(ctx, store.ClaimSpec{
			WorkerID: t.WorkerID,
			Status:   status,
			Kind:     media.KindVideo,
			LeaseTTL: t.leaseTTL(),
			Library:  t.Library,
		})
		if errors.Is(err, store.ErrNoWork) {
			continue
		}
		return asset, err
	}
	return nil, store.ErrNoWork
}

// Process claims one video asset and runs the full derivative chain.
func (t *Task) Process(ctx context.Context) (bool, error) {
	asset, err := t.claim(ctx)
	if errors.Is(err, store.ErrNoWork) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	worker.ClaimsTotal.WithLabelValues(stageName).Inc()
	start := time.Now()
	log := t.Log.With().Int64("asset_id", asset.ID).Str("rel_path", asset.RelPath).Logger()
	t.setStage(asset.ID, stageClaimed)

	lib, err := t.Store.Libraries.GetBySlug(ctx, asset.LibraryID, false)
	if err != nil {
		t.clearStage(false)
		worker.MarkFailure(ctx, t.Store.Assets, asset, err, log)
		return true, nil
	}

	if err := t.invalidateStaleScenes(ctx, asset, log); err != nil {
		t.clearStage(false)
		worker.MarkFailure(ctx, t.Store.Assets, asset, err, log)
		return true, nil
	}

	src, err := fsutil.ConfineRelPath(lib.AbsolutePath, asset.RelPath)
	if err != nil {
		t.clearStage(false)
		worker.MarkFailure(ctx, t.Store.Assets, asset, worker.Permanent(err), log)
		return true, nil
	}
	if perr := t.process(ctx, lib, asset, src, log); perr != nil {
		t.clearStage(false)
		if ctx.Err() != nil {
			t.release(ctx, asset.ID)
			return false, perr
		}
		if errors.Is(perr, video.ErrInterrupted) {
			log.Info().Msg("interrupted at safe point, releasing lease")
			t.release(ctx, asset.ID)
			return false, nil
		}
		worker.MarkFailure(ctx, t.Store.Assets, asset, classify(perr), log)
		return true, nil
	}

	if err := t.Store.Assets.SetSegmentationVersion(ctx, asset.ID, int64(video.SegmentationVersion())); err != nil {
		return true, err
	}
	if err := t.Store.Assets.MarkProxied(ctx, asset.ID); err != nil {
		return true, err
	}
	worker.StageDuration.WithLabelValues(stageName).Observe(time.Since(start).Seconds())
	t.clearStage(true)
	log.Info().Dur("elapsed", time.Since(start)).Msg("video proxied")
	return true, nil
}

// invalidateStaleScenes drops scenes produced under different segmentation
// parameters so the asset is re-segmented from scratch. A null version is a
// legacy asset and left alone.
func (t *Task) invalidateStaleScenes(ctx context.Context, asset *store.Asset, log zerolog.Logger) error {
	if !asset.SegmentationVersion.Valid || asset.SegmentationVersion.Int64 == int64(video.SegmentationVersion()) {
		return nil
	}
	log.Info().
		Int64("stored_version", asset.SegmentationVersion.Int64).
		Int("current_version", video.SegmentationVersion()).
		Msg("segmentation parameters changed, discarding previous scenes")
	if err := t.Store.Scenes.ClearForAsset(ctx, asset.ID); err != nil {
		return err
	}
	return t.Store.Assets.ClearVideoDerivatives(ctx, asset.ID)
}

func (t *Task) process(ctx context.Context, lib *store.Library, asset *store.Asset, src string, log zerolog.Logger) error {
	if _, _, err := ffmpeg.ProbeDimensions(ctx, src); err != nil {
		if strings.Contains(err.Error(), "no video stream") {
			return worker.Permanent(err)
		}
		return err
	}
	duration, hasDuration, err := ffmpeg.ProbeDuration(ctx, src)
	if err != nil {
		return err
	}

	tmpDir := t.Layout.TmpDir(lib.Slug)
	if err := os.MkdirAll(tmpDir, 0o755); err != nil {
		return fmt.Errorf("tmp dir: %w", err)
	}
	tmp := filepath.Join(tmpDir, uuid.NewString()+".mp4")
	defer os.Remove(tmp)

	if err := t.transcode(ctx, src, tmp, asset, duration, hasDuration, log); err != nil {
		return err
	}
	if err := t.thumbnail(ctx, tmp, lib.Slug, asset.ID); err != nil {
		return err
	}
	headRel, err := t.headClip(ctx, tmp, lib.Slug, asset.ID)
	if err != nil {
		return err
	}

	t.setStage(asset.ID, stageIndexing)
	ix := &video.Indexer{
		Scenes:   t.Store.Scenes,
		Layout:   t.Layout,
		LeaseTTL: t.leaseTTL(),
		Log:      log,
		OnSceneSaved: func(_ string, _, endTS float64) {
			if hasDuration && duration > 0 {
				t.setProgress(endTS / duration)
			}
		},
	}
	if err := ix.Run(ctx, asset.ID, lib.Slug, tmp, t.stop); err != nil {
		return err
	}

	t.setStage(asset.ID, stagePreview)
	previewRel := headRel
	if !t.UseRawPreviews {
		scenes, err := t.Store.Scenes.List(ctx, asset.ID)
		if err != nil {
			return err
		}
		if werr := WriteAnimatedPreview(ctx, t.Layout, lib.Slug, asset.ID, scenes); werr != nil {
			log.Warn().Err(werr).Msg("animated preview failed, keeping head clip")
		} else {
			previewRel = t.Layout.PreviewRel(lib.Slug, asset.ID)
		}
	}
	return t.Store.Assets.SetVideoPreviewPath(ctx, asset.ID, previewRel)
}

// transcode produces the ephemeral 720p mezzanine every downstream step reads
// instead of touching the source again.
func (t *Task) transcode(ctx context.Context, src, tmp string, asset *store.Asset, duration float64, hasDuration bool, log zerolog.Logger) error {
	t.setStage(asset.ID, StageTranscode)
	args := []string{
		"-y", "-i", src,
		"-vf", "scale=-2:720",
		"-c:v", "libx264", "-preset", "veryfast",
		"-b:v", "3M", "-pix_fmt", "yuv420p",
		"-c:a", "aac", "-b:a", "128k",
		"-movflags", "+faststart",
		tmp,
	}
	err := ffmpeg.RunSupervised(ctx, log, args, func(p ffmpeg.Progress) {
		if hasDuration && duration > 0 {
			t.setProgress(p.OutTime.Seconds() / duration)
		}
	})
	if err != nil {
		return fmt.Errorf("transcode: %w", err)
	}
	info, err := os.Stat(tmp)
	if err != nil || info.Size() == 0 {
		return worker.Permanent(fmt.Errorf("transcode produced no output for %s", asset.RelPath))
	}
	return nil
}

func (t *Task) thumbnail(ctx context.Context, tmp, library string, assetID int64) error {
	t.setStage(assetID, stageThumbnail)
	abs := t.Layout.Abs(t.Layout.ThumbnailRel(library, assetID))
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return fmt.Errorf("thumbnail dir: %w", err)
	}
	if _, err := ffmpeg.Run(ctx, "-y", "-i", tmp,
		"-frames:v", "1", "-q:v", "2",
		"-vf", fmt.Sprintf("scale='min(%d,iw)':-2", thumbMaxWidth),
		abs); err != nil {
		return fmt.Errorf("thumbnail: %w", err)
	}
	return nil
}

// headClip stream-copies the first seconds of the mezzanine; no re-encode.
func (t *Task) headClip(ctx context.Context, tmp, library string, assetID int64) (string, error) {
	t.setStage(assetID, stageHeadClip)
	rel := t.Layout.HeadClipRel(library, assetID)
	abs := t.Layout.Abs(rel)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", fmt.Errorf("head clip dir: %w", err)
	}
	if _, err := ffmpeg.Run(ctx, "-y",
		"-ss", "0", "-t", fmt.Sprintf("%d", headClipSeconds),
		"-i", tmp,
		"-c", "copy", "-movflags", "+faststart",
		abs); err != nil {
		return "", fmt.Errorf("head clip: %w", err)
	}
	return rel, nil
}

// classify promotes known-hopeless failures to permanent so they poison
// without burning the retry budget.
func classify(err error) error {
	var noFrames *video.NoFramesError
	if errors.As(err, &noFrames) {
		return worker.Permanent(err)
	}
	return err
}

func (t *Task) release(ctx context.Context, assetID int64) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := t.Store.Assets.Release(rctx, assetID, t.WorkerID); err != nil {
		t.Log.Warn().Err(err).Int64("asset_id", assetID).Msg("could not release lease")
	}
}
