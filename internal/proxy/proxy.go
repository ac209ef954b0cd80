// Package proxy is the image derivative stage: claim a pending image, read
// the source once, and write the WebP proxy plus the JPEG thumbnail cascade.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/ManuGH/mediasearch/internal/config"
	"github.com/ManuGH/mediasearch/internal/ffmpeg"
	"github.com/ManuGH/mediasearch/internal/fsutil"
	"github.com/ManuGH/mediasearch/internal/media"
	"github.com/ManuGH/mediasearch/internal/store"
	"github.com/ManuGH/mediasearch/internal/worker"
)

const (
	// ProxyLongEdge bounds the WebP proxy; small sources are never upscaled.
	ProxyLongEdge = 768
	// ThumbLongEdge bounds the JPEG thumbnail, derived from the proxy.
	ThumbLongEdge = 320

	stageName = "image_proxy"
)

// Task is the image proxy worker body.
type Task struct {
	Store    *store.Store
	WorkerID string
	Log      zerolog.Logger
	Layout   media.Layout

	// Library restricts claims to one slug; empty claims any.
	Library  string
	LeaseTTL time.Duration

	processed atomic.Int64
}

// Stats feeds the worker heartbeat.
func (t *Task) Stats() map[string]any {
	return map[string]any{"images_proxied": t.processed.Load()}
}

func (t *Task) leaseTTL() time.Duration {
	if t.LeaseTTL > 0 {
		return t.LeaseTTL
	}
	return config.DefaultLeaseTTL
}

// claim tries pending first, then failed retries.
func (t *Task) claim(ctx context.Context) (*store.Asset, error) {
	for _, status := range []store.AssetStatus{store.StatusPending, store.StatusFailed} {
		asset, err := t.Store.Assets.Claim(ctx, store.ClaimSpec{
			WorkerID: t.WorkerID,
			Status:   status,
			Kind:     media.KindImage,
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

// Process claims one image asset and generates its derivatives. Decode
// failures poison immediately: a file the decoder rejects today is rejected
// tomorrow too.
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

	lib, err := t.Store.Libraries.GetBySlug(ctx, asset.LibraryID, false)
	if err != nil {
		worker.MarkFailure(ctx, t.Store.Assets, asset, err, log)
		return true, nil
	}
	src, err := fsutil.ConfineRelPath(lib.AbsolutePath, asset.RelPath)
	if err != nil {
		worker.MarkFailure(ctx, t.Store.Assets, asset, worker.Permanent(err), log)
		return true, nil
	}

	if genErr := t.generate(ctx, src, asset); genErr != nil {
		if ctx.Err() != nil {
			t.release(ctx, asset.ID)
			return false, genErr
		}
		worker.MarkFailure(ctx, t.Store.Assets, asset, worker.Permanent(genErr), log)
		return true, nil
	}

	if err := t.Store.Assets.MarkProxied(ctx, asset.ID); err != nil {
		return true, err
	}
	worker.StageDuration.WithLabelValues(stageName).Observe(time.Since(start).Seconds())
	t.processed.Add(1)
	log.Info().Dur("elapsed", time.Since(start)).Msg("image proxied")
	return true, nil
}

func (t *Task) generate(ctx context.Context, src string, asset *store.Asset) error {
	proxyAbs := t.Layout.Abs(t.Layout.ProxyRel(asset.LibraryID, asset.ID))
	thumbAbs := t.Layout.Abs(t.Layout.ThumbnailRel(asset.LibraryID, asset.ID))
	for _, p := range []string{proxyAbs, thumbAbs} {
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			return fmt.Errorf("derivative dir: %w", err)
		}
	}

	// The source is decoded exactly once; the thumbnail comes off the proxy.
	if _, err := ffmpeg.Run(ctx, "-y", "-i", src,
		"-frames:v", "1",
		"-vf", ScaleFilter(ProxyLongEdge),
		"-c:v", "libwebp", "-quality", "85",
		proxyAbs); err != nil {
		return fmt.Errorf("proxy: %w", err)
	}
	if err := validateFile(proxyAbs); err != nil {
		return fmt.Errorf("proxy: %w", err)
	}

	if _, err := ffmpeg.Run(ctx, "-y", "-i", proxyAbs,
		"-frames:v", "1",
		"-vf", ScaleFilter(ThumbLongEdge),
		"-q:v", "4",
		thumbAbs); err != nil {
		return fmt.Errorf("thumbnail: %w", err)
	}
	if err := validateFile(thumbAbs); err != nil {
		return fmt.Errorf("thumbnail: %w", err)
	}
	return nil
}

// ScaleFilter fits a frame inside a longEdge square without ever upscaling.
func ScaleFilter(longEdge int) string {
	return fmt.Sprintf("scale='min(%d,iw)':'min(%d,ih)':force_original_aspect_ratio=decrease", longEdge, longEdge)
}

func validateFile(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if info.Size() == 0 {
		return fmt.Errorf("%s: produced empty file", filepath.Base(path))
	}
	return nil
}

// release returns the asset to its pre-claim status after an interrupt. Runs
// on a detached context because the run context is already dead.
func (t *Task) release(ctx context.Context, assetID int64) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := t.Store.Assets.Release(rctx, assetID, t.WorkerID); err != nil {
		t.Log.Warn().Err(err).Int64("asset_id", assetID).Msg("could not release lease")
	}
}
