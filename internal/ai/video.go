package ai

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/ManuGH/mediasearch/internal/config"
	"github.com/ManuGH/mediasearch/internal/media"
	"github.com/ManuGH/mediasearch/internal/store"
	"github.com/ManuGH/mediasearch/internal/video"
	"github.com/ManuGH/mediasearch/internal/vision"
	"github.com/ManuGH/mediasearch/internal/worker"
)

// VideoTask describes every scene of proxied videos. Light and full output
// land in one pass per scene, so the asset jumps straight to completed.
type VideoTask struct {
	Store    *store.Store
	WorkerID string
	Log      zerolog.Logger
	Layout   media.Layout
	Analyzer vision.Analyzer

	ModelID              int64
	SystemDefaultModelID int64

	Library  string
	LeaseTTL time.Duration

	// ShouldStop is polled between scenes.
	ShouldStop func() bool

	processed atomic.Int64
}

// Stats feeds the worker heartbeat.
func (t *VideoTask) Stats() map[string]any {
	return map[string]any{"videos_analyzed": t.processed.Load()}
}

// SetShouldStop connects the runner's pause/shutdown signal.
func (t *VideoTask) SetShouldStop(fn func() bool) { t.ShouldStop = fn }

func (t *VideoTask) leaseTTL() time.Duration {
	if t.LeaseTTL > 0 {
		return t.LeaseTTL
	}
	return config.DefaultLeaseTTL
}

func (t *VideoTask) stop() bool {
	return t.ShouldStop != nil && t.ShouldStop()
}

// claim takes proxied videos first, then analyzed_light strays from earlier
// partial runs.
func (t *VideoTask) claim(ctx context.Context) (*store.Asset, error) {
	for _, status := range []store.AssetStatus{store.StatusProxied, store.StatusAnalyzedLight} {
		asset, err := t.Store.Assets.Claim(ctx, store.ClaimSpec{
			WorkerID:             t.WorkerID,
			Status:               status,
			Kind:                 media.KindVideo,
			LeaseTTL:             t.leaseTTL(),
			Library:              t.Library,
			ModelID:              t.ModelID,
			SystemDefaultModelID: t.SystemDefaultModelID,
		})
		if errors.Is(err, store.ErrNoWork) {
			continue
		}
		return asset, err
	}
	return nil, store.ErrNoWork
}

// Process claims one video and backfills descriptions for its scenes.
func (t *VideoTask) Process(ctx context.Context) (bool, error) {
	asset, err := t.claim(ctx)
	if errors.Is(err, store.ErrNoWork) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	worker.ClaimsTotal.WithLabelValues("ai_video").Inc()
	start := time.Now()
	log := t.Log.With().Int64("asset_id", asset.ID).Str("rel_path", asset.RelPath).Logger()

	ix := &video.Indexer{
		Scenes:   t.Store.Scenes,
		Layout:   t.Layout,
		LeaseTTL: t.leaseTTL(),
		Log:      log,
		Analyzer: t.Analyzer,
	}
	if perr := ix.VisionBackfill(ctx, asset.ID, t.stop); perr != nil {
		if ctx.Err() != nil {
			t.release(ctx, asset.ID)
			return false, perr
		}
		if errors.Is(perr, video.ErrInterrupted) {
			log.Info().Msg("interrupted at safe point, releasing lease")
			t.release(ctx, asset.ID)
			return false, nil
		}
		worker.MarkFailure(ctx, t.Store.Assets, asset, perr, log)
		return true, nil
	}

	if err := t.Store.Assets.MarkCompleted(ctx, asset.ID, t.ModelID); err != nil {
		return true, err
	}
	worker.StageDuration.WithLabelValues("ai_video").Observe(time.Since(start).Seconds())
	t.processed.Add(1)
	log.Info().Dur("elapsed", time.Since(start)).Msg("video scenes analyzed")
	return true, nil
}

func (t *VideoTask) release(ctx context.Context, assetID int64) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := t.Store.Assets.Release(rctx, assetID, t.WorkerID); err != nil {
		t.Log.Warn().Err(err).Int64("asset_id", assetID).Msg("could not release lease")
	}
}
