// Package ai hosts the vision analysis stages: the light pass (description
// and tags), the full pass (OCR), and the per-scene backfill for videos. All
// claims carry the effective-model predicate so a worker serving one model
// never steals work targeted at another.
package ai

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/ManuGH/mediasearch/internal/config"
	"github.com/ManuGH/mediasearch/internal/media"
	"github.com/ManuGH/mediasearch/internal/store"
	"github.com/ManuGH/mediasearch/internal/vision"
	"github.com/ManuGH/mediasearch/internal/worker"
)

// Mode selects which analysis pass an image worker runs.
type Mode string

const (
	ModeLight Mode = "light"
	ModeFull  Mode = "full"
)

// ParseMode validates a --mode flag value.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeLight, ModeFull:
		return Mode(s), nil
	}
	return "", fmt.Errorf("unknown mode %q (want light or full)", s)
}

// ImageTask is the image vision worker body for one mode.
type ImageTask struct {
	Store    *store.Store
	WorkerID string
	Log      zerolog.Logger
	Layout   media.Layout
	Analyzer vision.Analyzer
	Mode     Mode

	// ModelID is the analyzer's row in the ai_model registry;
	// SystemDefaultModelID resolves libraries without an explicit target.
	ModelID              int64
	SystemDefaultModelID int64

	Library  string
	LeaseTTL time.Duration

	processed atomic.Int64
}

// Stats feeds the worker heartbeat.
func (t *ImageTask) Stats() map[string]any {
	return map[string]any{
		"images_analyzed": t.processed.Load(),
		"mode":            string(t.Mode),
	}
}

func (t *ImageTask) leaseTTL() time.Duration {
	if t.LeaseTTL > 0 {
		return t.LeaseTTL
	}
	return config.DefaultLeaseTTL
}

func (t *ImageTask) claimStatus() store.AssetStatus {
	if t.Mode == ModeFull {
		return store.StatusAnalyzedLight
	}
	return store.StatusProxied
}

// Process claims one image in this mode's input status and runs the pass.
func (t *ImageTask) Process(ctx context.Context) (bool, error) {
	asset, err := t.Store.Assets.Claim(ctx, store.ClaimSpec{
		WorkerID:             t.WorkerID,
		Status:               t.claimStatus(),
		Kind:                 media.KindImage,
		LeaseTTL:             t.leaseTTL(),
		Library:              t.Library,
		ModelID:              t.ModelID,
		SystemDefaultModelID: t.SystemDefaultModelID,
	})
	if errors.Is(err, store.ErrNoWork) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	worker.ClaimsTotal.WithLabelValues("ai_image_" + string(t.Mode)).Inc()
	start := time.Now()
	log := t.Log.With().Int64("asset_id", asset.ID).Str("rel_path", asset.RelPath).Logger()

	if perr := t.analyze(ctx, asset); perr != nil {
		if ctx.Err() != nil {
			t.release(ctx, asset.ID)
			return false, perr
		}
		worker.MarkFailure(ctx, t.Store.Assets, asset, perr, log)
		return true, nil
	}
	worker.StageDuration.WithLabelValues("ai_image_" + string(t.Mode)).Observe(time.Since(start).Seconds())
	t.processed.Add(1)
	log.Info().Str("mode", string(t.Mode)).Dur("elapsed", time.Since(start)).Msg("image analyzed")
	return true, nil
}

// analyze runs the model over the WebP proxy, never the original: RAW and
// giant sources were already normalized by the proxy stage.
func (t *ImageTask) analyze(ctx context.Context, asset *store.Asset) error {
	proxyAbs := t.Layout.Abs(t.Layout.ProxyRel(asset.LibraryID, asset.ID))
	if _, err := os.Stat(proxyAbs); err != nil {
		return fmt.Errorf("proxy missing (run --repair): %w", err)
	}

	analysis, err := t.Analyzer.Analyze(ctx, proxyAbs)
	if err != nil {
		return fmt.Errorf("vision: %w", err)
	}

	// Re-read just before writing; no stale in-memory overlay.
	existing, err := t.Store.Assets.GetAnalysis(ctx, asset.ID)
	if err != nil {
		return err
	}

	if t.Mode == ModeLight {
		doc, err := vision.MergeLight(existing, analysis)
		if err != nil {
			return err
		}
		if err := t.Store.Assets.SetAnalysis(ctx, asset.ID, doc); err != nil {
			return err
		}
		return t.Store.Assets.MarkAnalyzedLight(ctx, asset.ID, t.ModelID)
	}

	// Full pass. When the stored light output came from another model, rerun
	// the light merge with this model's output before adding OCR.
	doc := existing
	if !asset.TagsModelID.Valid || asset.TagsModelID.Int64 != t.ModelID {
		if doc, err = vision.MergeLight(existing, analysis); err != nil {
			return err
		}
	}
	if doc, err = vision.MergeFull(doc, analysis); err != nil {
		// No light block at all; build it from this pass.
		if doc, err = vision.MergeLight(existing, analysis); err != nil {
			return err
		}
		if doc, err = vision.MergeFull(doc, analysis); err != nil {
			return err
		}
	}
	if err := t.Store.Assets.SetAnalysis(ctx, asset.ID, doc); err != nil {
		return err
	}
	return t.Store.Assets.MarkCompleted(ctx, asset.ID, t.ModelID)
}

func (t *ImageTask) release(ctx context.Context, assetID int64) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := t.Store.Assets.Release(rctx, assetID, t.WorkerID); err != nil {
		t.Log.Warn().Err(err).Int64("asset_id", assetID).Msg("could not release lease")
	}
}
