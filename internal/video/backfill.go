package video

import (
	"context"
	"os"

	"github.com/ManuGH/mediasearch/internal/vision"
)

// VisionBackfill describes every scene of an asset that still lacks a
// description, reading representative frames written earlier by the proxy
// stage. The strict merge re-reads each scene's stored metadata immediately
// before writing so nothing racing this pass gets clobbered.
func (ix *Indexer) VisionBackfill(ctx context.Context, assetID int64, stop func() bool) error {
	scenes, err := ix.Scenes.List(ctx, assetID)
	if err != nil {
		return err
	}

	lastWritten := ""
	for _, scene := range scenes {
		if err := ctx.Err(); err != nil {
			return err
		}
		if stop != nil && stop() {
			return ErrInterrupted
		}
		if scene.Description.Valid && scene.Description.String != "" {
			lastWritten = scene.Description.String
			continue
		}
		repAbs := ix.Layout.Abs(scene.RepFramePath)
		if _, err := os.Stat(repAbs); err != nil {
			ix.Log.Warn().Int64("scene_id", scene.ID).Str("path", scene.RepFramePath).
				Msg("scene frame missing, skipping")
			continue
		}

		analysis, err := ix.Analyzer.Analyze(ctx, repAbs)
		if err != nil {
			return err
		}

		existing, _, err := ix.Scenes.GetMetadata(ctx, scene.ID)
		if err != nil {
			return err
		}
		metadata, err := vision.MergeLight(existing, analysis)
		if err != nil {
			return err
		}
		if analysis.OCRText != "" {
			if metadata, err = vision.MergeFull(metadata, analysis); err != nil {
				return err
			}
		}
		if lastWritten != "" && analysis.Description != "" &&
			vision.TokenSetRatio(lastWritten, analysis.Description) > vision.SemanticDupThreshold {
			if metadata, err = vision.MarkSemanticDuplicate(metadata); err != nil {
				return err
			}
		}
		if err := ix.Scenes.UpdateVision(ctx, scene.ID, analysis.Description, metadata); err != nil {
			return err
		}
		lastWritten = analysis.Description
	}
	return nil
}
