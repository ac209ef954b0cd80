package video

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"image/jpeg"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/google/renameio/v2"
	"github.com/rs/zerolog"

	"github.com/ManuGH/mediasearch/internal/ffmpeg"
	"github.com/ManuGH/mediasearch/internal/media"
	"github.com/ManuGH/mediasearch/internal/store"
	"github.com/ManuGH/mediasearch/internal/vision"
)

// truncationTolerance is how far the last indexed timestamp may fall short of
// the container duration before the run is treated as truncated. Scenes close
// at least once per temporal ceiling, so a healthy run ends within a couple
// of frames of the duration.
const truncationTolerance = 5.0

// NoFramesError means both decode passes produced nothing. The file is
// unsupported or corrupt; retrying will not help.
type NoFramesError struct {
	Detail string
}

func (e *NoFramesError) Error() string {
	return "no frames produced by decoder; video may be unsupported or corrupt\n" + e.Detail
}

// TruncatedError means decoding stopped well short of the container duration.
// Retryable: the next claim resumes from the checkpoint.
type TruncatedError struct {
	LastTS   float64
	Duration float64
}

func (e *TruncatedError) Error() string {
	return fmt.Sprintf("scene indexing stopped at %.1fs of %.1fs; stream truncated", e.LastTS, e.Duration)
}

// Indexer drives one resumable segmentation run per asset: seek to the last
// checkpoint, segment, persist each closed scene atomically with the next
// checkpoint, and clear the checkpoint at end of stream.
type Indexer struct {
	Scenes   *store.SceneRepo
	Layout   media.Layout
	LeaseTTL time.Duration
	Log      zerolog.Logger

	// Analyzer, when set, describes each scene inline using a high-res
	// re-extraction of the best frame. The proxy stage runs without it.
	Analyzer vision.Analyzer

	// OnSceneSaved fires after each checkpoint commit. Used for heartbeat
	// progress stats.
	OnSceneSaved func(repRel string, startTS, endTS float64)
}

// Run indexes one video file for the asset. videoPath may be the original
// file or an ephemeral 720p mezzanine; both carry the same timeline.
func (ix *Indexer) Run(ctx context.Context, assetID int64, librarySlug, videoPath string, stop func() bool) error {
	duration, hasDuration, err := ffmpeg.ProbeDuration(ctx, videoPath)
	if err != nil {
		// No trustworthy duration; run without the tail extension.
		hasDuration = false
	}
	hint := 0.0
	if hasDuration {
		hint = duration
	}

	// Pass 1 with hardware decode, pass 2 in software. Desync and zero
	// frames are the hwaccel failure modes worth one more pass.
	saved, detail, err := ix.runOnce(ctx, assetID, librarySlug, videoPath, stop, "auto", hint)
	if err != nil {
		return err
	}
	if saved == 0 {
		ix.Log.Warn().Int64(logAssetID, assetID).Msg("no scenes from hardware decode, retrying in software")
		var detail2 string
		saved, detail2, err = ix.runOnce(ctx, assetID, librarySlug, videoPath, stop, "", hint)
		if err != nil {
			return err
		}
		if saved == 0 {
			return &NoFramesError{Detail: detail + "\n" + detail2}
		}
	}
	return ix.checkTruncation(ctx, assetID, duration, hasDuration)
}

const logAssetID = "asset_id"

// runOnce performs one decode pass. A desync aborts the pass and returns its
// diagnostics with saved == 0 scenes from this pass; other errors propagate.
func (ix *Indexer) runOnce(ctx context.Context, assetID int64, librarySlug, videoPath string, stop func() bool, hwaccel string, durationHint float64) (int, string, error) {
	resume, startPTS, err := ix.resumeState(ctx, assetID)
	if err != nil {
		return 0, "", err
	}

	scanner, err := NewScanner(ctx, videoPath, ScannerOptions{StartPTS: startPTS, HWAccel: hwaccel})
	if err != nil {
		return 0, "", err
	}
	defer scanner.Close()

	seg := NewSegmenter(scanner, resume)
	seg.DurationHint = durationHint
	saved := 0
	runErr := seg.Run(ctx, stop, func(scene *Scene, next *Checkpoint) error {
		var state *store.VideoActiveState
		if next != nil {
			state = &store.VideoActiveState{
				AssetID:              assetID,
				AnchorPHash:          next.AnchorPHash,
				SceneStartTS:         next.SceneStartTS,
				CurrentBestPTS:       next.BestPTS,
				CurrentBestSharpness: next.BestSharpness,
			}
		}

		if scene == nil {
			// A cut with no eligible best frame still moves the anchor.
			if state != nil {
				return ix.Scenes.UpsertActiveState(ctx, state)
			}
			return ix.Scenes.DeleteActiveState(ctx, assetID)
		}

		repRel := ix.Layout.SceneFrameRel(librarySlug, assetID, scene.StartPTS, scene.EndPTS)
		description, metadata, err := ix.describeScene(ctx, assetID, videoPath, scene, scanner, repRel)
		if err != nil {
			return err
		}

		row := &store.VideoScene{
			AssetID:        assetID,
			StartTS:        scene.StartPTS,
			EndTS:          scene.EndPTS,
			RepFramePath:   repRel,
			SharpnessScore: scene.Sharpness,
			KeepReason:     scene.Reason,
			Description:    sql.NullString{String: description, Valid: description != ""},
			Metadata:       metadata,
		}
		if _, err := ix.Scenes.SaveSceneAndState(ctx, row, state, ix.LeaseTTL); err != nil {
			return err
		}
		saved++
		if ix.OnSceneSaved != nil {
			ix.OnSceneSaved(repRel, scene.StartPTS, scene.EndPTS)
		}
		ix.Log.Debug().
			Int64(logAssetID, assetID).
			Float64("start_ts", scene.StartPTS).
			Float64("end_ts", scene.EndPTS).
			Str("reason", string(scene.Reason)).
			Msg("scene saved")
		return nil
	})

	if runErr != nil {
		if errors.Is(runErr, ErrDesync) {
			detail := fmt.Sprintf("Repro: %s\nFFmpeg stderr tail:\n%s", scanner.ReproCommand(), scanner.StderrTail())
			ix.Log.Warn().Int64(logAssetID, assetID).Str("hwaccel", hwaccel).Msg("frame/pts desync, pass aborted")
			return 0, detail, nil
		}
		return saved, "", runErr
	}
	return saved, fmt.Sprintf("Repro: %s\nFFmpeg stderr tail:\n%s", scanner.ReproCommand(), scanner.StderrTail()), nil
}

// resumeState recomputes the seek point and segmenter priming from the
// database. Recomputed before every pass so scenes saved by an aborted
// hardware pass are not re-saved by the software pass.
func (ix *Indexer) resumeState(ctx context.Context, assetID int64) (*ResumeState, float64, error) {
	maxEnd, ok, err := ix.Scenes.MaxEndTS(ctx, assetID)
	if err != nil {
		return nil, 0, err
	}
	if !ok {
		return nil, -1, nil
	}
	resume := &ResumeState{DiscardUntilPTS: maxEnd}
	if state, err := ix.Scenes.ActiveState(ctx, assetID); err != nil {
		return nil, 0, err
	} else if state != nil {
		resume.SceneStartPTS = state.SceneStartTS
		resume.AnchorPHash = state.AnchorPHash
	}
	// Seek slightly early so the decoder lands on a keyframe before the
	// resume bound; the discard loop drops the overlap.
	return resume, math.Max(0, maxEnd-2.0), nil
}

// describeScene writes the representative JPEG and, when an analyzer is
// attached, describes it inline with semantic-duplicate flagging.
func (ix *Indexer) describeScene(ctx context.Context, assetID int64, videoPath string, scene *Scene, scanner *Scanner, repRel string) (string, []byte, error) {
	repAbs := ix.Layout.Abs(repRel)

	if ix.Analyzer == nil {
		if err := writeFrameJPEG(scene.BestFrame, scanner.Width(), scanner.Height(), repAbs); err != nil {
			return "", nil, err
		}
		return "", nil, nil
	}

	showinfo := ""
	highRes, line, err := ExtractHighResFrame(ctx, videoPath, scene.BestPTS)
	if err != nil {
		ix.Log.Warn().Err(err).Int64(logAssetID, assetID).Float64("pts", scene.BestPTS).
			Msg("high-res extraction failed, using analysis frame")
	}
	if highRes != nil {
		if err := writeFileAtomic(repAbs, highRes); err != nil {
			return "", nil, err
		}
		showinfo = line
	} else if err := writeFrameJPEG(scene.BestFrame, scanner.Width(), scanner.Height(), repAbs); err != nil {
		return "", nil, err
	}

	analysis, err := ix.Analyzer.Analyze(ctx, repAbs)
	if err != nil {
		return "", nil, fmt.Errorf("scene vision at %.3fs: %w", scene.BestPTS, err)
	}

	metadata, err := vision.MergeLight(nil, analysis)
	if err != nil {
		return "", nil, err
	}
	if analysis.OCRText != "" {
		if metadata, err = vision.MergeFull(metadata, analysis); err != nil {
			return "", nil, err
		}
	}
	if showinfo != "" {
		metadata, err = attachShowinfo(metadata, showinfo)
		if err != nil {
			return "", nil, err
		}
	}

	if analysis.Description != "" {
		prev, err := ix.Scenes.LastDescription(ctx, assetID)
		if err != nil {
			return "", nil, err
		}
		if prev != "" && vision.TokenSetRatio(prev, analysis.Description) > vision.SemanticDupThreshold {
			if metadata, err = vision.MarkSemanticDuplicate(metadata); err != nil {
				return "", nil, err
			}
		}
	}
	return analysis.Description, metadata, nil
}

func attachShowinfo(doc []byte, line string) ([]byte, error) {
	m := make(map[string]json.RawMessage)
	if err := json.Unmarshal(doc, &m); err != nil {
		return nil, err
	}
	raw, err := json.Marshal(line)
	if err != nil {
		return nil, err
	}
	m["showinfo"] = raw
	return json.Marshal(m)
}

// checkTruncation compares the furthest indexed timestamp against the
// container duration. A big shortfall means the decoder bailed mid-file.
func (ix *Indexer) checkTruncation(ctx context.Context, assetID int64, duration float64, hasDuration bool) error {
	if !hasDuration {
		// No trustworthy duration to compare against.
		return nil
	}
	lastTS, ok, err := ix.Scenes.MaxEndTS(ctx, assetID)
	if err != nil {
		return err
	}
	if ok && lastTS < duration-truncationTolerance {
		return &TruncatedError{LastTS: lastTS, Duration: duration}
	}
	return nil
}

func writeFrameJPEG(data []byte, width, height int, path string) error {
	img, err := FrameImage(data, width, height)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("scene frame dir: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("scene frame: %w", err)
	}
	if err := jpeg.Encode(f, img, &jpeg.Options{Quality: 85}); err != nil {
		f.Close()
		return fmt.Errorf("scene frame encode: %w", err)
	}
	return f.Close()
}

func writeFileAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("scene frame dir: %w", err)
	}
	return renameio.WriteFile(path, data, 0o644)
}
