package video

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/corona10/goimagehash"

	"github.com/ManuGH/mediasearch/internal/store"
)

// Segmentation parameters. Changing either bumps the version and invalidates
// previously indexed scenes.
const (
	PHashThreshold  = 51
	TemporalCeiling = 30.0
	DebounceSec     = 3.0
	SkipFramesBest  = 2
)

// SegmentationVersion encodes the active parameters so stored scenes can be
// recognized as stale after a tuning change.
func SegmentationVersion() int {
	return PHashThreshold*10000 + int(DebounceSec*1000)
}

// ErrInterrupted is returned when the stop callback fired mid-stream.
var ErrInterrupted = errors.New("segmentation interrupted")

// maxTailExtension bounds how far the forced end-of-stream close may stretch
// past the last decoded frame. A larger gap is a truncated stream, not a tail
// below the sampling cadence.
const maxTailExtension = 5.0

// Scene is one closed scene with its representative frame.
type Scene struct {
	BestFrame []byte
	BestPTS   float64
	StartPTS  float64
	EndPTS    float64
	Reason    store.SceneCloseReason
	Sharpness float64
}

// Checkpoint is the state persisted alongside a scene close so a crashed run
// resumes mid-file instead of from zero.
type Checkpoint struct {
	AnchorPHash   string
	SceneStartTS  float64
	BestPTS       float64
	BestSharpness float64
}

// ResumeState primes the segmenter from a stored checkpoint.
type ResumeState struct {
	SceneStartPTS float64
	AnchorPHash   string
	// DiscardUntilPTS drops frames below this bound; the decoder seeks a
	// little early so the anchor comparison warms up on real frames.
	DiscardUntilPTS float64
}

// EmitFunc receives each closed scene. scene is nil when a cut happened with
// no eligible best frame; next is nil at end of stream.
type EmitFunc func(scene *Scene, next *Checkpoint) error

// Segmenter turns the frame stream into scenes: a cut opens when the pHash
// drifts past the threshold (after the debounce window) or the temporal
// ceiling expires, and each closed scene carries its sharpest frame, skipping
// the first frames after a cut which tend to be transition blur.
type Segmenter struct {
	src    FrameSource
	resume *ResumeState

	// DurationHint, when positive, extends the forced end-of-stream close to
	// the container duration so the tail below the 1 fps cadence stays
	// searchable.
	DurationHint float64
}

func NewSegmenter(src FrameSource, resume *ResumeState) *Segmenter {
	return &Segmenter{src: src, resume: resume}
}

type segmentState struct {
	sceneStart    float64
	anchor        *goimagehash.ExtImageHash
	bestPTS       float64
	bestSharpness float64
	bestFrame     []byte
	skipCount     int
	hasBest       bool

	lastPTS       float64
	lastFrame     []byte
	lastSharpness float64
	seenAny       bool
}

func (st *segmentState) reset(at float64) {
	st.sceneStart = at
	st.anchor = nil
	st.bestPTS = at
	st.bestSharpness = -1.0
	st.bestFrame = nil
	st.skipCount = SkipFramesBest
	st.hasBest = false
}

// Run consumes the source until EOF. stop may be nil.
func (g *Segmenter) Run(ctx context.Context, stop func() bool, emit EmitFunc) error {
	w, h := g.src.Width(), g.src.Height()

	var st segmentState
	st.reset(0)
	discardUntil := -1.0
	if g.resume != nil {
		st.sceneStart = g.resume.SceneStartPTS
		discardUntil = g.resume.DiscardUntilPTS
		if g.resume.AnchorPHash != "" {
			anchor, err := DecodePHash(g.resume.AnchorPHash)
			if err != nil {
				return fmt.Errorf("segmenter: resume anchor: %w", err)
			}
			st.anchor = anchor
		}
	}

	closeScene := func(endPTS float64, reason store.SceneCloseReason, nextAnchor *goimagehash.ExtImageHash, nextPTS float64) error {
		var next *Checkpoint
		if nextAnchor != nil {
			next = &Checkpoint{
				AnchorPHash:   EncodePHash(nextAnchor),
				SceneStartTS:  nextPTS,
				BestPTS:       nextPTS,
				BestSharpness: -1.0,
			}
		}
		var scene *Scene
		switch {
		case st.hasBest && len(st.bestFrame) > 0:
			scene = &Scene{
				BestFrame: st.bestFrame,
				BestPTS:   st.bestPTS,
				StartPTS:  st.sceneStart,
				EndPTS:    endPTS,
				Reason:    reason,
				Sharpness: st.bestSharpness,
			}
		case reason == store.CloseForced && len(st.lastFrame) > 0:
			// EOF before any eligible best frame: keep the last frame so
			// very short scenes still get a representative.
			scene = &Scene{
				BestFrame: st.lastFrame,
				BestPTS:   st.lastPTS,
				StartPTS:  st.sceneStart,
				EndPTS:    endPTS,
				Reason:    reason,
				Sharpness: st.lastSharpness,
			}
		}
		if err := emit(scene, next); err != nil {
			return err
		}
		st.reset(endPTS)
		return nil
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if stop != nil && stop() {
			return ErrInterrupted
		}
		frame, err := g.src.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}

		st.seenAny = true
		st.lastPTS = frame.PTS
		st.lastFrame = frame.Data
		st.lastSharpness = Sharpness(frame.Data, w, h)

		if discardUntil >= 0 {
			if frame.PTS < discardUntil {
				continue
			}
			discardUntil = -1
		}

		img, err := FrameImage(frame.Data, w, h)
		if err != nil {
			return fmt.Errorf("segmenter: %w", err)
		}
		framePHash, err := ComputePHash(img)
		if err != nil {
			return fmt.Errorf("segmenter: %w", err)
		}

		if st.anchor == nil {
			st.anchor = framePHash
			st.sceneStart = frame.PTS
			st.skipCount = SkipFramesBest
			st.bestPTS = frame.PTS
			st.bestSharpness = -1.0
			st.bestFrame = nil
			st.hasBest = false
		}

		reason, err := triggerReason(st.anchor, st.sceneStart, framePHash, frame.PTS)
		if err != nil {
			return err
		}
		if reason != "" {
			if err := closeScene(frame.PTS, reason, framePHash, frame.PTS); err != nil {
				return err
			}
			st.anchor = framePHash
			st.sceneStart = frame.PTS
			st.skipCount = SkipFramesBest
			st.bestPTS = frame.PTS
			st.bestSharpness = -1.0
			st.bestFrame = nil
			st.hasBest = false
		}

		if st.skipCount > 0 {
			st.skipCount--
		} else if st.lastSharpness > st.bestSharpness {
			st.bestSharpness = st.lastSharpness
			st.bestPTS = frame.PTS
			st.bestFrame = frame.Data
			st.hasBest = true
		}
	}

	if st.seenAny {
		end := st.lastPTS
		if g.DurationHint > end && g.DurationHint-end <= maxTailExtension {
			end = g.DurationHint
		}
		return closeScene(end, store.CloseForced, nil, end)
	}
	return nil
}

// triggerReason decides whether the current frame opens a new scene: the
// temporal ceiling wins outright; a pHash drift past the threshold counts
// only once the debounce window has elapsed.
func triggerReason(anchor *goimagehash.ExtImageHash, sceneStart float64, framePHash *goimagehash.ExtImageHash, pts float64) (store.SceneCloseReason, error) {
	if anchor == nil {
		return "", nil
	}
	elapsed := pts - sceneStart
	if elapsed >= TemporalCeiling {
		return store.CloseTemporal, nil
	}
	hamming, err := HammingDistance(anchor, framePHash)
	if err != nil {
		return "", fmt.Errorf("segmenter: %w", err)
	}
	if hamming <= PHashThreshold {
		return "", nil
	}
	if elapsed < DebounceSec {
		return "", nil
	}
	return store.ClosePHash, nil
}
