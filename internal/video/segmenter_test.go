package video

import (
	"context"
	"io"
	"testing"

	"github.com/corona10/goimagehash"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuGH/mediasearch/internal/store"
)

const (
	testW = 32
	testH = 18
)

// fakeSource feeds pre-built frames to the segmenter.
type fakeSource struct {
	frames []Frame
	pos    int
}

func (f *fakeSource) Next() (Frame, error) {
	if f.pos >= len(f.frames) {
		return Frame{}, io.EOF
	}
	fr := f.frames[f.pos]
	f.pos++
	return fr, nil
}

func (f *fakeSource) Width() int  { return testW }
func (f *fakeSource) Height() int { return testH }

// flatFrame is a uniform frame; identical frames never trip the pHash cut.
func flatFrame(v byte, pts float64) Frame {
	data := make([]byte, testW*testH*3)
	for i := range data {
		data[i] = v
	}
	return Frame{Data: data, PTS: pts}
}

func onePerSecond(n int, startPTS float64) []Frame {
	frames := make([]Frame, n)
	for i := range frames {
		frames[i] = flatFrame(0x40, startPTS+float64(i))
	}
	return frames
}

type emitted struct {
	scene *Scene
	next  *Checkpoint
}

func collect(t *testing.T, src FrameSource, resume *ResumeState) []emitted {
	t.Helper()
	var out []emitted
	err := NewSegmenter(src, resume).Run(context.Background(), nil, func(scene *Scene, next *Checkpoint) error {
		out = append(out, emitted{scene: scene, next: next})
		return nil
	})
	require.NoError(t, err)
	return out
}

func TestTemporalCeilingClosesScenes(t *testing.T) {
	// 70 identical frames at 1 fps: ceilings at 30s and 60s, forced close at 69s.
	src := &fakeSource{frames: onePerSecond(70, 0)}
	out := collect(t, src, nil)

	require.Len(t, out, 3)
	require.NotNil(t, out[0].scene)
	assert.Equal(t, store.CloseTemporal, out[0].scene.Reason)
	assert.Equal(t, 0.0, out[0].scene.StartPTS)
	assert.Equal(t, 30.0, out[0].scene.EndPTS)
	require.NotNil(t, out[0].next, "a mid-stream close must carry the next checkpoint")
	assert.Equal(t, 30.0, out[0].next.SceneStartTS)

	require.NotNil(t, out[1].scene)
	assert.Equal(t, store.CloseTemporal, out[1].scene.Reason)
	assert.Equal(t, 30.0, out[1].scene.StartPTS)
	assert.Equal(t, 60.0, out[1].scene.EndPTS)

	require.NotNil(t, out[2].scene)
	assert.Equal(t, store.CloseForced, out[2].scene.Reason)
	assert.Equal(t, 60.0, out[2].scene.StartPTS)
	assert.Equal(t, 69.0, out[2].scene.EndPTS)
	assert.Nil(t, out[2].next, "end of stream clears the checkpoint")
}

func TestBestFrameSkipsPostCutFrames(t *testing.T) {
	src := &fakeSource{frames: onePerSecond(35, 0)}
	out := collect(t, src, nil)

	require.NotEmpty(t, out)
	require.NotNil(t, out[0].scene)
	// Frames at 0s and 1s are skipped as transition blur; the best frame
	// must come from 2s onward.
	assert.GreaterOrEqual(t, out[0].scene.BestPTS, 2.0)
}

func TestShortStreamForcedCloseUsesLastFrame(t *testing.T) {
	// Two frames: both inside the skip window, so no eligible best exists.
	src := &fakeSource{frames: onePerSecond(2, 0)}
	out := collect(t, src, nil)

	require.Len(t, out, 1)
	require.NotNil(t, out[0].scene, "forced close falls back to the last frame")
	assert.Equal(t, store.CloseForced, out[0].scene.Reason)
	assert.Equal(t, 1.0, out[0].scene.BestPTS)
}

func TestEmptyStreamEmitsNothing(t *testing.T) {
	out := collect(t, &fakeSource{}, nil)
	assert.Empty(t, out)
}

func TestResumeDiscardsCaughtUpFrames(t *testing.T) {
	// Decoder seeked to 28s; checkpoint says the open scene started at 30s
	// and frames below 30s are overlap from the early keyframe seek.
	frames := onePerSecond(15, 28) // 28..42s
	anchor := mustHashOfFrame(t, frames[0])
	src := &fakeSource{frames: frames}
	out := collect(t, src, &ResumeState{
		SceneStartPTS:   30.0,
		AnchorPHash:     EncodePHash(anchor),
		DiscardUntilPTS: 30.0,
	})

	require.NotEmpty(t, out)
	require.NotNil(t, out[0].scene)
	// Open scene resumed at 30s closes when the ceiling elapses relative to
	// its original start, not the seek point.
	assert.Equal(t, 30.0, out[0].scene.StartPTS)
	assert.GreaterOrEqual(t, out[0].scene.BestPTS, 30.0, "discarded frames must not become best frames")
}

func TestInterruptStopsRun(t *testing.T) {
	src := &fakeSource{frames: onePerSecond(50, 0)}
	calls := 0
	err := NewSegmenter(src, nil).Run(context.Background(), func() bool {
		calls++
		return calls > 10
	}, func(*Scene, *Checkpoint) error { return nil })
	assert.ErrorIs(t, err, ErrInterrupted)
}

func mustHashOfFrame(t *testing.T, f Frame) *goimagehash.ExtImageHash {
	t.Helper()
	img, err := FrameImage(f.Data, testW, testH)
	require.NoError(t, err)
	h, err := ComputePHash(img)
	require.NoError(t, err)
	return h
}

func TestTriggerReason(t *testing.T) {
	zero := goimagehash.NewExtImageHash(make([]uint64, phashWords), goimagehash.PHash, phashWords*64)
	far := goimagehash.NewExtImageHash([]uint64{^uint64(0), ^uint64(0), ^uint64(0), ^uint64(0)}, goimagehash.PHash, phashWords*64)

	reason, err := triggerReason(nil, 0, zero, 5)
	require.NoError(t, err)
	assert.Empty(t, reason, "no anchor, no trigger")

	reason, err = triggerReason(zero, 0, zero, 31)
	require.NoError(t, err)
	assert.Equal(t, store.CloseTemporal, reason, "ceiling fires even with identical hashes")

	reason, err = triggerReason(zero, 0, far, 5)
	require.NoError(t, err)
	assert.Equal(t, store.ClosePHash, reason, "full drift past the debounce window")

	reason, err = triggerReason(zero, 0, far, 2)
	require.NoError(t, err)
	assert.Empty(t, reason, "drift inside the debounce window is ignored")

	reason, err = triggerReason(zero, 0, zero, 10)
	require.NoError(t, err)
	assert.Empty(t, reason, "identical hashes never cut")
}

func TestSegmentationVersionEncoding(t *testing.T) {
	assert.Equal(t, 513000, SegmentationVersion())
}
