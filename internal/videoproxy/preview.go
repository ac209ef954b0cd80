package videoproxy

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ManuGH/mediasearch/internal/ffmpeg"
	"github.com/ManuGH/mediasearch/internal/media"
	"github.com/ManuGH/mediasearch/internal/store"
)

const (
	previewEdge      = 320
	previewMaxFrames = 60
	// previewFrameDuration is the per-frame display time in the animation.
	previewFrameDuration = "0.400"
)

// WriteAnimatedPreview assembles the scene representative frames into a
// looping animated WebP. Long videos are sampled evenly down to the frame cap
// so the preview stays small.
func WriteAnimatedPreview(ctx context.Context, layout media.Layout, library string, assetID int64, scenes []store.VideoScene) error {
	if len(scenes) == 0 {
		return errors.New("no scenes to animate")
	}
	frames := sampleScenes(scenes, previewMaxFrames)

	var list strings.Builder
	for _, s := range frames {
		fmt.Fprintf(&list, "file '%s'\nduration %s\n", layout.Abs(s.RepFramePath), previewFrameDuration)
	}
	// The concat demuxer drops the last duration unless the final file is
	// repeated.
	fmt.Fprintf(&list, "file '%s'\n", layout.Abs(frames[len(frames)-1].RepFramePath))

	listFile, err := os.CreateTemp("", "preview-*.txt")
	if err != nil {
		return fmt.Errorf("preview list: %w", err)
	}
	defer os.Remove(listFile.Name())
	if _, err := listFile.WriteString(list.String()); err != nil {
		listFile.Close()
		return fmt.Errorf("preview list: %w", err)
	}
	if err := listFile.Close(); err != nil {
		return fmt.Errorf("preview list: %w", err)
	}

	out := layout.Abs(layout.PreviewRel(library, assetID))
	if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
		return fmt.Errorf("preview dir: %w", err)
	}
	if _, err := ffmpeg.Run(ctx, "-y",
		"-f", "concat", "-safe", "0", "-i", listFile.Name(),
		"-vf", fmt.Sprintf("scale='min(%d,iw)':'min(%d,ih)':force_original_aspect_ratio=decrease", previewEdge, previewEdge),
		"-c:v", "libwebp", "-quality", "70", "-loop", "0",
		out); err != nil {
		return fmt.Errorf("preview: %w", err)
	}
	info, err := os.Stat(out)
	if err != nil || info.Size() == 0 {
		return fmt.Errorf("preview produced no output for asset %d", assetID)
	}
	return nil
}

// sampleScenes picks at most max scenes spread evenly across the input.
func sampleScenes(scenes []store.VideoScene, max int) []store.VideoScene {
	if len(scenes) <= max {
		return scenes
	}
	out := make([]store.VideoScene, 0, max)
	for i := 0; i < max; i++ {
		out = append(out, scenes[i*len(scenes)/max])
	}
	return out
}
