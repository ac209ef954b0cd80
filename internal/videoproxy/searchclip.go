package videoproxy

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ManuGH/mediasearch/internal/ffmpeg"
	"github.com/ManuGH/mediasearch/internal/fsutil"
	"github.com/ManuGH/mediasearch/internal/media"
	"github.com/ManuGH/mediasearch/internal/store"
)

const (
	// searchClipSeconds is the on-demand clip length.
	searchClipSeconds = 10
	// searchClipContext pads the clip start so the search hit lands with a
	// couple of seconds of lead-in.
	searchClipContext = 2.0
	searchClipWidth   = 1280
)

// SearchClip extracts the lazy on-demand clip around a search hit and returns
// its data-dir relative path. An existing clip for the same timestamp is
// reused; otherwise the original file is re-encoded web-safe.
func SearchClip(ctx context.Context, st *store.Store, layout media.Layout, assetID int64, ts float64) (string, error) {
	asset, err := st.Assets.GetByID(ctx, assetID)
	if err != nil {
		return "", err
	}
	if asset.Type != string(media.KindVideo) {
		return "", fmt.Errorf("asset %d is a %s, not a video", assetID, asset.Type)
	}
	lib, err := st.Libraries.GetBySlug(ctx, asset.LibraryID, false)
	if err != nil {
		return "", err
	}
	src, err := fsutil.ConfineRelPath(lib.AbsolutePath, asset.RelPath)
	if err != nil {
		return "", err
	}

	rel := layout.SearchClipRel(lib.Slug, asset.ID, ts)
	abs := layout.Abs(rel)
	if info, err := os.Stat(abs); err == nil && info.Size() > 0 {
		return rel, nil
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", fmt.Errorf("search clip dir: %w", err)
	}
	if _, err := ffmpeg.Run(ctx, searchClipArgs(src, abs, ts)...); err != nil {
		return "", fmt.Errorf("search clip: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil || info.Size() == 0 {
		return "", fmt.Errorf("search clip produced no output for asset %d", assetID)
	}
	return rel, nil
}

// searchClipArgs re-encodes instead of stream-copying: a mid-file -ss with
// -c copy would snap to the wrong keyframe.
func searchClipArgs(src, dest string, ts float64) []string {
	start := ts - searchClipContext
	if start < 0 {
		start = 0
	}
	return []string{
		"-y",
		"-ss", fmt.Sprintf("%.3f", start),
		"-i", src,
		"-t", fmt.Sprintf("%d", searchClipSeconds),
		"-map", "0:v:0", "-map", "0:a:0?",
		"-c:v", "libx264", "-preset", "veryfast", "-crf", "28",
		"-vf", fmt.Sprintf("scale='min(%d,iw)':-2", searchClipWidth),
		"-c:a", "aac", "-b:a", "128k",
		"-movflags", "+faststart",
		dest,
	}
}
