package media

import (
	"fmt"
	"path/filepath"
	"strconv"
)

// Shards per derivative category. Asset ids are spread modulo this count so a
// single directory never accumulates millions of entries.
const ShardCount = 1000

// Layout computes derivative paths under the local cache root. All returned
// paths are relative to the data dir; the database never stores absolute
// cache paths.
type Layout struct {
	DataDir string
}

func shard(assetID int64) string {
	return strconv.FormatInt(assetID%ShardCount, 10)
}

// ThumbnailRel returns the relative path of the JPEG thumbnail for an asset.
func (l Layout) ThumbnailRel(library string, assetID int64) string {
	return filepath.ToSlash(filepath.Join(library, "thumbnails", shard(assetID), fmt.Sprintf("%d.jpg", assetID)))
}

// ProxyRel returns the relative path of the WebP proxy for an image asset.
func (l Layout) ProxyRel(library string, assetID int64) string {
	return filepath.ToSlash(filepath.Join(library, "proxies", shard(assetID), fmt.Sprintf("%d.webp", assetID)))
}

// HeadClipRel returns the relative path of the 10-second head clip.
func (l Layout) HeadClipRel(library string, assetID int64) string {
	return filepath.ToSlash(filepath.Join("video_clips", library, strconv.FormatInt(assetID, 10), "head_clip.mp4"))
}

// SceneFrameRel returns the relative path of a scene's representative JPEG.
// The filename encodes the scene bounds in seconds, rounded to milliseconds,
// so re-runs with identical parameters land on identical names.
func (l Layout) SceneFrameRel(library string, assetID int64, startTS, endTS float64) string {
	name := fmt.Sprintf("%.3f_%.3f.jpg", startTS, endTS)
	return filepath.ToSlash(filepath.Join("video_scenes", library, strconv.FormatInt(assetID, 10), name))
}

// PreviewRel returns the relative path of the animated WebP preview built
// from scene frames.
func (l Layout) PreviewRel(library string, assetID int64) string {
	return filepath.ToSlash(filepath.Join("video_clips", library, strconv.FormatInt(assetID, 10), "preview.webp"))
}

// SearchClipRel returns the relative path of a lazy on-demand search-hit clip.
func (l Layout) SearchClipRel(library string, assetID int64, ts float64) string {
	name := fmt.Sprintf("clip_%d.mp4", int64(ts))
	return filepath.ToSlash(filepath.Join("video_clips", library, strconv.FormatInt(assetID, 10), name))
}

// TmpDir returns the absolute temp directory for ephemeral transcodes of a library.
func (l Layout) TmpDir(library string) string {
	return filepath.Join(l.DataDir, "tmp", library)
}

// Abs resolves a database-relative derivative path against the data dir.
func (l Layout) Abs(rel string) string {
	return filepath.Join(l.DataDir, filepath.FromSlash(rel))
}
