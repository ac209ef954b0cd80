// Package media is the single source of truth for recognized file kinds and
// the on-disk layout of derivatives under the local cache root.
package media

import (
	"path/filepath"
	"strings"
)

// Kind is the coarse media kind of an asset.
type Kind string

const (
	KindImage Kind = "image"
	KindVideo Kind = "video"
)

var videoExtensions = map[string]struct{}{
	".mp4": {}, ".mkv": {}, ".mov": {},
}

// Common raster plus major camera RAW of the last ~10 years plus TIFF/DNG.
var imageExtensions = map[string]struct{}{
	".jpg": {}, ".jpeg": {}, ".png": {}, ".webp": {}, ".bmp": {},
	".tif": {}, ".tiff": {},
	// Canon
	".cr2": {}, ".cr3": {}, ".crw": {},
	// Nikon
	".nef": {}, ".nrw": {},
	// Sony
	".arw": {}, ".sr2": {}, ".srf": {},
	// Fuji / Olympus / Panasonic / Leica
	".raf": {}, ".orf": {}, ".rw2": {}, ".raw": {}, ".rwl": {},
	".dng": {},
}

// KindForPath reports the media kind for a file path, or false when the
// extension is not recognized.
func KindForPath(path string) (Kind, bool) {
	ext := strings.ToLower(filepath.Ext(path))
	if _, ok := videoExtensions[ext]; ok {
		return KindVideo, true
	}
	if _, ok := imageExtensions[ext]; ok {
		return KindImage, true
	}
	return "", false
}
