// Package video implements the scene segmentation pipeline: a persistent
// FFmpeg frame pipe with PTS pairing, pHash-based cut detection with a
// temporal ceiling and debounce, best-frame selection by Laplacian sharpness,
// and resumable indexing checkpointed to the database.
package video

import (
	"fmt"
	"image"
	"image/color"
	"strconv"
	"strings"

	"github.com/corona10/goimagehash"
)

// PHashSize gives 256-bit hashes (16x16). The wide hash keeps the Hamming
// threshold meaningful on busy frames where 64-bit pHashes saturate.
const PHashSize = 16

const phashWords = PHashSize * PHashSize / 64

// ComputePHash hashes one frame.
func ComputePHash(img image.Image) (*goimagehash.ExtImageHash, error) {
	h, err := goimagehash.ExtPerceptionHash(img, PHashSize, PHashSize)
	if err != nil {
		return nil, fmt.Errorf("phash: %w", err)
	}
	return h, nil
}

// EncodePHash serializes a hash to the hex form stored in
// video_active_state.anchor_phash.
func EncodePHash(h *goimagehash.ExtImageHash) string {
	var b strings.Builder
	for _, w := range h.GetHash() {
		fmt.Fprintf(&b, "%016x", w)
	}
	return b.String()
}

// DecodePHash parses the stored hex form back into a hash.
func DecodePHash(s string) (*goimagehash.ExtImageHash, error) {
	if len(s) != phashWords*16 {
		return nil, fmt.Errorf("phash hex: want %d chars, got %d", phashWords*16, len(s))
	}
	words := make([]uint64, phashWords)
	for i := range words {
		w, err := strconv.ParseUint(s[i*16:(i+1)*16], 16, 64)
		if err != nil {
			return nil, fmt.Errorf("phash hex: %w", err)
		}
		words[i] = w
	}
	return goimagehash.NewExtImageHash(words, goimagehash.PHash, phashWords*64), nil
}

// HammingDistance between two hashes.
func HammingDistance(a, b *goimagehash.ExtImageHash) (int, error) {
	d, err := a.Distance(b)
	if err != nil {
		return 0, fmt.Errorf("phash distance: %w", err)
	}
	return d, nil
}

// FrameImage wraps raw RGB24 bytes as an image.Image without copying.
func FrameImage(data []byte, width, height int) (image.Image, error) {
	if len(data) != width*height*3 {
		return nil, fmt.Errorf("frame: want %d bytes for %dx%d, got %d", width*height*3, width, height, len(data))
	}
	return &rgb24{data: data, w: width, h: height}, nil
}

type rgb24 struct {
	data []byte
	w, h int
}

func (m *rgb24) ColorModel() color.Model { return color.RGBAModel }

func (m *rgb24) Bounds() image.Rectangle { return image.Rect(0, 0, m.w, m.h) }

func (m *rgb24) At(x, y int) color.Color {
	i := (y*m.w + x) * 3
	return color.RGBA{R: m.data[i], G: m.data[i+1], B: m.data[i+2], A: 0xff}
}
