package video

import (
	"bytes"
	"image"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func checkerFrame(w, h, cell int) []byte {
	data := make([]byte, w*h*3)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v := byte(0)
			if (x/cell+y/cell)%2 == 0 {
				v = 0xff
			}
			i := (y*w + x) * 3
			data[i], data[i+1], data[i+2] = v, v, v
		}
	}
	return data
}

func TestPHashRoundTrip(t *testing.T) {
	img, err := FrameImage(checkerFrame(64, 64, 8), 64, 64)
	require.NoError(t, err)
	h, err := ComputePHash(img)
	require.NoError(t, err)

	hex := EncodePHash(h)
	assert.Len(t, hex, 64, "256 bits as hex")

	decoded, err := DecodePHash(hex)
	require.NoError(t, err)
	d, err := HammingDistance(h, decoded)
	require.NoError(t, err)
	assert.Zero(t, d)
}

func TestDecodePHashRejectsBadInput(t *testing.T) {
	_, err := DecodePHash("abc")
	assert.Error(t, err)
	_, err = DecodePHash(string(bytes.Repeat([]byte("z"), 64)))
	assert.Error(t, err)
}

func TestFrameImageBounds(t *testing.T) {
	data := checkerFrame(8, 4, 2)
	img, err := FrameImage(data, 8, 4)
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 8, 4), img.Bounds())

	r, g, b, a := img.At(0, 0).RGBA()
	assert.Equal(t, r, g)
	assert.Equal(t, g, b)
	assert.Equal(t, uint32(0xffff), a)

	_, err = FrameImage(data, 9, 4)
	assert.Error(t, err)
}

func TestSharpnessOrdersBlurBelowDetail(t *testing.T) {
	flat := make([]byte, 64*64*3)
	for i := range flat {
		flat[i] = 0x80
	}
	sharp := checkerFrame(64, 64, 1)

	assert.Zero(t, Sharpness(flat, 64, 64))
	assert.Greater(t, Sharpness(sharp, 64, 64), 100.0)
	assert.Zero(t, Sharpness(nil, 64, 64), "short buffer scores zero instead of panicking")
}

func TestOutputGeometryEvenHeight(t *testing.T) {
	h, size, err := outputGeometry(1920, 1080)
	require.NoError(t, err)
	assert.Equal(t, 270, h)
	assert.Equal(t, 480*270*3, size)

	// 853x480 source scales to 480x270.03 -> rounded down to even 270.
	h, _, err = outputGeometry(853, 480)
	require.NoError(t, err)
	assert.Equal(t, 270, h)
	assert.Equal(t, 0, h%2)

	_, _, err = outputGeometry(0, 480)
	assert.Error(t, err)
}

func TestSplitMJPEG(t *testing.T) {
	frame1 := append(append([]byte{0xff, 0xd8}, []byte("one")...), 0xff, 0xd9)
	frame2 := append(append([]byte{0xff, 0xd8}, []byte("two")...), 0xff, 0xd9)
	stream := append(append([]byte("garbage"), frame1...), frame2...)
	// Incomplete trailing frame is discarded.
	stream = append(stream, 0xff, 0xd8, 'x')

	frames := splitMJPEG(stream)
	require.Len(t, frames, 2)
	assert.Equal(t, frame1, frames[0])
	assert.Equal(t, frame2, frames[1])

	assert.Empty(t, splitMJPEG([]byte("no jpeg here")))
}
