package video

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"math"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"github.com/ManuGH/mediasearch/internal/ffmpeg"
)

var (
	jpegSOI = []byte{0xff, 0xd8}
	jpegEOI = []byte{0xff, 0xd9}
)

const (
	highResWindowOffset   = 0.5
	highResWindowDuration = 1.0
)

// ExtractHighResFrame decodes a ~1s MJPEG window around targetPTS at source
// resolution and returns the frame whose timestamp lands closest, plus its
// showinfo line for scene metadata. Returns (nil, "") when the window
// produced nothing usable; callers fall back to the low-res frame.
func ExtractHighResFrame(ctx context.Context, path string, targetPTS float64) ([]byte, string, error) {
	start := math.Max(0, targetPTS-highResWindowOffset)

	cmd := exec.CommandContext(ctx, ffmpeg.FFmpegBin,
		"-hide_banner", "-loglevel", "info",
		"-ss", strconv.FormatFloat(start, 'f', -1, 64),
		"-t", strconv.FormatFloat(highResWindowDuration, 'f', -1, 64),
		"-i", path,
		"-vf", "fps=30,showinfo",
		"-f", "image2pipe",
		"-vcodec", "mjpeg",
		"-")

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, "", fmt.Errorf("high-res frame: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, "", fmt.Errorf("high-res frame: stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, "", fmt.Errorf("high-res frame: start ffmpeg: %w", err)
	}

	type ptsLine struct {
		pts  float64
		line string
	}
	var (
		mu    sync.Mutex
		lines []ptsLine
	)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		sc := bufio.NewScanner(stderr)
		sc.Buffer(make([]byte, 64*1024), 1024*1024)
		for sc.Scan() {
			line := sc.Text()
			if !strings.Contains(line, "showinfo") || !strings.Contains(line, "pts_time:") {
				continue
			}
			m := ptsPattern.FindStringSubmatch(line)
			if m == nil {
				continue
			}
			pts, err := strconv.ParseFloat(m[1], 64)
			if err != nil {
				continue
			}
			mu.Lock()
			lines = append(lines, ptsLine{pts: pts, line: strings.TrimSpace(line)})
			mu.Unlock()
		}
	}()

	var out bytes.Buffer
	_, readErr := out.ReadFrom(stdout)
	waitErr := cmd.Wait()
	wg.Wait()
	if readErr != nil {
		return nil, "", fmt.Errorf("high-res frame: read stdout: %w", readErr)
	}
	// A failing exit with usable frames is still a win; only fail when the
	// window produced nothing.
	frames := splitMJPEG(out.Bytes())
	if len(frames) == 0 || len(lines) == 0 {
		if waitErr != nil {
			return nil, "", fmt.Errorf("high-res frame at %.3fs: %w", targetPTS, waitErr)
		}
		return nil, "", nil
	}

	// showinfo emits one line per frame in order; pair by index.
	n := len(frames)
	if len(lines) < n {
		n = len(lines)
	}
	bestIdx := 0
	bestDist := math.Inf(1)
	for i := 0; i < n; i++ {
		d := math.Abs(lines[i].pts - targetPTS)
		if d < bestDist {
			bestDist = d
			bestIdx = i
		}
	}
	return frames[bestIdx], lines[bestIdx].line, nil
}

// splitMJPEG cuts a raw MJPEG stream into complete SOI..EOI frames. An
// incomplete trailing buffer is discarded.
func splitMJPEG(stream []byte) [][]byte {
	var frames [][]byte
	i := 0
	for i < len(stream) {
		start := bytes.Index(stream[i:], jpegSOI)
		if start == -1 {
			break
		}
		start += i
		end := bytes.Index(stream[start+2:], jpegEOI)
		if end == -1 {
			break
		}
		end += start + 2
		frames = append(frames, stream[start:end+2])
		i = end + 2
	}
	return frames
}
