// Package ffmpeg wraps the ffmpeg/ffprobe binaries: probing, short one-shot
// invocations with stderr capture, and supervised long transcodes with
// progress parsing and stall detection.
package ffmpeg

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

const probeTimeout = 30 * time.Second

// Binaries used by this package; vars so tests can point at stubs.
var (
	FFmpegBin  = "ffmpeg"
	FFprobeBin = "ffprobe"
)

// ProbeDimensions returns the width and height of the first video stream.
func ProbeDimensions(ctx context.Context, path string) (int, int, error) {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	out, err := exec.CommandContext(ctx, FFprobeBin,
		"-v", "error",
		"-select_streams", "v:0",
		"-show_entries", "stream=width,height",
		"-of", "csv=p=0",
		path).Output()
	if err != nil {
		return 0, 0, fmt.Errorf("ffprobe %s: %w", path, err)
	}
	line := strings.TrimSpace(string(out))
	if line == "" {
		return 0, 0, fmt.Errorf("ffprobe returned no video stream for %s", path)
	}
	parts := strings.Split(line, ",")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("ffprobe unexpected output %q for %s", line, path)
	}
	w, err1 := strconv.Atoi(strings.TrimSpace(parts[0]))
	h, err2 := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err1 != nil || err2 != nil || w <= 0 || h <= 0 {
		return 0, 0, fmt.Errorf("ffprobe invalid dimensions %q for %s", line, path)
	}
	return w, h, nil
}

// ProbeDuration returns the container duration in seconds; ok is false when
// the container does not carry one.
func ProbeDuration(ctx context.Context, path string) (float64, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	out, err := exec.CommandContext(ctx, FFprobeBin,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "csv=p=0",
		path).Output()
	if err != nil {
		return 0, false, fmt.Errorf("ffprobe duration %s: %w", path, err)
	}
	line := strings.TrimSpace(string(out))
	if line == "" || line == "N/A" {
		return 0, false, nil
	}
	d, err := strconv.ParseFloat(line, 64)
	if err != nil {
		return 0, false, fmt.Errorf("ffprobe duration %q for %s: %w", line, path, err)
	}
	return d, true, nil
}
