package video

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/ManuGH/mediasearch/internal/ffmpeg"
	"github.com/ManuGH/mediasearch/internal/procgroup"
)

// OutWidth is the fixed width of the low-res analysis stream.
const OutWidth = 480

// ptsPairTimeout bounds how long Next waits for the showinfo PTS matching a
// frame already read from stdout. Expiry means the decoder hung or the stderr
// reader died; the stream is unrecoverable.
const ptsPairTimeout = 10 * time.Second

// ErrDesync is returned when frame bytes and PTS lines can no longer be
// paired. Retryable: a fresh claim restarts from the last checkpoint.
var ErrDesync = errors.New("no pts from stderr within timeout")

var ptsPattern = regexp.MustCompile(`pts_time:([\d.]+)`)

// Frame is one decoded low-res frame with its presentation timestamp.
type Frame struct {
	Data []byte
	PTS  float64
}

// FrameSource is what the segmenter consumes. Next returns io.EOF at end of
// stream.
type FrameSource interface {
	Next() (Frame, error)
	Width() int
	Height() int
}

// ScannerOptions configure the persistent pipe.
type ScannerOptions struct {
	// StartPTS seeks before decoding; negative means start from the top.
	StartPTS float64
	// HWAccel is passed to -hwaccel ("auto" or ""). Empty means software.
	HWAccel string
}

// Scanner runs one persistent ffmpeg process decoding 1 fps RGB24 frames at
// width 480 on stdout while a dedicated goroutine parses showinfo PTS lines
// off stderr. Frames and PTS values pair 1:1 in order.
type Scanner struct {
	path      string
	opts      ScannerOptions
	width     int
	height    int
	frameSize int

	cmd    *exec.Cmd
	cancel context.CancelFunc
	stdout io.ReadCloser
	ptsCh  chan float64
	tail   *ffmpeg.Tail
	args   []string

	buf     []byte
	lastPTS float64
}

// NewScanner probes the source dimensions and starts the pipe.
func NewScanner(ctx context.Context, path string, opts ScannerOptions) (*Scanner, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("video scanner: %w", err)
	}
	srcW, srcH, err := ffmpeg.ProbeDimensions(ctx, path)
	if err != nil {
		return nil, err
	}
	outH, frameSize, err := outputGeometry(srcW, srcH)
	if err != nil {
		return nil, err
	}

	s := &Scanner{
		path:      path,
		opts:      opts,
		width:     OutWidth,
		height:    outH,
		frameSize: frameSize,
		ptsCh:     make(chan float64, 64),
		tail:      ffmpeg.NewTail(40),
		buf:       make([]byte, frameSize),
		lastPTS:   -1.0,
	}
	if err := s.start(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// outputGeometry forces an even output height (rounded down) so the explicit
// scale=w:h passed to ffmpeg agrees byte-for-byte with our frame size.
func outputGeometry(srcW, srcH int) (outH, frameSize int, err error) {
	if srcW <= 0 {
		return 0, 0, errors.New("video scanner: source width must be positive")
	}
	outH = (OutWidth * srcH / srcW) / 2 * 2
	if outH <= 0 {
		return 0, 0, fmt.Errorf("video scanner: degenerate geometry %dx%d", srcW, srcH)
	}
	return outH, OutWidth * outH * 3, nil
}

func (s *Scanner) start(ctx context.Context) error {
	args := []string{"-hide_banner", "-loglevel", "info"}
	if s.opts.HWAccel != "" {
		args = append(args, "-hwaccel", s.opts.HWAccel)
	}
	if s.opts.StartPTS >= 0 {
		args = append(args, "-ss", strconv.FormatFloat(s.opts.StartPTS, 'f', -1, 64))
	}
	args = append(args,
		"-i", s.path,
		"-vf", fmt.Sprintf("fps=1,scale=%d:%d,showinfo", s.width, s.height),
		"-f", "rawvideo",
		"-pix_fmt", "rgb24",
		"pipe:1")
	s.args = args

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.cmd = exec.CommandContext(ctx, ffmpeg.FFmpegBin, args...)
	procgroup.Set(s.cmd)
	cmd := s.cmd
	cmd.Cancel = func() error {
		return procgroup.KillGroup(cmd.Process.Pid, 2*time.Second, 10*time.Second)
	}

	stdout, err := s.cmd.StdoutPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("video scanner: stdout pipe: %w", err)
	}
	stderr, err := s.cmd.StderrPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("video scanner: stderr pipe: %w", err)
	}
	if err := s.cmd.Start(); err != nil {
		cancel()
		return fmt.Errorf("video scanner: start ffmpeg: %w", err)
	}
	s.stdout = stdout

	go func() {
		defer close(s.ptsCh)
		sc := bufio.NewScanner(stderr)
		sc.Buffer(make([]byte, 64*1024), 1024*1024)
		for sc.Scan() {
			line := sc.Text()
			s.tail.Add(line)
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
			select {
			case s.ptsCh <- pts:
			case <-ctx.Done():
				return
			}
		}
	}()
	return nil
}

func (s *Scanner) Width() int  { return s.width }
func (s *Scanner) Height() int { return s.height }

// Next returns the next frame with its paired PTS. io.EOF at end of stream,
// ErrDesync when pairing times out. When stderr has finished but stdout still
// carries frames (showinfo truncated), timestamps are synthesized at 1s steps
// so the tail of the stream is not dropped.
func (s *Scanner) Next() (Frame, error) {
	if _, err := io.ReadFull(s.stdout, s.buf); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return Frame{}, io.EOF
		}
		return Frame{}, fmt.Errorf("video scanner: read frame: %w", err)
	}
	data := make([]byte, s.frameSize)
	copy(data, s.buf)

	timer := time.NewTimer(ptsPairTimeout)
	defer timer.Stop()
	select {
	case pts, ok := <-s.ptsCh:
		if !ok {
			s.lastPTS += 1.0
			return Frame{Data: data, PTS: s.lastPTS}, nil
		}
		s.lastPTS = pts
		return Frame{Data: data, PTS: pts}, nil
	case <-timer.C:
		return Frame{}, ErrDesync
	}
}

// LastPTS is the timestamp of the most recently returned frame, or -1.
func (s *Scanner) LastPTS() float64 { return s.lastPTS }

// StderrTail returns recent decoder output for diagnostics.
func (s *Scanner) StderrTail() string { return s.tail.String() }

// ReproCommand renders the command line for error messages.
func (s *Scanner) ReproCommand() string {
	return ffmpeg.FFmpegBin + " " + strings.Join(s.args, " ")
}

// Close terminates the decoder and reaps the process.
func (s *Scanner) Close() error {
	if s.cancel != nil {
		s.cancel()
	}
	if s.cmd != nil {
		_ = s.cmd.Wait()
	}
	return nil
}
