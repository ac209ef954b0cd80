package ffmpeg

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ManuGH/mediasearch/internal/procgroup"
)

const (
	// StartupGrace is how long a transcode may run before the first progress
	// report is required.
	StartupGrace = 30 * time.Second
	// StallTimeout kills a transcode whose progress output has gone quiet.
	StallTimeout = 5 * time.Minute

	stderrTailLines = 40
)

// Progress is one parsed report from ffmpeg's -progress output.
type Progress struct {
	OutTime   time.Duration
	TotalSize int64
	Speed     float64
	Done      bool
}

// StallError marks a transcode that was killed by the watchdog rather than
// failing on its own.
type StallError struct {
	Quiet time.Duration
}

func (e *StallError) Error() string {
	return fmt.Sprintf("ffmpeg produced no progress for %s", e.Quiet.Round(time.Second))
}

// Run executes a short ffmpeg invocation (thumbnails, clips, frame windows)
// and returns stdout. Stderr is kept for the error message.
func Run(ctx context.Context, args ...string) ([]byte, error) {
	full := append([]string{"-nostdin", "-hide_banner", "-v", "error"}, args...)
	cmd := exec.CommandContext(ctx, FFmpegBin, full...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, commandError(err, full, &stderr)
	}
	return stdout.Bytes(), nil
}

// RunSupervised executes a long transcode with -progress monitoring. The
// watchdog kills the process when no progress report arrives within
// StallTimeout (StartupGrace before the first). onProgress may be nil.
func RunSupervised(ctx context.Context, logger zerolog.Logger, args []string, onProgress func(Progress)) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	full := append([]string{"-nostdin", "-hide_banner", "-progress", "pipe:1"}, args...)
	cmd := exec.CommandContext(ctx, FFmpegBin, full...)
	procgroup.Set(cmd)
	cmd.Cancel = func() error {
		return procgroup.KillGroup(cmd.Process.Pid, 2*time.Second, 10*time.Second)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("ffmpeg stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("ffmpeg stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("ffmpeg start: %w", err)
	}

	var (
		mu       sync.Mutex
		lastSeen = time.Now()
		stalled  time.Duration
	)

	tail := NewTail(stderrTailLines)
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		sc := bufio.NewScanner(stderr)
		sc.Buffer(make([]byte, 64*1024), 1024*1024)
		for sc.Scan() {
			tail.Add(sc.Text())
		}
	}()

	go func() {
		defer wg.Done()
		sc := bufio.NewScanner(stdout)
		var parser progressParser
		for sc.Scan() {
			if report, ok := parser.feed(sc.Text()); ok {
				mu.Lock()
				lastSeen = time.Now()
				mu.Unlock()
				if onProgress != nil {
					onProgress(report)
				}
			}
		}
	}()

	watchdogDone := make(chan struct{})
	go func() {
		defer close(watchdogDone)
		deadline := StartupGrace
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				mu.Lock()
				quiet := time.Since(lastSeen)
				mu.Unlock()
				if quiet > deadline {
					mu.Lock()
					stalled = quiet
					mu.Unlock()
					logger.Warn().
						Dur("quiet", quiet).
						Msg("ffmpeg stalled, killing")
					cancel()
					return
				}
				deadline = StallTimeout
			}
		}
	}()

	waitErr := cmd.Wait()
	cancel()
	wg.Wait()
	<-watchdogDone

	mu.Lock()
	wasStalled := stalled
	mu.Unlock()
	if wasStalled > 0 {
		return &StallError{Quiet: wasStalled}
	}
	if waitErr != nil {
		return commandError(waitErr, full, tail)
	}
	return nil
}

// progressParser accumulates -progress key=value lines into reports. ffmpeg
// terminates each block with a progress= line.
type progressParser struct {
	cur Progress
}

func (p *progressParser) feed(line string) (Progress, bool) {
	key, value, ok := strings.Cut(strings.TrimSpace(line), "=")
	if !ok {
		return Progress{}, false
	}
	switch key {
	case "out_time_us":
		if us, err := strconv.ParseInt(value, 10, 64); err == nil {
			p.cur.OutTime = time.Duration(us) * time.Microsecond
		}
	case "total_size":
		if n, err := strconv.ParseInt(value, 10, 64); err == nil {
			p.cur.TotalSize = n
		}
	case "speed":
		if sp, err := strconv.ParseFloat(strings.TrimSuffix(value, "x"), 64); err == nil {
			p.cur.Speed = sp
		}
	case "progress":
		report := p.cur
		report.Done = value == "end"
		p.cur = Progress{}
		return report, true
	}
	return Progress{}, false
}

func commandError(err error, args []string, stderr fmt.Stringer) error {
	msg := strings.TrimSpace(stderr.String())
	if len(msg) > 2000 {
		msg = msg[len(msg)-2000:]
	}
	if msg != "" {
		return fmt.Errorf("ffmpeg failed: %w\nstderr: %s\nrepro: %s %s",
			err, msg, FFmpegBin, strings.Join(args, " "))
	}
	return fmt.Errorf("ffmpeg failed: %w\nrepro: %s %s", err, FFmpegBin, strings.Join(args, " "))
}

// Tail keeps the last n lines of stderr for error reporting.
type Tail struct {
	mu    sync.Mutex
	lines []string
	max   int
}

func NewTail(max int) *Tail {
	return &Tail{max: max}
}

func (t *Tail) Add(line string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lines = append(t.lines, line)
	if len(t.lines) > t.max {
		t.lines = t.lines[len(t.lines)-t.max:]
	}
}

func (t *Tail) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.Join(t.lines, "\n")
}
