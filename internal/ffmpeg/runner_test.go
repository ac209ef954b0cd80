package ffmpeg

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProgressParser(t *testing.T) {
	var p progressParser

	lines := []string{
		"frame=120",
		"out_time_us=4000000",
		"total_size=1048576",
		"speed=2.5x",
		"progress=continue",
	}
	var report Progress
	var ok bool
	for _, line := range lines {
		report, ok = p.feed(line)
	}
	require.True(t, ok)
	assert.Equal(t, 4*time.Second, report.OutTime)
	assert.Equal(t, int64(1048576), report.TotalSize)
	assert.InDelta(t, 2.5, report.Speed, 0.001)
	assert.False(t, report.Done)

	// Blocks reset between reports.
	report, ok = p.feed("progress=end")
	require.True(t, ok)
	assert.True(t, report.Done)
	assert.Zero(t, report.OutTime)
}

func TestProgressParserIgnoresNoise(t *testing.T) {
	var p progressParser
	for _, line := range []string{"", "not a pair", "speed=N/A", "out_time_us=abc"} {
		_, ok := p.feed(line)
		assert.False(t, ok)
	}
}

func TestTailBufferKeepsLastLines(t *testing.T) {
	tb := NewTail(3)
	for _, s := range []string{"a", "b", "c", "d", "e"} {
		tb.Add(s)
	}
	assert.Equal(t, "c\nd\ne", tb.String())
}

func TestStallErrorMessage(t *testing.T) {
	err := &StallError{Quiet: 301 * time.Second}
	assert.Contains(t, err.Error(), "no progress")
}
