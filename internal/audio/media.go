package audio

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/GriffinCanCode/zoomrec/internal/proc"
)

const DefaultProbeBinary = "ffprobe"

// Prober reads a recording's duration with ffprobe.
type Prober struct {
	Binary string
	runner proc.Runner
}

func NewProber(r proc.Runner) *Prober {
	if r == nil {
		r = proc.ExecRunner{}
	}
	return &Prober{Binary: DefaultProbeBinary, runner: r}
}

// Duration returns the container duration of path.
func (p *Prober) Duration(ctx context.Context, path string) (time.Duration, error) {
	out, err := p.runner.Run(ctx, p.Binary,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path)
	if err != nil {
		return 0, fmt.Errorf("probe %s: %w", path, err)
	}
	return parseSeconds(string(out))
}

func parseSeconds(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = strings.TrimSpace(s[:i])
	}
	secs, err := strconv.ParseFloat(s, 64)
	if err != nil || secs < 0 {
		return 0, fmt.Errorf("unexpected duration %q", s)
	}
	return time.Duration(secs * float64(time.Second)), nil
}

// Slicer cuts a window out of a recording with ffmpeg.
type Slicer struct {
	Binary string
	runner proc.Runner
}

func NewSlicer(r proc.Runner) *Slicer {
	if r == nil {
		r = proc.ExecRunner{}
	}
	return &Slicer{Binary: DefaultBinary, runner: r}
}

// Slice writes [start, start+length) of src to dst, re-encoding to mp3 so
// the cut is frame accurate.
func (s *Slicer) Slice(ctx context.Context, src, dst string, start, length time.Duration) error {
	_, err := s.runner.Run(ctx, s.Binary, s.Args(src, dst, start, length)...)
	if err != nil {
		return fmt.Errorf("slice %s at %s: %w", src, start, err)
	}
	return nil
}

// Args returns the ffmpeg command line for one slice.
func (s *Slicer) Args(src, dst string, start, length time.Duration) []string {
	return []string{
		"-y", "-v", "error",
		"-ss", seconds(start),
		"-t", seconds(length),
		"-i", src,
		"-acodec", "libmp3lame",
		"-b:a", DefaultBitRate,
		dst,
	}
}

func seconds(d time.Duration) string {
	return strconv.FormatFloat(d.Seconds(), 'f', 3, 64)
}
