// Package output formats command results for a terminal.
package output

import (
	"fmt"
	"io"
	"time"
)

type Formatter struct {
	w io.Writer
}

func NewFormatter(w io.Writer) *Formatter {
	return &Formatter{w: w}
}

func (f *Formatter) Joining(link string) {
	fmt.Fprintf(f.w, "🚪 Joining %s\n", link)
}

func (f *Formatter) NotJoined(outcome string) {
	fmt.Fprintf(f.w, "⏭️  Meeting not joined (%s), nothing recorded\n", outcome)
}

func (f *Formatter) RecordingStopped(path string, d time.Duration, reason string) {
	fmt.Fprintf(f.w, "⏹️  Recording stopped after %s (%s): %s\n", formatDuration(d), reason, path)
}

func (f *Formatter) Transcribing(artifact string) {
	fmt.Fprintf(f.w, "📝 Transcribing %s...\n", artifact)
}

func (f *Formatter) ChunkDone(done, total int, gap bool) {
	if gap {
		fmt.Fprintf(f.w, "  chunk %d/%d failed, leaving a gap\n", done, total)
		return
	}
	fmt.Fprintf(f.w, "  chunk %d/%d\n", done, total)
}

func (f *Formatter) TranscribeDone(path string) {
	fmt.Fprintf(f.w, "✅ Transcript saved: %s\n", path)
}

func (f *Formatter) Uploaded(uris []string) {
	for _, u := range uris {
		fmt.Fprintf(f.w, "☁️  Uploaded %s\n", u)
	}
}

func (f *Formatter) Error(msg string) {
	fmt.Fprintf(f.w, "❌ %s\n", msg)
}

func (f *Formatter) Info(msg string) {
	fmt.Fprintf(f.w, "ℹ️  %s\n", msg)
}

func (f *Formatter) Success(msg string) {
	fmt.Fprintf(f.w, "✅ %s\n", msg)
}

func (f *Formatter) Warning(msg string) {
	fmt.Fprintf(f.w, "⚠️  %s\n", msg)
}

func (f *Formatter) SetupCheck(name string, ok bool, detail string) {
	if ok {
		fmt.Fprintf(f.w, "  ✅ %s: %s\n", name, detail)
	} else {
		fmt.Fprintf(f.w, "  ❌ %s: %s\n", name, detail)
	}
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second
	if h > 0 {
		return fmt.Sprintf("%dh%02dm%02ds", h, m, s)
	}
	return fmt.Sprintf("%dm%02ds", m, s)
}
