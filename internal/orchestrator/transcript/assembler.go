// Package transcript reassembles chunk transcriptions into one document in
// recording order, whatever order the chunks finish in.
package transcript

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"
)

// Window is one chunk of a recording, [Start, End).
type Window struct {
	Index int           `json:"index"`
	Start time.Duration `json:"start"`
	End   time.Duration `json:"end"`
}

// Length is the window's duration.
func (w Window) Length() time.Duration { return w.End - w.Start }

func (w Window) String() string {
	return clockTime(w.Start) + "-" + clockTime(w.End)
}

// Gap is a window whose transcription failed.
type Gap struct {
	Window
	Err error `json:"-"`
}

// Event reports one chunk finishing.
type Event struct {
	Index int  `json:"index"`
	Done  int  `json:"done"`
	Total int  `json:"total"`
	Gap   bool `json:"gap"`
}

var (
	ErrUnknownChunk = errors.New("unknown chunk")
	ErrDuplicate    = errors.New("chunk already recorded")
	ErrIncomplete   = errors.New("transcript incomplete")
)

type slot struct {
	text string
	done bool
	gap  error
}

// Assembler collects chunk results. Safe for concurrent use.
type Assembler struct {
	mu      sync.Mutex
	windows []Window
	slots   []slot
	done    int
	events  chan Event
}

// NewAssembler expects one result per window. Windows must be indexed
// 0..len-1.
func NewAssembler(windows []Window, eventBuffer int) *Assembler {
	return &Assembler{
		windows: slices.Clone(windows),
		slots:   make([]slot, len(windows)),
		events:  make(chan Event, eventBuffer),
	}
}

// Set records a chunk's text.
func (a *Assembler) Set(index int, text string) error {
	return a.record(index, slot{text: text, done: true})
}

// Fail records a chunk as a gap.
func (a *Assembler) Fail(index int, err error) error {
	if err == nil {
		err = errors.New("unknown failure")
	}
	return a.record(index, slot{done: true, gap: err})
}

func (a *Assembler) record(index int, s slot) error {
	a.mu.Lock()
	if index < 0 || index >= len(a.slots) {
		a.mu.Unlock()
		return fmt.Errorf("%w: %d of %d", ErrUnknownChunk, index, len(a.slots))
	}
	if a.slots[index].done {
		a.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrDuplicate, index)
	}
	a.slots[index] = s
	a.done++
	ev := Event{Index: index, Done: a.done, Total: len(a.slots), Gap: s.gap != nil}
	a.mu.Unlock()

	a.emit(ev)
	return nil
}

// Events streams progress. Events are dropped when the buffer is full.
func (a *Assembler) Events() <-chan Event { return a.events }

func (a *Assembler) emit(ev Event) {
	select {
	case a.events <- ev:
	default:
	}
}

// Progress returns how many chunks have a result.
func (a *Assembler) Progress() (done, total int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.done, len(a.slots)
}

// Complete reports whether every chunk has a result.
func (a *Assembler) Complete() bool {
	done, total := a.Progress()
	return done == total
}

// Text concatenates the chunks in window order, with a marker in place of
// each gap.
func (a *Assembler) Text() (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.done != len(a.slots) {
		return "", fmt.Errorf("%w: %d of %d chunks", ErrIncomplete, a.done, len(a.slots))
	}
	var b strings.Builder
	for i, s := range a.slots {
		if s.gap != nil {
			b.WriteString(GapMarker(a.windows[i]))
			continue
		}
		b.WriteString(s.text)
	}
	return b.String(), nil
}

// Gaps lists failed windows in order.
func (a *Assembler) Gaps() []Gap {
	a.mu.Lock()
	defer a.mu.Unlock()
	var gaps []Gap
	for i, s := range a.slots {
		if s.gap != nil {
			gaps = append(gaps, Gap{Window: a.windows[i], Err: s.gap})
		}
	}
	return gaps
}

// GapMarker is the placeholder text for an untranscribed window.
func GapMarker(w Window) string {
	return "[transcription gap " + w.String() + "]"
}

func clockTime(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	m := (d % time.Hour) / time.Minute
	s := (d % time.Minute) / time.Second
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}
