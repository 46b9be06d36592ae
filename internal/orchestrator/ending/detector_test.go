package ending

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/corona10/goimagehash"

	"github.com/GriffinCanCode/zoomrec/internal/clock"
	"github.com/GriffinCanCode/zoomrec/internal/matcher"
	"github.com/GriffinCanCode/zoomrec/internal/syncx"
)

type fakeFrame bool

func (f fakeFrame) Find(*matcher.Template) (matcher.Point, bool) {
	return matcher.Point{X: 1, Y: 1}, bool(f)
}

// endAfter shows the end screen from the nth frame on.
type endAfter struct {
	n     int
	calls int
}

func (s *endAfter) Frame(context.Context) matcher.Frame {
	s.calls++
	return fakeFrame(s.n > 0 && s.calls >= s.n)
}

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

func TestEndScreenFiresOnce(t *testing.T) {
	fake := clock.NewFake(time.Unix(100, 0))
	screen := &endAfter{n: 4}
	d := NewDetector(screen, &matcher.Template{Name: matcher.End}, fake, time.Second, 0, -1, quiet)
	ev := syncx.NewEvent()

	if got := d.Run(context.Background(), ev); got != EndScreen {
		t.Fatalf("Run = %q, want %q", got, EndScreen)
	}
	if !ev.Fired() || ev.Reason() != string(EndScreen) {
		t.Errorf("event fired=%v reason=%q", ev.Fired(), ev.Reason())
	}
	if want := time.Unix(103, 0); !ev.FiredAt().Equal(want) {
		t.Errorf("FiredAt = %v, want %v", ev.FiredAt(), want)
	}
	if screen.calls != 4 {
		t.Errorf("frames = %d, want 4", screen.calls)
	}
}

func TestMaxDuration(t *testing.T) {
	fake := clock.NewFake(time.Unix(0, 0))
	d := NewDetector(&endAfter{}, &matcher.Template{Name: matcher.End}, fake, time.Second, 5*time.Second, -1, quiet)
	ev := syncx.NewEvent()

	if got := d.Run(context.Background(), ev); got != MaxDuration {
		t.Fatalf("Run = %q, want %q", got, MaxDuration)
	}
	if ev.Reason() != string(MaxDuration) {
		t.Errorf("reason = %q", ev.Reason())
	}
}

func TestCancelDoesNotFire(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	d := NewDetector(&endAfter{}, &matcher.Template{Name: matcher.End}, clock.NewFake(time.Unix(0, 0)), 0, 0, -1, quiet)
	ev := syncx.NewEvent()

	if got := d.Run(ctx, ev); got != "" {
		t.Errorf("Run = %q, want empty", got)
	}
	if ev.Fired() {
		t.Error("event fired on cancellation")
	}
}

func TestAlreadyFiredElsewhere(t *testing.T) {
	ev := syncx.NewEvent()
	ev.Fire(time.Unix(5, 0), string(StopRequested))
	screen := &endAfter{n: 1}
	d := NewDetector(screen, &matcher.Template{Name: matcher.End}, clock.NewFake(time.Unix(0, 0)), 0, 0, -1, quiet)

	if got := d.Run(context.Background(), ev); got != StopRequested {
		t.Errorf("Run = %q, want %q", got, StopRequested)
	}
	if screen.calls != 0 {
		t.Errorf("frames = %d, want 0", screen.calls)
	}
	if !ev.FiredAt().Equal(time.Unix(5, 0)) {
		t.Errorf("FiredAt changed: %v", ev.FiredAt())
	}
}

// hashedFrame carries a fixed pHash and counts template searches.
type hashedFrame struct {
	hash     uint64
	found    bool
	searches *int
}

func (f hashedFrame) Find(*matcher.Template) (matcher.Point, bool) {
	*f.searches++
	return matcher.Point{X: 1, Y: 1}, f.found
}

func (f hashedFrame) PerceptualHash() *goimagehash.ImageHash {
	return goimagehash.NewImageHash(f.hash, goimagehash.PHash)
}

// scripted serves one frame per tick, repeating the last.
type scripted struct {
	frames []hashedFrame
	calls  int
}

func (s *scripted) Frame(context.Context) matcher.Frame {
	i := min(s.calls, len(s.frames)-1)
	s.calls++
	return s.frames[i]
}

func TestSkipsSearchOnSimilarFrames(t *testing.T) {
	const base = 0xF0F0F0F0F0F0F0F0
	tests := []struct {
		name         string
		skip         int
		wantSearches int
	}{
		// Frames 2 and 3 differ from frame 1 by 1 and 3 bits; frame 4 by 32.
		{"within distance", 4, 2},
		{"disabled", -1, 4},
		{"exact only", 0, 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var searches int
			screen := &scripted{frames: []hashedFrame{
				{hash: base, searches: &searches},
				{hash: base ^ 0x1, searches: &searches},
				{hash: base ^ 0x7, searches: &searches},
				{hash: 0x0F0F0F0FF0F0F0F0, found: true, searches: &searches},
			}}
			d := NewDetector(screen, &matcher.Template{Name: matcher.End}, clock.NewFake(time.Unix(0, 0)), time.Second, 0, tt.skip, quiet)
			ev := syncx.NewEvent()

			if got := d.Run(context.Background(), ev); got != EndScreen {
				t.Fatalf("Run = %q, want %q", got, EndScreen)
			}
			if screen.calls != 4 {
				t.Errorf("frames = %d, want 4", screen.calls)
			}
			if searches != tt.wantSearches {
				t.Errorf("searches = %d, want %d", searches, tt.wantSearches)
			}
		})
	}
}

func TestSkipStillHonoursMaxDuration(t *testing.T) {
	var searches int
	screen := &scripted{frames: []hashedFrame{{hash: 42, searches: &searches}}}
	d := NewDetector(screen, &matcher.Template{Name: matcher.End}, clock.NewFake(time.Unix(0, 0)), time.Second, 3*time.Second, DefaultSkipDistance, quiet)

	if got := d.Run(context.Background(), syncx.NewEvent()); got != MaxDuration {
		t.Fatalf("Run = %q, want %q", got, MaxDuration)
	}
	if searches != 1 {
		t.Errorf("searches = %d, want 1", searches)
	}
}
