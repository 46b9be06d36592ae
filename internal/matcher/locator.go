package matcher

import (
	"context"
	"hash/fnv"
	"image"
	"log/slog"
	"sync"
	"time"

	"github.com/corona10/goimagehash"

	"github.com/GriffinCanCode/zoomrec/internal/screen"
)

// DefaultScale is the coarse search resolution relative to the screen.
const DefaultScale = 0.5

// Options tune a Locator.
type Options struct {
	// Scale in (0, 1]; 1 searches exhaustively at full resolution.
	Scale float64
	// ReuseUnchanged returns the previous snapshot, with its memoized
	// results, when the new frame is pixel-identical.
	ReuseUnchanged bool
	// OnMatch observes every fresh (non-memoized) match.
	OnMatch func(template string, r Result)
	// OnCapture observes every capture: whether the previous frame was reused
	// and how long capture plus preparation took.
	OnCapture func(reused bool, err error, took time.Duration)
	Logger    *slog.Logger
}

// Locator captures the screen and matches templates against it.
type Locator struct {
	capturer screen.Capturer
	opts     Options
	log      *slog.Logger

	mu     sync.Mutex
	last   *Snapshot
	lastFP fingerprint
}

// NewLocator creates a locator over capturer.
func NewLocator(c screen.Capturer, opts Options) *Locator {
	if opts.Scale <= 0 || opts.Scale > 1 {
		opts.Scale = DefaultScale
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Locator{capturer: c, opts: opts, log: log}
}

// Locate captures the screen and finds t on it.
func (l *Locator) Locate(ctx context.Context, t *Template) (Point, bool) {
	return l.Snapshot(ctx).Find(t)
}

// Frame is Snapshot behind the Frame interface.
func (l *Locator) Frame(ctx context.Context) Frame {
	return l.Snapshot(ctx)
}

// Snapshot captures one frame. It never returns nil; a failed capture yields
// a snapshot that finds nothing.
func (l *Locator) Snapshot(ctx context.Context) *Snapshot {
	start := time.Now()
	img, err := l.capturer.Capture(ctx)
	if err != nil {
		l.log.Debug("screen capture failed", "error", err)
		l.observe(false, err, start)
		return failedSnapshot(err)
	}
	g := grayscale(img)

	l.mu.Lock()
	defer l.mu.Unlock()

	fp := fingerprintOf(g)
	if l.opts.ReuseUnchanged && l.last != nil && fp == l.lastFP {
		l.observe(true, nil, start)
		return l.last
	}

	snap := newSnapshot(g, perceptionHash(g), l.opts.Scale, l.opts.OnMatch)
	l.last, l.lastFP = snap, fp
	l.observe(false, nil, start)
	return snap
}

func (l *Locator) observe(reused bool, err error, start time.Time) {
	if l.opts.OnCapture != nil {
		l.opts.OnCapture(reused, err, time.Since(start))
	}
}

// fingerprint identifies a frame exactly. The perceptual hash misses a
// small widget appearing on an otherwise static screen, so reuse of memoized
// results keys on the pixel digest.
type fingerprint struct {
	w, h   int
	digest uint64
}

func fingerprintOf(g *image.Gray) fingerprint {
	b := g.Bounds()
	d := fnv.New64a()
	_, _ = d.Write(g.Pix)
	return fingerprint{w: b.Dx(), h: b.Dy(), digest: d.Sum64()}
}

// perceptionHash is nil when the frame cannot be hashed.
func perceptionHash(g *image.Gray) *goimagehash.ImageHash {
	hash, err := goimagehash.PerceptionHash(g)
	if err != nil {
		return nil
	}
	return hash
}
