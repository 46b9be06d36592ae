package matcher

import (
	"image"
	"math"
	"sync"
	"time"

	"github.com/corona10/goimagehash"
)

// coarseSlack is how far below the confidence a coarse candidate may score
// and still be refined at full resolution.
const coarseSlack = 0.3

// Frame answers template queries against one captured screen.
type Frame interface {
	Find(t *Template) (Point, bool)
}

// Hashed is a frame that carries a perceptual hash of its pixels.
type Hashed interface {
	PerceptualHash() *goimagehash.ImageHash
}

// HashOf returns f's perceptual hash, or nil when f has none.
func HashOf(f Frame) *goimagehash.ImageHash {
	if h, ok := f.(Hashed); ok {
		return h.PerceptualHash()
	}
	return nil
}

// Result is the outcome of matching one template against one frame.
type Result struct {
	Point Point
	Score float64
	Found bool
	Took  time.Duration
}

// Snapshot is one captured frame. Results are memoized per template, so a
// tick that checks several templates captures the screen only once.
type Snapshot struct {
	err     error
	full    *level
	gray    *image.Gray
	hash    *goimagehash.ImageHash
	scale   float64
	onMatch func(name string, r Result)

	mu      sync.Mutex
	levels  map[float64]*level
	results map[*Template]Result
}

func newSnapshot(g *image.Gray, hash *goimagehash.ImageHash, scale float64, onMatch func(string, Result)) *Snapshot {
	return &Snapshot{
		full:    newLevel(g),
		gray:    g,
		hash:    hash,
		scale:   scale,
		onMatch: onMatch,
		levels:  make(map[float64]*level),
		results: make(map[*Template]Result),
	}
}

// failedSnapshot finds nothing; capture errors are never fatal to callers.
func failedSnapshot(err error) *Snapshot {
	return &Snapshot{err: err}
}

// NewSnapshot wraps an already captured image, for callers that obtain
// frames themselves.
func NewSnapshot(img image.Image, scale float64) *Snapshot {
	g := grayscale(img)
	return newSnapshot(g, perceptionHash(g), scale, nil)
}

// Err is the capture error, if the frame could not be taken.
func (s *Snapshot) Err() error { return s.err }

// PerceptualHash is the frame's pHash; nil for a failed capture.
func (s *Snapshot) PerceptualHash() *goimagehash.ImageHash { return s.hash }

// Find reports the centre of the best match scoring at least t.Confidence.
func (s *Snapshot) Find(t *Template) (Point, bool) {
	r := s.Match(t)
	return r.Point, r.Found
}

// Match returns the memoized match result for t.
func (s *Snapshot) Match(t *Template) Result {
	if s.err != nil || t == nil {
		return Result{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.results[t]; ok {
		return r
	}
	start := time.Now()
	r := s.match(t)
	r.Took = time.Since(start)
	s.results[t] = r
	if s.onMatch != nil {
		s.onMatch(t.Name, r)
	}
	return r
}

func (s *Snapshot) match(t *Template) Result {
	kFull, ok := t.kernel(1)
	if !ok || kFull.w > s.full.plane.w || kFull.h > s.full.plane.h {
		return Result{}
	}
	whole := image.Rect(0, 0, s.full.plane.w, s.full.plane.h)

	var best candidate
	cs := t.coarseScale(s.scale)
	kCoarse, coarseOK := t.kernel(cs)
	if cs >= 1 || !coarseOK {
		if c := kFull.search(s.full, whole, 1); len(c) > 0 {
			best = c[0]
		}
	} else {
		lv := s.level(cs)
		fx := float64(s.full.plane.w) / float64(lv.plane.w)
		fy := float64(s.full.plane.h) / float64(lv.plane.h)
		rad := int(math.Ceil(max(fx, fy))) + 1
		floor := t.Confidence - coarseSlack

		for _, c := range kCoarse.search(lv, image.Rect(0, 0, lv.plane.w, lv.plane.h), coarseCandidates) {
			if c.score < floor {
				break
			}
			cx := int(math.Round(float64(c.x) * fx))
			cy := int(math.Round(float64(c.y) * fy))
			region := image.Rect(cx-rad, cy-rad, cx+rad+1, cy+rad+1)
			if got := kFull.search(s.full, region, 1); len(got) > 0 && got[0].score > best.score {
				best = got[0]
			}
		}
	}

	r := Result{Score: best.score}
	if best.score >= t.Confidence {
		r.Found = true
		r.Point = Point{X: best.x + kFull.w/2, Y: best.y + kFull.h/2}
	}
	return r
}

// level returns the frame downscaled by scale; callers hold s.mu.
func (s *Snapshot) level(scale float64) *level {
	if lv, ok := s.levels[scale]; ok {
		return lv
	}
	lv := newLevel(downscale(s.gray, scale))
	s.levels[scale] = lv
	return lv
}
