package matcher

import (
	"image"
	"math"
	"runtime"
	"sync"
)

// flatVariance is the per-pixel variance below which a window or template
// is considered featureless; NCC is undefined there and scores zero.
const flatVariance = 1.0

// kernel is a zero-mean template ready for normalized cross-correlation.
type kernel struct {
	w, h int
	t    []float32
	norm float64 // sum of squared zero-mean values
}

func newKernel(p *plane) (*kernel, bool) {
	n := float64(len(p.pix))
	if n == 0 {
		return nil, false
	}
	var mean float64
	for _, v := range p.pix {
		mean += float64(v)
	}
	mean /= n

	k := &kernel{w: p.w, h: p.h, t: make([]float32, len(p.pix))}
	for i, v := range p.pix {
		d := float64(v) - mean
		k.t[i] = float32(d)
		k.norm += d * d
	}
	if k.norm < flatVariance*n {
		return nil, false
	}
	return k, true
}

// score is the TM_CCOEFF_NORMED value of the kernel at top-left (x, y).
// The template is zero-mean, so the window mean drops out of the numerator.
func (k *kernel) score(l *level, x, y int) float64 {
	n := float64(k.w * k.h)
	s, q := l.ii.window(x, y, k.w, k.h)
	v := q - s*s/n
	if v < flatVariance*n {
		return 0
	}
	f := l.plane
	var num float64
	for j := 0; j < k.h; j++ {
		row := f.pix[(y+j)*f.w+x : (y+j)*f.w+x+k.w]
		trow := k.t[j*k.w : (j+1)*k.w]
		var acc float64
		for i, tv := range trow {
			acc += float64(row[i]) * float64(tv)
		}
		num += acc
	}
	return num / math.Sqrt(v*k.norm)
}

type candidate struct {
	x, y  int
	score float64
}

// topK keeps the k best candidates, suppressing any within radius of a
// better one so a single peak cannot fill every slot.
type topK struct {
	k      int
	radius int
	items  []candidate
}

func (t *topK) add(c candidate) {
	for i, o := range t.items {
		if abs(o.x-c.x) <= t.radius && abs(o.y-c.y) <= t.radius {
			if c.score > o.score {
				t.items[i] = c
				t.sort()
			}
			return
		}
	}
	if len(t.items) < t.k {
		t.items = append(t.items, c)
		t.sort()
		return
	}
	if c.score > t.items[len(t.items)-1].score {
		t.items[len(t.items)-1] = c
		t.sort()
	}
}

func (t *topK) sort() {
	for i := 1; i < len(t.items); i++ {
		for j := i; j > 0 && t.items[j].score > t.items[j-1].score; j-- {
			t.items[j], t.items[j-1] = t.items[j-1], t.items[j]
		}
	}
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

// search scores every top-left position in r (clipped to where the kernel
// fits) and returns up to k peaks, best first. Rows are split across CPUs.
func (k *kernel) search(l *level, r image.Rectangle, n int) []candidate {
	r = r.Intersect(image.Rect(0, 0, l.plane.w-k.w+1, l.plane.h-k.h+1))
	if r.Empty() {
		return nil
	}
	radius := max(1, min(k.w, k.h)/2)

	workers := min(runtime.GOMAXPROCS(0), r.Dy())
	partial := make([]topK, workers)
	var wg sync.WaitGroup
	for wi := 0; wi < workers; wi++ {
		wg.Add(1)
		go func(wi int) {
			defer wg.Done()
			acc := topK{k: n, radius: radius}
			for y := r.Min.Y + wi; y < r.Max.Y; y += workers {
				for x := r.Min.X; x < r.Max.X; x++ {
					if s := k.score(l, x, y); s > 0 {
						acc.add(candidate{x: x, y: y, score: s})
					}
				}
			}
			partial[wi] = acc
		}(wi)
	}
	wg.Wait()

	merged := topK{k: n, radius: radius}
	for _, p := range partial {
		for _, c := range p.items {
			merged.add(c)
		}
	}
	return merged.items
}
