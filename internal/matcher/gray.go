package matcher

import (
	"image"
	"image/draw"
	"math"

	"github.com/nfnt/resize"
)

// grayscale converts img to 8-bit luma with the same weights as
// color.GrayModel, with fast paths for the layouts PNG decoding produces.
func grayscale(img image.Image) *image.Gray {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if g, ok := img.(*image.Gray); ok && b.Min == (image.Point{}) {
		return g
	}
	g := image.NewGray(image.Rect(0, 0, w, h))

	switch src := img.(type) {
	case *image.RGBA:
		lumaRows(g, src.Pix, src.Stride, src.PixOffset(b.Min.X, b.Min.Y), w, h)
	case *image.NRGBA:
		lumaRows(g, src.Pix, src.Stride, src.PixOffset(b.Min.X, b.Min.Y), w, h)
	default:
		draw.Draw(g, g.Bounds(), img, b.Min, draw.Src)
	}
	return g
}

func lumaRows(dst *image.Gray, pix []uint8, stride, off, w, h int) {
	for y := 0; y < h; y++ {
		si := off + y*stride
		di := y * dst.Stride
		for x := 0; x < w; x++ {
			r, g, b := uint32(pix[si]), uint32(pix[si+1]), uint32(pix[si+2])
			dst.Pix[di+x] = uint8((19595*r + 38470*g + 7471*b + 1<<15) >> 16)
			si += 4
		}
	}
}

// downscale resizes g by factor s (0 < s < 1) with an antialiasing filter.
func downscale(g *image.Gray, s float64) *image.Gray {
	b := g.Bounds()
	w := max(1, int(math.Round(float64(b.Dx())*s)))
	h := max(1, int(math.Round(float64(b.Dy())*s)))
	return grayscale(resize.Resize(uint(w), uint(h), g, resize.Bilinear))
}

// plane is a float copy of a grayscale image, row-major.
type plane struct {
	w, h int
	pix  []float32
}

func newPlane(g *image.Gray) *plane {
	b := g.Bounds()
	p := &plane{w: b.Dx(), h: b.Dy(), pix: make([]float32, b.Dx()*b.Dy())}
	for y := 0; y < p.h; y++ {
		row := g.Pix[y*g.Stride : y*g.Stride+p.w]
		for x, v := range row {
			p.pix[y*p.w+x] = float32(v)
		}
	}
	return p
}

// integral holds summed-area tables of values and squared values, with a
// zero row and column so window sums need no bounds checks.
type integral struct {
	stride int
	sum    []float64
	sq     []float64
}

func newIntegral(p *plane) *integral {
	stride := p.w + 1
	ii := &integral{
		stride: stride,
		sum:    make([]float64, stride*(p.h+1)),
		sq:     make([]float64, stride*(p.h+1)),
	}
	for y := 0; y < p.h; y++ {
		var rs, rq float64
		for x := 0; x < p.w; x++ {
			v := float64(p.pix[y*p.w+x])
			rs += v
			rq += v * v
			i := (y+1)*stride + x + 1
			ii.sum[i] = ii.sum[i-stride] + rs
			ii.sq[i] = ii.sq[i-stride] + rq
		}
	}
	return ii
}

// window returns the sum and sum of squares over the w×h window at (x, y).
func (ii *integral) window(x, y, w, h int) (sum, sq float64) {
	a := y*ii.stride + x
	b := a + w
	c := (y+h)*ii.stride + x
	d := c + w
	return ii.sum[d] - ii.sum[b] - ii.sum[c] + ii.sum[a],
		ii.sq[d] - ii.sq[b] - ii.sq[c] + ii.sq[a]
}

// level is one resolution of a captured frame, ready for matching.
type level struct {
	plane *plane
	ii    *integral
}

func newLevel(g *image.Gray) *level {
	p := newPlane(g)
	return &level{plane: p, ii: newIntegral(p)}
}
