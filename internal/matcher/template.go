// Package matcher locates UI elements on screen by normalized
// cross-correlation against reference images.
package matcher

import (
	"errors"
	"fmt"
	"image"
	_ "image/png"
	"math"
	"os"
	"path/filepath"
	"sync"
)

// DefaultConfidence is the minimum correlation score for a match.
const DefaultConfidence = 0.8

// Template names; each is loaded from <dir>/<name>.png.
const (
	Leave          = "leave"
	Join           = "join"
	NameField      = "name_field_check"
	NameField1     = "name_field_check_1"
	NameField2     = "name_field_check_2"
	InvalidMeeting = "invalid_meeting_id"
	End            = "end"
)

const (
	templateExt      = ".png"
	minCoarseSide    = 8
	coarseCandidates = 5
)

// ErrFlatTemplate is returned for a template with no contrast.
var ErrFlatTemplate = errors.New("template has no contrast")

// Point is a screen position in captured-image pixels.
type Point struct {
	X, Y int
}

// Template is a reference image of one UI element.
type Template struct {
	Name       string
	Image      image.Image
	Confidence float64

	once    sync.Once
	gray    *image.Gray
	mu      sync.Mutex
	kernels map[float64]*kernel
}

// NewTemplate prepares img for matching. A confidence of zero means
// DefaultConfidence.
func NewTemplate(name string, img image.Image, confidence float64) (*Template, error) {
	if confidence == 0 {
		confidence = DefaultConfidence
	}
	if confidence < 0 || confidence > 1 {
		return nil, fmt.Errorf("template %s: confidence %v out of range", name, confidence)
	}
	t := &Template{Name: name, Image: img, Confidence: confidence}
	if _, ok := t.kernel(1); !ok {
		return nil, fmt.Errorf("template %s: %w", name, ErrFlatTemplate)
	}
	return t, nil
}

func (t *Template) size() (int, int) {
	b := t.Image.Bounds()
	return b.Dx(), b.Dy()
}

// kernel returns the template resampled by scale, cached per scale.
func (t *Template) kernel(scale float64) (*kernel, bool) {
	t.once.Do(func() { t.gray = grayscale(t.Image) })

	t.mu.Lock()
	defer t.mu.Unlock()
	if k, ok := t.kernels[scale]; ok {
		return k, k != nil
	}
	g := t.gray
	if scale < 1 {
		g = downscale(g, scale)
	}
	k, ok := newKernel(newPlane(g))
	if t.kernels == nil {
		t.kernels = make(map[float64]*kernel)
	}
	if !ok {
		t.kernels[scale] = nil
		return nil, false
	}
	t.kernels[scale] = k
	return k, true
}

// coarseScale raises base so the downscaled template keeps at least
// minCoarseSide pixels on its short side. 1 means search at full resolution.
func (t *Template) coarseScale(base float64) float64 {
	if base >= 1 {
		return 1
	}
	w, h := t.size()
	short := float64(min(w, h))
	s := base
	if short*s < minCoarseSide {
		s = minCoarseSide / short
	}
	if s >= 1 {
		return 1
	}
	// Quantize so templates of similar size share a pyramid level.
	return math.Ceil(s*20) / 20
}

// Set is the fixed group of templates the join and end detection use.
type Set struct {
	Leave      *Template
	Join       *Template
	NameFields []*Template
	Invalid    *Template
	End        *Template
}

// All returns every template in the set.
func (s *Set) All() []*Template {
	out := []*Template{s.Leave, s.Join}
	out = append(out, s.NameFields...)
	return append(out, s.Invalid, s.End)
}

// Names lists the template file stems LoadTemplates expects.
func Names() []string {
	return []string{Leave, Join, NameField, NameField1, NameField2, InvalidMeeting, End}
}

// LoadTemplates reads every template PNG from dir. All are required.
func LoadTemplates(dir string, confidence float64) (*Set, error) {
	loaded := make(map[string]*Template, len(Names()))
	var errs []error
	for _, name := range Names() {
		t, err := LoadTemplate(filepath.Join(dir, name+templateExt), name, confidence)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		loaded[name] = t
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return &Set{
		Leave:      loaded[Leave],
		Join:       loaded[Join],
		NameFields: []*Template{loaded[NameField], loaded[NameField1], loaded[NameField2]},
		Invalid:    loaded[InvalidMeeting],
		End:        loaded[End],
	}, nil
}

// LoadTemplate reads one PNG template.
func LoadTemplate(path, name string, confidence float64) (*Template, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("template %s: %w", name, err)
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("template %s: decode %s: %w", name, path, err)
	}
	return NewTemplate(name, img, confidence)
}
