package pose

import (
	"image"
	"image/color"
	"image/draw"
	"math"
	"sync"

	"golang.org/x/image/vector"
)

// Style controls how the skeleton is drawn.
type Style struct {
	ConnectorColor color.RGBA
	ConnectorWidth float64
	LandmarkColor  color.RGBA
	LandmarkFill   color.RGBA
	LandmarkRadius float64
	LandmarkBorder float64
}

func DefaultStyle() Style {
	return Style{
		ConnectorColor: color.RGBA{R: 0x14, G: 0xb8, B: 0xa6, A: 0xff},
		ConnectorWidth: 4,
		LandmarkColor:  color.RGBA{R: 0xf0, G: 0xf9, B: 0xff, A: 0xff},
		LandmarkFill:   color.RGBA{R: 0xff, G: 0xff, B: 0xff, A: 0xff},
		LandmarkRadius: 4,
		LandmarkBorder: 2,
	}
}

// Surface is the transparent layer the skeleton is drawn onto.
type Surface interface {
	// Draw resizes the surface to the frame size, clears it and draws f.
	Draw(f *Frame)
	Clear()
}

// ImageSurface is a Surface backed by an in-memory RGBA image.
type ImageSurface struct {
	style Style

	mu    sync.Mutex
	img   *image.RGBA
	draws int64
}

func NewImageSurface(style Style) *ImageSurface {
	return &ImageSurface{style: style, img: image.NewRGBA(image.Rect(0, 0, 0, 0))}
}

func (s *ImageSurface) Draw(f *Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, h := f.Width, f.Height
	if s.img.Bounds().Dx() != w || s.img.Bounds().Dy() != h {
		s.img = image.NewRGBA(image.Rect(0, 0, w, h))
	} else {
		clear(s.img.Pix)
	}
	if w == 0 || h == 0 {
		return
	}
	s.draws++

	pt := func(l Landmark) (float32, float32) {
		return float32(l.X * float64(w)), float32(l.Y * float64(h))
	}
	for _, c := range Connections {
		if c.A >= len(f.Landmarks) || c.B >= len(f.Landmarks) {
			continue
		}
		a, b := f.Landmarks[c.A], f.Landmarks[c.B]
		if !a.visible() || !b.visible() {
			continue
		}
		ax, ay := pt(a)
		bx, by := pt(b)
		s.line(ax, ay, bx, by, float32(s.style.ConnectorWidth), s.style.ConnectorColor)
	}
	for _, l := range f.Landmarks {
		if !l.visible() {
			continue
		}
		x, y := pt(l)
		r := float32(s.style.LandmarkRadius)
		half := float32(s.style.LandmarkBorder / 2)
		s.disc(x, y, r+half, s.style.LandmarkColor)
		if r-half > 0 {
			s.disc(x, y, r-half, s.style.LandmarkFill)
		}
	}
}

func (s *ImageSurface) Clear() {
	s.mu.Lock()
	clear(s.img.Pix)
	s.mu.Unlock()
}

// line fills the rectangle of the given width around segment a-b.
func (s *ImageSurface) line(ax, ay, bx, by, width float32, c color.RGBA) {
	dx, dy := bx-ax, by-ay
	l := float32(math.Hypot(float64(dx), float64(dy)))
	if l == 0 {
		return
	}
	nx, ny := -dy/l*width/2, dx/l*width/2
	z := s.rasterizer()
	z.MoveTo(ax+nx, ay+ny)
	z.LineTo(bx+nx, by+ny)
	z.LineTo(bx-nx, by-ny)
	z.LineTo(ax-nx, ay-ny)
	z.ClosePath()
	z.Draw(s.img, s.img.Bounds(), image.NewUniform(c), image.Point{})
}

func (s *ImageSurface) disc(cx, cy, r float32, c color.RGBA) {
	const segments = 24
	z := s.rasterizer()
	for i := 0; i <= segments; i++ {
		a := 2 * math.Pi * float64(i) / segments
		x := cx + r*float32(math.Cos(a))
		y := cy + r*float32(math.Sin(a))
		if i == 0 {
			z.MoveTo(x, y)
			continue
		}
		z.LineTo(x, y)
	}
	z.ClosePath()
	z.Draw(s.img, s.img.Bounds(), image.NewUniform(c), image.Point{})
}

func (s *ImageSurface) rasterizer() *vector.Rasterizer {
	b := s.img.Bounds()
	z := vector.NewRasterizer(b.Dx(), b.Dy())
	z.DrawOp = draw.Over
	return z
}

// Snapshot returns a copy of the current overlay.
func (s *ImageSurface) Snapshot() *image.RGBA {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := image.NewRGBA(s.img.Bounds())
	copy(out.Pix, s.img.Pix)
	return out
}

// Draws counts Draw calls that rendered a frame.
func (s *ImageSurface) Draws() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.draws
}
