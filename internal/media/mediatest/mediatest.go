// Package mediatest provides in-memory capture devices for tests.
package mediatest

import (
	"context"
	"errors"
	"image"
	"image/color"
	"sync"
	"sync/atomic"

	"github.com/kinetix-coach/internal/media"
)

// Devices is a media.Devices whose open calls can be made to fail and
// whose tracks count their Stop calls.
type Devices struct {
	CameraErr error
	MicErr    error

	mu      sync.Mutex
	cameras []*Camera
	mics    []*Microphone
}

func (d *Devices) OpenCamera(ctx context.Context, c media.CameraConstraints) (media.Camera, error) {
	if d.CameraErr != nil {
		return nil, d.CameraErr
	}
	w, h := c.Width, c.Height
	if w <= 0 || h <= 0 {
		w, h = 64, 48
	}
	cam := NewCamera(w, h)
	d.mu.Lock()
	d.cameras = append(d.cameras, cam)
	d.mu.Unlock()
	return cam, nil
}

func (d *Devices) OpenMicrophone(ctx context.Context, c media.MicConstraints) (media.Microphone, error) {
	if d.MicErr != nil {
		return nil, d.MicErr
	}
	rate := c.SampleRate
	if rate <= 0 {
		rate = 16000
	}
	mic := NewMicrophone(rate)
	d.mu.Lock()
	d.mics = append(d.mics, mic)
	d.mu.Unlock()
	return mic, nil
}

// Cameras returns every camera opened so far.
func (d *Devices) Cameras() []*Camera {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*Camera(nil), d.cameras...)
}

// Microphones returns every microphone opened so far.
func (d *Devices) Microphones() []*Microphone {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*Microphone(nil), d.mics...)
}

// Camera serves a fixed frame until stopped.
type Camera struct {
	w, h  int
	frame *image.RGBA
	stops atomic.Int32
	once  sync.Once
	done  chan struct{}
}

func NewCamera(w, h int) *Camera {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 128, A: 255})
		}
	}
	return &Camera{w: w, h: h, frame: img, done: make(chan struct{})}
}

func (c *Camera) Kind() string     { return "camera" }
func (c *Camera) Size() (int, int) { return c.w, c.h }
func (c *Camera) Stops() int       { return int(c.stops.Load()) }

func (c *Camera) Done() <-chan struct{} { return c.done }

func (c *Camera) Stop() error {
	c.stops.Add(1)
	c.once.Do(func() { close(c.done) })
	return nil
}

func (c *Camera) Frame() (image.Image, bool) {
	if c.stops.Load() > 0 {
		return nil, false
	}
	return c.frame, true
}

// Microphone hands out blocks pushed with Push. ReadBlock blocks until a
// block is available or the track is stopped.
type Microphone struct {
	rate   int
	blocks chan []float32
	done   chan struct{}
	once   sync.Once
	stops  atomic.Int32
}

var ErrStopped = errors.New("mediatest: track stopped")

func NewMicrophone(rate int) *Microphone {
	return &Microphone{rate: rate, blocks: make(chan []float32, 64), done: make(chan struct{})}
}

func (m *Microphone) Kind() string    { return "microphone" }
func (m *Microphone) SampleRate() int { return m.rate }
func (m *Microphone) Stops() int      { return int(m.stops.Load()) }

func (m *Microphone) Done() <-chan struct{} { return m.done }

func (m *Microphone) Stop() error {
	m.stops.Add(1)
	m.once.Do(func() { close(m.done) })
	return nil
}

// Push queues a block for the next ReadBlock. It reports false once the
// track is stopped.
func (m *Microphone) Push(block []float32) bool {
	select {
	case <-m.done:
		return false
	case m.blocks <- block:
		return true
	}
}

func (m *Microphone) ReadBlock(ctx context.Context, buf []float32) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-m.done:
		return ErrStopped
	case b := <-m.blocks:
		n := copy(buf, b)
		for i := n; i < len(buf); i++ {
			buf[i] = 0
		}
		return nil
	}
}
