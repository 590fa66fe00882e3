// Package vision periodically sends a downscaled camera frame to the remote
// coaching service.
package vision

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/image/draw"

	"github.com/kinetix-coach/internal/coach"
	"github.com/kinetix-coach/internal/logging"
	"github.com/kinetix-coach/internal/metrics"
)

// FrameSource yields the current camera frame.
type FrameSource interface {
	Frame() (image.Image, bool)
}

// ImageSender is the part of the remote connection the sampler writes to.
type ImageSender interface {
	SendImage(ctx context.Context, snap coach.VisionSnapshot) error
}

type Options struct {
	Interval time.Duration
	Scale    float64
	Quality  int
	// Ticker replaces the wall-clock ticker. The returned func stops it.
	Ticker func(time.Duration) (<-chan time.Time, func())
}

func (o Options) withDefaults() Options {
	if o.Interval <= 0 {
		o.Interval = 500 * time.Millisecond
	}
	if o.Scale <= 0 || o.Scale > 1 {
		o.Scale = 0.5
	}
	if o.Quality <= 0 || o.Quality > 100 {
		o.Quality = 60
	}
	return o
}

// Sampler sends one snapshot per interval while the camera is active and
// the session is connected. Ticks where either is false are skipped without
// sending anything. A failed tick is logged and counted; the next tick runs
// as usual.
type Sampler struct {
	src          FrameSource
	sender       ImageSender
	cameraActive func() bool
	connected    func() bool
	opts         Options
	metrics      *metrics.Metrics
	errLog       *logging.Sampled

	// newTicker is replaced in tests.
	newTicker func(time.Duration) (<-chan time.Time, func())

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	started  atomic.Bool
	stopOnce sync.Once

	sent    atomic.Int64
	skipped atomic.Int64
	failed  atomic.Int64
}

func NewSampler(src FrameSource, sender ImageSender, cameraActive, connected func() bool, opts Options, m *metrics.Metrics) *Sampler {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Sampler{
		src:          src,
		sender:       sender,
		cameraActive: cameraActive,
		connected:    connected,
		opts:         opts.withDefaults(),
		metrics:      m,
		errLog:       logging.NewSampled(5 * time.Second),
		newTicker: func(d time.Duration) (<-chan time.Time, func()) {
			t := time.NewTicker(d)
			return t.C, t.Stop
		},
		ctx:    ctx,
		cancel: cancel,
	}
	if opts.Ticker != nil {
		s.newTicker = opts.Ticker
	}
	return s
}

// Start launches the sampling goroutine. Calling it more than once has no
// further effect.
func (s *Sampler) Start() {
	if !s.started.CompareAndSwap(false, true) {
		return
	}
	ticks, stop := s.newTicker(s.opts.Interval)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer stop()
		for {
			select {
			case <-s.ctx.Done():
				return
			case <-ticks:
				s.tick()
			}
		}
	}()
	logging.Debugw("vision: sampler started", "interval", s.opts.Interval, "scale", s.opts.Scale, "quality", s.opts.Quality)
}

// Stop cancels the timer and waits for an in-flight tick to return.
func (s *Sampler) Stop() {
	s.stopOnce.Do(func() {
		s.cancel()
		s.wg.Wait()
		logging.Debugw("vision: sampler stopped", "sent", s.sent.Load(), "skipped", s.skipped.Load(), "failed", s.failed.Load())
	})
}

func (s *Sampler) tick() {
	if s.connected != nil && !s.connected() {
		s.skip("not_connected")
		return
	}
	if s.cameraActive != nil && !s.cameraActive() {
		s.skip("camera_off")
		return
	}
	frame, ok := s.src.Frame()
	if !ok {
		s.skip("no_frame")
		return
	}
	snap, err := Snapshot(frame, s.opts.Scale, s.opts.Quality)
	if err != nil {
		s.fail("encode", err)
		return
	}
	ctx, cancel := context.WithTimeout(s.ctx, s.opts.Interval)
	defer cancel()
	if err := s.sender.SendImage(ctx, snap); err != nil {
		s.fail("send", err)
		return
	}
	s.sent.Add(1)
	s.metrics.RecordVisionSent()
}

func (s *Sampler) skip(reason string) {
	s.skipped.Add(1)
	s.metrics.RecordVisionSkipped(reason)
}

func (s *Sampler) fail(stage string, err error) {
	s.failed.Add(1)
	s.metrics.RecordVisionError(stage)
	s.errLog.Warnw("vision: tick failed", "stage", stage, "err", err)
}

// Stats returns sent, skipped and failed tick counts.
func (s *Sampler) Stats() (sent, skipped, failed int64) {
	return s.sent.Load(), s.skipped.Load(), s.failed.Load()
}

// Snapshot scales frame by scale and encodes it as JPEG. Errors wrap
// coach.ErrEncodeFailed.
func Snapshot(frame image.Image, scale float64, quality int) (coach.VisionSnapshot, error) {
	b := frame.Bounds()
	w := int(float64(b.Dx()) * scale)
	h := int(float64(b.Dy()) * scale)
	if w < 1 || h < 1 {
		return coach.VisionSnapshot{}, fmt.Errorf("%w: frame %dx%d too small to scale by %.2f", coach.ErrEncodeFailed, b.Dx(), b.Dy(), scale)
	}
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), frame, b, draw.Src, nil)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, dst, &jpeg.Options{Quality: quality}); err != nil {
		return coach.VisionSnapshot{}, fmt.Errorf("%w: %v", coach.ErrEncodeFailed, err)
	}
	return coach.VisionSnapshot{MIMEType: "image/jpeg", Data: buf.Bytes(), Width: w, Height: h}, nil
}
