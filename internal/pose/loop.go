package pose

import (
	"context"
	"errors"
	"image"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kinetix-coach/internal/logging"
	"github.com/kinetix-coach/internal/metrics"
)

// Display paces the overlay loop at the display refresh rate.
type Display interface {
	// Next blocks until the next refresh or ctx is done.
	Next(ctx context.Context) error
	Close() error
}

// TickerDisplay refreshes at a fixed rate.
type TickerDisplay struct {
	t *time.Ticker
}

func NewTickerDisplay(hz int) *TickerDisplay {
	if hz <= 0 {
		hz = 60
	}
	return &TickerDisplay{t: time.NewTicker(time.Second / time.Duration(hz))}
}

func (d *TickerDisplay) Next(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-d.t.C:
		return nil
	}
}

func (d *TickerDisplay) Close() error { d.t.Stop(); return nil }

// stopGrace is how long Stop waits past the estimate timeout.
const stopGrace = 250 * time.Millisecond

// FrameSource yields the current camera frame.
type FrameSource interface {
	Frame() (image.Image, bool)
}

// Loop runs one estimate-and-draw cycle per display refresh. At most one
// estimate is in flight; refreshes that arrive while it runs are skipped,
// so a slow engine delays drawing but never the loop. Each estimate is
// bounded by a timeout.
type Loop struct {
	est          Estimator
	src          FrameSource
	cameraActive func() bool
	display      Display
	surface      Surface
	timeout      time.Duration
	metrics      *metrics.Metrics
	errLog       *logging.Sampled

	inflight atomic.Bool

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	started  atomic.Bool
	stopOnce sync.Once

	ticks   atomic.Int64
	draws   atomic.Int64
	skipped atomic.Int64
	failed  atomic.Int64
}

func NewLoop(est Estimator, src FrameSource, cameraActive func() bool, display Display, surface Surface, timeout time.Duration, m *metrics.Metrics) *Loop {
	if timeout <= 0 {
		timeout = 250 * time.Millisecond
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Loop{
		est:          est,
		src:          src,
		cameraActive: cameraActive,
		display:      display,
		surface:      surface,
		timeout:      timeout,
		metrics:      m,
		errLog:       logging.NewSampled(5 * time.Second),
		ctx:          ctx,
		cancel:       cancel,
	}
}

func (l *Loop) Start() {
	if !l.started.CompareAndSwap(false, true) {
		return
	}
	l.wg.Add(1)
	go l.run()
}

func (l *Loop) run() {
	defer l.wg.Done()
	for {
		if err := l.display.Next(l.ctx); err != nil {
			if l.ctx.Err() == nil {
				logging.Warnw("pose: display stopped", "err", err)
			}
			return
		}
		l.ticks.Add(1)
		if l.cameraActive != nil && !l.cameraActive() {
			continue
		}
		if !l.inflight.CompareAndSwap(false, true) {
			l.skipped.Add(1)
			continue
		}
		frame, ok := l.src.Frame()
		if !ok {
			l.inflight.Store(false)
			continue
		}
		l.wg.Add(1)
		go l.estimate(frame)
	}
}

func (l *Loop) estimate(frame image.Image) {
	defer l.wg.Done()
	defer l.inflight.Store(false)

	ctx, cancel := context.WithTimeout(l.ctx, l.timeout)
	defer cancel()
	began := time.Now()
	f, err := l.est.Estimate(ctx, frame)
	if err != nil {
		if l.ctx.Err() != nil {
			return
		}
		kind := "error"
		if errors.Is(err, context.DeadlineExceeded) {
			kind = "timeout"
		}
		l.failed.Add(1)
		l.metrics.RecordPoseFailure(kind)
		l.errLog.Warnw("pose: estimate failed", "kind", kind, "err", err)
		return
	}
	if f == nil {
		l.metrics.RecordPoseFailure("no_pose")
		// nobody in frame: drop the last skeleton rather than leave it up
		if l.ctx.Err() == nil {
			l.surface.Clear()
		}
		return
	}
	// the camera may have been switched off or the loop stopped while the
	// estimate was running
	if l.ctx.Err() != nil || (l.cameraActive != nil && !l.cameraActive()) {
		return
	}
	if f.Width == 0 || f.Height == 0 {
		b := frame.Bounds()
		f.Width, f.Height = b.Dx(), b.Dy()
	}
	l.surface.Draw(f)
	l.draws.Add(1)
	l.metrics.RecordPoseDraw(time.Since(began))
}

// Stop ends the loop and waits for any in-flight estimate to return. An
// Estimator that ignores its context is abandoned after the estimate
// timeout plus stopGrace; it can no longer draw since the loop context is
// already done.
func (l *Loop) Stop() {
	l.stopOnce.Do(func() {
		l.cancel()
		exited := make(chan struct{})
		go func() {
			l.wg.Wait()
			close(exited)
		}()
		select {
		case <-exited:
		case <-time.After(l.timeout + stopGrace):
			logging.Warnw("pose: estimate ignored cancellation, not waiting for it", "timeout", l.timeout)
		}
		if err := l.display.Close(); err != nil {
			logging.Warnw("pose: display close failed", "err", err)
		}
		logging.Debugw("pose: loop stopped", "ticks", l.ticks.Load(), "draws", l.draws.Load(), "skipped", l.skipped.Load(), "failed", l.failed.Load())
	})
}

// Stats returns ticks seen, draws, ticks skipped because an estimate was
// still running, and failed estimates.
func (l *Loop) Stats() (ticks, draws, skipped, failed int64) {
	return l.ticks.Load(), l.draws.Load(), l.skipped.Load(), l.failed.Load()
}
