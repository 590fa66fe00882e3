package audio

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/kinetix-coach/internal/logging"
	"github.com/kinetix-coach/internal/media"
)

// BlockFunc receives one fixed-size block of microphone samples. The block
// is reused after the call returns.
type BlockFunc func(block []float32)

// CaptureContext pulls fixed-size blocks from a microphone on its own
// goroutine and hands each one to the registered BlockFunc. Blocks read
// while no BlockFunc is registered are discarded.
type CaptureContext struct {
	mic       media.Microphone
	blockSize int
	fn        atomic.Pointer[BlockFunc]

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
	exited    chan struct{}
	err       error

	blocks  atomic.Int64
	dropped atomic.Int64
}

// NewCaptureContext starts reading from mic immediately.
func NewCaptureContext(mic media.Microphone, blockSize int) *CaptureContext {
	if blockSize <= 0 {
		blockSize = 4096
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &CaptureContext{mic: mic, blockSize: blockSize, ctx: ctx, cancel: cancel, exited: make(chan struct{})}
	c.wg.Add(1)
	go c.run()
	return c
}

func (c *CaptureContext) SampleRate() int { return c.mic.SampleRate() }

// SetBlockFunc registers fn as the block callback. Passing nil unregisters.
func (c *CaptureContext) SetBlockFunc(fn BlockFunc) {
	if fn == nil {
		c.fn.Store(nil)
		return
	}
	c.fn.Store(&fn)
}

func (c *CaptureContext) run() {
	defer c.wg.Done()
	defer close(c.exited)
	buf := make([]float32, c.blockSize)
	for {
		if err := c.mic.ReadBlock(c.ctx, buf); err != nil {
			if c.ctx.Err() == nil && !errors.Is(err, context.Canceled) {
				c.err = err
				logging.Warnw("audio: capture stopped", "err", err, "blocks", c.blocks.Load())
			}
			return
		}
		c.blocks.Add(1)
		fn := c.fn.Load()
		if fn == nil {
			c.dropped.Add(1)
			continue
		}
		(*fn)(buf)
	}
}

// Close unregisters the callback and stops the read goroutine. The
// microphone track itself belongs to the media handle and is not stopped
// here; a read blocked on the device returns once the track is stopped.
func (c *CaptureContext) Close() error {
	c.closeOnce.Do(func() {
		c.fn.Store(nil)
		c.cancel()
		logging.Debugw("audio: capture context closed", "blocks", c.blocks.Load(), "dropped_unregistered", c.dropped.Load())
	})
	return nil
}

// Wait blocks until the read goroutine has exited.
func (c *CaptureContext) Wait() { c.wg.Wait() }

// Done is closed when the read goroutine exits.
func (c *CaptureContext) Done() <-chan struct{} { return c.exited }

// Err is the read error that stopped capture, or nil if it was closed.
// It is only meaningful after Done is closed.
func (c *CaptureContext) Err() error {
	select {
	case <-c.exited:
		return c.err
	default:
		return nil
	}
}

// Stats returns the number of blocks read and the number discarded for lack
// of a callback.
func (c *CaptureContext) Stats() (blocks, dropped int64) {
	return c.blocks.Load(), c.dropped.Load()
}
