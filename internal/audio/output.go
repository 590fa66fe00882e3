package audio

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/kinetix-coach/internal/coach"
	"github.com/kinetix-coach/internal/logging"
)

// Voice is one buffer scheduled on an OutputContext.
type Voice interface {
	// Stop cancels the buffer whether or not it has started.
	Stop()
	// Done is closed once the buffer finished playing or was stopped.
	Done() <-chan struct{}
}

// OutputContext is a clocked audio output. Buffers are placed on its
// timeline at absolute frame positions, counted at SampleRate.
type OutputContext interface {
	SampleRate() int
	// CurrentFrame is the index of the next frame to be rendered.
	CurrentFrame() int64
	// Schedule places samples (mono, SampleRate) to start at frame at.
	Schedule(samples []int16, at int64) (Voice, error)
	Close() error
}

// Sink receives rendered mono PCM.
type Sink interface {
	Write(samples []int16) error
	Close() error
}

// Context is an OutputContext that mixes scheduled voices into a Sink on a
// 20 ms tick. Its clock is the number of frames rendered.
type Context struct {
	rate int
	sink Sink

	mu       sync.Mutex
	rendered int64
	voices   []*voice
	closed   bool

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
	sinkLog   *logging.Sampled
}

// NewContext creates a playback context at rate and starts rendering to
// sink in real time.
func NewContext(rate int, sink Sink) *Context {
	c := newContext(rate, sink)
	c.wg.Add(1)
	go c.run()
	return c
}

// newContext returns a context that only renders when advance is called.
func newContext(rate int, sink Sink) *Context {
	if rate <= 0 {
		rate = 24000
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Context{
		rate:    rate,
		sink:    sink,
		ctx:     ctx,
		cancel:  cancel,
		sinkLog: logging.NewSampled(5 * time.Second),
	}
}

func (c *Context) SampleRate() int { return c.rate }

func (c *Context) CurrentFrame() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rendered
}

// CurrentTime is CurrentFrame as a timeline position.
func (c *Context) CurrentTime() time.Duration {
	return FrameTime(c.CurrentFrame(), c.rate)
}

func (c *Context) Schedule(samples []int16, at int64) (Voice, error) {
	v := &voice{samples: samples, done: make(chan struct{})}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, coach.ErrSessionClosed
	}
	v.start = at
	if v.start < c.rendered {
		v.start = c.rendered
	}
	v.owner = c
	c.voices = append(c.voices, v)
	return v, nil
}

// run renders enough frames each tick to keep the clock level with wall
// time since the context started.
func (c *Context) run() {
	defer c.wg.Done()
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	begin := time.Now()
	for {
		select {
		case <-c.ctx.Done():
			return
		case now := <-ticker.C:
			target := framesAt(now.Sub(begin), c.rate)
			c.mu.Lock()
			n := target - c.rendered
			c.mu.Unlock()
			if n > 0 {
				c.advance(int(n))
			}
		}
	}
}

// advance renders n frames and writes them to the sink.
func (c *Context) advance(n int) {
	buf := make([]int16, n)
	var finished []*voice

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	from, to := c.rendered, c.rendered+int64(n)
	keep := c.voices[:0]
	for _, v := range c.voices {
		if v.stopped {
			finished = append(finished, v)
			continue
		}
		end := v.start + int64(len(v.samples))
		if v.start < to && end > from {
			lo := max(v.start, from)
			hi := min(end, to)
			for f := lo; f < hi; f++ {
				buf[f-from] = mix(buf[f-from], v.samples[f-v.start])
			}
		}
		if end <= to {
			finished = append(finished, v)
			continue
		}
		keep = append(keep, v)
	}
	for i := len(keep); i < len(c.voices); i++ {
		c.voices[i] = nil
	}
	c.voices = keep
	c.rendered = to
	c.mu.Unlock()

	for _, v := range finished {
		v.finish()
	}
	if c.sink != nil {
		if err := c.sink.Write(buf); err != nil {
			c.sinkLog.Warnw("audio: sink write failed", "err", err)
		}
	}
}

func mix(a, b int16) int16 {
	s := int32(a) + int32(b)
	if s > 32767 {
		return 32767
	}
	if s < -32768 {
		return -32768
	}
	return int16(s)
}

// Close stops rendering, stops every scheduled voice and closes the sink.
func (c *Context) Close() error {
	c.closeOnce.Do(func() {
		c.cancel()
		c.wg.Wait()
		c.mu.Lock()
		c.closed = true
		voices := c.voices
		c.voices = nil
		c.mu.Unlock()
		for _, v := range voices {
			v.finish()
		}
		if c.sink != nil {
			if err := c.sink.Close(); err != nil {
				c.closeErr = fmt.Errorf("close sink: %w", err)
			}
		}
	})
	return c.closeErr
}

type voice struct {
	owner   *Context
	samples []int16
	start   int64
	stopped bool // guarded by owner.mu
	once    sync.Once
	done    chan struct{}
}

func (v *voice) Done() <-chan struct{} { return v.done }

func (v *voice) Stop() {
	if v.owner != nil {
		v.owner.mu.Lock()
		v.stopped = true
		v.owner.mu.Unlock()
	}
	v.finish()
}

func (v *voice) finish() { v.once.Do(func() { close(v.done) }) }

// DiscardSink drops rendered audio. Used when no output device is wanted.
type DiscardSink struct{}

func (DiscardSink) Write([]int16) error { return nil }
func (DiscardSink) Close() error        { return nil }

var errSinkClosed = errors.New("sink closed")
