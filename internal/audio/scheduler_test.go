package audio

import (
	"encoding/binary"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kinetix-coach/internal/coach"
)

// manualOutput is an OutputContext whose clock only moves when told to.
type manualOutput struct {
	mu     sync.Mutex
	rate   int
	now    int64
	starts []int64
	voices []*fakeVoice
	closed bool
}

type fakeVoice struct {
	once    sync.Once
	done    chan struct{}
	stopped bool
}

func (v *fakeVoice) Stop()                 { v.stopped = true; v.finish() }
func (v *fakeVoice) Done() <-chan struct{} { return v.done }
func (v *fakeVoice) finish()               { v.once.Do(func() { close(v.done) }) }

func (o *manualOutput) SampleRate() int { return o.rate }

func (o *manualOutput) CurrentFrame() int64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.now
}

func (o *manualOutput) Schedule(samples []int16, at int64) (Voice, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return nil, coach.ErrSessionClosed
	}
	v := &fakeVoice{done: make(chan struct{})}
	o.starts = append(o.starts, at)
	o.voices = append(o.voices, v)
	return v, nil
}

func (o *manualOutput) Close() error { o.closed = true; return nil }

func (o *manualOutput) set(t time.Duration) {
	o.mu.Lock()
	o.now = int64(t) * int64(o.rate) / int64(time.Second)
	o.mu.Unlock()
}

func pcmOf(d time.Duration, rate int) []byte {
	n := int(int64(d) * int64(rate) / int64(time.Second))
	b := make([]byte, n*2)
	for i := 0; i < n; i++ {
		binary.LittleEndian.PutUint16(b[2*i:], uint16(int16(i%200-100)))
	}
	return b
}

func TestSchedulerBackToBack(t *testing.T) {
	out := &manualOutput{rate: 24000}
	s := NewScheduler(out, 24000, nil)

	var starts []time.Duration
	for _, d := range []time.Duration{time.Second, 800 * time.Millisecond, 1200 * time.Millisecond} {
		sc, err := s.Enqueue(pcmOf(d, 24000), "audio/pcm;rate=24000")
		require.NoError(t, err)
		assert.Equal(t, d, sc.Duration)
		starts = append(starts, sc.Start)
	}
	assert.Equal(t, []time.Duration{0, time.Second, 1800 * time.Millisecond}, starts)
	assert.Equal(t, 3*time.Second, s.Clock())
	assert.Equal(t, 3, s.Pending())
}

func TestSchedulerNeverSchedulesInThePast(t *testing.T) {
	out := &manualOutput{rate: 24000}
	s := NewScheduler(out, 24000, nil)

	_, err := s.Enqueue(pcmOf(500*time.Millisecond, 24000), "audio/pcm")
	require.NoError(t, err)

	// underrun: output moved past the end of everything queued
	out.set(2 * time.Second)
	sc, err := s.Enqueue(pcmOf(250*time.Millisecond, 24000), "audio/pcm")
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, sc.Start)
	assert.Equal(t, 2250*time.Millisecond, s.Clock())

	// output inside the queued span: append to the clock
	out.set(2100 * time.Millisecond)
	sc, err = s.Enqueue(pcmOf(100*time.Millisecond, 24000), "audio/pcm")
	require.NoError(t, err)
	assert.Equal(t, 2250*time.Millisecond, sc.Start)
	for _, st := range out.starts {
		assert.GreaterOrEqual(t, st, int64(0))
	}
}

func TestSchedulerDecodeFailureLeavesClock(t *testing.T) {
	out := &manualOutput{rate: 24000}
	s := NewScheduler(out, 24000, nil)
	_, err := s.Enqueue(pcmOf(time.Second, 24000), "audio/pcm")
	require.NoError(t, err)

	_, err = s.Enqueue([]byte{1, 2, 3}, "audio/pcm")
	assert.True(t, errors.Is(err, coach.ErrDecodeFailed))
	_, err = s.Enqueue(pcmOf(time.Second, 24000), "audio/mpeg")
	assert.True(t, errors.Is(err, coach.ErrDecodeFailed))
	assert.Equal(t, time.Second, s.Clock())
}

func TestSchedulerResamplesToOutputRate(t *testing.T) {
	out := &manualOutput{rate: 48000}
	s := NewScheduler(out, 24000, nil)
	sc, err := s.Enqueue(pcmOf(time.Second, 24000), "audio/pcm;rate=24000")
	require.NoError(t, err)
	assert.Equal(t, time.Second, sc.Duration)
}

func TestSchedulerLiveSetShrinksAndCloseStopsAll(t *testing.T) {
	out := &manualOutput{rate: 24000}
	s := NewScheduler(out, 24000, nil)
	for i := 0; i < 3; i++ {
		_, err := s.Enqueue(pcmOf(100*time.Millisecond, 24000), "audio/pcm")
		require.NoError(t, err)
	}
	out.voices[0].finish()
	require.Eventually(t, func() bool { return s.Pending() == 2 }, time.Second, time.Millisecond)

	require.NoError(t, s.Close())
	assert.Equal(t, 0, s.Pending())
	assert.True(t, out.voices[1].stopped)
	assert.True(t, out.voices[2].stopped)

	_, err := s.Enqueue(pcmOf(100*time.Millisecond, 24000), "audio/pcm")
	assert.True(t, errors.Is(err, coach.ErrSessionClosed))
	require.NoError(t, s.Close())
}

// recordingSink captures everything rendered.
type recordingSink struct {
	mu      sync.Mutex
	samples []int16
	closes  int
}

func (r *recordingSink) Write(s []int16) error {
	r.mu.Lock()
	r.samples = append(r.samples, s...)
	r.mu.Unlock()
	return nil
}

func (r *recordingSink) Close() error {
	r.mu.Lock()
	r.closes++
	r.mu.Unlock()
	return nil
}

func TestContextPlaysChunksContiguously(t *testing.T) {
	sink := &recordingSink{}
	ctx := newContext(1000, sink)
	s := NewScheduler(ctx, 1000, nil)

	a := make([]byte, 0, 20)
	for i := 1; i <= 10; i++ {
		a = binary.LittleEndian.AppendUint16(a, uint16(i))
	}
	b := make([]byte, 0, 10)
	for i := 11; i <= 15; i++ {
		b = binary.LittleEndian.AppendUint16(b, uint16(i))
	}
	_, err := s.Enqueue(a, "audio/pcm;rate=1000")
	require.NoError(t, err)
	_, err = s.Enqueue(b, "audio/pcm;rate=1000")
	require.NoError(t, err)

	ctx.advance(8)
	ctx.advance(12)

	want := make([]int16, 20)
	for i := 0; i < 15; i++ {
		want[i] = int16(i + 1)
	}
	sink.mu.Lock()
	assert.Equal(t, want, sink.samples)
	sink.mu.Unlock()
	assert.Equal(t, 20*time.Millisecond, ctx.CurrentTime())
	require.Eventually(t, func() bool { return s.Pending() == 0 }, time.Second, time.Millisecond)
}

func TestContextCloseSilencesPendingVoices(t *testing.T) {
	sink := &recordingSink{}
	ctx := newContext(1000, sink)
	s := NewScheduler(ctx, 1000, nil)
	_, err := s.Enqueue(pcmOf(time.Second, 1000), "audio/pcm;rate=1000")
	require.NoError(t, err)
	ctx.advance(10)

	require.NoError(t, s.Close())
	require.NoError(t, ctx.Close())
	require.NoError(t, ctx.Close())
	ctx.advance(10)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.Len(t, sink.samples, 10)
	assert.Equal(t, 1, sink.closes)

	_, err = ctx.Schedule([]int16{1}, 0)
	assert.True(t, errors.Is(err, coach.ErrSessionClosed))
}

func TestStoppedVoiceIsNotRendered(t *testing.T) {
	sink := &recordingSink{}
	ctx := newContext(1000, sink)
	v, err := ctx.Schedule([]int16{5, 5, 5, 5}, 2)
	require.NoError(t, err)
	v.Stop()
	ctx.advance(6)
	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.Equal(t, []int16{0, 0, 0, 0, 0, 0}, sink.samples)
	select {
	case <-v.Done():
	default:
		t.Fatal("stopped voice not done")
	}
}

func constPCM(n int, v int16) []byte {
	b := make([]byte, 0, 2*n)
	for i := 0; i < n; i++ {
		b = binary.LittleEndian.AppendUint16(b, uint16(v))
	}
	return b
}

func TestContextOddLengthChunksStayContiguous(t *testing.T) {
	sink := &recordingSink{}
	ctx := newContext(24000, sink)
	s := NewScheduler(ctx, 24000, nil)

	// 4801 frames at 24kHz is not a whole number of nanoseconds
	for i := 0; i < 2; i++ {
		sc, err := s.Enqueue(constPCM(4801, 1000), "audio/pcm;rate=24000")
		require.NoError(t, err)
		assert.Equal(t, int64(4801*i), sc.StartFrame)
	}
	assert.Equal(t, int64(9602), s.ClockFrame())
	ctx.advance(9602)

	sink.mu.Lock()
	got := append([]int16(nil), sink.samples...)
	sink.mu.Unlock()
	require.Len(t, got, 9602)
	for i, v := range got {
		if v != 1000 {
			t.Fatalf("frame %d: want=1000 got=%d", i, v)
		}
	}
}

func TestContextSingleFrameChunksDoNotOverlap(t *testing.T) {
	sink := &recordingSink{}
	ctx := newContext(24000, sink)
	s := NewScheduler(ctx, 24000, nil)
	for i := 0; i < 3; i++ {
		_, err := s.Enqueue(constPCM(1, 1000), "audio/pcm;rate=24000")
		require.NoError(t, err)
	}
	ctx.advance(3)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.Equal(t, []int16{1000, 1000, 1000}, sink.samples)
}
