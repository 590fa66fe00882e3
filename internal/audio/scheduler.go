package audio

import (
	"fmt"
	"sync"
	"time"

	"github.com/kinetix-coach/internal/coach"
	"github.com/kinetix-coach/internal/logging"
	"github.com/kinetix-coach/internal/metrics"
)

// Scheduled reports where a chunk landed on the playback timeline.
type Scheduled struct {
	Start      time.Duration
	Duration   time.Duration
	StartFrame int64
	Frames     int64
}

// Scheduler appends inbound speech chunks to an OutputContext timeline so
// that consecutive chunks play back to back. For each chunk
// start = max(clock, CurrentFrame()) and then clock = start + frames, so
// with in-order delivery chunks never overlap and never start in the past.
// The clock is kept in output frames; positions are never rounded.
type Scheduler struct {
	out         OutputContext
	defaultRate int
	metrics     *metrics.Metrics
	decodeLog   *logging.Sampled

	mu     sync.Mutex
	clock  int64
	live   map[Voice]struct{}
	closed bool
	wg     sync.WaitGroup
}

// NewScheduler schedules onto out. Payloads without a rate in their MIME
// type are taken to be at defaultRate.
func NewScheduler(out OutputContext, defaultRate int, m *metrics.Metrics) *Scheduler {
	if defaultRate <= 0 {
		defaultRate = out.SampleRate()
	}
	return &Scheduler{
		out:         out,
		defaultRate: defaultRate,
		metrics:     m,
		decodeLog:   logging.NewSampled(5 * time.Second),
		live:        make(map[Voice]struct{}),
	}
}

// Enqueue decodes payload and schedules it after everything already queued.
// Decode errors wrap coach.ErrDecodeFailed and leave the clock untouched.
// After Close it returns coach.ErrSessionClosed.
func (s *Scheduler) Enqueue(payload []byte, mimeType string) (Scheduled, error) {
	samples, rate, err := DecodePCM16(payload, mimeType, s.defaultRate)
	if err != nil {
		s.metrics.RecordDecodeFailure()
		s.decodeLog.Warnw("audio: dropping undecodable chunk", "mime", mimeType, "bytes", len(payload), "err", err)
		return Scheduled{}, err
	}
	if outRate := s.out.SampleRate(); rate != outRate {
		samples = Resample(samples, rate, outRate)
		rate = outRate
	}
	frames := int64(len(samples))

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Scheduled{}, coach.ErrSessionClosed
	}
	now := s.out.CurrentFrame()
	start := max(s.clock, now)
	v, err := s.out.Schedule(samples, start)
	if err != nil {
		return Scheduled{}, fmt.Errorf("schedule chunk: %w", err)
	}
	s.clock = start + frames
	s.live[v] = struct{}{}
	s.wg.Add(1)
	go s.reap(v)

	sc := Scheduled{
		Start:      FrameTime(start, rate),
		Duration:   Duration(len(samples), rate),
		StartFrame: start,
		Frames:     frames,
	}
	s.metrics.RecordPlaybackScheduled(len(payload), FrameTime(start-now, rate))
	logging.Debugw("audio: chunk scheduled", "start", sc.Start, "duration", sc.Duration, "clock_frame", s.clock, "live", len(s.live))
	return sc, nil
}

// reap removes v from the live set when it finishes.
func (s *Scheduler) reap(v Voice) {
	defer s.wg.Done()
	<-v.Done()
	s.mu.Lock()
	delete(s.live, v)
	s.mu.Unlock()
}

// Clock is the earliest time the next chunk may start.
func (s *Scheduler) Clock() time.Duration {
	return FrameTime(s.ClockFrame(), s.out.SampleRate())
}

// ClockFrame is Clock in output frames.
func (s *Scheduler) ClockFrame() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clock
}

// Pending is the number of chunks scheduled but not yet finished.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.live)
}

// Close stops every scheduled chunk, clears the live set and rejects later
// chunks. The OutputContext is not closed.
func (s *Scheduler) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	live := make([]Voice, 0, len(s.live))
	for v := range s.live {
		live = append(live, v)
	}
	s.mu.Unlock()

	for _, v := range live {
		v.Stop()
	}
	s.wg.Wait()

	s.mu.Lock()
	clear(s.live)
	s.mu.Unlock()
	logging.Debugw("audio: scheduler closed", "stopped", len(live))
	return nil
}
