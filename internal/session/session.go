// Package session sequences one coaching run: it acquires the devices, opens
// the remote connection, wires the audio, vision and pose pipelines between
// them and tears everything down exactly once.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/kinetix-coach/internal/audio"
	"github.com/kinetix-coach/internal/coach"
	"github.com/kinetix-coach/internal/live"
	"github.com/kinetix-coach/internal/logging"
	"github.com/kinetix-coach/internal/media"
	"github.com/kinetix-coach/internal/metrics"
	"github.com/kinetix-coach/internal/pose"
	"github.com/kinetix-coach/internal/vision"
)

// Deps are the collaborators a Session is built from. The factories are
// called once per session so nothing created by one run survives into the
// next.
type Deps struct {
	Gate        *media.Gate
	Constraints media.Constraints
	Live        live.Service
	Model       string
	Voice       string

	BlockSize    int
	QueueSize    int
	PlaybackRate int
	// NewOutput opens the playback context.
	NewOutput func(rate int) (audio.OutputContext, error)

	Vision vision.Options

	NewEstimator func() (pose.Estimator, error)
	NewDisplay   func() pose.Display
	Surface      pose.Surface
	PoseTimeout  time.Duration

	Metrics *metrics.Metrics
	Events  *Hub
}

// Status is a point-in-time view of a Session.
type Status struct {
	ID             string      `json:"id"`
	Exercise       string      `json:"exercise"`
	State          coach.State `json:"state"`
	Transcript     string      `json:"transcript"`
	UserTranscript string      `json:"user_transcript"`
	Microphone     bool        `json:"microphone"`
	Camera         bool        `json:"camera"`
	StartedAt      time.Time   `json:"started_at,omitempty"`
	Error          string      `json:"error,omitempty"`
}

// Session is one coaching run. It is never reused: after End or a fatal
// error it stays Closed or Failed.
type Session struct {
	id      string
	profile coach.Profile
	deps    Deps
	fields  []interface{}

	state        atomic.Int32
	starting     atomic.Bool
	micActive    atomic.Bool
	cameraActive atomic.Bool

	mu             sync.Mutex
	torn           bool
	startCancel    context.CancelFunc
	handle         *media.Handle
	capture        *audio.CaptureContext
	pipeline       *audio.Pipeline
	output         audio.OutputContext
	scheduler      *audio.Scheduler
	estimator      pose.Estimator
	sampler        *vision.Sampler
	loop           *pose.Loop
	conn           live.Connection
	transcript     string
	userTranscript string
	startedAt      time.Time
	failure        error

	teardownOnce sync.Once
	done         chan struct{}
}

func New(profile coach.Profile, deps Deps) *Session {
	if deps.Events == nil {
		deps.Events = NewHub(0)
	}
	if deps.PlaybackRate <= 0 {
		deps.PlaybackRate = 24000
	}
	if deps.NewOutput == nil {
		deps.NewOutput = func(rate int) (audio.OutputContext, error) {
			return audio.NewContext(rate, audio.DiscardSink{}), nil
		}
	}
	if deps.NewEstimator == nil {
		deps.NewEstimator = func() (pose.Estimator, error) { return &pose.NopEstimator{}, nil }
	}
	if deps.NewDisplay == nil {
		deps.NewDisplay = func() pose.Display { return pose.NewTickerDisplay(60) }
	}
	if deps.Surface == nil {
		deps.Surface = pose.NewImageSurface(pose.DefaultStyle())
	}
	id := uuid.NewString()
	s := &Session{
		id:      id,
		profile: profile,
		deps:    deps,
		fields:  logging.SessionFields(id, profile.ID),
		done:    make(chan struct{}),
	}
	s.micActive.Store(true)
	s.cameraActive.Store(true)
	deps.Metrics.RecordState(coach.StateIdle.String())
	return s
}

func (s *Session) ID() string             { return s.id }
func (s *Session) Profile() coach.Profile { return s.profile }
func (s *Session) State() coach.State     { return coach.State(s.state.Load()) }

// Done is closed once teardown has finished.
func (s *Session) Done() <-chan struct{} { return s.done }

// Subscribe delivers events for this session's hub.
func (s *Session) Subscribe() (<-chan Event, func()) { return s.deps.Events.Subscribe() }

func (s *Session) logw(msg string, kv ...interface{}) {
	logging.Infow(msg, append(append([]interface{}{}, s.fields...), kv...)...)
}

func (s *Session) warnw(msg string, kv ...interface{}) {
	logging.Warnw(msg, append(append([]interface{}{}, s.fields...), kv...)...)
}

func (s *Session) publish(e Event) {
	e.SessionID = s.id
	e.State = s.State()
	e.At = time.Now()
	s.deps.Events.publish(e)
}

// transition moves from one state to another and reports whether it did.
func (s *Session) transition(from, to coach.State) bool {
	if !s.state.CompareAndSwap(int32(from), int32(to)) {
		return false
	}
	s.deps.Metrics.RecordState(to.String())
	s.logw("session: state changed", "from", from.String(), "to", to.String())
	s.publish(Event{Kind: EventStatus})
	return true
}

// finish moves to a terminal state unless the session already is in one.
func (s *Session) finish(to coach.State, cause error) bool {
	for {
		cur := s.State()
		if cur.Terminal() {
			return false
		}
		if !s.state.CompareAndSwap(int32(cur), int32(to)) {
			continue
		}
		s.mu.Lock()
		s.failure = cause
		s.mu.Unlock()
		s.deps.Metrics.RecordState(to.String())
		kv := []interface{}{"from", cur.String(), "to", to.String()}
		if cause != nil {
			kv = append(kv, "err", cause)
		}
		s.logw("session: state changed", kv...)
		e := Event{Kind: EventStatus}
		if cause != nil {
			e.Error = cause.Error()
		}
		s.publish(e)
		return true
	}
}

// Start acquires the devices, connects and wires the pipelines. It only
// runs from Idle; any other state returns coach.ErrAlreadyStarted, or
// coach.ErrSessionClosed once the session has ended. A failed device
// acquisition moves the session straight to Failed.
func (s *Session) Start(ctx context.Context) error {
	if s.State() != coach.StateIdle || !s.starting.CompareAndSwap(false, true) {
		if s.State().Terminal() {
			return coach.ErrSessionClosed
		}
		return coach.ErrAlreadyStarted
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.mu.Lock()
	if s.torn {
		s.mu.Unlock()
		return coach.ErrSessionClosed
	}
	s.startCancel = cancel
	s.startedAt = time.Now()
	s.mu.Unlock()

	s.logw("session: starting", "exercise.name", s.profile.Name)

	handle, err := s.deps.Gate.Acquire(ctx, s.deps.Constraints)
	if err != nil {
		return s.abort(err)
	}
	if !s.adopt(func() { s.handle = handle }) {
		_ = handle.Release()
		return coach.ErrSessionClosed
	}

	if err := s.openContexts(handle); err != nil {
		return s.abort(err)
	}
	go s.watchDevices(handle, s.capture)

	if !s.transition(coach.StateIdle, coach.StateConnecting) {
		return coach.ErrSessionClosed
	}

	cfg := live.ConfigFor(s.profile, s.deps.Model, s.deps.Voice)
	conn, err := s.deps.Live.Connect(ctx, cfg, s.callbacks())
	if err != nil {
		return s.abort(err)
	}
	if !s.adopt(func() { s.conn = conn }) {
		_ = conn.Close()
		return coach.ErrSessionClosed
	}
	if !s.transition(coach.StateConnecting, coach.StateConnected) {
		return coach.ErrSessionClosed
	}

	if !s.wire(handle, conn) {
		return coach.ErrSessionClosed
	}
	s.logw("session: connected")
	return nil
}

// adopt stores a freshly created resource unless teardown has already run,
// in which case the caller owns the resource and must release it.
func (s *Session) adopt(set func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.torn {
		return false
	}
	set()
	return true
}

// openContexts creates the capture and playback contexts and the pose
// engine. Each is adopted as soon as it exists so teardown can release it.
func (s *Session) openContexts(h *media.Handle) error {
	capture := audio.NewCaptureContext(h.Microphone, s.deps.BlockSize)
	if !s.adopt(func() { s.capture = capture }) {
		_ = capture.Close()
		return coach.ErrSessionClosed
	}
	pipeline := audio.NewPipeline(s.micActive.Load, capture.SampleRate(), s.deps.QueueSize, s.deps.Metrics)
	if !s.adopt(func() { s.pipeline = pipeline }) {
		_ = pipeline.Close()
		return coach.ErrSessionClosed
	}

	out, err := s.deps.NewOutput(s.deps.PlaybackRate)
	if err != nil {
		return fmt.Errorf("%w: playback: %v", coach.ErrDeviceUnavailable, err)
	}
	sched := audio.NewScheduler(out, s.deps.PlaybackRate, s.deps.Metrics)
	if !s.adopt(func() { s.output, s.scheduler = out, sched }) {
		_ = sched.Close()
		_ = out.Close()
		return coach.ErrSessionClosed
	}

	est, err := s.deps.NewEstimator()
	if err != nil {
		return fmt.Errorf("%w: %v", coach.ErrEstimationFailed, err)
	}
	if !s.adopt(func() { s.estimator = est }) {
		_ = est.Close()
		return coach.ErrSessionClosed
	}
	return nil
}

// wire connects the pipelines once the session is Connected.
func (s *Session) wire(h *media.Handle, conn live.Connection) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.torn {
		return false
	}
	s.pipeline.Attach(conn)
	s.capture.SetBlockFunc(s.pipeline.Process)

	s.sampler = vision.NewSampler(h.Camera, conn, s.cameraActive.Load, s.connected, s.deps.Vision, s.deps.Metrics)
	s.sampler.Start()

	s.loop = pose.NewLoop(s.estimator, h.Camera, s.cameraActive.Load, s.deps.NewDisplay(), s.deps.Surface, s.deps.PoseTimeout, s.deps.Metrics)
	s.loop.Start()
	return true
}

func (s *Session) connected() bool { return s.State() == coach.StateConnected }

// watchDevices fails the session when a track or the capture loop ends
// before teardown has started.
func (s *Session) watchDevices(h *media.Handle, capture *audio.CaptureContext) {
	var cause error
	select {
	case <-s.done:
		return
	case <-h.Camera.Done():
		cause = errors.New("camera stream ended")
	case <-h.Microphone.Done():
		cause = errors.New("microphone stream ended")
	case <-capture.Done():
		if cause = capture.Err(); cause == nil {
			return
		}
	}
	s.mu.Lock()
	torn := s.torn
	s.mu.Unlock()
	if torn {
		return
	}
	if !errors.Is(cause, coach.ErrDeviceUnavailable) {
		cause = fmt.Errorf("%w: %v", coach.ErrDeviceUnavailable, cause)
	}
	s.fail(cause)
}

// abort fails the session from inside Start and tears it down. If End got
// there first the session stays Closed.
func (s *Session) abort(err error) error {
	if s.finish(coach.StateFailed, err) {
		s.warnw("session: start failed", "err", err)
	}
	if terr := s.teardown(); terr != nil {
		s.warnw("session: teardown after failed start", "err", terr)
	}
	if s.State() == coach.StateClosed {
		return coach.ErrSessionClosed
	}
	return err
}

func (s *Session) callbacks() live.Callbacks {
	return live.Callbacks{
		OnOpen: func() {
			s.logw("session: remote connection open")
		},
		OnMessage: s.handleMessage,
		OnClose: func(err error) {
			if err == nil {
				return
			}
			// OnClose runs on the connection's read goroutine, which
			// teardown waits for when it closes the connection.
			go s.fail(err)
		},
		OnError: func(err error) {
			s.warnw("session: remote error", "err", err)
		},
	}
}

func (s *Session) handleMessage(m live.Message) {
	if m.Transcript != "" {
		s.mu.Lock()
		s.transcript = m.Transcript
		s.mu.Unlock()
		s.publish(Event{Kind: EventTranscript, Text: m.Transcript})
	}
	if m.UserTranscript != "" {
		s.mu.Lock()
		s.userTranscript = m.UserTranscript
		s.mu.Unlock()
		s.publish(Event{Kind: EventUserTranscript, Text: m.UserTranscript})
	}
	if len(m.Audio) > 0 {
		s.mu.Lock()
		sched := s.scheduler
		s.mu.Unlock()
		for _, a := range m.Audio {
			if sched == nil {
				break
			}
			if _, err := sched.Enqueue(a.Data, a.MIMEType); errors.Is(err, coach.ErrSessionClosed) {
				break
			}
		}
	}
	if m.Interrupted {
		logging.Debugw("session: model turn interrupted", s.fields...)
	}
	if m.TurnComplete {
		logging.Debugw("session: model turn complete", s.fields...)
	}
}

// fail moves the session to Failed after an unrecoverable error and tears
// it down.
func (s *Session) fail(err error) {
	if s.finish(coach.StateFailed, err) {
		s.warnw("session: failed", "err", err)
	}
	if terr := s.teardown(); terr != nil {
		s.warnw("session: teardown errors", "err", terr)
	}
}

// End closes the session from any state, including while Start is still
// running. Resources are released exactly once; later calls return nil.
func (s *Session) End() error {
	s.finish(coach.StateClosed, nil)
	return s.teardown()
}

// teardown releases everything in a fixed order. Every step runs even if an
// earlier one fails or panics; step errors are joined.
func (s *Session) teardown() error {
	var err error
	ran := false
	s.teardownOnce.Do(func() {
		ran = true
		s.mu.Lock()
		s.torn = true
		if s.startCancel != nil {
			s.startCancel()
		}
		sampler, loop, handle := s.sampler, s.loop, s.handle
		capture, pipeline, sched, out := s.capture, s.pipeline, s.scheduler, s.output
		est, conn := s.estimator, s.conn
		started := s.startedAt
		s.mu.Unlock()

		var errs []error
		step := func(name string, fn func() error) {
			defer func() {
				if r := recover(); r != nil {
					errs = append(errs, fmt.Errorf("%s: panic: %v", name, r))
				}
			}()
			if e := fn(); e != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, e))
			}
		}

		step("vision sampler", func() error {
			if sampler != nil {
				sampler.Stop()
			}
			return nil
		})
		step("pose loop", func() error {
			if loop != nil {
				loop.Stop()
			}
			return nil
		})
		step("media", func() error { return handle.Release() })
		step("capture context", func() error {
			if capture == nil {
				return nil
			}
			capture.SetBlockFunc(nil)
			return capture.Close()
		})
		step("audio pipeline", func() error {
			if pipeline == nil {
				return nil
			}
			pipeline.Detach()
			return pipeline.Close()
		})
		step("playback scheduler", func() error {
			if sched == nil {
				return nil
			}
			return sched.Close()
		})
		step("playback context", func() error {
			if out == nil {
				return nil
			}
			return out.Close()
		})
		step("pose engine", func() error {
			if est == nil {
				return nil
			}
			return est.Close()
		})
		step("connection", func() error {
			if conn == nil {
				return nil
			}
			return conn.Close()
		})
		s.mu.Lock()
		s.conn = nil
		s.mu.Unlock()

		err = errors.Join(errs...)
		var elapsed time.Duration
		if !started.IsZero() {
			elapsed = time.Since(started)
		}
		s.deps.Metrics.RecordSessionEnd(s.State().String(), elapsed)
		s.logw("session: torn down", "state", s.State().String(), "duration_ms", elapsed.Milliseconds(), "err", err)
		close(s.done)
	})
	if !ran {
		return nil
	}
	return err
}

// SetMicrophone mutes or unmutes outbound audio. Muted blocks are dropped,
// not replaced with silence.
func (s *Session) SetMicrophone(on bool) {
	if s.micActive.Swap(on) != on {
		s.logw("session: microphone toggled", "enabled", on)
		s.publish(Event{Kind: EventMicrophone, Enabled: on})
	}
}

// SetCamera pauses or resumes vision sampling and pose drawing. The loops
// keep running either way.
func (s *Session) SetCamera(on bool) {
	if s.cameraActive.Swap(on) != on {
		if !on && s.deps.Surface != nil {
			s.deps.Surface.Clear()
		}
		s.logw("session: camera toggled", "enabled", on)
		s.publish(Event{Kind: EventCamera, Enabled: on})
	}
}

func (s *Session) Snapshot() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{
		ID:             s.id,
		Exercise:       s.profile.ID,
		State:          s.State(),
		Transcript:     s.transcript,
		UserTranscript: s.userTranscript,
		Microphone:     s.micActive.Load(),
		Camera:         s.cameraActive.Load(),
		StartedAt:      s.startedAt,
	}
	if s.failure != nil {
		st.Error = s.failure.Error()
	}
	return st
}

// Scheduler exposes the playback scheduler while the session holds one.
func (s *Session) Scheduler() *audio.Scheduler {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scheduler
}
