package vision

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/jpeg"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kinetix-coach/internal/coach"
	"github.com/kinetix-coach/internal/media/mediatest"
)

type imageRecorder struct {
	mu    sync.Mutex
	snaps []coach.VisionSnapshot
	err   error
}

func (r *imageRecorder) SendImage(ctx context.Context, s coach.VisionSnapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.snaps = append(r.snaps, s)
	return nil
}

func (r *imageRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.snaps)
}

func manualSampler(t *testing.T, cam FrameSource, rec ImageSender, camOn *atomic.Bool) (*Sampler, chan time.Time) {
	t.Helper()
	ticks := make(chan time.Time)
	s := NewSampler(cam, rec, camOn.Load, func() bool { return true }, Options{Interval: 500 * time.Millisecond}, nil)
	s.newTicker = func(time.Duration) (<-chan time.Time, func()) { return ticks, func() {} }
	s.Start()
	t.Cleanup(s.Stop)
	return s, ticks
}

func waitTicks(t *testing.T, s *Sampler, n int64) {
	t.Helper()
	require.Eventually(t, func() bool {
		sent, skipped, failed := s.Stats()
		return sent+skipped+failed == n
	}, time.Second, time.Millisecond)
}

func TestSnapshotHalvesAndEncodesJPEG(t *testing.T) {
	frame, ok := mediatest.NewCamera(128, 72).Frame()
	require.True(t, ok)
	snap, err := Snapshot(frame, 0.5, 60)
	require.NoError(t, err)
	assert.Equal(t, "image/jpeg", snap.MIMEType)
	assert.Equal(t, 64, snap.Width)
	assert.Equal(t, 36, snap.Height)

	img, err := jpeg.Decode(bytes.NewReader(snap.Data))
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 64, 36), img.Bounds())
}

func TestSnapshotTooSmall(t *testing.T) {
	_, err := Snapshot(image.NewRGBA(image.Rect(0, 0, 1, 1)), 0.5, 60)
	assert.True(t, errors.Is(err, coach.ErrEncodeFailed))
}

func TestCameraOffSkipsThenResumes(t *testing.T) {
	var camOn atomic.Bool
	camOn.Store(true)
	rec := &imageRecorder{}
	s, ticks := manualSampler(t, mediatest.NewCamera(64, 48), rec, &camOn)

	ticks <- time.Now()
	waitTicks(t, s, 1)
	assert.Equal(t, 1, rec.count())

	camOn.Store(false)
	ticks <- time.Now()
	ticks <- time.Now()
	waitTicks(t, s, 3)
	assert.Equal(t, 1, rec.count(), "no sends while the camera is off")

	camOn.Store(true)
	ticks <- time.Now()
	waitTicks(t, s, 4)
	assert.Equal(t, 2, rec.count())

	sent, skipped, failed := s.Stats()
	assert.Equal(t, int64(2), sent)
	assert.Equal(t, int64(2), skipped)
	assert.Equal(t, int64(0), failed)
}

func TestSendFailureDoesNotStopTicks(t *testing.T) {
	var camOn atomic.Bool
	camOn.Store(true)
	rec := &imageRecorder{err: errors.New("socket closed")}
	s, ticks := manualSampler(t, mediatest.NewCamera(64, 48), rec, &camOn)

	ticks <- time.Now()
	ticks <- time.Now()
	waitTicks(t, s, 2)

	rec.mu.Lock()
	rec.err = nil
	rec.mu.Unlock()
	ticks <- time.Now()
	waitTicks(t, s, 3)

	sent, _, failed := s.Stats()
	assert.Equal(t, int64(1), sent)
	assert.Equal(t, int64(2), failed)
}

func TestNotConnectedSkips(t *testing.T) {
	rec := &imageRecorder{}
	ticks := make(chan time.Time)
	s := NewSampler(mediatest.NewCamera(8, 8), rec, func() bool { return true }, func() bool { return false }, Options{}, nil)
	s.newTicker = func(time.Duration) (<-chan time.Time, func()) { return ticks, func() {} }
	s.Start()
	defer s.Stop()

	ticks <- time.Now()
	waitTicks(t, s, 1)
	assert.Equal(t, 0, rec.count())
}

func TestStopIsIdempotent(t *testing.T) {
	s := NewSampler(mediatest.NewCamera(8, 8), &imageRecorder{}, nil, nil, Options{Interval: time.Millisecond}, nil)
	s.Start()
	s.Start()
	s.Stop()
	s.Stop()
}
