// Package media owns the raw camera and microphone streams of a session.
// A Gate acquires both devices as one Handle; the Handle is released exactly
// once during teardown.
package media

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/kinetix-coach/internal/coach"
	"github.com/kinetix-coach/internal/logging"
)

// Track is one live device stream.
type Track interface {
	Kind() string
	Stop() error
	// Done is closed once the stream has ended, whether it was stopped or
	// the device went away.
	Done() <-chan struct{}
}

// Camera publishes the most recent video frame.
type Camera interface {
	Track
	// Frame returns the latest frame, or false before the first frame.
	// Callers must not modify the returned image.
	Frame() (image.Image, bool)
	Size() (width, height int)
}

// Microphone delivers mono float samples in [-1, 1] at SampleRate.
type Microphone interface {
	Track
	SampleRate() int
	// ReadBlock fills buf completely or returns an error. It returns an
	// error once the track is stopped.
	ReadBlock(ctx context.Context, buf []float32) error
}

// Devices opens platform capture devices.
type Devices interface {
	OpenCamera(ctx context.Context, c CameraConstraints) (Camera, error)
	OpenMicrophone(ctx context.Context, c MicConstraints) (Microphone, error)
}

type CameraConstraints struct {
	Width  int
	Height int
	FPS    int
	Device string
}

type MicConstraints struct {
	SampleRate       int
	EchoCancellation bool
	NoiseSuppression bool
	Device           string
}

// Constraints is the full capture request for one session.
type Constraints struct {
	Camera     CameraConstraints
	Microphone MicConstraints
}

// DefaultConstraints mirrors the capture request the coach uses unless
// configured otherwise.
func DefaultConstraints() Constraints {
	return Constraints{
		Camera:     CameraConstraints{Width: 1280, Height: 720, FPS: 15},
		Microphone: MicConstraints{SampleRate: 16000, EchoCancellation: true, NoiseSuppression: true},
	}
}

// Gate acquires camera and microphone together.
type Gate struct {
	devices Devices
}

func NewGate(d Devices) *Gate { return &Gate{devices: d} }

// Acquire opens both devices. On failure any device that did open is
// stopped before returning, so a failed Acquire never leaves a live track.
// Errors wrap coach.ErrPermissionDenied or coach.ErrDeviceUnavailable.
func (g *Gate) Acquire(ctx context.Context, c Constraints) (*Handle, error) {
	var (
		cam Camera
		mic Microphone
	)
	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		var err error
		cam, err = g.devices.OpenCamera(egCtx, c.Camera)
		if err != nil {
			return fmt.Errorf("camera: %w", classify(err))
		}
		return nil
	})
	eg.Go(func() error {
		var err error
		mic, err = g.devices.OpenMicrophone(egCtx, c.Microphone)
		if err != nil {
			return fmt.Errorf("microphone: %w", classify(err))
		}
		return nil
	})
	if err := eg.Wait(); err != nil {
		var errs []error
		if cam != nil {
			errs = append(errs, cam.Stop())
		}
		if mic != nil {
			errs = append(errs, mic.Stop())
		}
		if serr := errors.Join(errs...); serr != nil {
			logging.Warnw("media: failed to stop partial acquisition", "err", serr)
		}
		return nil, err
	}
	w, h := cam.Size()
	logging.Infow("media: devices acquired", "camera.width", w, "camera.height", h, "mic.sample_rate", mic.SampleRate())
	return &Handle{Camera: cam, Microphone: mic}, nil
}

// classify makes sure every acquisition error carries one of the two
// device sentinels.
func classify(err error) error {
	if errors.Is(err, coach.ErrPermissionDenied) || errors.Is(err, coach.ErrDeviceUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %v", coach.ErrDeviceUnavailable, err)
}

// Handle is the live camera+microphone pair of one session.
type Handle struct {
	Camera     Camera
	Microphone Microphone

	once sync.Once
	err  error
}

// Release stops every track, camera first. A track whose Stop fails or
// panics does not keep the others running. Only the first call has any
// effect; later calls return the first call's result.
func (h *Handle) Release() error {
	if h == nil {
		return nil
	}
	h.once.Do(func() {
		var errs []error
		for _, t := range []Track{h.Camera, h.Microphone} {
			if t == nil {
				continue
			}
			if err := stopTrack(t); err != nil {
				errs = append(errs, fmt.Errorf("stop %s: %w", t.Kind(), err))
			}
		}
		h.err = errors.Join(errs...)
		logging.Debugw("media: handle released", "err", h.err)
	})
	return h.err
}

func stopTrack(t Track) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return t.Stop()
}
