package media_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kinetix-coach/internal/coach"
	"github.com/kinetix-coach/internal/media"
	"github.com/kinetix-coach/internal/media/mediatest"
)

func TestAcquireAndReleaseOnce(t *testing.T) {
	devs := &mediatest.Devices{}
	h, err := media.NewGate(devs).Acquire(context.Background(), media.DefaultConstraints())
	require.NoError(t, err)

	w, hh := h.Camera.Size()
	assert.Equal(t, 1280, w)
	assert.Equal(t, 720, hh)
	assert.Equal(t, 16000, h.Microphone.SampleRate())

	require.NoError(t, h.Release())
	require.NoError(t, h.Release())
	assert.Equal(t, 1, devs.Cameras()[0].Stops())
	assert.Equal(t, 1, devs.Microphones()[0].Stops())
}

func TestAcquirePermissionDeniedLeavesNothingOpen(t *testing.T) {
	devs := &mediatest.Devices{MicErr: fmt.Errorf("%w: mic blocked", coach.ErrPermissionDenied)}
	h, err := media.NewGate(devs).Acquire(context.Background(), media.DefaultConstraints())
	require.Error(t, err)
	assert.Nil(t, h)
	assert.True(t, errors.Is(err, coach.ErrPermissionDenied))
	for _, c := range devs.Cameras() {
		assert.Equal(t, 1, c.Stops(), "partially opened camera must be stopped")
	}
}

func TestAcquireUnknownErrorIsDeviceUnavailable(t *testing.T) {
	devs := &mediatest.Devices{CameraErr: errors.New("no such device")}
	_, err := media.NewGate(devs).Acquire(context.Background(), media.DefaultConstraints())
	require.Error(t, err)
	assert.True(t, errors.Is(err, coach.ErrDeviceUnavailable))
	for _, m := range devs.Microphones() {
		assert.Equal(t, 1, m.Stops())
	}
}

func TestNilHandleRelease(t *testing.T) {
	var h *media.Handle
	assert.NoError(t, h.Release())
}

type panickingCamera struct{ *mediatest.Camera }

func (c panickingCamera) Stop() error {
	_ = c.Camera.Stop()
	panic("camera driver crashed")
}

func TestReleaseStopsMicrophoneWhenCameraStopPanics(t *testing.T) {
	cam := mediatest.NewCamera(4, 4)
	mic := mediatest.NewMicrophone(16000)
	h := &media.Handle{Camera: panickingCamera{cam}, Microphone: mic}

	err := h.Release()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stop camera: panic")
	assert.Equal(t, 1, mic.Stops())
	assert.Equal(t, err, h.Release())
	assert.Equal(t, 1, cam.Stops())
	assert.Equal(t, 1, mic.Stops())
}

func TestTrackDoneClosesOnStop(t *testing.T) {
	mic := mediatest.NewMicrophone(16000)
	select {
	case <-mic.Done():
		t.Fatal("done before stop")
	default:
	}
	require.NoError(t, mic.Stop())
	<-mic.Done()
	assert.ErrorIs(t, mic.ReadBlock(context.Background(), make([]float32, 4)), mediatest.ErrStopped)
}
