package media

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"io"
	"math"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kinetix-coach/internal/coach"
	"github.com/kinetix-coach/internal/logging"
)

// FFmpegDevices captures the camera and microphone through ffmpeg child
// processes (v4l2/pulse on linux, avfoundation on darwin).
type FFmpegDevices struct {
	Path         string
	StartTimeout time.Duration
	goos         string
}

func NewFFmpegDevices(path string) *FFmpegDevices {
	if path == "" {
		path = "ffmpeg"
	}
	return &FFmpegDevices{Path: path, StartTimeout: 5 * time.Second, goos: runtime.GOOS}
}

func cameraArgs(goos string, c CameraConstraints) ([]string, error) {
	fps := c.FPS
	if fps <= 0 {
		fps = 15
	}
	var in []string
	switch goos {
	case "linux":
		dev := c.Device
		if dev == "" {
			dev = "/dev/video0"
		}
		in = []string{"-f", "v4l2", "-framerate", strconv.Itoa(fps), "-video_size", fmt.Sprintf("%dx%d", c.Width, c.Height), "-i", dev}
	case "darwin":
		dev := c.Device
		if dev == "" {
			dev = "0:none"
		}
		in = []string{"-f", "avfoundation", "-framerate", strconv.Itoa(fps), "-video_size", fmt.Sprintf("%dx%d", c.Width, c.Height), "-i", dev}
	default:
		return nil, fmt.Errorf("%w: camera capture is not implemented for %s", coach.ErrDeviceUnavailable, goos)
	}
	args := []string{"-hide_banner", "-loglevel", "error", "-nostdin"}
	args = append(args, in...)
	// the device may not honour the requested size; scale so every frame is
	// exactly Width x Height
	args = append(args,
		"-vf", fmt.Sprintf("scale=%d:%d", c.Width, c.Height),
		"-pix_fmt", "rgba", "-f", "rawvideo", "-",
	)
	return args, nil
}

func micArgs(goos string, c MicConstraints) ([]string, error) {
	var in []string
	switch goos {
	case "linux":
		dev := c.Device
		if dev == "" {
			dev = "default"
		}
		in = []string{"-f", "pulse", "-i", dev}
	case "darwin":
		dev := c.Device
		if dev == "" {
			dev = ":0"
		}
		in = []string{"-f", "avfoundation", "-i", dev}
	default:
		return nil, fmt.Errorf("%w: microphone capture is not implemented for %s", coach.ErrDeviceUnavailable, goos)
	}
	args := []string{"-hide_banner", "-loglevel", "error", "-nostdin"}
	args = append(args, in...)
	var filters []string
	if c.NoiseSuppression {
		filters = append(filters, "afftdn")
	}
	if c.EchoCancellation {
		// ffmpeg has no acoustic echo canceller; cut low-frequency bleed
		// and leave full AEC to the audio server's echo-cancel source.
		filters = append(filters, "highpass=f=80")
	}
	if len(filters) > 0 {
		args = append(args, "-af", strings.Join(filters, ","))
	}
	args = append(args, "-ac", "1", "-ar", strconv.Itoa(c.SampleRate), "-f", "f32le", "-")
	return args, nil
}

// proc is a running ffmpeg capture process.
type proc struct {
	cmd    *exec.Cmd
	stdout *bufio.Reader
	stderr *tailBuffer
	done   chan struct{}
	stop   sync.Once
}

// tailBuffer keeps the last few KiB of a child's stderr for diagnostics.
type tailBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf.Write(p)
	if t.buf.Len() > 4096 {
		b := t.buf.Bytes()
		keep := append([]byte(nil), b[len(b)-4096:]...)
		t.buf.Reset()
		t.buf.Write(keep)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.TrimSpace(t.buf.String())
}

// startProc starts ffmpeg and waits until it produces its first byte of
// output, the process exits, or the timeout fires.
func (d *FFmpegDevices) startProc(ctx context.Context, kind string, args []string) (*proc, error) {
	if _, err := exec.LookPath(d.Path); err != nil {
		return nil, fmt.Errorf("%w: %s not found: %v", coach.ErrDeviceUnavailable, d.Path, err)
	}
	cmd := exec.Command(d.Path, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("open ffmpeg stdout: %w", err)
	}
	p := &proc{cmd: cmd, stdout: bufio.NewReaderSize(stdout, 1<<16), stderr: &tailBuffer{}, done: make(chan struct{})}
	cmd.Stderr = p.stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: start ffmpeg %s capture: %v", coach.ErrDeviceUnavailable, kind, err)
	}
	logging.Debugw("media: ffmpeg started", "kind", kind, "pid", cmd.Process.Pid, "args", strings.Join(args, " "))

	ready := make(chan error, 1)
	go func() {
		_, err := p.stdout.Peek(1)
		ready <- err
	}()

	timeout := d.StartTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case err := <-ready:
		if err == nil {
			go func() {
				_ = cmd.Wait()
				close(p.done)
			}()
			return p, nil
		}
		_ = cmd.Wait()
		return nil, classifyStderr(kind, p.stderr.String())
	case <-timer.C:
		p.kill()
		_ = cmd.Wait()
		return nil, fmt.Errorf("%w: %s produced no data within %s", coach.ErrDeviceUnavailable, kind, timeout)
	case <-ctx.Done():
		p.kill()
		_ = cmd.Wait()
		return nil, ctx.Err()
	}
}

func (p *proc) kill() {
	if p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}
}

// Done is closed once the ffmpeg process has exited.
func (p *proc) Done() <-chan struct{} { return p.done }

func (p *proc) Stop() error {
	p.stop.Do(func() {
		p.kill()
		<-p.done
	})
	return nil
}

// classifyStderr maps ffmpeg's failure output to the device error taxonomy.
func classifyStderr(kind, stderr string) error {
	low := strings.ToLower(stderr)
	if strings.Contains(low, "permission denied") || strings.Contains(low, "not authorized") || strings.Contains(low, "operation not permitted") {
		return fmt.Errorf("%w: %s: %s", coach.ErrPermissionDenied, kind, stderr)
	}
	if stderr == "" {
		stderr = "ffmpeg exited before producing data"
	}
	return fmt.Errorf("%w: %s: %s", coach.ErrDeviceUnavailable, kind, stderr)
}

// OpenCamera starts a raw RGBA frame stream and publishes frames as they
// arrive.
func (d *FFmpegDevices) OpenCamera(ctx context.Context, c CameraConstraints) (Camera, error) {
	if c.Width <= 0 || c.Height <= 0 {
		c.Width, c.Height = 1280, 720
	}
	args, err := cameraArgs(d.goos, c)
	if err != nil {
		return nil, err
	}
	p, err := d.startProc(ctx, "camera", args)
	if err != nil {
		return nil, err
	}
	cam := &ffmpegCamera{proc: p, width: c.Width, height: c.Height}
	go cam.readLoop()
	return cam, nil
}

type ffmpegCamera struct {
	*proc
	width, height int
	latest        atomic.Pointer[image.RGBA]
}

func (c *ffmpegCamera) Kind() string { return "camera" }

func (c *ffmpegCamera) Size() (int, int) { return c.width, c.height }

func (c *ffmpegCamera) Frame() (image.Image, bool) {
	f := c.latest.Load()
	if f == nil {
		return nil, false
	}
	return f, true
}

func (c *ffmpegCamera) readLoop() {
	frameLen := c.width * c.height * 4
	for {
		img := image.NewRGBA(image.Rect(0, 0, c.width, c.height))
		if _, err := io.ReadFull(c.stdout, img.Pix[:frameLen]); err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
				logging.Warnw("media: camera read failed", "err", err)
			}
			// a stream that stops yielding frames is a lost device; make
			// sure Done fires even if ffmpeg lingers
			c.kill()
			return
		}
		c.latest.Store(img)
	}
}

// OpenMicrophone starts a mono float32 sample stream.
func (d *FFmpegDevices) OpenMicrophone(ctx context.Context, c MicConstraints) (Microphone, error) {
	if c.SampleRate <= 0 {
		c.SampleRate = 16000
	}
	args, err := micArgs(d.goos, c)
	if err != nil {
		return nil, err
	}
	p, err := d.startProc(ctx, "microphone", args)
	if err != nil {
		return nil, err
	}
	return &ffmpegMicrophone{proc: p, rate: c.SampleRate}, nil
}

type ffmpegMicrophone struct {
	*proc
	rate    int
	scratch []byte
}

func (m *ffmpegMicrophone) Kind() string    { return "microphone" }
func (m *ffmpegMicrophone) SampleRate() int { return m.rate }

// ReadBlock is called from a single capture goroutine.
func (m *ffmpegMicrophone) ReadBlock(ctx context.Context, buf []float32) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	n := len(buf) * 4
	if cap(m.scratch) < n {
		m.scratch = make([]byte, n)
	}
	raw := m.scratch[:n]
	if _, err := io.ReadFull(m.stdout, raw); err != nil {
		return fmt.Errorf("%w: microphone stream ended: %v", coach.ErrDeviceUnavailable, err)
	}
	for i := range buf {
		buf[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[4*i:]))
	}
	return nil
}
