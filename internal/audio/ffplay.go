package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"sync"

	"github.com/kinetix-coach/internal/logging"
)

// FFplaySink plays rendered PCM through an ffplay child process reading
// s16le from stdin.
type FFplaySink struct {
	mu    sync.Mutex
	cmd   *exec.Cmd
	stdin io.WriteCloser
	buf   []byte
}

func ffplayArgs(rate int) []string {
	return []string{
		"-hide_banner",
		"-loglevel", "error",
		"-nostats",
		"-nodisp",
		"-f", "s16le",
		"-ch_layout", "mono",
		"-ar", strconv.Itoa(rate),
		"-i", "-",
	}
}

// NewFFplaySink starts ffplay at path for mono PCM at rate.
func NewFFplaySink(path string, rate int) (*FFplaySink, error) {
	if path == "" {
		path = "ffplay"
	}
	if _, err := exec.LookPath(path); err != nil {
		return nil, fmt.Errorf("ffplay is required for local playback: %w", err)
	}
	cmd := exec.Command(path, ffplayArgs(rate)...)
	if runtime.GOOS == "darwin" && os.Getenv("SDL_AUDIODRIVER") == "" {
		cmd.Env = append(os.Environ(), "SDL_AUDIODRIVER=coreaudio")
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("open ffplay stdin: %w", err)
	}
	cmd.Stdout = io.Discard
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		_ = stdin.Close()
		return nil, fmt.Errorf("start ffplay: %w", err)
	}
	logging.Infow("audio: ffplay started", "pid", cmd.Process.Pid, "sample_rate", rate)
	return &FFplaySink{cmd: cmd, stdin: stdin}, nil
}

func (s *FFplaySink) Write(samples []int16) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stdin == nil {
		return errSinkClosed
	}
	n := len(samples) * 2
	if cap(s.buf) < n {
		s.buf = make([]byte, n)
	}
	b := s.buf[:n]
	for i, v := range samples {
		binary.LittleEndian.PutUint16(b[2*i:], uint16(v))
	}
	_, err := s.stdin.Write(b)
	return err
}

func (s *FFplaySink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stdin == nil {
		return nil
	}
	var errs []error
	errs = append(errs, s.stdin.Close())
	if s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
		_ = s.cmd.Wait()
	}
	s.stdin = nil
	return errors.Join(errs...)
}
