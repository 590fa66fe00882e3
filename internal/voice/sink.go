//go:build opus
// +build opus

package voice

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hraban/opus"

	"github.com/kinetix-coach/internal/logging"
)

const sendTimeout = 100 * time.Millisecond

// DiscordSink is an audio.Sink that encodes PCM to Opus and sends it on the
// voice connection.
type DiscordSink struct {
	link *Link
	enc  *opus.Encoder

	mu       sync.Mutex
	framer   *framer
	out      []byte
	speaking bool
	closed   bool
	dropped  int64
}

// NewDiscordSink encodes mono PCM at rate for link.
func NewDiscordSink(link *Link, rate int) (*DiscordSink, error) {
	enc, err := opus.NewEncoder(discordRate, discordChannels, opus.AppVoIP)
	if err != nil {
		return nil, fmt.Errorf("voice: opus encoder: %w", err)
	}
	return &DiscordSink{link: link, enc: enc, framer: newFramer(rate), out: make([]byte, 4000)}, nil
}

func (s *DiscordSink) Write(samples []int16) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("voice: sink closed")
	}
	if isSilent(samples) {
		s.setSpeaking(false)
		return nil
	}
	s.setSpeaking(true)
	for _, frame := range s.framer.push(samples) {
		if err := s.send(frame); err != nil {
			return err
		}
	}
	return nil
}

func (s *DiscordSink) send(frame []int16) error {
	n, err := s.enc.Encode(frame, s.out)
	if err != nil {
		return fmt.Errorf("voice: opus encode: %w", err)
	}
	pkt := make([]byte, n)
	copy(pkt, s.out[:n])
	select {
	case s.link.vc.OpusSend <- pkt:
	case <-time.After(sendTimeout):
		s.dropped++
		if s.dropped%50 == 1 {
			logging.Warnw("voice: opus frame dropped", "dropped", s.dropped)
		}
	}
	return nil
}

func (s *DiscordSink) setSpeaking(on bool) {
	if s.speaking == on {
		return
	}
	s.speaking = on
	if err := s.link.vc.Speaking(on); err != nil {
		logging.Debugw("voice: speaking update failed", "speaking", on, "err", err)
	}
}

// Close flushes the last partial frame and stops speaking. The Link stays
// open.
func (s *DiscordSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	var err error
	if frame := s.framer.flush(); frame != nil {
		err = s.send(frame)
	}
	s.setSpeaking(false)
	return err
}

func isSilent(samples []int16) bool {
	for _, v := range samples {
		if v != 0 {
			return false
		}
	}
	return true
}
