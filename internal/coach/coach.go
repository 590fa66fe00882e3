// Package coach holds the domain types shared by the coaching session
// engine: exercise profiles, lifecycle states, the audio and vision payloads
// that cross component boundaries, and the error taxonomy.
package coach

import (
	"errors"
	"fmt"
	"strings"
)

// Profile describes one exercise the coach can guide.
type Profile struct {
	ID          string   `json:"id" yaml:"id"`
	Name        string   `json:"name" yaml:"name"`
	Description string   `json:"description" yaml:"description"`
	KeyPoints   []string `json:"key_points" yaml:"key_points"`
}

// State is the lifecycle state of a Session.
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateClosed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool { return s == StateClosed || s == StateFailed }

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *State) UnmarshalText(b []byte) error {
	for st := StateIdle; st <= StateFailed; st++ {
		if st.String() == string(b) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown state %q", b)
}

// AudioChunk is a block of 16-bit linear PCM, mono, tagged with its rate.
// Chunks are never mutated after construction.
type AudioChunk struct {
	Seq        uint64
	Samples    []int16
	SampleRate int
}

// PCM returns the samples as little-endian bytes.
func (c AudioChunk) PCM() []byte {
	out := make([]byte, len(c.Samples)*2)
	for i, s := range c.Samples {
		out[2*i] = byte(s)
		out[2*i+1] = byte(uint16(s) >> 8)
	}
	return out
}

// MIMEType is the wire type for the chunk, e.g. "audio/pcm;rate=16000".
func (c AudioChunk) MIMEType() string {
	return fmt.Sprintf("audio/pcm;rate=%d", c.SampleRate)
}

// VisionSnapshot is a single encoded, downscaled camera frame.
type VisionSnapshot struct {
	MIMEType string
	Data     []byte
	Width    int
	Height   int
}

var (
	ErrPermissionDenied  = errors.New("permission denied")
	ErrDeviceUnavailable = errors.New("device unavailable")
	ErrConnectionFailed  = errors.New("connection failed")
	ErrDecodeFailed      = errors.New("decode failed")
	ErrEncodeFailed      = errors.New("encode failed")
	ErrEstimationFailed  = errors.New("estimation failed")

	ErrSessionClosed   = errors.New("session closed")
	ErrAlreadyStarted  = errors.New("session already started")
	ErrNoActiveSession = errors.New("no active session")
	ErrUnknownExercise = errors.New("unknown exercise")
)

// Fatal reports whether err ends a session. Acquisition and connection
// failures are fatal; per-chunk and per-tick failures are not.
func Fatal(err error) bool {
	return errors.Is(err, ErrPermissionDenied) ||
		errors.Is(err, ErrDeviceUnavailable) ||
		errors.Is(err, ErrConnectionFailed)
}

// SystemInstruction renders the coaching prompt for an exercise.
func SystemInstruction(p Profile) string {
	var b strings.Builder
	b.WriteString("You are Kinetix, an expert AI biomechanics coach and personal trainer.\n")
	fmt.Fprintf(&b, "The user is performing: %s.\n", p.Name)
	if p.Description != "" {
		fmt.Fprintf(&b, "Exercise description: %s\n", p.Description)
	}
	b.WriteString("Key form points to watch for:\n")
	for _, k := range p.KeyPoints {
		fmt.Fprintf(&b, "- %s\n", k)
	}
	b.WriteString(`
Your goals:
1. Observe the user's movement through the video stream.
2. Listen to the user's questions or comments.
3. Provide real-time, concise, and encouraging audio feedback.
4. Count repetitions out loud as the user completes them.
5. Correct form immediately if you see a safety issue or deviation from the key points.

Safety:
- You are not a doctor. Do not give medical advice.
- If the user reports sharp pain, tell them to stop immediately.

Keep your responses short and punchy. The user is exercising and needs quick cues, not long explanations.
`)
	return b.String()
}
