// Package live connects to the remote coaching model. The model receives
// microphone audio and camera snapshots and answers with synthesized speech
// plus transcripts.
package live

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/kinetix-coach/internal/coach"
	"github.com/kinetix-coach/internal/logging"
)

// AudioPayload is one encoded inbound audio chunk.
type AudioPayload struct {
	MIMEType string
	Data     []byte
}

// Message is one inbound server event. Audio chunks are in playback order.
type Message struct {
	Transcript     string
	UserTranscript string
	Audio          []AudioPayload
	TurnComplete   bool
	Interrupted    bool
}

// Callbacks receive connection events. OnMessage is called from a single
// goroutine in arrival order. OnClose is called exactly once.
type Callbacks struct {
	OnOpen    func()
	OnMessage func(Message)
	OnClose   func(err error)
	OnError   func(err error)
}

// Connection is an open session with the remote model.
type Connection interface {
	SendAudio(ctx context.Context, chunk coach.AudioChunk) error
	SendImage(ctx context.Context, snap coach.VisionSnapshot) error
	Close() error
}

// Config selects the model and persona for a connection.
type Config struct {
	Model             string
	Voice             string
	SystemInstruction string
}

// Service opens connections. Connect returns once the handshake completed
// and OnOpen has run; failures wrap coach.ErrConnectionFailed.
type Service interface {
	Connect(ctx context.Context, cfg Config, cb Callbacks) (Connection, error)
}

// ConfigFor builds the connection config for an exercise.
func ConfigFor(p coach.Profile, model, voice string) Config {
	return Config{Model: model, Voice: voice, SystemInstruction: coach.SystemInstruction(p)}
}

// dispatcher fans connection events out to Callbacks and guarantees the
// single OnClose.
type dispatcher struct {
	cb        Callbacks
	closeOnce sync.Once
	closing   atomic.Bool
	messages  atomic.Int64
}

func (d *dispatcher) open() {
	if d.cb.OnOpen != nil {
		d.cb.OnOpen()
	}
}

func (d *dispatcher) message(m Message) {
	d.messages.Add(1)
	if d.cb.OnMessage != nil {
		d.cb.OnMessage(m)
	}
}

func (d *dispatcher) error(err error) {
	if d.cb.OnError != nil {
		d.cb.OnError(err)
	}
}

// closed reports the end of the connection. err is nil when the local side
// closed it.
func (d *dispatcher) closed(err error) {
	d.closeOnce.Do(func() {
		if d.closing.Load() {
			err = nil
		}
		logging.Debugw("live: connection closed", "err", err, "messages", d.messages.Load())
		if d.cb.OnClose != nil {
			d.cb.OnClose(err)
		}
	})
}
