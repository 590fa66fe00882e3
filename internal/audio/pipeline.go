package audio

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kinetix-coach/internal/coach"
	"github.com/kinetix-coach/internal/logging"
	"github.com/kinetix-coach/internal/metrics"
)

// AudioSender is the part of the remote connection the pipeline writes to.
type AudioSender interface {
	SendAudio(ctx context.Context, chunk coach.AudioChunk) error
}

// Pipeline turns microphone blocks into AudioChunks and hands them to the
// attached sender. Sends are fire-and-forget through a small bounded queue
// drained by one goroutine, so chunks go out in capture order and the
// capture callback never blocks. When the queue is full the new chunk is
// dropped. Chunks produced while no sender is attached are dropped too.
type Pipeline struct {
	micActive  func() bool
	sampleRate int
	metrics    *metrics.Metrics

	sender atomic.Pointer[senderRef]
	queue  chan coach.AudioChunk
	seq    atomic.Uint64

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
	sendLog   *logging.Sampled

	sent    atomic.Int64
	dropped atomic.Int64
}

type senderRef struct{ s AudioSender }

// NewPipeline creates a pipeline. micActive is consulted on every block.
func NewPipeline(micActive func() bool, sampleRate, queueSize int, m *metrics.Metrics) *Pipeline {
	if queueSize <= 0 {
		queueSize = 8
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pipeline{
		micActive:  micActive,
		sampleRate: sampleRate,
		metrics:    m,
		queue:      make(chan coach.AudioChunk, queueSize),
		ctx:        ctx,
		cancel:     cancel,
		sendLog:    logging.NewSampled(5 * time.Second),
	}
	p.wg.Add(1)
	go p.drain()
	return p
}

// Attach starts delivering chunks to s.
func (p *Pipeline) Attach(s AudioSender) { p.sender.Store(&senderRef{s: s}) }

// Detach stops delivery; queued chunks are discarded by the drain loop.
func (p *Pipeline) Detach() { p.sender.Store(nil) }

// Process is the capture BlockFunc.
func (p *Pipeline) Process(block []float32) {
	if p.micActive != nil && !p.micActive() {
		p.drop(metrics.DropMuted)
		return
	}
	if p.sender.Load() == nil {
		p.drop(metrics.DropNotConnected)
		return
	}
	chunk := coach.AudioChunk{
		Seq:        p.seq.Add(1),
		Samples:    FloatToPCM16(block),
		SampleRate: p.sampleRate,
	}
	select {
	case p.queue <- chunk:
	default:
		p.drop(metrics.DropQueueFull)
		logging.Debugw("audio: outbound queue full, dropping chunk", logging.ChunkFields(chunk.Seq, len(chunk.Samples), chunk.SampleRate)...)
	}
}

func (p *Pipeline) drop(reason string) {
	p.dropped.Add(1)
	p.metrics.RecordAudioDropped(reason)
}

func (p *Pipeline) drain() {
	defer p.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			return
		case chunk := <-p.queue:
			ref := p.sender.Load()
			if ref == nil {
				p.drop(metrics.DropNotConnected)
				continue
			}
			if err := ref.s.SendAudio(p.ctx, chunk); err != nil {
				p.drop(metrics.DropSendError)
				p.sendLog.Warnw("audio: send failed", append(logging.ChunkFields(chunk.Seq, len(chunk.Samples), chunk.SampleRate), "err", err)...)
				continue
			}
			p.sent.Add(1)
			p.metrics.RecordAudioSent(len(chunk.Samples) * 2)
		}
	}
}

// Close detaches the sender and stops the drain goroutine.
func (p *Pipeline) Close() error {
	p.closeOnce.Do(func() {
		p.Detach()
		p.cancel()
		p.wg.Wait()
		logging.Debugw("audio: pipeline closed", "sent", p.sent.Load(), "dropped", p.dropped.Load())
	})
	return nil
}

// Stats returns the number of chunks sent and dropped so far.
func (p *Pipeline) Stats() (sent, dropped int64) {
	return p.sent.Load(), p.dropped.Load()
}
