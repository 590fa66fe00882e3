package live

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"google.golang.org/genai"

	"github.com/kinetix-coach/internal/coach"
	"github.com/kinetix-coach/internal/logging"
)

// GenAIService connects through the Google Gen AI SDK.
type GenAIService struct {
	APIKey string

	once   sync.Once
	client *genai.Client
	err    error
}

func NewGenAIService(apiKey string) *GenAIService {
	return &GenAIService{APIKey: apiKey}
}

func (s *GenAIService) getClient(ctx context.Context) (*genai.Client, error) {
	s.once.Do(func() {
		s.client, s.err = genai.NewClient(ctx, &genai.ClientConfig{
			APIKey:  s.APIKey,
			Backend: genai.BackendGeminiAPI,
		})
	})
	return s.client, s.err
}

func liveConnectConfig(cfg Config) *genai.LiveConnectConfig {
	lc := &genai.LiveConnectConfig{
		ResponseModalities:       []genai.Modality{genai.ModalityAudio},
		InputAudioTranscription:  &genai.AudioTranscriptionConfig{},
		OutputAudioTranscription: &genai.AudioTranscriptionConfig{},
	}
	if cfg.Voice != "" {
		lc.SpeechConfig = &genai.SpeechConfig{VoiceConfig: &genai.VoiceConfig{
			PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: cfg.Voice},
		}}
	}
	if cfg.SystemInstruction != "" {
		lc.SystemInstruction = genai.NewContentFromText(cfg.SystemInstruction, genai.RoleUser)
	}
	return lc
}

func (s *GenAIService) Connect(ctx context.Context, cfg Config, cb Callbacks) (Connection, error) {
	client, err := s.getClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: genai client: %v", coach.ErrConnectionFailed, err)
	}
	sess, err := client.Live.Connect(ctx, cfg.Model, liveConnectConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("%w: live connect: %v", coach.ErrConnectionFailed, err)
	}

	c := &genaiConnection{sess: sess, d: &dispatcher{cb: cb}, done: make(chan struct{})}
	if err := c.awaitSetup(ctx); err != nil {
		_ = sess.Close()
		return nil, fmt.Errorf("%w: %v", coach.ErrConnectionFailed, err)
	}
	logging.Infow("live: connected", "backend", "genai", "model", cfg.Model, "voice", cfg.Voice)

	c.d.open()
	go c.readLoop()
	return c, nil
}

type genaiConnection struct {
	sess *genai.Session
	d    *dispatcher

	sendMu    sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
}

func (c *genaiConnection) awaitSetup(ctx context.Context) error {
	type result struct {
		msg *genai.LiveServerMessage
		err error
	}
	for {
		ch := make(chan result, 1)
		go func() {
			m, err := c.sess.Receive()
			ch <- result{m, err}
		}()
		select {
		case <-ctx.Done():
			return fmt.Errorf("await setupComplete: %w", ctx.Err())
		case r := <-ch:
			if r.err != nil {
				return fmt.Errorf("await setupComplete: %w", r.err)
			}
			if r.msg != nil && r.msg.SetupComplete != nil {
				return nil
			}
		}
	}
}

func (c *genaiConnection) readLoop() {
	defer close(c.done)
	for {
		msg, err := c.sess.Receive()
		if err != nil {
			c.d.closed(fmt.Errorf("%w: %v", coach.ErrConnectionFailed, err))
			return
		}
		if msg == nil {
			continue
		}
		if msg.GoAway != nil {
			logging.Warnw("live: server going away")
		}
		if msg.ServerContent == nil {
			continue
		}
		c.d.message(translateGenAI(msg.ServerContent))
	}
}

func translateGenAI(sc *genai.LiveServerContent) Message {
	m := Message{TurnComplete: sc.TurnComplete, Interrupted: sc.Interrupted}
	if sc.OutputTranscription != nil {
		m.Transcript = sc.OutputTranscription.Text
	}
	if sc.InputTranscription != nil {
		m.UserTranscript = sc.InputTranscription.Text
	}
	if sc.ModelTurn != nil {
		for _, p := range sc.ModelTurn.Parts {
			if p == nil || p.InlineData == nil || len(p.InlineData.Data) == 0 {
				continue
			}
			m.Audio = append(m.Audio, AudioPayload{MIMEType: p.InlineData.MIMEType, Data: p.InlineData.Data})
		}
	}
	return m
}

func (c *genaiConnection) send(ctx context.Context, mime string, data []byte) error {
	if c.d.closing.Load() {
		return coach.ErrSessionClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return c.sess.SendRealtimeInput(genai.LiveRealtimeInput{Media: &genai.Blob{MIMEType: mime, Data: data}})
}

func (c *genaiConnection) SendAudio(ctx context.Context, chunk coach.AudioChunk) error {
	return c.send(ctx, chunk.MIMEType(), chunk.PCM())
}

func (c *genaiConnection) SendImage(ctx context.Context, snap coach.VisionSnapshot) error {
	return c.send(ctx, snap.MIMEType, snap.Data)
}

func (c *genaiConnection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.d.closing.Store(true)
		err = c.sess.Close()
		<-c.done
		if errors.Is(err, context.Canceled) {
			err = nil
		}
	})
	return err
}
