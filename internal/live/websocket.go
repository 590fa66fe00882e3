package live

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kinetix-coach/internal/coach"
	"github.com/kinetix-coach/internal/logging"
)

const (
	defaultHandshakeTimeout = 15 * time.Second
	writeTimeout            = 5 * time.Second
	maxMessageBytes         = 16 << 20
)

// WSService speaks the BidiGenerateContent protocol directly over a
// websocket.
type WSService struct {
	URL              string
	APIKey           string
	Dialer           *websocket.Dialer
	HandshakeTimeout time.Duration
}

func NewWSService(url, apiKey string) *WSService {
	return &WSService{URL: url, APIKey: apiKey, Dialer: websocket.DefaultDialer, HandshakeTimeout: defaultHandshakeTimeout}
}

type setupMessage struct {
	Setup setupBody `json:"setup"`
}

type setupBody struct {
	Model                    string           `json:"model"`
	GenerationConfig         generationConfig `json:"generationConfig"`
	SystemInstruction        *contentBody     `json:"systemInstruction,omitempty"`
	InputAudioTranscription  *struct{}        `json:"inputAudioTranscription,omitempty"`
	OutputAudioTranscription *struct{}        `json:"outputAudioTranscription,omitempty"`
}

type generationConfig struct {
	ResponseModalities []string      `json:"responseModalities"`
	SpeechConfig       *speechConfig `json:"speechConfig,omitempty"`
}

type speechConfig struct {
	VoiceConfig struct {
		PrebuiltVoiceConfig struct {
			VoiceName string `json:"voiceName"`
		} `json:"prebuiltVoiceConfig"`
	} `json:"voiceConfig"`
}

type contentBody struct {
	Parts []textPart `json:"parts"`
}

type textPart struct {
	Text string `json:"text"`
}

type realtimeInputMessage struct {
	RealtimeInput realtimeInput `json:"realtime_input"`
}

type realtimeInput struct {
	MediaChunks []mediaChunk `json:"media_chunks"`
}

type mediaChunk struct {
	MIMEType string `json:"mime_type"`
	Data     string `json:"data"`
}

type serverMessage struct {
	SetupComplete *struct{}      `json:"setupComplete,omitempty"`
	ServerContent *serverContent `json:"serverContent,omitempty"`
	GoAway        *struct {
		TimeLeft string `json:"timeLeft,omitempty"`
	} `json:"goAway,omitempty"`
}

type serverContent struct {
	ModelTurn *struct {
		Parts []struct {
			Text       string `json:"text,omitempty"`
			InlineData *struct {
				MIMEType string `json:"mimeType"`
				Data     string `json:"data"`
			} `json:"inlineData,omitempty"`
		} `json:"parts,omitempty"`
	} `json:"modelTurn,omitempty"`
	TurnComplete        bool           `json:"turnComplete,omitempty"`
	Interrupted         bool           `json:"interrupted,omitempty"`
	InputTranscription  *transcription `json:"inputTranscription,omitempty"`
	OutputTranscription *transcription `json:"outputTranscription,omitempty"`
}

type transcription struct {
	Text string `json:"text,omitempty"`
}

func modelPath(model string) string {
	if strings.HasPrefix(model, "models/") {
		return model
	}
	return "models/" + model
}

func buildSetup(cfg Config) setupMessage {
	s := setupMessage{Setup: setupBody{
		Model: modelPath(cfg.Model),
		GenerationConfig: generationConfig{
			ResponseModalities: []string{"AUDIO"},
		},
		InputAudioTranscription:  &struct{}{},
		OutputAudioTranscription: &struct{}{},
	}}
	if cfg.Voice != "" {
		sc := &speechConfig{}
		sc.VoiceConfig.PrebuiltVoiceConfig.VoiceName = cfg.Voice
		s.Setup.GenerationConfig.SpeechConfig = sc
	}
	if cfg.SystemInstruction != "" {
		s.Setup.SystemInstruction = &contentBody{Parts: []textPart{{Text: cfg.SystemInstruction}}}
	}
	return s
}

// Connect dials, sends the setup message and waits for setupComplete.
func (s *WSService) Connect(ctx context.Context, cfg Config, cb Callbacks) (Connection, error) {
	header := http.Header{}
	if s.APIKey != "" {
		header.Set("x-goog-api-key", s.APIKey)
	}
	dialer := s.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	timeout := s.HandshakeTimeout
	if timeout <= 0 {
		timeout = defaultHandshakeTimeout
	}
	hsCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, resp, err := dialer.DialContext(hsCtx, s.URL, header)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
			_ = resp.Body.Close()
		}
		return nil, fmt.Errorf("%w: dial: %v (status=%d)", coach.ErrConnectionFailed, err, status)
	}
	conn.SetReadLimit(maxMessageBytes)

	c := &wsConnection{conn: conn, d: &dispatcher{cb: cb}, done: make(chan struct{})}
	if err := c.writeJSON(hsCtx, buildSetup(cfg)); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("%w: send setup: %v", coach.ErrConnectionFailed, err)
	}
	if err := c.awaitSetup(hsCtx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("%w: %v", coach.ErrConnectionFailed, err)
	}
	logging.Infow("live: connected", "model", modelPath(cfg.Model), "voice", cfg.Voice)

	c.d.open()
	go c.readLoop()
	return c, nil
}

type wsConnection struct {
	conn *websocket.Conn
	d    *dispatcher

	writeMu   sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
}

func (c *wsConnection) awaitSetup(ctx context.Context) error {
	if dl, ok := ctx.Deadline(); ok {
		_ = c.conn.SetReadDeadline(dl)
		defer c.conn.SetReadDeadline(time.Time{})
	}
	stop := context.AfterFunc(ctx, func() { _ = c.conn.SetReadDeadline(time.Now()) })
	defer stop()
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return fmt.Errorf("await setupComplete: %w", ctxErr)
			}
			return fmt.Errorf("await setupComplete: %w", err)
		}
		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return fmt.Errorf("decode handshake message: %w", err)
		}
		if msg.SetupComplete != nil {
			return nil
		}
		logging.Debugw("live: ignoring message before setupComplete", "bytes", len(data))
	}
}

func (c *wsConnection) readLoop() {
	defer close(c.done)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				c.d.closed(fmt.Errorf("%w: remote closed the session", coach.ErrConnectionFailed))
				return
			}
			c.d.closed(fmt.Errorf("%w: %v", coach.ErrConnectionFailed, err))
			return
		}
		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.d.error(fmt.Errorf("%w: server message: %v", coach.ErrDecodeFailed, err))
			continue
		}
		if msg.GoAway != nil {
			logging.Warnw("live: server going away", "time_left", msg.GoAway.TimeLeft)
		}
		if msg.ServerContent == nil {
			continue
		}
		c.d.message(c.translate(msg.ServerContent))
	}
}

func (c *wsConnection) translate(sc *serverContent) Message {
	m := Message{TurnComplete: sc.TurnComplete, Interrupted: sc.Interrupted}
	if sc.OutputTranscription != nil {
		m.Transcript = sc.OutputTranscription.Text
	}
	if sc.InputTranscription != nil {
		m.UserTranscript = sc.InputTranscription.Text
	}
	if sc.ModelTurn != nil {
		for _, p := range sc.ModelTurn.Parts {
			if p.InlineData == nil || p.InlineData.Data == "" {
				continue
			}
			raw, err := base64.StdEncoding.DecodeString(p.InlineData.Data)
			if err != nil {
				c.d.error(fmt.Errorf("%w: inline audio: %v", coach.ErrDecodeFailed, err))
				continue
			}
			m.Audio = append(m.Audio, AudioPayload{MIMEType: p.InlineData.MIMEType, Data: raw})
		}
	}
	return m
}

func (c *wsConnection) writeJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	dl := time.Now().Add(writeTimeout)
	if ctxDl, ok := ctx.Deadline(); ok && ctxDl.Before(dl) {
		dl = ctxDl
	}
	_ = c.conn.SetWriteDeadline(dl)
	defer c.conn.SetWriteDeadline(time.Time{})
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConnection) sendMedia(ctx context.Context, mime string, data []byte) error {
	if c.d.closing.Load() {
		return coach.ErrSessionClosed
	}
	msg := realtimeInputMessage{RealtimeInput: realtimeInput{MediaChunks: []mediaChunk{{
		MIMEType: mime,
		Data:     base64.StdEncoding.EncodeToString(data),
	}}}}
	return c.writeJSON(ctx, msg)
}

func (c *wsConnection) SendAudio(ctx context.Context, chunk coach.AudioChunk) error {
	return c.sendMedia(ctx, chunk.MIMEType(), chunk.PCM())
}

func (c *wsConnection) SendImage(ctx context.Context, snap coach.VisionSnapshot) error {
	return c.sendMedia(ctx, snap.MIMEType, snap.Data)
}

// Close sends a close frame, closes the socket and waits for the read loop.
func (c *wsConnection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.d.closing.Store(true)
		c.writeMu.Lock()
		werr := c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		c.writeMu.Unlock()
		cerr := c.conn.Close()
		<-c.done
		if werr != nil && !errors.Is(werr, websocket.ErrCloseSent) {
			logging.Debugw("live: close frame not sent", "err", werr)
		}
		err = cerr
	})
	return err
}
