package live

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kinetix-coach/internal/coach"
)

// fakeModel is a minimal BidiGenerateContent peer.
type fakeModel struct {
	srv     *httptest.Server
	setup   chan map[string]any
	inbound chan map[string]any
	apiKey  chan string
	skipAck bool
	mu      sync.Mutex
	conn    *websocket.Conn
}

func newFakeModel(t *testing.T, skipAck bool) *fakeModel {
	f := &fakeModel{
		setup:   make(chan map[string]any, 1),
		inbound: make(chan map[string]any, 16),
		apiKey:  make(chan string, 1),
		skipAck: skipAck,
	}
	up := websocket.Upgrader{}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.apiKey <- r.Header.Get("x-goog-api-key")
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		f.mu.Lock()
		f.conn = conn
		f.mu.Unlock()

		var setup map[string]any
		if err := conn.ReadJSON(&setup); err != nil {
			return
		}
		f.setup <- setup
		if !f.skipAck {
			_ = f.send(map[string]any{"setupComplete": map[string]any{}})
		}
		for {
			var msg map[string]any
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			f.inbound <- msg
		}
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeModel) url() string { return "ws" + strings.TrimPrefix(f.srv.URL, "http") }

func (f *fakeModel) send(v any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.conn.WriteJSON(v)
}

type recorder struct {
	mu       sync.Mutex
	opened   int
	messages []Message
	closed   chan error
	errs     []error
}

func newRecorder() *recorder { return &recorder{closed: make(chan error, 2)} }

func (r *recorder) callbacks() Callbacks {
	return Callbacks{
		OnOpen: func() { r.mu.Lock(); r.opened++; r.mu.Unlock() },
		OnMessage: func(m Message) {
			r.mu.Lock()
			r.messages = append(r.messages, m)
			r.mu.Unlock()
		},
		OnClose: func(err error) { r.closed <- err },
		OnError: func(err error) { r.mu.Lock(); r.errs = append(r.errs, err); r.mu.Unlock() },
	}
}

func (r *recorder) snapshot() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Message(nil), r.messages...)
}

func testConfig() Config {
	return ConfigFor(coach.Profile{ID: "squat", Name: "Squats", KeyPoints: []string{"Chest up"}}, "gemini-live-test", "Fenrir")
}

func TestWSConnectSendsSetupAndOpens(t *testing.T) {
	fm := newFakeModel(t, false)
	rec := newRecorder()
	svc := NewWSService(fm.url(), "secret")

	conn, err := svc.Connect(context.Background(), testConfig(), rec.callbacks())
	require.NoError(t, err)
	defer conn.Close()

	assert.Equal(t, "secret", <-fm.apiKey)
	setup := (<-fm.setup)["setup"].(map[string]any)
	assert.Equal(t, "models/gemini-live-test", setup["model"])
	gen := setup["generationConfig"].(map[string]any)
	assert.Equal(t, []any{"AUDIO"}, gen["responseModalities"])
	voice := gen["speechConfig"].(map[string]any)["voiceConfig"].(map[string]any)["prebuiltVoiceConfig"].(map[string]any)
	assert.Equal(t, "Fenrir", voice["voiceName"])
	instr := setup["systemInstruction"].(map[string]any)["parts"].([]any)[0].(map[string]any)["text"].(string)
	assert.Contains(t, instr, "Squats")
	assert.Contains(t, setup, "outputAudioTranscription")
	assert.Contains(t, setup, "inputAudioTranscription")

	rec.mu.Lock()
	assert.Equal(t, 1, rec.opened)
	rec.mu.Unlock()
}

func TestWSSendAudioAndImage(t *testing.T) {
	fm := newFakeModel(t, false)
	conn, err := NewWSService(fm.url(), "").Connect(context.Background(), testConfig(), newRecorder().callbacks())
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.SendAudio(context.Background(), coach.AudioChunk{Seq: 1, Samples: []int16{1, -1}, SampleRate: 16000}))
	require.NoError(t, conn.SendImage(context.Background(), coach.VisionSnapshot{MIMEType: "image/jpeg", Data: []byte{0xff, 0xd8}}))

	chunk := func(msg map[string]any) map[string]any {
		return msg["realtime_input"].(map[string]any)["media_chunks"].([]any)[0].(map[string]any)
	}
	a := chunk(<-fm.inbound)
	assert.Equal(t, "audio/pcm;rate=16000", a["mime_type"])
	raw, err := base64.StdEncoding.DecodeString(a["data"].(string))
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01, 0x00, 0xff, 0xff}, raw)

	img := chunk(<-fm.inbound)
	assert.Equal(t, "image/jpeg", img["mime_type"])
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte{0xff, 0xd8}), img["data"])
}

func TestWSDispatchesInOrder(t *testing.T) {
	fm := newFakeModel(t, false)
	rec := newRecorder()
	conn, err := NewWSService(fm.url(), "").Connect(context.Background(), testConfig(), rec.callbacks())
	require.NoError(t, err)
	defer conn.Close()

	pcm := base64.StdEncoding.EncodeToString([]byte{1, 0, 2, 0})
	require.NoError(t, fm.send(map[string]any{"serverContent": map[string]any{"outputTranscription": map[string]any{"text": "Nice depth"}}}))
	require.NoError(t, fm.send(map[string]any{"serverContent": map[string]any{"modelTurn": map[string]any{"parts": []any{
		map[string]any{"inlineData": map[string]any{"mimeType": "audio/pcm;rate=24000", "data": pcm}},
		map[string]any{"inlineData": map[string]any{"mimeType": "audio/pcm;rate=24000", "data": "!!not base64"}},
	}}}}))
	require.NoError(t, fm.send(map[string]any{"usageMetadata": map[string]any{"totalTokenCount": 10}}))
	require.NoError(t, fm.send(map[string]any{"serverContent": map[string]any{"inputTranscription": map[string]any{"text": "how low"}, "interrupted": true}}))
	require.NoError(t, fm.send(map[string]any{"serverContent": map[string]any{"turnComplete": true}}))

	require.Eventually(t, func() bool { return len(rec.snapshot()) == 4 }, 2*time.Second, 5*time.Millisecond)
	msgs := rec.snapshot()
	assert.Equal(t, "Nice depth", msgs[0].Transcript)
	require.Len(t, msgs[1].Audio, 1)
	assert.Equal(t, []byte{1, 0, 2, 0}, msgs[1].Audio[0].Data)
	assert.Equal(t, "audio/pcm;rate=24000", msgs[1].Audio[0].MIMEType)
	assert.Equal(t, "how low", msgs[2].UserTranscript)
	assert.True(t, msgs[2].Interrupted)
	assert.True(t, msgs[3].TurnComplete)

	rec.mu.Lock()
	require.Len(t, rec.errs, 1)
	assert.True(t, errors.Is(rec.errs[0], coach.ErrDecodeFailed))
	rec.mu.Unlock()
}

func TestWSLocalCloseReportsNil(t *testing.T) {
	fm := newFakeModel(t, false)
	rec := newRecorder()
	conn, err := NewWSService(fm.url(), "").Connect(context.Background(), testConfig(), rec.callbacks())
	require.NoError(t, err)

	require.NoError(t, conn.Close())
	assert.NoError(t, conn.Close())
	select {
	case err := <-rec.closed:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatalf("OnClose not called")
	}
	assert.ErrorIs(t, conn.SendAudio(context.Background(), coach.AudioChunk{SampleRate: 16000}), coach.ErrSessionClosed)
	assert.Len(t, rec.closed, 0)
}

func TestWSRemoteCloseReportsError(t *testing.T) {
	fm := newFakeModel(t, false)
	rec := newRecorder()
	conn, err := NewWSService(fm.url(), "").Connect(context.Background(), testConfig(), rec.callbacks())
	require.NoError(t, err)
	defer conn.Close()

	fm.mu.Lock()
	_ = fm.conn.Close()
	fm.mu.Unlock()
	select {
	case err := <-rec.closed:
		assert.True(t, errors.Is(err, coach.ErrConnectionFailed))
	case <-time.After(2 * time.Second):
		t.Fatalf("OnClose not called")
	}
}

func TestWSConnectFailures(t *testing.T) {
	_, err := NewWSService("ws://127.0.0.1:1/none", "").Connect(context.Background(), testConfig(), Callbacks{})
	assert.True(t, errors.Is(err, coach.ErrConnectionFailed))

	fm := newFakeModel(t, true)
	svc := NewWSService(fm.url(), "")
	svc.HandshakeTimeout = 50 * time.Millisecond
	rec := newRecorder()
	_, err = svc.Connect(context.Background(), testConfig(), rec.callbacks())
	assert.True(t, errors.Is(err, coach.ErrConnectionFailed))
	assert.Zero(t, rec.opened)
}

func TestModelPath(t *testing.T) {
	assert.Equal(t, "models/x", modelPath("x"))
	assert.Equal(t, "models/x", modelPath("models/x"))
	b, err := json.Marshal(buildSetup(Config{Model: "m"}))
	require.NoError(t, err)
	assert.NotContains(t, string(b), "speechConfig")
	assert.NotContains(t, string(b), "systemInstruction")
}
