package mcp

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kinetix-coach/internal/coach"
	"github.com/kinetix-coach/internal/config"
	"github.com/kinetix-coach/internal/session"
)

type fakeController struct {
	mu      sync.Mutex
	started string
	mic     bool
	cam     bool
	active  bool
}

func (f *fakeController) Start(ctx context.Context, id string) (*session.Session, error) {
	p, err := config.DefaultCatalog().Lookup(id)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.started, f.active, f.mic, f.cam = id, true, true, true
	f.mu.Unlock()
	return session.New(p, session.Deps{}), nil
}

func (f *fakeController) End() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.active {
		return coach.ErrNoActiveSession
	}
	f.active = false
	return nil
}

func (f *fakeController) SetMicrophone(on bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.active {
		return coach.ErrNoActiveSession
	}
	f.mic = on
	return nil
}

func (f *fakeController) SetCamera(on bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.active {
		return coach.ErrNoActiveSession
	}
	f.cam = on
	return nil
}

func (f *fakeController) Status() (session.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.started == "" {
		return session.Status{}, coach.ErrNoActiveSession
	}
	st := session.Status{Exercise: f.started, Microphone: f.mic, Camera: f.cam, State: coach.StateConnected}
	if !f.active {
		st.State = coach.StateClosed
	}
	return st, nil
}

func (f *fakeController) Exercises() []coach.Profile { return config.DefaultCatalog().List() }

func connectClient(t *testing.T, ctrl Controller) *ClientWrapper {
	t.Helper()
	srv := httptest.NewServer(Handler(NewServer(ctrl, "test")))
	t.Cleanup(srv.Close)

	wrapper := NewClientWrapper("coach-test", "test")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := wrapper.ConnectWebSocket(ctx, srv.URL); err != nil {
		t.Fatalf("ConnectWebSocket failed: %v", err)
	}
	t.Cleanup(func() { _ = wrapper.Close() })
	return wrapper
}

func call(t *testing.T, w *ClientWrapper, tool string, args map[string]any) (string, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return w.Call(ctx, tool, args)
}

func TestSessionTools(t *testing.T) {
	ctrl := &fakeController{}
	w := connectClient(t, ctrl)

	out, err := call(t, w, "list_exercises", nil)
	if err != nil {
		t.Fatalf("list_exercises: %v", err)
	}
	var profiles []coach.Profile
	if err := json.Unmarshal([]byte(out), &profiles); err != nil {
		t.Fatalf("decode exercises: %v", err)
	}
	if len(profiles) != 3 || profiles[0].ID != "squat" {
		t.Fatalf("unexpected exercises: %+v", profiles)
	}

	if _, err := call(t, w, "session_status", nil); err == nil {
		t.Fatalf("expected error before any session")
	}

	out, err = call(t, w, "start_session", map[string]any{"exercise": "lunges"})
	if err != nil {
		t.Fatalf("start_session: %v", err)
	}
	var st session.Status
	if err := json.Unmarshal([]byte(out), &st); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if st.Exercise != "lunges" {
		t.Fatalf("status exercise: want=lunges got=%s", st.Exercise)
	}

	out, err = call(t, w, "set_microphone", map[string]any{"enabled": false})
	if err != nil {
		t.Fatalf("set_microphone: %v", err)
	}
	if err := json.Unmarshal([]byte(out), &st); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if st.Microphone {
		t.Fatalf("microphone still enabled after set_microphone=false")
	}

	if _, err := call(t, w, "set_camera", map[string]any{"enabled": false}); err != nil {
		t.Fatalf("set_camera: %v", err)
	}
	if _, err := call(t, w, "end_session", nil); err != nil {
		t.Fatalf("end_session: %v", err)
	}
	_, err = call(t, w, "end_session", nil)
	if err == nil || !strings.Contains(err.Error(), coach.ErrNoActiveSession.Error()) {
		t.Fatalf("second end_session: want no active session error, got %v", err)
	}
}

func TestStartUnknownExercise(t *testing.T) {
	w := connectClient(t, &fakeController{})
	_, err := call(t, w, "start_session", map[string]any{"exercise": "backflip"})
	if err == nil || !strings.Contains(err.Error(), "backflip") {
		t.Fatalf("expected unknown exercise error, got %v", err)
	}
}

func TestWSURL(t *testing.T) {
	cases := map[string]string{
		"http://localhost:8080/mcp/ws": "ws://localhost:8080/mcp/ws",
		"https://coach.example/mcp/ws": "wss://coach.example/mcp/ws",
		"ws://h/x":                     "ws://h/x",
	}
	for in, want := range cases {
		got, err := wsURL(in)
		if err != nil || got != want {
			t.Fatalf("wsURL(%q) = %q, %v; want %q", in, got, err, want)
		}
	}
	if _, err := wsURL("ftp://h"); err == nil {
		t.Fatalf("expected error for ftp scheme")
	}
}
