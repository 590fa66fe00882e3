package logging

import (
	"context"
	"sync"
	"testing"
	"time"
)

type captureLogger struct {
	mu      sync.Mutex
	entries []entry
}

type entry struct {
	level string
	msg   string
	kv    []interface{}
}

func (c *captureLogger) add(level, msg string, kv []interface{}) {
	c.mu.Lock()
	c.entries = append(c.entries, entry{level: level, msg: msg, kv: kv})
	c.mu.Unlock()
}

func (c *captureLogger) Infow(msg string, kv ...interface{})  { c.add("info", msg, kv) }
func (c *captureLogger) Debugw(msg string, kv ...interface{}) { c.add("debug", msg, kv) }
func (c *captureLogger) Warnw(msg string, kv ...interface{})  { c.add("warn", msg, kv) }
func (c *captureLogger) Errorw(msg string, kv ...interface{}) { c.add("error", msg, kv) }
func (c *captureLogger) Fatalw(msg string, kv ...interface{}) { c.add("fatal", msg, kv) }
func (c *captureLogger) Sync() error                          { return nil }

func (c *captureLogger) snapshot() []entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]entry, len(c.entries))
	copy(out, c.entries)
	return out
}

func TestInfowCtxMergesContextFields(t *testing.T) {
	cl := &captureLogger{}
	SetLogger(cl)
	defer SetLogger(nil)

	ctx := WithFields(context.Background(), SessionFields("s-1", "squat")...)
	ctx = WithFields(ctx, "component", "vision")
	InfowCtx(ctx, "tick", "sent", true)

	got := cl.snapshot()
	if len(got) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(got))
	}
	want := []interface{}{"session.id", "s-1", "session.exercise", "squat", "component", "vision", "sent", true}
	if len(got[0].kv) != len(want) {
		t.Fatalf("kv mismatch: want=%v got=%v", want, got[0].kv)
	}
	for i := range want {
		if got[0].kv[i] != want[i] {
			t.Fatalf("kv[%d] mismatch: want=%v got=%v", i, want[i], got[0].kv[i])
		}
	}
}

func TestSampledLimitsRepeats(t *testing.T) {
	cl := &captureLogger{}
	SetLogger(cl)
	defer SetLogger(nil)

	s := NewSampled(time.Hour)
	for i := 0; i < 10; i++ {
		s.Warnw("encode failed", "i", i)
	}
	if n := len(cl.snapshot()); n != 1 {
		t.Fatalf("expected 1 sampled entry, got %d", n)
	}
}

func TestChunkFieldsDuration(t *testing.T) {
	kv := ChunkFields(7, 4096, 16000)
	if kv[5] != 256 {
		t.Fatalf("duration_ms: want=256 got=%v", kv[5])
	}
	kv = ChunkFields(1, 10, 0)
	if kv[5] != 0 {
		t.Fatalf("duration_ms with zero rate: want=0 got=%v", kv[5])
	}
}

func TestSetLoggerNilResetsToNoop(t *testing.T) {
	SetLogger(&captureLogger{})
	SetLogger(nil)
	if sugar == nil {
		if _, ok := GetLogger().(noopLogger); !ok {
			t.Fatalf("expected noop logger after reset, got %T", GetLogger())
		}
	}
}
