package capture

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nugget/mirage/internal/events"
)

// memSink records interactions in memory.
type memSink struct {
	mu    sync.Mutex
	got   []Interaction
	err   error
	block chan struct{}
}

func (m *memSink) Capture(_ context.Context, i Interaction) (string, error) {
	if m.block != nil {
		<-m.block
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return "", m.err
	}
	m.got = append(m.got, i)
	return i.ID, nil
}

func (m *memSink) all() []Interaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Interaction(nil), m.got...)
}

func TestMulti_AttemptsAll(t *testing.T) {
	a := &memSink{err: errors.New("a down")}
	b := &memSink{}
	c := &memSink{err: errors.New("c down")}

	id, err := Multi{a, b, c}.Capture(context.Background(), Interaction{ID: "x"})
	if err == nil || err.Error() != "a down" {
		t.Errorf("err = %v, want first error", err)
	}
	if id != "x" {
		t.Errorf("id = %q, want x", id)
	}
	if len(b.all()) != 1 {
		t.Error("healthy sink should still receive the interaction")
	}
}

func TestDiscard(t *testing.T) {
	if _, err := (Discard{}).Capture(context.Background(), Interaction{}); err == nil {
		t.Error("expected error without id")
	}
	if id, _ := (Discard{}).Capture(context.Background(), Interaction{ID: "k"}); id != "k" {
		t.Errorf("id = %q", id)
	}
}

func TestRecorder_DrainsOnClose(t *testing.T) {
	sink := &memSink{}
	var observed int
	var mu sync.Mutex
	r := NewRecorder(sink, RecorderOptions{
		QueueSize: 16,
		Observe: func(Interaction) {
			mu.Lock()
			observed++
			mu.Unlock()
		},
	})

	for i := range 10 {
		id, ok := r.Submit(Interaction{Listener: "web", Turn: i})
		if !ok || id == "" {
			t.Fatalf("Submit %d = (%q, %v)", i, id, ok)
		}
	}
	if err := r.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}

	got := sink.all()
	if len(got) != 10 {
		t.Fatalf("recorded %d, want 10", len(got))
	}
	for _, in := range got {
		if in.ID == "" || in.Timestamp.IsZero() {
			t.Errorf("interaction missing id or timestamp: %+v", in)
		}
	}
	mu.Lock()
	defer mu.Unlock()
	if observed != 10 {
		t.Errorf("observed = %d, want 10", observed)
	}
}

func TestRecorder_FullQueueDrops(t *testing.T) {
	sink := &memSink{block: make(chan struct{})}
	bus := events.New()
	ch := bus.Subscribe(16)
	r := NewRecorder(sink, RecorderOptions{QueueSize: 1, Bus: bus})

	// The first is picked up by the blocked worker, the second fills
	// the queue, and the rest must be dropped without blocking.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for range 10 {
			r.Submit(Interaction{Listener: "web"})
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Submit blocked on a full queue")
	}

	close(sink.block)
	if err := r.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}

	stats := r.Stats()
	dropped := stats["dropped"].(int64)
	recorded := stats["recorded"].(int64)
	if dropped == 0 {
		t.Error("expected drops")
	}
	if dropped+recorded != 10 {
		t.Errorf("dropped %d + recorded %d != 10", dropped, recorded)
	}

	sawDrop := false
	for len(ch) > 0 {
		if e := <-ch; e.Kind == events.KindDropped {
			sawDrop = true
		}
	}
	if !sawDrop {
		t.Error("expected a dropped event")
	}
}

func TestRecorder_SubmitAfterClose(t *testing.T) {
	r := NewRecorder(&memSink{}, RecorderOptions{})
	if err := r.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, ok := r.Submit(Interaction{}); ok {
		t.Error("Submit after Close should fail")
	}
	// Second close is harmless.
	if err := r.Close(context.Background()); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestRecorder_SinkErrorCounted(t *testing.T) {
	bus := events.New()
	ch := bus.Subscribe(4)
	r := NewRecorder(&memSink{err: errors.New("disk full")}, RecorderOptions{Bus: bus})
	r.Submit(Interaction{Listener: "ftp", RawHex: "41 42"})
	if err := r.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if got := r.Stats()["failed"].(int64); got != 1 {
		t.Errorf("failed = %d, want 1", got)
	}

	e := <-ch
	if e.Kind != events.KindInteraction || e.Data["bytes"] != 2 {
		t.Errorf("event = %+v", e)
	}
}

func TestStreamValues(t *testing.T) {
	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	v := streamValues(Interaction{
		ID: "i1", Timestamp: ts, Listener: "web", Turn: 3, Stub: true,
	})
	if v["id"] != "i1" || v["turn"] != "3" || v["stub"] != "true" {
		t.Errorf("values = %v", v)
	}
	if !strings.HasPrefix(v["timestamp"].(string), "2026-01-02T03:04:05") {
		t.Errorf("timestamp = %v", v["timestamp"])
	}
	for _, k := range []string{"session_id", "raw_hex", "provider"} {
		if _, ok := v[k]; ok {
			t.Errorf("empty %s should be omitted", k)
		}
	}

	v = streamValues(Interaction{Provider: "openai", Model: "gpt", InputTokens: 7})
	if v["provider"] != "openai" || v["input_tokens"] != "7" {
		t.Errorf("values = %v", v)
	}
}

func TestRedisSink_Unreachable(t *testing.T) {
	r := NewRedisSink(RedisConfig{Addr: "127.0.0.1:1"})
	defer r.Close()
	if r.Stream() != DefaultStream {
		t.Errorf("Stream = %q", r.Stream())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := r.Ping(ctx); err == nil {
		t.Error("Ping to a closed port should fail")
	}
	if _, err := r.Capture(ctx, Interaction{ID: "x"}); err == nil {
		t.Error("Capture to a closed port should fail")
	}
}
