package events

import (
	"sync"
	"testing"
	"time"
)

// recv returns the next event on ch or fails after a second.
func recv(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func assertEmpty(t *testing.T, ch <-chan Event) {
	t.Helper()
	select {
	case e := <-ch:
		t.Errorf("unexpected event %+v", e)
	default:
	}
}

func TestNilBus(t *testing.T) {
	var b *Bus
	b.Publish(Event{Source: SourceListener, Kind: KindStarted})
	b.Emit(SourceListener, KindStopped, nil)
	if b.SubscriberCount() != 0 || b.Dropped() != 0 {
		t.Error("nil bus should report zero subscribers and drops")
	}
}

func TestEmit_DeliversToEverySubscriber(t *testing.T) {
	b := New()
	chans := []<-chan Event{b.Subscribe(4), b.Subscribe(4), b.Subscribe(4)}

	before := time.Now()
	b.Emit(SourceConnection, KindOpened, map[string]any{"conn_id": "c1", "remote": "10.0.0.9:4411"})

	for i, ch := range chans {
		got := recv(t, ch)
		if got.Source != SourceConnection || got.Kind != KindOpened || got.Data["conn_id"] != "c1" {
			t.Errorf("subscriber %d got %+v", i, got)
		}
		if got.Timestamp.Before(before) {
			t.Errorf("subscriber %d: timestamp %v predates emit", i, got.Timestamp)
		}
		b.Unsubscribe(ch)
	}
}

func TestSubscribe_SourceFilter(t *testing.T) {
	tests := []struct {
		name    string
		sources []string
		want    []string // kinds received, in order
	}{
		{"all", nil, []string{KindStarted, KindOpened, KindInteraction}},
		{"capture only", []string{SourceCapture}, []string{KindInteraction}},
		{"listener and connection", []string{SourceListener, SourceConnection}, []string{KindStarted, KindOpened}},
		{"nothing matches", []string{SourceConfig}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := New()
			ch := b.Subscribe(8, tt.sources...)
			defer b.Unsubscribe(ch)

			b.Emit(SourceListener, KindStarted, nil)
			b.Emit(SourceConnection, KindOpened, nil)
			b.Emit(SourceCapture, KindInteraction, nil)

			for _, kind := range tt.want {
				if got := recv(t, ch); got.Kind != kind {
					t.Errorf("got kind %q, want %q", got.Kind, kind)
				}
			}
			assertEmpty(t, ch)
		})
	}
}

func TestPublish_FullBufferDrops(t *testing.T) {
	b := New()
	slow := b.Subscribe(1)
	fast := b.Subscribe(4)
	defer b.Unsubscribe(slow)
	defer b.Unsubscribe(fast)

	b.Emit(SourceCapture, KindInteraction, map[string]any{"turn": 1})
	b.Emit(SourceCapture, KindInteraction, map[string]any{"turn": 2})

	if got := recv(t, slow); got.Data["turn"] != 1 {
		t.Errorf("slow subscriber got %v, want the first event", got.Data)
	}
	assertEmpty(t, slow)

	if recv(t, fast).Data["turn"] != 1 || recv(t, fast).Data["turn"] != 2 {
		t.Error("fast subscriber should see both events in order")
	}
	if got := b.Dropped(); got != 1 {
		t.Errorf("Dropped() = %d, want 1", got)
	}
}

func TestPublish_FilteredEventsAreNotDrops(t *testing.T) {
	b := New()
	ch := b.Subscribe(1, SourceConfig)
	defer b.Unsubscribe(ch)

	for range 5 {
		b.Emit(SourceConnection, KindClosed, nil)
	}
	if got := b.Dropped(); got != 0 {
		t.Errorf("Dropped() = %d, want 0", got)
	}
}

func TestUnsubscribe(t *testing.T) {
	b := New()
	a := b.Subscribe(2)
	c := b.Subscribe(2)
	if got := b.SubscriberCount(); got != 2 {
		t.Fatalf("SubscriberCount() = %d, want 2", got)
	}

	b.Unsubscribe(a)
	if _, ok := <-a; ok {
		t.Error("channel should be closed after Unsubscribe")
	}
	b.Unsubscribe(a)
	if got := b.SubscriberCount(); got != 1 {
		t.Errorf("SubscriberCount() = %d, want 1", got)
	}

	// Publishing after removal reaches only the remaining subscriber.
	b.Emit(SourceConfig, KindRemoved, map[string]any{"listener": "ftp"})
	if got := recv(t, c); got.Data["listener"] != "ftp" {
		t.Errorf("got %+v", got)
	}
	b.Unsubscribe(c)
	b.Emit(SourceConfig, KindRemoved, nil)
}

func TestConcurrentPublishSubscribe(t *testing.T) {
	b := New()
	var wg sync.WaitGroup

	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 200 {
				b.Emit(SourceConnection, KindOpened, nil)
			}
		}()
	}
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 50 {
				ch := b.Subscribe(2, SourceConnection)
				b.Unsubscribe(ch)
			}
		}()
	}
	wg.Wait()

	if got := b.SubscriberCount(); got != 0 {
		t.Errorf("SubscriberCount() = %d after all unsubscribed", got)
	}
}
