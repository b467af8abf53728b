// Package events provides a publish/subscribe bus for operational
// events. Listeners, connections, the config watcher and the capture
// recorder publish; the monitor's WebSocket stream subscribes. The bus
// is nil-safe: Publish on a nil *Bus is a no-op, so components do not
// need guard checks.
package events

import (
	"sync"
	"sync/atomic"
	"time"
)

// Source constants identify which component published an event.
const (
	// SourceListener identifies events from listener instances.
	SourceListener = "listener"
	// SourceConnection identifies events from connection handlers.
	SourceConnection = "connection"
	// SourceConfig identifies events from the service config watcher.
	SourceConfig = "config"
	// SourceCapture identifies events from the capture recorder.
	SourceCapture = "capture"
	// SourceHealth identifies events from dependency health watchers.
	SourceHealth = "health"
)

// Kind constants describe the type of event within a source.
const (
	// KindStarted signals a listener is accepting connections.
	// Data: listener, address, protocol.
	KindStarted = "started"
	// KindStopped signals a listener has shut down.
	// Data: listener, accepted.
	KindStopped = "stopped"
	// KindBindFailed signals a bind attempt failed and will be retried.
	// Data: listener, address, error, retry_ms.
	KindBindFailed = "bind_failed"

	// KindOpened signals an accepted connection.
	// Data: listener, conn_id, remote.
	KindOpened = "opened"
	// KindClosed signals a connection has ended.
	// Data: listener, conn_id, turns, reason, duration_ms.
	KindClosed = "closed"

	// KindChanged signals a service file produced a new config.
	// Data: listener, enabled.
	KindChanged = "changed"
	// KindRemoved signals a service config is gone.
	// Data: listener.
	KindRemoved = "removed"

	// KindInteraction signals a recorded request/response exchange.
	// Data: id, listener, remote, turn, stub, bytes.
	KindInteraction = "interaction"
	// KindDropped signals an interaction was discarded because the
	// capture queue was full.
	// Data: listener, conn_id.
	KindDropped = "dropped"

	// KindUp signals a watched dependency became reachable.
	// Data: service.
	KindUp = "up"
	// KindDown signals a reachable dependency stopped responding.
	// Data: service, error.
	KindDown = "down"
)

// Event represents a single operational event published by a component.
type Event struct {
	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"ts"`
	// Source identifies the component that published the event.
	Source string `json:"source"`
	// Kind describes the type of event within the source.
	Kind string `json:"kind"`
	// Data holds event-specific key/value pairs.
	Data map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast event bus. Subscribers receive events
// on buffered channels; slow subscribers miss events rather than
// blocking publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[<-chan Event]*subscription

	dropped atomic.Int64
}

type subscription struct {
	ch      chan Event
	sources map[string]bool // nil accepts every source
}

func (s *subscription) wants(e Event) bool {
	return s.sources == nil || s.sources[e.Source]
}

// New creates a new event bus ready for use.
func New() *Bus {
	return &Bus{subs: make(map[<-chan Event]*subscription)}
}

// Publish delivers e to every interested subscriber whose buffer has
// room. Safe to call on a nil receiver (no-op).
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if !sub.wants(e) {
			continue
		}
		select {
		case sub.ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

// Emit publishes an event stamped with the current time.
func (b *Bus) Emit(source, kind string, data map[string]any) {
	if b == nil {
		return
	}
	b.Publish(Event{Timestamp: time.Now(), Source: source, Kind: kind, Data: data})
}

// Subscribe returns a channel of published events. With no sources the
// subscriber sees everything; otherwise only events from the named
// sources. The caller must eventually call Unsubscribe.
func (b *Bus) Subscribe(bufSize int, sources ...string) <-chan Event {
	sub := &subscription{ch: make(chan Event, bufSize)}
	if len(sources) > 0 {
		sub.sources = make(map[string]bool, len(sources))
		for _, src := range sources {
			sub.sources[src] = true
		}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[sub.ch] = sub
	return sub.ch
}

// Unsubscribe removes a subscription and closes its channel. Unknown or
// already removed channels are ignored.
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub, ok := b.subs[ch]
	if !ok {
		return
	}
	delete(b.subs, ch)
	close(sub.ch)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped returns how many deliveries were skipped because a
// subscriber's buffer was full.
func (b *Bus) Dropped() int64 {
	if b == nil {
		return 0
	}
	return b.dropped.Load()
}
