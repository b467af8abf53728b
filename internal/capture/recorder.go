package capture

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/mirage/internal/events"
)

// DefaultQueueSize is the recorder queue capacity when none is given.
const DefaultQueueSize = 256

// writeTimeout bounds one sink write.
const writeTimeout = 5 * time.Second

// RecorderOptions configures a [Recorder].
type RecorderOptions struct {
	QueueSize int
	Bus       *events.Bus
	Logger    *slog.Logger
	// Observe is called on the worker goroutine after each interaction
	// has been handed to the sink, whether or not the write succeeded.
	Observe func(Interaction)
}

// Recorder queues interactions and writes them to a sink on its own
// goroutine. Connection handlers call [Recorder.Submit] and move on.
type Recorder struct {
	sink    Sink
	bus     *events.Bus
	logger  *slog.Logger
	observe func(Interaction)

	mu     sync.RWMutex
	queue  chan Interaction
	closed bool
	done   chan struct{}

	statsMu  sync.Mutex
	recorded int64
	failed   int64
	dropped  int64
}

// NewRecorder starts a recorder writing to sink.
func NewRecorder(sink Sink, opts RecorderOptions) *Recorder {
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	r := &Recorder{
		sink:    sink,
		bus:     opts.Bus,
		logger:  logger.With("component", "capture"),
		observe: opts.Observe,
		queue:   make(chan Interaction, opts.QueueSize),
		done:    make(chan struct{}),
	}
	go r.loop()
	return r
}

// Submit enqueues i and returns its ID. A missing ID or timestamp is
// filled in. Submit never blocks: when the queue is full, or the
// recorder is closed, the interaction is dropped and false is returned.
func (r *Recorder) Submit(i Interaction) (string, bool) {
	if i.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			id = uuid.New()
		}
		i.ID = id.String()
	}
	if i.Timestamp.IsZero() {
		i.Timestamp = time.Now()
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		r.drop(i, "recorder closed")
		return i.ID, false
	}
	select {
	case r.queue <- i:
		return i.ID, true
	default:
		r.drop(i, "queue full")
		return i.ID, false
	}
}

func (r *Recorder) drop(i Interaction, reason string) {
	r.statsMu.Lock()
	r.dropped++
	r.statsMu.Unlock()
	r.logger.Warn("interaction dropped",
		"reason", reason, "listener", i.Listener, "conn_id", i.ConnID, "turn", i.Turn)
	r.bus.Emit(events.SourceCapture, events.KindDropped, map[string]any{
		"listener": i.Listener,
		"conn_id":  i.ConnID,
	})
}

func (r *Recorder) loop() {
	defer close(r.done)
	for i := range r.queue {
		r.write(i)
	}
}

func (r *Recorder) write(i Interaction) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	_, err := r.sink.Capture(ctx, i)

	r.statsMu.Lock()
	if err != nil {
		r.failed++
	} else {
		r.recorded++
	}
	r.statsMu.Unlock()

	if err != nil {
		r.logger.Error("capture write failed",
			"id", i.ID, "listener", i.Listener, "error", err)
	} else {
		r.logger.Debug("interaction recorded",
			"id", i.ID, "listener", i.Listener, "turn", i.Turn, "stub", i.Stub)
	}

	if r.observe != nil {
		r.observe(i)
	}
	r.bus.Emit(events.SourceCapture, events.KindInteraction, map[string]any{
		"id":       i.ID,
		"listener": i.Listener,
		"remote":   i.RemoteAddr,
		"turn":     i.Turn,
		"stub":     i.Stub,
		"bytes":    (len(i.RawHex) + 1) / 3,
	})
}

// Close stops accepting interactions, writes everything already queued
// and waits for the worker, or for ctx to expire.
func (r *Recorder) Close(ctx context.Context) error {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.queue)
	}
	r.mu.Unlock()

	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats returns recorder counters.
func (r *Recorder) Stats() map[string]any {
	r.statsMu.Lock()
	defer r.statsMu.Unlock()
	return map[string]any{
		"recorded": r.recorded,
		"failed":   r.failed,
		"dropped":  r.dropped,
		"queued":   len(r.queue),
	}
}
