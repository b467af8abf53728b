package honeypot

import (
	"context"
	"log/slog"
	"time"

	"github.com/nugget/mirage/internal/backend"
	"github.com/nugget/mirage/internal/capture"
	"github.com/nugget/mirage/internal/events"
)

// Completer produces responses. Implemented by [backend.Service].
type Completer interface {
	Complete(ctx context.Context, req backend.Request) (backend.Completion, error)
}

// SessionManager owns conversational memory. Implemented by
// [backend.Service].
type SessionManager interface {
	StartSession(ctx context.Context, connID, systemPrompt string) (string, error)
	EndSession(sessionID string)
}

// Recorder accepts captured interactions without blocking. Implemented
// by [capture.Recorder].
type Recorder interface {
	Submit(i capture.Interaction) (string, bool)
}

// Deps are the orchestrator's collaborators. Backend is required;
// Sessions, Capture and Bus may be nil.
type Deps struct {
	Backend  Completer
	Sessions SessionManager
	Capture  Recorder
	Bus      *events.Bus
	Logger   *slog.Logger
}

// Options tune listener and connection handling. Zero values select
// the defaults.
type Options struct {
	// ReadTimeout bounds each socket read (default 30s).
	ReadTimeout time.Duration
	// AcceptPoll is the accept deadline used to check for cancellation
	// (default 250ms).
	AcceptPoll time.Duration
	// AcceptBackoff is the pause after a transient accept error
	// (default 100ms).
	AcceptBackoff time.Duration
	// BindRetryInitial and BindRetryMax shape the bind retry backoff
	// (default 1s doubling to 30s).
	BindRetryInitial time.Duration
	BindRetryMax     time.Duration
}

func (o Options) withDefaults() Options {
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = 30 * time.Second
	}
	if o.AcceptPoll <= 0 {
		o.AcceptPoll = 250 * time.Millisecond
	}
	if o.AcceptBackoff <= 0 {
		o.AcceptBackoff = 100 * time.Millisecond
	}
	if o.BindRetryInitial <= 0 {
		o.BindRetryInitial = time.Second
	}
	if o.BindRetryMax <= 0 {
		o.BindRetryMax = 30 * time.Second
	}
	return o
}
