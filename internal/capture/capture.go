// Package capture records honeypot interactions. A [Sink] persists one
// interaction; [Recorder] sits between connection handlers and the
// sinks so a slow or failing store never delays a response to the
// attacker.
package capture

import (
	"context"
	"errors"
	"time"
)

// Interaction is one request/response exchange on a honeypot
// connection.
type Interaction struct {
	ID           string    `json:"id"`
	Timestamp    time.Time `json:"timestamp"`
	Listener     string    `json:"listener"`
	Protocol     string    `json:"protocol"`
	RemoteAddr   string    `json:"remote_addr"`
	ConnID       string    `json:"conn_id"`
	SessionID    string    `json:"session_id,omitempty"`
	Turn         int       `json:"turn"`
	Message      string    `json:"message"`
	RawHex       string    `json:"raw_hex,omitempty"`
	Response     string    `json:"response"`
	Provider     string    `json:"provider,omitempty"`
	Model        string    `json:"model,omitempty"`
	InputTokens  int       `json:"input_tokens,omitempty"`
	OutputTokens int       `json:"output_tokens,omitempty"`
	// Stub is true when the response was synthesized locally because
	// the backend failed.
	Stub bool `json:"stub,omitempty"`
}

// Sink persists interactions. Capture returns the stored record's ID.
type Sink interface {
	Capture(ctx context.Context, i Interaction) (string, error)
}

// Multi fans one interaction out to several sinks.
type Multi []Sink

// Capture writes to every sink. It returns the first ID any sink
// reported and the first error, after attempting all of them.
func (m Multi) Capture(ctx context.Context, i Interaction) (string, error) {
	var id string
	var firstErr error
	for _, s := range m {
		got, err := s.Capture(ctx, i)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if id == "" {
			id = got
		}
	}
	return id, firstErr
}

// Discard is a sink that stores nothing.
type Discard struct{}

// Capture returns the interaction's own ID.
func (Discard) Capture(_ context.Context, i Interaction) (string, error) {
	if i.ID == "" {
		return "", errors.New("interaction has no id")
	}
	return i.ID, nil
}

// Summary holds aggregated interaction totals.
type Summary struct {
	Interactions  int   `json:"interactions"`
	Stubs         int   `json:"stubs"`
	Connections   int   `json:"connections"`
	UniqueRemotes int   `json:"unique_remotes"`
	InputTokens   int64 `json:"input_tokens"`
	OutputTokens  int64 `json:"output_tokens"`
}
