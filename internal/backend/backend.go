// Package backend is the text-generation collaborator of the honeypot.
// It turns one prompt into one completion through an [llm.Client] and,
// for listeners with conversations enabled, keeps per-connection
// session memory so the model sees earlier turns.
package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/mirage/internal/llm"
	"github.com/nugget/mirage/internal/memory"
)

var (
	// ErrUnavailable is returned when the provider is known to be down.
	ErrUnavailable = errors.New("text-generation backend unavailable")
	// ErrUnknownSession is returned for a session ID with no history.
	ErrUnknownSession = errors.New("unknown session")
)

// Request is one completion request.
type Request struct {
	// Message is the user prompt built from the attacker's input.
	Message string
	// SessionID selects conversational memory. Empty means a one-shot
	// call.
	SessionID string
	// SystemPrompt is used only for one-shot calls; sessions carry the
	// prompt they were started with.
	SystemPrompt string
}

// Completion is the backend's answer.
type Completion struct {
	Provider     string
	Model        string
	Content      string
	InputTokens  int
	OutputTokens int
	Duration     time.Duration
	Metadata     map[string]string
}

// Config tunes a [Service].
type Config struct {
	// Provider names the configured provider, reported when the client
	// does not name itself.
	Provider string
	Model    string
	// Timeout bounds each completion (default 60s).
	Timeout time.Duration
	// MaxTokens caps the reply length. Zero leaves the provider default.
	MaxTokens   int
	Temperature float64
	// MaxHistory caps the non-system messages kept per session
	// (default 40).
	MaxHistory int
}

// Service implements completions and the session lifecycle.
type Service struct {
	client llm.Client
	store  *memory.Store
	cfg    Config
	ready  func() bool
	logger *slog.Logger
}

// New creates a service over client.
func New(client llm.Client, cfg Config, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	return &Service{
		client: client,
		store:  memory.NewStore(cfg.MaxHistory),
		cfg:    cfg,
		logger: logger.With("component", "backend", "model", cfg.Model),
	}
}

// SetReady installs a readiness check, typically a connwatch watcher's
// IsReady. While it reports false, Complete fails fast with
// [ErrUnavailable] instead of waiting on a dead provider.
func (s *Service) SetReady(fn func() bool) {
	s.ready = fn
}

// Complete generates a response to req.Message. On success the user
// message and reply are appended to the session; a failed call leaves
// the session unchanged.
func (s *Service) Complete(ctx context.Context, req Request) (Completion, error) {
	if s.ready != nil && !s.ready() {
		return Completion{}, ErrUnavailable
	}

	var msgs []llm.Message
	if req.SessionID != "" {
		history, err := s.store.Messages(req.SessionID)
		if err != nil {
			return Completion{}, fmt.Errorf("%w: %s", ErrUnknownSession, req.SessionID)
		}
		msgs = make([]llm.Message, 0, len(history)+1)
		for _, m := range history {
			msgs = append(msgs, llm.Message{Role: m.Role, Content: m.Content})
		}
	} else if req.SystemPrompt != "" {
		msgs = append(msgs, llm.Message{Role: memory.RoleSystem, Content: req.SystemPrompt})
	}
	msgs = append(msgs, llm.Message{Role: memory.RoleUser, Content: req.Message})

	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	start := time.Now()
	resp, err := s.client.Chat(ctx, s.cfg.Model, msgs, llm.Options{
		MaxTokens:   s.cfg.MaxTokens,
		Temperature: s.cfg.Temperature,
	})
	if err != nil {
		return Completion{}, fmt.Errorf("completion: %w", err)
	}
	elapsed := time.Since(start)

	content := strings.TrimRight(resp.Message.Content, "\r\n")
	if req.SessionID != "" {
		if err := s.store.Append(req.SessionID,
			memory.Message{Role: memory.RoleUser, Content: req.Message},
			memory.Message{Role: memory.RoleAssistant, Content: content},
		); err != nil {
			// Session ended while the call was in flight.
			s.logger.Debug("session gone before reply was stored", "session", req.SessionID)
		}
	}

	c := Completion{
		Provider:     resp.Provider,
		Model:        resp.Model,
		Content:      content,
		InputTokens:  resp.InputTokens,
		OutputTokens: resp.OutputTokens,
		Duration:     elapsed,
		Metadata: map[string]string{
			"duration_ms":   strconv.FormatInt(elapsed.Milliseconds(), 10),
			"input_tokens":  strconv.Itoa(resp.InputTokens),
			"output_tokens": strconv.Itoa(resp.OutputTokens),
		},
	}
	if c.Provider == "" {
		c.Provider = s.cfg.Provider
	}
	if c.Model == "" {
		c.Model = s.cfg.Model
	}
	s.logger.Debug("completion",
		"session", req.SessionID,
		"provider", c.Provider,
		"input_tokens", c.InputTokens,
		"output_tokens", c.OutputTokens,
		"elapsed", elapsed.Round(time.Millisecond),
	)
	return c, nil
}

// StartSession creates conversational memory for one connection,
// seeded with systemPrompt, and returns its ID.
func (s *Service) StartSession(ctx context.Context, connID, systemPrompt string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate session id: %w", err)
	}
	s.store.Create(id.String(), systemPrompt)
	s.logger.Debug("session started", "session", id.String(), "conn", connID)
	return id.String(), nil
}

// EndSession discards a session. Unknown IDs are ignored.
func (s *Service) EndSession(sessionID string) {
	s.store.Delete(sessionID)
}

// History returns a copy of a session's messages.
func (s *Service) History(sessionID string) ([]memory.Message, error) {
	msgs, err := s.store.Messages(sessionID)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
	}
	return msgs, nil
}

// Ping checks the provider.
func (s *Service) Ping(ctx context.Context) error {
	return s.client.Ping(ctx)
}

// Stats returns session memory statistics.
func (s *Service) Stats() map[string]any {
	return s.store.Stats()
}
