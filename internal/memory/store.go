// Package memory holds per-session conversation history for the
// text-generation backend. Sessions live only in process memory and
// are discarded when the attacker's connection ends.
package memory

import (
	"errors"
	"sync"
	"time"
)

// Roles used in session history.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ErrNotFound is returned when a session ID has no history.
var ErrNotFound = errors.New("session not found")

// Message is one entry of a session's history.
type Message struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Session is a snapshot of one conversation.
type Session struct {
	ID        string    `json:"id"`
	Messages  []Message `json:"messages"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store keeps session histories keyed by session ID. Safe for
// concurrent use; sessions of different connections never contend on
// anything but the map lock.
type Store struct {
	mu          sync.RWMutex
	sessions    map[string]*Session
	maxMessages int // per session, excluding system messages
}

// NewStore creates a store that keeps at most maxMessages non-system
// messages per session (default 40).
func NewStore(maxMessages int) *Store {
	if maxMessages <= 0 {
		maxMessages = 40
	}
	return &Store{
		sessions:    make(map[string]*Session),
		maxMessages: maxMessages,
	}
}

// Create starts an empty session, seeded with systemPrompt when it is
// non-empty. An existing session with the same ID is replaced.
func (s *Store) Create(id, systemPrompt string) {
	now := time.Now()
	sess := &Session{ID: id, CreatedAt: now, UpdatedAt: now}
	if systemPrompt != "" {
		sess.Messages = []Message{{Role: RoleSystem, Content: systemPrompt, Timestamp: now}}
	}

	s.mu.Lock()
	s.sessions[id] = sess
	s.mu.Unlock()
}

// Append adds messages to a session in order, trimming the oldest
// non-system messages beyond the cap.
func (s *Store) Append(id string, msgs ...Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return ErrNotFound
	}
	now := time.Now()
	for _, m := range msgs {
		if m.Timestamp.IsZero() {
			m.Timestamp = now
		}
		sess.Messages = append(sess.Messages, m)
	}
	sess.UpdatedAt = now
	sess.Messages = trim(sess.Messages, s.maxMessages)
	return nil
}

// trim keeps every system message and the newest limit others.
func trim(msgs []Message, limit int) []Message {
	others := 0
	for _, m := range msgs {
		if m.Role != RoleSystem {
			others++
		}
	}
	drop := others - limit
	if drop <= 0 {
		return msgs
	}

	out := make([]Message, 0, len(msgs)-drop)
	for _, m := range msgs {
		if m.Role != RoleSystem && drop > 0 {
			drop--
			continue
		}
		out = append(out, m)
	}
	return out
}

// Messages returns a copy of the session history.
func (s *Store) Messages(id string) ([]Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	msgs := make([]Message, len(sess.Messages))
	copy(msgs, sess.Messages)
	return msgs, nil
}

// Get returns a snapshot of the session, or nil if not found.
func (s *Store) Get(id string) *Session {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[id]
	if !ok {
		return nil
	}
	return sess.copy()
}

// Delete discards a session. Unknown IDs are ignored.
func (s *Store) Delete(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
}

// Prune discards sessions not updated since cutoff and returns how many
// were removed.
func (s *Store) Prune(cutoff time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for id, sess := range s.sessions {
		if sess.UpdatedAt.Before(cutoff) {
			delete(s.sessions, id)
			n++
		}
	}
	return n
}

// Len returns the number of live sessions.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Stats returns memory statistics.
func (s *Store) Stats() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()

	total := 0
	for _, sess := range s.sessions {
		total += len(sess.Messages)
	}
	return map[string]any{
		"sessions":        len(s.sessions),
		"messages":        total,
		"max_per_session": s.maxMessages,
	}
}

func (c *Session) copy() *Session {
	msgs := make([]Message, len(c.Messages))
	copy(msgs, c.Messages)
	return &Session{
		ID:        c.ID,
		Messages:  msgs,
		CreatedAt: c.CreatedAt,
		UpdatedAt: c.UpdatedAt,
	}
}
