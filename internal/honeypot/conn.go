package honeypot

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"runtime/debug"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/mirage/internal/backend"
	"github.com/nugget/mirage/internal/capture"
	"github.com/nugget/mirage/internal/config"
	"github.com/nugget/mirage/internal/events"
	"github.com/nugget/mirage/internal/protocol"
)

// connPhase is a connection's position in its lifecycle.
type connPhase int

const (
	phaseAccepted connPhase = iota
	phaseSession
	phaseActive
	phaseClosing
)

func (p connPhase) String() string {
	switch p {
	case phaseAccepted:
		return "accepted"
	case phaseSession:
		return "session_started"
	case phaseActive:
		return "active"
	default:
		return "closing"
	}
}

// Close reasons reported in logs and connection-closed events.
const (
	reasonCompleted      = "completed"
	reasonMaxTurns       = "max_turns"
	reasonSessionTimeout = "session_timeout"
	reasonReadTimeout    = "read_timeout"
	reasonClientClosed   = "client_closed"
	reasonReadError      = "read_error"
	reasonWriteError     = "write_error"
	reasonCancelled      = "cancelled"
	reasonFault          = "fault"
)

// connState tracks one attacker connection.
type connState struct {
	id        string
	remote    string
	kind      protocol.Kind
	sessionID string
	turn      int
	started   time.Time
	phase     connPhase
}

func newConnState(conn net.Conn, kind protocol.Kind) *connState {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return &connState{
		id:      id.String(),
		remote:  conn.RemoteAddr().String(),
		kind:    kind,
		started: time.Now(),
	}
}

// handle runs one connection to completion. It never panics and always
// releases the session and closes the socket.
func (in *instance) handle(ctx context.Context, conn net.Conn) {
	st := newConnState(conn, in.cfg.Protocol)
	logger := in.logger.With("conn_id", st.id, "remote", st.remote)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stopClose := context.AfterFunc(ctx, func() { conn.Close() })
	defer stopClose()

	in.active.Add(1)
	logger.Debug("connection accepted")
	in.deps.Bus.Emit(events.SourceConnection, events.KindOpened, map[string]any{
		"listener": in.cfg.Name,
		"conn_id":  st.id,
		"remote":   st.remote,
	})

	reason := reasonFault
	defer func() {
		if r := recover(); r != nil {
			reason = reasonFault
			logger.Error("connection handler panic",
				"panic", r, "phase", st.phase.String(), "stack", string(debug.Stack()))
		}
		st.phase = phaseClosing
		if st.sessionID != "" && in.deps.Sessions != nil {
			in.deps.Sessions.EndSession(st.sessionID)
		}
		conn.Close()
		in.active.Add(-1)

		elapsed := time.Since(st.started)
		logger.Info("connection closed", "reason", reason, "turns", st.turn, "duration", elapsed)
		in.deps.Bus.Emit(events.SourceConnection, events.KindClosed, map[string]any{
			"listener":    in.cfg.Name,
			"conn_id":     st.id,
			"turns":       st.turn,
			"reason":      reason,
			"duration_ms": elapsed.Milliseconds(),
		})
	}()

	reason = in.converse(ctx, conn, st, logger)
}

// converse drives the state machine and returns why it stopped.
func (in *instance) converse(ctx context.Context, conn net.Conn, st *connState, logger *slog.Logger) string {
	cfg := in.cfg

	if cfg.EnableConversation && in.deps.Sessions != nil {
		id, err := in.deps.Sessions.StartSession(ctx, st.id, cfg.SystemPrompt)
		if err != nil {
			// Carry on without memory; every turn becomes a one-shot call.
			logger.Warn("session start failed", "error", err)
		} else {
			st.sessionID = id
			st.phase = phaseSession
			logger.Debug("session started", "session_id", id)
		}
	}

	if cfg.SendInitialResponse {
		var out string
		if st.kind == protocol.SSH {
			out = protocol.SSHBanner
		} else {
			greeting := protocol.Greeting(st.kind, st.remote, time.Now())
			out = in.respond(ctx, st, greeting, nil, 0, logger) + "\n"
		}
		if ctx.Err() != nil {
			return reasonCancelled
		}
		if _, err := io.WriteString(conn, out); err != nil {
			logger.Debug("initial response write failed", "error", err)
			return reasonWriteError
		}
	}

	st.phase = phaseActive
	buf := make([]byte, cfg.BufferSize)
	for {
		if cfg.EnableConversation {
			if st.turn >= cfg.MaxConversationTurns {
				return reasonMaxTurns
			}
			if time.Since(st.started) >= cfg.ConversationTimeout() {
				return reasonSessionTimeout
			}
		}

		if err := conn.SetReadDeadline(time.Now().Add(in.opts.ReadTimeout)); err != nil {
			return in.readFailure(ctx, err)
		}
		n, err := conn.Read(buf)
		if n <= 0 {
			return in.readFailure(ctx, err)
		}
		raw := append([]byte(nil), buf[:n]...)

		data := protocol.Parse(st.kind, raw, cfg.MaxDataLength)
		prompt := protocol.BuildPrompt(data, cfg.PromptTemplate(), st.remote, time.Now())
		logger.Log(ctx, config.LevelTrace, "payload received",
			"bytes", n, "valid", data.Valid, "readable", data.Readable)

		resp := in.respond(ctx, st, prompt, raw, st.turn+1, logger)
		if ctx.Err() != nil {
			return reasonCancelled
		}
		if _, err := io.WriteString(conn, resp+"\n"); err != nil {
			logger.Debug("response write failed", "error", err)
			return reasonWriteError
		}
		st.turn++

		if !cfg.EnableConversation {
			return reasonCompleted
		}
	}
}

// respond asks the backend for a reply to message, substitutes a stub
// on failure, and hands the exchange to the recorder.
func (in *instance) respond(ctx context.Context, st *connState, message string, raw []byte, turn int, logger *slog.Logger) string {
	req := backend.Request{
		Message:      message,
		SessionID:    st.sessionID,
		SystemPrompt: in.cfg.SystemPrompt,
	}

	c, err := in.deps.Backend.Complete(ctx, req)
	stub := false
	if err != nil {
		if ctx.Err() == nil {
			logger.Warn("backend completion failed, sending stub", "turn", turn, "error", err)
		}
		c = backend.Completion{Content: stubResponse(st.kind)}
		stub = true
	}

	if in.deps.Capture != nil && ctx.Err() == nil {
		in.deps.Capture.Submit(capture.Interaction{
			Listener:     in.cfg.Name,
			Protocol:     string(st.kind),
			RemoteAddr:   st.remote,
			ConnID:       st.id,
			SessionID:    st.sessionID,
			Turn:         turn,
			Message:      message,
			RawHex:       protocol.HexDump(raw, 0),
			Response:     c.Content,
			Provider:     c.Provider,
			Model:        c.Model,
			InputTokens:  c.InputTokens,
			OutputTokens: c.OutputTokens,
			Stub:         stub,
		})
	}
	return c.Content
}

func (in *instance) readFailure(ctx context.Context, err error) string {
	if ctx.Err() != nil {
		return reasonCancelled
	}
	var ne net.Error
	switch {
	case err == nil, errors.Is(err, io.EOF):
		return reasonClientClosed
	case errors.As(err, &ne) && ne.Timeout():
		return reasonReadTimeout
	default:
		return reasonReadError
	}
}
