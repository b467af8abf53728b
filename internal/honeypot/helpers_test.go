package honeypot

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nugget/mirage/internal/backend"
	"github.com/nugget/mirage/internal/capture"
	"github.com/nugget/mirage/internal/protocol"
	"github.com/nugget/mirage/internal/servicecfg"
)

var errBackendDown = errors.New("backend down")

// fakeBackend answers "reply N" for the Nth call.
type fakeBackend struct {
	mu    sync.Mutex
	calls []backend.Request
	// gate, when set, makes each call wait for a token.
	gate chan struct{}
	// fail, when set, makes every call return an error.
	fail  error
	panic bool
}

func (f *fakeBackend) Complete(ctx context.Context, req backend.Request) (backend.Completion, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	n := len(f.calls)
	f.mu.Unlock()

	if f.panic {
		panic("backend exploded")
	}
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return backend.Completion{}, ctx.Err()
		}
	}
	if f.fail != nil {
		return backend.Completion{}, f.fail
	}
	return backend.Completion{
		Provider:     "fake",
		Model:        "fake-model",
		Content:      fmt.Sprintf("reply %d", n),
		InputTokens:  3,
		OutputTokens: 2,
	}, nil
}

func (f *fakeBackend) Calls() []backend.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]backend.Request(nil), f.calls...)
}

type fakeSessions struct {
	mu      sync.Mutex
	started []string
	ended   []string
}

func (f *fakeSessions) StartSession(_ context.Context, connID, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := "sess-" + connID
	f.started = append(f.started, id)
	return id, nil
}

func (f *fakeSessions) EndSession(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ended = append(f.ended, id)
}

func (f *fakeSessions) Started() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.started...)
}

func (f *fakeSessions) Ended() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.ended...)
}

type fakeRecorder struct {
	mu  sync.Mutex
	got []capture.Interaction
}

func (f *fakeRecorder) Submit(i capture.Interaction) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.got = append(f.got, i)
	return fmt.Sprintf("i%d", len(f.got)), true
}

func (f *fakeRecorder) All() []capture.Interaction {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]capture.Interaction(nil), f.got...)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(name string) servicecfg.ListenerConfig {
	return servicecfg.ListenerConfig{
		Name:                       name,
		BindAddress:                "127.0.0.1",
		Port:                       0,
		Protocol:                   protocol.Generic,
		BufferSize:                 1024,
		MaxConcurrentConnections:   10,
		SystemPrompt:               "You are a server.",
		UserPromptTemplate:         "{HexData}",
		MaxDataLength:              256,
		Enabled:                    true,
		ConversationTimeoutSeconds: 60,
		MaxConversationTurns:       10,
	}
}

type testEnv struct {
	orch     *Orchestrator
	backend  *fakeBackend
	sessions *fakeSessions
	recorder *fakeRecorder
	ctx      context.Context
}

func newTestEnv(t *testing.T, b *fakeBackend) *testEnv {
	t.Helper()
	if b == nil {
		b = &fakeBackend{}
	}
	env := &testEnv{
		backend:  b,
		sessions: &fakeSessions{},
		recorder: &fakeRecorder{},
	}
	env.orch = New(Deps{
		Backend:  env.backend,
		Sessions: env.sessions,
		Capture:  env.recorder,
		Logger:   quietLogger(),
	}, Options{
		ReadTimeout:      2 * time.Second,
		AcceptPoll:       20 * time.Millisecond,
		AcceptBackoff:    10 * time.Millisecond,
		BindRetryInitial: 10 * time.Millisecond,
		BindRetryMax:     50 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	env.ctx = ctx
	t.Cleanup(func() {
		env.orch.Shutdown()
		cancel()
	})
	return env
}

// eventually polls cond until it returns true or the deadline passes.
func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func (e *testEnv) status(name string) (ListenerStatus, bool) {
	for _, s := range e.orch.Snapshot() {
		if s.Name == name {
			return s, true
		}
	}
	return ListenerStatus{}, false
}

// waitBound returns the bound address of the named listener.
func (e *testEnv) waitBound(t *testing.T, name string) string {
	t.Helper()
	var addr string
	eventually(t, name+" to bind", func() bool {
		s, ok := e.status(name)
		addr = s.Address
		return ok && s.Bound
	})
	return addr
}

type client struct {
	t    *testing.T
	conn net.Conn
	r    *bufio.Reader
}

func dial(t *testing.T, addr string) *client {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		t.Fatalf("dial %s: %v", addr, err)
	}
	t.Cleanup(func() { conn.Close() })
	return &client{t: t, conn: conn, r: bufio.NewReader(conn)}
}

func (c *client) send(s string) {
	c.t.Helper()
	c.conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	if _, err := io.WriteString(c.conn, s); err != nil {
		c.t.Fatalf("write: %v", err)
	}
}

// line reads one response line without its terminator.
func (c *client) line() string {
	c.t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	s, err := c.r.ReadString('\n')
	if err != nil {
		c.t.Fatalf("read: %v (partial %q)", err, s)
	}
	return strings.TrimRight(s, "\n")
}

// trySend writes s and ignores failure; the peer may already be gone.
func (c *client) trySend(s string) {
	c.conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	io.WriteString(c.conn, s)
}

// closed reports whether the server closed the connection, by FIN or
// by reset. Any data still buffered is discarded.
func (c *client) closed() bool {
	c.conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, err := io.ReadAll(c.r)
	var ne net.Error
	return !(errors.As(err, &ne) && ne.Timeout())
}
