package honeypot

import (
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/nugget/mirage/internal/events"
	"github.com/nugget/mirage/internal/protocol"
	"github.com/nugget/mirage/internal/servicecfg"
)

func TestOrchestrator_EnableAndRemove(t *testing.T) {
	env := newTestEnv(t, nil)

	a := testConfig("a")
	a.EnableConversation = true
	b := testConfig("b")
	b.Enabled = false

	env.orch.Start(env.ctx, []servicecfg.ListenerConfig{a, b})
	if n := env.orch.Len(); n != 1 {
		t.Fatalf("running = %d, want 1", n)
	}
	if _, ok := env.status("b"); ok {
		t.Fatal("disabled listener b should not run")
	}

	ca := dial(t, env.waitBound(t, "a"))
	ca.send("hello\n")
	if got := ca.line(); got != "reply 1" {
		t.Fatalf("a first reply = %q", got)
	}

	b.Enabled = true
	env.orch.Apply(env.ctx, servicecfg.Change{Op: servicecfg.Changed, Name: "b", Config: b})
	addrB := env.waitBound(t, "b")
	if n := env.orch.Len(); n != 2 {
		t.Fatalf("running = %d, want 2", n)
	}

	// a's open connection is unaffected by b starting.
	ca.send("again\n")
	if got := ca.line(); got != "reply 2" {
		t.Fatalf("a second reply = %q", got)
	}

	env.orch.Apply(env.ctx, servicecfg.Change{Op: servicecfg.Removed, Name: "a"})
	snap := env.orch.Snapshot()
	if len(snap) != 1 || snap[0].Name != "b" {
		t.Fatalf("snapshot = %+v, want only b", snap)
	}
	if !ca.closed() {
		t.Error("a's connection should be closed when a is removed")
	}

	cb := dial(t, addrB)
	cb.send("hi b\n")
	if got := cb.line(); !strings.HasPrefix(got, "reply") {
		t.Errorf("b reply = %q", got)
	}
}

func TestOrchestrator_DisableStops(t *testing.T) {
	env := newTestEnv(t, nil)
	a := testConfig("a")
	env.orch.Start(env.ctx, []servicecfg.ListenerConfig{a})
	env.waitBound(t, "a")

	a.Enabled = false
	env.orch.Apply(env.ctx, servicecfg.Change{Op: servicecfg.Changed, Name: "a", Config: a})
	if n := env.orch.Len(); n != 0 {
		t.Errorf("running = %d, want 0", n)
	}

	// Removing an unknown name is harmless.
	env.orch.Apply(env.ctx, servicecfg.Change{Op: servicecfg.Removed, Name: "ghost"})
}

func TestOrchestrator_ReplaceSameName(t *testing.T) {
	env := newTestEnv(t, nil)
	a := testConfig("a")
	env.orch.Start(env.ctx, []servicecfg.ListenerConfig{a})
	env.waitBound(t, "a")
	first, _ := env.status("a")

	a.Protocol = protocol.HTTP
	env.orch.Apply(env.ctx, servicecfg.Change{Op: servicecfg.Changed, Name: "a", Config: a})
	env.waitBound(t, "a")

	got, _ := env.status("a")
	if env.orch.Len() != 1 {
		t.Fatalf("running = %d, want 1", env.orch.Len())
	}
	if got.Protocol != "http" || got.StartedAt.Before(first.StartedAt) {
		t.Errorf("status = %+v, want a fresh http instance", got)
	}
}

func TestOrchestrator_RunConsumesChanges(t *testing.T) {
	env := newTestEnv(t, nil)
	changes := make(chan servicecfg.Change, 2)
	done := make(chan struct{})
	go func() {
		env.orch.Run(env.ctx, changes)
		close(done)
	}()

	changes <- servicecfg.Change{Op: servicecfg.Changed, Name: "x", Config: testConfig("x")}
	env.waitBound(t, "x")
	changes <- servicecfg.Change{Op: servicecfg.Removed, Name: "x"}
	eventually(t, "x to stop", func() bool { return env.orch.Len() == 0 })

	close(changes)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after the channel closed")
	}
}

func TestOrchestrator_BindRetry(t *testing.T) {
	blocker, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := blocker.Addr().(*net.TCPAddr).Port

	env := newTestEnv(t, nil)
	cfg := testConfig("busy")
	cfg.Port = port
	env.orch.Start(env.ctx, []servicecfg.ListenerConfig{cfg})

	eventually(t, "bind failure to be reported", func() bool {
		s, _ := env.status("busy")
		return !s.Bound && s.LastError != ""
	})

	blocker.Close()
	addr := env.waitBound(t, "busy")
	if !strings.HasSuffix(addr, ":"+strconv.Itoa(port)) {
		t.Errorf("bound to %s, want port %d", addr, port)
	}
	if s, _ := env.status("busy"); s.LastError != "" {
		t.Errorf("LastError = %q after successful bind", s.LastError)
	}
}

func TestOrchestrator_ShutdownClosesConnections(t *testing.T) {
	env := newTestEnv(t, nil)
	cfg := testConfig("a")
	cfg.EnableConversation = true
	env.orch.Start(env.ctx, []servicecfg.ListenerConfig{cfg})

	c := dial(t, env.waitBound(t, "a"))
	c.send("x\n")
	c.line()
	eventually(t, "active connection", func() bool { return env.orch.ActiveConnections() == 1 })

	env.orch.Shutdown()
	if !c.closed() {
		t.Error("connection should be closed by shutdown")
	}
	if env.orch.Len() != 0 || env.orch.ActiveConnections() != 0 {
		t.Error("shutdown should leave an empty table")
	}
	if got := env.sessions.Ended(); len(got) != 1 {
		t.Errorf("ended sessions = %v, want 1", got)
	}
}

func TestOrchestrator_ApplyAfterShutdown(t *testing.T) {
	free, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := free.Addr().(*net.TCPAddr).Port
	free.Close()

	env := newTestEnv(t, nil)
	env.orch.Start(env.ctx, []servicecfg.ListenerConfig{testConfig("a")})
	env.waitBound(t, "a")
	env.orch.Shutdown()

	late := testConfig("late")
	late.Port = port
	env.orch.Apply(env.ctx, servicecfg.Change{Op: servicecfg.Changed, Name: "late", Config: late})

	if n := env.orch.Len(); n != 0 {
		t.Fatalf("running = %d after shutdown, want 0", n)
	}
	// The late instance must already have released its port.
	ln, err := net.Listen("tcp", "127.0.0.1:"+strconv.Itoa(port))
	if err != nil {
		t.Fatalf("port %d still held after shutdown: %v", port, err)
	}
	ln.Close()
}

func TestOrchestrator_Events(t *testing.T) {
	bus := events.New()
	ch := bus.Subscribe(64)

	env := newTestEnv(t, nil)
	env.orch.deps.Bus = bus

	env.orch.Start(env.ctx, []servicecfg.ListenerConfig{testConfig("ev")})
	c := dial(t, env.waitBound(t, "ev"))
	c.send("ping\n")
	c.line()
	c.closed()
	env.orch.Apply(env.ctx, servicecfg.Change{Op: servicecfg.Removed, Name: "ev"})

	seen := make(map[string]bool)
	for len(ch) > 0 {
		e := <-ch
		seen[e.Source+"/"+e.Kind] = true
	}
	want := []string{
		events.SourceConfig + "/" + events.KindChanged,
		events.SourceListener + "/" + events.KindStarted,
		events.SourceConnection + "/" + events.KindOpened,
		events.SourceConnection + "/" + events.KindClosed,
		events.SourceConfig + "/" + events.KindRemoved,
		events.SourceListener + "/" + events.KindStopped,
	}
	for _, k := range want {
		if !seen[k] {
			t.Errorf("missing event %s", k)
		}
	}
}

func TestOrchestrator_ActiveListeners(t *testing.T) {
	env := newTestEnv(t, nil)
	env.orch.Start(env.ctx, []servicecfg.ListenerConfig{testConfig("one"), testConfig("two")})
	env.waitBound(t, "one")
	env.waitBound(t, "two")
	if n := env.orch.ActiveListeners(); n != 2 {
		t.Errorf("ActiveListeners = %d, want 2", n)
	}
}
