package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nugget/mirage/internal/buildinfo"
	"github.com/nugget/mirage/internal/capture"
	"github.com/nugget/mirage/internal/config"
)

// lockedBuffer is a bytes.Buffer safe for the concurrent writes of a
// running daemon's loggers.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestRun_Version(t *testing.T) {
	var out bytes.Buffer
	if err := run(context.Background(), &out, &out, []string{"version"}); err != nil {
		t.Fatalf("run version: %v", err)
	}
	if !strings.Contains(out.String(), "Mirage") || !strings.Contains(out.String(), "go_version:") {
		t.Errorf("version output = %q", out.String())
	}
}

func TestRun_VersionJSON(t *testing.T) {
	for _, args := range [][]string{
		{"-o", "json", "version"},
		{"--output=json", "version"},
		{"version", "-o=json"},
	} {
		var out bytes.Buffer
		if err := run(context.Background(), &out, &out, args); err != nil {
			t.Fatalf("run %v: %v", args, err)
		}
		var got buildinfo.Build
		if err := json.Unmarshal(out.Bytes(), &got); err != nil {
			t.Fatalf("run %v: output is not JSON: %v\n%s", args, err, out.String())
		}
		if got.Name != "Mirage" || got.Version == "" {
			t.Errorf("run %v: build = %+v", args, got)
		}
	}
}

func TestRun_Usage(t *testing.T) {
	for _, args := range [][]string{nil, {"-h"}, {"--help"}, {"serve", "-help"}} {
		var out bytes.Buffer
		if err := run(context.Background(), &out, &out, args); err != nil {
			t.Fatalf("run %v: %v", args, err)
		}
		if !strings.Contains(out.String(), "Usage: mirage") {
			t.Errorf("run %v: output missing usage:\n%s", args, out.String())
		}
	}
}

func TestRun_Errors(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"unknown command", []string{"frobnicate"}, "unknown command"},
		{"unknown flag", []string{"-verbose"}, "unknown flag"},
		{"bad output format", []string{"-o", "yaml", "version"}, "unknown output format"},
		{"missing explicit config", []string{"-config", "/nonexistent/mirage.yaml", "serve"}, "config file not found"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			err := run(context.Background(), &out, &out, tt.args)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("run %v error = %v, want %q", tt.args, err, tt.want)
			}
		})
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&buf, config.LevelTrace, "json")
	logger.Log(context.Background(), config.LevelTrace, "deep detail", "k", "v")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("json log line: %v\n%s", err, buf.String())
	}
	if rec["level"] != "TRACE" || rec["msg"] != "deep detail" || rec["k"] != "v" {
		t.Errorf("record = %v", rec)
	}

	buf.Reset()
	logger = newLogger(&buf, config.LevelTrace, "text")
	logger.Info("hello")
	if !strings.Contains(buf.String(), "level=INFO") || !strings.Contains(buf.String(), "msg=hello") {
		t.Errorf("text log = %q", buf.String())
	}
}

func TestLogOutput_File(t *testing.T) {
	cfg := config.Default()
	cfg.LogFile = filepath.Join(t.TempDir(), "mirage.log")

	var stdout bytes.Buffer
	w, closeLog := logOutput(&stdout, cfg)
	fmt.Fprintln(w, "line one")
	closeLog()

	got, err := os.ReadFile(cfg.LogFile)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if string(got) != "line one\n" || stdout.String() != "line one\n" {
		t.Errorf("file = %q, stdout = %q", got, stdout.String())
	}
}

func TestLogOutput_StdoutOnly(t *testing.T) {
	var stdout bytes.Buffer
	w, closeLog := logOutput(&stdout, config.Default())
	defer closeLog()
	if w != &stdout {
		t.Error("without log_file the writer should be stdout")
	}
}

func TestCreateLLMClient(t *testing.T) {
	logger := newLogger(&bytes.Buffer{}, config.LevelTrace, "text")

	cfg := config.Default()
	cfg.Backend.Provider = "openai"
	cfg.Backend.OpenAIBaseURL = "http://127.0.0.1:1/v1"
	cfg.Backend.AnthropicAPIKey = "sk-test"
	if _, err := createLLMClient(cfg, logger); err != nil {
		t.Fatalf("createLLMClient: %v", err)
	}

	cfg.Backend.FallbackProvider = "ollama"
	cfg.Backend.FallbackModel = "llama3.2"
	if _, err := createLLMClient(cfg, logger); err != nil {
		t.Fatalf("createLLMClient with fallback: %v", err)
	}

	cfg = config.Default()
	cfg.Backend.Provider = "anthropic"
	if _, err := createLLMClient(cfg, logger); err == nil {
		t.Error("anthropic without a key should fail")
	}
}

// freePort returns a loopback port that was free a moment ago.
func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

func TestRunServe_EndToEnd(t *testing.T) {
	dir := t.TempDir()
	servicesDir := filepath.Join(dir, "services")
	dataDir := filepath.Join(dir, "data")
	if err := os.MkdirAll(servicesDir, 0o755); err != nil {
		t.Fatal(err)
	}

	port := freePort(t)
	service := fmt.Sprintf(`{"name": "echo", "bindAddress": "127.0.0.1", "port": %d}`, port)
	if err := os.WriteFile(filepath.Join(servicesDir, "echo.json"), []byte(service), 0o644); err != nil {
		t.Fatal(err)
	}

	// The backend points nowhere, so every reply is a stub.
	cfgBody := fmt.Sprintf(`services_dir: %s
data_dir: %s
log_level: debug
backend:
  provider: ollama
  ollama_url: http://127.0.0.1:1
capture:
  driver: sqlite
listeners:
  accept_poll_ms: 20
`, servicesDir, dataDir)
	cfgPath := filepath.Join(dir, "mirage.yaml")
	if err := os.WriteFile(cfgPath, []byte(cfgBody), 0o600); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var logs lockedBuffer
	done := make(chan error, 1)
	go func() { done <- run(ctx, &logs, &logs, []string{"-config", cfgPath, "serve"}) }()

	var conn net.Conn
	deadline := time.Now().Add(5 * time.Second)
	for {
		var err error
		conn, err = net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", port), 200*time.Millisecond)
		if err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("listener never came up: %v\n%s", err, logs.String())
		}
		time.Sleep(20 * time.Millisecond)
	}

	conn.SetDeadline(time.Now().Add(5 * time.Second))
	if _, err := conn.Write([]byte("hello\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	reply, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		t.Fatalf("read reply: %v", err)
	}
	if reply != "ERROR\n" {
		t.Errorf("reply = %q, want stub", reply)
	}
	conn.Close()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("serve returned %v\n%s", err, logs.String())
		}
	case <-time.After(10 * time.Second):
		t.Fatal("serve did not shut down")
	}

	store, err := capture.NewSQLiteStore(capture.DriverPure, filepath.Join(dataDir, "captures.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	recent, err := store.Recent(context.Background(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(recent) != 1 {
		t.Fatalf("captured %d interactions, want 1", len(recent))
	}
	if got := recent[0]; got.Listener != "echo" || !got.Stub || got.Response != "ERROR" {
		t.Errorf("interaction = %+v", got)
	}
	if _, err := os.Stat(filepath.Join(dataDir, "instance_id")); err != nil {
		t.Errorf("instance id not persisted: %v", err)
	}
}
