// Mirage is an LLM-backed network honeypot.
//
// It binds one TCP listener per service file in its services directory,
// answers whatever arrives with text generated by a language model
// playing that service, and records every exchange. Service files are
// watched and applied live. Configuration is loaded from a single YAML
// file discovered automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	mirage serve              Start the listeners
//	mirage init [dir]         Initialize a working directory with defaults
//	mirage check [dir]        Validate service files
//	mirage version            Print version and build information
//	mirage -o json version    Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/nugget/mirage/internal/backend"
	"github.com/nugget/mirage/internal/buildinfo"
	"github.com/nugget/mirage/internal/capture"
	"github.com/nugget/mirage/internal/config"
	"github.com/nugget/mirage/internal/connwatch"
	"github.com/nugget/mirage/internal/events"
	"github.com/nugget/mirage/internal/honeypot"
	"github.com/nugget/mirage/internal/llm"
	"github.com/nugget/mirage/internal/monitor"
	"github.com/nugget/mirage/internal/mqtt"
	"github.com/nugget/mirage/internal/servicecfg"
)

// shutdownTimeout bounds each graceful shutdown step.
const shutdownTimeout = 5 * time.Second

// main builds the OS-level environment and hands off to [run] so the
// whole lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point. Logs and command output go to stdout;
// args is os.Args[1:]. Arguments are parsed by hand so run holds no
// package-level flag state and can be called from parallel tests.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, stderr, configPath)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "check":
		dir := ""
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runCheck(stdout, configPath, dir, outputFmt)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata as text or indented JSON.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Current()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	fmt.Fprintf(w, "  %-12s %s\n", "version:", info.Version)
	fmt.Fprintf(w, "  %-12s %s\n", "git_commit:", info.GitCommit)
	fmt.Fprintf(w, "  %-12s %s\n", "git_branch:", info.GitBranch)
	fmt.Fprintf(w, "  %-12s %s\n", "build_time:", info.BuildTime)
	fmt.Fprintf(w, "  %-12s %s\n", "go_version:", info.GoVersion)
	fmt.Fprintf(w, "  %-12s %s/%s\n", "platform:", info.OS, info.Arch)
	return nil
}

// printUsage writes the top-level help text to w.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Mirage - LLM-backed network honeypot")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: mirage [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve         Start the listeners and monitor API")
	fmt.Fprintln(w, "  init [dir]    Initialize working directory with defaults (default: .)")
	fmt.Fprintln(w, "  check [dir]   Validate service files (default: services_dir from config)")
	fmt.Fprintln(w, "  version       Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>   Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o <format>      Output format: text (default) or json")
	fmt.Fprintln(w, "  -h, --help       Show this help")
	return nil
}

// runServe runs the honeypot until ctx is cancelled or a signal
// arrives.
func runServe(ctx context.Context, stdout, stderr io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo, "text")
	logger.Info("starting Mirage", "version", buildinfo.Version, "commit", buildinfo.GitCommit)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	level, err := config.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("log level: %w", err)
	}
	logOut, closeLog := logOutput(stdout, cfg)
	defer closeLog()
	logger = newLogger(logOut, level, cfg.LogFormat)
	slog.SetDefault(logger)
	logger.Info("config loaded", "path", cfgPath, "log_level", level, "services_dir", cfg.ServicesDir)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}
	instanceID, err := mqtt.LoadOrCreateInstanceID(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("instance id: %w", err)
	}
	logger.Info("instance identity", "instance_id", instanceID)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	bus := events.New()
	watchers := connwatch.NewManager(logger, bus)
	defer watchers.Stop()

	// --- Backend ---

	client, err := createLLMClient(cfg, logger)
	if err != nil {
		return err
	}
	svc := backend.New(client, backend.Config{
		Provider:    cfg.Backend.Provider,
		Model:       cfg.Backend.Model,
		Timeout:     cfg.BackendTimeout(),
		MaxTokens:   cfg.Backend.MaxTokens,
		Temperature: cfg.Backend.Temperature,
		MaxHistory:  cfg.Backend.MaxHistory,
	}, logger)
	llmWatcher := watchers.Watch(ctx, connwatch.WatcherConfig{
		Name:  "llm",
		Probe: svc.Ping,
		Backoff: connwatch.BackoffConfig{
			InitialDelay: time.Second,
			MaxDelay:     30 * time.Second,
			PollInterval: 30 * time.Second,
		},
		OnReady: func() { logger.Info("backend reachable", "provider", cfg.Backend.Provider) },
		OnDown: func(err error) {
			logger.Warn("backend unreachable, answering with stubs", "provider", cfg.Backend.Provider, "error", err)
		},
	})
	svc.SetReady(llmWatcher.IsReady)

	// --- Capture ---

	var sinks capture.Multi
	var store *capture.SQLiteStore
	if cfg.Capture.Driver != "none" {
		store, err = capture.NewSQLiteStore(cfg.Capture.Driver, cfg.Capture.Path)
		if err != nil {
			return fmt.Errorf("open capture store: %w", err)
		}
		defer store.Close()
		sinks = append(sinks, store)
		logger.Info("capture store opened", "path", cfg.Capture.Path, "driver", cfg.Capture.Driver)
	}

	if cfg.Capture.Redis.Configured() {
		redisSink := capture.NewRedisSink(capture.RedisConfig{
			Addr:     cfg.Capture.Redis.Addr,
			Password: cfg.Capture.Redis.Password,
			DB:       cfg.Capture.Redis.DB,
			Stream:   cfg.Capture.Redis.Stream,
			MaxLen:   cfg.Capture.Redis.MaxLen,
		})
		defer redisSink.Close()
		sinks = append(sinks, redisSink)
		watchers.Watch(ctx, connwatch.WatcherConfig{
			Name:  "redis",
			Probe: redisSink.Ping,
		})
		logger.Info("redis capture stream enabled", "addr", cfg.Capture.Redis.Addr, "stream", redisSink.Stream())
	}

	counter := mqtt.NewDailyCounter(nil)
	stats := &statsAdapter{}

	var pub *mqtt.Publisher
	if cfg.MQTT.Configured() {
		pub = mqtt.New(cfg.MQTT, instanceID, counter, stats, logger)
		sinks = append(sinks, pub)
		watchers.Watch(ctx, connwatch.WatcherConfig{
			Name:  "mqtt",
			Probe: pub.AwaitConnection,
		})
	}

	var sink capture.Sink = sinks
	if len(sinks) == 0 {
		logger.Warn("no capture sinks configured, interactions will not be stored")
		sink = capture.Discard{}
	}
	recorder := capture.NewRecorder(sink, capture.RecorderOptions{
		QueueSize: cfg.Capture.QueueSize,
		Bus:       bus,
		Logger:    logger,
		Observe:   counter.Observe,
	})

	// --- Listeners ---

	provider := servicecfg.NewProvider(cfg.ServicesDir, servicecfg.Options{
		Debounce:    cfg.Listeners.Debounce(),
		SettleDelay: cfg.Listeners.Settle(),
	}, logger)
	cfgs, err := provider.LoadAll()
	if err != nil {
		return err
	}

	orch := honeypot.New(honeypot.Deps{
		Backend:  svc,
		Sessions: svc,
		Capture:  recorder,
		Bus:      bus,
		Logger:   logger,
	}, honeypot.Options{
		ReadTimeout:   cfg.Listeners.ReadTimeout(),
		AcceptPoll:    cfg.Listeners.AcceptPoll(),
		AcceptBackoff: cfg.Listeners.AcceptBackoff(),
	})
	stats.orch = orch

	g, gctx := errgroup.WithContext(ctx)

	orch.Start(gctx, cfgs)
	g.Go(func() error { return provider.Run(gctx) })
	applied := make(chan struct{})
	g.Go(func() error {
		defer close(applied)
		orch.Run(gctx, provider.Changes())
		return nil
	})

	// --- Monitor API ---

	if cfg.Monitor.Port > 0 {
		src := monitor.Sources{
			Listeners: orch,
			Health:    watchers,
			Sessions:  svc,
			Bus:       bus,
			Stats: func() map[string]any {
				return map[string]any{
					"uptime":             buildinfo.Uptime().String(),
					"listeners":          orch.Len(),
					"active_listeners":   orch.ActiveListeners(),
					"active_connections": orch.ActiveConnections(),
					"recorder":           recorder.Stats(),
					"sessions":           svc.Stats(),
					"today":              counter.Snapshot(),
					"event_subscribers":  bus.SubscriberCount(),
					"event_drops":        bus.Dropped(),
				}
			},
		}
		if store != nil {
			src.Captures = store
		}
		server := monitor.NewServer(cfg.Monitor.Address, cfg.Monitor.Port, src, logger)
		g.Go(func() error { return server.Start(gctx) })
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		})
	}

	// --- MQTT ---

	// The publisher outlives gctx so it can announce "offline" after the
	// recorder has drained.
	pubCtx, pubCancel := context.WithCancel(context.WithoutCancel(ctx))
	defer pubCancel()
	if pub != nil {
		g.Go(func() error {
			if err := pub.Start(pubCtx); err != nil {
				logger.Error("mqtt publisher failed", "error", err)
			}
			return nil
		})
	}

	logger.Info("Mirage running", "listeners", orch.Len(), "monitor_port", cfg.Monitor.Port)

	<-gctx.Done()
	logger.Info("shutting down")

	// No Apply may be in flight while the table is torn down.
	<-applied
	orch.Shutdown()

	drainCtx, drainCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	if err := recorder.Close(drainCtx); err != nil {
		logger.Warn("capture queue not drained", "error", err)
	}
	drainCancel()

	if pub != nil {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := pub.Stop(stopCtx); err != nil {
			logger.Warn("mqtt disconnect failed", "error", err)
		}
		stopCancel()
	}
	pubCancel()

	err = g.Wait()
	logger.Info("Mirage stopped", "uptime", buildinfo.Uptime())
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// newLogger creates a slog.Logger writing to w at level in the given
// format ("json" or "text").
func newLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// logOutput returns stdout, or stdout tee'd with a rotating log file
// when log_file is set. The returned func closes the file.
func logOutput(stdout io.Writer, cfg *config.Config) (io.Writer, func()) {
	if cfg.LogFile == "" {
		return stdout, func() {}
	}
	rotator := &lumberjack.Logger{
		Filename:   cfg.LogFile,
		MaxSize:    cfg.LogMaxSizeMB,
		MaxBackups: cfg.LogMaxBackups,
		MaxAge:     cfg.LogMaxAgeDays,
		Compress:   true,
	}
	return io.MultiWriter(stdout, rotator), func() { rotator.Close() }
}

// loadConfig locates and parses the YAML configuration file. An
// explicit path must exist; otherwise [config.FindConfig] searches the
// default locations. Returns the config and the path it came from.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}

// createLLMClient builds a client that routes the configured model to
// its provider, failing over to fallback_provider when one is set.
func createLLMClient(cfg *config.Config, logger *slog.Logger) (llm.Client, error) {
	b := cfg.Backend

	providers := make(map[string]llm.Client)

	if b.OllamaURL != "" {
		providers["ollama"] = llm.NewOllamaClient(b.OllamaURL, logger)
	}
	if b.AnthropicAPIKey != "" {
		providers["anthropic"] = llm.NewAnthropicClient(b.AnthropicAPIKey, logger)
	}
	if b.OpenAIAPIKey != "" || b.OpenAIBaseURL != "" {
		providers["openai"] = llm.NewOpenAIClient(b.OpenAIAPIKey, b.OpenAIBaseURL, logger)
	}

	primary, ok := providers[b.Provider]
	if !ok {
		return nil, fmt.Errorf("backend provider %q is not configured", b.Provider)
	}

	multi := llm.NewMultiClient(primary)
	for name, client := range providers {
		multi.AddProvider(name, client)
	}
	multi.AddModel(b.Model, b.Provider)
	if b.FallbackProvider != "" {
		multi.SetFailover(b.FallbackProvider, b.FallbackModel)
	}

	logger.Info("backend configured",
		"provider", b.Provider, "model", b.Model, "providers", multi.Providers(),
		"fallback", b.FallbackProvider)
	return multi, nil
}

// statsAdapter bridges the orchestrator and build info to the
// [mqtt.StatsSource] interface. orch is set once the orchestrator
// exists, before the publisher starts.
type statsAdapter struct {
	orch *honeypot.Orchestrator
}

func (a *statsAdapter) Uptime() time.Duration  { return buildinfo.Uptime() }
func (a *statsAdapter) Version() string        { return buildinfo.Version }
func (a *statsAdapter) ActiveListeners() int   { return a.orch.ActiveListeners() }
func (a *statsAdapter) ActiveConnections() int { return a.orch.ActiveConnections() }
