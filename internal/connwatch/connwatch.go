// Package connwatch monitors the health of the daemon's external
// dependencies (the LLM provider, Redis, the MQTT broker) and exposes
// their state to the monitor API and to the backend's readiness gate.
//
// This is distinct from httpkit's transport-level retry, which covers
// sub-second dial errors. A watcher covers outages that last seconds to
// minutes. It probes quickly with exponential backoff while the service
// is down and settles into a fixed poll interval once it is up.
package connwatch

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nugget/mirage/internal/events"
)

// ProbeFunc checks whether a service is reachable. Return nil if healthy.
type ProbeFunc func(ctx context.Context) error

// BackoffConfig controls probe timing.
type BackoffConfig struct {
	// InitialDelay is the delay before the first retry (default: 2s).
	InitialDelay time.Duration

	// MaxDelay is the ceiling for backoff growth (default: 60s).
	MaxDelay time.Duration

	// Multiplier scales the delay after each retry (default: 2.0).
	Multiplier float64

	// PollInterval is the check interval while the service is healthy
	// (default: 60s).
	PollInterval time.Duration

	// ProbeTimeout limits each probe call (default: 10s).
	ProbeTimeout time.Duration
}

// DefaultBackoffConfig returns 2s, 4s, 8s, ... capped at 60s while down
// and 60-second polling while up.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialDelay: 2 * time.Second,
		MaxDelay:     60 * time.Second,
		Multiplier:   2.0,
		PollInterval: 60 * time.Second,
		ProbeTimeout: 10 * time.Second,
	}
}

func (b BackoffConfig) withDefaults() BackoffConfig {
	d := DefaultBackoffConfig()
	if b.InitialDelay <= 0 {
		b.InitialDelay = d.InitialDelay
	}
	if b.MaxDelay <= 0 {
		b.MaxDelay = d.MaxDelay
	}
	if b.Multiplier < 1 {
		b.Multiplier = d.Multiplier
	}
	if b.PollInterval <= 0 {
		b.PollInterval = d.PollInterval
	}
	if b.ProbeTimeout <= 0 {
		b.ProbeTimeout = d.ProbeTimeout
	}
	return b
}

// Backoff produces a growing delay sequence. The zero value is not
// usable; construct with [NewBackoff]. Not safe for concurrent use.
type Backoff struct {
	initial, ceiling time.Duration
	multiplier       float64
	next             time.Duration
}

// NewBackoff returns a sequence starting at initial, multiplied by
// multiplier after each step and capped at ceiling.
func NewBackoff(initial, ceiling time.Duration, multiplier float64) *Backoff {
	if multiplier < 1 {
		multiplier = 2
	}
	if ceiling < initial {
		ceiling = initial
	}
	return &Backoff{initial: initial, ceiling: ceiling, multiplier: multiplier, next: initial}
}

// Next returns the current delay and advances the sequence.
func (b *Backoff) Next() time.Duration {
	d := b.next
	b.next = time.Duration(float64(b.next) * b.multiplier)
	if b.next > b.ceiling {
		b.next = b.ceiling
	}
	return d
}

// Reset restarts the sequence at the initial delay.
func (b *Backoff) Reset() { b.next = b.initial }

// WatcherConfig configures a single service watcher.
type WatcherConfig struct {
	// Name identifies the service in logs and status (e.g. "llm").
	Name string

	// Probe checks service health. Must be safe for concurrent use.
	Probe ProbeFunc

	// Backoff controls probe timing. Zero fields take defaults.
	Backoff BackoffConfig

	// OnReady is called in a new goroutine when the service becomes
	// reachable. Optional.
	OnReady func()

	// OnDown is called in a new goroutine when a reachable service
	// stops responding. Optional.
	OnDown func(err error)

	// Logger for structured logging. Uses the manager's logger if nil.
	Logger *slog.Logger

	// Bus receives up/down transitions. Uses the manager's bus if nil.
	Bus *events.Bus
}

// ServiceStatus is the health status of a watched service.
type ServiceStatus struct {
	Name      string    `json:"name"`
	Ready     bool      `json:"ready"`
	LastCheck time.Time `json:"last_check"`
	LastError string    `json:"last_error,omitempty"`
	Failures  int       `json:"consecutive_failures,omitempty"`

	// Since is when Ready last changed.
	Since time.Time `json:"since,omitzero"`
}

// Watcher monitors a single service's health.
type Watcher struct {
	config WatcherConfig
	ready  atomic.Bool
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	lastErr   error
	lastCheck time.Time
	since     time.Time
	failures  int
}

// IsReady reports whether the watched service is currently reachable.
// A nil watcher is never ready.
func (w *Watcher) IsReady() bool {
	return w != nil && w.ready.Load()
}

// LastError returns the most recent probe error, or nil if healthy.
func (w *Watcher) LastError() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastErr
}

// Status returns the current health status.
func (w *Watcher) Status() ServiceStatus {
	w.mu.Lock()
	defer w.mu.Unlock()

	s := ServiceStatus{
		Name:      w.config.Name,
		Ready:     w.ready.Load(),
		LastCheck: w.lastCheck,
		Failures:  w.failures,
		Since:     w.since,
	}
	if w.lastErr != nil {
		s.LastError = w.lastErr.Error()
	}
	return s
}

// Stop cancels the watcher and waits for its goroutine to exit.
func (w *Watcher) Stop() {
	w.cancel()
	<-w.done
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)

	cfg := w.config.Backoff
	logger := w.config.Logger.With("service", w.config.Name)
	backoff := NewBackoff(cfg.InitialDelay, cfg.MaxDelay, cfg.Multiplier)
	first := true

	for {
		err := w.probe(ctx)
		if ctx.Err() != nil {
			return
		}
		failures := w.recordResult(err)
		wasReady := w.ready.Load()

		var wait time.Duration
		switch {
		case err == nil:
			backoff.Reset()
			wait = cfg.PollInterval
			if !wasReady {
				w.transition(true, nil)
				if first {
					logger.Info("service connected")
				} else {
					logger.Info("service recovered")
				}
				if w.config.OnReady != nil {
					go w.config.OnReady()
				}
			}
		case wasReady:
			w.transition(false, err)
			wait = backoff.Next()
			logger.Warn("service became unreachable", "error", err)
			if w.config.OnDown != nil {
				go w.config.OnDown(err)
			}
		default:
			wait = backoff.Next()
			logger.Debug("service unreachable",
				"attempt", failures,
				"next_delay", wait.String(),
				"error", err,
			)
		}
		first = false

		if !sleepCtx(ctx, wait) {
			return
		}
	}
}

// transition flips readiness and announces it on the bus.
func (w *Watcher) transition(ready bool, err error) {
	w.mu.Lock()
	w.since = time.Now()
	w.mu.Unlock()
	w.ready.Store(ready)

	if ready {
		w.config.Bus.Emit(events.SourceHealth, events.KindUp, map[string]any{"service": w.config.Name})
		return
	}
	w.config.Bus.Emit(events.SourceHealth, events.KindDown, map[string]any{
		"service": w.config.Name,
		"error":   err.Error(),
	})
}

// probe calls the configured ProbeFunc with a timeout.
func (w *Watcher) probe(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, w.config.Backoff.ProbeTimeout)
	defer cancel()
	return w.config.Probe(probeCtx)
}

// recordResult stores the probe outcome and returns the consecutive
// failure count.
func (w *Watcher) recordResult(err error) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.lastErr = err
	w.lastCheck = time.Now()
	if err != nil {
		w.failures++
	} else {
		w.failures = 0
	}
	return w.failures
}

// sleepCtx sleeps for d or until ctx is cancelled. Returns false if cancelled.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// Manager coordinates multiple service watchers.
type Manager struct {
	mu       sync.RWMutex
	watchers map[string]*Watcher
	logger   *slog.Logger
	bus      *events.Bus
}

// NewManager creates a connection watch manager. bus may be nil.
func NewManager(logger *slog.Logger, bus *events.Bus) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		watchers: make(map[string]*Watcher),
		logger:   logger.With("component", "connwatch"),
		bus:      bus,
	}
}

// Watch registers and starts a service watcher that runs until ctx is
// cancelled or Stop is called. A watcher already registered under the
// same name is stopped and replaced.
//
// Panics if Name is empty or Probe is nil.
func (m *Manager) Watch(ctx context.Context, cfg WatcherConfig) *Watcher {
	if cfg.Name == "" {
		panic("connwatch: WatcherConfig.Name must not be empty")
	}
	if cfg.Probe == nil {
		panic("connwatch: WatcherConfig.Probe must not be nil")
	}
	if cfg.Logger == nil {
		cfg.Logger = m.logger
	}
	if cfg.Bus == nil {
		cfg.Bus = m.bus
	}
	cfg.Backoff = cfg.Backoff.withDefaults()

	watchCtx, cancel := context.WithCancel(ctx)
	w := &Watcher{
		config: cfg,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	m.mu.Lock()
	old := m.watchers[cfg.Name]
	m.watchers[cfg.Name] = w
	m.mu.Unlock()

	if old != nil {
		old.Stop()
	}
	go w.run(watchCtx)
	return w
}

// Status returns the health status of all watched services.
func (m *Manager) Status() map[string]ServiceStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status := make(map[string]ServiceStatus, len(m.watchers))
	for name, w := range m.watchers {
		status[name] = w.Status()
	}
	return status
}

// Healthy reports whether every watched service is ready. A manager
// with no watchers is healthy.
func (m *Manager) Healthy() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, w := range m.watchers {
		if !w.IsReady() {
			return false
		}
	}
	return true
}

// Names returns the watched service names in sorted order.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.watchers))
	for name := range m.watchers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Stop shuts down all watchers and waits for their goroutines to exit.
func (m *Manager) Stop() {
	m.mu.RLock()
	watchers := make([]*Watcher, 0, len(m.watchers))
	for _, w := range m.watchers {
		watchers = append(watchers, w)
	}
	m.mu.RUnlock()

	for _, w := range watchers {
		w.Stop()
	}
}
