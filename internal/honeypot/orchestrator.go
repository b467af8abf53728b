package honeypot

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/nugget/mirage/internal/events"
	"github.com/nugget/mirage/internal/servicecfg"
)

// ListenerStatus is a read-only view of one running instance.
type ListenerStatus struct {
	Name              string    `json:"name"`
	Protocol          string    `json:"protocol"`
	ConfiguredAddress string    `json:"configured_address"`
	Address           string    `json:"address,omitempty"`
	Bound             bool      `json:"bound"`
	MaxConnections    int       `json:"max_connections"`
	Conversation      bool      `json:"conversation"`
	Active            int64     `json:"active_connections"`
	Accepted          int64     `json:"accepted_connections"`
	StartedAt         time.Time `json:"started_at"`
	LastError         string    `json:"last_error,omitempty"`
	SourcePath        string    `json:"source_path,omitempty"`
}

// Orchestrator owns the name-keyed table of running instances. The
// table is mutated only by Start, Apply and Shutdown, which callers run
// from a single goroutine (normally via [Orchestrator.Run]).
type Orchestrator struct {
	deps   Deps
	opts   Options
	logger *slog.Logger

	mu        sync.RWMutex
	instances map[string]*instance
	closed    bool // set by Shutdown; later inserts are stopped at once
}

// New creates an orchestrator. It starts nothing until [Orchestrator.Start].
func New(deps Deps, opts Options) *Orchestrator {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	deps.Logger = deps.Logger.With("component", "honeypot")
	return &Orchestrator{
		deps:      deps,
		opts:      opts.withDefaults(),
		logger:    deps.Logger,
		instances: make(map[string]*instance),
	}
}

// Start launches one instance per enabled config. Instances live until
// ctx is cancelled or they are stopped.
func (o *Orchestrator) Start(ctx context.Context, cfgs []servicecfg.ListenerConfig) {
	for _, cfg := range cfgs {
		o.Apply(ctx, servicecfg.Change{Op: servicecfg.Changed, Name: cfg.Name, Config: cfg})
	}
	o.logger.Info("listeners started", "configured", len(cfgs), "running", o.Len())
}

// Run applies change records until ctx is cancelled or changes is
// closed. It is the only writer of the instance table while it runs.
func (o *Orchestrator) Run(ctx context.Context, changes <-chan servicecfg.Change) {
	for {
		select {
		case <-ctx.Done():
			return
		case c, ok := <-changes:
			if !ok {
				return
			}
			o.Apply(ctx, c)
		}
	}
}

// Apply reconciles the table with one change. A new instance derives
// its context from ctx.
func (o *Orchestrator) Apply(ctx context.Context, c servicecfg.Change) {
	switch {
	case c.Op == servicecfg.Removed:
		o.deps.Bus.Emit(events.SourceConfig, events.KindRemoved, map[string]any{"listener": c.Name})
		if o.stop(c.Name) {
			o.logger.Info("listener removed", "listener", c.Name)
		}

	case !c.Config.Enabled:
		o.deps.Bus.Emit(events.SourceConfig, events.KindChanged, map[string]any{
			"listener": c.Name, "enabled": false,
		})
		if o.stop(c.Name) {
			o.logger.Info("listener disabled", "listener", c.Name)
		}

	default:
		o.deps.Bus.Emit(events.SourceConfig, events.KindChanged, map[string]any{
			"listener": c.Name, "enabled": true,
		})
		replaced := o.stop(c.Name)
		in := startInstance(ctx, c.Config, o.deps, o.opts)

		o.mu.Lock()
		if o.closed {
			o.mu.Unlock()
			in.stop()
			o.logger.Debug("listener change after shutdown ignored", "listener", c.Name)
			return
		}
		o.instances[c.Name] = in
		o.mu.Unlock()

		o.logger.Debug("listener scheduled", "listener", c.Name, "address", c.Config.Addr(), "replaced", replaced)
	}
}

// stop stops and removes the named instance. It reports whether one
// was running.
func (o *Orchestrator) stop(name string) bool {
	o.mu.Lock()
	in, ok := o.instances[name]
	delete(o.instances, name)
	o.mu.Unlock()

	if !ok {
		return false
	}
	in.stop()
	return true
}

// Shutdown stops every instance concurrently and waits for all of them.
// Instances applied after Shutdown are stopped before they are
// inserted.
func (o *Orchestrator) Shutdown() {
	o.mu.Lock()
	o.closed = true
	all := o.instances
	o.instances = make(map[string]*instance)
	o.mu.Unlock()

	var wg sync.WaitGroup
	for _, in := range all {
		wg.Add(1)
		go func() {
			defer wg.Done()
			in.stop()
		}()
	}
	wg.Wait()
	o.logger.Info("all listeners stopped", "count", len(all))
}

// Snapshot returns the status of every instance, sorted by name.
func (o *Orchestrator) Snapshot() []ListenerStatus {
	o.mu.RLock()
	out := make([]ListenerStatus, 0, len(o.instances))
	for _, in := range o.instances {
		out = append(out, in.status())
	}
	o.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Len returns the number of instances in the table.
func (o *Orchestrator) Len() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.instances)
}

// ActiveListeners returns how many instances are currently bound.
func (o *Orchestrator) ActiveListeners() int {
	n := 0
	for _, s := range o.Snapshot() {
		if s.Bound {
			n++
		}
	}
	return n
}

// ActiveConnections returns the number of open connections across all
// instances.
func (o *Orchestrator) ActiveConnections() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	var n int64
	for _, in := range o.instances {
		n += in.active.Load()
	}
	return int(n)
}
