package servicecfg

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Op is the kind of a [Change].
type Op int

const (
	// Changed means the named config was added or replaced.
	Changed Op = iota
	// Removed means the named config is gone.
	Removed
)

func (o Op) String() string {
	if o == Removed {
		return "removed"
	}
	return "changed"
}

// Change is one immutable configuration event. Config is meaningful
// only for [Changed].
type Change struct {
	Op     Op
	Name   string
	Config ListenerConfig
}

// Options tune the provider's filesystem handling. Zero values select
// the defaults.
type Options struct {
	// Debounce is the window within which a modification time equal (or
	// close) to the last observed one is treated as a duplicate
	// notification (default 500ms).
	Debounce time.Duration
	// SettleDelay is how long to wait after a notification before
	// re-reading the file (default 100ms).
	SettleDelay time.Duration
	// Buffer is the capacity of the change channel (default 64).
	Buffer int
}

// Provider loads service files from one directory and reports
// subsequent changes on a single channel.
type Provider struct {
	dir     string
	opts    Options
	logger  *slog.Logger
	changes chan Change

	mu       sync.Mutex
	modTimes map[string]time.Time // path -> last observed modification time
	names    map[string]string    // path -> config name
	owners   map[string]string    // config name -> path
}

// NewProvider creates a provider for dir. Call [Provider.LoadAll] once,
// then [Provider.Run] to start watching.
func NewProvider(dir string, opts Options, logger *slog.Logger) *Provider {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Debounce <= 0 {
		opts.Debounce = 500 * time.Millisecond
	}
	if opts.SettleDelay <= 0 {
		opts.SettleDelay = 100 * time.Millisecond
	}
	if opts.Buffer <= 0 {
		opts.Buffer = 64
	}
	return &Provider{
		dir:      dir,
		opts:     opts,
		logger:   logger.With("component", "servicecfg", "dir", dir),
		changes:  make(chan Change, opts.Buffer),
		modTimes: make(map[string]time.Time),
		names:    make(map[string]string),
		owners:   make(map[string]string),
	}
}

// Changes returns the channel change records are delivered on. It is
// closed when Run returns.
func (p *Provider) Changes() <-chan Change { return p.changes }

// LoadAll parses every service file in the directory. A file that fails
// to parse is logged and skipped. When two files declare the same name
// the first in lexical order wins. A missing directory yields an empty
// set and is created so it can be watched.
func (p *Provider) LoadAll() ([]ListenerConfig, error) {
	entries, err := os.ReadDir(p.dir)
	if errors.Is(err, fs.ErrNotExist) {
		p.logger.Warn("service directory does not exist, creating it")
		if err := os.MkdirAll(p.dir, 0o755); err != nil {
			return nil, fmt.Errorf("create service directory %s: %w", p.dir, err)
		}
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read service directory %s: %w", p.dir, err)
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	p.mu.Lock()
	defer p.mu.Unlock()

	var configs []ListenerConfig
	skipped := 0
	for _, e := range entries {
		if e.IsDir() || !IsServiceFile(e.Name()) {
			continue
		}
		path := filepath.Join(p.dir, e.Name())

		if info, err := e.Info(); err == nil {
			p.modTimes[path] = info.ModTime()
		}

		cfg, err := ParseFile(path)
		if err != nil {
			skipped++
			p.logger.Warn("skipping invalid service file", "path", path, "error", err)
			continue
		}
		if owner, dup := p.owners[cfg.Name]; dup {
			skipped++
			p.logger.Warn("skipping service file with duplicate name",
				"path", path, "name", cfg.Name, "owner", owner)
			continue
		}
		p.warnUnknownProtocol(cfg)
		p.names[path] = cfg.Name
		p.owners[cfg.Name] = path
		configs = append(configs, cfg)
	}

	p.logger.Info("service files loaded", "loaded", len(configs), "skipped", skipped)
	return configs, nil
}

// Run watches the directory until ctx is cancelled, delivering change
// records on [Provider.Changes]. The channel is closed on return.
func (p *Provider) Run(ctx context.Context) error {
	var pending sync.WaitGroup
	defer func() {
		pending.Wait()
		close(p.changes)
	}()

	if err := os.MkdirAll(p.dir, 0o755); err != nil {
		return fmt.Errorf("create service directory %s: %w", p.dir, err)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create file watcher: %w", err)
	}
	defer w.Close()

	if err := w.Add(p.dir); err != nil {
		return fmt.Errorf("watch %s: %w", p.dir, err)
	}
	p.logger.Info("watching service directory")

	for {
		select {
		case <-ctx.Done():
			return nil
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			p.logger.Warn("file watcher error", "error", err)
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if !IsServiceFile(ev.Name) {
				continue
			}
			p.logger.Log(ctx, slog.LevelDebug-4, "file event", "path", ev.Name, "op", ev.Op.String())

			switch {
			case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
				// A rename reports the old path; the new path arrives
				// separately as a create.
				p.emit(ctx, p.forget(ev.Name))
			case ev.Has(fsnotify.Create), ev.Has(fsnotify.Write), ev.Has(fsnotify.Chmod):
				path := ev.Name
				pending.Add(1)
				go func() {
					defer pending.Done()
					if !sleepCtx(ctx, p.opts.SettleDelay) {
						return
					}
					p.emit(ctx, p.reload(path))
				}()
			}
		}
	}
}

// reload re-reads path and returns the resulting change records.
func (p *Provider) reload(path string) []Change {
	info, err := os.Stat(path)
	if err != nil {
		// Removed between notification and settle; the remove event
		// handles it.
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	mod := info.ModTime()
	if last, seen := p.modTimes[path]; seen && absDuration(mod.Sub(last)) < p.opts.Debounce {
		p.logger.Debug("ignoring duplicate notification", "path", path)
		return nil
	}

	// A half-written file must not claim the modification time, or the
	// completed write inside the debounce window would be dropped.
	cfg, err := ParseFile(path)
	if err != nil {
		p.logger.Warn("ignoring invalid service file change", "path", path, "error", err)
		return nil
	}
	p.modTimes[path] = mod
	if owner, ok := p.owners[cfg.Name]; ok && owner != path {
		p.logger.Warn("ignoring service file with duplicate name",
			"path", path, "name", cfg.Name, "owner", owner)
		return nil
	}
	p.warnUnknownProtocol(cfg)

	var out []Change
	if old := p.names[path]; old != "" && old != cfg.Name {
		delete(p.owners, old)
		out = append(out, Change{Op: Removed, Name: old})
	}
	p.names[path] = cfg.Name
	p.owners[cfg.Name] = path

	p.logger.Info("service file changed", "path", path, "name", cfg.Name, "enabled", cfg.Enabled)
	return append(out, Change{Op: Changed, Name: cfg.Name, Config: cfg})
}

// forget drops path from the tables and returns its removal record.
func (p *Provider) forget(path string) []Change {
	p.mu.Lock()
	defer p.mu.Unlock()

	name, known := p.names[path]
	if !known {
		name = NameFromPath(path)
	}
	delete(p.modTimes, path)
	delete(p.names, path)

	if owner, ok := p.owners[name]; ok {
		if owner != path {
			// Another file owns this name; nothing to remove.
			return nil
		}
		delete(p.owners, name)
	}

	p.logger.Info("service file removed", "path", path, "name", name)
	return []Change{{Op: Removed, Name: name}}
}

func (p *Provider) emit(ctx context.Context, changes []Change) {
	for _, c := range changes {
		select {
		case p.changes <- c:
		case <-ctx.Done():
			return
		}
	}
}

func (p *Provider) warnUnknownProtocol(cfg ListenerConfig) {
	if cfg.UnknownProtocol != "" {
		p.logger.Warn("unknown protocol, using generic parser",
			"name", cfg.Name, "protocol", cfg.UnknownProtocol)
	}
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
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
