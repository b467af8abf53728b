package honeypot

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/nugget/mirage/internal/connwatch"
	"github.com/nugget/mirage/internal/events"
	"github.com/nugget/mirage/internal/servicecfg"
)

// instance is one running simulated service.
type instance struct {
	cfg    servicecfg.ListenerConfig
	deps   Deps
	opts   Options
	logger *slog.Logger

	gate   *semaphore.Weighted
	cancel context.CancelFunc
	done   chan struct{} // closed once the accept loop and every handler have returned

	handlers  sync.WaitGroup
	active    atomic.Int64
	accepted  atomic.Int64
	startedAt time.Time

	mu      sync.Mutex
	addr    string // bound address, empty until bound
	lastErr error
}

// startInstance launches cfg on its own goroutine. The instance lives
// until parent is cancelled or stop is called.
func startInstance(parent context.Context, cfg servicecfg.ListenerConfig, deps Deps, opts Options) *instance {
	ctx, cancel := context.WithCancel(parent)
	in := &instance{
		cfg:       cfg,
		deps:      deps,
		opts:      opts,
		logger:    deps.Logger.With("listener", cfg.Name, "protocol", string(cfg.Protocol)),
		gate:      semaphore.NewWeighted(int64(cfg.MaxConcurrentConnections)),
		cancel:    cancel,
		done:      make(chan struct{}),
		startedAt: time.Now(),
	}
	go in.run(ctx)
	return in
}

// stop cancels the instance and waits for its handlers to unwind.
func (in *instance) stop() {
	in.cancel()
	<-in.done
}

func (in *instance) run(ctx context.Context) {
	defer close(in.done)
	defer in.handlers.Wait()

	ln := in.bind(ctx)
	if ln == nil {
		return
	}

	in.logger.Info("listener started", "address", ln.Addr().String(),
		"max_connections", in.cfg.MaxConcurrentConnections,
		"conversation", in.cfg.EnableConversation)
	in.deps.Bus.Emit(events.SourceListener, events.KindStarted, map[string]any{
		"listener": in.cfg.Name,
		"address":  ln.Addr().String(),
		"protocol": string(in.cfg.Protocol),
	})

	in.serve(ctx, ln)

	in.logger.Info("listener stopped", "accepted", in.accepted.Load())
	in.deps.Bus.Emit(events.SourceListener, events.KindStopped, map[string]any{
		"listener": in.cfg.Name,
		"accepted": in.accepted.Load(),
	})
}

// bind listens on the configured address, retrying with backoff until
// it succeeds or ctx is cancelled (nil is returned then).
func (in *instance) bind(ctx context.Context) *net.TCPListener {
	backoff := connwatch.NewBackoff(in.opts.BindRetryInitial, in.opts.BindRetryMax, 2)
	var lc net.ListenConfig

	for {
		ln, err := lc.Listen(ctx, "tcp", in.cfg.Addr())
		if err == nil {
			tcp, ok := ln.(*net.TCPListener)
			if ok {
				in.setBound(tcp.Addr().String(), nil)
				return tcp
			}
			ln.Close()
			err = errors.New("listener is not TCP")
		}
		if ctx.Err() != nil {
			return nil
		}

		delay := backoff.Next()
		in.setBound("", err)
		in.logger.Warn("listener bind failed, retrying",
			"address", in.cfg.Addr(), "error", err, "retry_in", delay)
		in.deps.Bus.Emit(events.SourceListener, events.KindBindFailed, map[string]any{
			"listener": in.cfg.Name,
			"address":  in.cfg.Addr(),
			"error":    err.Error(),
			"retry_ms": delay.Milliseconds(),
		})
		if !sleepCtx(ctx, delay) {
			return nil
		}
	}
}

// serve runs the accept loop. The gate is acquired before accepting, so
// a listener at its ceiling leaves new connections in the kernel
// backlog until a handler finishes.
func (in *instance) serve(ctx context.Context, ln *net.TCPListener) {
	defer func() {
		ln.Close()
		in.setBound("", nil)
	}()

	for {
		if err := in.gate.Acquire(ctx, 1); err != nil {
			return
		}

		conn, err := in.accept(ctx, ln)
		if err != nil {
			in.gate.Release(1)
			if ctx.Err() != nil {
				return
			}
			in.logger.Warn("accept failed", "error", err)
			if !sleepCtx(ctx, in.opts.AcceptBackoff) {
				return
			}
			continue
		}

		in.accepted.Add(1)
		in.handlers.Add(1)
		go func() {
			defer in.handlers.Done()
			defer in.gate.Release(1)
			in.handle(ctx, conn)
		}()
	}
}

// accept polls ln with a short deadline so cancellation is noticed
// promptly.
func (in *instance) accept(ctx context.Context, ln *net.TCPListener) (net.Conn, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := ln.SetDeadline(time.Now().Add(in.opts.AcceptPoll)); err != nil {
			return nil, err
		}
		conn, err := ln.Accept()
		if err == nil {
			return conn, nil
		}
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			continue
		}
		return nil, err
	}
}

func (in *instance) setBound(addr string, err error) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.addr = addr
	if err != nil || addr != "" {
		in.lastErr = err
	}
}

func (in *instance) status() ListenerStatus {
	in.mu.Lock()
	addr, lastErr := in.addr, in.lastErr
	in.mu.Unlock()

	st := ListenerStatus{
		Name:              in.cfg.Name,
		Protocol:          string(in.cfg.Protocol),
		ConfiguredAddress: in.cfg.Addr(),
		Address:           addr,
		Bound:             addr != "",
		MaxConnections:    in.cfg.MaxConcurrentConnections,
		Conversation:      in.cfg.EnableConversation,
		Active:            in.active.Load(),
		Accepted:          in.accepted.Load(),
		StartedAt:         in.startedAt,
		SourcePath:        in.cfg.SourcePath,
	}
	if lastErr != nil {
		st.LastError = lastErr.Error()
	}
	return st
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
