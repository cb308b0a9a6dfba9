// Package shutdown collects hooks that must run when the process exits, so
// that a peer can tell others it is leaving before the connection drops.
package shutdown

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/zeusync/docsync/internal/core/observability/log"
)

// HookID identifies a registered hook. The zero value is never issued.
type HookID uint64

type hook struct {
	id   HookID
	name string
	fn   func()
}

// Registry holds exit hooks. Hooks run once, most recent first.
type Registry struct {
	mu     sync.Mutex
	next   HookID
	hooks  []hook
	ran    bool
	logger log.Log
}

func NewRegistry(logger log.Log) *Registry {
	if logger == nil {
		logger = log.Provide()
	}
	return &Registry{logger: logger.With(log.String("component", "shutdown"))}
}

var (
	defaultOnce     sync.Once
	defaultRegistry *Registry
)

// Default returns the process-wide registry.
func Default() *Registry {
	defaultOnce.Do(func() { defaultRegistry = NewRegistry(nil) })
	return defaultRegistry
}

// Register adds fn. After Run it returns 0 and drops fn.
func (r *Registry) Register(name string, fn func()) HookID {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ran {
		return 0
	}
	r.next++
	r.hooks = append(r.hooks, hook{id: r.next, name: name, fn: fn})
	return r.next
}

// Deregister removes the hook with id; unknown ids are ignored.
func (r *Registry) Deregister(id HookID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, h := range r.hooks {
		if h.id == id {
			r.hooks = append(r.hooks[:i], r.hooks[i+1:]...)
			return
		}
	}
}

// Len returns the number of pending hooks.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.hooks)
}

// Run executes every hook once in reverse registration order. A panicking
// hook is logged and does not stop the others.
func (r *Registry) Run() {
	r.mu.Lock()
	if r.ran {
		r.mu.Unlock()
		return
	}
	r.ran = true
	hooks := r.hooks
	r.hooks = nil
	r.mu.Unlock()

	for i := len(hooks) - 1; i >= 0; i-- {
		r.call(hooks[i])
	}
}

func (r *Registry) call(h hook) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("Shutdown hook panicked", log.String("hook", h.name), log.Any("panic", p))
		}
	}()
	r.logger.Debug("Running shutdown hook", log.String("hook", h.name))
	h.fn()
}

// NotifyOnSignal runs registry when SIGINT or SIGTERM arrives. The returned
// context is cancelled afterwards, or when ctx is done.
func NotifyOnSignal(ctx context.Context, registry *Registry) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		defer signal.Stop(sigCh)
		select {
		case sig := <-sigCh:
			registry.logger.Info("Signal received", log.String("signal", sig.String()))
			registry.Run()
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}
