package observability

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
)

// ShutdownFunc releases one resource during shutdown.
type ShutdownFunc func(context.Context) error

type shutdownHook struct {
	name string
	fn   ShutdownFunc
}

// ShutdownManager drains the API server and tears down registered
// resources when the process receives SIGINT or SIGTERM. Hooks run one at
// a time in registration order, so register dependents before the stores
// they depend on.
type ShutdownManager struct {
	logger  *Logger
	server  *http.Server
	timeout time.Duration

	mu    sync.Mutex
	hooks []shutdownHook

	stop     chan struct{}
	stopOnce sync.Once
}

// NewShutdownManager wraps server with signal-driven teardown. The
// timeout bounds the whole shutdown sequence; zero means 30 seconds.
// Server may be nil for worker processes without a listener.
func NewShutdownManager(logger *Logger, server *http.Server, timeout time.Duration) *ShutdownManager {
	if logger == nil {
		logger = NewLogger(InfoLevel, nil)
	}
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &ShutdownManager{
		logger:  logger,
		server:  server,
		timeout: timeout,
		stop:    make(chan struct{}),
	}
}

// OnShutdown registers fn to run during shutdown. The name labels log
// entries for the hook.
func (sm *ShutdownManager) OnShutdown(name string, fn ShutdownFunc) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.hooks = append(sm.hooks, shutdownHook{name: name, fn: fn})
}

// Stop triggers shutdown without a signal. Safe to call more than once.
func (sm *ShutdownManager) Stop() {
	sm.stopOnce.Do(func() { close(sm.stop) })
}

// WaitForShutdown blocks until SIGINT, SIGTERM or Stop, then drains the
// server and runs the registered hooks.
func (sm *ShutdownManager) WaitForShutdown() error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		sm.logger.WithField("signal", sig.String()).Info("shutting down")
	case <-sm.stop:
		sm.logger.Info("shutting down")
	}

	ctx, cancel := context.WithTimeout(context.Background(), sm.timeout)
	defer cancel()
	return sm.drain(ctx)
}

// drain stops the listener first so no new requests arrive while the
// hooks tear down what the handlers use.
func (sm *ShutdownManager) drain(ctx context.Context) error {
	var failed int
	if sm.server != nil {
		if err := sm.server.Shutdown(ctx); err != nil {
			sm.logger.WithError(err).Error("server shutdown failed")
			failed++
		}
	}

	sm.mu.Lock()
	hooks := append([]shutdownHook(nil), sm.hooks...)
	sm.mu.Unlock()

	for _, h := range hooks {
		if ctx.Err() != nil {
			return fmt.Errorf("shutdown window expired before %q ran", h.name)
		}
		if err := h.fn(ctx); err != nil {
			sm.logger.WithError(err).WithField("hook", h.name).
				Error("shutdown hook failed")
			failed++
		}
	}

	if failed > 0 {
		return fmt.Errorf("shutdown finished with %d failures", failed)
	}
	sm.logger.Info("shutdown complete")
	return nil
}
