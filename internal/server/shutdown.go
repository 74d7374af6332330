package server

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"
)

// ShutdownHandler runs registered hooks in priority order once a signal arrives or
// Shutdown is called.
type ShutdownHandler struct {
	mu           sync.Mutex
	hooks        []ShutdownHook
	timeout      time.Duration
	signals      []os.Signal
	logger       *slog.Logger
	shutdownCh   chan struct{}
	stoppingCh   chan struct{}
	doneCh       chan struct{}
	started      bool
	shutdownOnce sync.Once
	stoppingOnce sync.Once
	doneOnce     sync.Once
}

// ShutdownHook is a function called during shutdown.
type ShutdownHook struct {
	Name     string
	Priority int // Lower priority runs first
	Fn       func(ctx context.Context) error
}

// ShutdownConfig configures the shutdown handler.
type ShutdownConfig struct {
	// Timeout for graceful shutdown (default: 30s)
	Timeout time.Duration
	// Signals to listen for (default: SIGTERM, SIGINT)
	Signals []os.Signal
	Logger  *slog.Logger
}

// DefaultShutdownConfig returns default configuration.
func DefaultShutdownConfig() *ShutdownConfig {
	return &ShutdownConfig{
		Timeout: 30 * time.Second,
		Signals: []os.Signal{syscall.SIGTERM, syscall.SIGINT},
	}
}

// NewShutdownHandler creates a new shutdown handler.
func NewShutdownHandler(config *ShutdownConfig) *ShutdownHandler {
	def := DefaultShutdownConfig()
	if config == nil {
		config = def
	}
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = def.Timeout
	}
	signals := config.Signals
	if len(signals) == 0 {
		signals = def.Signals
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &ShutdownHandler{
		timeout:    timeout,
		signals:    signals,
		logger:     logger,
		shutdownCh: make(chan struct{}),
		stoppingCh: make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
}

// RegisterHook adds a shutdown hook. Hooks with equal priority run in registration order.
func (s *ShutdownHandler) RegisterHook(name string, priority int, fn func(ctx context.Context) error) {
	s.Add(ShutdownHook{Name: name, Priority: priority, Fn: fn})
}

// Add registers a prebuilt hook.
func (s *ShutdownHandler) Add(hook ShutdownHook) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.hooks = append(s.hooks, hook)
	sort.SliceStable(s.hooks, func(i, j int) bool {
		return s.hooks[i].Priority < s.hooks[j].Priority
	})
}

// Start begins listening for shutdown signals.
func (s *ShutdownHandler) Start() {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, s.signals...)

	go func() {
		select {
		case sig := <-sigCh:
			signal.Stop(sigCh)
			s.shutdown(sig)
		case <-s.shutdownCh:
			signal.Stop(sigCh)
			s.shutdown(nil)
		}
	}()
}

// Shutdown triggers a manual shutdown. It is a no-op before Start.
func (s *ShutdownHandler) Shutdown() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	s.shutdownOnce.Do(func() {
		close(s.shutdownCh)
	})
}

// Wait blocks until shutdown is complete.
func (s *ShutdownHandler) Wait() {
	<-s.doneCh
}

// WaitWithTimeout blocks until shutdown is complete or timeout.
func (s *ShutdownHandler) WaitWithTimeout(timeout time.Duration) bool {
	select {
	case <-s.doneCh:
		return true
	case <-time.After(timeout):
		return false
	}
}

// Done returns a channel that closes when shutdown is complete.
func (s *ShutdownHandler) Done() <-chan struct{} {
	return s.doneCh
}

// Stopping returns a channel that closes when shutdown starts, whatever triggered it.
func (s *ShutdownHandler) Stopping() <-chan struct{} {
	return s.stoppingCh
}

func (s *ShutdownHandler) shutdown(sig os.Signal) {
	s.stoppingOnce.Do(func() { close(s.stoppingCh) })
	if sig != nil {
		s.logger.Info("Shutdown signal received", "signal", sig.String())
	} else {
		s.logger.Info("Shutdown requested")
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	s.mu.Lock()
	hooks := make([]ShutdownHook, len(s.hooks))
	copy(hooks, s.hooks)
	s.mu.Unlock()

	for _, hook := range hooks {
		start := time.Now()
		if err := hook.Fn(ctx); err != nil {
			s.logger.Error("Shutdown hook failed", "hook", hook.Name, "error", err)
			continue
		}
		s.logger.Debug("Shutdown hook finished", "hook", hook.Name, "duration", time.Since(start))
	}

	s.doneOnce.Do(func() {
		close(s.doneCh)
	})
}

// HTTPServerShutdownHook stops accepting connections and drains in-flight requests.
func HTTPServerShutdownHook(name string, shutdownFn func(ctx context.Context) error) ShutdownHook {
	return ShutdownHook{
		Name:     name,
		Priority: 10,
		Fn:       shutdownFn,
	}
}

// TracingShutdownHook flushes pending spans after the servers have drained.
func TracingShutdownHook(shutdownFn func(ctx context.Context) error) ShutdownHook {
	return ShutdownHook{
		Name:     "tracing",
		Priority: 80,
		Fn:       shutdownFn,
	}
}

// GracefulServer combines health checks with shutdown handling.
type GracefulServer struct {
	Health   *HealthServer
	Shutdown *ShutdownHandler
}

// NewGracefulServer creates health checks and a shutdown handler that flips readiness off
// as soon as shutdown begins.
func NewGracefulServer(healthConfig *HealthConfig, shutdownConfig *ShutdownConfig) *GracefulServer {
	health := NewHealthServer(healthConfig)
	shutdown := NewShutdownHandler(shutdownConfig)

	shutdown.RegisterHook("readiness", 0, func(ctx context.Context) error {
		health.SetReady(false)
		return nil
	})

	return &GracefulServer{
		Health:   health,
		Shutdown: shutdown,
	}
}

// Start listens for signals and marks the server ready.
func (g *GracefulServer) Start() {
	g.Shutdown.Start()
	g.Health.SetReady(true)
}

// RegisterHook adds a shutdown hook.
func (g *GracefulServer) RegisterHook(name string, priority int, fn func(ctx context.Context) error) {
	g.Shutdown.RegisterHook(name, priority, fn)
}
