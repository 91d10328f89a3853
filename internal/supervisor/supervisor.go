// Package supervisor provides a supervision tree for managing multiple
// recording writers.
//
// The supervisor implements Erlang/OTP-style process supervision, backed by
// github.com/thejerf/suture/v4, providing:
//   - Automatic restart of failed services with the suture library's own
//     failure-rate backoff
//   - Graceful shutdown with timeout
//   - Dynamic service registration
//   - Health status reporting
//
// Example:
//
//	sup := supervisor.New(supervisor.Config{
//	    ShutdownTimeout: 10 * time.Second,
//	})
//
//	sup.Add(streamWriterService1)
//	sup.Add(streamWriterService2)
//
//	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
//	defer cancel()
//
//	if err := sup.Run(ctx); err != nil {
//	    log.Fatal(err)
//	}
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/thejerf/suture/v4"
)

// Service is the interface that supervised services must implement.
// Implementations should block until the context is cancelled or an error occurs.
type Service interface {
	// Run starts the service. It should block until ctx is cancelled or
	// the service encounters an unrecoverable error.
	Run(ctx context.Context) error

	// Name returns the service's identifier.
	Name() string
}

// ServiceState represents the current state of a supervised service.
type ServiceState int

const (
	ServiceStateIdle     ServiceState = iota // Not started
	ServiceStateRunning                      // Running normally
	ServiceStateStopping                     // Being stopped
	ServiceStateFailed                       // Failed, may restart
	ServiceStateStopped                      // Stopped, terminal
)

func (s ServiceState) String() string {
	switch s {
	case ServiceStateIdle:
		return "idle"
	case ServiceStateRunning:
		return "running"
	case ServiceStateStopping:
		return "stopping"
	case ServiceStateFailed:
		return "failed"
	case ServiceStateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("unknown(%d)", s)
	}
}

// ServiceStatus contains status information about a supervised service.
type ServiceStatus struct {
	Name      string
	State     ServiceState
	StartTime time.Time
	Uptime    time.Duration
	Restarts  int
	LastError error
}

// Config contains supervisor configuration.
type Config struct {
	// Name identifies this supervision tree; surfaced in suture's own
	// event log lines. Defaults to "streamrecorder".
	Name string

	// ShutdownTimeout is the maximum time to wait for services to stop
	// gracefully, and the per-service Remove timeout. Default: 10 seconds.
	ShutdownTimeout time.Duration

	// Logger is optional; if set, supervisor and service lifecycle events
	// are logged here.
	Logger *slog.Logger

	// RestartDelay is the initial delay suture waits before restarting a
	// failed service once its failure rate crosses the library's internal
	// threshold. Default: 1 second.
	RestartDelay time.Duration

	// MaxRestartDelay is stored with the configuration but is not passed to
	// suture, so it does not affect restart timing. Default: 5 minutes.
	MaxRestartDelay time.Duration

	// RestartMultiplier is stored with the configuration but is not passed
	// to suture, so it does not affect flapping detection. Default: 2.0.
	RestartMultiplier float64
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		ShutdownTimeout:   10 * time.Second,
		RestartDelay:      1 * time.Second,
		MaxRestartDelay:   5 * time.Minute,
		RestartMultiplier: 2.0,
	}
}

// Supervisor manages a collection of services atop a suture.Supervisor,
// tracking per-service state/restart/error bookkeeping that suture itself
// doesn't expose.
type Supervisor struct {
	cfg    Config
	suture *suture.Supervisor

	mu      sync.RWMutex
	entries map[string]*serviceEntry
	tokens  map[string]suture.ServiceToken
	running bool
}

// serviceEntry tracks a single service's observed lifecycle.
type serviceEntry struct {
	mu        sync.Mutex
	service   Service
	state     ServiceState
	startTime time.Time
	restarts  int
	lastError error
}

// New creates a new Supervisor with the given configuration.
func New(cfg Config) *Supervisor {
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	if cfg.RestartDelay == 0 {
		cfg.RestartDelay = 1 * time.Second
	}
	if cfg.MaxRestartDelay == 0 {
		cfg.MaxRestartDelay = 5 * time.Minute
	}
	if cfg.RestartMultiplier == 0 {
		cfg.RestartMultiplier = 2.0
	}

	name := cfg.Name
	if name == "" {
		name = "streamrecorder"
	}

	s := &Supervisor{
		cfg:     cfg,
		entries: make(map[string]*serviceEntry),
		tokens:  make(map[string]suture.ServiceToken),
	}

	spec := suture.Spec{
		Timeout:        cfg.ShutdownTimeout,
		FailureBackoff: cfg.RestartDelay,
	}
	if cfg.Logger != nil {
		spec.EventHook = s.onSutureEvent
	}
	s.suture = suture.New(name, spec)

	return s
}

func (s *Supervisor) onSutureEvent(ev suture.Event) {
	s.cfg.Logger.Info("supervisor event", "event", ev.String())
}

// Add registers a service with the supervisor.
// If the supervisor is already running, the service is started immediately.
// Returns an error if a service with the same name already exists.
func (s *Supervisor) Add(svc Service) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	name := svc.Name()
	if _, exists := s.entries[name]; exists {
		return fmt.Errorf("service %q already registered", name)
	}

	entry := &serviceEntry{
		service: svc,
		state:   ServiceStateIdle,
	}
	s.entries[name] = entry
	token := s.suture.Add(&serviceAdapter{entry: entry, sup: s})
	s.tokens[name] = token

	if s.cfg.Logger != nil {
		s.cfg.Logger.Info("added service", "service", name)
	}

	return nil
}

// Remove unregisters and stops a service.
// Blocks until the service has stopped (up to ShutdownTimeout).
func (s *Supervisor) Remove(name string) error {
	s.mu.Lock()
	token, exists := s.tokens[name]
	if !exists {
		s.mu.Unlock()
		return fmt.Errorf("service %q not found", name)
	}
	delete(s.tokens, name)
	delete(s.entries, name)
	s.mu.Unlock()

	if err := s.suture.RemoveAndWait(token, s.cfg.ShutdownTimeout); err != nil {
		return fmt.Errorf("remove service %q: %w", name, err)
	}

	if s.cfg.Logger != nil {
		s.cfg.Logger.Info("removed service", "service", name)
	}
	return nil
}

// Status returns the current status of all services.
func (s *Supervisor) Status() []ServiceStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := time.Now()
	result := make([]ServiceStatus, 0, len(s.entries))

	for name, entry := range s.entries {
		entry.mu.Lock()
		var uptime time.Duration
		if !entry.startTime.IsZero() && entry.state == ServiceStateRunning {
			uptime = now.Sub(entry.startTime)
		}
		result = append(result, ServiceStatus{
			Name:      name,
			State:     entry.state,
			StartTime: entry.startTime,
			Uptime:    uptime,
			Restarts:  entry.restarts,
			LastError: entry.lastError,
		})
		entry.mu.Unlock()
	}

	return result
}

// ServiceCount returns the number of registered services.
func (s *Supervisor) ServiceCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Run starts all registered services and blocks until ctx is cancelled.
// When ctx is cancelled, all services are stopped gracefully.
func (s *Supervisor) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.New("supervisor already running")
	}
	s.running = true
	s.mu.Unlock()

	if s.cfg.Logger != nil {
		s.cfg.Logger.Info("supervisor started", "services", s.ServiceCount())
	}

	err := s.suture.Serve(ctx)

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()

	if s.cfg.Logger != nil {
		s.cfg.Logger.Info("supervisor stopped", "err", err)
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// serviceAdapter bridges a Service to suture.Service, tracking state,
// restart count, and last error on the owning entry across invocations.
// suture calls Serve again on failure according to its own failure-rate
// policy, so each invocation after the first is counted as a restart.
type serviceAdapter struct {
	entry *serviceEntry
	sup   *Supervisor
}

func (a *serviceAdapter) Serve(ctx context.Context) error {
	e := a.entry

	e.mu.Lock()
	if !e.startTime.IsZero() {
		e.restarts++
	}
	e.state = ServiceStateRunning
	e.startTime = time.Now()
	e.mu.Unlock()

	err := e.service.Run(ctx)

	e.mu.Lock()
	if ctx.Err() != nil {
		e.state = ServiceStateStopped
	} else {
		e.state = ServiceStateFailed
		e.lastError = err
	}
	e.mu.Unlock()

	if a.sup.cfg.Logger != nil {
		a.sup.cfg.Logger.Info("service exited", "service", e.service.Name(), "err", err)
	}

	return err
}

// String names this service in suture's own event log lines.
func (a *serviceAdapter) String() string {
	return a.entry.service.Name()
}
