package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"
)

// DefaultServiceTimeout bounds a single Start or Stop call
const DefaultServiceTimeout = 30 * time.Second

// DefaultLifecycleManager implements the LifecycleManager interface
type DefaultLifecycleManager struct {
	// services holds all registered services
	services map[string]Service

	// dependencies tracks service dependencies
	dependencies map[string][]string

	// startOrder tracks the order services were started
	startOrder []string

	logger *slog.Logger

	// mutex protects concurrent access
	mutex sync.RWMutex

	// started indicates if the lifecycle manager has been started
	started bool

	// stopping indicates if the lifecycle manager is shutting down
	stopping bool

	// eventChan for broadcasting lifecycle events
	eventChan chan LifecycleEvent

	// listeners for lifecycle events
	listeners []func(LifecycleEvent)

	// timeout for service operations
	timeout time.Duration
}

// NewLifecycleManager creates a new lifecycle manager. A nil logger means
// slog.Default().
func NewLifecycleManager(logger *slog.Logger) *DefaultLifecycleManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &DefaultLifecycleManager{
		services:     make(map[string]Service),
		dependencies: make(map[string][]string),
		logger:       logger,
		eventChan:    make(chan LifecycleEvent, 100),
		timeout:      DefaultServiceTimeout,
	}
}

// Register registers a service with the lifecycle manager
func (lm *DefaultLifecycleManager) Register(name string, service Service, deps ...string) error {
	if name == "" {
		return fmt.Errorf("service name cannot be empty")
	}
	if service == nil {
		return fmt.Errorf("service cannot be nil")
	}

	lm.mutex.Lock()
	defer lm.mutex.Unlock()

	if lm.started {
		return fmt.Errorf("cannot register service %s: lifecycle manager already started", name)
	}
	if _, exists := lm.services[name]; exists {
		return fmt.Errorf("service %s is already registered", name)
	}

	lm.services[name] = service
	lm.dependencies[name] = slices.Clone(deps)

	lm.broadcastEvent(LifecycleEvent{
		Type:    EventServiceRegistered,
		Service: name,
		Data:    map[string]any{"dependencies": deps},
	})
	return nil
}

// Start starts all services in dependency order. When a service fails the
// services started before it are stopped again.
func (lm *DefaultLifecycleManager) Start(ctx context.Context) error {
	lm.mutex.Lock()
	defer lm.mutex.Unlock()

	if lm.started {
		return fmt.Errorf("lifecycle manager already started")
	}

	startOrder, err := lm.calculateStartOrder()
	if err != nil {
		return fmt.Errorf("failed to calculate start order: %w", err)
	}

	lm.broadcastEvent(LifecycleEvent{
		Type: EventLifecycleStarting,
		Data: map[string]any{"order": startOrder},
	})

	for _, name := range startOrder {
		service := lm.services[name]
		lm.broadcastEvent(LifecycleEvent{Type: EventServiceStarting, Service: name})

		startCtx, cancel := context.WithTimeout(ctx, lm.timeout)
		err := service.Start(startCtx)
		cancel()

		if err != nil {
			lm.broadcastEvent(LifecycleEvent{Type: EventServiceStartFailed, Service: name, Error: err})
			if rerr := lm.stopStarted(ctx); rerr != nil {
				lm.logger.Warn("rollback after failed start", "service", name, "error", rerr)
			}
			return &ApplicationError{Operation: "start", Service: name, Err: err}
		}

		lm.startOrder = append(lm.startOrder, name)
		lm.broadcastEvent(LifecycleEvent{Type: EventServiceStarted, Service: name})
	}

	lm.started = true
	lm.broadcastEvent(LifecycleEvent{Type: EventLifecycleStarted})
	return nil
}

// Stop stops all services in reverse dependency order
func (lm *DefaultLifecycleManager) Stop(ctx context.Context) error {
	lm.mutex.Lock()
	defer lm.mutex.Unlock()

	if !lm.started {
		return nil
	}
	if lm.stopping {
		return fmt.Errorf("lifecycle manager already stopping")
	}

	lm.stopping = true
	lm.broadcastEvent(LifecycleEvent{Type: EventLifecycleStopping})

	err := lm.stopStarted(ctx)

	lm.started = false
	lm.stopping = false
	lm.broadcastEvent(LifecycleEvent{Type: EventLifecycleStopped})
	return err
}

// stopStarted stops the started services newest first. Callers hold the
// mutex.
func (lm *DefaultLifecycleManager) stopStarted(ctx context.Context) error {
	var errs []error
	for i := len(lm.startOrder) - 1; i >= 0; i-- {
		name := lm.startOrder[i]
		lm.broadcastEvent(LifecycleEvent{Type: EventServiceStopping, Service: name})

		stopCtx, cancel := context.WithTimeout(ctx, lm.timeout)
		err := lm.services[name].Stop(stopCtx)
		cancel()

		if err != nil {
			errs = append(errs, &ApplicationError{Operation: "stop", Service: name, Err: err})
			lm.broadcastEvent(LifecycleEvent{Type: EventServiceStopFailed, Service: name, Error: err})
			continue
		}
		lm.broadcastEvent(LifecycleEvent{Type: EventServiceStopped, Service: name})
	}
	lm.startOrder = nil
	return errors.Join(errs...)
}

// Health returns the health status of all services
func (lm *DefaultLifecycleManager) Health(ctx context.Context) (map[string]HealthStatus, error) {
	lm.mutex.RLock()
	defer lm.mutex.RUnlock()

	health := make(map[string]HealthStatus, len(lm.services))
	for name, service := range lm.services {
		healthCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		status, err := service.Health(healthCtx)
		cancel()

		if err != nil {
			status = HealthStatus{State: HealthUnhealthy, Message: err.Error()}
		}
		if status.LastCheck.IsZero() {
			status.LastCheck = time.Now()
		}
		health[name] = status
	}
	return health, nil
}

// Services returns all registered service names
func (lm *DefaultLifecycleManager) Services() []string {
	lm.mutex.RLock()
	defer lm.mutex.RUnlock()

	names := make([]string, 0, len(lm.services))
	for name := range lm.services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Events returns a channel for lifecycle events
func (lm *DefaultLifecycleManager) Events() <-chan LifecycleEvent {
	return lm.eventChan
}

// AddListener adds a lifecycle event listener
func (lm *DefaultLifecycleManager) AddListener(listener func(LifecycleEvent)) {
	lm.mutex.Lock()
	defer lm.mutex.Unlock()

	lm.listeners = append(lm.listeners, listener)
}

// calculateStartOrder orders services so that dependencies start first
// (Kahn's algorithm). Ties are broken by name.
func (lm *DefaultLifecycleManager) calculateStartOrder() ([]string, error) {
	inDegree := make(map[string]int, len(lm.services))
	graph := make(map[string][]string, len(lm.services))

	for service := range lm.services {
		inDegree[service] = 0
	}
	for service, deps := range lm.dependencies {
		for _, dep := range deps {
			if _, exists := lm.services[dep]; !exists {
				return nil, fmt.Errorf("dependency %s of service %s is not registered", dep, service)
			}
			graph[dep] = append(graph[dep], service)
			inDegree[service]++
		}
	}

	var queue []string
	for service, degree := range inDegree {
		if degree == 0 {
			queue = append(queue, service)
		}
	}
	sort.Strings(queue)

	result := make([]string, 0, len(lm.services))
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		result = append(result, current)

		next := graph[current]
		sort.Strings(next)
		for _, dependent := range next {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				queue = append(queue, dependent)
			}
		}
	}

	if len(result) != len(lm.services) {
		return nil, fmt.Errorf("circular dependency detected")
	}
	return result, nil
}

// broadcastEvent sends event to the channel without blocking and to every
// listener. Callers hold the mutex.
func (lm *DefaultLifecycleManager) broadcastEvent(event LifecycleEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case lm.eventChan <- event:
	default:
	}

	for _, listener := range lm.listeners {
		go func(l func(LifecycleEvent)) {
			defer func() {
				if r := recover(); r != nil {
					lm.logger.Error("lifecycle listener panicked", "event", event.Type, "panic", r)
				}
			}()
			l(event)
		}(listener)
	}
}

// SetTimeout sets the timeout for service operations
func (lm *DefaultLifecycleManager) SetTimeout(timeout time.Duration) {
	lm.mutex.Lock()
	defer lm.mutex.Unlock()

	lm.timeout = timeout
}

// IsStarted returns true if the lifecycle manager has been started
func (lm *DefaultLifecycleManager) IsStarted() bool {
	lm.mutex.RLock()
	defer lm.mutex.RUnlock()

	return lm.started
}

// GetService returns a registered service by name
func (lm *DefaultLifecycleManager) GetService(name string) (Service, bool) {
	lm.mutex.RLock()
	defer lm.mutex.RUnlock()

	service, exists := lm.services[name]
	return service, exists
}

// GetDependencies returns a copy of the dependencies of a service
func (lm *DefaultLifecycleManager) GetDependencies(name string) ([]string, bool) {
	lm.mutex.RLock()
	defer lm.mutex.RUnlock()

	deps, exists := lm.dependencies[name]
	if !exists {
		return nil, false
	}
	return slices.Clone(deps), true
}
