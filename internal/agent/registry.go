// ABOUTME: Named registry of engines selectable from configuration
// ABOUTME: Lets the CLI resolve agent.engine to a concrete implementation

package agent

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// ErrEngineAlreadyRegistered indicates an engine with the same name exists.
var ErrEngineAlreadyRegistered = errors.New("engine already registered")

// ErrEngineNotFound indicates no engine is registered under the name.
var ErrEngineNotFound = errors.New("engine not found")

// Registry maps engine names to implementations.
type Registry struct {
	engines map[string]Engine
	mu      sync.RWMutex
	logger  *slog.Logger
}

// NewRegistry creates an empty registry. Pass nil logger for default.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		engines: make(map[string]Engine),
		logger:  logger.With("component", "agent"),
	}
}

// Register adds an engine under name.
// Returns ErrEngineAlreadyRegistered if the name is taken.
func (r *Registry) Register(name string, engine Engine) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.engines[name]; exists {
		return fmt.Errorf("%w: %s", ErrEngineAlreadyRegistered, name)
	}
	r.engines[name] = engine
	r.logger.Debug("engine registered", "engine", name, "total_engines", len(r.engines))
	return nil
}

// Get returns the engine registered under name.
func (r *Registry) Get(name string) (Engine, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	engine, ok := r.engines[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrEngineNotFound, name)
	}
	return engine, nil
}

// Names lists registered engines in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.engines))
	for name := range r.engines {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
