// Package registry maps connector type names to factories. Built-in
// connectors register themselves from init, so importing a connector
// package is enough to make its type available.
package registry

import (
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/tabulify/tabulify/pkg/connector/core"
	"github.com/tabulify/tabulify/pkg/errors"
	"github.com/tabulify/tabulify/pkg/logger"
)

// Options is the raw option map of a connector instance, as found in a flow
// document.
type Options map[string]interface{}

// Factory creates a named connector instance from its options.
type Factory func(name string, opts Options) (core.Connector, error)

// Registry manages connector registration and instantiation
type Registry struct {
	factories map[string]Factory
	mu        sync.RWMutex
	logger    *zap.Logger
}

// Global registry instance
var globalRegistry = NewRegistry()

// NewRegistry creates a new connector registry
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
		logger:    logger.Get().With(zap.String("component", "connector_registry")),
	}
}

// Register registers a connector factory under a type name
func (r *Registry) Register(connectorType string, factory Factory) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[connectorType]; exists {
		return errors.New(errors.ErrorTypeConfig, fmt.Sprintf("connector type %s already registered", connectorType))
	}

	r.factories[connectorType] = factory
	r.logger.Debug("connector type registered", zap.String("type", connectorType))
	return nil
}

// MustRegister is Register for init functions; it panics on duplicates.
func (r *Registry) MustRegister(connectorType string, factory Factory) {
	if err := r.Register(connectorType, factory); err != nil {
		panic(err)
	}
}

// Create creates a connector instance. The connector is returned closed.
func (r *Registry) Create(connectorType, name string, opts Options) (core.Connector, error) {
	r.mu.RLock()
	factory, exists := r.factories[connectorType]
	r.mu.RUnlock()

	if !exists {
		return nil, errors.New(errors.ErrorTypeConfig, fmt.Sprintf("connector type %s not found", connectorType)).
			WithDetail("known", r.List())
	}

	if opts == nil {
		opts = Options{}
	}
	c, err := factory(name, opts)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, fmt.Sprintf("failed to create connector %s of type %s", name, connectorType))
	}
	return c, nil
}

// List returns the registered type names, sorted
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Has checks if a connector type is registered
func (r *Registry) Has(connectorType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.factories[connectorType]
	return exists
}

// Clear removes all registered connectors (mainly for testing)
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories = make(map[string]Factory)
}

// Global registry functions

// Register registers a connector factory in the global registry
func Register(connectorType string, factory Factory) error {
	return globalRegistry.Register(connectorType, factory)
}

// MustRegister registers a connector factory in the global registry or panics
func MustRegister(connectorType string, factory Factory) {
	globalRegistry.MustRegister(connectorType, factory)
}

// Create creates a connector from the global registry
func Create(connectorType, name string, opts Options) (core.Connector, error) {
	return globalRegistry.Create(connectorType, name, opts)
}

// List returns registered types from the global registry
func List() []string {
	return globalRegistry.List()
}

// Has checks if a type is registered in the global registry
func Has(connectorType string) bool {
	return globalRegistry.Has(connectorType)
}

// GetRegistry returns the global registry instance.
func GetRegistry() *Registry {
	return globalRegistry
}
