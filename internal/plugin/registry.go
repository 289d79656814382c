package plugin

import (
	"fmt"
	"slices"
	"sync"

	"github.com/samcharles93/mhattn/internal/logger"
)

// Registry maps creator names to creators. The zero value is not usable; use
// NewRegistry.
type Registry struct {
	mu       sync.RWMutex
	creators map[string]Creator
	log      logger.Logger
}

// NewRegistry returns an empty registry.
func NewRegistry(log logger.Logger) *Registry {
	return &Registry{
		creators: make(map[string]Creator),
		log:      logger.OrDiscard(log).With("component", "plugin"),
	}
}

// NewDefaultRegistry returns a registry holding the attention and layer
// normalization creators.
func NewDefaultRegistry(log logger.Logger) *Registry {
	r := NewRegistry(log)
	for _, c := range []Creator{NewAttentionCreator(log), NewLayerNormCreator(log)} {
		if err := r.Register(c); err != nil {
			panic(err)
		}
	}
	return r
}

// Register adds c. Registering a second creator under the same name fails.
func (r *Registry) Register(c Creator) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.creators[c.Name()]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicate, c.Name())
	}
	r.creators[c.Name()] = c
	r.log.Debug("registered plugin", "name", c.Name(), "version", c.Version())
	return nil
}

// Creator returns the creator registered under name.
func (r *Registry) Creator(name string) (Creator, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.creators[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknown, name)
	}
	return c, nil
}

// Names lists the registered creators in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.creators))
	for n := range r.creators {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

// Create builds a plugin named layerName with the creator called name.
func (r *Registry) Create(name, layerName string, fields []Field) (Plugin, error) {
	c, err := r.Creator(name)
	if err != nil {
		return nil, err
	}
	return c.Create(layerName, fields)
}

// Deserialize rebuilds a plugin from the descriptor MarshalBinary returned.
func (r *Registry) Deserialize(name, layerName string, data []byte) (Plugin, error) {
	c, err := r.Creator(name)
	if err != nil {
		return nil, err
	}
	return c.Deserialize(layerName, data)
}
