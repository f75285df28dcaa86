package object

import (
	"encoding/json"
	"fmt"
	"sync"
)

// Factory returns a new pointer value to decode a payload into.
type Factory func() Object

// Registry maps type tags to payload factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register binds tag to factory, replacing any earlier binding.
func (r *Registry) Register(tag string, factory Factory) error {
	if tag == "" || factory == nil {
		return ErrInvalidType
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[tag] = factory
	return nil
}

// Known reports whether tag has a factory.
func (r *Registry) Known(tag string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[tag]
	return ok
}

// Decode builds the typed object carried by envelope.
func (r *Registry) Decode(envelope Envelope) (Object, error) {
	r.mu.RLock()
	factory := r.factories[envelope.Type]
	r.mu.RUnlock()

	if factory == nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, envelope.Type)
	}

	obj := factory()
	if len(envelope.Payload) > 0 {
		if err := json.Unmarshal(envelope.Payload, obj); err != nil {
			return nil, fmt.Errorf("%w: %s payload: %w", ErrMalformedEnvelope, envelope.Type, err)
		}
	}
	return obj, nil
}
