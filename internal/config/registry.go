package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/MrWong99/tolk/pkg/audio/codec"
	"github.com/MrWong99/tolk/pkg/provider/realtime"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Registry maps provider names to their constructor functions for each
// provider type. It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	realtime map[string]func(RealtimeConfig) (realtime.Provider, error)
	codec    map[string]func(CaptureConfig) (codec.Codec, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		realtime: make(map[string]func(RealtimeConfig) (realtime.Provider, error)),
		codec:    make(map[string]func(CaptureConfig) (codec.Codec, error)),
	}
}

// RegisterRealtime registers a realtime provider factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterRealtime(name string, factory func(RealtimeConfig) (realtime.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.realtime[name] = factory
}

// RegisterCodec registers a chunk codec factory under name.
func (r *Registry) RegisterCodec(name string, factory func(CaptureConfig) (codec.Codec, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.codec[name] = factory
}

// CreateRealtime instantiates a realtime provider using the factory registered
// under cfg.Name. Returns [ErrProviderNotRegistered] if no factory has been
// registered for that name.
func (r *Registry) CreateRealtime(cfg RealtimeConfig) (realtime.Provider, error) {
	r.mu.RLock()
	factory, ok := r.realtime[cfg.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: realtime/%q", ErrProviderNotRegistered, cfg.Name)
	}
	return factory(cfg)
}

// CreateCodec instantiates the chunk codec registered under cfg.Codec.
func (r *Registry) CreateCodec(cfg CaptureConfig) (codec.Codec, error) {
	r.mu.RLock()
	factory, ok := r.codec[cfg.Codec]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: codec/%q", ErrProviderNotRegistered, cfg.Codec)
	}
	return factory(cfg)
}
