// Package device implements [audio.Source] and [audio.Sink] on top of
// miniaudio through github.com/gen2brain/malgo.
//
// A [Context] is the single owned handle to the platform audio backend. It is
// opened once per application, shared by the [Input] and [Output] devices
// created from it, and closed on teardown after every device has been
// released.
package device

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gen2brain/malgo"

	"github.com/MrWong99/tolk/pkg/audio"
)

// errClosed is returned when a device is requested from a closed [Context].
var errClosed = errors.New("device: context closed")

// Context owns a miniaudio context. It is safe for concurrent use.
type Context struct {
	mu     sync.Mutex
	mctx   *malgo.AllocatedContext
	closed bool
}

// Open initialises the platform audio backend. The returned error wraps
// [audio.ErrDeviceUnavailable] when no backend can be initialised.
func Open() (*Context, error) {
	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(msg string) {
		slog.Debug("miniaudio", "msg", msg)
	})
	if err != nil {
		return nil, fmt.Errorf("device: init context: %w: %v", audio.ErrDeviceUnavailable, err)
	}
	return &Context{mctx: mctx}, nil
}

// handle returns the raw malgo context for device initialisation.
func (c *Context) handle() (malgo.Context, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		var zero malgo.Context
		return zero, errClosed
	}
	return c.mctx.Context, nil
}

// Check reports whether the context is still usable. It matches the
// signature expected by health checkers.
func (c *Context) Check(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errClosed
	}
	return nil
}

// Close releases the backend. Devices created from c must be closed first.
// Calling Close more than once is safe and returns nil.
func (c *Context) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	err := c.mctx.Uninit()
	c.mctx.Free()
	if err != nil {
		return fmt.Errorf("device: uninit context: %w", err)
	}
	return nil
}
