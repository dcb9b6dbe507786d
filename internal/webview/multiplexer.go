// Package webview keeps the host-side proxies of the agent's webviews and
// guards their creation so that every consumer observes a fully built proxy.
package webview

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrClosed is returned to callers still waiting on a handle when the
// multiplexer is torn down.
var ErrClosed = errors.New("webview multiplexer closed")

// DuplicateCreationError is the panic value raised when a handle is created
// a second time. Each handle is created exactly once by its owner, so this
// is a programming error.
type DuplicateCreationError struct {
	Handle string
}

func (e *DuplicateCreationError) Error() string {
	return fmt.Sprintf("webview %q created twice", e.Handle)
}

type gate int

const (
	gateUncreated gate = iota
	gateCreating
	gateReady
)

// entry is the creation gate of one handle. Its mutex is the only
// serialization point for the proxy it holds.
type entry struct {
	mu    sync.Mutex
	state gate
	ready chan struct{}
	proxy *Proxy
}

// Multiplexer maps handles to proxies. Entries are created on first touch,
// by the creator or by an early consumer, and are never removed.
type Multiplexer struct {
	mu      sync.Mutex
	entries map[string]*entry

	closeOnce sync.Once
	closed    chan struct{}
}

// NewMultiplexer returns an empty Multiplexer.
func NewMultiplexer() *Multiplexer {
	return &Multiplexer{
		entries: make(map[string]*entry),
		closed:  make(chan struct{}),
	}
}

func (m *Multiplexer) entry(handle string) *entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[handle]
	if !ok {
		e = &entry{ready: make(chan struct{})}
		m.entries[handle] = e
	}
	return e
}

func (m *Multiplexer) isClosed() bool {
	select {
	case <-m.closed:
		return true
	default:
		return false
	}
}

// CreateWithHandle builds the proxy for handle with factory and installs it,
// waking every WithProxy caller parked on the handle. It panics with a
// *DuplicateCreationError if the handle was already created. A factory error
// leaves the handle uncreated.
func (m *Multiplexer) CreateWithHandle(handle string, factory func() (*Proxy, error)) error {
	e := m.entry(handle)
	e.mu.Lock()
	defer func() {
		if e.state == gateCreating {
			e.state = gateUncreated
		}
		e.mu.Unlock()
	}()

	if e.state != gateUncreated {
		panic(&DuplicateCreationError{Handle: handle})
	}
	if m.isClosed() {
		return ErrClosed
	}

	e.state = gateCreating
	p, err := factory()
	if err != nil {
		return fmt.Errorf("create webview %q: %w", handle, err)
	}
	if p == nil {
		return fmt.Errorf("create webview %q: factory returned no proxy", handle)
	}
	e.proxy = p
	e.state = gateReady
	close(e.ready)
	return nil
}

// WithProxy runs action against the proxy of handle, holding the handle's
// lock. If the handle has not been created yet it waits for creation; it
// gives up only when ctx is done or the multiplexer closes.
func (m *Multiplexer) WithProxy(ctx context.Context, handle string, action func(*Proxy) error) error {
	e := m.entry(handle)
	for {
		if done, err := e.tryRun(action); done {
			return err
		}
		select {
		case <-e.ready:
		case <-ctx.Done():
			return ctx.Err()
		case <-m.closed:
			return ErrClosed
		}
	}
}

func (e *entry) tryRun(action func(*Proxy) error) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != gateReady {
		return false, nil
	}
	return true, action(e.proxy)
}

// Query is WithProxy for actions that produce a value.
func Query[T any](ctx context.Context, m *Multiplexer, handle string, fn func(*Proxy) (T, error)) (T, error) {
	var out T
	err := m.WithProxy(ctx, handle, func(p *Proxy) error {
		var err error
		out, err = fn(p)
		return err
	})
	return out, err
}

// Broadcast runs action against every installed proxy, each under its own
// handle's lock. Handles still being created are skipped.
func (m *Multiplexer) Broadcast(action func(*Proxy)) {
	for _, e := range m.snapshot() {
		e.mu.Lock()
		if e.state == gateReady {
			action(e.proxy)
		}
		e.mu.Unlock()
	}
}

func (m *Multiplexer) snapshot() []*entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*entry, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e)
	}
	return out
}

// Handles lists the created handles, sorted.
func (m *Multiplexer) Handles() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for h, e := range m.entries {
		e.mu.Lock()
		if e.state == gateReady {
			out = append(out, h)
		}
		e.mu.Unlock()
	}
	sort.Strings(out)
	return out
}

// Len counts the created handles.
func (m *Multiplexer) Len() int {
	return len(m.Handles())
}

// Close wakes every waiter with ErrClosed and disposes the installed
// proxies. Creation is refused afterwards.
func (m *Multiplexer) Close() {
	m.closeOnce.Do(func() {
		close(m.closed)
		m.Broadcast(func(p *Proxy) { p.Dispose() })
	})
}
