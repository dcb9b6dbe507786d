package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
)

// ErrSessionTerminated fails every call still outstanding when a session
// is stopped or its agent process goes away.
var ErrSessionTerminated = errors.New("agent session terminated")

// Call is a request sent to the agent whose response has not necessarily
// arrived yet. It is completed exactly once.
type Call struct {
	ID     int64
	Method string

	once   sync.Once
	done   chan struct{}
	result json.RawMessage
	err    error
}

func newCall(id int64, method string) *Call {
	return &Call{ID: id, Method: method, done: make(chan struct{})}
}

// complete records the outcome. Only the first completion has any effect.
func (c *Call) complete(result json.RawMessage, err error) bool {
	completed := false
	c.once.Do(func() {
		c.result = result
		c.err = err
		close(c.done)
		completed = true
	})
	return completed
}

// Done is closed once the call has a result or an error.
func (c *Call) Done() <-chan struct{} {
	return c.done
}

// Err returns the failure of a completed call, or nil.
func (c *Call) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// Wait blocks until the call completes or ctx is done.
func (c *Call) Wait(ctx context.Context) (json.RawMessage, error) {
	select {
	case <-c.done:
		return c.result, c.err
	case <-ctx.Done():
		return nil, fmt.Errorf("%s: %w", c.Method, ctx.Err())
	}
}
