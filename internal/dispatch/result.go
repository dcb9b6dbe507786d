package dispatch

import (
	"context"
	"sync"
)

// Result is the future outcome of a dispatched request. It resolves exactly
// once, with either a value or an error.
type Result struct {
	once  sync.Once
	done  chan struct{}
	value any
	err   error
}

func newResult() *Result {
	return &Result{done: make(chan struct{})}
}

// Resolved returns a Result that already succeeded with v.
func Resolved(v any) *Result {
	r := newResult()
	r.resolve(v, nil)
	return r
}

// Failed returns a Result that already failed with err.
func Failed(err error) *Result {
	r := newResult()
	r.resolve(nil, err)
	return r
}

func (r *Result) resolve(v any, err error) {
	r.once.Do(func() {
		r.value = v
		r.err = err
		close(r.done)
	})
}

// Done is closed once the Result is resolved.
func (r *Result) Done() <-chan struct{} {
	return r.done
}

// Wait blocks until the Result resolves or ctx is done.
func (r *Result) Wait(ctx context.Context) (any, error) {
	select {
	case <-r.done:
		return r.value, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Err returns the failure of a resolved Result, or nil.
func (r *Result) Err() error {
	select {
	case <-r.done:
		return r.err
	default:
		return nil
	}
}
