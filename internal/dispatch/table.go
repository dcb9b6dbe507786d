// Package dispatch routes the requests and notifications the agent sends to
// the callbacks registered for them.
package dispatch

import (
	"context"
	"encoding/json"
	"runtime/debug"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/abdulrahman305/jetbrains/internal/agent"
	"github.com/abdulrahman305/jetbrains/internal/logging"
)

// RequestFunc handles one inbound request.
type RequestFunc func(ctx context.Context, params json.RawMessage) (any, error)

// NotificationFunc handles one inbound notification.
type NotificationFunc func(ctx context.Context, params json.RawMessage) error

type options struct {
	affinity bool
	executor *Affinity
}

// Option configures a registration.
type Option func(*options)

// OnAffinity runs the handler on the table's Affinity executor.
func OnAffinity() Option {
	return func(o *options) { o.affinity = true }
}

// On runs the handler on executor instead of the table's Affinity. Handlers
// sharing an executor run one at a time in arrival order.
func On(executor *Affinity) Option {
	return func(o *options) { o.executor = executor }
}

func (o options) lane(table *Affinity) *Affinity {
	if o.executor != nil {
		return o.executor
	}
	if o.affinity {
		return table
	}
	return nil
}

type requestEntry struct {
	fn RequestFunc
	options
}

type notificationEntry struct {
	fn NotificationFunc
	options
}

// Table maps method names to handlers. Requests and notifications are kept
// apart; each kind holds at most one handler per method.
type Table struct {
	mu            sync.RWMutex
	requests      map[string]requestEntry
	notifications map[string]notificationEntry
	affinity      *Affinity
	log           zerolog.Logger
}

var _ agent.Handler = (*Table)(nil)

// NewTable creates an empty table. Handlers registered with OnAffinity run
// on affinity; a nil affinity runs them directly.
func NewTable(affinity *Affinity) *Table {
	return &Table{
		requests:      make(map[string]requestEntry),
		notifications: make(map[string]notificationEntry),
		affinity:      affinity,
		log:           logging.Component("dispatch"),
	}
}

// Register installs fn as the request handler for method, replacing any
// previous one.
func (t *Table) Register(method string, fn RequestFunc, opts ...Option) {
	e := requestEntry{fn: fn}
	for _, opt := range opts {
		opt(&e.options)
	}
	t.mu.Lock()
	t.requests[method] = e
	t.mu.Unlock()
}

// RegisterNotification installs fn as the notification handler for method,
// replacing any previous one.
func (t *Table) RegisterNotification(method string, fn NotificationFunc, opts ...Option) {
	e := notificationEntry{fn: fn}
	for _, opt := range opts {
		opt(&e.options)
	}
	t.mu.Lock()
	t.notifications[method] = e
	t.mu.Unlock()
}

// Methods lists every registered method name, sorted.
func (t *Table) Methods() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	seen := make(map[string]struct{}, len(t.requests)+len(t.notifications))
	for m := range t.requests {
		seen[m] = struct{}{}
	}
	for m := range t.notifications {
		seen[m] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for m := range seen {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

// DispatchRequest invokes the handler for method. The returned Result never
// stays pending because of a handler failure: errors and panics resolve it.
// A method without a handler yields a failed Result carrying
// *NoHandlerError.
func (t *Table) DispatchRequest(ctx context.Context, method string, params json.RawMessage) *Result {
	t.mu.RLock()
	e, ok := t.requests[method]
	t.mu.RUnlock()
	if !ok {
		t.log.Warn().Str("method", method).Msg("no handler registered for request")
		return Failed(&NoHandlerError{Method: method})
	}

	call := func() (any, error) { return e.fn(ctx, params) }
	if lane := e.lane(t.affinity); lane != nil {
		return lane.submit(method, call)
	}

	r := newResult()
	go func() {
		defer recoverInto(r, method, t.log)
		v, err := call()
		r.resolve(v, err)
	}()
	return r
}

// DispatchNotification invokes the handler for method. Affinity handlers are
// queued and the call returns at once; direct handlers run on the caller.
// Unknown methods are logged and ignored.
func (t *Table) DispatchNotification(ctx context.Context, method string, params json.RawMessage) {
	t.mu.RLock()
	e, ok := t.notifications[method]
	t.mu.RUnlock()
	if !ok {
		t.log.Debug().Str("method", method).Msg("no handler registered for notification")
		return
	}

	call := func() (any, error) {
		if err := e.fn(ctx, params); err != nil {
			t.log.Warn().Err(err).Str("method", method).Msg("notification handler failed")
		}
		return nil, nil
	}
	if lane := e.lane(t.affinity); lane != nil {
		lane.submit(method, call)
		return
	}

	defer recoverInto(nil, method, t.log)
	call()
}

// HandleRequest implements agent.Handler.
func (t *Table) HandleRequest(ctx context.Context, method string, params json.RawMessage) agent.Awaitable {
	return t.DispatchRequest(ctx, method, params)
}

// HandleNotification implements agent.Handler.
func (t *Table) HandleNotification(ctx context.Context, method string, params json.RawMessage) {
	t.DispatchNotification(ctx, method, params)
}

func recoverInto(r *Result, method string, log zerolog.Logger) {
	if v := recover(); v != nil {
		log.Error().Str("method", method).Interface("panic", v).Msg("handler panicked")
		if r != nil {
			r.resolve(nil, &PanicError{Method: method, Value: v, Stack: debug.Stack()})
		}
	}
}
