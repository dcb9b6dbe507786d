package dispatch

import (
	"runtime/debug"
	"sync"

	"github.com/rs/zerolog"

	"github.com/abdulrahman305/jetbrains/internal/logging"
)

type task struct {
	name   string
	fn     func() (any, error)
	result *Result
}

// Affinity runs submitted tasks one at a time, in submission order, on a
// single dedicated goroutine. Editor and UI state is only touched there.
type Affinity struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []task
	closed bool
	done   chan struct{}
	log    zerolog.Logger
}

// NewAffinity starts the executor goroutine.
func NewAffinity() *Affinity {
	a := &Affinity{
		done: make(chan struct{}),
		log:  logging.Component("affinity"),
	}
	a.cond = sync.NewCond(&a.mu)
	go a.loop()
	return a
}

// Run queues fn and returns a Result that resolves when fn returns. A panic
// in fn fails the Result with a *PanicError.
func (a *Affinity) Run(fn func() (any, error)) *Result {
	return a.submit("", fn)
}

func (a *Affinity) submit(name string, fn func() (any, error)) *Result {
	r := newResult()
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		r.resolve(nil, ErrAffinityClosed)
		return r
	}
	a.queue = append(a.queue, task{name: name, fn: fn, result: r})
	a.mu.Unlock()
	a.cond.Signal()
	return r
}

// Close stops accepting tasks, lets the queued ones finish and waits for the
// executor goroutine to exit. It must not be called from a task.
func (a *Affinity) Close() {
	a.mu.Lock()
	a.closed = true
	a.mu.Unlock()
	a.cond.Broadcast()
	<-a.done
}

func (a *Affinity) loop() {
	defer close(a.done)
	for {
		a.mu.Lock()
		for len(a.queue) == 0 && !a.closed {
			a.cond.Wait()
		}
		if len(a.queue) == 0 {
			a.mu.Unlock()
			return
		}
		t := a.queue[0]
		a.queue[0] = task{}
		a.queue = a.queue[1:]
		a.mu.Unlock()

		a.execute(t)
	}
}

func (a *Affinity) execute(t task) {
	defer func() {
		if v := recover(); v != nil {
			perr := &PanicError{Method: t.name, Value: v, Stack: debug.Stack()}
			a.log.Error().Str("method", t.name).Interface("panic", v).Msg("task panicked")
			t.result.resolve(nil, perr)
		}
	}()
	v, err := t.fn()
	t.result.resolve(v, err)
}
