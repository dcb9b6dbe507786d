package host_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"

	"github.com/abdulrahman305/jetbrains/internal/agent"
	"github.com/abdulrahman305/jetbrains/internal/jsonrpc"
	"github.com/abdulrahman305/jetbrains/internal/protocol"
)

// fakeAgent is the agent end of an in-memory session. It answers
// initialize, acknowledges every other request with null and records what
// the host sent.
type fakeAgent struct {
	reader   *jsonrpc.Reader
	writer   *jsonrpc.Writer
	toHost   *io.PipeWriter
	fromHost *io.PipeReader

	failInitialize bool

	wmu sync.Mutex

	mu       sync.Mutex
	received []*jsonrpc.Message
	pending  map[int64]chan *jsonrpc.Message
	nextID   int64

	done chan struct{}
}

func newFakeAgent(fromHost *io.PipeReader, toHost *io.PipeWriter, failInitialize bool) *fakeAgent {
	a := &fakeAgent{
		reader:         jsonrpc.NewReader(fromHost),
		writer:         jsonrpc.NewWriter(toHost),
		toHost:         toHost,
		fromHost:       fromHost,
		failInitialize: failInitialize,
		pending:        make(map[int64]chan *jsonrpc.Message),
		done:           make(chan struct{}),
	}
	go a.loop()
	return a
}

func (a *fakeAgent) loop() {
	defer close(a.done)
	for {
		msg, err := a.reader.Read()
		if err != nil {
			return
		}
		switch msg.Kind() {
		case jsonrpc.KindRequest:
			a.record(msg)
			a.answer(msg)
		case jsonrpc.KindNotification:
			a.record(msg)
		case jsonrpc.KindResponse:
			id, err := msg.IntID()
			if err != nil {
				continue
			}
			a.mu.Lock()
			ch := a.pending[id]
			delete(a.pending, id)
			a.mu.Unlock()
			if ch != nil {
				ch <- msg
			}
		}
	}
}

func (a *fakeAgent) answer(msg *jsonrpc.Message) {
	if msg.Method == protocol.MethodInitialize {
		if a.failInitialize {
			a.write(jsonrpc.NewErrorResponse(msg.ID, jsonrpc.NewInternalError("not ready")))
			return
		}
		resp, _ := jsonrpc.NewResponse(msg.ID, protocol.ServerInfo{Name: "fake-agent", Authenticated: true})
		a.write(resp)
		return
	}
	resp, _ := jsonrpc.NewResponse(msg.ID, nil)
	a.write(resp)
}

func (a *fakeAgent) write(msg *jsonrpc.Message) error {
	a.wmu.Lock()
	defer a.wmu.Unlock()
	return a.writer.Write(msg)
}

func (a *fakeAgent) record(msg *jsonrpc.Message) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.received = append(a.received, msg)
}

// methods lists the methods the host sent, in order.
func (a *fakeAgent) methods() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.received))
	for _, m := range a.received {
		out = append(out, m.Method)
	}
	return out
}

// find returns the first message with method, or nil.
func (a *fakeAgent) find(method string) *jsonrpc.Message {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, m := range a.received {
		if m.Method == method {
			return m
		}
	}
	return nil
}

// call sends a request to the host and waits for its response.
func (a *fakeAgent) call(ctx context.Context, method string, params any) (*jsonrpc.Message, error) {
	a.mu.Lock()
	a.nextID++
	id := a.nextID
	ch := make(chan *jsonrpc.Message, 1)
	a.pending[id] = ch
	a.mu.Unlock()

	req, err := jsonrpc.NewRequest(id, method, params)
	if err != nil {
		return nil, err
	}
	if err := a.write(req); err != nil {
		return nil, err
	}
	select {
	case resp := <-ch:
		return resp, nil
	case <-a.done:
		return nil, errors.New("fake agent closed")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// notify sends a notification to the host.
func (a *fakeAgent) notify(method string, params any) error {
	msg, err := jsonrpc.NewNotification(method, params)
	if err != nil {
		return err
	}
	return a.write(msg)
}

// die closes the agent's output as a crashed process would.
func (a *fakeAgent) die() {
	a.toHost.Close()
}

// fakeLauncher hands out in-memory sessions. The first failFirst launches
// get an agent that rejects initialize.
type fakeLauncher struct {
	mu        sync.Mutex
	agents    []*fakeAgent
	sessions  []*agent.Session
	failFirst int
	launches  int
}

func (l *fakeLauncher) Launch(_ context.Context, handler agent.Handler) (*agent.Session, error) {
	hostIn, agentOut := io.Pipe()
	agentIn, hostOut := io.Pipe()

	l.mu.Lock()
	l.launches++
	fail := l.launches <= l.failFirst
	fa := newFakeAgent(agentIn, agentOut, fail)
	l.agents = append(l.agents, fa)
	l.mu.Unlock()

	session := agent.Open(hostIn, hostOut, handler)
	l.mu.Lock()
	l.sessions = append(l.sessions, session)
	l.mu.Unlock()
	return session, nil
}

// alive counts the launched sessions that are still running.
func (l *fakeLauncher) alive() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, s := range l.sessions {
		if s.Alive() {
			n++
		}
	}
	return n
}

func (l *fakeLauncher) last() *fakeAgent {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.agents) == 0 {
		return nil
	}
	return l.agents[len(l.agents)-1]
}

func (l *fakeLauncher) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.launches
}

func decodeParams[T any](msg *jsonrpc.Message) T {
	var v T
	_ = json.Unmarshal(msg.Params, &v)
	return v
}
