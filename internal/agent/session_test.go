package agent

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/abdulrahman305/jetbrains/internal/jsonrpc"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type resolved struct {
	value any
	err   error
}

func (r resolved) Wait(context.Context) (any, error) { return r.value, r.err }

type fakeHandler struct {
	onRequest func(method string, params json.RawMessage) (any, error)
	notes     chan string
}

func (h *fakeHandler) HandleRequest(_ context.Context, method string, params json.RawMessage) Awaitable {
	if h.onRequest == nil {
		return resolved{err: errors.New("no request handler")}
	}
	v, err := h.onRequest(method, params)
	return resolved{value: v, err: err}
}

func (h *fakeHandler) HandleNotification(_ context.Context, method string, params json.RawMessage) {
	if h.notes != nil {
		h.notes <- method + " " + string(params)
	}
}

type codedError struct{}

func (codedError) Error() string { return "coded" }
func (codedError) RPCError() *jsonrpc.Error {
	return jsonrpc.NewMethodNotFoundError("No callback registered for workspace/edit")
}

// peer is the agent side of an in-memory channel.
type peer struct {
	r   *jsonrpc.Reader
	w   *jsonrpc.Writer
	in  *io.PipeReader
	out *io.PipeWriter
}

func newPair(t *testing.T, h Handler) (*Session, *peer) {
	t.Helper()
	sessR, peerW := io.Pipe()
	peerR, sessW := io.Pipe()

	s := Open(sessR, sessW, h)
	p := &peer{
		r:   jsonrpc.NewReader(peerR),
		w:   jsonrpc.NewWriter(peerW),
		in:  peerR,
		out: peerW,
	}
	t.Cleanup(func() {
		s.Stop()
		peerW.Close()
		peerR.Close()
	})
	return s, p
}

// drain reads and discards everything the session writes until the channel
// closes.
func (p *peer) drain() <-chan *jsonrpc.Message {
	ch := make(chan *jsonrpc.Message, 16)
	go func() {
		defer close(ch)
		for {
			msg, err := p.r.Read()
			if err != nil {
				return
			}
			ch <- msg
		}
	}()
	return ch
}

func TestRequestRoundTrip(t *testing.T) {
	s, p := newPair(t, nil)
	ctx := context.Background()

	go func() {
		msg, err := p.r.Read()
		if err != nil {
			return
		}
		resp, _ := jsonrpc.NewResponse(msg.ID, map[string]string{"name": "agent"})
		_ = p.w.Write(resp)
	}()

	var out struct {
		Name string `json:"name"`
	}
	require.NoError(t, s.Request(ctx, "initialize", map[string]string{"client": "test"}, &out))
	assert.Equal(t, "agent", out.Name)
}

func TestResponsesOutOfOrder(t *testing.T) {
	s, p := newPair(t, nil)
	ctx := context.Background()
	sent := p.drain()

	c1 := s.Go(ctx, "first", nil)
	c2 := s.Go(ctx, "second", nil)
	assert.Less(t, c1.ID, c2.ID)

	m1 := <-sent
	m2 := <-sent
	assert.Equal(t, "first", m1.Method)
	assert.Equal(t, "second", m2.Method)

	r2, _ := jsonrpc.NewResponse(m2.ID, "two")
	r1, _ := jsonrpc.NewResponse(m1.ID, "one")
	require.NoError(t, p.w.Write(r2))
	require.NoError(t, p.w.Write(r1))

	raw, err := c1.Wait(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, `"one"`, string(raw))

	raw, err = c2.Wait(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, `"two"`, string(raw))
}

func TestRemoteError(t *testing.T) {
	s, p := newPair(t, nil)
	ctx := context.Background()

	go func() {
		msg, err := p.r.Read()
		if err != nil {
			return
		}
		_ = p.w.Write(jsonrpc.NewErrorResponse(msg.ID, jsonrpc.NewInvalidParamsError("bad uri")))
	}()

	err := s.Request(ctx, "textDocument/show", nil, nil)
	var rpcErr *jsonrpc.Error
	require.True(t, errors.As(err, &rpcErr))
	assert.Equal(t, jsonrpc.CodeInvalidParams, rpcErr.Code)
}

func TestRequestContextCancelForgetsCall(t *testing.T) {
	s, p := newPair(t, nil)
	p.drain()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := s.Request(ctx, "slow", nil, nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	s.mu.Lock()
	defer s.mu.Unlock()
	assert.Empty(t, s.pending)
}

func TestStopFailsPendingOnce(t *testing.T) {
	s, p := newPair(t, nil)
	ctx := context.Background()
	p.drain()

	call := s.Go(ctx, "never", nil)
	s.Stop()

	<-call.Done()
	first := call.Err()
	assert.ErrorIs(t, first, ErrSessionTerminated)
	assert.False(t, s.Alive())
	assert.ErrorIs(t, s.Err(), ErrSessionTerminated)

	s.Stop()
	assert.Equal(t, first, call.Err())

	late := s.Go(ctx, "late", nil)
	<-late.Done()
	assert.ErrorIs(t, late.Err(), ErrSessionTerminated)
	assert.ErrorIs(t, s.Notify(ctx, "late", nil), ErrSessionTerminated)
}

func TestPeerCloseTerminatesSession(t *testing.T) {
	s, p := newPair(t, nil)
	ctx := context.Background()
	p.drain()

	call := s.Go(ctx, "pending", nil)
	require.NoError(t, p.out.Close())

	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session did not terminate after peer closed")
	}
	assert.ErrorIs(t, call.Err(), ErrSessionTerminated)
	assert.False(t, s.Alive())
}

func TestNotificationsInArrivalOrder(t *testing.T) {
	h := &fakeHandler{notes: make(chan string, 5)}
	_, p := newPair(t, h)

	for i := 0; i < 5; i++ {
		n, err := jsonrpc.NewNotification("debug/message", map[string]int{"i": i})
		require.NoError(t, err)
		require.NoError(t, p.w.Write(n))
	}

	for i := 0; i < 5; i++ {
		select {
		case got := <-h.notes:
			want, _ := json.Marshal(map[string]int{"i": i})
			assert.Equal(t, "debug/message "+string(want), got)
		case <-time.After(2 * time.Second):
			t.Fatalf("notification %d not delivered", i)
		}
	}
}

func TestInboundRequestReplies(t *testing.T) {
	tests := []struct {
		name     string
		method   string
		handler  func(method string, params json.RawMessage) (any, error)
		result   string
		wantCode int
	}{
		{
			name:   "success",
			method: "textDocument/show",
			handler: func(string, json.RawMessage) (any, error) {
				return true, nil
			},
			result: "true",
		},
		{
			name:   "null result",
			method: "webview/create",
			handler: func(string, json.RawMessage) (any, error) {
				return nil, nil
			},
			result: "null",
		},
		{
			name:   "error carrying wire code",
			method: "workspace/edit",
			handler: func(string, json.RawMessage) (any, error) {
				return nil, codedError{}
			},
			wantCode: jsonrpc.CodeMethodNotFound,
		},
		{
			name:   "plain error",
			method: "workspace/edit",
			handler: func(string, json.RawMessage) (any, error) {
				return nil, errors.New("boom")
			},
			wantCode: jsonrpc.CodeInternalError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, p := newPair(t, &fakeHandler{onRequest: tt.handler})

			req, err := jsonrpc.NewRequest(10, tt.method, map[string]string{"uri": "file:///a"})
			require.NoError(t, err)
			require.NoError(t, p.w.Write(req))

			resp, err := p.r.Read()
			require.NoError(t, err)
			assert.Equal(t, jsonrpc.KindResponse, resp.Kind())
			assert.Equal(t, "10", string(resp.ID))
			if tt.wantCode != 0 {
				require.NotNil(t, resp.Error)
				assert.Equal(t, tt.wantCode, resp.Error.Code)
				return
			}
			assert.Nil(t, resp.Error)
			assert.JSONEq(t, tt.result, string(resp.Result))
		})
	}
}

func TestInboundRequestWithoutHandler(t *testing.T) {
	_, p := newPair(t, nil)

	req, err := jsonrpc.NewRequest(1, "env/openExternal", nil)
	require.NoError(t, err)
	require.NoError(t, p.w.Write(req))

	resp, err := p.r.Read()
	require.NoError(t, err)
	require.NotNil(t, resp.Error)
	assert.Equal(t, jsonrpc.CodeMethodNotFound, resp.Error.Code)
	assert.Equal(t, "No callback registered for env/openExternal", resp.Error.Message)
}

func TestStartValidation(t *testing.T) {
	_, err := Start(context.Background(), Config{}, nil)
	assert.Error(t, err)

	_, err = Start(context.Background(), Config{Command: []string{"/nonexistent/agent-binary"}}, nil)
	assert.Error(t, err)
}

func TestStartEchoProcess(t *testing.T) {
	if _, err := exec.LookPath("cat"); err != nil {
		t.Skip("cat not available")
	}
	ctx := context.Background()

	// cat echoes our request back as an inbound request; the session answers
	// it with method-not-found, which cat echoes back as the response.
	s, err := Start(ctx, Config{Command: []string{"cat"}}, nil)
	require.NoError(t, err)
	defer s.Stop()
	assert.True(t, s.Alive())

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err = s.Go(ctx, "ping", nil).Wait(waitCtx)

	var rpcErr *jsonrpc.Error
	require.True(t, errors.As(err, &rpcErr), "got %v", err)
	assert.Equal(t, jsonrpc.CodeMethodNotFound, rpcErr.Code)

	s.Stop()
	assert.False(t, s.Alive())
}

func TestStopDoesNotWaitForPeerToClose(t *testing.T) {
	s, _ := newPair(t, nil)

	stopped := make(chan struct{})
	go func() {
		s.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop blocked while the peer kept its end open")
	}
	assert.False(t, s.Alive())
	<-s.Done()
}
