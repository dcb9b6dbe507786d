// Package agent owns the external agent process and the JSON-RPC channel
// spoken over its stdio.
package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/abdulrahman305/jetbrains/internal/jsonrpc"
	"github.com/abdulrahman305/jetbrains/internal/logging"
)

// Config describes how to launch the agent process.
type Config struct {
	Command []string `json:"command" yaml:"command"`
	Env     []string `json:"env,omitempty" yaml:"env,omitempty"`
	Dir     string   `json:"dir,omitempty" yaml:"dir,omitempty"`
}

// Awaitable is the pending outcome of an inbound request handed to a Handler.
type Awaitable interface {
	Wait(ctx context.Context) (any, error)
}

// Handler receives the messages the agent initiates.
type Handler interface {
	// HandleRequest must not block; the reply is written once the returned
	// Awaitable resolves.
	HandleRequest(ctx context.Context, method string, params json.RawMessage) Awaitable
	// HandleNotification runs on the read loop, so notifications reach it in
	// arrival order.
	HandleNotification(ctx context.Context, method string, params json.RawMessage)
}

// RPCError is implemented by errors that carry their own wire error object.
type RPCError interface {
	RPCError() *jsonrpc.Error
}

// Option configures a Session.
type Option func(*Session)

// WithLogger sets the session logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Session) { s.log = l }
}

// Session is one agent process plus its message channel.
type Session struct {
	id      string
	log     zerolog.Logger
	handler Handler

	cmd    *exec.Cmd
	in     io.WriteCloser
	out    io.ReadCloser
	reader *jsonrpc.Reader
	writer *jsonrpc.Writer

	nextID atomic.Int64

	mu      sync.Mutex
	pending map[int64]*Call
	closed  bool
	err     error

	ctx    context.Context
	cancel context.CancelFunc
	group  errgroup.Group

	termOnce sync.Once
	stopOnce sync.Once
	done     chan struct{}
}

// Start spawns the agent described by cfg and begins serving its channel.
func Start(ctx context.Context, cfg Config, handler Handler, opts ...Option) (*Session, error) {
	if len(cfg.Command) == 0 {
		return nil, errors.New("agent command is empty")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cmd := exec.Command(cfg.Command[0], cfg.Command[1:]...)
	cmd.Env = append(os.Environ(), cfg.Env...)
	cmd.Dir = cfg.Dir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		stdin.Close()
		stdout.Close()
		stderr.Close()
		return nil, fmt.Errorf("start agent %q: %w", cfg.Command[0], err)
	}

	s := newSession(stdout, stdin, handler, opts...)
	s.cmd = cmd
	s.log.Info().
		Str("command", cfg.Command[0]).
		Int("pid", cmd.Process.Pid).
		Msg("agent process started")

	s.group.Go(func() error {
		s.pumpStderr(stderr)
		return nil
	})
	s.run()
	return s, nil
}

// Open serves an agent channel over an existing stream pair. Stop closes
// both ends, which unblocks the read loop whatever the peer does.
func Open(r io.ReadCloser, w io.WriteCloser, handler Handler, opts ...Option) *Session {
	s := newSession(r, w, handler, opts...)
	s.run()
	return s
}

func newSession(r io.ReadCloser, w io.WriteCloser, handler Handler, opts ...Option) *Session {
	id := ulid.Make().String()
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:      id,
		handler: handler,
		in:      w,
		out:     r,
		reader:  jsonrpc.NewReader(r),
		writer:  jsonrpc.NewWriter(w),
		pending: make(map[int64]*Call),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	s.log = logging.Component("agent").With().Str("session", id).Logger()
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Session) run() {
	s.group.Go(func() error {
		s.terminate(s.readLoop())
		if s.cmd != nil {
			if err := s.cmd.Wait(); err != nil {
				s.log.Debug().Err(err).Msg("agent process exited")
			}
		}
		return nil
	})
}

// ID returns the session identifier used in logs.
func (s *Session) ID() string {
	return s.id
}

// Alive reports whether the session still accepts traffic.
func (s *Session) Alive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed
}

// Done is closed when the session has terminated for any reason.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Err returns why the session terminated, or nil while it is alive.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Go sends a request and returns its pending Call without waiting.
// Requests reach the wire in the order Go is called.
func (s *Session) Go(ctx context.Context, method string, params any) *Call {
	call := newCall(s.nextID.Add(1), method)
	if err := ctx.Err(); err != nil {
		call.complete(nil, err)
		return call
	}

	msg, err := jsonrpc.NewRequest(call.ID, method, params)
	if err != nil {
		call.complete(nil, err)
		return call
	}

	s.mu.Lock()
	if s.closed {
		err := s.err
		s.mu.Unlock()
		call.complete(nil, err)
		return call
	}
	s.pending[call.ID] = call
	s.mu.Unlock()

	if err := s.writer.Write(msg); err != nil {
		s.forget(call.ID)
		call.complete(nil, fmt.Errorf("send %s: %w", method, err))
		return call
	}
	s.log.Debug().Int64("id", call.ID).Str("method", method).Msg("request sent")
	return call
}

// Request sends a request, waits for the response and decodes it into
// result. A nil result discards the response body.
func (s *Session) Request(ctx context.Context, method string, params, result any) error {
	call := s.Go(ctx, method, params)
	raw, err := call.Wait(ctx)
	if err != nil {
		if ctx.Err() != nil {
			s.forget(call.ID)
		}
		return err
	}
	if result == nil || len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	if err := json.Unmarshal(raw, result); err != nil {
		return fmt.Errorf("decode %s result: %w", method, err)
	}
	return nil
}

// Notify sends a notification.
func (s *Session) Notify(ctx context.Context, method string, params any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	closed, cause := s.closed, s.err
	s.mu.Unlock()
	if closed {
		return cause
	}

	msg, err := jsonrpc.NewNotification(method, params)
	if err != nil {
		return err
	}
	if err := s.writer.Write(msg); err != nil {
		return fmt.Errorf("send %s: %w", method, err)
	}
	return nil
}

// Stop terminates the session: outstanding calls fail with
// ErrSessionTerminated, the channel is closed and the process is killed and
// reaped. Calling Stop again does nothing.
func (s *Session) Stop() {
	s.stopOnce.Do(func() {
		s.terminate(nil)

		_ = s.in.Close()
		if s.cmd != nil && s.cmd.Process != nil {
			if err := s.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
				s.log.Debug().Err(err).Msg("kill agent process")
			}
		}
		_ = s.out.Close()
		_ = s.group.Wait()
		s.log.Info().Msg("agent session stopped")
	})
}

// terminate fails the pending table and marks the session dead. Only the
// first call has any effect.
func (s *Session) terminate(cause error) {
	s.termOnce.Do(func() {
		failure := ErrSessionTerminated
		if cause != nil && !errors.Is(cause, io.EOF) {
			failure = fmt.Errorf("%w: %w", ErrSessionTerminated, cause)
		}

		s.mu.Lock()
		s.closed = true
		s.err = failure
		pending := s.pending
		s.pending = make(map[int64]*Call)
		s.mu.Unlock()

		s.cancel()
		for _, call := range pending {
			call.complete(nil, failure)
		}
		if cause != nil {
			s.log.Warn().Err(cause).Int("pending", len(pending)).Msg("agent session terminated")
		}
		close(s.done)
	})
}

func (s *Session) forget(id int64) {
	s.mu.Lock()
	delete(s.pending, id)
	s.mu.Unlock()
}

func (s *Session) readLoop() error {
	for {
		msg, err := s.reader.Read()
		if err != nil {
			var rpcErr *jsonrpc.Error
			if errors.As(err, &rpcErr) {
				s.log.Warn().Err(err).Msg("dropping malformed frame")
				continue
			}
			if !s.Alive() {
				return nil
			}
			return err
		}

		switch msg.Kind() {
		case jsonrpc.KindResponse:
			s.resolve(msg)
		case jsonrpc.KindNotification:
			if s.handler != nil {
				s.handler.HandleNotification(s.ctx, msg.Method, msg.Params)
			}
		case jsonrpc.KindRequest:
			s.serve(msg)
		default:
			s.log.Warn().Str("id", string(msg.ID)).Msg("dropping message without method or id")
		}
	}
}

func (s *Session) resolve(msg *jsonrpc.Message) {
	id, err := msg.IntID()
	if err != nil {
		s.log.Warn().Err(err).Msg("dropping response")
		return
	}

	s.mu.Lock()
	call := s.pending[id]
	delete(s.pending, id)
	s.mu.Unlock()

	if call == nil {
		s.log.Debug().Int64("id", id).Msg("response for unknown request")
		return
	}
	if msg.Error != nil {
		call.complete(nil, msg.Error)
		return
	}
	call.complete(msg.Result, nil)
}

func (s *Session) serve(msg *jsonrpc.Message) {
	id, method := msg.ID, msg.Method
	if s.handler == nil {
		s.reply(jsonrpc.NewErrorResponse(id, jsonrpc.NewMethodNotFoundError("No callback registered for "+method)))
		return
	}

	pending := s.handler.HandleRequest(s.ctx, method, msg.Params)
	s.group.Go(func() error {
		result, err := pending.Wait(s.ctx)
		if err != nil {
			s.log.Debug().Err(err).Str("method", method).Msg("request failed")
			s.reply(jsonrpc.NewErrorResponse(id, toRPCError(err)))
			return nil
		}
		resp, err := jsonrpc.NewResponse(id, result)
		if err != nil {
			resp = jsonrpc.NewErrorResponse(id, jsonrpc.NewInternalError(err.Error()))
		}
		s.reply(resp)
		return nil
	})
}

func (s *Session) reply(msg *jsonrpc.Message) {
	if !s.Alive() {
		return
	}
	if err := s.writer.Write(msg); err != nil {
		s.log.Warn().Err(err).Msg("write response")
	}
}

func toRPCError(err error) *jsonrpc.Error {
	var rpcErr *jsonrpc.Error
	if errors.As(err, &rpcErr) {
		return rpcErr
	}
	var carrier RPCError
	if errors.As(err, &carrier) {
		return carrier.RPCError()
	}
	return jsonrpc.NewInternalError(err.Error())
}

func (s *Session) pumpStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		s.log.Debug().Str("stream", "stderr").Msg(scanner.Text())
	}
}
