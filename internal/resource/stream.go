package resource

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
)

// State is the lifecycle phase of a Stream.
type State int

const (
	StatePending   State = iota // path being opened
	StateStreaming              // chunks flowing to the consumer
	StateDone                   // exhausted or closed
	StateFailed                 // open failed or the source ended early
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateStreaming:
		return "streaming"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// ErrClosed is returned by reads on a closed Stream.
var ErrClosed = errors.New("resource stream closed")

// Stream serves one resource through a fixed-size window. The consumer pulls;
// when the window is empty exactly one asynchronous read refills it, and the
// pull returns only once that read completes.
type Stream struct {
	name string

	mu            sync.Mutex
	state         State
	err           error
	closed        bool
	src           io.Reader
	release       func() error
	contentLength int64
	bytesRead     int64
	buf           []byte
	off, n        int
	inflight      chan struct{}
	ready         chan struct{}
	stopWatch     func() bool

	// reads counts asynchronous reads issued; tests use it.
	reads int
}

func newStream(name string, bufferSize int) *Stream {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	return &Stream{
		name:  name,
		state: StatePending,
		buf:   make([]byte, bufferSize),
		ready: make(chan struct{}),
	}
}

// NewMemoryStream serves data with the same pull contract as a file, in
// chunks of at most chunk bytes.
func NewMemoryStream(name string, data []byte, chunk int) *Stream {
	s := newStream(name, chunk)
	s.begin(newByteSource(data), nil, int64(len(data)))
	return s
}

type byteSource struct {
	data []byte
	off  int
}

func newByteSource(data []byte) *byteSource {
	return &byteSource{data: data}
}

func (b *byteSource) Read(p []byte) (int, error) {
	if b.off >= len(b.data) {
		return 0, io.EOF
	}
	n := copy(p, b.data[b.off:])
	b.off += n
	return n, nil
}

// begin moves a pending stream to streaming.
func (s *Stream) begin(src io.Reader, release func() error, length int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StatePending {
		return
	}
	s.src = src
	s.release = release
	s.contentLength = length
	if s.closed {
		s.finishLocked(StateDone, nil)
	} else {
		s.state = StateStreaming
	}
	close(s.ready)
}

// fail moves a pending stream to failed.
func (s *Stream) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StatePending {
		return
	}
	s.finishLocked(StateFailed, err)
	close(s.ready)
}

func (s *Stream) finishLocked(state State, err error) {
	if s.state == StateDone || s.state == StateFailed {
		return
	}
	s.state = state
	s.err = err
	s.n, s.off = 0, 0
	if s.release != nil {
		_ = s.release()
		s.release = nil
	}
	if s.stopWatch != nil {
		s.stopWatch()
		s.stopWatch = nil
	}
}

// watch closes the stream when ctx is done.
func (s *Stream) watch(ctx context.Context) {
	stop := context.AfterFunc(ctx, func() { s.Close() })
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateDone || s.state == StateFailed {
		stop()
		return
	}
	s.stopWatch = stop
}

// Name returns the resolved path or synthetic name of the resource.
func (s *Stream) Name() string {
	return s.name
}

// Ready blocks until the stream has left the pending state. It returns the
// open failure, if any.
func (s *Stream) Ready(ctx context.Context) error {
	select {
	case <-s.ready:
	case <-ctx.Done():
		return ctx.Err()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateFailed {
		return s.err
	}
	return nil
}

// State returns the current phase.
func (s *Stream) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the failure of a failed stream.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// ContentLength is the total size. It is only meaningful once Ready returns.
func (s *Stream) ContentLength() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.contentLength
}

// BytesRead counts bytes taken from the source so far.
func (s *Stream) BytesRead() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bytesRead
}

// Read implements io.Reader.
func (s *Stream) Read(p []byte) (int, error) {
	return s.pull(context.Background(), p)
}

// Next returns the next chunk of at most limit bytes, or io.EOF once the
// resource is exhausted.
func (s *Stream) Next(ctx context.Context, limit int) ([]byte, error) {
	if limit <= 0 {
		limit = len(s.buf)
	}
	p := make([]byte, limit)
	n, err := s.pull(ctx, p)
	return p[:n], err
}

func (s *Stream) pull(ctx context.Context, p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if err := s.Ready(ctx); err != nil {
		return 0, err
	}
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return 0, ErrClosed
		}
		if s.off < s.n {
			n := copy(p, s.buf[s.off:s.n])
			s.off += n
			s.mu.Unlock()
			return n, nil
		}
		switch s.state {
		case StateDone:
			s.mu.Unlock()
			return 0, io.EOF
		case StateFailed:
			err := s.err
			s.mu.Unlock()
			return 0, err
		}
		if s.bytesRead >= s.contentLength {
			s.finishLocked(StateDone, nil)
			s.mu.Unlock()
			return 0, io.EOF
		}
		done := s.inflight
		if done == nil {
			done = s.startReadLocked()
		}
		s.mu.Unlock()

		select {
		case <-done:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
}

// startReadLocked issues the single asynchronous read that refills the
// window. The window is empty, so the read goroutine owns buf until it
// signals completion.
func (s *Stream) startReadLocked() chan struct{} {
	want := int64(len(s.buf))
	if remaining := s.contentLength - s.bytesRead; remaining < want {
		want = remaining
	}
	done := make(chan struct{})
	s.inflight = done
	s.reads++
	src, buf := s.src, s.buf[:want]

	go func() {
		n, err := io.ReadFull(src, buf)

		s.mu.Lock()
		defer s.mu.Unlock()
		defer close(done)
		s.inflight = nil

		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				err = fmt.Errorf("%s: short read after %d of %d bytes: %w",
					s.name, s.bytesRead+int64(n), s.contentLength, io.ErrUnexpectedEOF)
			} else {
				err = fmt.Errorf("%s: read: %w", s.name, err)
			}
			s.finishLocked(StateFailed, err)
			return
		}
		if s.closed {
			s.finishLocked(StateDone, nil)
			return
		}
		s.bytesRead += int64(n)
		s.off, s.n = 0, n
		if s.bytesRead >= s.contentLength && s.release != nil {
			_ = s.release()
			s.release = nil
		}
	}()
	return done
}

// Close cancels the stream. A read in flight finishes on its own and then
// releases the source; otherwise the source is released here.
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.state == StatePending {
		// begin or fail will observe closed.
		return nil
	}
	if s.inflight == nil {
		s.finishLocked(StateDone, nil)
	}
	return nil
}
