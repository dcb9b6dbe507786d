package server

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/abdulrahman305/jetbrains/internal/logging"
	"github.com/abdulrahman305/jetbrains/internal/webview"
)

const (
	// DefaultReconnectGrace is how long a webview survives without a bridge
	// socket before it counts as closed by the user.
	DefaultReconnectGrace = 2 * time.Second

	writeWait = 10 * time.Second
)

var errUnknownSurface = errors.New("no surface for webview")

// Hub owns the bridge sockets. Its Surface method is the webview
// SurfaceFactory: each surface queues events until the page connects and
// then writes them in order on the socket.
type Hub struct {
	mu       sync.Mutex
	surfaces map[string]*socketSurface
	grace    time.Duration
	lost     func(handle string)
	closed   bool
	wg       sync.WaitGroup
	log      zerolog.Logger
}

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithReconnectGrace overrides DefaultReconnectGrace. A page reload drops
// the socket and opens a new one within the grace period.
func WithReconnectGrace(d time.Duration) HubOption {
	return func(h *Hub) { h.grace = d }
}

// NewHub creates an empty Hub.
func NewHub(opts ...HubOption) *Hub {
	h := &Hub{
		surfaces: make(map[string]*socketSurface),
		grace:    DefaultReconnectGrace,
		log:      logging.Component("bridge"),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Hub) setLostHandler(fn func(handle string)) {
	h.mu.Lock()
	h.lost = fn
	h.mu.Unlock()
}

// Surface creates the surface of handle.
func (h *Hub) Surface(handle string) (webview.Surface, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, webview.ErrClosed
	}
	if _, ok := h.surfaces[handle]; ok {
		return nil, fmt.Errorf("surface for %q already exists", handle)
	}
	s := &socketSurface{hub: h, handle: handle}
	h.surfaces[handle] = s
	return s, nil
}

func (h *Hub) lookup(handle string) (*socketSurface, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.surfaces[handle]
	return s, ok
}

func (h *Hub) remove(s *socketSurface) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.surfaces[s.handle] == s {
		delete(h.surfaces, s.handle)
	}
}

func (h *Hub) reportLost(handle string) {
	h.mu.Lock()
	fn := h.lost
	h.mu.Unlock()
	if fn != nil {
		fn(handle)
	}
}

// Connected reports whether handle has a live bridge socket.
func (h *Hub) Connected(handle string) bool {
	s, ok := h.lookup(handle)
	if !ok {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

// Close drops every socket. Surfaces stay registered so their webviews
// can still be disposed.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	surfaces := make([]*socketSurface, 0, len(h.surfaces))
	for _, s := range h.surfaces {
		surfaces = append(surfaces, s)
	}
	h.mu.Unlock()

	for _, s := range surfaces {
		s.shutdown()
	}
	h.wg.Wait()
}

// socketSurface is the Surface of one webview.
type socketSurface struct {
	hub    *Hub
	handle string

	mu       sync.Mutex
	queue    []webview.Event
	conn     *websocket.Conn
	wake     chan struct{}
	stop     chan struct{}
	timer    *time.Timer
	disposed bool
	shut     bool
}

// Load navigates a connected page to url. A page that is not connected yet
// loads the entry URL on its own.
func (s *socketSurface) Load(url string) error {
	s.mu.Lock()
	connected := s.conn != nil
	s.mu.Unlock()
	if !connected {
		return nil
	}
	return s.PostEvent(webview.Event{Type: webview.EventNavigate, URL: url})
}

// PostEvent queues ev for the page.
func (s *socketSurface) PostEvent(ev webview.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disposed {
		return webview.ErrDisposed
	}
	s.queue = append(s.queue, ev)
	s.signalLocked()
	return nil
}

// Dispose flushes queued events, then closes the socket.
func (s *socketSurface) Dispose() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disposed {
		return
	}
	s.disposed = true
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	if s.conn == nil {
		s.hub.remove(s)
		return
	}
	s.signalLocked()
}

func (s *socketSurface) signalLocked() {
	if s.wake == nil {
		return
	}
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// attach makes conn the page's socket. A previous socket is closed; its
// read loop sees it replaced and leaves without reporting a loss.
func (s *socketSurface) attach(conn *websocket.Conn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disposed || s.shut {
		return webview.ErrDisposed
	}
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	if s.conn != nil {
		close(s.stop)
		s.conn.Close()
	}
	s.conn = conn
	s.stop = make(chan struct{})
	s.wake = make(chan struct{}, 1)
	if len(s.queue) > 0 {
		s.wake <- struct{}{}
	}

	s.hub.wg.Add(1)
	go s.writeLoop(conn, s.wake, s.stop)
	return nil
}

// detach runs when the read loop of conn ends.
func (s *socketSurface) detach(conn *websocket.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != conn {
		return
	}
	close(s.stop)
	s.conn = nil
	s.wake = nil
	conn.Close()

	switch {
	case s.disposed:
		s.hub.remove(s)
	case s.shut:
	default:
		s.timer = time.AfterFunc(s.hub.grace, s.expire)
	}
}

// expire reports the webview lost unless a socket came back.
func (s *socketSurface) expire() {
	s.mu.Lock()
	lost := s.conn == nil && !s.disposed && !s.shut
	s.timer = nil
	s.mu.Unlock()
	if lost {
		s.hub.log.Debug().Str("handle", s.handle).Msg("bridge socket did not come back")
		s.hub.reportLost(s.handle)
	}
}

func (s *socketSurface) shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shut = true
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	if s.conn != nil {
		close(s.stop)
		s.conn.Close()
		s.conn = nil
		s.wake = nil
	}
}

func (s *socketSurface) writeLoop(conn *websocket.Conn, wake, stop chan struct{}) {
	defer s.hub.wg.Done()
	for {
		select {
		case <-wake:
		case <-stop:
			return
		}

		for {
			s.mu.Lock()
			if s.conn != conn {
				s.mu.Unlock()
				return
			}
			batch := s.queue
			s.queue = nil
			disposed := s.disposed
			s.mu.Unlock()

			if len(batch) == 0 {
				if disposed {
					deadline := time.Now().Add(writeWait)
					_ = conn.WriteControl(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, "disposed"), deadline)
					conn.Close()
					return
				}
				break
			}
			for _, ev := range batch {
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteJSON(ev); err != nil {
					s.hub.log.Debug().Err(err).Str("handle", s.handle).Msg("bridge write failed")
					conn.Close()
					return
				}
			}
		}
	}
}
