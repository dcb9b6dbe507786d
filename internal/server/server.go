package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/abdulrahman305/jetbrains/internal/logging"
	"github.com/abdulrahman305/jetbrains/internal/resource"
)

// Config holds server configuration.
type Config struct {
	Host           string
	Port           int
	AllowedOrigins []string
	// CreateWait bounds how long a main-resource request waits for its
	// webview to be created.
	CreateWait  time.Duration
	BufferSize  int
	ReadTimeout time.Duration
}

// DefaultConfig returns default server configuration.
func DefaultConfig() *Config {
	return &Config{
		Host:        "127.0.0.1",
		Port:        0,
		CreateWait:  30 * time.Second,
		BufferSize:  resource.DefaultBufferSize,
		ReadTimeout: 30 * time.Second,
	}
}

// Webviews is what the server needs from the webview provider.
type Webviews interface {
	MainPage(ctx context.Context, handle string) (*resource.MainPage, error)
	Bridge(ctx context.Context, handle string, raw []byte) error
	DisposeNative(ctx context.Context, handle string) error
}

// Server is the HTTP server.
type Server struct {
	config    *Config
	router    *chi.Mux
	httpSrv   *http.Server
	webviews  Webviews
	resources *resource.Server
	hub       *Hub
	upgrader  websocket.Upgrader

	mu       sync.Mutex
	listener net.Listener

	ctx    context.Context
	cancel context.CancelFunc
	log    zerolog.Logger
}

// New creates a new Server instance. The hub's lost sockets are reported to
// webviews as native disposals.
func New(cfg *Config, webviews Webviews, resources *resource.Server, hub *Hub) *Server {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		config:    cfg,
		router:    chi.NewRouter(),
		webviews:  webviews,
		resources: resources,
		hub:       hub,
		ctx:       ctx,
		cancel:    cancel,
		log:       logging.Component("server"),
	}
	hub.setLostHandler(s.socketLost)

	s.setupMiddleware()
	s.setupRoutes()
	return s
}

// setupMiddleware configures middleware for the server.
func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.accessLog)
	s.router.Use(middleware.Recoverer)

	if len(s.config.AllowedOrigins) > 0 {
		s.router.Use(cors.Handler(cors.Options{
			AllowedOrigins: s.config.AllowedOrigins,
			AllowedMethods: []string{"GET", "HEAD", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-ID"},
			ExposedHeaders: []string{"X-Request-ID"},
			MaxAge:         300,
		}))
	}
}

// accessLog logs one line per request through zerolog.
func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		defer func() {
			s.log.Debug().
				Str("request_id", middleware.GetReqID(r.Context())).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Int("bytes", ww.BytesWritten()).
				Dur("elapsed", time.Since(start)).
				Msg("request")
		}()
		next.ServeHTTP(ww, r)
	})
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Listen binds the configured address. With port 0 the kernel picks one;
// Addr reports it afterwards.
func (s *Server) Listen() error {
	addr := net.JoinHostPort(s.config.Host, strconv.Itoa(s.config.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	return nil
}

// Addr returns the bound address, or the configured one before Listen.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return net.JoinHostPort(s.config.Host, strconv.Itoa(s.config.Port))
}

// BaseURL is the scheme and authority every webview is served from.
func (s *Server) BaseURL() string {
	return "http://" + s.Addr()
}

// Origin is the pseudo-origin of the webview handle.
func (s *Server) Origin(handle string) string {
	return s.BaseURL() + "/webview/" + url.PathEscape(handle)
}

// AssetsURL is the prefix static assets are reachable under independently
// of any webview.
func (s *Server) AssetsURL() string {
	return s.BaseURL() + "/assets"
}

// Serve accepts connections until Shutdown. It listens first if Listen was
// not called.
func (s *Server) Serve() error {
	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()
	if ln == nil {
		if err := s.Listen(); err != nil {
			return err
		}
		s.mu.Lock()
		ln = s.listener
		s.mu.Unlock()
	}

	s.mu.Lock()
	if s.ctx.Err() != nil {
		s.mu.Unlock()
		ln.Close()
		return nil
	}
	s.httpSrv = &http.Server{
		Handler:     s.router,
		ReadTimeout: s.config.ReadTimeout,
		BaseContext: func(net.Listener) context.Context { return s.ctx },
	}
	srv := s.httpSrv
	s.mu.Unlock()

	s.log.Info().Str("addr", ln.Addr().String()).Msg("serving webviews")
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server. Open bridge sockets are closed
// without reporting their webviews as disposed.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.cancel()
	srv, ln := s.httpSrv, s.listener
	s.mu.Unlock()

	s.hub.Close()
	if srv == nil {
		if ln != nil {
			ln.Close()
		}
		return nil
	}
	return srv.Shutdown(ctx)
}

func (s *Server) socketLost(handle string) {
	if s.ctx.Err() != nil {
		return
	}
	ctx, cancel := context.WithTimeout(s.ctx, s.config.CreateWait)
	defer cancel()
	if err := s.webviews.DisposeNative(ctx, handle); err != nil {
		s.log.Warn().Err(err).Str("handle", handle).Msg("dispose after lost bridge")
	}
}
