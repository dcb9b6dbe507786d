// Package host ties the agent session, the dispatch table, the webview
// provider and the resource server together into one running plugin host.
//
// A Host outlives agent sessions. Each session lives in an Instance that
// owns its dispatch table and webviews; Restart swaps the Instance while the
// HTTP server, the event bus and the UI executor stay up.
package host

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"

	"github.com/abdulrahman305/jetbrains/internal/client"
	"github.com/abdulrahman305/jetbrains/internal/config"
	"github.com/abdulrahman305/jetbrains/internal/dispatch"
	"github.com/abdulrahman305/jetbrains/internal/event"
	"github.com/abdulrahman305/jetbrains/internal/logging"
	"github.com/abdulrahman305/jetbrains/internal/protocol"
	"github.com/abdulrahman305/jetbrains/internal/resource"
	"github.com/abdulrahman305/jetbrains/internal/server"
	"github.com/abdulrahman305/jetbrains/internal/webview"
)

// ErrStopped is returned by Start and Restart after Stop.
var ErrStopped = errors.New("host stopped")

// Host runs agent sessions and serves their webviews.
type Host struct {
	cfg       *config.Config
	callbacks client.Callbacks
	launcher  Launcher
	directory string
	fs        afero.Fs
	retry     time.Duration

	bus       *event.Bus
	ui        *dispatch.Affinity
	resources *resource.Server
	hub       *server.Hub
	server    *server.Server

	// lifecycle serializes Start and Restart so at most one instance is
	// being brought up at a time.
	lifecycle sync.Mutex

	mu       sync.Mutex
	instance *Instance
	stopped  bool

	themeMu sync.Mutex
	theme   *webview.Theme
	watcher *ThemeWatcher

	wg  sync.WaitGroup
	log zerolog.Logger
}

// Option configures a Host.
type Option func(*Host)

// WithLauncher replaces the process launcher, typically with an in-memory
// agent in tests.
func WithLauncher(l Launcher) Option {
	return func(h *Host) { h.launcher = l }
}

// WithDirectory sets the workspace root reported to the agent.
func WithDirectory(dir string) Option {
	return func(h *Host) { h.directory = dir }
}

// WithFs serves resources from fs instead of the OS filesystem.
func WithFs(fs afero.Fs) Option {
	return func(h *Host) { h.fs = fs }
}

// WithRetryInterval sets the initial delay between start attempts.
func WithRetryInterval(d time.Duration) Option {
	return func(h *Host) { h.retry = d }
}

// WithHubOptions configures the bridge socket hub.
func WithHubOptions(opts ...server.HubOption) Option {
	return func(h *Host) { h.hub = server.NewHub(opts...) }
}

// New validates cfg and builds a Host. Nothing runs until Start.
func New(cfg *config.Config, callbacks client.Callbacks, opts ...Option) (*Host, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	h := &Host{
		cfg:       cfg,
		callbacks: callbacks,
		launcher:  ProcessLauncher(cfg.Agent),
		directory: cfg.Agent.Dir,
		fs:        afero.NewOsFs(),
		retry:     500 * time.Millisecond,
		bus:       event.NewBus(),
		ui:        dispatch.NewAffinity(),
		log:       logging.Component("host"),
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.hub == nil {
		h.hub = server.NewHub()
	}
	h.theme = &webview.Theme{IsDark: cfg.Theme.IsDark, Name: cfg.Theme.Name}

	h.resources = resource.NewServer(h.fs, cfg.Resources.Root, resource.WithBufferSize(cfg.Resources.BufferSize))
	h.server = server.New(&server.Config{
		Host:           cfg.Server.Host,
		Port:           cfg.Server.Port,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		CreateWait:     h.createWait(),
		BufferSize:     cfg.Resources.BufferSize,
		ReadTimeout:    30 * time.Second,
	}, h, h.resources, h.hub)
	return h, nil
}

// Bus returns the host event bus.
func (h *Host) Bus() *event.Bus {
	return h.bus
}

// Addr returns the address webviews are served from.
func (h *Host) Addr() string {
	return h.server.Addr()
}

// BaseURL returns the HTTP origin webviews are served from.
func (h *Host) BaseURL() string {
	return h.server.BaseURL()
}

// Instance returns the current agent instance, or nil.
func (h *Host) Instance() *Instance {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.instance
}

// Start binds the HTTP server, starts the theme watcher when configured and
// brings up the first agent session.
func (h *Host) Start(ctx context.Context) error {
	h.mu.Lock()
	stopped := h.stopped
	h.mu.Unlock()
	if stopped {
		return ErrStopped
	}

	if err := h.server.Listen(); err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		if err := h.server.Serve(); err != nil {
			h.log.Error().Err(err).Msg("webview server stopped")
		}
	}()

	if h.cfg.Theme.File != "" {
		w, err := NewThemeWatcher(h.cfg.Theme.File, h)
		if err != nil {
			h.log.Warn().Err(err).Str("file", h.cfg.Theme.File).Msg("theme watcher disabled")
		} else {
			h.themeMu.Lock()
			h.watcher = w
			h.themeMu.Unlock()
		}
	}

	h.lifecycle.Lock()
	defer h.lifecycle.Unlock()
	return h.startInstance(ctx)
}

// startInstance retries launching and initializing the agent with
// exponential backoff, up to the configured number of attempts.
func (h *Host) startInstance(ctx context.Context) error {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = h.retry
	attempts := h.cfg.Agent.StartAttempts
	policy := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(attempts-1)), ctx)

	attempt := 0
	op := func() error {
		attempt++
		h.mu.Lock()
		if h.stopped {
			h.mu.Unlock()
			return backoff.Permanent(ErrStopped)
		}
		h.mu.Unlock()

		inst := newInstance(h)
		if err := inst.start(ctx); err != nil {
			inst.stop(context.Background())
			return err
		}

		h.mu.Lock()
		if h.stopped {
			h.mu.Unlock()
			inst.stop(context.Background())
			return backoff.Permanent(ErrStopped)
		}
		displaced := h.instance
		h.instance = inst
		h.mu.Unlock()
		if displaced != nil {
			displaced.stop(context.Background())
		}
		return nil
	}
	notify := func(err error, next time.Duration) {
		h.log.Warn().Err(err).Int("attempt", attempt).Dur("retry_in", next).Msg("agent start failed")
	}
	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		return fmt.Errorf("start agent after %d attempt(s): %w", attempt, err)
	}
	return nil
}

// Restart stops the current session and starts a fresh one. Webviews of the
// old session are disposed.
func (h *Host) Restart(ctx context.Context) error {
	h.lifecycle.Lock()
	defer h.lifecycle.Unlock()

	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return ErrStopped
	}
	inst := h.instance
	h.instance = nil
	h.mu.Unlock()

	if inst != nil {
		inst.stop(ctx)
	}
	return h.startInstance(ctx)
}

// Stop shuts the agent down and releases everything the host owns.
func (h *Host) Stop(ctx context.Context) error {
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return nil
	}
	h.stopped = true
	inst := h.instance
	h.instance = nil
	h.mu.Unlock()

	// An instance still coming up sees stopped and tears itself down; wait
	// for that before closing what it uses.
	h.lifecycle.Lock()
	defer h.lifecycle.Unlock()

	if inst != nil {
		inst.stop(ctx)
	}

	h.themeMu.Lock()
	w := h.watcher
	h.watcher = nil
	h.themeMu.Unlock()
	if w != nil {
		w.Close()
	}

	err := h.server.Shutdown(ctx)
	h.wg.Wait()
	h.ui.Close()
	if cerr := h.bus.Close(); err == nil {
		err = cerr
	}
	return err
}

// Theme returns the last theme set on the host.
func (h *Host) Theme() *webview.Theme {
	h.themeMu.Lock()
	defer h.themeMu.Unlock()
	if h.theme == nil {
		return nil
	}
	t := *h.theme
	return &t
}

// UpdateTheme records t and broadcasts it to every webview of the current
// session.
func (h *Host) UpdateTheme(t webview.Theme) error {
	h.themeMu.Lock()
	defer h.themeMu.Unlock()
	h.theme = &t
	return h.bus.Publish(event.ThemeChanged, event.ThemeData{
		IsDark:    t.IsDark,
		Name:      t.Name,
		Variables: t.Variables,
	})
}

// MainPage implements server.Webviews.
func (h *Host) MainPage(ctx context.Context, handle string) (*resource.MainPage, error) {
	inst := h.Instance()
	if inst == nil {
		return nil, webview.ErrClosed
	}
	return inst.provider.MainPage(ctx, handle)
}

// Bridge implements server.Webviews.
func (h *Host) Bridge(ctx context.Context, handle string, raw []byte) error {
	inst := h.Instance()
	if inst == nil {
		return webview.ErrClosed
	}
	return inst.provider.Bridge(ctx, handle, raw)
}

// DisposeNative implements server.Webviews.
func (h *Host) DisposeNative(ctx context.Context, handle string) error {
	inst := h.Instance()
	if inst == nil {
		return webview.ErrClosed
	}
	return inst.provider.DisposeNative(ctx, handle)
}

func (h *Host) createWait() time.Duration {
	return time.Duration(h.cfg.Resources.CreateWaitMs) * time.Millisecond
}

func (h *Host) initializeTimeout() time.Duration {
	return time.Duration(h.cfg.Agent.InitializeTimeoutMs) * time.Millisecond
}

// clientInfo is the initialize payload.
func (h *Host) clientInfo() protocol.ClientInfo {
	info := protocol.ClientInfo{
		Name:    h.cfg.Client.Name,
		Version: h.cfg.Client.Version,
		Capabilities: capabilities(h.callbacks, &protocol.WebviewNativeConfig{
			View:                       "multiple",
			CSPSource:                  "'self' " + h.server.BaseURL(),
			WebviewBundleServingPrefix: h.server.AssetsURL(),
			RootDir:                    h.cfg.Resources.Root,
		}),
	}
	if h.directory != "" {
		if abs, err := filepath.Abs(h.directory); err == nil {
			info.WorkspaceRootURI = (&url.URL{Scheme: "file", Path: filepath.ToSlash(abs)}).String()
		}
	}
	return info
}
