package host

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/abdulrahman305/jetbrains/internal/agent"
	"github.com/abdulrahman305/jetbrains/internal/client"
	"github.com/abdulrahman305/jetbrains/internal/dispatch"
	"github.com/abdulrahman305/jetbrains/internal/event"
	"github.com/abdulrahman305/jetbrains/internal/logging"
	"github.com/abdulrahman305/jetbrains/internal/protocol"
	"github.com/abdulrahman305/jetbrains/internal/webview"
)

const shutdownTimeout = 2 * time.Second

// ErrNotStarted is returned by agent calls made before the session is up.
var ErrNotStarted = errors.New("agent session not started")

// Instance is one agent session together with everything scoped to it: the
// dispatch table, the webview lane and the webview provider. A restart
// replaces the whole Instance.
type Instance struct {
	id       string
	host     *Host
	table    *dispatch.Table
	lane     *dispatch.Affinity
	provider *webview.Provider

	mu      sync.Mutex
	session *agent.Session
	info    protocol.ServerInfo
	started bool

	unsubscribe func()
	stopping    chan struct{}
	stopOnce    sync.Once
	wg          sync.WaitGroup
	log         zerolog.Logger
}

func newInstance(h *Host) *Instance {
	id := ulid.Make().String()
	i := &Instance{
		id:       id,
		host:     h,
		table:    dispatch.NewTable(h.ui),
		lane:     dispatch.NewAffinity(),
		stopping: make(chan struct{}),
		log:      logging.Component("host").With().Str("instance", id).Logger(),
	}
	i.provider = webview.NewProvider(i, h.hub.Surface,
		webview.WithOriginFunc(h.server.Origin),
		webview.WithListener(i),
		webview.WithCreateTimeout(h.createWait()),
	)
	client.New(h.callbacks,
		client.WithWebviews(i.provider),
		client.WithWebviewLane(i.lane),
	).Register(i.table)

	// Subscribe before reading the current theme: a change published in
	// between reaches the provider through the subscription.
	i.unsubscribe = h.bus.Subscribe(event.ThemeChanged, i.themeChanged)
	if t := h.Theme(); t != nil {
		i.provider.UpdateTheme(*t)
	}
	return i
}

// ID identifies the instance in events and logs.
func (i *Instance) ID() string {
	return i.id
}

// Session returns the live session, or nil before start.
func (i *Instance) Session() *agent.Session {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.session
}

// ServerInfo is what the agent answered to initialize.
func (i *Instance) ServerInfo() protocol.ServerInfo {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.info
}

// Provider returns the webview provider of this instance.
func (i *Instance) Provider() *webview.Provider {
	return i.provider
}

// Table returns the dispatch table agent messages are routed through.
func (i *Instance) Table() *dispatch.Table {
	return i.table
}

// start launches the session and runs the initialize handshake.
func (i *Instance) start(ctx context.Context) error {
	session, err := i.host.launcher(ctx, i.table)
	if err != nil {
		return err
	}
	i.mu.Lock()
	i.session = session
	i.mu.Unlock()

	initCtx, cancel := context.WithTimeout(ctx, i.host.initializeTimeout())
	defer cancel()
	var info protocol.ServerInfo
	if err := session.Request(initCtx, protocol.MethodInitialize, i.host.clientInfo(), &info); err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	if err := session.Notify(ctx, protocol.MethodInitialized, nil); err != nil {
		return fmt.Errorf("initialized: %w", err)
	}

	i.mu.Lock()
	i.info = info
	i.started = true
	i.mu.Unlock()
	i.log.Info().
		Str("session", session.ID()).
		Str("agent", info.Name).
		Bool("authenticated", info.Authenticated).
		Msg("agent initialized")

	i.publish(event.SessionStarted, event.SessionData{InstanceID: i.id, SessionID: session.ID()})
	i.wg.Add(1)
	go i.watch(session)
	return nil
}

// watch reports a session that ends without Stop.
func (i *Instance) watch(session *agent.Session) {
	defer i.wg.Done()
	select {
	case <-session.Done():
	case <-i.stopping:
		return
	}
	select {
	case <-i.stopping:
		return
	default:
	}
	reason := "agent exited"
	if err := session.Err(); err != nil {
		reason = err.Error()
	}
	i.log.Error().Str("session", session.ID()).Str("reason", reason).Msg("agent session ended unexpectedly")
	i.publish(event.SessionStopped, event.SessionData{InstanceID: i.id, SessionID: session.ID(), Reason: reason})
}

// stop shuts the agent down politely, then tears down the session and
// every webview of the instance.
func (i *Instance) stop(ctx context.Context) {
	i.stopOnce.Do(func() {
		close(i.stopping)
		session := i.Session()
		if session != nil && session.Alive() {
			sctx, cancel := context.WithTimeout(ctx, shutdownTimeout)
			if err := session.Request(sctx, protocol.MethodShutdown, nil, nil); err != nil {
				i.log.Debug().Err(err).Msg("shutdown request failed")
			}
			if err := session.Notify(sctx, protocol.MethodExit, nil); err != nil {
				i.log.Debug().Err(err).Msg("exit notification failed")
			}
			cancel()
		}
		if session != nil {
			session.Stop()
		}
		i.wg.Wait()

		i.unsubscribe()
		i.provider.Close()
		i.lane.Close()

		i.mu.Lock()
		started := i.started
		i.mu.Unlock()
		if started {
			i.publish(event.SessionStopped, event.SessionData{InstanceID: i.id, SessionID: session.ID(), Reason: "stopped"})
		}
	})
}

func (i *Instance) publish(t event.EventType, data any) {
	if err := i.host.bus.Publish(t, data); err != nil && !errors.Is(err, event.ErrClosed) {
		i.log.Warn().Err(err).Str("event", string(t)).Msg("publish failed")
	}
}

func (i *Instance) themeChanged(ev event.Event) {
	data, err := event.Decode[event.ThemeData](ev)
	if err != nil {
		i.log.Warn().Err(err).Msg("bad theme event")
		return
	}
	i.provider.UpdateTheme(webview.Theme{IsDark: data.IsDark, Name: data.Name, Variables: data.Variables})
}

// Notify implements webview.Agent.
func (i *Instance) Notify(ctx context.Context, method string, params any) error {
	session := i.Session()
	if session == nil {
		return ErrNotStarted
	}
	return session.Notify(ctx, method, params)
}

// Request implements webview.Agent.
func (i *Instance) Request(ctx context.Context, method string, params, result any) error {
	session := i.Session()
	if session == nil {
		return ErrNotStarted
	}
	return session.Request(ctx, method, params, result)
}

// WebviewCreated implements webview.Listener.
func (i *Instance) WebviewCreated(handle, viewType string) {
	i.publish(event.WebviewCreated, event.WebviewData{InstanceID: i.id, Handle: handle, ViewType: viewType})
}

// WebviewDisposed implements webview.Listener.
func (i *Instance) WebviewDisposed(handle string) {
	i.publish(event.WebviewDisposed, event.WebviewData{InstanceID: i.id, Handle: handle})
}
