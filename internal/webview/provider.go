package webview

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/abdulrahman305/jetbrains/internal/logging"
	"github.com/abdulrahman305/jetbrains/internal/protocol"
	"github.com/abdulrahman305/jetbrains/internal/resource"
)

// DefaultCreateTimeout bounds how long an agent notification waits for the
// webview it targets to be created.
const DefaultCreateTimeout = 30 * time.Second

// Agent is the part of the session the provider talks back to.
type Agent interface {
	Notify(ctx context.Context, method string, params any) error
	Request(ctx context.Context, method string, params, result any) error
}

// Listener observes webview lifecycle changes.
type Listener interface {
	WebviewCreated(handle, viewType string)
	WebviewDisposed(handle string)
}

// Provider implements the webview half of the agent protocol on top of a
// Multiplexer: it creates proxies, routes agent notifications to them and
// relays what the pages send back.
type Provider struct {
	mux      *Multiplexer
	agent    Agent
	surfaces SurfaceFactory
	origin   func(handle string) string
	listener Listener
	timeout  time.Duration

	mu    sync.Mutex
	theme *Theme
	views map[string]protocol.RegisterWebviewViewProviderParams

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	log    zerolog.Logger
}

// ProviderOption configures a Provider.
type ProviderOption func(*Provider)

// WithOriginFunc sets the pseudo-origin each webview is served from.
func WithOriginFunc(fn func(handle string) string) ProviderOption {
	return func(p *Provider) { p.origin = fn }
}

// WithListener registers l for lifecycle changes.
func WithListener(l Listener) ProviderOption {
	return func(p *Provider) { p.listener = l }
}

// WithCreateTimeout overrides DefaultCreateTimeout.
func WithCreateTimeout(d time.Duration) ProviderOption {
	return func(p *Provider) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// WithInitialTheme seeds the theme handed to new webviews.
func WithInitialTheme(t Theme) ProviderOption {
	return func(p *Provider) { p.theme = &t }
}

// NewProvider returns a Provider with its own Multiplexer.
func NewProvider(agent Agent, surfaces SurfaceFactory, opts ...ProviderOption) *Provider {
	ctx, cancel := context.WithCancel(context.Background())
	p := &Provider{
		mux:      NewMultiplexer(),
		agent:    agent,
		surfaces: surfaces,
		origin:   func(handle string) string { return "http://agenthost.invalid/webview/" + handle },
		timeout:  DefaultCreateTimeout,
		views:    make(map[string]protocol.RegisterWebviewViewProviderParams),
		ctx:      ctx,
		cancel:   cancel,
		log:      logging.Component("webview"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Multiplexer exposes the proxies.
func (p *Provider) Multiplexer() *Multiplexer {
	return p.mux
}

// Theme returns the theme new webviews start with.
func (p *Provider) Theme() *Theme {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.theme == nil {
		return nil
	}
	t := *p.theme
	return &t
}

func (p *Provider) wait(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, p.timeout)
}

func (p *Provider) create(handle, viewType, title string, opts protocol.WebviewOptions) error {
	err := p.mux.CreateWithHandle(handle, func() (*Proxy, error) {
		surface, err := p.surfaces(handle)
		if err != nil {
			return nil, err
		}
		return NewProxy(handle, surface,
			WithViewType(viewType),
			WithTitle(title),
			WithOptions(opts),
			WithOrigin(p.origin(handle)),
			WithTheme(p.Theme()),
		), nil
	})
	if err != nil {
		return err
	}
	p.log.Debug().Str("handle", handle).Str("viewType", viewType).Msg("webview created")
	if p.listener != nil {
		p.listener.WebviewCreated(handle, viewType)
	}
	return nil
}

// CreatePanel handles webview/createWebviewPanel.
func (p *Provider) CreatePanel(_ context.Context, params protocol.CreateWebviewPanelParams) error {
	return p.create(params.Handle, params.ViewType, params.Title, params.Options)
}

// RegisterViewProvider handles webview/registerWebviewViewProvider. The view
// is resolved in the background: a webview is created for it and the agent
// is asked to fill it.
func (p *Provider) RegisterViewProvider(_ context.Context, params protocol.RegisterWebviewViewProviderParams) error {
	p.mu.Lock()
	p.views[params.ViewID] = params
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		if _, err := p.ResolveView(p.ctx, params.ViewID); err != nil && !errors.Is(err, context.Canceled) {
			p.log.Warn().Err(err).Str("viewId", params.ViewID).Msg("failed to resolve webview view")
		}
	}()
	return nil
}

// ResolveView creates a webview for a registered view and asks the agent to
// resolve it. It returns the new handle.
func (p *Provider) ResolveView(ctx context.Context, viewID string) (string, error) {
	p.mu.Lock()
	reg, ok := p.views[viewID]
	p.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("view %q not registered", viewID)
	}

	handle := uuid.NewString()
	opts := protocol.WebviewOptions{RetainContextWhenHidden: reg.RetainContextWhenHidden}
	if err := p.create(handle, viewID, "", opts); err != nil {
		return "", err
	}
	params := protocol.ResolveWebviewViewParams{ViewID: viewID, WebviewHandle: handle}
	if err := p.agent.Request(ctx, protocol.MethodWebviewResolveView, params, nil); err != nil {
		return handle, fmt.Errorf("resolve view %q: %w", viewID, err)
	}
	return handle, nil
}

// PostMessage handles webview/postMessageStringEncoded.
func (p *Provider) PostMessage(ctx context.Context, params protocol.PostMessageStringEncodedParams) error {
	ctx, cancel := p.wait(ctx)
	defer cancel()
	return p.mux.WithProxy(ctx, params.ID, func(proxy *Proxy) error {
		return proxy.PostMessage(params.StringEncodedMessage)
	})
}

// SetHTML handles webview/setHtml.
func (p *Provider) SetHTML(ctx context.Context, params protocol.SetHTMLParams) error {
	ctx, cancel := p.wait(ctx)
	defer cancel()
	return p.mux.WithProxy(ctx, params.Handle, func(proxy *Proxy) error {
		return proxy.SetHTML(params.HTML)
	})
}

// SetOptions handles webview/setOptions.
func (p *Provider) SetOptions(ctx context.Context, params protocol.SetOptionsParams) error {
	ctx, cancel := p.wait(ctx)
	defer cancel()
	return p.mux.WithProxy(ctx, params.Handle, func(proxy *Proxy) error {
		return proxy.SetOptions(params.Options)
	})
}

// SetTitle handles webview/setTitle.
func (p *Provider) SetTitle(ctx context.Context, params protocol.SetTitleParams) error {
	ctx, cancel := p.wait(ctx)
	defer cancel()
	return p.mux.WithProxy(ctx, params.Handle, func(proxy *Proxy) error {
		return proxy.SetTitle(params.Title)
	})
}

// Dispose handles webview/dispose.
func (p *Provider) Dispose(ctx context.Context, params protocol.DisposeParams) error {
	_, err := p.dispose(ctx, params.Handle)
	return err
}

// DisposeNative disposes a webview whose surface went away on the host side
// and tells the agent about it.
func (p *Provider) DisposeNative(ctx context.Context, handle string) error {
	disposed, err := p.dispose(ctx, handle)
	if err != nil || !disposed {
		return err
	}
	return p.agent.Notify(ctx, protocol.MethodWebviewDidDisposeNative, protocol.DisposeParams{Handle: handle})
}

func (p *Provider) dispose(ctx context.Context, handle string) (bool, error) {
	ctx, cancel := p.wait(ctx)
	defer cancel()
	disposed, err := Query(ctx, p.mux, handle, func(proxy *Proxy) (bool, error) {
		return proxy.Dispose(), nil
	})
	if err != nil {
		return false, err
	}
	if disposed && p.listener != nil {
		p.listener.WebviewDisposed(handle)
	}
	return disposed, nil
}

// UpdateTheme remembers t for future webviews and pushes it to every live
// one.
func (p *Provider) UpdateTheme(t Theme) {
	p.mu.Lock()
	p.theme = &t
	p.mu.Unlock()
	p.mux.Broadcast(func(proxy *Proxy) { proxy.UpdateTheme(t) })
}

// Navigate handles a link the page tried to follow. Only command URIs are
// acted on, and only when the webview's options allow the command.
func (p *Provider) Navigate(ctx context.Context, handle, uri string) error {
	cmd, ok := ParseCommandURI(uri)
	if !ok {
		p.log.Debug().Str("handle", handle).Str("uri", uri).Msg("ignoring navigation")
		return nil
	}
	allowed, err := Query(ctx, p.mux, handle, func(proxy *Proxy) (bool, error) {
		return !proxy.Disposed() && proxy.AllowsCommand(cmd.Command), nil
	})
	if err != nil {
		return err
	}
	if !allowed {
		p.log.Debug().Str("handle", handle).Str("command", cmd.Command).Msg("command URI not enabled")
		return nil
	}
	params := protocol.ExecuteCommandParams{Command: cmd.Command, Arguments: cmd.Arguments}
	return p.agent.Request(ctx, protocol.MethodCommandExecute, params, nil)
}

// MainPage returns the generated main page of handle, waiting for the
// webview to be created.
func (p *Provider) MainPage(ctx context.Context, handle string) (*resource.MainPage, error) {
	page, err := Query(ctx, p.mux, handle, func(proxy *Proxy) (*resource.MainPage, error) {
		if proxy.Disposed() {
			return nil, ErrDisposed
		}
		return proxy.Page(), nil
	})
	if err != nil {
		return nil, err
	}
	if page == nil {
		return nil, resource.ErrNotFound
	}
	return page, nil
}

// Close stops background view resolution and disposes every webview.
func (p *Provider) Close() {
	p.cancel()
	p.wg.Wait()
	p.mux.Close()
}
