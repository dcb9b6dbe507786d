package webview

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/abdulrahman305/jetbrains/internal/logging"
	"github.com/abdulrahman305/jetbrains/internal/protocol"
	"github.com/abdulrahman305/jetbrains/internal/resource"
)

// ErrDisposed is returned by operations on a disposed proxy.
var ErrDisposed = errors.New("webview disposed")

// Event types pushed to a Surface.
const (
	EventMessage  = "message"
	EventTheme    = "theme"
	EventInit     = "init"
	EventNavigate = "navigate"
	EventTitle    = "title"
	EventDispose  = "dispose"
)

// Theme is the visual theme pushed to every webview.
type Theme struct {
	IsDark    bool              `json:"isDark"`
	Name      string            `json:"name,omitempty"`
	Variables map[string]string `json:"variables,omitempty"`
}

// Event is one host-to-surface message.
type Event struct {
	Type    string          `json:"type"`
	Message string          `json:"message,omitempty"`
	Theme   *Theme          `json:"theme,omitempty"`
	URL     string          `json:"url,omitempty"`
	Title   string          `json:"title,omitempty"`
	State   json.RawMessage `json:"state,omitempty"`
}

// Surface is the UI element rendering one webview.
type Surface interface {
	// Load points the surface at url.
	Load(url string) error
	// PostEvent delivers ev to the page. It must not block on the page.
	PostEvent(ev Event) error
	// Dispose tears the surface down.
	Dispose()
}

// SurfaceFactory creates the surface for a handle.
type SurfaceFactory func(handle string) (Surface, error)

// Proxy is the host-side state of one webview. It is not safe for
// concurrent use on its own: every access goes through the Multiplexer,
// which serializes callers on the handle's lock.
type Proxy struct {
	handle   string
	viewType string
	title    string
	html     string
	page     *resource.MainPage
	options  protocol.WebviewOptions
	origin   string
	state    json.RawMessage

	theme        *Theme
	themePending bool
	loaded       bool
	disposed     bool

	surface Surface
	log     zerolog.Logger
}

// ProxyOption configures a new Proxy.
type ProxyOption func(*Proxy)

// WithViewType sets the view type the agent registered the webview under.
func WithViewType(viewType string) ProxyOption {
	return func(p *Proxy) { p.viewType = viewType }
}

// WithTitle sets the initial title.
func WithTitle(title string) ProxyOption {
	return func(p *Proxy) { p.title = title }
}

// WithOptions sets the initial webview options.
func WithOptions(opts protocol.WebviewOptions) ProxyOption {
	return func(p *Proxy) { p.options = opts }
}

// WithOrigin sets the pseudo-origin the proxy's main page is served from.
func WithOrigin(origin string) ProxyOption {
	return func(p *Proxy) { p.origin = origin }
}

// WithTheme seeds the proxy with the current theme. It is delivered once the
// page first loads.
func WithTheme(t *Theme) ProxyOption {
	return func(p *Proxy) {
		if t != nil {
			p.theme = t
			p.themePending = true
		}
	}
}

// NewProxy returns a proxy rendering into surface.
func NewProxy(handle string, surface Surface, opts ...ProxyOption) *Proxy {
	p := &Proxy{
		handle:  handle,
		surface: surface,
		log:     logging.Component("webview").With().Str("handle", handle).Logger(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Proxy) Handle() string                   { return p.handle }
func (p *Proxy) ViewType() string                 { return p.viewType }
func (p *Proxy) Title() string                    { return p.title }
func (p *Proxy) HTML() string                     { return p.html }
func (p *Proxy) Options() protocol.WebviewOptions { return p.options }
func (p *Proxy) Loaded() bool                     { return p.loaded }
func (p *Proxy) Disposed() bool                   { return p.disposed }
func (p *Proxy) State() json.RawMessage           { return p.state }

// Page returns the generated main page, or nil before the first SetHTML.
func (p *Proxy) Page() *resource.MainPage {
	return p.page
}

// SetTitle updates the title and forwards it to the page.
func (p *Proxy) SetTitle(title string) error {
	if p.disposed {
		return ErrDisposed
	}
	p.title = title
	return p.surface.PostEvent(Event{Type: EventTitle, Title: title})
}

// SetHTML regenerates the main page from html and reloads the surface.
func (p *Proxy) SetHTML(html string) error {
	if p.disposed {
		return ErrDisposed
	}
	page, err := resource.NewMainPage(html)
	if err != nil {
		return err
	}
	p.html = html
	p.page = page
	return p.surface.Load(page.URL(p.origin))
}

// SetOptions replaces the webview options.
func (p *Proxy) SetOptions(opts protocol.WebviewOptions) error {
	if p.disposed {
		return ErrDisposed
	}
	p.options = opts
	return nil
}

// SetState stores the page state relayed by the bridge script.
func (p *Proxy) SetState(state json.RawMessage) {
	p.state = append(json.RawMessage(nil), state...)
}

// UpdateTheme records t. A loaded page receives it at once; otherwise it is
// held until MarkLoaded.
func (p *Proxy) UpdateTheme(t Theme) {
	p.theme = &t
	if p.disposed {
		return
	}
	if !p.loaded {
		p.themePending = true
		return
	}
	p.pushTheme()
}

// MarkLoaded records the first completed page load and flushes a pending
// theme. It reports whether this call was the first.
func (p *Proxy) MarkLoaded() bool {
	if p.loaded {
		return false
	}
	p.loaded = true
	if p.themePending {
		p.themePending = false
		p.pushTheme()
	}
	return true
}

// DidLoad handles a DOMContentLoaded relay: the page gets its saved state,
// then the theme. A reload after the first load repaints the theme, which
// the new document has lost.
func (p *Proxy) DidLoad() error {
	if p.disposed {
		return ErrDisposed
	}
	if err := p.surface.PostEvent(Event{Type: EventInit, State: p.state}); err != nil {
		return err
	}
	if !p.MarkLoaded() && p.theme != nil {
		p.pushTheme()
	}
	return nil
}

func (p *Proxy) pushTheme() {
	if err := p.surface.PostEvent(Event{Type: EventTheme, Theme: p.theme}); err != nil {
		p.log.Warn().Err(err).Msg("failed to push theme")
	}
}

// PostMessage delivers a string-encoded message to the page.
func (p *Proxy) PostMessage(message string) error {
	if p.disposed {
		return ErrDisposed
	}
	return p.surface.PostEvent(Event{Type: EventMessage, Message: message})
}

// Navigate points the page at url.
func (p *Proxy) Navigate(url string) error {
	if p.disposed {
		return ErrDisposed
	}
	return p.surface.PostEvent(Event{Type: EventNavigate, URL: url})
}

// AllowsCommand reports whether the options let the page run command.
func (p *Proxy) AllowsCommand(command string) bool {
	return commandAllowed(p.options.EnableCommandURIs, command)
}

// Dispose tears the surface down. It reports whether this call disposed the
// proxy.
func (p *Proxy) Dispose() bool {
	if p.disposed {
		return false
	}
	p.disposed = true
	if err := p.surface.PostEvent(Event{Type: EventDispose}); err != nil {
		p.log.Debug().Err(err).Msg("dispose event not delivered")
	}
	p.surface.Dispose()
	return true
}

func (p *Proxy) String() string {
	return fmt.Sprintf("webview(%s %s)", p.handle, p.viewType)
}
