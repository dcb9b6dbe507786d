// Package client registers the host's side of the agent protocol: every
// request and notification the agent may send, routed to the integration
// callbacks and the webview provider.
package client

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog"

	"github.com/abdulrahman305/jetbrains/internal/dispatch"
	"github.com/abdulrahman305/jetbrains/internal/logging"
	"github.com/abdulrahman305/jetbrains/internal/protocol"
)

// Callbacks are the integration points of the IDE. A nil callback leaves
// its method unregistered, so requests for it fail with "No callback
// registered for <method>".
type Callbacks struct {
	OnTextDocumentEdit     func(ctx context.Context, params protocol.TextDocumentEditParams) (bool, error)
	OnTextDocumentShow     func(ctx context.Context, params protocol.TextDocumentShowParams) (bool, error)
	OnOpenUntitledDocument func(ctx context.Context, params protocol.UntitledTextDocument) (*protocol.ProtocolTextDocument, error)
	OnWorkspaceEdit        func(ctx context.Context, params protocol.WorkspaceEditParams) (bool, error)
	OnOpenExternal         func(ctx context.Context, params protocol.OpenExternalParams) (bool, error)

	OnEditTaskDidUpdate        func(ctx context.Context, task protocol.EditTask) error
	OnEditTaskDidDelete        func(ctx context.Context, task protocol.EditTask) error
	OnCodeLensesDisplay        func(ctx context.Context, params protocol.DisplayCodeLensParams) error
	OnRemoteRepoDidChange      func(ctx context.Context) error
	OnRemoteRepoDidChangeState func(ctx context.Context, state protocol.RemoteRepoFetchState) error
	OnIgnoreDidChange          func(ctx context.Context) error
	OnDebugMessage             func(ctx context.Context, msg protocol.DebugMessage) error

	// Legacy webview/postMessage routing, by extension message type.
	OnNewMessage        func(ctx context.Context, params protocol.WebviewPostMessageParams) error
	OnSetConfigFeatures func(ctx context.Context, features protocol.ConfigFeatures) error
	OnWebviewMessage    func(ctx context.Context, params protocol.WebviewPostMessageParams) error
}

// Webviews is the webview half of the protocol.
type Webviews interface {
	CreatePanel(ctx context.Context, params protocol.CreateWebviewPanelParams) error
	PostMessage(ctx context.Context, params protocol.PostMessageStringEncodedParams) error
	RegisterViewProvider(ctx context.Context, params protocol.RegisterWebviewViewProviderParams) error
	SetHTML(ctx context.Context, params protocol.SetHTMLParams) error
	SetOptions(ctx context.Context, params protocol.SetOptionsParams) error
	SetTitle(ctx context.Context, params protocol.SetTitleParams) error
	Dispose(ctx context.Context, params protocol.DisposeParams) error
}

// Client holds what Register wires into a dispatch table.
type Client struct {
	callbacks Callbacks
	webviews  Webviews
	lane      *dispatch.Affinity
	log       zerolog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithWebviews routes the webview/* notifications to w.
func WithWebviews(w Webviews) Option {
	return func(c *Client) { c.webviews = w }
}

// WithWebviewLane runs webview notifications on lane, in arrival order.
// Without a lane they run on the session's read loop, where waiting for a
// webview that is not created yet stalls every other message.
func WithWebviewLane(lane *dispatch.Affinity) Option {
	return func(c *Client) { c.lane = lane }
}

// New creates a Client.
func New(callbacks Callbacks, opts ...Option) *Client {
	c := &Client{
		callbacks: callbacks,
		log:       logging.Component("client"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func request[P, R any](t *dispatch.Table, method string, fn func(context.Context, P) (R, error), opts ...dispatch.Option) {
	if fn == nil {
		return
	}
	dispatch.Request(t, method, fn, opts...)
}

func notification[P any](t *dispatch.Table, method string, fn func(context.Context, P) error, opts ...dispatch.Option) {
	if fn == nil {
		return
	}
	dispatch.Notification(t, method, fn, opts...)
}

// Register installs every handler on t.
func (c *Client) Register(t *dispatch.Table) {
	cb := c.callbacks
	ui := dispatch.OnAffinity()

	request(t, protocol.MethodTextDocumentEdit, cb.OnTextDocumentEdit, ui)
	request(t, protocol.MethodTextDocumentShow, cb.OnTextDocumentShow, ui)
	request(t, protocol.MethodTextDocumentOpenUntitled, cb.OnOpenUntitledDocument)
	request(t, protocol.MethodWorkspaceEdit, cb.OnWorkspaceEdit, ui)
	request(t, protocol.MethodEnvOpenExternal, cb.OnOpenExternal, ui)
	dispatch.Request(t, protocol.MethodWebviewCreate, c.webviewCreate)

	notification(t, protocol.MethodEditTaskDidUpdate, cb.OnEditTaskDidUpdate, ui)
	notification(t, protocol.MethodEditTaskDidDelete, cb.OnEditTaskDidDelete, ui)
	notification(t, protocol.MethodCodeLensesDisplay, cb.OnCodeLensesDisplay, ui)
	notification(t, protocol.MethodRemoteRepoDidChangeState, cb.OnRemoteRepoDidChangeState)
	if fn := cb.OnRemoteRepoDidChange; fn != nil {
		t.RegisterNotification(protocol.MethodRemoteRepoDidChange, func(ctx context.Context, _ json.RawMessage) error {
			return fn(ctx)
		})
	}
	if fn := cb.OnIgnoreDidChange; fn != nil {
		t.RegisterNotification(protocol.MethodIgnoreDidChange, func(ctx context.Context, _ json.RawMessage) error {
			return fn(ctx)
		})
	}
	dispatch.Notification(t, protocol.MethodDebugMessage, c.debugMessage)
	dispatch.Notification(t, protocol.MethodWebviewPostMessage, c.webviewPostMessage, ui)

	c.registerWebviews(t)
}

func (c *Client) registerWebviews(t *dispatch.Table) {
	w := c.webviews
	if w == nil {
		return
	}
	var opts []dispatch.Option
	if c.lane != nil {
		opts = append(opts, dispatch.On(c.lane))
	}

	dispatch.Notification(t, protocol.MethodWebviewCreatePanel, w.CreatePanel, opts...)
	dispatch.Notification(t, protocol.MethodWebviewPostMessageEncoded, w.PostMessage, opts...)
	dispatch.Notification(t, protocol.MethodWebviewRegisterViewProvider, w.RegisterViewProvider, opts...)
	dispatch.Notification(t, protocol.MethodWebviewSetHTML, w.SetHTML, opts...)
	dispatch.Notification(t, protocol.MethodWebviewSetOptions, w.SetOptions, opts...)
	dispatch.Notification(t, protocol.MethodWebviewSetTitle, w.SetTitle, opts...)
	dispatch.Notification(t, protocol.MethodWebviewDispose, w.Dispose, opts...)
	dispatch.Notification(t, protocol.MethodWebviewReveal, c.webviewReveal)
	dispatch.Notification(t, protocol.MethodWebviewSetIconPath, c.webviewSetIconPath)
}

func (c *Client) webviewCreate(_ context.Context, params protocol.LegacyWebviewCreateParams) (any, error) {
	c.log.Error().Str("id", params.ID).Msg("webview/create should not be sent when chat/new is used")
	return nil, nil
}

func (c *Client) debugMessage(ctx context.Context, msg protocol.DebugMessage) error {
	c.log.Warn().Msg(msg.String())
	if c.callbacks.OnDebugMessage != nil {
		return c.callbacks.OnDebugMessage(ctx, msg)
	}
	return nil
}

func (c *Client) webviewPostMessage(ctx context.Context, params protocol.WebviewPostMessageParams) error {
	cb := c.callbacks
	switch msgType := params.Message.Type; {
	case cb.OnNewMessage != nil && msgType == protocol.ExtensionMessageTranscript:
		return cb.OnNewMessage(ctx, params)
	case cb.OnSetConfigFeatures != nil && msgType == protocol.ExtensionMessageSetConfigFeatures:
		features, err := params.Message.ConfigFeatures()
		if err != nil {
			return err
		}
		return cb.OnSetConfigFeatures(ctx, features)
	case cb.OnWebviewMessage != nil:
		return cb.OnWebviewMessage(ctx, params)
	default:
		c.log.Debug().Str("id", params.ID).Str("message", string(params.Message.Raw)).Msg("webview/postMessage")
		return nil
	}
}

func (c *Client) webviewReveal(_ context.Context, params protocol.RevealParams) error {
	c.log.Debug().Str("handle", params.Handle).Msg("webview/reveal is not supported")
	return nil
}

func (c *Client) webviewSetIconPath(_ context.Context, params protocol.SetIconPathParams) error {
	c.log.Debug().Str("handle", params.Handle).Msg("webview/setIconPath is not supported")
	return nil
}
