package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// CommandURIPolicy is the enableCommandUris option: false or absent
// disables command links, true allows every command and a list allows the
// commands matching any of its glob patterns.
type CommandURIPolicy struct {
	All     bool
	Allowed []string
}

// Enabled reports whether any command may run.
func (p CommandURIPolicy) Enabled() bool {
	return p.All || len(p.Allowed) > 0
}

func (p CommandURIPolicy) MarshalJSON() ([]byte, error) {
	if len(p.Allowed) > 0 && !p.All {
		return json.Marshal(p.Allowed)
	}
	return json.Marshal(p.All)
}

func (p *CommandURIPolicy) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	*p = CommandURIPolicy{}
	switch {
	case bytes.Equal(data, []byte("null")):
		return nil
	case len(data) > 0 && data[0] == '[':
		return json.Unmarshal(data, &p.Allowed)
	default:
		if err := json.Unmarshal(data, &p.All); err != nil {
			return fmt.Errorf("enableCommandUris must be a boolean or a list: %w", err)
		}
		return nil
	}
}

// WebviewOptions are the options that apply to a live webview.
type WebviewOptions struct {
	EnableScripts           bool             `json:"enableScripts"`
	EnableForms             bool             `json:"enableForms"`
	EnableCommandURIs       CommandURIPolicy `json:"enableCommandUris"`
	LocalResourceRoots      []string         `json:"localResourceRoots,omitempty"`
	EnableFindWidget        bool             `json:"enableFindWidget"`
	RetainContextWhenHidden bool             `json:"retainContextWhenHidden"`
}

// ShowOptions position a new panel.
type ShowOptions struct {
	PreserveFocus bool `json:"preserveFocus"`
	ViewColumn    int  `json:"viewColumn"`
}

// CreateWebviewPanelParams is the payload of webview/createWebviewPanel.
type CreateWebviewPanelParams struct {
	Handle      string         `json:"handle" validate:"required"`
	ViewType    string         `json:"viewType"`
	Title       string         `json:"title"`
	ShowOptions ShowOptions    `json:"showOptions"`
	Options     WebviewOptions `json:"options"`
}

// PostMessageStringEncodedParams is the payload of
// webview/postMessageStringEncoded.
type PostMessageStringEncodedParams struct {
	ID                   string `json:"id" validate:"required"`
	StringEncodedMessage string `json:"stringEncodedMessage"`
}

// RegisterWebviewViewProviderParams is the payload of
// webview/registerWebviewViewProvider.
type RegisterWebviewViewProviderParams struct {
	ViewID                  string `json:"viewId" validate:"required"`
	RetainContextWhenHidden bool   `json:"retainContextWhenHidden"`
}

// ResolveWebviewViewParams asks the agent to fill the webview created for a
// registered view.
type ResolveWebviewViewParams struct {
	ViewID        string `json:"viewId"`
	WebviewHandle string `json:"webviewHandle"`
}

// SetHTMLParams is the payload of webview/setHtml.
type SetHTMLParams struct {
	Handle string `json:"handle" validate:"required"`
	HTML   string `json:"html"`
}

// SetOptionsParams is the payload of webview/setOptions.
type SetOptionsParams struct {
	Handle  string         `json:"handle" validate:"required"`
	Options WebviewOptions `json:"options"`
}

// SetTitleParams is the payload of webview/setTitle.
type SetTitleParams struct {
	Handle string `json:"handle" validate:"required"`
	Title  string `json:"title"`
}

// SetIconPathParams is the payload of webview/setIconPath.
type SetIconPathParams struct {
	Handle      string `json:"handle" validate:"required"`
	IconPathURI string `json:"iconPathUri,omitempty"`
}

// RevealParams is the payload of webview/reveal.
type RevealParams struct {
	Handle        string `json:"handle" validate:"required"`
	ViewColumn    int    `json:"viewColumn"`
	PreserveFocus bool   `json:"preserveFocus"`
}

// DisposeParams is the payload of webview/dispose and
// webview/didDisposeNative.
type DisposeParams struct {
	Handle string `json:"handle" validate:"required"`
}

// ReceiveMessageStringEncodedParams relays a message from a webview to the
// agent.
type ReceiveMessageStringEncodedParams struct {
	ID                   string `json:"id"`
	MessageStringEncoded string `json:"messageStringEncoded"`
}

// ExtensionMessage is a message of the legacy webview/postMessage path. Only
// Type is interpreted; the full payload is kept in Raw.
type ExtensionMessage struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

func (m *ExtensionMessage) UnmarshalJSON(data []byte) error {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return err
	}
	m.Type = head.Type
	m.Raw = append(json.RawMessage(nil), data...)
	return nil
}

func (m ExtensionMessage) MarshalJSON() ([]byte, error) {
	if len(m.Raw) > 0 {
		return m.Raw, nil
	}
	return json.Marshal(struct {
		Type string `json:"type"`
	}{m.Type})
}

// ConfigFeatures is carried by setConfigFeatures extension messages.
type ConfigFeatures struct {
	Chat             bool `json:"chat"`
	Attribution      bool `json:"attribution"`
	ServerSentModels bool `json:"serverSentModels"`
}

// ConfigFeatures decodes the configFeatures field of a setConfigFeatures
// message.
func (m ExtensionMessage) ConfigFeatures() (ConfigFeatures, error) {
	var body struct {
		ConfigFeatures ConfigFeatures `json:"configFeatures"`
	}
	if len(m.Raw) == 0 {
		return body.ConfigFeatures, nil
	}
	err := json.Unmarshal(m.Raw, &body)
	return body.ConfigFeatures, err
}

// WebviewPostMessageParams is the payload of the legacy webview/postMessage.
type WebviewPostMessageParams struct {
	ID      string           `json:"id"`
	Message ExtensionMessage `json:"message"`
}

// LegacyWebviewCreateParams is the payload of the legacy webview/create
// request.
type LegacyWebviewCreateParams struct {
	ID   string          `json:"id"`
	Data json.RawMessage `json:"data,omitempty"`
}
