package protocol

import "encoding/json"

// ClientCapabilities advertises what the host implements.
type ClientCapabilities struct {
	Edit                string               `json:"edit,omitempty"`
	EditWorkspace       string               `json:"editWorkspace,omitempty"`
	CodeLenses          string               `json:"codeLenses,omitempty"`
	ShowDocument        string               `json:"showDocument,omitempty"`
	Ignore              string               `json:"ignore,omitempty"`
	UntitledDocuments   string               `json:"untitledDocuments,omitempty"`
	Webview             string               `json:"webview,omitempty"`
	WebviewMessages     string               `json:"webviewMessages,omitempty"`
	WebviewNativeConfig *WebviewNativeConfig `json:"webviewNativeConfig,omitempty"`
}

// WebviewNativeConfig tells the agent how native webviews load resources.
type WebviewNativeConfig struct {
	View                       string `json:"view"`
	CSPSource                  string `json:"cspSource"`
	WebviewBundleServingPrefix string `json:"webviewBundleServingPrefix"`
	RootDir                    string `json:"rootDir,omitempty"`
}

// ClientInfo is the payload of initialize.
type ClientInfo struct {
	Name                   string              `json:"name" validate:"required"`
	Version                string              `json:"version" validate:"required"`
	IDEVersion             string              `json:"ideVersion,omitempty"`
	WorkspaceRootURI       string              `json:"workspaceRootUri"`
	ExtensionConfiguration json.RawMessage     `json:"extensionConfiguration,omitempty"`
	Capabilities           *ClientCapabilities `json:"capabilities,omitempty"`
}

// ServerInfo is the result of initialize.
type ServerInfo struct {
	Name          string `json:"name"`
	Authenticated bool   `json:"authenticated,omitempty"`
	CodyVersion   string `json:"codyVersion,omitempty"`
}
