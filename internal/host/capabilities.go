package host

import (
	"github.com/abdulrahman305/jetbrains/internal/client"
	"github.com/abdulrahman305/jetbrains/internal/protocol"
)

const (
	capabilityEnabled = "enabled"
	capabilityNone    = "none"
)

func capability(registered bool) string {
	if registered {
		return capabilityEnabled
	}
	return capabilityNone
}

// capabilities advertises exactly the callbacks that are wired, so the
// agent never sends a request that would miss the dispatch table.
func capabilities(cb client.Callbacks, native *protocol.WebviewNativeConfig) *protocol.ClientCapabilities {
	return &protocol.ClientCapabilities{
		Edit:                capability(cb.OnTextDocumentEdit != nil),
		EditWorkspace:       capability(cb.OnWorkspaceEdit != nil),
		CodeLenses:          capability(cb.OnCodeLensesDisplay != nil),
		ShowDocument:        capability(cb.OnTextDocumentShow != nil),
		Ignore:              capability(cb.OnIgnoreDidChange != nil),
		UntitledDocuments:   capability(cb.OnOpenUntitledDocument != nil),
		Webview:             "native",
		WebviewMessages:     "string-encoded",
		WebviewNativeConfig: native,
	}
}
