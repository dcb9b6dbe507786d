// Package protocol defines the method names and payload shapes exchanged
// with the agent.
package protocol

// Requests the agent sends to the host.
const (
	MethodTextDocumentEdit         = "textDocument/edit"
	MethodTextDocumentShow         = "textDocument/show"
	MethodTextDocumentOpenUntitled = "textDocument/openUntitledDocument"
	MethodWorkspaceEdit            = "workspace/edit"
	MethodEnvOpenExternal          = "env/openExternal"
	MethodWebviewCreate            = "webview/create"
)

// Notifications the agent sends to the host.
const (
	MethodEditTaskDidUpdate           = "editTask/didUpdate"
	MethodEditTaskDidDelete           = "editTask/didDelete"
	MethodCodeLensesDisplay           = "codeLenses/display"
	MethodRemoteRepoDidChange         = "remoteRepo/didChange"
	MethodRemoteRepoDidChangeState    = "remoteRepo/didChangeState"
	MethodIgnoreDidChange             = "ignore/didChange"
	MethodDebugMessage                = "debug/message"
	MethodWebviewCreatePanel          = "webview/createWebviewPanel"
	MethodWebviewPostMessageEncoded   = "webview/postMessageStringEncoded"
	MethodWebviewRegisterViewProvider = "webview/registerWebviewViewProvider"
	MethodWebviewSetHTML              = "webview/setHtml"
	MethodWebviewSetOptions           = "webview/setOptions"
	MethodWebviewSetTitle             = "webview/setTitle"
	MethodWebviewSetIconPath          = "webview/setIconPath"
	MethodWebviewReveal               = "webview/reveal"
	MethodWebviewDispose              = "webview/dispose"
	MethodWebviewPostMessage          = "webview/postMessage"
)

// Traffic the host initiates.
const (
	MethodInitialize                   = "initialize"
	MethodInitialized                  = "initialized"
	MethodShutdown                     = "shutdown"
	MethodExit                         = "exit"
	MethodWebviewReceiveMessageEncoded = "webview/receiveMessageStringEncoded"
	MethodWebviewDidDisposeNative      = "webview/didDisposeNative"
	MethodWebviewResolveView           = "webview/resolveWebviewView"
	MethodCommandExecute               = "command/execute"
)

// Extension message types routed by the legacy webview/postMessage path.
const (
	ExtensionMessageTranscript        = "transcript"
	ExtensionMessageSetConfigFeatures = "setConfigFeatures"
)
