package protocol

import (
	"encoding/json"
	"fmt"
)

// Position is a zero-based line/character offset.
type Position struct {
	Line      int `json:"line" validate:"gte=0"`
	Character int `json:"character" validate:"gte=0"`
}

// Range is a half-open span between two positions.
type Range struct {
	Start Position `json:"start"`
	End   Position `json:"end"`
}

// TextEdit kinds.
const (
	TextEditReplace = "replace"
	TextEditInsert  = "insert"
	TextEditDelete  = "delete"
)

// TextEdit is one change to a document. Type selects which of Range and
// Position is meaningful.
type TextEdit struct {
	Type     string          `json:"type" validate:"oneof=replace insert delete"`
	Range    *Range          `json:"range,omitempty" validate:"required_unless=Type insert"`
	Position *Position       `json:"position,omitempty" validate:"required_if=Type insert"`
	Value    string          `json:"value,omitempty"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

// TextDocumentEditOptions controls undo grouping.
type TextDocumentEditOptions struct {
	UndoStopBefore bool `json:"undoStopBefore"`
	UndoStopAfter  bool `json:"undoStopAfter"`
}

// TextDocumentEditParams is the payload of textDocument/edit.
type TextDocumentEditParams struct {
	URI     string                   `json:"uri" validate:"required"`
	Edits   []TextEdit               `json:"edits" validate:"dive"`
	Options *TextDocumentEditOptions `json:"options,omitempty"`
}

// TextDocumentShowOptions controls how a document is revealed.
type TextDocumentShowOptions struct {
	PreserveFocus bool   `json:"preserveFocus,omitempty"`
	Preview       bool   `json:"preview,omitempty"`
	Selection     *Range `json:"selection,omitempty"`
}

// TextDocumentShowParams is the payload of textDocument/show.
type TextDocumentShowParams struct {
	URI     string                   `json:"uri" validate:"required"`
	Options *TextDocumentShowOptions `json:"options,omitempty"`
}

// UntitledTextDocument is the payload of textDocument/openUntitledDocument.
type UntitledTextDocument struct {
	URI      string `json:"uri" validate:"required"`
	Content  string `json:"content,omitempty"`
	Language string `json:"language,omitempty"`
}

// ProtocolTextDocument describes a document as the agent sees it.
type ProtocolTextDocument struct {
	URI          string `json:"uri"`
	FilePath     string `json:"filePath,omitempty"`
	Content      string `json:"content,omitempty"`
	Selection    *Range `json:"selection,omitempty"`
	VisibleRange *Range `json:"visibleRange,omitempty"`
}

// Workspace edit operation kinds.
const (
	WorkspaceEditCreateFile = "create-file"
	WorkspaceEditRenameFile = "rename-file"
	WorkspaceEditDeleteFile = "delete-file"
	WorkspaceEditEditFile   = "edit-file"
)

// WorkspaceEditOperation is one file-level change. Which fields are set
// depends on Type.
type WorkspaceEditOperation struct {
	Type         string          `json:"type" validate:"oneof=create-file rename-file delete-file edit-file"`
	URI          string          `json:"uri,omitempty" validate:"required_unless=Type rename-file"`
	OldURI       string          `json:"oldUri,omitempty" validate:"required_if=Type rename-file"`
	NewURI       string          `json:"newUri,omitempty" validate:"required_if=Type rename-file"`
	TextContents string          `json:"textContents,omitempty"`
	Edits        []TextEdit      `json:"edits,omitempty" validate:"dive"`
	Options      json.RawMessage `json:"options,omitempty"`
}

// WorkspaceEditParams is the payload of workspace/edit.
type WorkspaceEditParams struct {
	Operations []WorkspaceEditOperation `json:"operations" validate:"dive"`
	Metadata   json.RawMessage          `json:"metadata,omitempty"`
}

// OpenExternalParams is the payload of env/openExternal.
type OpenExternalParams struct {
	URI string `json:"uri" validate:"required"`
}

// EditTask reports the progress of an inline edit.
type EditTask struct {
	ID             string `json:"id" validate:"required"`
	State          string `json:"state"`
	Error          string `json:"error,omitempty"`
	SelectionRange Range  `json:"selectionRange"`
	Instruction    string `json:"instruction,omitempty"`
	Model          string `json:"model,omitempty"`
	OriginalText   string `json:"originalText,omitempty"`
}

// CommandTitle is the label of a code lens command.
type CommandTitle struct {
	Text  string            `json:"text"`
	Icons []json.RawMessage `json:"icons,omitempty"`
}

// ProtocolCommand is a command attached to a code lens.
type ProtocolCommand struct {
	Title     CommandTitle      `json:"title"`
	Command   string            `json:"command"`
	Tooltip   string            `json:"tooltip,omitempty"`
	Arguments []json.RawMessage `json:"arguments,omitempty"`
}

// ProtocolCodeLens is one lens to draw.
type ProtocolCodeLens struct {
	Range      Range            `json:"range"`
	Command    *ProtocolCommand `json:"command,omitempty"`
	IsResolved bool             `json:"isResolved"`
}

// DisplayCodeLensParams is the payload of codeLenses/display.
type DisplayCodeLensParams struct {
	URI        string             `json:"uri" validate:"required"`
	CodeLenses []ProtocolCodeLens `json:"codeLenses"`
}

// RemoteRepoFetchState is the payload of remoteRepo/didChangeState.
type RemoteRepoFetchState struct {
	State string `json:"state" validate:"oneof=paused fetching errored complete"`
	Error *struct {
		Title       string `json:"title"`
		Description string `json:"description,omitempty"`
	} `json:"error,omitempty"`
}

// DebugMessage is the payload of debug/message.
type DebugMessage struct {
	Channel string `json:"channel"`
	Message string `json:"message"`
	Level   string `json:"level,omitempty"`
}

func (m DebugMessage) String() string {
	return fmt.Sprintf("%s: %s", m.Channel, m.Message)
}

// ExecuteCommandParams is the payload of command/execute.
type ExecuteCommandParams struct {
	Command   string `json:"command" validate:"required"`
	Arguments []any  `json:"arguments"`
}
