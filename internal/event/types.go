package event

// EventType names a topic on the bus.
type EventType string

const (
	SessionStarted  EventType = "session.started"
	SessionStopped  EventType = "session.stopped"
	ThemeChanged    EventType = "theme.changed"
	WebviewCreated  EventType = "webview.created"
	WebviewDisposed EventType = "webview.disposed"
)

// AllTypes lists every event type, for SubscribeAll.
var AllTypes = []EventType{
	SessionStarted,
	SessionStopped,
	ThemeChanged,
	WebviewCreated,
	WebviewDisposed,
}

// SessionData is the payload of session.started and session.stopped.
type SessionData struct {
	InstanceID string `json:"instanceID"`
	SessionID  string `json:"sessionID"`
	Reason     string `json:"reason,omitempty"`
}

// ThemeData is the payload of theme.changed.
type ThemeData struct {
	IsDark    bool              `json:"isDark"`
	Name      string            `json:"name,omitempty"`
	Variables map[string]string `json:"variables,omitempty"`
}

// WebviewData is the payload of webview.created and webview.disposed.
type WebviewData struct {
	InstanceID string `json:"instanceID"`
	Handle     string `json:"handle"`
	ViewType   string `json:"viewType,omitempty"`
}
