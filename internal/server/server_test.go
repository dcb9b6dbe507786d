package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abdulrahman305/jetbrains/internal/protocol"
	"github.com/abdulrahman305/jetbrains/internal/resource"
	"github.com/abdulrahman305/jetbrains/internal/webview"
)

type note struct {
	method string
	params any
}

type fakeAgent struct {
	notes chan note
}

func (a *fakeAgent) Notify(_ context.Context, method string, params any) error {
	a.notes <- note{method: method, params: params}
	return nil
}

func (a *fakeAgent) Request(_ context.Context, method string, params, _ any) error {
	a.notes <- note{method: method, params: params}
	return nil
}

func (a *fakeAgent) next(t *testing.T) note {
	t.Helper()
	select {
	case n := <-a.notes:
		return n
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the agent")
		return note{}
	}
}

type fixture struct {
	srv      *Server
	provider *webview.Provider
	hub      *Hub
	agent    *fakeAgent
}

func setupTestServer(t *testing.T) *fixture {
	t.Helper()
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/dist/app.js", []byte("console.log('webview');"), 0644))
	require.NoError(t, afero.WriteFile(fs, "/dist/css/main.css", []byte("body{}"), 0644))
	require.NoError(t, afero.WriteFile(fs, "/secret.txt", []byte("nope"), 0644))

	f := &fixture{
		hub:   NewHub(WithReconnectGrace(50 * time.Millisecond)),
		agent: &fakeAgent{notes: make(chan note, 32)},
	}
	f.provider = webview.NewProvider(f.agent, f.hub.Surface,
		webview.WithCreateTimeout(time.Second),
		webview.WithOriginFunc(func(handle string) string { return f.srv.Origin(handle) }),
	)

	cfg := DefaultConfig()
	cfg.CreateWait = 200 * time.Millisecond
	cfg.BufferSize = 8
	f.srv = New(cfg, f.provider, resource.NewServer(fs, "/dist", resource.WithBufferSize(4)), f.hub)

	t.Cleanup(func() {
		f.srv.Shutdown(context.Background())
		f.provider.Close()
	})
	return f
}

func (f *fixture) get(path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest("GET", path, nil)
	w := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(w, req)
	return w
}

func (f *fixture) createPage(t *testing.T, handle, html string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.provider.CreatePanel(ctx, protocol.CreateWebviewPanelParams{Handle: handle, ViewType: "chat"}))
	require.NoError(t, f.provider.SetHTML(ctx, protocol.SetHTMLParams{Handle: handle, HTML: html}))
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var resp ErrorResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	return resp.Error.Code
}

func TestHealthz(t *testing.T) {
	f := setupTestServer(t)
	w := f.get("/healthz")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"ok": true}`, w.Body.String())
}

func TestStaticResource(t *testing.T) {
	f := setupTestServer(t)

	w := f.get("/webview/h1/app.js")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "console.log('webview');", w.Body.String())
	assert.Equal(t, "text/javascript", w.Header().Get("Content-Type"))
	assert.Equal(t, "23", w.Header().Get("Content-Length"))

	w = f.get("/webview/other/css/main.css")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/css", w.Header().Get("Content-Type"))

	w = f.get("/assets/css/main.css")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "body{}", w.Body.String())
}

func TestStaticResourceErrors(t *testing.T) {
	f := setupTestServer(t)

	tests := []struct {
		name   string
		path   string
		status int
		code   string
	}{
		{"missing", "/webview/h1/missing.js", http.StatusNotFound, ErrCodeNotFound},
		{"directory", "/webview/h1/css", http.StatusNotFound, ErrCodeNotFound},
		{"traversal", "/webview/h1/../../secret.txt", http.StatusBadRequest, ErrCodePathTraversal},
		{"nested traversal", "/webview/h1/css/../../../secret.txt", http.StatusBadRequest, ErrCodePathTraversal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := f.get(tt.path)
			assert.Equal(t, tt.status, w.Code)
			assert.Equal(t, tt.code, errorCode(t, w))
		})
	}
}

func TestMainResource(t *testing.T) {
	f := setupTestServer(t)
	f.createPage(t, "h1", "<html><head><title>Chat</title></head><body>hi</body></html>")

	w := f.get("/webview/h1/main-resource")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/html; charset=utf-8", w.Header().Get("Content-Type"))
	assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))
	body := w.Body.String()
	assert.Contains(t, body, "acquireVsCodeApi")
	assert.Contains(t, body, "<title>Chat</title>")
	assert.Less(t, strings.Index(body, "acquireVsCodeApi"), strings.Index(body, "<title>"))
}

func TestMainResourceWaitsForCreation(t *testing.T) {
	f := setupTestServer(t)

	done := make(chan *httptest.ResponseRecorder, 1)
	go func() { done <- f.get("/webview/late/main-resource") }()

	time.Sleep(20 * time.Millisecond)
	f.createPage(t, "late", "<p>late</p>")

	select {
	case w := <-done:
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), "<p>late</p>")
	case <-time.After(2 * time.Second):
		t.Fatal("main-resource request never finished")
	}
}

func TestMainResourceErrors(t *testing.T) {
	f := setupTestServer(t)

	w := f.get("/webview/never/main-resource")
	assert.Equal(t, http.StatusGatewayTimeout, w.Code)
	assert.Equal(t, ErrCodeCreateTimeout, errorCode(t, w))

	require.NoError(t, f.provider.CreatePanel(context.Background(), protocol.CreateWebviewPanelParams{Handle: "blank"}))
	w = f.get("/webview/blank/main-resource")
	assert.Equal(t, http.StatusNotFound, w.Code)

	f.createPage(t, "gone", "<p/>")
	require.NoError(t, f.provider.Dispose(context.Background(), protocol.DisposeParams{Handle: "gone"}))
	w = f.get("/webview/gone/main-resource")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestEntryRedirectsToMainPage(t *testing.T) {
	f := setupTestServer(t)
	f.createPage(t, "h1", "<p/>")

	w := f.get("/webview/h1")
	require.Equal(t, http.StatusTemporaryRedirect, w.Code)
	loc := w.Header().Get("Location")
	assert.True(t, strings.HasPrefix(loc, f.srv.Origin("h1")+"/main-resource?"), loc)
}

type page struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func dialBridge(t *testing.T, ts *httptest.Server, handle string) *page {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/webview/" + handle + "/bridge"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &page{conn: conn}
}

func (p *page) send(t *testing.T, what string, value any) {
	t.Helper()
	raw, err := json.Marshal(value)
	require.NoError(t, err)
	p.mu.Lock()
	defer p.mu.Unlock()
	require.NoError(t, p.conn.WriteJSON(webview.BridgeFrame{What: what, Value: raw}))
}

func (p *page) next(t *testing.T) webview.Event {
	t.Helper()
	p.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev webview.Event
	require.NoError(t, p.conn.ReadJSON(&ev))
	return ev
}

func TestBridgeRoundTrip(t *testing.T) {
	f := setupTestServer(t)
	ts := httptest.NewServer(f.srv.Handler())
	defer ts.Close()

	f.createPage(t, "h1", "<p/>")
	// Queued before the page connects.
	require.NoError(t, f.provider.SetTitle(context.Background(), protocol.SetTitleParams{Handle: "h1", Title: "Chat"}))

	p := dialBridge(t, ts, "h1")
	assert.Equal(t, webview.Event{Type: webview.EventTitle, Title: "Chat"}, p.next(t))

	p.send(t, webview.BridgeSetState, map[string]int{"scroll": 3})
	p.send(t, webview.BridgeDOMContentLoaded, nil)
	ev := p.next(t)
	assert.Equal(t, webview.EventInit, ev.Type)
	assert.JSONEq(t, `{"scroll": 3}`, string(ev.State))

	require.NoError(t, f.provider.PostMessage(context.Background(),
		protocol.PostMessageStringEncodedParams{ID: "h1", StringEncodedMessage: `{"type":"ping"}`}))
	assert.Equal(t, webview.Event{Type: webview.EventMessage, Message: `{"type":"ping"}`}, p.next(t))

	p.send(t, webview.BridgePostMessage, `{"command":"ready"}`)
	n := f.agent.next(t)
	assert.Equal(t, protocol.MethodWebviewReceiveMessageEncoded, n.method)
	assert.Equal(t, protocol.ReceiveMessageStringEncodedParams{ID: "h1", MessageStringEncoded: `{"command":"ready"}`}, n.params)
}

func TestBridgeUnknownHandle(t *testing.T) {
	f := setupTestServer(t)
	ts := httptest.NewServer(f.srv.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/webview/nobody/bridge"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestBridgeLossDisposesNatively(t *testing.T) {
	f := setupTestServer(t)
	ts := httptest.NewServer(f.srv.Handler())
	defer ts.Close()

	f.createPage(t, "h1", "<p/>")
	p := dialBridge(t, ts, "h1")
	require.Eventually(t, func() bool { return f.hub.Connected("h1") }, time.Second, 5*time.Millisecond)
	p.conn.Close()

	n := f.agent.next(t)
	assert.Equal(t, protocol.MethodWebviewDidDisposeNative, n.method)
	assert.Equal(t, protocol.DisposeParams{Handle: "h1"}, n.params)

	_, ok := f.hub.lookup("h1")
	assert.False(t, ok)
}

func TestBridgeReconnectWithinGrace(t *testing.T) {
	f := setupTestServer(t)
	ts := httptest.NewServer(f.srv.Handler())
	defer ts.Close()

	f.createPage(t, "h1", "<p/>")
	first := dialBridge(t, ts, "h1")
	require.Eventually(t, func() bool { return f.hub.Connected("h1") }, time.Second, 5*time.Millisecond)
	first.conn.Close()

	second := dialBridge(t, ts, "h1")
	second.send(t, webview.BridgeDOMContentLoaded, nil)
	assert.Equal(t, webview.EventInit, second.next(t).Type)

	time.Sleep(100 * time.Millisecond)
	select {
	case n := <-f.agent.notes:
		t.Fatalf("unexpected %s after a reconnect", n.method)
	default:
	}
}

func TestAgentDisposeClosesSocket(t *testing.T) {
	f := setupTestServer(t)
	ts := httptest.NewServer(f.srv.Handler())
	defer ts.Close()

	f.createPage(t, "h1", "<p/>")
	p := dialBridge(t, ts, "h1")
	require.Eventually(t, func() bool { return f.hub.Connected("h1") }, time.Second, 5*time.Millisecond)

	require.NoError(t, f.provider.Dispose(context.Background(), protocol.DisposeParams{Handle: "h1"}))
	assert.Equal(t, webview.EventDispose, p.next(t).Type)

	p.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := p.conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)

	select {
	case n := <-f.agent.notes:
		t.Fatalf("agent-initiated dispose must not be echoed, got %s", n.method)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSetHTMLNavigatesConnectedPage(t *testing.T) {
	f := setupTestServer(t)
	ts := httptest.NewServer(f.srv.Handler())
	defer ts.Close()

	f.createPage(t, "h1", "<p>one</p>")
	p := dialBridge(t, ts, "h1")
	require.Eventually(t, func() bool { return f.hub.Connected("h1") }, time.Second, 5*time.Millisecond)

	require.NoError(t, f.provider.SetHTML(context.Background(), protocol.SetHTMLParams{Handle: "h1", HTML: "<p>two</p>"}))
	ev := p.next(t)
	assert.Equal(t, webview.EventNavigate, ev.Type)
	assert.True(t, strings.HasPrefix(ev.URL, f.srv.Origin("h1")+"/main-resource?"), ev.URL)
}
