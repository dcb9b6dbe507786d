package webview

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/abdulrahman305/jetbrains/internal/protocol"
)

// Bridge discriminators sent by the injected script.
const (
	BridgePostMessage      = "postMessage"
	BridgeSetState         = "setState"
	BridgeDOMContentLoaded = "DOMContentLoaded"
	BridgeNavigate         = "navigate"
)

// BridgeFrame is one relay from the page.
type BridgeFrame struct {
	What  string          `json:"what"`
	Value json.RawMessage `json:"value,omitempty"`
}

// Bridge handles one frame relayed by the page of handle.
func (p *Provider) Bridge(ctx context.Context, handle string, raw []byte) error {
	var frame BridgeFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return fmt.Errorf("decode bridge frame: %w", err)
	}

	switch frame.What {
	case BridgePostMessage:
		var message string
		if err := json.Unmarshal(frame.Value, &message); err != nil {
			return fmt.Errorf("decode postMessage: %w", err)
		}
		live, err := Query(ctx, p.mux, handle, func(proxy *Proxy) (bool, error) {
			return !proxy.Disposed(), nil
		})
		if err != nil || !live {
			return err
		}
		return p.agent.Notify(ctx, protocol.MethodWebviewReceiveMessageEncoded, protocol.ReceiveMessageStringEncodedParams{
			ID:                   handle,
			MessageStringEncoded: message,
		})

	case BridgeSetState:
		return p.mux.WithProxy(ctx, handle, func(proxy *Proxy) error {
			proxy.SetState(frame.Value)
			return nil
		})

	case BridgeDOMContentLoaded:
		return p.mux.WithProxy(ctx, handle, func(proxy *Proxy) error {
			return proxy.DidLoad()
		})

	case BridgeNavigate:
		var uri string
		if err := json.Unmarshal(frame.Value, &uri); err != nil {
			return fmt.Errorf("decode navigate: %w", err)
		}
		return p.Navigate(ctx, handle, uri)

	default:
		p.log.Warn().Str("handle", handle).Str("what", frame.What).Msg("dropping unknown bridge message")
		return nil
	}
}
