package resource

import (
	"crypto/sha256"
	_ "embed"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/google/uuid"
)

// MainResourcePath is the synthetic path the bootstrap page is served at,
// relative to a webview's origin.
const MainResourcePath = "main-resource"

//go:embed bridge.js
var bridgeScript string

// BridgeScript returns the script injected into every bootstrap page.
func BridgeScript() string {
	return bridgeScript
}

// MainPage is the generated bootstrap document of one webview: the HTML the
// agent supplied with the bridge script injected at the top of <head>.
type MainPage struct {
	body  []byte
	hash  string
	nonce string
}

// NewMainPage injects the bridge script into html.
func NewMainPage(html string) (*MainPage, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("parse webview html: %w", err)
	}

	nonce := uuid.NewString()
	policies := allowNonce(doc, nonce)
	head := doc.Find("head").First()
	head.PrependHtml(fmt.Sprintf(`<script nonce="%s">%s</script>`, nonce, bridgeScript))
	// A meta policy only covers what follows it, so it goes ahead of the
	// bridge script.
	if policies.Length() > 0 {
		head.PrependSelection(policies)
	}

	out, err := doc.Html()
	if err != nil {
		return nil, fmt.Errorf("render webview html: %w", err)
	}
	if !strings.HasPrefix(strings.ToLower(strings.TrimSpace(out)), "<!doctype") {
		out = "<!DOCTYPE html>" + out
	}

	sum := sha256.Sum256([]byte(out))
	return &MainPage{
		body:  []byte(out),
		hash:  hex.EncodeToString(sum[:8]),
		nonce: nonce,
	}, nil
}

// allowNonce admits nonce in every Content-Security-Policy meta element of
// doc and returns those elements.
func allowNonce(doc *goquery.Document, nonce string) *goquery.Selection {
	return doc.Find("meta[http-equiv]").FilterFunction(func(_ int, s *goquery.Selection) bool {
		return strings.EqualFold(strings.TrimSpace(s.AttrOr("http-equiv", "")), "Content-Security-Policy")
	}).Each(func(_ int, s *goquery.Selection) {
		if policy, ok := s.Attr("content"); ok {
			s.SetAttr("content", addScriptNonce(policy, nonce))
		}
	})
}

// addScriptNonce appends 'nonce-<nonce>' to the script directives of a CSP.
// Without script-src the default-src sources are copied into a new
// script-src. A directive that allows inline scripts through
// 'unsafe-inline' alone is left alone: adding a nonce would revoke it.
func addScriptNonce(policy, nonce string) string {
	source := "'nonce-" + nonce + "'"
	var (
		directives [][]string
		scripted   bool
		fallback   []string
	)
	for _, raw := range strings.Split(policy, ";") {
		fields := strings.Fields(raw)
		if len(fields) == 0 {
			continue
		}
		switch strings.ToLower(fields[0]) {
		case "script-src", "script-src-elem":
			scripted = true
			fields = withSource(fields, source)
		case "default-src":
			fallback = fields[1:]
		}
		directives = append(directives, fields)
	}
	if !scripted {
		if fallback == nil {
			return policy
		}
		fields := append([]string{"script-src"}, fallback...)
		directives = append(directives, withSource(fields, source))
	}

	parts := make([]string, len(directives))
	for i, d := range directives {
		parts[i] = strings.Join(d, " ")
	}
	return strings.Join(parts, "; ")
}

func withSource(fields []string, source string) []string {
	inline, keyed := false, false
	out := make([]string, 0, len(fields)+1)
	for i, f := range fields {
		lower := strings.ToLower(f)
		switch {
		case i > 0 && lower == "'none'":
			continue
		case lower == "'unsafe-inline'":
			inline = true
		case strings.HasPrefix(lower, "'nonce-"), strings.HasPrefix(lower, "'sha"):
			keyed = true
		}
		out = append(out, f)
	}
	if inline && !keyed {
		return fields
	}
	return append(out, source)
}

// Bytes returns the rendered document.
func (p *MainPage) Bytes() []byte {
	return p.body
}

// Hash is the content hash used as cache-buster.
func (p *MainPage) Hash() string {
	return p.hash
}

// Nonce is the CSP nonce carried by the injected script tag.
func (p *MainPage) Nonce() string {
	return p.nonce
}

// URL returns the address of the page below origin.
func (p *MainPage) URL(origin string) string {
	return strings.TrimRight(origin, "/") + "/" + MainResourcePath + "?" + p.hash
}

// Stream serves the page through the chunked pull contract.
func (p *MainPage) Stream(chunk int) *Stream {
	return NewMemoryStream(MainResourcePath, p.body, chunk)
}
