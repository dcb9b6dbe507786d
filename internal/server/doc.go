// Package server is the HTTP pseudo-origin webviews are loaded from.
//
// Every webview gets its own origin below /webview/{handle}:
//
//   - /webview/{handle}: redirects to the current main page
//   - /webview/{handle}/main-resource: the generated bootstrap page, served
//     once the webview exists
//   - /webview/{handle}/bridge: the websocket the bootstrap script relays
//     page messages over; it is also the webview's Surface
//   - /webview/{handle}/*: static assets below the resource root
//   - /assets/*: the same assets, for URLs built before a webview exists
//
// Assets are streamed through the resource package's pull streams, so the
// response body is produced in bounded chunks and Content-Length is known
// before the first byte is written.
package server
