// Package gateway wires the deskgate server together: the WebSocket endpoint
// agents attach to, the synchronous HTTP API, the app-install endpoints, the
// Telegram control surface, and the shared component lifecycle.
package gateway
