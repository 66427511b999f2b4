// Package protocol defines the JSON wire format spoken between the gateway
// and its agents over the persistent WebSocket channel.
//
// Outbound frames are commands ({type, payload?}), inbound frames are
// results ({type, payload?, error?}). Both sides use a closed set of type
// tags; adding a message kind is a compile-time change here, not a stringly
// typed convention spread across handlers.
package protocol
