// Package protocol defines the JSON envelopes exchanged with an Umbra relay
// over a persistent WebSocket connection.
//
// All message payloads are opaque, already-encrypted strings; the relay and
// this package never see plaintext.
package protocol
