// Package relayconn maintains a persistent WebSocket connection to an Umbra
// relay for a single identity (DID): registration handshake, keepalive,
// opt-in exponential-backoff reconnection, outbound queueing while
// disconnected, and offline-message replay on reconnect.
package relayconn
