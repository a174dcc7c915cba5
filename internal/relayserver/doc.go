// Package relayserver is a development-scale Umbra relay: a WebSocket server
// that registers clients by DID, forwards encrypted envelopes between them,
// queues messages for offline recipients, brokers single-scan signaling
// sessions, and hosts group-call rooms. It backs cmd/umbra-relay-dev and the
// client test suites; it is not a federated production relay.
package relayserver
