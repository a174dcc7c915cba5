// Package callsession negotiates and supervises exactly one peer-to-peer
// media connection per voice or video call: offer/answer exchange, buffered
// out-of-order ICE candidates, local track mute/camera toggles, and periodic
// connection statistics. Signaling transport is the caller's concern; the
// session only emits SDP blobs and ICE candidates through callbacks.
package callsession
