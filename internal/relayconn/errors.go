package relayconn

import "errors"

var (
	ErrConnectTimeout = errors.New("relay connect timeout")
	// ErrTransport wraps socket-level failures that occur before the
	// registration handshake completes.
	ErrTransport        = errors.New("relay transport error")
	ErrWaitTimeout      = errors.New("timed out waiting for envelope")
	ErrAlreadyConnected = errors.New("already connected")
	ErrNotConnected     = errors.New("not connected")
	ErrClosed           = errors.New("connection closed")
)
