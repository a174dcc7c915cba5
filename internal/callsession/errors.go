package callsession

import "errors"

var (
	// ErrNoPeerConnection is returned by operations that require an
	// established peer connection (CompleteHandshake before CreateOffer).
	ErrNoPeerConnection = errors.New("no peer connection")
	// ErrMediaAcquisition wraps failures to obtain local audio/video tracks.
	ErrMediaAcquisition    = errors.New("media acquisition failed")
	ErrOfferAlreadyCreated = errors.New("offer already created for this session")
	ErrSessionClosed       = errors.New("call session closed")
)
