package relayserver

import "errors"

var (
	ErrOfflineQuotaExceeded = errors.New("offline message quota exceeded")
	ErrSessionNotFound      = errors.New("session not found or expired")
	ErrRoomNotFound         = errors.New("call room not found or full")
	ErrInvalidToken         = errors.New("invalid auth token")
)
