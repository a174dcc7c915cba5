package relayserver

import (
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// Auth modes for client registration.
const (
	AuthModeNone = "none"
	AuthModeJWT  = "jwt"
)

// verifyRegistrationToken checks an HS256 token and requires its `did` claim
// to match the DID being registered, so a stolen token cannot register as
// someone else.
func verifyRegistrationToken(secret []byte, token, did string) error {
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return secret, nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return ErrInvalidToken
	}
	claimDID, _ := claims["did"].(string)
	if claimDID == "" || claimDID != did {
		return fmt.Errorf("%w: did claim mismatch", ErrInvalidToken)
	}
	return nil
}
