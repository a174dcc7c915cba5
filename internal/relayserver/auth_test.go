package relayserver

import (
	"errors"
	"testing"

	"github.com/golang-jwt/jwt/v5"
)

func signHS256(t *testing.T, secret []byte, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return token
}

func TestVerifyRegistrationToken(t *testing.T) {
	secret := []byte("s3cret")

	ok := signHS256(t, secret, jwt.MapClaims{"did": "did:key:zAlice"})
	if err := verifyRegistrationToken(secret, ok, "did:key:zAlice"); err != nil {
		t.Fatalf("valid token rejected: %v", err)
	}

	cases := []struct {
		name  string
		token string
		did   string
	}{
		{"did mismatch", ok, "did:key:zBob"},
		{"missing did claim", signHS256(t, secret, jwt.MapClaims{"sub": "x"}), "did:key:zAlice"},
		{"wrong secret", signHS256(t, []byte("other"), jwt.MapClaims{"did": "did:key:zAlice"}), "did:key:zAlice"},
		{"garbage", "not.a.jwt", "did:key:zAlice"},
	}
	for _, tc := range cases {
		if err := verifyRegistrationToken(secret, tc.token, tc.did); !errors.Is(err, ErrInvalidToken) {
			t.Errorf("%s: err = %v, want ErrInvalidToken", tc.name, err)
		}
	}
}
