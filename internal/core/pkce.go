package core

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/zenrent/hmrc-connect/internal/platform"
)

// GenerateCodeVerifier returns a high-entropy PKCE code verifier: 64 random
// bytes base64url-encoded without padding, giving 86 characters — inside the
// 43–128 range RFC 7636 requires.
func GenerateCodeVerifier() string {
	b := make([]byte, 64)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand: " + err.Error())
	}
	return base64.RawURLEncoding.EncodeToString(b)
}

// CodeChallengeS256 derives the S256 code challenge:
// base64url(sha256(verifier)), unpadded.
func CodeChallengeS256(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// NewState builds the OAuth state parameter binding the user to the flow:
// "<userID>:<nonce>". The nonce defeats guessing; the embedded userID is
// checked against the session user on callback.
func NewState(userID string) string {
	return userID + ":" + platform.NewNonce(8)
}

// ParseState recovers the userID from a state parameter.
func ParseState(state string) (string, error) {
	userID, _, ok := strings.Cut(state, ":")
	if !ok || userID == "" {
		return "", fmt.Errorf("malformed state parameter")
	}
	return userID, nil
}
