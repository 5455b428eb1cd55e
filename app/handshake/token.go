package handshake

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// NewToken returns a fresh capability token: 32 bytes of entropy, hex
// encoded. A token is meaningful only together with the site it was
// issued for and is never reused across relationships.
func NewToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// Proof derives the acceptance proof: HMAC-SHA256 keyed by the
// future-inbound token over the request identifier. Presenting it shows
// the accepting side actually received the token from the original
// request, without revealing the token itself.
func Proof(token, requestID string) string {
	mac := hmac.New(sha256.New, []byte(token))
	mac.Write([]byte(requestID))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyProof compares in constant time.
func VerifyProof(token, requestID, presented string) bool {
	expected := Proof(token, requestID)
	return hmac.Equal([]byte(expected), []byte(presented))
}
