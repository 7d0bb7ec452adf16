package license

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// signingSecret is the build-time shared secret for offline key signatures.
// Rotating it invalidates all previously issued offline keys; offline keys
// are meant to be short-lived relative to the rotation cadence.
const signingSecret = "crowecli-offline-signing-secret-2025-do-not-share"

// Sign computes the HMAC-SHA256 signature over a canonical claim payload.
func Sign(payload, secret []byte) []byte {
	h := hmac.New(sha256.New, secret)
	h.Write(payload)
	return h.Sum(nil)
}

// Verify checks a signature over a canonical payload in constant time.
// It fails closed: an empty secret, empty payload, or malformed signature is
// a verification failure, never an error surfaced to the caller.
func Verify(payload, signature, secret []byte) bool {
	if len(secret) == 0 || len(payload) == 0 || len(signature) == 0 {
		return false
	}
	return hmac.Equal(Sign(payload, secret), signature)
}

// VerifyHex is Verify for a hex-encoded signature as carried in key text and
// persisted records. Undecodable hex fails verification.
func VerifyHex(payload []byte, hexSignature string, secret []byte) bool {
	sig, err := hex.DecodeString(hexSignature)
	if err != nil {
		return false
	}
	return Verify(payload, sig, secret)
}
