package httpapi

import (
	"crypto/rand"
	"encoding/base64"
)

// generateOTP produces a cryptographically random 12-character one-time
// password used to gate access to an encrypted note.
func generateOTP() string {
	b := make([]byte, 9) // 9 raw bytes -> 12 base64 characters
	if _, err := rand.Read(b); err != nil {
		panic(err) // entropy source failure is unrecoverable
	}
	return base64.RawURLEncoding.EncodeToString(b)
}
