package hash

import (
	"crypto/subtle"
	"encoding/hex"

	"golang.org/x/crypto/blake2b"
)

// Checksum returns the hex BLAKE2b-256 digest of payload.
func Checksum(payload []byte) string {
	sum := blake2b.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

func Verify(payload []byte, checksum string) bool {
	expected := Checksum(payload)
	return subtle.ConstantTimeCompare([]byte(expected), []byte(checksum)) == 1
}
