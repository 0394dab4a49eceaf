// Package secretauth implements the fixed-length admin secret comparison
// used to authorize the STAT/INFO commands (spec.md §4.4, §4.1).
//
// The secret is a single SHA-256 hex digest computed once at config load
// time and compared against the 64 hex bytes the client sends, so the
// hashing here is plain crypto/sha256 and the comparison is constant-time
// over the hex representation.
package secretauth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
)

// PasswordLength is the fixed wire length of the STAT/INFO password field:
// the lowercase hex encoding of a SHA-256 digest.
const PasswordLength = sha256.Size * 2

// Hash returns the lowercase hex SHA-256 digest of plaintext.
func Hash(plaintext string) string {
	sum := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(sum[:])
}

// Equal reports whether the wire password bytes match the configured
// secret hash, in constant time. wirePassword is expected to be exactly
// PasswordLength ASCII bytes; any other length never matches.
func Equal(wirePassword []byte, secretHash string) bool {
	if len(wirePassword) != PasswordLength || len(secretHash) != PasswordLength {
		return false
	}
	return subtle.ConstantTimeCompare(wirePassword, []byte(secretHash)) == 1
}
