package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"strings"

	"niyya/api/internal/common"
)

var ErrInvalidToken = fmt.Errorf("invalid token: %w", common.ErrUnauthorized)

// CheckToken compares the presented shared secret against the configured one
// in constant time. An empty expected token accepts anything, which is only
// allowed in the stage environment.
func CheckToken(expected, presented string) error {
	if expected == "" {
		return nil
	}
	presented = strings.TrimSpace(presented)
	if presented == "" {
		return ErrInvalidToken
	}
	if subtle.ConstantTimeCompare([]byte(expected), []byte(presented)) != 1 {
		return ErrInvalidToken
	}
	return nil
}

// Fingerprint is a short, non-reversible tag for logging which token a
// client presented.
func Fingerprint(value string) string {
	sum := sha256.Sum256([]byte(value))
	return fmt.Sprintf("%x", sum[:4])
}
