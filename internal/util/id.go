package util

import (
	"crypto/rand"
	"encoding/hex"
)

const IDLength = 24

// NewID returns a random 24-character lowercase hex identifier, the format
// shared by users, threads, messages and blob records.
func NewID() string {
	bytes := make([]byte, IDLength/2)
	_, _ = rand.Read(bytes)
	return hex.EncodeToString(bytes)
}

func IsID(value string) bool {
	if len(value) != IDLength {
		return false
	}
	for i := 0; i < len(value); i++ {
		c := value[i]
		switch {
		case c >= '0' && c <= '9', c >= 'a' && c <= 'f', c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}
