package util

import (
	"crypto/rand"
	"encoding/hex"
)

// NewID returns a random hex id for requests and queue jobs.
func NewID() string {
	b := make([]byte, 12)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
