package ids

import (
	"crypto/rand"
	"encoding/hex"

	"github.com/google/uuid"
)

// New returns an opaque 32-char hex token, used for internal record ids.
func New() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		panic(err)
	}
	return hex.EncodeToString(buf)
}

// NewUUID returns a canonical UUID string for externally visible entity ids.
func NewUUID() string {
	return uuid.NewString()
}
