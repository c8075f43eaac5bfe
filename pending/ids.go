package pending

import (
	"crypto/rand"
	"encoding/hex"

	"github.com/google/uuid"
)

// NewToken returns a fresh unguessable resume token. Tokens are never
// derived from run or session identifiers.
func NewToken() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand failing means the process is unusable anyway;
		// fall back to a v4 UUID rather than panic mid-run.
		return uuid.NewString()
	}
	return hex.EncodeToString(buf)
}

// NewRequestID returns a fresh correlation id for one interrupt.
func NewRequestID() string {
	return "req_" + uuid.NewString()
}
