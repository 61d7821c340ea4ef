package automation

import (
	"crypto/sha256"
	"encoding/hex"
)

// DeterministicID derives a stable 26-char id from an idempotency key, used
// for human-facing decision messages so re-deliveries address the same
// message.
func DeterministicID(idempotencyKey string) string {
	sum := sha256.Sum256([]byte(idempotencyKey))
	return hex.EncodeToString(sum[:])[:26]
}
