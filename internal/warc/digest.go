package warc

import (
	"crypto/sha256"
	"encoding/hex"
)

// Digest is the "sha256:<hex>" form used for block and payload digests.
func Digest(b []byte) string {
	sum := sha256.Sum256(b)
	return "sha256:" + hex.EncodeToString(sum[:])
}
