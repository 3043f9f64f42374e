package wacz

import (
	"crypto/sha256"
	"encoding/hex"
)

// Digester hashes archive content. Digests are written as "algorithm:hex".
type Digester interface {
	Digest(b []byte) string
}

// SHA256 is the default Digester.
type SHA256 struct{}

func (SHA256) Digest(b []byte) string {
	sum := sha256.Sum256(b)
	return "sha256:" + hex.EncodeToString(sum[:])
}
