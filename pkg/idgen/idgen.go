// Package idgen generates the cryptographically random identifiers the
// signaling engine hands out: Via branches, From/To tags, and Call-IDs.
package idgen

import (
	"crypto/rand"
	"encoding/hex"

	"github.com/google/uuid"
)

// MagicCookie is the RFC 3261 §8.1.1.7 required Via branch prefix.
const MagicCookie = "z9hG4bK"

const branchRandomBytes = 16

// NewBranch returns a new Via branch parameter, always prefixed with the
// magic cookie: transaction matching treats the branch as part of the
// transaction's identity.
func NewBranch() string {
	return MagicCookie + randomHex(branchRandomBytes)
}

// NewTag returns a new From/To tag parameter.
func NewTag() string {
	return randomHex(8)
}

// NewCallID returns a new Call-ID, formatted as a UUID.
func NewCallID() string {
	return uuid.NewString()
}

func randomHex(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand.Read only fails if the OS entropy source is broken;
		// falling back to a UUID keeps branch/tag generation total.
		return hex.EncodeToString([]byte(uuid.NewString()))[:n*2]
	}
	return hex.EncodeToString(buf)
}

// IsBranchCookie reports whether branch begins with the magic cookie,
// usable as a fast rejection check before full transaction matching.
func IsBranchCookie(branch string) bool {
	return len(branch) > len(MagicCookie) && branch[:len(MagicCookie)] == MagicCookie
}
