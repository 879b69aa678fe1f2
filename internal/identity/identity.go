// Package identity derives agent fingerprints and registers agents, enforcing
// that a fingerprint keeps the role it was first registered with.
package identity

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"github.com/cimex/control-plane/internal/database"
)

// FingerprintLen is the number of hex characters in a fingerprint.
const FingerprintLen = 16

// ComputeFingerprint derives a stable fingerprint from the agent's host
// identifier and declared name.
func ComputeFingerprint(host, name string) string {
	sum := sha256.Sum256([]byte(host + "-" + name))
	return hex.EncodeToString(sum[:])[:FingerprintLen]
}

// ValidFingerprint reports whether fp looks like a fingerprint an agent
// computed for itself.
func ValidFingerprint(fp string) bool {
	if len(fp) != FingerprintLen {
		return false
	}
	for _, c := range fp {
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'f') {
			return false
		}
	}
	return true
}

// ParseRole maps a declared role onto its wire name. Empty input defaults to
// the inside role.
func ParseRole(s string) (database.Role, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "iran", "inside":
		return database.RoleIran, nil
	case "foreign", "outside":
		return database.RoleForeign, nil
	default:
		return "", fmt.Errorf("invalid role %q: role must be either 'iran' or 'foreign'", s)
	}
}

const tokenAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// GenerateToken returns a random alphanumeric token of length n.
func GenerateToken(n int) (string, error) {
	var b strings.Builder
	b.Grow(n)
	limit := big.NewInt(int64(len(tokenAlphabet)))
	for i := 0; i < n; i++ {
		idx, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return "", fmt.Errorf("generate token: %w", err)
		}
		b.WriteByte(tokenAlphabet[idx.Int64()])
	}
	return b.String(), nil
}
