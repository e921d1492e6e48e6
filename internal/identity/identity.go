// Package identity generates the short peer ids and validates
// nicknames.
package identity

import (
	"crypto/rand"
	"math/big"
	"strings"

	"github.com/tronsfer/tronsfer/internal/protocol"
)

const alphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ"

// NewShortID returns a fresh 6-character uppercase alphanumeric id.
// Ids are not globally unique; collisions surface as a registration
// failure and the caller regenerates.
func NewShortID() string {
	return newShortID(randIndex)
}

func newShortID(pick func(n int) int) string {
	var b strings.Builder
	b.Grow(protocol.ShortIDLen)
	for i := 0; i < protocol.ShortIDLen; i++ {
		b.WriteByte(alphabet[pick(len(alphabet))])
	}
	return b.String()
}

func randIndex(n int) int {
	v, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
	if err != nil {
		panic(err)
	}
	return int(v.Int64())
}

// ValidID reports whether s is a well-formed short id.
func ValidID(s string) bool {
	if len(s) != protocol.ShortIDLen {
		return false
	}
	for i := 0; i < len(s); i++ {
		if !strings.ContainsRune(alphabet, rune(s[i])) {
			return false
		}
	}
	return true
}

// CleanNickname trims and truncates a nickname to the allowed length.
// The limit counts runes, not bytes, so multibyte nicknames are never
// cut mid-character. An empty result means the caller should fall back
// to a default.
func CleanNickname(s string) string {
	s = strings.TrimSpace(s)
	if runes := []rune(s); len(runes) > protocol.MaxNicknameLen {
		s = string(runes[:protocol.MaxNicknameLen])
	}
	return s
}
