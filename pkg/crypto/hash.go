package crypto

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/sha3"
)

// Hash256 is a 256-bit digest. It is the currency of the whole node:
// block hashes and message content hashes are both Hash256.
type Hash256 [32]byte

// HashOf computes the Hash256 of arbitrary bytes.
func HashOf(data []byte) Hash256 {
	return sha256.Sum256(data)
}

// HashOfString computes the Hash256 of a string payload.
func HashOfString(s string) Hash256 {
	return HashOf([]byte(s))
}

func (h Hash256) String() string { return hex.EncodeToString(h[:]) }

// Short returns the first 8 hex chars, for log lines.
func (h Hash256) Short() string { return hex.EncodeToString(h[:4]) }

func (h Hash256) MarshalText() ([]byte, error) {
	return []byte(hex.EncodeToString(h[:])), nil
}

func (h *Hash256) UnmarshalText(text []byte) error {
	b, err := hex.DecodeString(string(text))
	if err != nil {
		return fmt.Errorf("decode hash: %w", err)
	}
	if len(b) != 32 {
		return fmt.Errorf("hash must be 32 bytes, got %d", len(b))
	}
	copy(h[:], b)
	return nil
}

// Hash256FromHex parses a 64-char hex string into a Hash256.
func Hash256FromHex(s string) (Hash256, error) {
	var h Hash256
	if err := h.UnmarshalText([]byte(s)); err != nil {
		return Hash256{}, err
	}
	return h, nil
}

// Fingerprint returns a keccak-based 20-byte identifier of a public key,
// printable as 0x-prefixed hex. Used only for human-facing output.
func Fingerprint(pub PublicKey) string {
	k := sha3.NewLegacyKeccak256()
	k.Write(pub[:])
	sum := k.Sum(nil)
	return "0x" + hex.EncodeToString(sum[12:])
}
