package crypto

import (
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// PublicKey is a compressed secp256k1 public key. It is a value type so it
// can key maps and compare with ==.
type PublicKey [33]byte

func (p PublicKey) String() string { return hex.EncodeToString(p[:]) }

func (p PublicKey) MarshalText() ([]byte, error) {
	return []byte(hex.EncodeToString(p[:])), nil
}

func (p *PublicKey) UnmarshalText(text []byte) error {
	b, err := hex.DecodeString(string(text))
	if err != nil {
		return fmt.Errorf("decode public key: %w", err)
	}
	if len(b) != 33 {
		return fmt.Errorf("public key must be 33 bytes, got %d", len(b))
	}
	copy(p[:], b)
	return nil
}

// PublicKeyFromHex parses a compressed secp256k1 public key from hex.
func PublicKeyFromHex(s string) (PublicKey, error) {
	var p PublicKey
	if err := p.UnmarshalText([]byte(s)); err != nil {
		return PublicKey{}, err
	}
	return p, nil
}

// PrivateKey wraps a secp256k1 private key used to sign consensus messages.
type PrivateKey struct {
	key *ecdsa.PrivateKey
}

// GenerateKey creates a new random secp256k1 key pair.
func GenerateKey() (*PrivateKey, error) {
	key, err := ethcrypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return &PrivateKey{key: key}, nil
}

// PrivateKeyFromHex parses a private key from a 64-char hex string.
// A leading "0x" is accepted.
func PrivateKeyFromHex(hexKey string) (*PrivateKey, error) {
	if len(hexKey) >= 2 && hexKey[:2] == "0x" {
		hexKey = hexKey[2:]
	}
	key, err := ethcrypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return &PrivateKey{key: key}, nil
}

// PublicKey returns the compressed public half.
func (k *PrivateKey) PublicKey() PublicKey {
	var p PublicKey
	copy(p[:], ethcrypto.CompressPubkey(&k.key.PublicKey))
	return p
}

// Hex returns the private key as hex, without 0x prefix.
// Keep it out of logs.
func (k *PrivateKey) Hex() string {
	return hex.EncodeToString(ethcrypto.FromECDSA(k.key))
}
