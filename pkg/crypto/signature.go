package crypto

import (
	"encoding/hex"
	"fmt"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// Signature is a secp256k1 signature over a string payload, carrying the
// signer's public key alongside the raw signature bytes. The payload itself
// is not embedded; verification takes it as an argument.
type Signature struct {
	Bytes  SigBytes  `json:"signature"`
	Signer PublicKey `json:"signer"`
}

// SigBytes is a hex-encodable [R || S || V] 65-byte signature.
type SigBytes []byte

func (s SigBytes) MarshalText() ([]byte, error) {
	return []byte(hex.EncodeToString(s)), nil
}

func (s *SigBytes) UnmarshalText(text []byte) error {
	b, err := hex.DecodeString(string(text))
	if err != nil {
		return fmt.Errorf("decode signature: %w", err)
	}
	*s = b
	return nil
}

// Sign signs a payload with the given private key. The payload is hashed
// with Hash256 before signing.
func Sign(payload string, key *PrivateKey) (Signature, error) {
	h := HashOfString(payload)
	sig, err := ethcrypto.Sign(h[:], key.key)
	if err != nil {
		return Signature{}, fmt.Errorf("sign: %w", err)
	}
	return Signature{Bytes: sig, Signer: key.PublicKey()}, nil
}

// Verify checks the signature against a payload. The recovered key must
// equal the embedded signer.
func (s Signature) Verify(payload string) error {
	if len(s.Bytes) != 65 {
		return fmt.Errorf("signature must be 65 bytes, got %d", len(s.Bytes))
	}
	h := HashOfString(payload)
	recovered, err := ethcrypto.SigToPub(h[:], s.Bytes)
	if err != nil {
		return fmt.Errorf("recover public key: %w", err)
	}
	var p PublicKey
	copy(p[:], ethcrypto.CompressPubkey(recovered))
	if p != s.Signer {
		return fmt.Errorf("signature does not match signer %s", s.Signer)
	}
	return nil
}
