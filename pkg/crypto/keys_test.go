package crypto

import (
	"encoding/json"
	"testing"
)

func TestGenerateKey(t *testing.T) {
	key, err := GenerateKey()
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}

	if key.PublicKey() == (PublicKey{}) {
		t.Error("generated zero public key")
	}

	// Private key hex is 64 chars (32 bytes)
	if len(key.Hex()) != 64 {
		t.Errorf("private key hex length = %d, want 64", len(key.Hex()))
	}
}

func TestPrivateKeyFromHex(t *testing.T) {
	key1, _ := GenerateKey()
	privHex := key1.Hex()

	key2, err := PrivateKeyFromHex(privHex)
	if err != nil {
		t.Fatalf("failed to load key: %v", err)
	}
	if key2.PublicKey() != key1.PublicKey() {
		t.Errorf("public key mismatch after reload")
	}

	// 0x prefix is accepted
	key3, err := PrivateKeyFromHex("0x" + privHex)
	if err != nil {
		t.Fatalf("failed to load 0x-prefixed key: %v", err)
	}
	if key3.PublicKey() != key1.PublicKey() {
		t.Errorf("public key mismatch for 0x-prefixed key")
	}
}

func TestSignAndVerify(t *testing.T) {
	key, _ := GenerateKey()

	payload := `{"type":"NilPreVoted","round":3}`
	sig, err := Sign(payload, key)
	if err != nil {
		t.Fatalf("failed to sign: %v", err)
	}

	if len(sig.Bytes) != 65 {
		t.Errorf("signature length = %d, want 65", len(sig.Bytes))
	}
	if sig.Signer != key.PublicKey() {
		t.Errorf("signer = %s, want %s", sig.Signer, key.PublicKey())
	}

	if err := sig.Verify(payload); err != nil {
		t.Errorf("verify: %v", err)
	}

	// Tampered payload must fail
	if err := sig.Verify(payload + " "); err == nil {
		t.Error("verification passed for tampered payload")
	}

	// Wrong signer must fail
	other, _ := GenerateKey()
	forged := Signature{Bytes: sig.Bytes, Signer: other.PublicKey()}
	if err := forged.Verify(payload); err == nil {
		t.Error("verification passed for wrong signer")
	}
}

func TestSignatureJSONRoundTrip(t *testing.T) {
	key, _ := GenerateKey()
	sig, err := Sign("hello", key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	data, err := json.Marshal(sig)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var out Signature
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.Signer != sig.Signer || string(out.Bytes) != string(sig.Bytes) {
		t.Errorf("signature changed across JSON round trip")
	}
	if err := out.Verify("hello"); err != nil {
		t.Errorf("verify after round trip: %v", err)
	}
}

func TestHash256(t *testing.T) {
	h1 := HashOfString("block-1")
	h2 := HashOfString("block-1")
	h3 := HashOfString("block-2")

	if h1 != h2 {
		t.Error("hash is not deterministic")
	}
	if h1 == h3 {
		t.Error("distinct payloads produced equal hashes")
	}

	parsed, err := Hash256FromHex(h1.String())
	if err != nil {
		t.Fatalf("parse hash hex: %v", err)
	}
	if parsed != h1 {
		t.Errorf("hash hex round trip mismatch")
	}

	if _, err := Hash256FromHex("abcd"); err == nil {
		t.Error("expected error for short hex")
	}
}
