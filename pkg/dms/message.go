package dms

import (
	"encoding/json"
	"fmt"

	"github.com/sehyukpark/peppermint/pkg/crypto"
)

// Message is a signed envelope in the distributed set. The content hash is
// a pure function of payload plus signature, so identical re-submissions
// collapse to one entry on every node.
type Message struct {
	data      string
	signature crypto.Signature
	hash      crypto.Hash256
}

// NewMessage builds a message after checking the signature over the payload.
func NewMessage(data string, signature crypto.Signature) (Message, error) {
	if err := signature.Verify(data); err != nil {
		return Message{}, fmt.Errorf("invalid message signature: %w", err)
	}
	return Message{
		data:      data,
		signature: signature,
		hash:      contentHash(data, signature),
	}, nil
}

func contentHash(data string, sig crypto.Signature) crypto.Hash256 {
	return crypto.HashOfString(data + sig.Signer.String() + string(sig.Bytes))
}

func (m Message) Data() string                { return m.data }
func (m Message) Signature() crypto.Signature { return m.signature }
func (m Message) ContentHash() crypto.Hash256 { return m.hash }

// envelope is the wire and storage form of a Message.
type envelope struct {
	Data      string           `json:"data"`
	Signature crypto.Signature `json:"signature"`
}

// Encode serializes the message for gossip or storage.
func (m Message) Encode() ([]byte, error) {
	return json.Marshal(envelope{Data: m.data, Signature: m.signature})
}

// DecodeMessage parses an envelope and re-verifies its signature.
func DecodeMessage(payload []byte) (Message, error) {
	var e envelope
	if err := json.Unmarshal(payload, &e); err != nil {
		return Message{}, fmt.Errorf("decode message envelope: %w", err)
	}
	return NewMessage(e.Data, e.Signature)
}
